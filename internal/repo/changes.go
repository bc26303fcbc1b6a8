package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"arcline/internal/db"
	"arcline/internal/domain"
)

// LatestChangeID returns the newest outbox id, or 0 when the outbox is empty.
func (r Repo) LatestChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM change_outbox`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// ChangesAfter returns up to limit outbox rows with id > cursor, oldest first.
func (r Repo) ChangesAfter(ctx context.Context, cursor int64, limit int) ([]domain.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,source,op,row_json,created_at FROM change_outbox WHERE id > ? ORDER BY id ASC LIMIT ?`), cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// GetChange loads one outbox row.
func (r Repo) GetChange(ctx context.Context, id int64) (domain.Change, error) {
	c, err := scanChange(r.DB.QueryRowContext(ctx, r.q(`SELECT id,source,op,row_json,created_at FROM change_outbox WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return domain.Change{}, ErrNotFound
	}
	return c, err
}

func scanChange(s scanner) (domain.Change, error) {
	var c domain.Change
	var row string
	if err := s.Scan(&c.ID, &c.Source, &c.Op, &row, &c.CreatedAt); err != nil {
		return domain.Change{}, err
	}
	if json.Valid([]byte(row)) {
		c.Row = json.RawMessage(row)
	} else {
		b, _ := json.Marshal(row)
		c.Row = b
	}
	return c, nil
}

// InsertActivity adds a row to the activity feed.
func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	if a.ID == "" || a.Title == "" {
		return fmt.Errorf("activity id and title required")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = db.FormatTime(time.Now())
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO activity_feed(id,title,description,category,created_at) VALUES (?,?,?,?,?)`),
		a.ID, a.Title, nullable(a.Description), nullable(a.Category), a.CreatedAt)
	return err
}

// InsertAnomaly records a detected anomaly.
func (r Repo) InsertAnomaly(ctx context.Context, a domain.Anomaly) error {
	if a.ID == "" || a.Kind == "" {
		return fmt.Errorf("anomaly id and kind required")
	}
	if a.Severity == "" {
		a.Severity = "medium"
	}
	if a.CreatedAt == "" {
		a.CreatedAt = db.FormatTime(time.Now())
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO anomalies(id,kind,severity,description,score,created_at) VALUES (?,?,?,?,?,?)`),
		a.ID, a.Kind, a.Severity, nullable(a.Description), nullableFloat(a.Score), a.CreatedAt)
	return err
}

// UpsertTask inserts or updates a board task.
func (r Repo) UpsertTask(ctx context.Context, t domain.Task) error {
	if t.ID == "" || t.Title == "" || t.Status == "" {
		return fmt.Errorf("task id, title and status required")
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = db.FormatTime(time.Now())
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO tasks(id,title,status,assignee,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, status=excluded.status, assignee=excluded.assignee, updated_at=excluded.updated_at`),
		t.ID, t.Title, t.Status, nullable(t.Assignee), t.UpdatedAt)
	return err
}

// UpsertScenario inserts or updates a simulation scenario.
func (r Repo) UpsertScenario(ctx context.Context, s domain.Scenario) error {
	if s.ID == "" || s.Name == "" || s.Status == "" {
		return fmt.Errorf("scenario id, name and status required")
	}
	if s.UpdatedAt == "" {
		s.UpdatedAt = db.FormatTime(time.Now())
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO scenarios(id,name,status,detail,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, detail=excluded.detail, updated_at=excluded.updated_at`),
		s.ID, s.Name, s.Status, nullable(s.Detail), s.UpdatedAt)
	return err
}
