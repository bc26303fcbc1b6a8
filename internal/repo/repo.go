package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"arcline/internal/db"
	"arcline/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{DB: conn, Dialect: dialect}
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// InsertIntent stores one intent row.
func (r Repo) InsertIntent(ctx context.Context, in domain.Intent) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO intent_log(id,actor_type,actor_id,intent_type,intent_text,context,created_at) VALUES (?,?,?,?,?,?,?)`),
		in.ID, string(in.ActorType), nullablePtr(in.ActorID), in.IntentType, in.IntentText, jsonOrEmptyObject(in.Context), in.CreatedAt)
	return err
}

// InsertAction stores one action row.
func (r Repo) InsertAction(ctx context.Context, a domain.Action) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO action_log(id,intent_id,action_type,action_target,request,cost_usd,status,created_at) VALUES (?,?,?,?,?,?,?,?)`),
		a.ID, a.IntentID, a.ActionType, nullablePtr(a.ActionTarget), jsonOrEmptyObject(a.Request), nullableFloat(a.CostUSD), string(a.Status), a.CreatedAt)
	return err
}

// UpdateActionStatus overwrites the status of an action. It is the only
// mutation the audit tables allow.
func (r Repo) UpdateActionStatus(ctx context.Context, id string, status domain.ActionStatus) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE action_log SET status=? WHERE id=?`), string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertResult stores one result row.
func (r Repo) InsertResult(ctx context.Context, res domain.Result) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO result_log(id,action_id,output,error,latency_ms,created_at) VALUES (?,?,?,?,?,?)`),
		res.ID, res.ActionID, nullableJSON(res.Output), nullablePtr(res.Error), nullableInt(res.LatencyMS), res.CreatedAt)
	return err
}

// InsertImpact stores one impact row.
func (r Repo) InsertImpact(ctx context.Context, im domain.Impact) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO impact_log(id,intent_id,impact_type,impact_score,impact,created_at) VALUES (?,?,?,?,?,?)`),
		im.ID, im.IntentID, im.ImpactType, nullableFloat(im.ImpactScore), jsonOrEmptyObject(im.Impact), im.CreatedAt)
	return err
}

func (r Repo) GetIntent(ctx context.Context, id string) (domain.Intent, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT id,actor_type,actor_id,intent_type,intent_text,context,created_at FROM intent_log WHERE id=?`), id)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return domain.Intent{}, ErrNotFound
	}
	return in, err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT id,intent_id,action_type,action_target,request,cost_usd,status,created_at FROM action_log WHERE id=?`), id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return domain.Action{}, ErrNotFound
	}
	return a, err
}

// ResultsForAction returns every result recorded against an action, oldest first.
func (r Repo) ResultsForAction(ctx context.Context, actionID string) ([]domain.Result, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,action_id,output,error,latency_ms,created_at FROM result_log WHERE action_id=? ORDER BY created_at, id`), actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Result
	for rows.Next() {
		item, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// CountRows returns the number of rows in one of the audit tables.
func (r Repo) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "intent_log", "action_log", "result_log", "impact_log", "change_outbox":
	default:
		return 0, fmt.Errorf("invalid table %s", table)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(s scanner) (domain.Intent, error) {
	var in domain.Intent
	var actorType string
	var actorID sql.NullString
	var contextJSON sql.NullString
	if err := s.Scan(&in.ID, &actorType, &actorID, &in.IntentType, &in.IntentText, &contextJSON, &in.CreatedAt); err != nil {
		return domain.Intent{}, err
	}
	in.ActorType = domain.ActorType(actorType)
	in.ActorID = ptrFromNull(actorID)
	in.Context = rawFromNull(contextJSON)
	return in, nil
}

func scanAction(s scanner) (domain.Action, error) {
	var a domain.Action
	var target, request sql.NullString
	var cost sql.NullFloat64
	var status string
	if err := s.Scan(&a.ID, &a.IntentID, &a.ActionType, &target, &request, &cost, &status, &a.CreatedAt); err != nil {
		return domain.Action{}, err
	}
	a.ActionTarget = ptrFromNull(target)
	a.Request = rawFromNull(request)
	if cost.Valid {
		v := cost.Float64
		a.CostUSD = &v
	}
	a.Status = domain.ActionStatus(status)
	return a, nil
}

func scanResult(s scanner) (domain.Result, error) {
	var res domain.Result
	var output, errText sql.NullString
	var latency sql.NullInt64
	if err := s.Scan(&res.ID, &res.ActionID, &output, &errText, &latency, &res.CreatedAt); err != nil {
		return domain.Result{}, err
	}
	res.Output = rawFromNull(output)
	res.Error = ptrFromNull(errText)
	if latency.Valid {
		v := latency.Int64
		res.LatencyMS = &v
	}
	return res, nil
}

func scanImpact(s scanner) (domain.Impact, error) {
	var im domain.Impact
	var score sql.NullFloat64
	var detail sql.NullString
	if err := s.Scan(&im.ID, &im.IntentID, &im.ImpactType, &score, &detail, &im.CreatedAt); err != nil {
		return domain.Impact{}, err
	}
	if score.Valid {
		v := score.Float64
		im.ImpactScore = &v
	}
	im.Impact = rawFromNull(detail)
	return im, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullable(*v)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return string(raw)
}

func jsonOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return "{}"
	}
	return string(raw)
}

func ptrFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func rawFromNull(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	if !json.Valid([]byte(v.String)) {
		b, _ := json.Marshal(v.String)
		return b
	}
	return json.RawMessage(v.String)
}
