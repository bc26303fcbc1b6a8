package migrate

import (
	"testing"
	"time"

	"arcline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	migrations, _ := loadMigrations(dialect)
	if want := migrations[len(migrations)-1].Version; v != want {
		t.Fatalf("expected version %d, got %d", want, v)
	}
}

func TestBothDialectsShipSameVersions(t *testing.T) {
	lite, err := loadMigrations(db.SQLite)
	if err != nil {
		t.Fatal(err)
	}
	pg, err := loadMigrations(db.Postgres)
	if err != nil {
		t.Fatal(err)
	}
	if len(lite) != len(pg) {
		t.Fatalf("sqlite has %d migrations, postgres %d", len(lite), len(pg))
	}
	for i := range lite {
		if lite[i].Version != pg[i].Version {
			t.Fatalf("version mismatch at %d: %d vs %d", i, lite[i].Version, pg[i].Version)
		}
	}
}

func TestAuditTablesAreAppendOnly(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO intent_log(id,actor_type,intent_type,intent_text,created_at) VALUES ('i1','user','chat','hello','2024-01-01T00:00:00.000000Z')`); err != nil {
		t.Fatalf("insert intent: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO action_log(id,intent_id,action_type,status,created_at) VALUES ('a1','i1','reply','running','2024-01-01T00:00:00.000000Z')`); err != nil {
		t.Fatalf("insert action: %v", err)
	}
	if _, err := conn.Exec(`UPDATE intent_log SET intent_text='changed' WHERE id='i1'`); err == nil {
		t.Fatalf("expected intent update to be rejected")
	}
	if _, err := conn.Exec(`DELETE FROM intent_log WHERE id='i1'`); err == nil {
		t.Fatalf("expected intent delete to be rejected")
	}
	if _, err := conn.Exec(`UPDATE action_log SET action_type='other' WHERE id='a1'`); err == nil {
		t.Fatalf("expected action column update to be rejected")
	}
	if _, err := conn.Exec(`UPDATE action_log SET status='success' WHERE id='a1'`); err != nil {
		t.Fatalf("status update should be allowed: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO action_log(id,intent_id,action_type,status,created_at) VALUES ('a2','missing','reply','running','2024-01-01T00:00:00.000000Z')`); err == nil {
		t.Fatalf("expected foreign key violation for unknown intent")
	}
}

func TestSourceTriggersFillOutbox(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO anomalies(id,kind,severity,created_at) VALUES ('7','thermal','high','2024-01-01T00:00:00.000000Z')`); err != nil {
		t.Fatalf("insert anomaly: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO tasks(id,title,status,updated_at) VALUES ('t1','Patrol','open','2024-01-01T00:00:00.000000Z')`); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if _, err := conn.Exec(`UPDATE tasks SET status='closed' WHERE id='t1'`); err != nil {
		t.Fatalf("update task: %v", err)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM change_outbox`).Scan(&n); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 outbox rows, got %d", n)
	}
	var op, row string
	if err := conn.QueryRow(`SELECT op,row_json FROM change_outbox ORDER BY id DESC LIMIT 1`).Scan(&op, &row); err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if op != "UPDATE" {
		t.Fatalf("expected UPDATE, got %s", op)
	}
	if row == "" || row[0] != '{' {
		t.Fatalf("expected json row, got %q", row)
	}
}

func TestOutboxTimestampsUseStoredLayout(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO tasks(id,title,status,updated_at) VALUES ('t1','Patrol','open','2024-01-01T00:00:00.000000Z')`); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	var created string
	if err := conn.QueryRow(`SELECT created_at FROM change_outbox ORDER BY id DESC LIMIT 1`).Scan(&created); err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if len(created) != len(db.TimeFormat) {
		t.Fatalf("outbox created_at %q is not %d chars wide", created, len(db.TimeFormat))
	}
	if _, err := time.Parse(db.TimeFormat, created); err != nil {
		t.Fatalf("outbox created_at %q does not parse: %v", created, err)
	}
}
