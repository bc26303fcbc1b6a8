package db

import (
	"errors"
	"testing"
	"time"
)

func TestRebind(t *testing.T) {
	got := Postgres.Rebind(`SELECT id FROM t WHERE a=? AND b='?' AND c=?`)
	want := `SELECT id FROM t WHERE a=$1 AND b='?' AND c=$2`
	if got != want {
		t.Fatalf("rebind: got %q want %q", got, want)
	}
	if SQLite.Rebind(`a=?`) != `a=?` {
		t.Fatalf("sqlite should not rebind")
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": SQLite, "sqlite": SQLite, "postgres": Postgres, "pgx": Postgres} {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Fatalf("expected error for mysql")
	}
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 999000, time.UTC))
	b := FormatTime(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC))
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if len(a) != len(b) {
		t.Fatalf("expected fixed width, got %d and %d", len(a), len(b))
	}
}

func TestOpenSQLite(t *testing.T) {
	conn, dialect, err := Open(Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if dialect != SQLite {
		t.Fatalf("expected sqlite, got %s", dialect)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestIsConstraintViolation(t *testing.T) {
	conn, _, err := Open(Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Exec(`CREATE TABLE parent(id TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`CREATE TABLE child(id TEXT PRIMARY KEY, parent_id TEXT NOT NULL REFERENCES parent(id))`); err != nil {
		t.Fatal(err)
	}
	_, err = conn.Exec(`INSERT INTO child(id, parent_id) VALUES ('c1', 'missing')`)
	if err == nil {
		t.Fatalf("expected foreign key violation")
	}
	if !IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if IsConstraintViolation(errors.New("connection refused")) {
		t.Fatalf("plain error classified as constraint violation")
	}
}
