package db

import (
	"os"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `UPDATE step_executions SET status=?, version=version+1 WHERE id=? AND version=?`
	got := Rebind(Postgres, q)
	want := `UPDATE step_executions SET status=$1, version=version+1 WHERE id=$2 AND version=$3`
	if got != want {
		t.Fatalf("rebind = %s", got)
	}
	if Rebind(SQLite, q) != q {
		t.Fatalf("sqlite queries must be left untouched")
	}
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
}
