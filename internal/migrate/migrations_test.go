package migrate_test

import (
	"testing"

	"careline/internal/db"
	"careline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var v int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("schema version = %d", v)
	}

	// The core tables exist and are writable after migration.
	if _, err := conn.Exec(`INSERT INTO patients(id,name,region,version,dirty,updated_at) VALUES ('p-1','Asha','district-01',1,0,'2026-03-01T09:00:00Z')`); err != nil {
		t.Fatalf("insert patient: %v", err)
	}
}
