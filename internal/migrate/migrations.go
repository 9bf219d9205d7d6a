// Package migrate applies the embedded schema to the local careline.db.
// Each sql/NNNN_name.sql file runs once, in version order, inside its own
// transaction; schema_version records the highest applied version so a
// device interrupted mid-upgrade resumes at the next file.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	stmts   string
}

// Migrate brings the database up to the latest embedded schema version.
func Migrate(db *sql.DB) error {
	pending, err := loadMigrations()
	if err != nil {
		return err
	}
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
	}
	return nil
}

func loadMigrations() ([]migration, error) {
	paths, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	migrations := make([]migration, 0, len(paths))
	for _, path := range paths {
		name := strings.TrimPrefix(path, "sql/")
		prefix, _, found := strings.Cut(name, "_")
		if !found {
			return nil, fmt.Errorf("migration %s: name must be NNNN_description.sql", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version prefix %q", name, prefix)
		}
		data, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration{version: version, name: name, stmts: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func currentVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := db.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// apply runs one migration and the version bump atomically.
func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(m.stmts); err != nil {
		return fmt.Errorf("migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	return tx.Commit()
}
