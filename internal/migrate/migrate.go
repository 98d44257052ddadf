// Package migrate applies the embedded SQLite schema migrations, tracked in a
// schema_migrations table. Files are named NNNN_name.sql and run in order.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"

	"github.com/jmoiron/sqlx"
)

//go:embed sql/*.sql
var sqlFS embed.FS

const (
	migrationsDir = "sql"
	tableName     = "schema_migrations"
)

var migrationFileRe = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

type Migration struct {
	Version string
	Name    string
	body    string
}

// Run applies every embedded migration not yet recorded. Each migration
// and its bookkeeping row commit in one transaction.
func Run(ctx context.Context, db *sqlx.DB) ([]Migration, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+tableName+` (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`); err != nil {
		return nil, fmt.Errorf("ensure migrations table: %w", err)
	}

	pending, err := Pending(ctx, db)
	if err != nil {
		return nil, err
	}

	for _, m := range pending {
		if err := apply(ctx, db, m); err != nil {
			return nil, fmt.Errorf("apply %s_%s.sql: %w", m.Version, m.Name, err)
		}
		slog.Info("migration applied", "version", m.Version, "name", m.Name)
	}
	return pending, nil
}

// Pending lists the embedded migrations that have not been applied yet.
func Pending(ctx context.Context, db *sqlx.DB) ([]Migration, error) {
	var versions []string
	if err := db.SelectContext(ctx, &versions, `SELECT version FROM `+tableName); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	all, err := embedded()
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out, nil
}

func embedded() ([]Migration, error) {
	entries, err := fs.ReadDir(sqlFS, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []Migration
	for _, e := range entries {
		m := migrationFileRe.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		body, err := fs.ReadFile(sqlFS, migrationsDir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: m[1], Name: m[2], body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func apply(ctx context.Context, db *sqlx.DB, m Migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+tableName+` (version, name) VALUES (?, ?)`,
		m.Version, m.Name,
	); err != nil {
		return err
	}
	return tx.Commit()
}
