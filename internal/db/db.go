package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"beaconsync/internal/config"
)

// Open connects to the store database. With LogSQL set every statement is
// logged at debug level through a wrapping connector.
func Open(cfg config.DB, logger *slog.Logger) (*sqlx.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	var db *sqlx.DB
	if cfg.LogSQL {
		connector, err := NewLoggingConnector(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("db connector: %w", err)
		}
		db = sqlx.NewDb(sql.OpenDB(connector), "sqlite3")
	} else {
		db, err = sqlx.Open(cfg.Driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func Close(db *sqlx.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}

// sqliteParams are appended to every generated DSN:
// foreign keys enforced, a busy timeout for the reader pool, WAL so readers
// see a stable snapshot while the writer commits.
var sqliteParams = []string{
	"_foreign_keys=on",
	"_busy_timeout=5000",
	"_journal_mode=WAL",
}

func buildDSN(cfg config.DB) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	path := cfg.Path
	if path == "" {
		return "", fmt.Errorf("db: SQLITE_PATH is empty")
	}
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		path = "file:" + path
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(sqliteParams, "&"), nil
}
