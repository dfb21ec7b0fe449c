// Package data persists user transaction history and detection outcomes
// in sqlite or postgres.
package data

import (
	"database/sql"
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	DataFileName string = "data.db"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	//go:embed sql/*
	f embed.FS

	// ErrDBNotInitialized is returned when a nil database is used.
	ErrDBNotInitialized = errors.New("database not initialized")
)

// DriverName returns the sql driver for dsn: postgres for postgres:// URLs,
// sqlite for anything else.
func DriverName(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Init creates the schema for a given dsn. It is safe to run on an
// existing database.
func Init(dsn string) error {
	if dsn == "" {
		return errors.New("dsn not specified")
	}

	if DriverName(dsn) == DriverSQLite {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return errors.Wrapf(err, "error creating database directory: %s", dir)
			}
		}
	}

	db, err := GetDB(dsn)
	if err != nil {
		return errors.Wrapf(err, "error opening database: %s", Redact(dsn))
	}
	defer db.Close()

	slog.Debug("creating db schema...")
	b, err := f.ReadFile("sql/ddl.sql")
	if err != nil {
		return errors.Wrap(err, "failed to read the schema creation file")
	}
	if _, err := db.Exec(string(b)); err != nil {
		return errors.Wrapf(err, "failed to create database schema in: %s", Redact(dsn))
	}
	slog.Debug("db schema created")

	return nil
}

// GetDB opens the database for dsn.
func GetDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn not specified")
	}
	conn, err := sql.Open(DriverName(dsn), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database: %s", Redact(dsn))
	}
	if DriverName(dsn) == DriverSQLite {
		// sqlite allows a single writer
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Redact hides the password of a postgres URL.
func Redact(dsn string) string {
	i := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if i < 0 || at < 0 {
		return dsn
	}
	userinfo := dsn[i+3 : at]
	if c := strings.Index(userinfo, ":"); c >= 0 {
		return dsn[:i+3] + userinfo[:c] + ":***" + dsn[at:]
	}
	return dsn
}
