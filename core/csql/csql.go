// Package csql wraps a postgres connection pool together with the schema
// all tables of the bridge live in
package csql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/relabs-tech/bridge/core/logger"

	_ "github.com/lib/pq" // load database driver for postgres
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

var validSchema = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OpenWithSchema opens a postgres database with a schema.
// The schema gets created if it does not exist yet.
func OpenWithSchema(ctx context.Context, dataSourceName, schema string) (*DB, error) {
	rlog := logger.FromContext(ctx)
	if len(schema) == 0 {
		schema = "public"
	}
	if !validSchema.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name '%s'", schema)
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot connect to postgres: %w", err)
	}
	rlog.Infoln("connected to postgres database, schema", schema)
	if schema != "public" {
		if _, err = db.ExecContext(ctx, `CREATE schema IF NOT EXISTS `+schema+`;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot create schema %s: %w", schema, err)
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

// Table returns the schema qualified name of a table
func (db *DB) Table(name string) string {
	return db.Schema + `."` + name + `"`
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema(ctx context.Context) error {
	if db.Schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+db.Schema+` CASCADE;
	CREATE schema IF NOT EXISTS `+db.Schema+`;`)
	if err != nil {
		return fmt.Errorf("clear schema %s: %w", db.Schema, err)
	}
	return nil
}
