/*Package registry provides a persistent registry of JSON objects in a SQL database

Tenants and devices of the bridge are kept in the registry. Keys are namespaced
with accessor prefixes, e.g. "tenant:acme" or "device:acme/sensor-1".
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/bridge/core/csql"
)

// ErrExists is returned by Create if the key is taken
var ErrExists = errors.New("key exists already")

// ErrNotFound is returned by Update if the key does not exist
var ErrNotFound = errors.New("key not found")

// New creates a new registry for the specified database
func New(ctx context.Context, db *csql.DB) (*Registry, error) {
	_, err := db.ExecContext(ctx, `CREATE table IF NOT EXISTS `+db.Table("_registry_")+`
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create registry table: %w", err)
	}
	return &Registry{db: db, table: db.Table("_registry_")}, nil
}

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db    *csql.DB
	table string
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry *Registry
}

// Accessor returns a registry accessor with prefix
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

func (r Accessor) key(key string) string {
	if len(r.Prefix) > 0 {
		return r.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	var (
		rawValue  json.RawMessage
		timestamp time.Time
	)
	key = r.key(key)
	err := r.Registry.db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+r.Registry.table+` WHERE key=$1;`,
		key).Scan(&rawValue, &timestamp)
	if err == csql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return timestamp, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	return timestamp, json.Unmarshal(rawValue, value)
}

// Write writes a value into the registry, replacing any previous value.
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key = r.key(key)
	_, err = r.Registry.db.ExecContext(ctx,
		`INSERT INTO `+r.Registry.table+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
		key, string(body), time.Now().UTC())
	return err
}

// Create writes a value which must not exist yet. It returns ErrExists otherwise.
func (r Accessor) Create(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	res, err := r.Registry.db.ExecContext(ctx,
		`INSERT INTO `+r.Registry.table+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO NOTHING;`,
		r.key(key), string(body), time.Now().UTC())
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrExists
	}
	return nil
}

// Update replaces an existing value. It returns ErrNotFound if there is none.
func (r Accessor) Update(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	res, err := r.Registry.db.ExecContext(ctx,
		`UPDATE `+r.Registry.table+` SET value=$2, timestamp=$3 WHERE key=$1;`,
		r.key(key), string(body), time.Now().UTC())
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete deletes a value from the registry. It returns false if there was none.
func (r Accessor) Delete(ctx context.Context, key string) (bool, error) {
	res, err := r.Registry.db.ExecContext(ctx,
		`DELETE FROM `+r.Registry.table+` WHERE key=$1;`,
		r.key(key))
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Keys returns all keys of the accessor which start with prefix, without the
// accessor's own prefix, in lexical order.
func (r Accessor) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(r.key(prefix)) + "%"
	rows, err := r.Registry.db.QueryContext(ctx,
		`SELECT key FROM `+r.Registry.table+` WHERE key LIKE $1 ORDER BY key;`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	trim := r.key("")
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, strings.TrimPrefix(key, trim))
	}
	return keys, rows.Err()
}
