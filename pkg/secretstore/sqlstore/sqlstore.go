// Package sqlstore implements the credential Store on a relational database
// through bun. SQLite (modernc.org/sqlite), PostgreSQL (pgx) and MySQL are
// supported; every record key is one row of the pingate_secrets table.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	// Register database drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// ErrInvalidConfig indicates the store configuration is invalid.
var ErrInvalidConfig = errors.New("sqlstore: invalid configuration")

// sqlOpen is replaced in tests.
var sqlOpen = sql.Open

type secretModel struct {
	bun.BaseModel `bun:"table:pingate_secrets"`

	Name  string `bun:"name,pk"`
	Value []byte `bun:"value,notnull"`
}

// Config selects and locates the database.
type Config struct {
	// Dialect is one of "sqlite", "postgres" or "mysql".
	Dialect string
	// DSN is passed to the driver unchanged.
	DSN string
}

// validate checks that the configuration is valid.
func (c Config) validate() error {
	switch c.Dialect {
	case DialectSQLite, DialectPostgres, DialectMySQL:
	default:
		return fmt.Errorf("%w: unsupported dialect %q", ErrInvalidConfig, c.Dialect)
	}
	if c.DSN == "" {
		return fmt.Errorf("%w: dsn must not be empty", ErrInvalidConfig)
	}
	return nil
}

// Store is a bun-backed credential store.
type Store struct {
	db    *bun.DB
	owned bool
}

// Open connects to the configured database and ensures the table exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	driverName := cfg.Dialect
	// The pgx stdlib registers driver name "pgx"; map "postgres" to that driver.
	if cfg.Dialect == DialectPostgres {
		driverName = "pgx"
	}
	sqlDB, err := sqlOpen(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Dialect, err)
	}
	// Each connection to an in-memory SQLite database sees its own database.
	if cfg.Dialect == DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	s, err := New(ctx, createBunDB(sqlDB, cfg.Dialect))
	if err != nil {
		return nil, errors.Join(err, sqlDB.Close())
	}
	s.owned = true
	return s, nil
}

// New wraps an existing bun.DB and ensures the table exists. Close does not
// close a database passed in this way.
func New(ctx context.Context, db *bun.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db is nil", ErrInvalidConfig)
	}
	if _, err := db.NewCreateTable().Model((*secretModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: create table: %w", err)
	}
	return &Store{db: db}, nil
}

func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case DialectPostgres:
		return bun.NewDB(sqlDB, pgdialect.New())
	case DialectMySQL:
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var m secretModel
	err := s.db.NewSelect().Model(&m).Where("name = ?", key).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: get %s: %w", key, err)
	}
	return m.Value, true, nil
}

// Put upserts value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return upsert(ctx, s.db, key, value)
}

// PutAll upserts every value in one transaction.
func (s *Store) PutAll(ctx context.Context, values map[string][]byte) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for k, v := range values {
			if err := upsert(ctx, tx, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear deletes every row.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.NewDelete().Model((*secretModel)(nil)).Where("1 = 1").Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: clear: %w", err)
	}
	return nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

func upsert(ctx context.Context, db bun.IDB, key string, value []byte) error {
	m := &secretModel{Name: key, Value: value}
	if m.Value == nil {
		m.Value = []byte{}
	}
	q := db.NewInsert().Model(m)
	if db.Dialect().Name() == dialect.MySQL {
		q = q.On("DUPLICATE KEY UPDATE").Set("value = VALUES(value)")
	} else {
		q = q.On("CONFLICT (name) DO UPDATE").Set("value = EXCLUDED.value")
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: put %s: %w", key, err)
	}
	return nil
}
