package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// sqliteParams keeps writers from failing under contention and makes every
// transaction take the write lock up front.
const sqliteParams = "_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

type DB struct {
	*sql.DB
	driver string
}

// NewDB opens the store and brings the schema up to date. For sqlite3 the
// dsn is a file path or a file: URI.
func NewDB(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if !strings.HasPrefix(dsn, "file:") {
			// Create the database directory if it doesn't exist
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		dsn = withParams(dsn, sqliteParams)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection serializes
		// transactions instead of surfacing SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: driver}
	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return db, nil
}

// NewMemoryDB opens a private in-memory SQLite store.
func NewMemoryDB() (*DB, error) {
	return NewDB(DriverSQLite, "file:linkup-"+uuid.NewString()+"?mode=memory&cache=shared")
}

func withParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func (db *DB) Driver() string {
	return db.driver
}

func (db *DB) initSchema() error {
	for _, query := range schema {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders into the $n form PostgreSQL expects.
func (db *DB) q(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in a transaction, committing when it returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err came from a unique or primary key
// constraint on either supported driver.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func affected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
