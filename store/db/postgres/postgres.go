package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store/migration"
)

type DB struct {
	db *sql.DB
	// tx is set on driver copies handed to RunInTransaction callbacks so
	// every entity method runs against the same transaction.
	tx      *sql.Tx
	profile *profile.Profile
}

// NewDB opens the bridge database. The DSN is a lib/pq connection string
// or postgres:// URL.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	postgresDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	postgresDB.SetMaxOpenConns(profile.DBMaxOpenConns)
	postgresDB.SetMaxIdleConns(profile.DBMaxIdleConns)
	postgresDB.SetConnMaxLifetime(30 * time.Minute)

	driver := DB{db: postgresDB, profile: profile}

	return &driver, nil
}

// queryer is the subset of database/sql shared by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *DB) q() queryer {
	if d.tx != nil {
		return d.tx
	}
	return d.db
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	return migration.Up(ctx, d.db)
}

func (d *DB) MigrateDown(ctx context.Context) error {
	return migration.Down(ctx, d.db)
}

// RunInTransaction executes fn against a driver copy bound to a single
// transaction. Nested calls reuse the outer transaction.
func (d *DB) RunInTransaction(ctx context.Context, fn func(store.Driver) error) error {
	if d.tx != nil {
		return fn(d)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	txDriver := &DB{db: d.db, tx: tx, profile: d.profile}
	if err := fn(txDriver); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Wrapf(err, "transaction rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func placeholder(n int) string {
	return "$" + fmt.Sprint(n)
}

func placeholders(n int) string {
	list := []string{}
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}
