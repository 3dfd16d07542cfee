package store

import (
	"context"
	"time"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/cache"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
	// inTx marks a Store bound to an open transaction. Such a Store must
	// not populate shared caches with uncommitted rows.
	inTx bool

	// Caches. None are authoritative; every entry is reconstructible from
	// the tables.
	userCache          *cache.LRUCache[string, *User]
	instanceBlockCache *cache.LRUCache[string, bool]
	txnCache           *cache.LRUCache[string, struct{}]
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:             driver,
		profile:            profile,
		userCache:          cache.NewLRUCache[string, *User](1000, 10*time.Minute),
		instanceBlockCache: cache.NewLRUCache[string, bool](1000, 5*time.Minute),
		txnCache:           cache.NewLRUCache[string, struct{}](10000, time.Hour),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// MigrateDown rolls back the most recently applied schema version.
func (s *Store) MigrateDown(ctx context.Context) error {
	return s.driver.MigrateDown(ctx)
}

// RunInTransaction runs fn against a Store whose writes all land in a
// single transaction. The transaction commits when fn returns nil.
func (s *Store) RunInTransaction(ctx context.Context, fn func(*Store) error) error {
	return s.driver.RunInTransaction(ctx, func(d Driver) error {
		txStore := &Store{
			driver:             d,
			profile:            s.profile,
			inTx:               true,
			userCache:          s.userCache,
			instanceBlockCache: s.instanceBlockCache,
			txnCache:           s.txnCache,
		}
		return fn(txStore)
	})
}
