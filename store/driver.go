package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	Migrate(ctx context.Context) error
	MigrateDown(ctx context.Context) error

	// RunInTransaction executes fn against a driver bound to a single
	// transaction. The transaction commits when fn returns nil and rolls
	// back otherwise. Nested calls reuse the outer transaction.
	RunInTransaction(ctx context.Context, fn func(Driver) error) error

	// User model related methods.
	CreateUser(ctx context.Context, create *User) (*User, error)
	ListUsers(ctx context.Context, find *FindUser) ([]*User, error)
	UpdateUser(ctx context.Context, update *UpdateUser) (*User, error)
	DeleteUser(ctx context.Context, delete *DeleteUser) error
	CountUsers(ctx context.Context) (int64, error)

	// Room model related methods.
	CreateRoom(ctx context.Context, create *Room) (*Room, error)
	ListRooms(ctx context.Context, find *FindRoom) ([]*Room, error)
	UpdateRoom(ctx context.Context, update *UpdateRoom) (*Room, error)

	// Message mapping model related methods.
	CreateMessageMapping(ctx context.Context, create *MessageMapping) (*MessageMapping, error)
	ListMessageMappings(ctx context.Context, find *FindMessageMapping) ([]*MessageMapping, error)
	UpdateMessageMapping(ctx context.Context, update *UpdateMessageMapping) (*MessageMapping, error)
	DeleteMessageMapping(ctx context.Context, delete *DeleteMessageMapping) error
	CountMessageMappings(ctx context.Context, find *FindMessageMapping) (int64, error)

	// Follow model related methods.
	UpsertFollow(ctx context.Context, upsert *Follow) (*Follow, error)
	ListFollows(ctx context.Context, find *FindFollow) ([]*Follow, error)
	UpdateFollowStatus(ctx context.Context, update *UpdateFollowStatus) (*Follow, error)
	DeleteFollow(ctx context.Context, delete *DeleteFollow) error
	ListFollowerUsers(ctx context.Context, find *FindFollowerUsers) ([]*User, error)
	CountFollows(ctx context.Context, find *FindFollow) (int64, error)

	// Block model related methods.
	CreateBlock(ctx context.Context, create *Block) (*Block, error)
	ListBlocks(ctx context.Context, find *FindBlock) ([]*Block, error)
	DeleteBlock(ctx context.Context, delete *DeleteBlock) error

	// Media model related methods.
	UpsertMedia(ctx context.Context, upsert *Media) (*Media, error)
	ListMedia(ctx context.Context, find *FindMedia) ([]*Media, error)

	// Dead letter model related methods.
	CreateDeadLetter(ctx context.Context, create *DeadLetter) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, find *FindDeadLetter) ([]*DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, delete *DeleteDeadLetter) error

	// Appservice transaction dedupe methods.
	InsertAppserviceTxn(ctx context.Context, txnID string, createdTs int64) (bool, error)
	DeleteAppserviceTxnsBefore(ctx context.Context, beforeTs int64) (int64, error)

	// Report model related methods.
	CreateReport(ctx context.Context, create *Report) (*Report, error)
	ListReports(ctx context.Context, find *FindReport) ([]*Report, error)
}
