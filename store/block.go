package store

import (
	"context"

	"github.com/pkg/errors"
)

// BlockType distinguishes user blocks from instance-wide blocks.
type BlockType string

const (
	BlockTypeUser     BlockType = "user"
	BlockTypeInstance BlockType = "instance"
)

// Block is either a per-user block of another user or an admin-wide block
// of a remote instance (BlockerID nil).
type Block struct {
	ID                 int64
	BlockerID          *int64
	BlockedUserID      *int64
	BlockedInstance    *string
	BlockType          BlockType
	Reason             string
	FedBlockActivityID *string
	CreatedTs          int64
}

type FindBlock struct {
	ID              *int64
	BlockerID       *int64
	BlockedUserID   *int64
	BlockedInstance *string
	BlockType       *BlockType
	// AdminWide restricts to blocks with no blocker (instance policy).
	AdminWide bool
}

type DeleteBlock struct {
	ID              *int64
	BlockerID       *int64
	BlockedUserID   *int64
	BlockedInstance *string
	// ReferencingUserID deletes every block the user appears in, as
	// blocker or blocked.
	ReferencingUserID *int64
}

func (s *Store) CreateBlock(ctx context.Context, create *Block) (*Block, error) {
	switch create.BlockType {
	case BlockTypeUser:
		if create.BlockedUserID == nil {
			return nil, errors.New("user block requires a blocked user id")
		}
	case BlockTypeInstance:
		if create.BlockedInstance == nil || *create.BlockedInstance == "" {
			return nil, errors.New("instance block requires a hostname")
		}
	default:
		return nil, errors.Errorf("invalid block type %q", create.BlockType)
	}
	block, err := s.driver.CreateBlock(ctx, create)
	if err != nil {
		return nil, err
	}
	s.instanceBlockCache.Clear()
	return block, nil
}

func (s *Store) ListBlocks(ctx context.Context, find *FindBlock) ([]*Block, error) {
	return s.driver.ListBlocks(ctx, find)
}

func (s *Store) DeleteBlock(ctx context.Context, delete *DeleteBlock) error {
	if err := s.driver.DeleteBlock(ctx, delete); err != nil {
		return err
	}
	s.instanceBlockCache.Clear()
	return nil
}

// IsInstanceBlocked reports whether an admin-wide block covers host.
func (s *Store) IsInstanceBlocked(ctx context.Context, host string) (bool, error) {
	if host == "" {
		return false, nil
	}
	if !s.inTx {
		if blocked, ok := s.instanceBlockCache.Get(host); ok {
			return blocked, nil
		}
	}
	blockType := BlockTypeInstance
	list, err := s.driver.ListBlocks(ctx, &FindBlock{
		BlockedInstance: &host,
		BlockType:       &blockType,
		AdminWide:       true,
	})
	if err != nil {
		return false, err
	}
	blocked := len(list) > 0
	if !s.inTx {
		s.instanceBlockCache.SetWithDefaultTTL(host, blocked)
	}
	return blocked, nil
}

// IsUserBlocked reports whether blocker has a user block against blocked.
func (s *Store) IsUserBlocked(ctx context.Context, blockerID, blockedID int64) (bool, error) {
	blockType := BlockTypeUser
	list, err := s.driver.ListBlocks(ctx, &FindBlock{
		BlockerID:     &blockerID,
		BlockedUserID: &blockedID,
		BlockType:     &blockType,
	})
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}
