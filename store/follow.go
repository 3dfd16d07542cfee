package store

import (
	"context"
)

// FollowStatus tracks the follow state machine: pending → accepted | rejected.
type FollowStatus string

const (
	FollowStatusPending  FollowStatus = "pending"
	FollowStatusAccepted FollowStatus = "accepted"
	FollowStatusRejected FollowStatus = "rejected"
)

// Follow links a follower to a followed user, remembering the fed activity
// id so a later Accept or Reject can resolve it.
type Follow struct {
	ID                  int64
	FollowerID          int64
	FollowingID         int64
	FedFollowActivityID *string
	Status              FollowStatus
	CreatedTs           int64
}

type FindFollow struct {
	FollowerID          *int64
	FollowingID         *int64
	FedFollowActivityID *string
	Status              *FollowStatus
}

type UpdateFollowStatus struct {
	// FedFollowActivityID selects the follow to resolve.
	FedFollowActivityID string
	Status              FollowStatus
}

type DeleteFollow struct {
	FollowerID  *int64
	FollowingID *int64
	// ReferencingUserID deletes every follow the user participates in.
	ReferencingUserID *int64
}

// FindFollowerUsers selects the users following FollowingID with the given
// status, for delivery fan-out.
type FindFollowerUsers struct {
	FollowingID int64
	Status      FollowStatus
}

// UpsertFollow records a follow edge, updating status and activity id when
// the (follower, following) pair already exists.
func (s *Store) UpsertFollow(ctx context.Context, upsert *Follow) (*Follow, error) {
	if upsert.Status == "" {
		upsert.Status = FollowStatusPending
	}
	return s.driver.UpsertFollow(ctx, upsert)
}

func (s *Store) ListFollows(ctx context.Context, find *FindFollow) ([]*Follow, error) {
	return s.driver.ListFollows(ctx, find)
}

// GetFollow returns the single follow matching find, or nil.
func (s *Store) GetFollow(ctx context.Context, find *FindFollow) (*Follow, error) {
	list, err := s.driver.ListFollows(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateFollowStatus resolves a pending follow by its fed activity id.
func (s *Store) UpdateFollowStatus(ctx context.Context, update *UpdateFollowStatus) (*Follow, error) {
	return s.driver.UpdateFollowStatus(ctx, update)
}

func (s *Store) DeleteFollow(ctx context.Context, delete *DeleteFollow) error {
	return s.driver.DeleteFollow(ctx, delete)
}

// ListFollowerUsers returns the full user rows of accepted followers so the
// delivery pipeline can read inbox and shared-inbox URLs in one query.
func (s *Store) ListFollowerUsers(ctx context.Context, find *FindFollowerUsers) ([]*User, error) {
	return s.driver.ListFollowerUsers(ctx, find)
}

func (s *Store) CountFollows(ctx context.Context, find *FindFollow) (int64, error) {
	return s.driver.CountFollows(ctx, find)
}
