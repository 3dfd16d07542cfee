package store

import (
	"context"
)

// DeadLetter preserves a queue job that exhausted its retries, for admin
// inspection and manual requeue.
type DeadLetter struct {
	ID        int64
	Queue     string
	Payload   []byte
	LastError string
	Attempts  int
	CreatedTs int64
}

type FindDeadLetter struct {
	ID     *int64
	Queue  *string
	Limit  *int
	Offset *int
}

type DeleteDeadLetter struct {
	ID *int64
	// Queue deletes every dead letter of a queue when ID is nil.
	Queue *string
}

func (s *Store) CreateDeadLetter(ctx context.Context, create *DeadLetter) (*DeadLetter, error) {
	return s.driver.CreateDeadLetter(ctx, create)
}

func (s *Store) ListDeadLetters(ctx context.Context, find *FindDeadLetter) ([]*DeadLetter, error) {
	return s.driver.ListDeadLetters(ctx, find)
}

// GetDeadLetter returns the single dead letter matching find, or nil.
func (s *Store) GetDeadLetter(ctx context.Context, find *FindDeadLetter) (*DeadLetter, error) {
	list, err := s.driver.ListDeadLetters(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) DeleteDeadLetter(ctx context.Context, delete *DeleteDeadLetter) error {
	return s.driver.DeleteDeadLetter(ctx, delete)
}
