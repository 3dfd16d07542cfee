package store

import (
	"context"

	"github.com/pkg/errors"
)

// MessageMapping records the bidirectional correspondence between a chat
// event and a fed object. An identifier, once set, is never overwritten
// with a different value.
type MessageMapping struct {
	ID          int64
	ChatEventID *string
	FedObjectID *string
	RoomID      int64
	SenderID    int64
	CreatedTs   int64
}

type FindMessageMapping struct {
	ID          *int64
	ChatEventID *string
	FedObjectID *string
	RoomID      *int64
	SenderID    *int64
	// LocalOnly restricts to mappings that originated from a chat event.
	LocalOnly bool
	Limit     *int
	Offset    *int
	OrderDesc bool
}

type UpdateMessageMapping struct {
	ID          int64
	ChatEventID *string
	FedObjectID *string
}

type DeleteMessageMapping struct {
	ID       *int64
	SenderID *int64
}

func (s *Store) CreateMessageMapping(ctx context.Context, create *MessageMapping) (*MessageMapping, error) {
	if create.ChatEventID == nil && create.FedObjectID == nil {
		return nil, errors.New("message mapping requires at least one identifier")
	}
	return s.driver.CreateMessageMapping(ctx, create)
}

func (s *Store) ListMessageMappings(ctx context.Context, find *FindMessageMapping) ([]*MessageMapping, error) {
	return s.driver.ListMessageMappings(ctx, find)
}

// GetMessageMapping returns the single mapping matching find, or nil.
func (s *Store) GetMessageMapping(ctx context.Context, find *FindMessageMapping) (*MessageMapping, error) {
	list, err := s.driver.ListMessageMappings(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateMessageMapping fills in the missing half of a mapping. The driver
// rejects overwriting an already-set identifier with a different value.
func (s *Store) UpdateMessageMapping(ctx context.Context, update *UpdateMessageMapping) (*MessageMapping, error) {
	return s.driver.UpdateMessageMapping(ctx, update)
}

func (s *Store) DeleteMessageMapping(ctx context.Context, delete *DeleteMessageMapping) error {
	return s.driver.DeleteMessageMapping(ctx, delete)
}

func (s *Store) CountMessageMappings(ctx context.Context, find *FindMessageMapping) (int64, error) {
	return s.driver.CountMessageMappings(ctx, find)
}
