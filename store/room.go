package store

import (
	"context"
)

// RoomType classifies a bridged room for audience selection.
type RoomType string

const (
	RoomTypeDM     RoomType = "dm"
	RoomTypeGroup  RoomType = "group"
	RoomTypePublic RoomType = "public"
)

func (t RoomType) IsValid() bool {
	switch t {
	case RoomTypeDM, RoomTypeGroup, RoomTypePublic:
		return true
	}
	return false
}

// Room maps a chat room onto a fed conversation context.
type Room struct {
	ID           int64
	ChatRoomID   string
	FedContextID *string
	RoomType     RoomType
	CreatedTs    int64
}

type FindRoom struct {
	ID           *int64
	ChatRoomID   *string
	FedContextID *string
}

type UpdateRoom struct {
	ID           int64
	FedContextID *string
	RoomType     *RoomType
}

func (s *Store) CreateRoom(ctx context.Context, create *Room) (*Room, error) {
	if !create.RoomType.IsValid() {
		create.RoomType = RoomTypeGroup
	}
	return s.driver.CreateRoom(ctx, create)
}

func (s *Store) ListRooms(ctx context.Context, find *FindRoom) ([]*Room, error) {
	return s.driver.ListRooms(ctx, find)
}

// GetRoom returns the single room matching find, or nil when absent.
func (s *Store) GetRoom(ctx context.Context, find *FindRoom) (*Room, error) {
	list, err := s.driver.ListRooms(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateRoom(ctx context.Context, update *UpdateRoom) (*Room, error) {
	return s.driver.UpdateRoom(ctx, update)
}

// GetOrCreateRoom returns the room row for a chat room id, creating it with
// the detected type on first bridged message.
func (s *Store) GetOrCreateRoom(ctx context.Context, chatRoomID string, roomType RoomType) (*Room, error) {
	existing, err := s.GetRoom(ctx, &FindRoom{ChatRoomID: &chatRoomID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	room, err := s.CreateRoom(ctx, &Room{ChatRoomID: chatRoomID, RoomType: roomType})
	if err == nil {
		return room, nil
	}
	existing, rerr := s.GetRoom(ctx, &FindRoom{ChatRoomID: &chatRoomID})
	if rerr == nil && existing != nil {
		return existing, nil
	}
	return nil, err
}
