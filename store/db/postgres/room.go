package postgres

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

func (d *DB) CreateRoom(ctx context.Context, create *store.Room) (*store.Room, error) {
	fields := []string{"chat_room_id", "fed_context_id", "room_type"}
	args := []any{create.ChatRoomID, create.FedContextID, create.RoomType}

	stmt := "INSERT INTO room (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ") RETURNING id, created_ts"
	if err := d.q().QueryRowContext(ctx, stmt, args...).Scan(
		&create.ID,
		&create.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create room")
	}

	return create, nil
}

func (d *DB) ListRooms(ctx context.Context, find *store.FindRoom) ([]*store.Room, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ChatRoomID != nil {
		where, args = append(where, "chat_room_id = "+placeholder(len(args)+1)), append(args, *find.ChatRoomID)
	}
	if find.FedContextID != nil {
		where, args = append(where, "fed_context_id = "+placeholder(len(args)+1)), append(args, *find.FedContextID)
	}

	query := `
		SELECT id, chat_room_id, fed_context_id, room_type, created_ts
		FROM room
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id`
	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rooms")
	}
	defer rows.Close()

	list := []*store.Room{}
	for rows.Next() {
		var room store.Room
		if err := rows.Scan(
			&room.ID,
			&room.ChatRoomID,
			&room.FedContextID,
			&room.RoomType,
			&room.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan room")
		}
		list = append(list, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list rooms")
	}

	return list, nil
}

func (d *DB) UpdateRoom(ctx context.Context, update *store.UpdateRoom) (*store.Room, error) {
	set, args := []string{}, []any{}

	if update.FedContextID != nil {
		set, args = append(set, "fed_context_id = "+placeholder(len(args)+1)), append(args, *update.FedContextID)
	}
	if update.RoomType != nil {
		set, args = append(set, "room_type = "+placeholder(len(args)+1)), append(args, *update.RoomType)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, update.ID)

	stmt := `
		UPDATE room
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, chat_room_id, fed_context_id, room_type, created_ts`
	var room store.Room
	if err := d.q().QueryRowContext(ctx, stmt, args...).Scan(
		&room.ID,
		&room.ChatRoomID,
		&room.FedContextID,
		&room.RoomType,
		&room.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update room")
	}

	return &room, nil
}
