package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

func (d *DB) CreateMessageMapping(ctx context.Context, create *store.MessageMapping) (*store.MessageMapping, error) {
	fields := []string{"chat_event_id", "fed_object_id", "room_id", "sender_id"}
	args := []any{create.ChatEventID, create.FedObjectID, create.RoomID, create.SenderID}

	stmt := "INSERT INTO message_mapping (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ") RETURNING id, created_ts"
	if err := d.q().QueryRowContext(ctx, stmt, args...).Scan(
		&create.ID,
		&create.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create message mapping")
	}

	return create, nil
}

func (d *DB) ListMessageMappings(ctx context.Context, find *store.FindMessageMapping) ([]*store.MessageMapping, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ChatEventID != nil {
		where, args = append(where, "chat_event_id = "+placeholder(len(args)+1)), append(args, *find.ChatEventID)
	}
	if find.FedObjectID != nil {
		where, args = append(where, "fed_object_id = "+placeholder(len(args)+1)), append(args, *find.FedObjectID)
	}
	if find.RoomID != nil {
		where, args = append(where, "room_id = "+placeholder(len(args)+1)), append(args, *find.RoomID)
	}
	if find.SenderID != nil {
		where, args = append(where, "sender_id = "+placeholder(len(args)+1)), append(args, *find.SenderID)
	}
	if find.LocalOnly {
		where = append(where, "EXISTS (SELECT 1 FROM bridge_user u WHERE u.id = sender_id AND u.is_ghost = FALSE)")
	}

	order := "ORDER BY id"
	if find.OrderDesc {
		order = "ORDER BY id DESC"
	}
	query := `
		SELECT id, chat_event_id, fed_object_id, room_id, sender_id, created_ts
		FROM message_mapping
		WHERE ` + strings.Join(where, " AND ") + `
		` + order
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
		if find.Offset != nil {
			query += fmt.Sprintf(" OFFSET %d", *find.Offset)
		}
	}

	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list message mappings")
	}
	defer rows.Close()

	list := []*store.MessageMapping{}
	for rows.Next() {
		var mapping store.MessageMapping
		if err := rows.Scan(
			&mapping.ID,
			&mapping.ChatEventID,
			&mapping.FedObjectID,
			&mapping.RoomID,
			&mapping.SenderID,
			&mapping.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan message mapping")
		}
		list = append(list, &mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list message mappings")
	}

	return list, nil
}

// UpdateMessageMapping fills in missing identifiers. A set identifier is
// never overwritten: the guard clauses make the update match zero rows when
// a different value is already present, which surfaces as an error.
func (d *DB) UpdateMessageMapping(ctx context.Context, update *store.UpdateMessageMapping) (*store.MessageMapping, error) {
	stmt := `
		UPDATE message_mapping
		SET
			chat_event_id = COALESCE(chat_event_id, $1),
			fed_object_id = COALESCE(fed_object_id, $2)
		WHERE id = $3
			AND ($1 IS NULL OR chat_event_id IS NULL OR chat_event_id = $1)
			AND ($2 IS NULL OR fed_object_id IS NULL OR fed_object_id = $2)
		RETURNING id, chat_event_id, fed_object_id, room_id, sender_id, created_ts`
	var mapping store.MessageMapping
	err := d.q().QueryRowContext(ctx, stmt, update.ChatEventID, update.FedObjectID, update.ID).Scan(
		&mapping.ID,
		&mapping.ChatEventID,
		&mapping.FedObjectID,
		&mapping.RoomID,
		&mapping.SenderID,
		&mapping.CreatedTs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("message mapping %d not found or identifier already set", update.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update message mapping")
	}

	return &mapping, nil
}

func (d *DB) DeleteMessageMapping(ctx context.Context, delete *store.DeleteMessageMapping) error {
	where, args := []string{}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *delete.ID)
	}
	if delete.SenderID != nil {
		where, args = append(where, "sender_id = "+placeholder(len(args)+1)), append(args, *delete.SenderID)
	}
	if len(where) == 0 {
		return errors.New("delete message mapping requires a filter")
	}

	stmt := "DELETE FROM message_mapping WHERE " + strings.Join(where, " AND ")
	if _, err := d.q().ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete message mappings")
	}
	return nil
}

func (d *DB) CountMessageMappings(ctx context.Context, find *store.FindMessageMapping) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.RoomID != nil {
		where, args = append(where, "room_id = "+placeholder(len(args)+1)), append(args, *find.RoomID)
	}
	if find.SenderID != nil {
		where, args = append(where, "sender_id = "+placeholder(len(args)+1)), append(args, *find.SenderID)
	}
	if find.LocalOnly {
		where = append(where, "EXISTS (SELECT 1 FROM bridge_user u WHERE u.id = sender_id AND u.is_ghost = FALSE)")
	}

	query := "SELECT COUNT(*) FROM message_mapping WHERE " + strings.Join(where, " AND ")
	var count int64
	if err := d.q().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count message mappings")
	}
	return count, nil
}
