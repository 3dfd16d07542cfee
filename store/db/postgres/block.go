package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

func (d *DB) CreateBlock(ctx context.Context, create *store.Block) (*store.Block, error) {
	fields := []string{"blocker_id", "blocked_user_id", "blocked_instance", "block_type", "reason", "fed_block_activity_id"}
	args := []any{create.BlockerID, create.BlockedUserID, create.BlockedInstance, create.BlockType, create.Reason, create.FedBlockActivityID}

	stmt := "INSERT INTO block (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ") ON CONFLICT DO NOTHING RETURNING id, created_ts"
	err := d.q().QueryRowContext(ctx, stmt, args...).Scan(
		&create.ID,
		&create.CreatedTs,
	)
	if err == sql.ErrNoRows {
		// the unique indexes matched an existing row; hand that one back
		existing, lerr := d.ListBlocks(ctx, &store.FindBlock{
			BlockerID:       create.BlockerID,
			BlockedUserID:   create.BlockedUserID,
			BlockedInstance: create.BlockedInstance,
			BlockType:       &create.BlockType,
			AdminWide:       create.BlockerID == nil,
		})
		if lerr != nil {
			return nil, lerr
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
		return nil, errors.New("block insert conflicted but no existing row matches")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create block")
	}

	return create, nil
}

func (d *DB) ListBlocks(ctx context.Context, find *store.FindBlock) ([]*store.Block, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.BlockerID != nil {
		where, args = append(where, "blocker_id = "+placeholder(len(args)+1)), append(args, *find.BlockerID)
	}
	if find.BlockedUserID != nil {
		where, args = append(where, "blocked_user_id = "+placeholder(len(args)+1)), append(args, *find.BlockedUserID)
	}
	if find.BlockedInstance != nil {
		where, args = append(where, "blocked_instance = "+placeholder(len(args)+1)), append(args, *find.BlockedInstance)
	}
	if find.BlockType != nil {
		where, args = append(where, "block_type = "+placeholder(len(args)+1)), append(args, *find.BlockType)
	}
	if find.AdminWide {
		where = append(where, "blocker_id IS NULL")
	}

	query := `
		SELECT id, blocker_id, blocked_user_id, blocked_instance, block_type, reason, fed_block_activity_id, created_ts
		FROM block
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id`
	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list blocks")
	}
	defer rows.Close()

	list := []*store.Block{}
	for rows.Next() {
		var block store.Block
		if err := rows.Scan(
			&block.ID,
			&block.BlockerID,
			&block.BlockedUserID,
			&block.BlockedInstance,
			&block.BlockType,
			&block.Reason,
			&block.FedBlockActivityID,
			&block.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan block")
		}
		list = append(list, &block)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list blocks")
	}

	return list, nil
}

func (d *DB) DeleteBlock(ctx context.Context, delete *store.DeleteBlock) error {
	where, args := []string{}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *delete.ID)
	}
	if delete.BlockerID != nil {
		where, args = append(where, "blocker_id = "+placeholder(len(args)+1)), append(args, *delete.BlockerID)
	}
	if delete.BlockedUserID != nil {
		where, args = append(where, "blocked_user_id = "+placeholder(len(args)+1)), append(args, *delete.BlockedUserID)
	}
	if delete.BlockedInstance != nil {
		where, args = append(where, "blocked_instance = "+placeholder(len(args)+1)), append(args, *delete.BlockedInstance)
	}
	if delete.ReferencingUserID != nil {
		n := placeholder(len(args) + 1)
		where, args = append(where, "(blocker_id = "+n+" OR blocked_user_id = "+n+")"), append(args, *delete.ReferencingUserID)
	}
	if len(where) == 0 {
		return errors.New("delete block requires a filter")
	}

	stmt := "DELETE FROM block WHERE " + strings.Join(where, " AND ")
	if _, err := d.q().ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete blocks")
	}
	return nil
}
