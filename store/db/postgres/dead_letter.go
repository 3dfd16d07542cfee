package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

func (d *DB) CreateDeadLetter(ctx context.Context, create *store.DeadLetter) (*store.DeadLetter, error) {
	fields := []string{"queue", "payload", "last_error", "attempts"}
	args := []any{create.Queue, create.Payload, create.LastError, create.Attempts}

	stmt := "INSERT INTO dead_letter (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ") RETURNING id, created_ts"
	if err := d.q().QueryRowContext(ctx, stmt, args...).Scan(
		&create.ID,
		&create.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create dead letter")
	}

	return create, nil
}

func (d *DB) ListDeadLetters(ctx context.Context, find *store.FindDeadLetter) ([]*store.DeadLetter, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.Queue != nil {
		where, args = append(where, "queue = "+placeholder(len(args)+1)), append(args, *find.Queue)
	}

	query := `
		SELECT id, queue, payload, last_error, attempts, created_ts
		FROM dead_letter
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
		if find.Offset != nil {
			query += fmt.Sprintf(" OFFSET %d", *find.Offset)
		}
	}

	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	defer rows.Close()

	list := []*store.DeadLetter{}
	for rows.Next() {
		var deadLetter store.DeadLetter
		if err := rows.Scan(
			&deadLetter.ID,
			&deadLetter.Queue,
			&deadLetter.Payload,
			&deadLetter.LastError,
			&deadLetter.Attempts,
			&deadLetter.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan dead letter")
		}
		list = append(list, &deadLetter)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}

	return list, nil
}

func (d *DB) DeleteDeadLetter(ctx context.Context, delete *store.DeleteDeadLetter) error {
	where, args := []string{}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *delete.ID)
	}
	if delete.Queue != nil {
		where, args = append(where, "queue = "+placeholder(len(args)+1)), append(args, *delete.Queue)
	}
	if len(where) == 0 {
		return errors.New("delete dead letter requires a filter")
	}

	stmt := "DELETE FROM dead_letter WHERE " + strings.Join(where, " AND ")
	if _, err := d.q().ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete dead letters")
	}
	return nil
}
