package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// UpsertMedia merges on either locator. Two locator columns carry unique
// indexes, so a plain ON CONFLICT target cannot cover both; instead the row
// is looked up first and merged, with an insert race falling back to the
// merge path.
func (d *DB) UpsertMedia(ctx context.Context, upsert *store.Media) (*store.Media, error) {
	existing, err := d.findMediaByLocator(ctx, upsert)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		fields := []string{"chat_media_handle", "fed_media_url", "mime_type", "file_size", "width", "height", "duration_ms", "blurhash", "alt_text"}
		args := []any{upsert.ChatMediaHandle, upsert.FedMediaURL, upsert.MimeType, upsert.FileSize, upsert.Width, upsert.Height, upsert.DurationMs, upsert.Blurhash, upsert.AltText}

		stmt := "INSERT INTO media (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ") ON CONFLICT DO NOTHING RETURNING id, created_ts"
		err := d.q().QueryRowContext(ctx, stmt, args...).Scan(&upsert.ID, &upsert.CreatedTs)
		if err == nil {
			return upsert, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(err, "failed to create media")
		}
		// Lost an insert race; merge into the winner.
		existing, err = d.findMediaByLocator(ctx, upsert)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errors.New("media insert conflicted but no row found")
		}
	}

	return d.mergeMedia(ctx, existing.ID, upsert)
}

func (d *DB) findMediaByLocator(ctx context.Context, media *store.Media) (*store.Media, error) {
	if media.ChatMediaHandle != nil {
		found, err := d.ListMedia(ctx, &store.FindMedia{ChatMediaHandle: media.ChatMediaHandle})
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	if media.FedMediaURL != nil {
		found, err := d.ListMedia(ctx, &store.FindMedia{FedMediaURL: media.FedMediaURL})
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	return nil, nil
}

// mergeMedia fills missing locators and replaces metadata fields that the
// caller actually supplied, keeping stored values otherwise.
func (d *DB) mergeMedia(ctx context.Context, id int64, upsert *store.Media) (*store.Media, error) {
	stmt := `
		UPDATE media
		SET
			chat_media_handle = COALESCE(chat_media_handle, $1),
			fed_media_url = COALESCE(fed_media_url, $2),
			mime_type = CASE WHEN $3 <> '' THEN $3 ELSE mime_type END,
			file_size = CASE WHEN $4 <> 0 THEN $4 ELSE file_size END,
			width = CASE WHEN $5 <> 0 THEN $5 ELSE width END,
			height = CASE WHEN $6 <> 0 THEN $6 ELSE height END,
			duration_ms = CASE WHEN $7 <> 0 THEN $7 ELSE duration_ms END,
			blurhash = CASE WHEN $8 <> '' THEN $8 ELSE blurhash END,
			alt_text = CASE WHEN $9 <> '' THEN $9 ELSE alt_text END
		WHERE id = $10
		RETURNING id, chat_media_handle, fed_media_url, mime_type, file_size, width, height, duration_ms, blurhash, alt_text, created_ts`
	var media store.Media
	if err := d.q().QueryRowContext(ctx, stmt,
		upsert.ChatMediaHandle,
		upsert.FedMediaURL,
		upsert.MimeType,
		upsert.FileSize,
		upsert.Width,
		upsert.Height,
		upsert.DurationMs,
		upsert.Blurhash,
		upsert.AltText,
		id,
	).Scan(
		&media.ID,
		&media.ChatMediaHandle,
		&media.FedMediaURL,
		&media.MimeType,
		&media.FileSize,
		&media.Width,
		&media.Height,
		&media.DurationMs,
		&media.Blurhash,
		&media.AltText,
		&media.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to merge media")
	}

	return &media, nil
}

func (d *DB) ListMedia(ctx context.Context, find *store.FindMedia) ([]*store.Media, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ChatMediaHandle != nil {
		where, args = append(where, "chat_media_handle = "+placeholder(len(args)+1)), append(args, *find.ChatMediaHandle)
	}
	if find.FedMediaURL != nil {
		where, args = append(where, "fed_media_url = "+placeholder(len(args)+1)), append(args, *find.FedMediaURL)
	}

	query := `
		SELECT id, chat_media_handle, fed_media_url, mime_type, file_size, width, height, duration_ms, blurhash, alt_text, created_ts
		FROM media
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list media")
	}
	defer rows.Close()

	list := []*store.Media{}
	for rows.Next() {
		var media store.Media
		if err := rows.Scan(
			&media.ID,
			&media.ChatMediaHandle,
			&media.FedMediaURL,
			&media.MimeType,
			&media.FileSize,
			&media.Width,
			&media.Height,
			&media.DurationMs,
			&media.Blurhash,
			&media.AltText,
			&media.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan media")
		}
		list = append(list, &media)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list media")
	}

	return list, nil
}
