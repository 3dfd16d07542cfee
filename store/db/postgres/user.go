package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

func (d *DB) CreateUser(ctx context.Context, create *store.User) (*store.User, error) {
	fields := []string{"chat_user_id", "fed_actor_id", "inbox_url", "shared_inbox_url", "display_name", "avatar_url", "is_ghost", "is_double_puppet", "access_token_enc", "private_key_pem", "public_key_pem"}
	args := []any{create.ChatUserID, create.FedActorID, create.InboxURL, create.SharedInboxURL, create.DisplayName, create.AvatarURL, create.IsGhost, create.IsDoublePuppet, create.AccessTokenEnc, create.PrivateKeyPEM, create.PublicKeyPEM}

	stmt := "INSERT INTO bridge_user (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ") RETURNING id, created_ts, updated_ts"
	if err := d.q().QueryRowContext(ctx, stmt, args...).Scan(
		&create.ID,
		&create.CreatedTs,
		&create.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create user")
	}

	return create, nil
}

func (d *DB) ListUsers(ctx context.Context, find *store.FindUser) ([]*store.User, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ChatUserID != nil {
		where, args = append(where, "chat_user_id = "+placeholder(len(args)+1)), append(args, *find.ChatUserID)
	}
	if find.FedActorID != nil {
		where, args = append(where, "fed_actor_id = "+placeholder(len(args)+1)), append(args, *find.FedActorID)
	}
	if find.IsGhost != nil {
		where, args = append(where, "is_ghost = "+placeholder(len(args)+1)), append(args, *find.IsGhost)
	}

	query := `
		SELECT
			id,
			chat_user_id,
			fed_actor_id,
			inbox_url,
			shared_inbox_url,
			display_name,
			avatar_url,
			is_ghost,
			is_double_puppet,
			access_token_enc,
			private_key_pem,
			public_key_pem,
			created_ts,
			updated_ts
		FROM bridge_user
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
		if find.Offset != nil {
			query += fmt.Sprintf(" OFFSET %d", *find.Offset)
		}
	}

	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	list := []*store.User{}
	for rows.Next() {
		var user store.User
		if err := rows.Scan(
			&user.ID,
			&user.ChatUserID,
			&user.FedActorID,
			&user.InboxURL,
			&user.SharedInboxURL,
			&user.DisplayName,
			&user.AvatarURL,
			&user.IsGhost,
			&user.IsDoublePuppet,
			&user.AccessTokenEnc,
			&user.PrivateKeyPEM,
			&user.PublicKeyPEM,
			&user.CreatedTs,
			&user.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		list = append(list, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}

	return list, nil
}

func (d *DB) UpdateUser(ctx context.Context, update *store.UpdateUser) (*store.User, error) {
	set, args := []string{}, []any{}

	if update.InboxURL != nil {
		set, args = append(set, "inbox_url = "+placeholder(len(args)+1)), append(args, *update.InboxURL)
	}
	if update.SharedInboxURL != nil {
		set, args = append(set, "shared_inbox_url = "+placeholder(len(args)+1)), append(args, *update.SharedInboxURL)
	}
	if update.DisplayName != nil {
		set, args = append(set, "display_name = "+placeholder(len(args)+1)), append(args, *update.DisplayName)
	}
	if update.AvatarURL != nil {
		set, args = append(set, "avatar_url = "+placeholder(len(args)+1)), append(args, *update.AvatarURL)
	}
	if update.IsDoublePuppet != nil {
		set, args = append(set, "is_double_puppet = "+placeholder(len(args)+1)), append(args, *update.IsDoublePuppet)
	}
	if update.AccessTokenEnc != nil {
		set, args = append(set, "access_token_enc = "+placeholder(len(args)+1)), append(args, *update.AccessTokenEnc)
	}
	if update.PrivateKeyPEM != nil {
		set, args = append(set, "private_key_pem = "+placeholder(len(args)+1)), append(args, *update.PrivateKeyPEM)
	}
	if update.PublicKeyPEM != nil {
		set, args = append(set, "public_key_pem = "+placeholder(len(args)+1)), append(args, *update.PublicKeyPEM)
	}

	updatedTs := time.Now().Unix()
	if update.UpdatedTs != nil {
		updatedTs = *update.UpdatedTs
	}
	set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, updatedTs)
	args = append(args, update.ID)

	stmt := `
		UPDATE bridge_user
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ` + placeholder(len(args)) + `
		RETURNING
			id,
			chat_user_id,
			fed_actor_id,
			inbox_url,
			shared_inbox_url,
			display_name,
			avatar_url,
			is_ghost,
			is_double_puppet,
			access_token_enc,
			private_key_pem,
			public_key_pem,
			created_ts,
			updated_ts`
	var user store.User
	if err := d.q().QueryRowContext(ctx, stmt, args...).Scan(
		&user.ID,
		&user.ChatUserID,
		&user.FedActorID,
		&user.InboxURL,
		&user.SharedInboxURL,
		&user.DisplayName,
		&user.AvatarURL,
		&user.IsGhost,
		&user.IsDoublePuppet,
		&user.AccessTokenEnc,
		&user.PrivateKeyPEM,
		&user.PublicKeyPEM,
		&user.CreatedTs,
		&user.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update user")
	}

	return &user, nil
}

func (d *DB) DeleteUser(ctx context.Context, delete *store.DeleteUser) error {
	result, err := d.q().ExecContext(ctx, "DELETE FROM bridge_user WHERE id = $1", delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete user")
	}
	if _, err := result.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	return nil
}

func (d *DB) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := d.q().QueryRowContext(ctx, "SELECT COUNT(*) FROM bridge_user WHERE is_ghost = FALSE").Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count users")
	}
	return count, nil
}
