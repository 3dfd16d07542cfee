package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

func (d *DB) UpsertFollow(ctx context.Context, upsert *store.Follow) (*store.Follow, error) {
	stmt := `
		INSERT INTO follow (follower_id, following_id, fed_follow_activity_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (follower_id, following_id) DO UPDATE SET
			fed_follow_activity_id = COALESCE(EXCLUDED.fed_follow_activity_id, follow.fed_follow_activity_id),
			status = EXCLUDED.status
		RETURNING id, follower_id, following_id, fed_follow_activity_id, status, created_ts`
	var follow store.Follow
	if err := d.q().QueryRowContext(ctx, stmt,
		upsert.FollowerID,
		upsert.FollowingID,
		upsert.FedFollowActivityID,
		upsert.Status,
	).Scan(
		&follow.ID,
		&follow.FollowerID,
		&follow.FollowingID,
		&follow.FedFollowActivityID,
		&follow.Status,
		&follow.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert follow")
	}

	return &follow, nil
}

func (d *DB) ListFollows(ctx context.Context, find *store.FindFollow) ([]*store.Follow, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.FollowerID != nil {
		where, args = append(where, "follower_id = "+placeholder(len(args)+1)), append(args, *find.FollowerID)
	}
	if find.FollowingID != nil {
		where, args = append(where, "following_id = "+placeholder(len(args)+1)), append(args, *find.FollowingID)
	}
	if find.FedFollowActivityID != nil {
		where, args = append(where, "fed_follow_activity_id = "+placeholder(len(args)+1)), append(args, *find.FedFollowActivityID)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	query := `
		SELECT id, follower_id, following_id, fed_follow_activity_id, status, created_ts
		FROM follow
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id`
	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list follows")
	}
	defer rows.Close()

	list := []*store.Follow{}
	for rows.Next() {
		var follow store.Follow
		if err := rows.Scan(
			&follow.ID,
			&follow.FollowerID,
			&follow.FollowingID,
			&follow.FedFollowActivityID,
			&follow.Status,
			&follow.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan follow")
		}
		list = append(list, &follow)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list follows")
	}

	return list, nil
}

// UpdateFollowStatus resolves the follow recorded under a fed activity id.
// It returns nil without error when no such follow exists, so callers can
// drop stray Accept or Reject activities.
func (d *DB) UpdateFollowStatus(ctx context.Context, update *store.UpdateFollowStatus) (*store.Follow, error) {
	stmt := `
		UPDATE follow
		SET status = $1
		WHERE fed_follow_activity_id = $2
		RETURNING id, follower_id, following_id, fed_follow_activity_id, status, created_ts`
	var follow store.Follow
	err := d.q().QueryRowContext(ctx, stmt, update.Status, update.FedFollowActivityID).Scan(
		&follow.ID,
		&follow.FollowerID,
		&follow.FollowingID,
		&follow.FedFollowActivityID,
		&follow.Status,
		&follow.CreatedTs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update follow status")
	}

	return &follow, nil
}

func (d *DB) DeleteFollow(ctx context.Context, delete *store.DeleteFollow) error {
	where, args := []string{}, []any{}

	if delete.FollowerID != nil {
		where, args = append(where, "follower_id = "+placeholder(len(args)+1)), append(args, *delete.FollowerID)
	}
	if delete.FollowingID != nil {
		where, args = append(where, "following_id = "+placeholder(len(args)+1)), append(args, *delete.FollowingID)
	}
	if delete.ReferencingUserID != nil {
		n := placeholder(len(args) + 1)
		where, args = append(where, "(follower_id = "+n+" OR following_id = "+n+")"), append(args, *delete.ReferencingUserID)
	}
	if len(where) == 0 {
		return errors.New("delete follow requires a filter")
	}

	stmt := "DELETE FROM follow WHERE " + strings.Join(where, " AND ")
	if _, err := d.q().ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete follows")
	}
	return nil
}

func (d *DB) ListFollowerUsers(ctx context.Context, find *store.FindFollowerUsers) ([]*store.User, error) {
	query := `
		SELECT
			u.id,
			u.chat_user_id,
			u.fed_actor_id,
			u.inbox_url,
			u.shared_inbox_url,
			u.display_name,
			u.avatar_url,
			u.is_ghost,
			u.is_double_puppet,
			u.access_token_enc,
			u.private_key_pem,
			u.public_key_pem,
			u.created_ts,
			u.updated_ts
		FROM bridge_user u
		JOIN follow f ON f.follower_id = u.id
		WHERE f.following_id = $1 AND f.status = $2
		ORDER BY u.id`
	rows, err := d.q().QueryContext(ctx, query, find.FollowingID, find.Status)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list follower users")
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
			return nil, errors.Wrap(err, "failed to scan follower user")
		}
		list = append(list, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list follower users")
	}

	return list, nil
}

func (d *DB) CountFollows(ctx context.Context, find *store.FindFollow) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.FollowerID != nil {
		where, args = append(where, "follower_id = "+placeholder(len(args)+1)), append(args, *find.FollowerID)
	}
	if find.FollowingID != nil {
		where, args = append(where, "following_id = "+placeholder(len(args)+1)), append(args, *find.FollowingID)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	query := "SELECT COUNT(*) FROM follow WHERE " + strings.Join(where, " AND ")
	var count int64
	if err := d.q().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count follows")
	}
	return count, nil
}
