package coordinator

import (
	"context"
	"log/slog"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// Follow subscribes a local chat user to a remote actor. The follow row
// starts pending and is resolved by the remote Accept or Reject.
func (c *Coordinator) Follow(ctx context.Context, chatUserID, remoteHandle string) error {
	local, remote, actorURL, err := c.pair(ctx, chatUserID, remoteHandle)
	if err != nil {
		return err
	}

	env := activity.NewFollow(c.config.BaseURL, actorURL, *remote.FedActorID)
	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.UpsertFollow(ctx, &store.Follow{
			FollowerID:          local.ID,
			FollowingID:         remote.ID,
			FedFollowActivityID: &env.ID,
			Status:              store.FollowStatusPending,
		})
		return err
	})
	if err != nil {
		return err
	}
	return c.deliverTo(ctx, env, local.ID, remote.InboxURL, &remote.ID)
}

// Unfollow retracts a follow with an Undo of the original activity and
// removes the follow row. A blocked destination still clears local state.
func (c *Coordinator) Unfollow(ctx context.Context, chatUserID, remoteHandle string) error {
	local, remote, actorURL, err := c.pair(ctx, chatUserID, remoteHandle)
	if err != nil {
		return err
	}

	follow, err := c.store.GetFollow(ctx, &store.FindFollow{FollowerID: &local.ID, FollowingID: &remote.ID})
	if err != nil {
		return err
	}
	if follow == nil {
		return bridgeerr.NotFound("coordinator.not_following", "%s does not follow %s", chatUserID, remoteHandle)
	}

	prior := &activity.Envelope{
		Type:   activity.TypeFollow,
		Actor:  actorURL,
		Object: *remote.FedActorID,
		To:     []string{*remote.FedActorID},
	}
	if follow.FedFollowActivityID != nil {
		prior.ID = *follow.FedFollowActivityID
	} else {
		// remotes match undo follows on (actor, object) when the id is unknown
		prior.ID = activity.MintID(c.config.BaseURL, activity.TypeFollow)
	}
	env := activity.NewUndo(c.config.BaseURL, actorURL, prior)

	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		return tx.DeleteFollow(ctx, &store.DeleteFollow{FollowerID: &local.ID, FollowingID: &remote.ID})
	})
	if err != nil {
		return err
	}

	if err := c.deliverTo(ctx, env, local.ID, remote.InboxURL, &remote.ID); err != nil {
		if bridgeerr.KindOf(err) == bridgeerr.KindBlocked {
			slog.Info("Skipping undo delivery to blocked destination", "inbox", remote.InboxURL)
			return nil
		}
		return err
	}
	return nil
}

// Like translates a chat reaction on a bridged message into a Like
// addressed to the message's author. Reactions on messages that never
// federated, or on local users' own messages, are no-ops.
func (c *Coordinator) Like(ctx context.Context, chatUserID, reactionEventID, targetChatEventID string) error {
	local, err := c.EnsureLocalUser(ctx, chatUserID)
	if err != nil {
		return err
	}
	mapping, author, err := c.remoteMapping(ctx, targetChatEventID)
	if err != nil || mapping == nil {
		return err
	}

	actorURL, err := c.ActorURLFor(chatUserID)
	if err != nil {
		return err
	}
	env := activity.NewLike(c.config.BaseURL, actorURL, *mapping.FedObjectID, []string{*author.FedActorID})

	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.CreateMessageMapping(ctx, &store.MessageMapping{
			ChatEventID: &reactionEventID,
			FedObjectID: &env.ID,
			RoomID:      mapping.RoomID,
			SenderID:    local.ID,
		})
		return err
	})
	if err != nil {
		return err
	}
	return c.deliverTo(ctx, env, local.ID, author.InboxURL, &author.ID)
}

// Announce boosts a bridged remote message to the local user's followers
// and notifies the author.
func (c *Coordinator) Announce(ctx context.Context, chatUserID, announceEventID, targetChatEventID string) error {
	local, err := c.EnsureLocalUser(ctx, chatUserID)
	if err != nil {
		return err
	}
	mapping, author, err := c.remoteMapping(ctx, targetChatEventID)
	if err != nil || mapping == nil {
		return err
	}

	actorURL, err := c.ActorURLFor(chatUserID)
	if err != nil {
		return err
	}
	env := activity.NewAnnounce(
		c.config.BaseURL, actorURL, *mapping.FedObjectID,
		[]string{activity.PublicURI},
		[]string{actorURL + "/followers", *author.FedActorID},
	)

	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.CreateMessageMapping(ctx, &store.MessageMapping{
			ChatEventID: &announceEventID,
			FedObjectID: &env.ID,
			RoomID:      mapping.RoomID,
			SenderID:    local.ID,
		})
		return err
	})
	if err != nil {
		return err
	}

	payload, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := c.FanOut(ctx, local.ID, payload); err != nil {
		return err
	}
	return c.deliverTo(ctx, env, local.ID, author.InboxURL, &author.ID)
}

// PropagateRedaction mirrors a chat-side redaction as a Delete of the
// mapped fed object, fanned out to the sender's followers. Redactions of
// remote-originated messages only clear the local mapping; the bridge
// cannot delete objects it does not own.
func (c *Coordinator) PropagateRedaction(ctx context.Context, redactsEventID string) error {
	mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{ChatEventID: &redactsEventID})
	if err != nil || mapping == nil {
		return err
	}

	sender, err := c.store.GetUser(ctx, &store.FindUser{ID: &mapping.SenderID})
	if err != nil {
		return err
	}
	dropRow := func() error {
		return c.store.RunInTransaction(ctx, func(tx *store.Store) error {
			return tx.DeleteMessageMapping(ctx, &store.DeleteMessageMapping{ID: &mapping.ID})
		})
	}
	if sender == nil || sender.IsGhost || sender.ChatUserID == nil || mapping.FedObjectID == nil {
		return dropRow()
	}

	actorURL, err := c.ActorURLFor(*sender.ChatUserID)
	if err != nil {
		return err
	}
	env := activity.NewDelete(
		activity.DeterministicID(c.config.BaseURL, activity.TypeDelete, *mapping.FedObjectID),
		actorURL, *mapping.FedObjectID,
		[]string{activity.PublicURI},
		[]string{actorURL + "/followers"},
	)
	payload, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	// fan out before dropping the row: a failed fan-out retries through
	// the queue and must still find the mapping, and the deterministic
	// delivery ids keep re-enqueued targets deduplicated
	if _, err := c.FanOut(ctx, sender.ID, payload); err != nil {
		return err
	}
	return dropRow()
}

// BlockRemote records a user block and notifies the remote server. The
// notification bypasses the user-level egress check the new row would
// otherwise trip. Blocking an already-blocked user is a no-op.
func (c *Coordinator) BlockRemote(ctx context.Context, chatUserID, remoteHandle, reason string) error {
	local, remote, actorURL, err := c.pair(ctx, chatUserID, remoteHandle)
	if err != nil {
		return err
	}

	blocked, err := c.store.IsUserBlocked(ctx, local.ID, remote.ID)
	if err != nil || blocked {
		return err
	}

	env := activity.NewBlock(c.config.BaseURL, actorURL, *remote.FedActorID)
	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.CreateBlock(ctx, &store.Block{
			BlockerID:          &local.ID,
			BlockedUserID:      &remote.ID,
			BlockType:          store.BlockTypeUser,
			Reason:             reason,
			FedBlockActivityID: &env.ID,
		})
		return err
	})
	if err != nil {
		return err
	}
	return c.deliverTo(ctx, env, local.ID, remote.InboxURL, nil)
}

// UnblockRemote removes a user block and retracts the Block activity.
func (c *Coordinator) UnblockRemote(ctx context.Context, chatUserID, remoteHandle string) error {
	local, remote, actorURL, err := c.pair(ctx, chatUserID, remoteHandle)
	if err != nil {
		return err
	}

	rows, err := c.store.ListBlocks(ctx, &store.FindBlock{BlockerID: &local.ID, BlockedUserID: &remote.ID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return bridgeerr.NotFound("coordinator.not_blocked", "%s has not blocked %s", chatUserID, remoteHandle)
	}

	prior := &activity.Envelope{
		Type:   activity.TypeBlock,
		Actor:  actorURL,
		Object: *remote.FedActorID,
	}
	if rows[0].FedBlockActivityID != nil {
		prior.ID = *rows[0].FedBlockActivityID
	} else {
		prior.ID = activity.MintID(c.config.BaseURL, activity.TypeBlock)
	}
	env := activity.NewUndo(c.config.BaseURL, actorURL, prior)

	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		return tx.DeleteBlock(ctx, &store.DeleteBlock{BlockerID: &local.ID, BlockedUserID: &remote.ID})
	})
	if err != nil {
		return err
	}
	return c.deliverTo(ctx, env, local.ID, remote.InboxURL, &remote.ID)
}

// Report files a report against a remote actor, optionally pinned to one
// of their objects, and flags it to their origin server.
func (c *Coordinator) Report(ctx context.Context, chatUserID, remoteHandle, fedObjectID, reason string) error {
	local, remote, actorURL, err := c.pair(ctx, chatUserID, remoteHandle)
	if err != nil {
		return err
	}

	objects := []string{*remote.FedActorID}
	var reportedObject *string
	if fedObjectID != "" {
		objects = append(objects, fedObjectID)
		reportedObject = &fedObjectID
	}
	env := activity.NewFlag(c.config.BaseURL, actorURL, objects, reason)

	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.CreateReport(ctx, &store.Report{
			ReporterID:  local.ID,
			TargetID:    remote.ID,
			FedObjectID: reportedObject,
			Reason:      reason,
			Direction:   store.ReportDirectionOutbound,
		})
		return err
	})
	if err != nil {
		return err
	}
	return c.deliverTo(ctx, env, local.ID, remote.InboxURL, &remote.ID)
}

// pair resolves both ends of a social primitive: the local user row with
// signing keys, the remote user row, and the local actor URL.
func (c *Coordinator) pair(ctx context.Context, chatUserID, remoteHandle string) (local, remote *store.User, actorURL string, err error) {
	local, err = c.EnsureLocalUser(ctx, chatUserID)
	if err != nil {
		return nil, nil, "", err
	}
	remote, err = c.ResolveRemoteUser(ctx, remoteHandle)
	if err != nil {
		return nil, nil, "", err
	}
	if remote.FedActorID == nil {
		return nil, nil, "", bridgeerr.Validation("coordinator.not_remote", "%s is not a remote user", remoteHandle)
	}
	actorURL, err = c.ActorURLFor(chatUserID)
	if err != nil {
		return nil, nil, "", err
	}
	return local, remote, actorURL, nil
}

// remoteMapping resolves a chat event to its fed object and remote author.
// Returns nils without error when the event never federated or the author
// is local, so reaction flows degrade to no-ops.
func (c *Coordinator) remoteMapping(ctx context.Context, chatEventID string) (*store.MessageMapping, *store.User, error) {
	mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{ChatEventID: &chatEventID})
	if err != nil {
		return nil, nil, err
	}
	if mapping == nil || mapping.FedObjectID == nil {
		return nil, nil, nil
	}
	author, err := c.store.GetUser(ctx, &store.FindUser{ID: &mapping.SenderID})
	if err != nil {
		return nil, nil, err
	}
	if author == nil || author.FedActorID == nil || author.InboxURL == "" {
		return nil, nil, nil
	}
	return mapping, author, nil
}
