package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/plugin/webhook"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// HandleFollow records an inbound follow of a local user and, when
// auto-accept is on, answers immediately.
func (c *Coordinator) HandleFollow(ctx context.Context, act *activity.Activity) error {
	chatUserID, ok := c.ChatUserIDFor(act.ObjectID())
	if !ok {
		return bridgeerr.Validation("coordinator.unknown_target", "follow object %q is not a local actor", act.ObjectID())
	}
	local, err := c.EnsureLocalUser(ctx, chatUserID)
	if err != nil {
		return err
	}
	remote, err := c.EnsureRemoteUser(ctx, act.Actor.String())
	if err != nil {
		return err
	}

	status := store.FollowStatusPending
	if c.config.AutoAcceptFollows {
		status = store.FollowStatusAccepted
	}
	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.UpsertFollow(ctx, &store.Follow{
			FollowerID:          remote.ID,
			FollowingID:         local.ID,
			FedFollowActivityID: &act.ID,
			Status:              status,
		})
		return err
	})
	if err != nil {
		return err
	}
	if !c.config.AutoAcceptFollows {
		return nil
	}

	actorURL, err := c.ActorURLFor(chatUserID)
	if err != nil {
		return err
	}
	return c.deliverTo(ctx, activity.NewAccept(c.config.BaseURL, actorURL, act), local.ID, remote.InboxURL, &remote.ID)
}

// HandleAccept resolves a pending outbound follow.
func (c *Coordinator) HandleAccept(ctx context.Context, act *activity.Activity) error {
	return c.resolveFollow(ctx, act, store.FollowStatusAccepted)
}

// HandleReject declines a pending outbound follow.
func (c *Coordinator) HandleReject(ctx context.Context, act *activity.Activity) error {
	return c.resolveFollow(ctx, act, store.FollowStatusRejected)
}

func (c *Coordinator) resolveFollow(ctx context.Context, act *activity.Activity, status store.FollowStatus) error {
	followID := act.ObjectID()
	if followID == "" {
		return bridgeerr.Validation("coordinator.no_follow_id", "%s carries no follow activity id", act.Type)
	}
	_, err := c.store.UpdateFollowStatus(ctx, &store.UpdateFollowStatus{
		FedFollowActivityID: followID,
		Status:              status,
	})
	return err
}

// HandleUndo retracts a previously received Follow, Like, Announce or
// Block. Unknown shapes are dropped after a lookup by bare id.
func (c *Coordinator) HandleUndo(ctx context.Context, act *activity.Activity) error {
	inner, err := act.EmbeddedActivity()
	if err != nil || inner.Type == "" {
		return c.undoByID(ctx, act.ObjectID())
	}

	switch inner.Type {
	case activity.TypeFollow:
		return c.undoFollow(ctx, act, inner)
	case activity.TypeLike, activity.TypeAnnounce:
		return c.redactMappedEvent(ctx, inner.ID, "")
	case activity.TypeBlock:
		return c.undoBlock(ctx, act, inner)
	default:
		slog.Debug("Ignoring undo of unhandled activity type", "type", inner.Type)
		return nil
	}
}

func (c *Coordinator) undoFollow(ctx context.Context, act, inner *activity.Activity) error {
	if chatUserID, ok := c.ChatUserIDFor(inner.ObjectID()); ok {
		local, err := c.store.GetUser(ctx, &store.FindUser{ChatUserID: &chatUserID})
		if err != nil || local == nil {
			return err
		}
		actorID := act.Actor.String()
		remote, err := c.store.GetUser(ctx, &store.FindUser{FedActorID: &actorID})
		if err != nil || remote == nil {
			return err
		}
		return c.store.DeleteFollow(ctx, &store.DeleteFollow{FollowerID: &remote.ID, FollowingID: &local.ID})
	}
	// no usable object; fall back to the follow activity id
	return c.undoByID(ctx, inner.ID)
}

func (c *Coordinator) undoBlock(ctx context.Context, act, inner *activity.Activity) error {
	chatUserID, ok := c.ChatUserIDFor(inner.ObjectID())
	if !ok {
		return nil
	}
	local, err := c.store.GetUser(ctx, &store.FindUser{ChatUserID: &chatUserID})
	if err != nil || local == nil {
		return err
	}
	actorID := act.Actor.String()
	remote, err := c.store.GetUser(ctx, &store.FindUser{FedActorID: &actorID})
	if err != nil || remote == nil {
		return err
	}
	return c.store.DeleteBlock(ctx, &store.DeleteBlock{BlockerID: &remote.ID, BlockedUserID: &local.ID})
}

// undoByID resolves an undo whose object is a bare activity id, first as
// a follow, then as a mapped reaction or boost.
func (c *Coordinator) undoByID(ctx context.Context, id string) error {
	if id == "" {
		return bridgeerr.Validation("coordinator.bad_undo", "undo carries no object")
	}
	follow, err := c.store.GetFollow(ctx, &store.FindFollow{FedFollowActivityID: &id})
	if err != nil {
		return err
	}
	if follow != nil {
		return c.store.DeleteFollow(ctx, &store.DeleteFollow{
			FollowerID:  &follow.FollowerID,
			FollowingID: &follow.FollowingID,
		})
	}
	return c.redactMappedEvent(ctx, id, "")
}

// redactMappedEvent redacts the chat event a fed id maps to and drops the
// mapping. Unknown ids are not an error; remotes undo things the bridge
// never saw.
func (c *Coordinator) redactMappedEvent(ctx context.Context, fedID, reason string) error {
	mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &fedID})
	if err != nil || mapping == nil {
		return err
	}

	dropRow := func() error {
		return c.store.RunInTransaction(ctx, func(tx *store.Store) error {
			return tx.DeleteMessageMapping(ctx, &store.DeleteMessageMapping{ID: &mapping.ID})
		})
	}
	if mapping.ChatEventID == nil {
		return dropRow()
	}

	sender, err := c.store.GetUser(ctx, &store.FindUser{ID: &mapping.SenderID})
	if err != nil {
		return err
	}
	if sender == nil || sender.ChatUserID == nil {
		return dropRow()
	}
	room, err := c.store.GetRoom(ctx, &store.FindRoom{ID: &mapping.RoomID})
	if err != nil {
		return err
	}
	if room == nil {
		return dropRow()
	}
	if _, err := c.hs.Redact(ctx, *sender.ChatUserID, room.ChatRoomID, *mapping.ChatEventID, reason); err != nil {
		return err
	}
	return dropRow()
}

// HandleLike mirrors a remote like as a reaction from the actor's ghost.
func (c *Coordinator) HandleLike(ctx context.Context, act *activity.Activity) error {
	objectID := act.ObjectID()
	mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &objectID})
	if err != nil || mapping == nil {
		return err
	}
	if mapping.ChatEventID == nil {
		return nil
	}
	remote, room, err := c.ghostAndRoom(ctx, act, mapping.RoomID)
	if err != nil || remote == nil {
		return err
	}

	eventID, err := c.hs.SendEvent(ctx, *remote.ChatUserID, room.ChatRoomID, appservice.EventReaction, &appservice.EventContent{
		RelatesTo: &appservice.RelatesTo{
			RelType: appservice.RelAnnotation,
			EventID: *mapping.ChatEventID,
			Key:     "❤️",
		},
	})
	if err != nil {
		return err
	}
	return c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.CreateMessageMapping(ctx, &store.MessageMapping{
			ChatEventID: &eventID,
			FedObjectID: &act.ID,
			RoomID:      room.ID,
			SenderID:    remote.ID,
		})
		return err
	})
}

// HandleAnnounce mirrors a boost as a ghost notice replying to the
// boosted message.
func (c *Coordinator) HandleAnnounce(ctx context.Context, act *activity.Activity) error {
	objectID := act.ObjectID()
	mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &objectID})
	if err != nil || mapping == nil {
		return err
	}
	if mapping.ChatEventID == nil {
		return nil
	}
	remote, room, err := c.ghostAndRoom(ctx, act, mapping.RoomID)
	if err != nil || remote == nil {
		return err
	}

	eventID, err := c.hs.SendEvent(ctx, *remote.ChatUserID, room.ChatRoomID, appservice.EventMessage, &appservice.EventContent{
		MsgType: appservice.MsgNotice,
		Body:    "♻ boosted this message",
		RelatesTo: &appservice.RelatesTo{
			InReplyTo: &appservice.InReplyTo{EventID: *mapping.ChatEventID},
		},
	})
	if err != nil {
		return err
	}
	return c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.CreateMessageMapping(ctx, &store.MessageMapping{
			ChatEventID: &eventID,
			FedObjectID: &act.ID,
			RoomID:      room.ID,
			SenderID:    remote.ID,
		})
		return err
	})
}

func (c *Coordinator) ghostAndRoom(ctx context.Context, act *activity.Activity, roomID int64) (*store.User, *store.Room, error) {
	remote, err := c.EnsureRemoteUser(ctx, act.Actor.String())
	if err != nil {
		return nil, nil, err
	}
	if remote.ChatUserID == nil {
		return nil, nil, bridgeerr.Validation("coordinator.no_ghost", "remote user %d has no ghost", remote.ID)
	}
	room, err := c.store.GetRoom(ctx, &store.FindRoom{ID: &roomID})
	if err != nil {
		return nil, nil, err
	}
	if room == nil {
		return nil, nil, nil
	}
	return remote, room, nil
}

// HandleDelete redacts the mapped chat event behind a tombstoned object.
// A tombstone of the actor itself purges every trace of that actor.
func (c *Coordinator) HandleDelete(ctx context.Context, act *activity.Activity) error {
	objectID := act.ObjectID()
	if objectID == "" {
		return bridgeerr.Validation("coordinator.bad_delete", "delete carries no object")
	}

	if objectID == act.Actor.String() {
		actorID := act.Actor.String()
		remote, err := c.store.GetUser(ctx, &store.FindUser{FedActorID: &actorID})
		if err != nil || remote == nil {
			return err
		}
		slog.Info("Purging deleted remote actor", "actor", actorID, "user", remote.ID)
		return c.store.PurgeUser(ctx, remote.ID)
	}
	return c.redactMappedEvent(ctx, objectID, "deleted at origin")
}

// HandleBlock records that a remote actor blocked a local user. The block
// is directional; the local user keeps seeing their own sends.
func (c *Coordinator) HandleBlock(ctx context.Context, act *activity.Activity) error {
	chatUserID, ok := c.ChatUserIDFor(act.ObjectID())
	if !ok {
		return bridgeerr.Validation("coordinator.unknown_target", "block object %q is not a local actor", act.ObjectID())
	}
	local, err := c.EnsureLocalUser(ctx, chatUserID)
	if err != nil {
		return err
	}
	remote, err := c.EnsureRemoteUser(ctx, act.Actor.String())
	if err != nil {
		return err
	}

	blocked, err := c.store.IsUserBlocked(ctx, remote.ID, local.ID)
	if err != nil || blocked {
		return err
	}
	_, err = c.store.CreateBlock(ctx, &store.Block{
		BlockerID:          &remote.ID,
		BlockedUserID:      &local.ID,
		BlockType:          store.BlockTypeUser,
		FedBlockActivityID: &act.ID,
	})
	return err
}

// HandleFlag files an inbound report, notifies the admin room, and posts
// the moderation webhook when configured.
func (c *Coordinator) HandleFlag(ctx context.Context, act *activity.Activity) error {
	reporter, err := c.EnsureRemoteUser(ctx, act.Actor.String())
	if err != nil {
		return err
	}

	var target *store.User
	var reportedObject string
	for _, id := range act.ObjectIDs() {
		if chatUserID, ok := c.ChatUserIDFor(id); ok {
			if target, err = c.EnsureLocalUser(ctx, chatUserID); err != nil {
				return err
			}
			continue
		}
		reportedObject = id
	}
	if target == nil && reportedObject != "" {
		// reports may name only the object; walk the mapping to its sender
		mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &reportedObject})
		if err != nil {
			return err
		}
		if mapping != nil {
			if target, err = c.store.GetUser(ctx, &store.FindUser{ID: &mapping.SenderID}); err != nil {
				return err
			}
		}
	}
	if target == nil {
		slog.Warn("Dropping report against no resolvable local target", "activity", act.ID, "actor", act.Actor)
		return nil
	}

	var objectPtr *string
	if reportedObject != "" {
		objectPtr = &reportedObject
	}
	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.CreateReport(ctx, &store.Report{
			ReporterID:  reporter.ID,
			TargetID:    target.ID,
			FedObjectID: objectPtr,
			Reason:      act.Content,
			Direction:   store.ReportDirectionInbound,
		})
		return err
	})
	if err != nil {
		return err
	}

	c.notifyReport(ctx, act, target, reportedObject)
	return nil
}

func (c *Coordinator) notifyReport(ctx context.Context, act *activity.Activity, target *store.User, reportedObject string) {
	targetName := target.DisplayName
	if target.ChatUserID != nil {
		targetName = *target.ChatUserID
	}
	if c.config.AdminRoomID != "" {
		text := fmt.Sprintf("Report from %s against %s", act.Actor, targetName)
		if reportedObject != "" {
			text += fmt.Sprintf(" (object %s)", reportedObject)
		}
		if act.Content != "" {
			text += ": " + act.Content
		}
		if err := c.hs.SendNotice(ctx, c.config.AdminRoomID, text); err != nil {
			slog.Warn("Failed to notify admin room of report", "error", err)
		}
	}
	if c.config.ModerationWebhookURL != "" {
		webhook.PostAsync(c.config.ModerationWebhookURL, &webhook.ReportPayload{
			Reporter:   act.Actor.String(),
			Target:     targetName,
			Object:     reportedObject,
			Reason:     act.Content,
			Direction:  string(store.ReportDirectionInbound),
			ReceivedAt: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// HandleUpdate refreshes a remote profile when the actor updates itself
// and mirrors note edits onto their mapped chat events.
func (c *Coordinator) HandleUpdate(ctx context.Context, act *activity.Activity) error {
	switch act.ObjectType() {
	case "Person", "Service", "Application", "Group", "Organization":
	case "Note", "Article", "Page", "Question":
		return c.applyNoteEdit(ctx, act)
	default:
		slog.Debug("Ignoring update of unhandled object type", "type", act.ObjectType())
		return nil
	}

	actor := &activity.Actor{}
	if err := json.Unmarshal(act.Object, actor); err != nil {
		return bridgeerr.Validation("coordinator.bad_actor", "update carries an undecodable actor: %v", err)
	}
	if actor.ID != act.Actor.String() {
		return bridgeerr.Validation("coordinator.actor_mismatch", "update actor %q does not own %q", act.Actor, actor.ID)
	}
	_, err := c.AdoptActor(ctx, actor)
	return err
}
