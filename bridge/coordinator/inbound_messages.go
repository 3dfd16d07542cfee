package coordinator

import (
	"context"
	"log/slog"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/transformer"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/crypto"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// HandleCreate mirrors an inbound note into a chat room. Redeliveries of
// an already-bridged object are acknowledged without effect; the mapping
// row is the idempotence marker.
func (c *Coordinator) HandleCreate(ctx context.Context, act *activity.Activity) error {
	note, err := act.Note()
	if err != nil || note.ID == "" {
		slog.Warn("Dropping create with undecodable object", "activity", act.ID, "error", err)
		return nil
	}
	existing, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &note.ID})
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	sender, err := c.EnsureRemoteUser(ctx, act.Actor.String())
	if err != nil {
		return err
	}
	audience := activity.ClassifyAudience(note.To, note.CC)
	if audience == activity.AudienceDirect {
		blocked, err := c.directBlocked(ctx, sender, note)
		if err != nil {
			return err
		}
		if blocked {
			slog.Info("Dropping direct note from blocked actor", "actor", act.Actor, "object", note.ID)
			return nil
		}
	}

	room, err := c.roomForInbound(ctx, sender, note, audience)
	if err != nil {
		return err
	}
	if room == nil {
		slog.Debug("Dropping note with no destination room", "object", note.ID, "audience", audience)
		return nil
	}

	result, err := transformer.FedObjectToChatMessages(ctx, c.TransformerContext(), act.Object)
	if err != nil {
		return err
	}
	if len(result.Messages) == 0 {
		return nil
	}

	// the first send is the note body and the retry anchor: fail before
	// it and the whole job retries cleanly, fail after it and the
	// remaining attachments degrade with a warning
	firstID, err := c.sendAsSender(ctx, sender, room.ChatRoomID, result.Messages[0])
	if err != nil {
		return err
	}
	err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
		_, err := tx.CreateMessageMapping(ctx, &store.MessageMapping{
			ChatEventID: &firstID,
			FedObjectID: &note.ID,
			RoomID:      room.ID,
			SenderID:    sender.ID,
		})
		return err
	})
	if err != nil {
		return err
	}

	for _, msg := range result.Messages[1:] {
		if _, err := c.sendAsSender(ctx, sender, room.ChatRoomID, msg); err != nil {
			slog.Warn("Failed to mirror attachment message", "object", note.ID, "error", err)
		}
	}
	return nil
}

// applyNoteEdit mirrors an inbound Update of a bridged note as an edit of
// the mapped chat event. Edits of notes the bridge never saw are dropped.
func (c *Coordinator) applyNoteEdit(ctx context.Context, act *activity.Activity) error {
	note, err := act.Note()
	if err != nil || note.ID == "" {
		slog.Warn("Dropping update with undecodable object", "activity", act.ID, "error", err)
		return nil
	}
	mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &note.ID})
	if err != nil {
		return err
	}
	if mapping == nil || mapping.ChatEventID == nil {
		slog.Debug("Dropping edit of unbridged object", "object", note.ID)
		return nil
	}
	room, err := c.store.GetRoom(ctx, &store.FindRoom{ID: &mapping.RoomID})
	if err != nil || room == nil {
		return err
	}
	sender, err := c.EnsureRemoteUser(ctx, act.Actor.String())
	if err != nil {
		return err
	}

	result, err := transformer.FedObjectToChatMessages(ctx, c.TransformerContext(), act.Object)
	if err != nil {
		return err
	}
	if len(result.Messages) == 0 {
		return nil
	}

	// replacement content must not carry relations of its own
	replacement := *result.Messages[0]
	replacement.RelatesTo = nil
	edit := &appservice.EventContent{
		MsgType:    replacement.MsgType,
		Body:       "* " + replacement.Body,
		NewContent: &replacement,
		RelatesTo: &appservice.RelatesTo{
			RelType: appservice.RelReplace,
			EventID: *mapping.ChatEventID,
		},
	}
	if replacement.FormattedBody != "" {
		edit.Format = replacement.Format
		edit.FormattedBody = "* " + replacement.FormattedBody
	}
	_, err = c.sendAsSender(ctx, sender, room.ChatRoomID, edit)
	return err
}

// directBlocked reports whether any locally addressed recipient of a
// direct note has blocked its sender.
func (c *Coordinator) directBlocked(ctx context.Context, sender *store.User, note *activity.Note) (bool, error) {
	for _, recipient := range append(append([]string{}, note.To...), note.CC...) {
		chatUserID, ok := c.ChatUserIDFor(recipient)
		if !ok {
			continue
		}
		local, err := c.store.GetUser(ctx, &store.FindUser{ChatUserID: &chatUserID})
		if err != nil {
			return false, err
		}
		if local == nil {
			continue
		}
		blocked, err := c.store.IsUserBlocked(ctx, local.ID, sender.ID)
		if err != nil {
			return false, err
		}
		if blocked {
			return true, nil
		}
	}
	return false, nil
}

// roomForInbound picks the chat room an inbound note lands in, in
// precedence order: the reply parent's room, the room already bound to
// the note's conversation, a DM room for direct notes, and the sender's
// timeline room for public or follower posts. Nil means nobody local
// would see it.
func (c *Coordinator) roomForInbound(ctx context.Context, sender *store.User, note *activity.Note, audience activity.Audience) (*store.Room, error) {
	if note.InReplyTo != "" {
		mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &note.InReplyTo})
		if err != nil {
			return nil, err
		}
		if mapping != nil {
			room, err := c.store.GetRoom(ctx, &store.FindRoom{ID: &mapping.RoomID})
			if err != nil {
				return nil, err
			}
			if room != nil {
				return room, nil
			}
		}
	}
	if note.Conversation != "" {
		room, err := c.store.GetRoom(ctx, &store.FindRoom{FedContextID: &note.Conversation})
		if err != nil {
			return nil, err
		}
		if room != nil {
			return room, nil
		}
	}
	if audience == activity.AudienceDirect {
		return c.dmRoomFor(ctx, sender, note)
	}
	return c.timelineRoomFor(ctx, sender, audience)
}

// dmRoomFor finds or provisions the DM room between a remote sender and
// the first locally addressed recipient. The pair's conversation id is
// derived, so the same pair always converges on one room.
func (c *Coordinator) dmRoomFor(ctx context.Context, sender *store.User, note *activity.Note) (*store.Room, error) {
	if sender.FedActorID == nil || sender.ChatUserID == nil {
		return nil, nil
	}
	var local *store.User
	for _, recipient := range append(append([]string{}, note.To...), note.CC...) {
		chatUserID, ok := c.ChatUserIDFor(recipient)
		if !ok {
			continue
		}
		row, err := c.EnsureLocalUser(ctx, chatUserID)
		if err != nil {
			return nil, err
		}
		local = row
		break
	}
	if local == nil || local.ChatUserID == nil {
		return nil, nil
	}

	contextID := activity.HashedContextIRI(c.config.BaseURL, "dm", *sender.FedActorID, *local.ChatUserID)
	room, err := c.store.GetRoom(ctx, &store.FindRoom{FedContextID: &contextID})
	if err != nil {
		return nil, err
	}
	if room != nil {
		return room, nil
	}

	chatRoomID, err := c.hs.CreateDirectRoom(ctx, *sender.ChatUserID, *local.ChatUserID)
	if err != nil {
		return nil, err
	}
	return c.store.CreateRoom(ctx, &store.Room{
		ChatRoomID:   chatRoomID,
		FedContextID: &contextID,
		RoomType:     store.RoomTypeDM,
	})
}

// timelineRoomFor finds or provisions the room mirroring a remote actor's
// posts, inviting the local users following them. No local followers
// means no audience, and the post is dropped rather than parked in an
// empty room.
func (c *Coordinator) timelineRoomFor(ctx context.Context, sender *store.User, audience activity.Audience) (*store.Room, error) {
	if sender.FedActorID == nil || sender.ChatUserID == nil {
		return nil, nil
	}
	contextID := activity.HashedContextIRI(c.config.BaseURL, "actor", *sender.FedActorID)
	room, err := c.store.GetRoom(ctx, &store.FindRoom{FedContextID: &contextID})
	if err != nil {
		return nil, err
	}
	if room != nil {
		return room, nil
	}

	followers, err := c.store.ListFollowerUsers(ctx, &store.FindFollowerUsers{
		FollowingID: sender.ID,
		Status:      store.FollowStatusAccepted,
	})
	if err != nil {
		return nil, err
	}
	var invites []string
	for _, follower := range followers {
		if follower.ChatUserID != nil && !follower.IsGhost {
			invites = append(invites, *follower.ChatUserID)
		}
	}
	if len(invites) == 0 {
		return nil, nil
	}

	name := sender.DisplayName
	if name == "" {
		name = *sender.ChatUserID
	}
	roomType := store.RoomTypeGroup
	if audience == activity.AudiencePublic {
		roomType = store.RoomTypePublic
	}
	chatRoomID, err := c.hs.CreateRoom(ctx, *sender.ChatUserID, name, *sender.FedActorID, invites)
	if err != nil {
		return nil, err
	}
	return c.store.CreateRoom(ctx, &store.Room{
		ChatRoomID:   chatRoomID,
		FedContextID: &contextID,
		RoomType:     roomType,
	})
}

// sendAsSender posts a message the way the sender's row dictates: the
// user's own access token when double-puppeted, the ghost when one is
// provisioned, the bridge bot otherwise. A token that fails to decrypt
// degrades to the ghost rather than losing the message.
func (c *Coordinator) sendAsSender(ctx context.Context, sender *store.User, chatRoomID string, content *appservice.EventContent) (string, error) {
	if sender.IsDoublePuppet && sender.AccessTokenEnc != nil && len(c.config.EncryptionKey) > 0 {
		token, err := crypto.DecryptToken(*sender.AccessTokenEnc, c.config.EncryptionKey)
		if err == nil {
			return c.hs.SendMessageAsPuppet(ctx, token, chatRoomID, content)
		}
		slog.Warn("Failed to decrypt puppet token; sending as ghost", "user", sender.ID, "error", err)
	}
	asUserID := ""
	if sender.ChatUserID != nil {
		asUserID = *sender.ChatUserID
	}
	return c.hs.SendMessage(ctx, asUserID, chatRoomID, content)
}

// HandleGhostInvite auto-joins a ghost invited into a chat room,
// provisioning the remote user first when the invite names a ghost the
// bridge has never materialized.
func (c *Coordinator) HandleGhostInvite(ctx context.Context, event *appservice.Event) error {
	if event.StateKey == nil || event.Content.Membership != appservice.MembershipInvite {
		return nil
	}
	invited := *event.StateKey
	if !appservice.IsGhostUserID(invited, c.config.LocalDomain) {
		return nil
	}
	row, err := c.store.GetUser(ctx, &store.FindUser{ChatUserID: &invited})
	if err != nil {
		return err
	}
	if row == nil {
		localpart, _, err := appservice.ParseUserID(invited)
		if err != nil {
			return err
		}
		if err := c.hs.RegisterGhost(ctx, localpart); err != nil {
			return err
		}
	}
	return c.hs.JoinRoom(ctx, invited, event.RoomID)
}
