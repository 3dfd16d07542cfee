package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/transformer"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// TransformerContext builds the lookup context translation runs against.
// All callbacks are store-backed; nothing here goes over the network, so
// unresolved mentions and unmapped replies degrade instead of stalling a
// translation on a webfinger round-trip.
func (c *Coordinator) TransformerContext() *transformer.Context {
	tc := &transformer.Context{
		BaseURL:     c.config.BaseURL,
		LocalDomain: c.config.LocalDomain,
		ActorFor: func(ctx context.Context, chatUserID string) (string, error) {
			if _, err := c.EnsureLocalUser(ctx, chatUserID); err != nil {
				return "", err
			}
			return c.ActorURLFor(chatUserID)
		},
		ObjectIDFor: func(ctx context.Context, chatEventID string) (string, bool) {
			mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{ChatEventID: &chatEventID})
			if err != nil || mapping == nil || mapping.FedObjectID == nil {
				return "", false
			}
			return *mapping.FedObjectID, true
		},
		ChatEventFor: func(ctx context.Context, fedObjectID string) (string, bool) {
			mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &fedObjectID})
			if err != nil || mapping == nil || mapping.ChatEventID == nil {
				return "", false
			}
			return *mapping.ChatEventID, true
		},
		MentionHrefFor: func(ctx context.Context, user, host string) (string, bool) {
			if host == c.config.LocalDomain {
				return activity.ActorIRI(c.config.BaseURL, user), true
			}
			ghostID := appservice.GhostUserID(user, host, c.config.LocalDomain)
			row, err := c.store.GetUser(ctx, &store.FindUser{ChatUserID: &ghostID})
			if err != nil || row == nil || row.FedActorID == nil {
				return "", false
			}
			return *row.FedActorID, true
		},
	}
	if c.media != nil {
		tc.Media = c.media
	}
	return tc
}

// TranslateChatEvent is the translate-out worker's entry point. It fans a
// homeserver event out to the matching translation, dropping event shapes
// the bridge has no fed rendition for.
func (c *Coordinator) TranslateChatEvent(ctx context.Context, event *appservice.Event) error {
	switch event.Type {
	case appservice.EventMessage:
		if rel := event.Content.RelatesTo; rel != nil && rel.RelType == appservice.RelReplace && rel.EventID != "" {
			return c.translateEdit(ctx, event)
		}
		return c.translateMessage(ctx, event)
	case appservice.EventRedaction:
		if event.Redacts == "" {
			return nil
		}
		return c.PropagateRedaction(ctx, event.Redacts)
	case appservice.EventReaction:
		rel := event.Content.RelatesTo
		if rel == nil || rel.RelType != appservice.RelAnnotation || rel.EventID == "" {
			return nil
		}
		return c.Like(ctx, event.Sender, event.ID, rel.EventID)
	default:
		slog.Debug("Dropping untranslatable event type", "type", event.Type, "event", event.ID)
		return nil
	}
}

// translateMessage publishes an m.room.message as a Create. Translation
// failures of the validation kind are dropped, not retried; redelivering
// a malformed event cannot fix it.
func (c *Coordinator) translateMessage(ctx context.Context, event *appservice.Event) error {
	// events the bridge itself wrote come back in transactions; their
	// mapping rows point at remote objects, which marks them as echoes.
	// a crash-retried job's own mapping points at the derived object id
	// and falls through to redo the fan-out.
	existing, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{ChatEventID: &event.ID})
	if err != nil {
		return err
	}
	if existing != nil {
		derived := activity.ObjectIRI(c.config.BaseURL, event.ID)
		if existing.FedObjectID == nil || *existing.FedObjectID != derived {
			return nil
		}
	}

	sender, err := c.EnsureLocalUser(ctx, event.Sender)
	if err != nil {
		return err
	}
	room, err := c.roomFor(ctx, event.RoomID)
	if err != nil {
		return err
	}
	info, peer, err := c.roomInfo(ctx, room)
	if err != nil {
		return err
	}

	result, err := transformer.ChatMessageToNote(ctx, c.TransformerContext(), event, info)
	if err != nil {
		if bridgeerr.KindOf(err) == bridgeerr.KindValidation {
			slog.Warn("Dropping untranslatable message", "event", event.ID, "error", err)
			return nil
		}
		return err
	}
	if err := c.persistMappings(ctx, room.ID, sender.ID, result.Mappings); err != nil {
		return err
	}
	return c.routeActivity(ctx, sender, room, peer, result.Activity, result.Note)
}

// translateEdit publishes an m.replace edit as an Update carrying the
// re-rendered note under its original object id. Edits of events that
// never federated are dropped.
func (c *Coordinator) translateEdit(ctx context.Context, event *appservice.Event) error {
	target := event.Content.RelatesTo.EventID
	mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{ChatEventID: &target})
	if err != nil {
		return err
	}
	if mapping == nil || mapping.FedObjectID == nil {
		slog.Debug("Dropping edit of unbridged event", "target", target)
		return nil
	}
	if *mapping.FedObjectID != activity.ObjectIRI(c.config.BaseURL, target) {
		// the target came from the fed side; an edit of it can only be
		// the bridge's own puppet send echoing back
		return nil
	}

	sender, err := c.EnsureLocalUser(ctx, event.Sender)
	if err != nil {
		return err
	}
	room, err := c.roomFor(ctx, event.RoomID)
	if err != nil {
		return err
	}
	info, peer, err := c.roomInfo(ctx, room)
	if err != nil {
		return err
	}

	// re-render under the edited event's id so the note keeps the object
	// iri it was first published with
	edited := *event
	edited.ID = target
	if event.Content.NewContent != nil {
		edited.Content = *event.Content.NewContent
	}
	result, err := transformer.ChatMessageToNote(ctx, c.TransformerContext(), &edited, info)
	if err != nil {
		if bridgeerr.KindOf(err) == bridgeerr.KindValidation {
			slog.Warn("Dropping untranslatable edit", "event", event.ID, "error", err)
			return nil
		}
		return err
	}

	note := result.Note
	note.Updated = activity.FormatPublished(time.Now())
	// the update id derives from the edit event, not the note: retries of
	// one edit collapse while successive edits stay distinct
	updateID := activity.DeterministicID(c.config.BaseURL, activity.TypeUpdate,
		activity.ObjectIRI(c.config.BaseURL, event.ID))
	update := activity.NewUpdate(updateID, result.Activity.Actor, note, note.To, note.CC)
	return c.routeActivity(ctx, sender, room, peer, update, note)
}

// roomFor returns the room row for a chat room, creating it with a
// detected type on first contact and minting its conversation context.
func (c *Coordinator) roomFor(ctx context.Context, chatRoomID string) (*store.Room, error) {
	room, err := c.store.GetRoom(ctx, &store.FindRoom{ChatRoomID: &chatRoomID})
	if err != nil {
		return nil, err
	}
	if room == nil {
		room, err = c.store.GetOrCreateRoom(ctx, chatRoomID, c.detectRoomType(ctx, chatRoomID))
		if err != nil {
			return nil, err
		}
	}
	if room.FedContextID == nil || *room.FedContextID == "" {
		contextID := activity.ContextIRI(c.config.BaseURL, chatRoomID)
		room, err = c.store.UpdateRoom(ctx, &store.UpdateRoom{ID: room.ID, FedContextID: &contextID})
		if err != nil {
			return nil, err
		}
	}
	return room, nil
}

// detectRoomType classifies a chat room from homeserver state: a public
// join rule wins, two members with exactly one ghost is a DM, and
// anything else, including probe failures, is a group.
func (c *Coordinator) detectRoomType(ctx context.Context, chatRoomID string) store.RoomType {
	if rule, err := c.hs.JoinRule(ctx, chatRoomID); err == nil && rule == "public" {
		return store.RoomTypePublic
	}
	members, err := c.hs.JoinedMembers(ctx, chatRoomID)
	if err != nil {
		slog.Warn("Failed to probe room members; assuming group", "room", chatRoomID, "error", err)
		return store.RoomTypeGroup
	}
	ghosts := 0
	for _, member := range members {
		if appservice.IsGhostUserID(member, c.config.LocalDomain) {
			ghosts++
		}
	}
	if len(members) == 2 && ghosts == 1 {
		return store.RoomTypeDM
	}
	return store.RoomTypeGroup
}

// roomInfo assembles the audience inputs for a room. For DMs it also
// resolves the ghost peer so delivery can target its inbox directly.
func (c *Coordinator) roomInfo(ctx context.Context, room *store.Room) (transformer.RoomInfo, *store.User, error) {
	info := transformer.RoomInfo{Type: room.RoomType}
	if room.FedContextID != nil {
		info.FedContextID = *room.FedContextID
	}
	if room.RoomType != store.RoomTypeDM {
		return info, nil, nil
	}
	peer, err := c.dmPeer(ctx, room.ChatRoomID)
	if err != nil {
		return info, nil, err
	}
	if peer != nil && peer.FedActorID != nil {
		info.RecipientActor = *peer.FedActorID
	}
	return info, peer, nil
}

// dmPeer finds the remote side of a DM room: the first joined ghost with
// a user row. Nil when the room has no provisioned ghost.
func (c *Coordinator) dmPeer(ctx context.Context, chatRoomID string) (*store.User, error) {
	members, err := c.hs.JoinedMembers(ctx, chatRoomID)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		if !appservice.IsGhostUserID(member, c.config.LocalDomain) {
			continue
		}
		ghostID := member
		peer, err := c.store.GetUser(ctx, &store.FindUser{ChatUserID: &ghostID})
		if err != nil {
			return nil, err
		}
		if peer != nil {
			return peer, nil
		}
	}
	return nil, nil
}

// persistMappings records the translation's id pairs. Mappings are
// write-once: a redelivered job reasserting the same pair is skipped, a
// conflicting pair is refused.
func (c *Coordinator) persistMappings(ctx context.Context, roomID, senderID int64, mappings []transformer.Mapping) error {
	for _, m := range mappings {
		chatEventID, fedObjectID := m.ChatEventID, m.FedObjectID
		existing, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{ChatEventID: &chatEventID})
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.FedObjectID != nil && *existing.FedObjectID == fedObjectID {
				continue
			}
			return bridgeerr.Validation("coordinator.mapping_conflict",
				"event %s already maps to a different object", chatEventID)
		}
		err = c.store.RunInTransaction(ctx, func(tx *store.Store) error {
			_, err := tx.CreateMessageMapping(ctx, &store.MessageMapping{
				ChatEventID: &chatEventID,
				FedObjectID: &fedObjectID,
				RoomID:      roomID,
				SenderID:    senderID,
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// routeActivity hands a translated activity to delivery: DMs go straight
// to the peer's inbox, everything else fans out to followers with
// courtesy copies for mentioned actors and the reply parent's author.
func (c *Coordinator) routeActivity(ctx context.Context, sender *store.User, room *store.Room, peer *store.User, env *activity.Envelope, note *activity.Note) error {
	if room.RoomType == store.RoomTypeDM {
		if peer == nil || peer.InboxURL == "" {
			slog.Warn("Dropping DM with no deliverable peer", "room", room.ChatRoomID, "activity", env.ID)
			return nil
		}
		return c.deliverTo(ctx, env, sender.ID, peer.InboxURL, &peer.ID)
	}

	payload, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	enqueued, err := c.FanOut(ctx, sender.ID, payload)
	if err != nil {
		return err
	}
	c.deliverToInterested(ctx, sender, env, note)
	slog.Debug("Routed activity", "activity", env.ID, "room", room.ChatRoomID, "deliveries", enqueued)
	return nil
}

// deliverToInterested sends courtesy copies to actors addressed by the
// note but not necessarily following: mention targets and the author of
// the replied-to message. Best-effort; remote servers dedupe by id.
func (c *Coordinator) deliverToInterested(ctx context.Context, sender *store.User, env *activity.Envelope, note *activity.Note) {
	if note == nil {
		return
	}
	seen := map[string]bool{}
	for _, tag := range note.Tag {
		if tag.Type != activity.TagMention || tag.Href == "" {
			continue
		}
		c.courtesyCopy(ctx, sender, env, tag.Href, seen)
	}
	if note.InReplyTo != "" {
		mapping, err := c.store.GetMessageMapping(ctx, &store.FindMessageMapping{FedObjectID: &note.InReplyTo})
		if err != nil || mapping == nil {
			return
		}
		author, err := c.store.GetUser(ctx, &store.FindUser{ID: &mapping.SenderID})
		if err != nil || author == nil || author.FedActorID == nil {
			return
		}
		c.courtesyCopy(ctx, sender, env, *author.FedActorID, seen)
	}
}

func (c *Coordinator) courtesyCopy(ctx context.Context, sender *store.User, env *activity.Envelope, actorURL string, seen map[string]bool) {
	if seen[actorURL] {
		return
	}
	seen[actorURL] = true
	if _, local := c.ChatUserIDFor(actorURL); local {
		return
	}
	remote, err := c.store.GetUser(ctx, &store.FindUser{FedActorID: &actorURL})
	if err != nil || remote == nil || remote.InboxURL == "" {
		return
	}
	if err := c.deliverTo(ctx, env, sender.ID, remote.InboxURL, &remote.ID); err != nil {
		if bridgeerr.KindOf(err) == bridgeerr.KindBlocked {
			return
		}
		slog.Warn("Failed to enqueue courtesy delivery", "inbox", remote.InboxURL, "error", err)
	}
}
