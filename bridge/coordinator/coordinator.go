// Package coordinator wires the two protocol sides together. It owns the
// handle resolution pipeline (webfinger, actor fetch, ghost provisioning),
// the cross-protocol social primitives, and the inbound dispatch for
// everything that is not a message.
package coordinator

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/policy"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/signature"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// FedClient is the slice of the federation client the coordinator uses.
type FedClient interface {
	ResolveHandle(ctx context.Context, user, host string) (string, error)
	FetchActor(ctx context.Context, actorURL string) (*activity.Actor, error)
}

// Homeserver is the slice of the appservice client the coordinator uses.
type Homeserver interface {
	RegisterGhost(ctx context.Context, localpart string) error
	SetDisplayName(ctx context.Context, userID, name string) error
	SetAvatarURL(ctx context.Context, userID, avatarURL string) error
	SendNotice(ctx context.Context, roomID, text string) error
	SendEvent(ctx context.Context, asUserID, roomID, eventType string, content any) (string, error)
	SendMessage(ctx context.Context, asUserID, roomID string, content *appservice.EventContent) (string, error)
	SendMessageAsPuppet(ctx context.Context, accessToken, roomID string, content *appservice.EventContent) (string, error)
	Redact(ctx context.Context, asUserID, roomID, eventID, reason string) (string, error)
	CreateRoom(ctx context.Context, creatorUserID, name, topic string, invite []string) (string, error)
	CreateDirectRoom(ctx context.Context, ghostUserID, inviteUserID string) (string, error)
	InviteUser(ctx context.Context, roomID, userID string) error
	JoinRoom(ctx context.Context, asUserID, roomIDOrAlias string) error
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)
	JoinRule(ctx context.Context, roomID string) (string, error)
}

// Delivery is one outbound inbox POST. SenderID selects the signing key;
// Shared marks shared-inbox deliveries for queue prioritization.
type Delivery struct {
	Payload  []byte
	InboxURL string
	SenderID int64
	Shared   bool
}

// Deliverer hands outbound activities to the delivery pipeline.
type Deliverer interface {
	EnqueueDelivery(ctx context.Context, d *Delivery) error
}

// MediaGateway pulls remote media into homeserver-owned handles and
// describes stored ones. The same value backs the transformer contexts
// the coordinator builds.
type MediaGateway interface {
	DescribeHandle(ctx context.Context, handle string) (string, *store.Media, error)
	URLToHandle(ctx context.Context, rawURL, altText string) (*store.Media, error)
}

type Config struct {
	BaseURL     string
	LocalDomain string
	// AdminRoomID receives report notices. Empty disables them.
	AdminRoomID string
	// AutoAcceptFollows answers inbound follows immediately.
	AutoAcceptFollows bool
	// ModerationWebhookURL receives a JSON payload per inbound report,
	// fire-and-forget. Empty disables it.
	ModerationWebhookURL string
	// EncryptionKey decrypts stored double-puppet access tokens.
	EncryptionKey []byte
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	config  Config
	store   *store.Store
	fed     FedClient
	hs      Homeserver
	deliver Deliverer
	policy  *policy.Engine
	media   MediaGateway
}

// New wires a coordinator. media may be nil; ghost avatars then keep
// their remote URLs and inbound attachments degrade to links.
func New(config Config, st *store.Store, fed FedClient, hs Homeserver, deliver Deliverer, pol *policy.Engine, media MediaGateway) *Coordinator {
	return &Coordinator{
		config:  config,
		store:   st,
		fed:     fed,
		hs:      hs,
		deliver: deliver,
		policy:  pol,
		media:   media,
	}
}

// ParseFedHandle splits user@host, tolerating a leading @.
func ParseFedHandle(handle string) (user, host string, err error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	user, host, ok := strings.Cut(handle, "@")
	if !ok || user == "" || host == "" || strings.Contains(host, "@") {
		return "", "", bridgeerr.Validation("coordinator.bad_handle", "handle %q is not user@host", handle)
	}
	return user, strings.ToLower(host), nil
}

// ActorURLFor synthesizes the fed actor URL for a local chat user.
func (c *Coordinator) ActorURLFor(chatUserID string) (string, error) {
	localpart, _, err := appservice.ParseUserID(chatUserID)
	if err != nil {
		return "", err
	}
	return activity.ActorIRI(c.config.BaseURL, localpart), nil
}

// ChatUserIDFor inverts ActorURLFor. ok is false for URLs outside the
// local /users/ space.
func (c *Coordinator) ChatUserIDFor(actorURL string) (string, bool) {
	rest, found := strings.CutPrefix(actorURL, c.config.BaseURL+"/users/")
	if !found || rest == "" || strings.ContainsAny(rest, "/?#") {
		return "", false
	}
	localpart, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return "@" + localpart + ":" + c.config.LocalDomain, true
}

// EnsureLocalUser returns the user row for a local chat user, minting a
// signing key pair on first use so the synthesized actor can deliver.
func (c *Coordinator) EnsureLocalUser(ctx context.Context, chatUserID string) (*store.User, error) {
	row, err := c.store.GetOrCreateUserByChatID(ctx, chatUserID)
	if err != nil {
		return nil, err
	}
	if row.HasKeyPair() {
		return row, nil
	}
	privatePEM, publicPEM, err := signature.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return c.store.UpdateUser(ctx, &store.UpdateUser{
		ID:            row.ID,
		PrivateKeyPEM: &privatePEM,
		PublicKeyPEM:  &publicPEM,
	})
}

// ResolveRemoteUser resolves user@host into a provisioned user row:
// webfinger, actor fetch, row upsert, ghost registration.
func (c *Coordinator) ResolveRemoteUser(ctx context.Context, handle string) (*store.User, error) {
	user, host, err := ParseFedHandle(handle)
	if err != nil {
		return nil, err
	}
	blocked, err := c.policy.InstanceBlocked(ctx, host)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, bridgeerr.Blocked("policy.instance_blocked", "instance %s is blocked", host)
	}

	// Known remotes resolve from the store; webfinger only on first contact.
	ghostID := appservice.GhostUserID(user, host, c.config.LocalDomain)
	known, err := c.store.GetUser(ctx, &store.FindUser{ChatUserID: &ghostID})
	if err != nil {
		return nil, err
	}
	if known != nil {
		return known, nil
	}

	actorURL, err := c.fed.ResolveHandle(ctx, user, host)
	if err != nil {
		return nil, err
	}
	return c.EnsureRemoteUser(ctx, actorURL)
}

// EnsureRemoteUser returns the user row for an actor URL, fetching and
// adopting the actor on first sighting.
func (c *Coordinator) EnsureRemoteUser(ctx context.Context, actorURL string) (*store.User, error) {
	existing, err := c.store.GetUser(ctx, &store.FindUser{FedActorID: &actorURL})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	actor, err := c.fed.FetchActor(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	return c.AdoptActor(ctx, actor)
}

// RefreshRemoteUser refetches the actor document behind a user row and
// reconciles the stored profile and the ghost.
func (c *Coordinator) RefreshRemoteUser(ctx context.Context, row *store.User) (*store.User, error) {
	if row.FedActorID == nil {
		return nil, bridgeerr.Validation("coordinator.not_remote", "user %d has no fed actor", row.ID)
	}
	actor, err := c.fed.FetchActor(ctx, *row.FedActorID)
	if err != nil {
		return nil, err
	}
	return c.AdoptActor(ctx, actor)
}

// AdoptActor upserts the user row for an actor document and provisions
// its chat ghost. Also applied when a newer profile rides along inside
// an activity.
func (c *Coordinator) AdoptActor(ctx context.Context, actor *activity.Actor) (*store.User, error) {
	ghostID, err := c.ghostIDFor(actor)
	if err != nil {
		return nil, err
	}

	displayName := actor.Name
	if displayName == "" {
		displayName = actor.PreferredUsername
	}
	var avatarURL string
	if actor.Icon != nil {
		avatarURL = actor.Icon.URL
	}

	existing, err := c.store.GetUser(ctx, &store.FindUser{FedActorID: &actor.ID})
	if err != nil {
		return nil, err
	}
	fresh := existing == nil

	row := existing
	nameChanged, avatarChanged := fresh, fresh
	if fresh {
		seed := &store.User{
			ChatUserID:     &ghostID,
			InboxURL:       actor.Inbox,
			SharedInboxURL: sharedInbox(actor),
			DisplayName:    displayName,
			AvatarURL:      avatarURL,
			IsGhost:        true,
		}
		row, err = c.store.GetOrCreateUserByFedActor(ctx, actor.ID, seed)
		if err != nil {
			return nil, err
		}
	} else {
		nameChanged = existing.DisplayName != displayName
		avatarChanged = existing.AvatarURL != avatarURL
		inboxChanged := existing.InboxURL != actor.Inbox || existing.SharedInboxURL != sharedInbox(actor)
		if nameChanged || avatarChanged || inboxChanged {
			inbox, shared := actor.Inbox, sharedInbox(actor)
			row, err = c.store.UpdateUser(ctx, &store.UpdateUser{
				ID:             existing.ID,
				InboxURL:       &inbox,
				SharedInboxURL: &shared,
				DisplayName:    &displayName,
				AvatarURL:      &avatarURL,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if err := c.provisionGhost(ctx, actor, ghostID, displayName, avatarURL, nameChanged, avatarChanged); err != nil {
		return nil, err
	}
	return row, nil
}

// provisionGhost registers the ghost and pushes profile fields. Profile
// pushes are best-effort; registration is not.
func (c *Coordinator) provisionGhost(ctx context.Context, actor *activity.Actor, ghostID, displayName, avatarURL string, pushName, pushAvatar bool) error {
	localpart, _, err := appservice.ParseUserID(ghostID)
	if err != nil {
		return err
	}
	if err := c.hs.RegisterGhost(ctx, localpart); err != nil {
		return err
	}

	if pushName && displayName != "" {
		if err := c.hs.SetDisplayName(ctx, ghostID, displayName); err != nil {
			slog.Warn("Failed to set ghost display name", "ghost", ghostID, "error", err)
		}
	}
	if pushAvatar && avatarURL != "" {
		if err := c.hs.SetAvatarURL(ctx, ghostID, c.ghostAvatar(ctx, actor, avatarURL)); err != nil {
			slog.Warn("Failed to set ghost avatar", "ghost", ghostID, "error", err)
		}
	}
	return nil
}

// ghostAvatar ingests the remote avatar so the homeserver serves its own
// copy. Falls back to the remote URL when ingestion is unavailable.
func (c *Coordinator) ghostAvatar(ctx context.Context, actor *activity.Actor, avatarURL string) string {
	if c.media == nil {
		return avatarURL
	}
	row, err := c.media.URLToHandle(ctx, avatarURL, "avatar of "+actor.PreferredUsername)
	if err != nil || row.ChatMediaHandle == nil {
		slog.Warn("Failed to ingest ghost avatar", "actor", actor.ID, "error", err)
		return avatarURL
	}
	return *row.ChatMediaHandle
}

func (c *Coordinator) ghostIDFor(actor *activity.Actor) (string, error) {
	username := actor.PreferredUsername
	host := activity.IRI(actor.ID).Host()
	if username == "" {
		// some software publishes actors without preferredUsername;
		// the last URL segment is the stable fallback
		parts := strings.Split(strings.TrimSuffix(actor.ID, "/"), "/")
		username = parts[len(parts)-1]
	}
	if username == "" || host == "" {
		return "", bridgeerr.Validation("coordinator.bad_actor", "actor %q yields no ghost identity", actor.ID)
	}
	return appservice.GhostUserID(username, host, c.config.LocalDomain), nil
}

func sharedInbox(actor *activity.Actor) string {
	if actor.Endpoints != nil {
		return actor.Endpoints.SharedInbox
	}
	return ""
}
