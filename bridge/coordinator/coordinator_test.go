package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/policy"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// fakeDriver is an in-memory store.Driver covering the slices the
// coordinator touches. Everything else panics via the embedded nil.
type fakeDriver struct {
	store.Driver

	nextID   int64
	users    []*store.User
	follows  []*store.Follow
	blocks   []*store.Block
	mappings []*store.MessageMapping
	rooms    []*store.Room
	reports  []*store.Report
}

func (d *fakeDriver) id() int64 {
	d.nextID++
	return d.nextID
}

func (d *fakeDriver) RunInTransaction(_ context.Context, fn func(store.Driver) error) error {
	return fn(d)
}

func (d *fakeDriver) CreateUser(_ context.Context, create *store.User) (*store.User, error) {
	create.ID = d.id()
	d.users = append(d.users, create)
	return create, nil
}

func (d *fakeDriver) ListUsers(_ context.Context, find *store.FindUser) ([]*store.User, error) {
	var out []*store.User
	for _, u := range d.users {
		if find.ID != nil && u.ID != *find.ID {
			continue
		}
		if find.ChatUserID != nil && (u.ChatUserID == nil || *u.ChatUserID != *find.ChatUserID) {
			continue
		}
		if find.FedActorID != nil && (u.FedActorID == nil || *u.FedActorID != *find.FedActorID) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (d *fakeDriver) UpdateUser(_ context.Context, update *store.UpdateUser) (*store.User, error) {
	for _, u := range d.users {
		if u.ID != update.ID {
			continue
		}
		if update.InboxURL != nil {
			u.InboxURL = *update.InboxURL
		}
		if update.SharedInboxURL != nil {
			u.SharedInboxURL = *update.SharedInboxURL
		}
		if update.DisplayName != nil {
			u.DisplayName = *update.DisplayName
		}
		if update.AvatarURL != nil {
			u.AvatarURL = *update.AvatarURL
		}
		if update.PrivateKeyPEM != nil {
			u.PrivateKeyPEM = update.PrivateKeyPEM
		}
		if update.PublicKeyPEM != nil {
			u.PublicKeyPEM = update.PublicKeyPEM
		}
		return u, nil
	}
	return nil, bridgeerr.NotFound("store.no_user", "no user %d", update.ID)
}

func (d *fakeDriver) DeleteUser(_ context.Context, del *store.DeleteUser) error {
	kept := d.users[:0]
	for _, u := range d.users {
		if u.ID != del.ID {
			kept = append(kept, u)
		}
	}
	d.users = kept
	return nil
}

func (d *fakeDriver) UpsertFollow(_ context.Context, upsert *store.Follow) (*store.Follow, error) {
	for _, f := range d.follows {
		if f.FollowerID == upsert.FollowerID && f.FollowingID == upsert.FollowingID {
			f.Status = upsert.Status
			f.FedFollowActivityID = upsert.FedFollowActivityID
			return f, nil
		}
	}
	upsert.ID = d.id()
	d.follows = append(d.follows, upsert)
	return upsert, nil
}

func (d *fakeDriver) ListFollows(_ context.Context, find *store.FindFollow) ([]*store.Follow, error) {
	var out []*store.Follow
	for _, f := range d.follows {
		if find.FollowerID != nil && f.FollowerID != *find.FollowerID {
			continue
		}
		if find.FollowingID != nil && f.FollowingID != *find.FollowingID {
			continue
		}
		if find.FedFollowActivityID != nil && (f.FedFollowActivityID == nil || *f.FedFollowActivityID != *find.FedFollowActivityID) {
			continue
		}
		if find.Status != nil && f.Status != *find.Status {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (d *fakeDriver) UpdateFollowStatus(_ context.Context, update *store.UpdateFollowStatus) (*store.Follow, error) {
	for _, f := range d.follows {
		if f.FedFollowActivityID != nil && *f.FedFollowActivityID == update.FedFollowActivityID {
			f.Status = update.Status
			return f, nil
		}
	}
	return nil, bridgeerr.NotFound("store.no_follow", "no follow %s", update.FedFollowActivityID)
}

func (d *fakeDriver) DeleteFollow(_ context.Context, del *store.DeleteFollow) error {
	kept := d.follows[:0]
	for _, f := range d.follows {
		drop := true
		if del.FollowerID != nil && f.FollowerID != *del.FollowerID {
			drop = false
		}
		if del.FollowingID != nil && f.FollowingID != *del.FollowingID {
			drop = false
		}
		if del.ReferencingUserID != nil {
			drop = f.FollowerID == *del.ReferencingUserID || f.FollowingID == *del.ReferencingUserID
		}
		if !drop {
			kept = append(kept, f)
		}
	}
	d.follows = kept
	return nil
}

func (d *fakeDriver) ListFollowerUsers(ctx context.Context, find *store.FindFollowerUsers) ([]*store.User, error) {
	var out []*store.User
	for _, f := range d.follows {
		if f.FollowingID != find.FollowingID || f.Status != find.Status {
			continue
		}
		followerID := f.FollowerID
		users, _ := d.ListUsers(ctx, &store.FindUser{ID: &followerID})
		out = append(out, users...)
	}
	return out, nil
}

func (d *fakeDriver) CreateBlock(_ context.Context, create *store.Block) (*store.Block, error) {
	create.ID = d.id()
	d.blocks = append(d.blocks, create)
	return create, nil
}

func (d *fakeDriver) ListBlocks(_ context.Context, find *store.FindBlock) ([]*store.Block, error) {
	var out []*store.Block
	for _, b := range d.blocks {
		if find.BlockType != nil && b.BlockType != *find.BlockType {
			continue
		}
		if find.AdminWide && b.BlockerID != nil {
			continue
		}
		if find.BlockerID != nil && (b.BlockerID == nil || *b.BlockerID != *find.BlockerID) {
			continue
		}
		if find.BlockedUserID != nil && (b.BlockedUserID == nil || *b.BlockedUserID != *find.BlockedUserID) {
			continue
		}
		if find.BlockedInstance != nil && (b.BlockedInstance == nil || *b.BlockedInstance != *find.BlockedInstance) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (d *fakeDriver) DeleteBlock(_ context.Context, del *store.DeleteBlock) error {
	kept := d.blocks[:0]
	for _, b := range d.blocks {
		drop := true
		if del.BlockerID != nil && (b.BlockerID == nil || *b.BlockerID != *del.BlockerID) {
			drop = false
		}
		if del.BlockedUserID != nil && (b.BlockedUserID == nil || *b.BlockedUserID != *del.BlockedUserID) {
			drop = false
		}
		if del.ReferencingUserID != nil {
			drop = (b.BlockerID != nil && *b.BlockerID == *del.ReferencingUserID) ||
				(b.BlockedUserID != nil && *b.BlockedUserID == *del.ReferencingUserID)
		}
		if !drop {
			kept = append(kept, b)
		}
	}
	d.blocks = kept
	return nil
}

func (d *fakeDriver) CreateMessageMapping(_ context.Context, create *store.MessageMapping) (*store.MessageMapping, error) {
	create.ID = d.id()
	d.mappings = append(d.mappings, create)
	return create, nil
}

func (d *fakeDriver) ListMessageMappings(_ context.Context, find *store.FindMessageMapping) ([]*store.MessageMapping, error) {
	var out []*store.MessageMapping
	for _, m := range d.mappings {
		if find.ID != nil && m.ID != *find.ID {
			continue
		}
		if find.ChatEventID != nil && (m.ChatEventID == nil || *m.ChatEventID != *find.ChatEventID) {
			continue
		}
		if find.FedObjectID != nil && (m.FedObjectID == nil || *m.FedObjectID != *find.FedObjectID) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *fakeDriver) DeleteMessageMapping(_ context.Context, del *store.DeleteMessageMapping) error {
	kept := d.mappings[:0]
	for _, m := range d.mappings {
		drop := true
		if del.ID != nil && m.ID != *del.ID {
			drop = false
		}
		if del.SenderID != nil && m.SenderID != *del.SenderID {
			drop = false
		}
		if !drop {
			kept = append(kept, m)
		}
	}
	d.mappings = kept
	return nil
}

func (d *fakeDriver) CreateRoom(_ context.Context, create *store.Room) (*store.Room, error) {
	create.ID = d.id()
	d.rooms = append(d.rooms, create)
	return create, nil
}

func (d *fakeDriver) ListRooms(_ context.Context, find *store.FindRoom) ([]*store.Room, error) {
	var out []*store.Room
	for _, r := range d.rooms {
		if find.ID != nil && r.ID != *find.ID {
			continue
		}
		if find.ChatRoomID != nil && r.ChatRoomID != *find.ChatRoomID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *fakeDriver) CreateReport(_ context.Context, create *store.Report) (*store.Report, error) {
	create.ID = d.id()
	d.reports = append(d.reports, create)
	return create, nil
}

type fakeFed struct {
	actors       map[string]*activity.Actor
	handles      map[string]string
	resolveCalls int
	fetchCalls   int
}

func (f *fakeFed) ResolveHandle(_ context.Context, user, host string) (string, error) {
	f.resolveCalls++
	actorURL, ok := f.handles[user+"@"+host]
	if !ok {
		return "", bridgeerr.NotFound("test.unknown_handle", "%s@%s", user, host)
	}
	return actorURL, nil
}

func (f *fakeFed) FetchActor(_ context.Context, actorURL string) (*activity.Actor, error) {
	f.fetchCalls++
	actor, ok := f.actors[actorURL]
	if !ok {
		return nil, bridgeerr.NotFound("test.no_actor", "%s", actorURL)
	}
	return actor, nil
}

type fakeHomeserver struct {
	registered []string
	names      map[string]string
	notices    []string
	redacted   []string
}

func (h *fakeHomeserver) RegisterGhost(_ context.Context, localpart string) error {
	h.registered = append(h.registered, localpart)
	return nil
}

func (h *fakeHomeserver) SetDisplayName(_ context.Context, userID, name string) error {
	if h.names == nil {
		h.names = map[string]string{}
	}
	h.names[userID] = name
	return nil
}

func (h *fakeHomeserver) SetAvatarURL(context.Context, string, string) error { return nil }

func (h *fakeHomeserver) SendNotice(_ context.Context, _ string, text string) error {
	h.notices = append(h.notices, text)
	return nil
}

func (h *fakeHomeserver) SendEvent(_ context.Context, _, _, _ string, _ any) (string, error) {
	return "$event", nil
}

func (h *fakeHomeserver) SendMessage(context.Context, string, string, *appservice.EventContent) (string, error) {
	return "$event", nil
}

func (h *fakeHomeserver) SendMessageAsPuppet(context.Context, string, string, *appservice.EventContent) (string, error) {
	return "$event", nil
}

func (h *fakeHomeserver) Redact(_ context.Context, _, _, eventID, _ string) (string, error) {
	h.redacted = append(h.redacted, eventID)
	return "$redaction", nil
}

func (h *fakeHomeserver) CreateRoom(context.Context, string, string, string, []string) (string, error) {
	return "!room:chat.example.org", nil
}

func (h *fakeHomeserver) CreateDirectRoom(context.Context, string, string) (string, error) {
	return "!dm:chat.example.org", nil
}

func (h *fakeHomeserver) InviteUser(context.Context, string, string) error { return nil }

func (h *fakeHomeserver) JoinRoom(context.Context, string, string) error { return nil }

func (h *fakeHomeserver) JoinedMembers(context.Context, string) ([]string, error) {
	return nil, nil
}

func (h *fakeHomeserver) JoinRule(context.Context, string) (string, error) { return "public", nil }

type fakeDeliverer struct {
	deliveries []*Delivery
	err        error
}

func (f *fakeDeliverer) EnqueueDelivery(_ context.Context, d *Delivery) error {
	if f.err != nil {
		return f.err
	}
	f.deliveries = append(f.deliveries, d)
	return nil
}

type harness struct {
	coord   *Coordinator
	driver  *fakeDriver
	fed     *fakeFed
	hs      *fakeHomeserver
	deliver *fakeDeliverer
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	if config.BaseURL == "" {
		config.BaseURL = "https://bridge.example.org"
	}
	if config.LocalDomain == "" {
		config.LocalDomain = "chat.example.org"
	}
	driver := &fakeDriver{}
	st := store.New(driver, &profile.Profile{})
	pol, err := policy.NewEngine(policy.Config{}, st)
	require.NoError(t, err)
	fed := &fakeFed{actors: map[string]*activity.Actor{}, handles: map[string]string{}}
	hs := &fakeHomeserver{}
	deliver := &fakeDeliverer{}
	return &harness{
		coord:   New(config, st, fed, hs, deliver, pol, nil),
		driver:  driver,
		fed:     fed,
		hs:      hs,
		deliver: deliver,
	}
}

func strptr(s string) *string { return &s }

// keyedLocalUser seeds a local user with an opaque key pair so flows that
// only check key presence skip the expensive keygen.
func (h *harness) keyedLocalUser(chatUserID string) *store.User {
	u := &store.User{
		ID:            h.driver.id(),
		ChatUserID:    &chatUserID,
		PrivateKeyPEM: strptr("key material"),
		PublicKeyPEM:  strptr("key material"),
	}
	h.driver.users = append(h.driver.users, u)
	return u
}

func (h *harness) remoteUser(actorURL, ghostID, inbox, sharedInbox string) *store.User {
	u := &store.User{
		ID:             h.driver.id(),
		ChatUserID:     &ghostID,
		FedActorID:     &actorURL,
		InboxURL:       inbox,
		SharedInboxURL: sharedInbox,
		IsGhost:        true,
	}
	h.driver.users = append(h.driver.users, u)
	return u
}

func decodeDelivery(t *testing.T, d *Delivery) *activity.Activity {
	t.Helper()
	act := &activity.Activity{}
	require.NoError(t, json.Unmarshal(d.Payload, act))
	return act
}

func TestParseFedHandle(t *testing.T) {
	for _, tc := range []struct {
		in         string
		user, host string
		wantErr    bool
	}{
		{in: "alice@remote.example", user: "alice", host: "remote.example"},
		{in: "@alice@Remote.Example", user: "alice", host: "remote.example"},
		{in: " alice@remote.example ", user: "alice", host: "remote.example"},
		{in: "alice", wantErr: true},
		{in: "@remote.example", wantErr: true},
		{in: "alice@", wantErr: true},
		{in: "a@b@c", wantErr: true},
	} {
		user, host, err := ParseFedHandle(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.user, user)
		assert.Equal(t, tc.host, host)
	}
}

func TestChatUserIDForRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})

	actorURL, err := h.coord.ActorURLFor("@erin:chat.example.org")
	require.NoError(t, err)

	chatUserID, ok := h.coord.ChatUserIDFor(actorURL)
	require.True(t, ok)
	assert.Equal(t, "@erin:chat.example.org", chatUserID)
}

func TestChatUserIDForRejectsForeignURLs(t *testing.T) {
	h := newHarness(t, Config{})

	for _, u := range []string{
		"https://other.example/users/erin",
		"https://bridge.example.org/objects/abc",
		"https://bridge.example.org/users/",
		"https://bridge.example.org/users/erin/followers",
	} {
		_, ok := h.coord.ChatUserIDFor(u)
		assert.False(t, ok, u)
	}
}

func TestEnsureLocalUserMintsKeyOnce(t *testing.T) {
	h := newHarness(t, Config{})
	seeded := h.keyedLocalUser("@erin:chat.example.org")

	row, err := h.coord.EnsureLocalUser(context.Background(), "@erin:chat.example.org")
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, row.ID)
	assert.Equal(t, "key material", *row.PrivateKeyPEM)
}

func TestFanOutCollapsesSharedInboxes(t *testing.T) {
	h := newHarness(t, Config{})
	sender := h.keyedLocalUser("@erin:chat.example.org")

	a := h.remoteUser("https://one.example/users/a", "@_ap_a_oneexample:chat.example.org",
		"https://one.example/users/a/inbox", "https://one.example/inbox")
	b := h.remoteUser("https://one.example/users/b", "@_ap_b_oneexample:chat.example.org",
		"https://one.example/users/b/inbox", "https://one.example/inbox")
	c := h.remoteUser("https://two.example/users/c", "@_ap_c_twoexample:chat.example.org",
		"https://two.example/users/c/inbox", "")
	d := h.remoteUser("https://zed.example/users/d", "@_ap_d_zedexample:chat.example.org",
		"https://zed.example/users/d/inbox", "")
	for _, follower := range []*store.User{a, b, c, d} {
		h.driver.follows = append(h.driver.follows, &store.Follow{
			ID: h.driver.id(), FollowerID: follower.ID, FollowingID: sender.ID,
			Status: store.FollowStatusAccepted,
		})
	}

	n, err := h.coord.FanOut(context.Background(), sender.ID, []byte(`{"type":"Create"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, h.deliver.deliveries, 3)

	// the shared inbox enqueues ahead of the personal ones
	assert.Equal(t, "https://one.example/inbox", h.deliver.deliveries[0].InboxURL)
	assert.True(t, h.deliver.deliveries[0].Shared)
	assert.Equal(t, "https://two.example/users/c/inbox", h.deliver.deliveries[1].InboxURL)
	assert.False(t, h.deliver.deliveries[1].Shared)
	assert.Equal(t, "https://zed.example/users/d/inbox", h.deliver.deliveries[2].InboxURL)
	assert.False(t, h.deliver.deliveries[2].Shared)
}

func TestFanOutSkipsBlockedInstance(t *testing.T) {
	h := newHarness(t, Config{})
	sender := h.keyedLocalUser("@erin:chat.example.org")
	follower := h.remoteUser("https://evil.example/users/x", "@_ap_x_evilexample:chat.example.org",
		"https://evil.example/users/x/inbox", "")
	h.driver.follows = append(h.driver.follows, &store.Follow{
		ID: h.driver.id(), FollowerID: follower.ID, FollowingID: sender.ID,
		Status: store.FollowStatusAccepted,
	})
	h.driver.blocks = append(h.driver.blocks, &store.Block{
		ID: h.driver.id(), BlockedInstance: strptr("evil.example"), BlockType: store.BlockTypeInstance,
	})

	n, err := h.coord.FanOut(context.Background(), sender.ID, []byte(`{"type":"Create"}`))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.deliver.deliveries)
}

func TestFanOutIgnoresPendingFollowers(t *testing.T) {
	h := newHarness(t, Config{})
	sender := h.keyedLocalUser("@erin:chat.example.org")
	follower := h.remoteUser("https://one.example/users/a", "@_ap_a_oneexample:chat.example.org",
		"https://one.example/users/a/inbox", "")
	h.driver.follows = append(h.driver.follows, &store.Follow{
		ID: h.driver.id(), FollowerID: follower.ID, FollowingID: sender.ID,
		Status: store.FollowStatusPending,
	})

	n, err := h.coord.FanOut(context.Background(), sender.ID, []byte(`{"type":"Create"}`))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleFollowAutoAccepts(t *testing.T) {
	h := newHarness(t, Config{AutoAcceptFollows: true})
	h.keyedLocalUser("@erin:chat.example.org")
	remote := h.remoteUser("https://remote.example/users/alice", "@_ap_alice_remoteexample:chat.example.org",
		"https://remote.example/users/alice/inbox", "")

	err := h.coord.HandleFollow(context.Background(), &activity.Activity{
		ID:     "https://remote.example/activities/follow-1",
		Type:   activity.TypeFollow,
		Actor:  activity.IRI(*remote.FedActorID),
		Object: json.RawMessage(`"https://bridge.example.org/users/erin"`),
	})
	require.NoError(t, err)

	require.Len(t, h.driver.follows, 1)
	assert.Equal(t, store.FollowStatusAccepted, h.driver.follows[0].Status)
	assert.Equal(t, "https://remote.example/activities/follow-1", *h.driver.follows[0].FedFollowActivityID)

	require.Len(t, h.deliver.deliveries, 1)
	assert.Equal(t, remote.InboxURL, h.deliver.deliveries[0].InboxURL)
	accept := decodeDelivery(t, h.deliver.deliveries[0])
	assert.Equal(t, activity.TypeAccept, accept.Type)
}

func TestHandleFollowStaysPendingWithoutAutoAccept(t *testing.T) {
	h := newHarness(t, Config{AutoAcceptFollows: false})
	h.keyedLocalUser("@erin:chat.example.org")
	remote := h.remoteUser("https://remote.example/users/alice", "@_ap_alice_remoteexample:chat.example.org",
		"https://remote.example/users/alice/inbox", "")

	err := h.coord.HandleFollow(context.Background(), &activity.Activity{
		ID:     "https://remote.example/activities/follow-1",
		Type:   activity.TypeFollow,
		Actor:  activity.IRI(*remote.FedActorID),
		Object: json.RawMessage(`"https://bridge.example.org/users/erin"`),
	})
	require.NoError(t, err)

	require.Len(t, h.driver.follows, 1)
	assert.Equal(t, store.FollowStatusPending, h.driver.follows[0].Status)
	assert.Empty(t, h.deliver.deliveries)
}

func TestHandleFollowRejectsForeignTarget(t *testing.T) {
	h := newHarness(t, Config{AutoAcceptFollows: true})

	err := h.coord.HandleFollow(context.Background(), &activity.Activity{
		ID:     "https://remote.example/activities/follow-1",
		Type:   activity.TypeFollow,
		Actor:  "https://remote.example/users/alice",
		Object: json.RawMessage(`"https://elsewhere.example/users/bob"`),
	})
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindValidation, bridgeerr.KindOf(err))
}

func TestHandleAcceptResolvesPendingFollow(t *testing.T) {
	h := newHarness(t, Config{})
	h.driver.follows = append(h.driver.follows, &store.Follow{
		ID: h.driver.id(), FollowerID: 1, FollowingID: 2,
		FedFollowActivityID: strptr("https://bridge.example.org/activities/follow-abc"),
		Status:              store.FollowStatusPending,
	})

	err := h.coord.HandleAccept(context.Background(), &activity.Activity{
		ID:     "https://remote.example/activities/accept-1",
		Type:   activity.TypeAccept,
		Actor:  "https://remote.example/users/alice",
		Object: json.RawMessage(`{"id":"https://bridge.example.org/activities/follow-abc","type":"Follow"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.FollowStatusAccepted, h.driver.follows[0].Status)
}

func TestResolveRemoteUserPrefersStoredGhost(t *testing.T) {
	h := newHarness(t, Config{})
	known := h.remoteUser("https://remote.example/users/alice",
		appservice.GhostUserID("alice", "remote.example", "chat.example.org"),
		"https://remote.example/users/alice/inbox", "")

	row, err := h.coord.ResolveRemoteUser(context.Background(), "@alice@remote.example")
	require.NoError(t, err)
	assert.Equal(t, known.ID, row.ID)
	assert.Zero(t, h.fed.resolveCalls)
	assert.Zero(t, h.fed.fetchCalls)
}

func TestResolveRemoteUserAdoptsOnFirstContact(t *testing.T) {
	h := newHarness(t, Config{})
	h.fed.handles["alice@remote.example"] = "https://remote.example/users/alice"
	h.fed.actors["https://remote.example/users/alice"] = &activity.Actor{
		ID:                "https://remote.example/users/alice",
		PreferredUsername: "alice",
		Name:              "Alice",
		Inbox:             "https://remote.example/users/alice/inbox",
		Endpoints:         &activity.Endpoints{SharedInbox: "https://remote.example/inbox"},
	}

	row, err := h.coord.ResolveRemoteUser(context.Background(), "@alice@remote.example")
	require.NoError(t, err)
	require.NotNil(t, row.ChatUserID)
	assert.Equal(t, appservice.GhostUserID("alice", "remote.example", "chat.example.org"), *row.ChatUserID)
	assert.Equal(t, "https://remote.example/inbox", row.SharedInboxURL)
	assert.True(t, row.IsGhost)
	assert.Equal(t, 1, h.fed.resolveCalls)
	require.Len(t, h.hs.registered, 1)
	assert.Equal(t, "Alice", h.hs.names[*row.ChatUserID])
}

func TestResolveRemoteUserRefusesBlockedInstance(t *testing.T) {
	h := newHarness(t, Config{})
	h.driver.blocks = append(h.driver.blocks, &store.Block{
		ID: h.driver.id(), BlockedInstance: strptr("evil.example"), BlockType: store.BlockTypeInstance,
	})

	_, err := h.coord.ResolveRemoteUser(context.Background(), "@mallory@evil.example")
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindBlocked, bridgeerr.KindOf(err))
	assert.Zero(t, h.fed.resolveCalls)
}

func TestPropagateRedactionFansOutDelete(t *testing.T) {
	h := newHarness(t, Config{})
	sender := h.keyedLocalUser("@erin:chat.example.org")
	follower := h.remoteUser("https://one.example/users/a", "@_ap_a_oneexample:chat.example.org",
		"https://one.example/users/a/inbox", "")
	h.driver.follows = append(h.driver.follows, &store.Follow{
		ID: h.driver.id(), FollowerID: follower.ID, FollowingID: sender.ID,
		Status: store.FollowStatusAccepted,
	})
	h.driver.mappings = append(h.driver.mappings, &store.MessageMapping{
		ID:          h.driver.id(),
		ChatEventID: strptr("$redacted:chat.example.org"),
		FedObjectID: strptr("https://bridge.example.org/objects/abc"),
		RoomID:      1,
		SenderID:    sender.ID,
	})

	require.NoError(t, h.coord.PropagateRedaction(context.Background(), "$redacted:chat.example.org"))

	assert.Empty(t, h.driver.mappings)
	require.Len(t, h.deliver.deliveries, 1)
	del := decodeDelivery(t, h.deliver.deliveries[0])
	assert.Equal(t, activity.TypeDelete, del.Type)
	assert.Equal(t, "https://bridge.example.org/objects/abc", del.ObjectID())
}

func TestPropagateRedactionOfGhostMessageOnlyDropsMapping(t *testing.T) {
	h := newHarness(t, Config{})
	ghost := h.remoteUser("https://remote.example/users/alice", "@_ap_alice_remoteexample:chat.example.org",
		"https://remote.example/users/alice/inbox", "")
	h.driver.mappings = append(h.driver.mappings, &store.MessageMapping{
		ID:          h.driver.id(),
		ChatEventID: strptr("$ghostmsg:chat.example.org"),
		FedObjectID: strptr("https://remote.example/objects/xyz"),
		RoomID:      1,
		SenderID:    ghost.ID,
	})

	require.NoError(t, h.coord.PropagateRedaction(context.Background(), "$ghostmsg:chat.example.org"))
	assert.Empty(t, h.driver.mappings)
	assert.Empty(t, h.deliver.deliveries)
}

func TestPropagateRedactionIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	sender := h.keyedLocalUser("@erin:chat.example.org")
	follower := h.remoteUser("https://one.example/users/a", "@_ap_a_oneexample:chat.example.org",
		"https://one.example/users/a/inbox", "")
	h.driver.follows = append(h.driver.follows, &store.Follow{
		ID: h.driver.id(), FollowerID: follower.ID, FollowingID: sender.ID,
		Status: store.FollowStatusAccepted,
	})
	h.driver.mappings = append(h.driver.mappings, &store.MessageMapping{
		ID:          h.driver.id(),
		ChatEventID: strptr("$redacted:chat.example.org"),
		FedObjectID: strptr("https://bridge.example.org/objects/abc"),
		RoomID:      1,
		SenderID:    sender.ID,
	})

	require.NoError(t, h.coord.PropagateRedaction(context.Background(), "$redacted:chat.example.org"))
	require.Len(t, h.deliver.deliveries, 1)
	// the mapping is gone; a replayed redaction enqueues nothing more
	require.NoError(t, h.coord.PropagateRedaction(context.Background(), "$redacted:chat.example.org"))
	assert.Len(t, h.deliver.deliveries, 1)
}

func TestPropagateRedactionKeepsMappingWhenFanOutFails(t *testing.T) {
	h := newHarness(t, Config{})
	sender := h.keyedLocalUser("@erin:chat.example.org")
	follower := h.remoteUser("https://one.example/users/a", "@_ap_a_oneexample:chat.example.org",
		"https://one.example/users/a/inbox", "")
	h.driver.follows = append(h.driver.follows, &store.Follow{
		ID: h.driver.id(), FollowerID: follower.ID, FollowingID: sender.ID,
		Status: store.FollowStatusAccepted,
	})
	h.driver.mappings = append(h.driver.mappings, &store.MessageMapping{
		ID:          h.driver.id(),
		ChatEventID: strptr("$redacted:chat.example.org"),
		FedObjectID: strptr("https://bridge.example.org/objects/abc"),
		RoomID:      1,
		SenderID:    sender.ID,
	})

	h.deliver.err = bridgeerr.Database("test.queue_down", "broker unavailable")
	require.Error(t, h.coord.PropagateRedaction(context.Background(), "$redacted:chat.example.org"))
	// the mapping survives the failed fan-out so a retry can still find it
	require.Len(t, h.driver.mappings, 1)

	h.deliver.err = nil
	require.NoError(t, h.coord.PropagateRedaction(context.Background(), "$redacted:chat.example.org"))
	assert.Empty(t, h.driver.mappings)
	require.Len(t, h.deliver.deliveries, 1)
	del := decodeDelivery(t, h.deliver.deliveries[0])
	assert.Equal(t, activity.TypeDelete, del.Type)
}

func TestBlockRemoteIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.keyedLocalUser("@erin:chat.example.org")
	remote := h.remoteUser("https://remote.example/users/alice",
		appservice.GhostUserID("alice", "remote.example", "chat.example.org"),
		"https://remote.example/users/alice/inbox", "")

	require.NoError(t, h.coord.BlockRemote(context.Background(), "@erin:chat.example.org", "@alice@remote.example", "spam"))
	require.NoError(t, h.coord.BlockRemote(context.Background(), "@erin:chat.example.org", "@alice@remote.example", "spam"))

	require.Len(t, h.driver.blocks, 1)
	assert.Equal(t, store.BlockTypeUser, h.driver.blocks[0].BlockType)
	require.NotNil(t, h.driver.blocks[0].BlockedUserID)
	assert.Equal(t, remote.ID, *h.driver.blocks[0].BlockedUserID)
	// only the first call notifies the remote server
	require.Len(t, h.deliver.deliveries, 1)
	block := decodeDelivery(t, h.deliver.deliveries[0])
	assert.Equal(t, activity.TypeBlock, block.Type)
}

func TestHandleDeleteRedactsMappedEvent(t *testing.T) {
	h := newHarness(t, Config{})
	ghost := h.remoteUser("https://remote.example/users/alice", "@_ap_alice_remoteexample:chat.example.org",
		"https://remote.example/users/alice/inbox", "")
	room := &store.Room{ID: h.driver.id(), ChatRoomID: "!room:chat.example.org", RoomType: store.RoomTypePublic}
	h.driver.rooms = append(h.driver.rooms, room)
	h.driver.mappings = append(h.driver.mappings, &store.MessageMapping{
		ID:          h.driver.id(),
		ChatEventID: strptr("$mirrored:chat.example.org"),
		FedObjectID: strptr("https://remote.example/objects/xyz"),
		RoomID:      room.ID,
		SenderID:    ghost.ID,
	})

	err := h.coord.HandleDelete(context.Background(), &activity.Activity{
		ID:     "https://remote.example/activities/delete-1",
		Type:   activity.TypeDelete,
		Actor:  activity.IRI(*ghost.FedActorID),
		Object: json.RawMessage(`{"id":"https://remote.example/objects/xyz","type":"Tombstone"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"$mirrored:chat.example.org"}, h.hs.redacted)
	assert.Empty(t, h.driver.mappings)
}

func TestHandleDeleteOfActorPurgesUser(t *testing.T) {
	h := newHarness(t, Config{})
	ghost := h.remoteUser("https://remote.example/users/alice", "@_ap_alice_remoteexample:chat.example.org",
		"https://remote.example/users/alice/inbox", "")
	h.driver.follows = append(h.driver.follows, &store.Follow{
		ID: h.driver.id(), FollowerID: ghost.ID, FollowingID: 99,
		Status: store.FollowStatusAccepted,
	})
	h.driver.mappings = append(h.driver.mappings, &store.MessageMapping{
		ID:          h.driver.id(),
		FedObjectID: strptr("https://remote.example/objects/xyz"),
		RoomID:      1,
		SenderID:    ghost.ID,
	})

	err := h.coord.HandleDelete(context.Background(), &activity.Activity{
		ID:     "https://remote.example/activities/delete-actor",
		Type:   activity.TypeDelete,
		Actor:  activity.IRI(*ghost.FedActorID),
		Object: json.RawMessage(`"https://remote.example/users/alice"`),
	})
	require.NoError(t, err)
	assert.Empty(t, h.driver.users)
	assert.Empty(t, h.driver.follows)
	assert.Empty(t, h.driver.mappings)
}

func TestHandleFlagRecordsReportAndNotifiesAdminRoom(t *testing.T) {
	h := newHarness(t, Config{AdminRoomID: "!admin:chat.example.org"})
	h.keyedLocalUser("@erin:chat.example.org")
	h.remoteUser("https://remote.example/users/alice", "@_ap_alice_remoteexample:chat.example.org",
		"https://remote.example/users/alice/inbox", "")

	err := h.coord.HandleFlag(context.Background(), &activity.Activity{
		ID:      "https://remote.example/activities/flag-1",
		Type:    activity.TypeFlag,
		Actor:   "https://remote.example/users/alice",
		Object:  json.RawMessage(`["https://bridge.example.org/users/erin","https://bridge.example.org/objects/abc"]`),
		Content: "spam",
	})
	require.NoError(t, err)

	require.Len(t, h.driver.reports, 1)
	report := h.driver.reports[0]
	assert.Equal(t, store.ReportDirectionInbound, report.Direction)
	assert.Equal(t, "spam", report.Reason)
	require.NotNil(t, report.FedObjectID)
	assert.Equal(t, "https://bridge.example.org/objects/abc", *report.FedObjectID)

	require.Len(t, h.hs.notices, 1)
	assert.Contains(t, h.hs.notices[0], "@erin:chat.example.org")
	assert.Contains(t, h.hs.notices[0], "spam")
}

func TestFollowDeliversPendingFollow(t *testing.T) {
	h := newHarness(t, Config{})
	h.keyedLocalUser("@erin:chat.example.org")
	remote := h.remoteUser("https://remote.example/users/alice",
		appservice.GhostUserID("alice", "remote.example", "chat.example.org"),
		"https://remote.example/users/alice/inbox", "")

	require.NoError(t, h.coord.Follow(context.Background(), "@erin:chat.example.org", "@alice@remote.example"))

	require.Len(t, h.driver.follows, 1)
	assert.Equal(t, store.FollowStatusPending, h.driver.follows[0].Status)
	require.Len(t, h.deliver.deliveries, 1)
	assert.Equal(t, remote.InboxURL, h.deliver.deliveries[0].InboxURL)
	follow := decodeDelivery(t, h.deliver.deliveries[0])
	assert.Equal(t, activity.TypeFollow, follow.Type)
	assert.Equal(t, *h.driver.follows[0].FedFollowActivityID, follow.ID)
}

func TestHandleUndoFollowDeletesEdge(t *testing.T) {
	h := newHarness(t, Config{})
	local := h.keyedLocalUser("@erin:chat.example.org")
	remote := h.remoteUser("https://remote.example/users/alice", "@_ap_alice_remoteexample:chat.example.org",
		"https://remote.example/users/alice/inbox", "")
	h.driver.follows = append(h.driver.follows, &store.Follow{
		ID: h.driver.id(), FollowerID: remote.ID, FollowingID: local.ID,
		FedFollowActivityID: strptr("https://remote.example/activities/follow-1"),
		Status:              store.FollowStatusAccepted,
	})

	err := h.coord.HandleUndo(context.Background(), &activity.Activity{
		ID:     "https://remote.example/activities/undo-1",
		Type:   activity.TypeUndo,
		Actor:  activity.IRI(*remote.FedActorID),
		Object: json.RawMessage(`{"id":"https://remote.example/activities/follow-1","type":"Follow","actor":"https://remote.example/users/alice","object":"https://bridge.example.org/users/erin"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, h.driver.follows)
}
