package fed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/policy"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/ratelimit"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/queue"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

type fakeDriver struct {
	store.Driver

	users         []*store.User
	mappings      []*store.MessageMapping
	follows       []*store.Follow
	followerUsers []*store.User
	blocks        []*store.Block
	userCount     int64
}

func (d *fakeDriver) ListUsers(_ context.Context, find *store.FindUser) ([]*store.User, error) {
	out := []*store.User{}
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

func (d *fakeDriver) CountUsers(context.Context) (int64, error) {
	return d.userCount, nil
}

func (d *fakeDriver) CountMessageMappings(_ context.Context, _ *store.FindMessageMapping) (int64, error) {
	return int64(len(d.mappings)), nil
}

func (d *fakeDriver) ListMessageMappings(_ context.Context, find *store.FindMessageMapping) ([]*store.MessageMapping, error) {
	out := d.mappings
	if find.Offset != nil {
		if *find.Offset >= len(out) {
			return nil, nil
		}
		out = out[*find.Offset:]
	}
	if find.Limit != nil && *find.Limit < len(out) {
		out = out[:*find.Limit]
	}
	return out, nil
}

func (d *fakeDriver) CountFollows(_ context.Context, _ *store.FindFollow) (int64, error) {
	return int64(len(d.follows)), nil
}

func (d *fakeDriver) ListFollows(_ context.Context, _ *store.FindFollow) ([]*store.Follow, error) {
	return d.follows, nil
}

func (d *fakeDriver) ListFollowerUsers(_ context.Context, _ *store.FindFollowerUsers) ([]*store.User, error) {
	return d.followerUsers, nil
}

func (d *fakeDriver) ListBlocks(_ context.Context, find *store.FindBlock) ([]*store.Block, error) {
	out := []*store.Block{}
	for _, b := range d.blocks {
		if find.BlockType != nil && b.BlockType != *find.BlockType {
			continue
		}
		if find.BlockedInstance != nil && (b.BlockedInstance == nil || *b.BlockedInstance != *find.BlockedInstance) {
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
		out = append(out, b)
	}
	return out, nil
}

type fakeEnqueuer struct {
	jobs []*queue.TranslateInJob
	err  error
}

func (f *fakeEnqueuer) EnqueueTranslateIn(_ context.Context, job *queue.TranslateInJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeVerifier struct {
	keyID string
	err   error
}

func (f *fakeVerifier) Verify(context.Context, *http.Request, []byte) (string, error) {
	return f.keyID, f.err
}

type fakeActors struct {
	user *store.User
	err  error
}

func (f *fakeActors) EnsureLocalUser(context.Context, string) (*store.User, error) {
	return f.user, f.err
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		Mode:              "dev",
		LocalDomain:       "chat.example.org",
		FedBaseURL:        "https://bridge.example.org",
		FedDomain:         "bridge.example.org",
		Version:           "0.1.0",
		RateLimitPerMin:   100,
		AutoAcceptFollows: true,
	}
}

type testEnv struct {
	e        *echo.Echo
	service  *FedService
	driver   *fakeDriver
	enqueuer *fakeEnqueuer
	verifier *fakeVerifier
	actors   *fakeActors
}

func newTestEnv(t *testing.T, instanceProfile *profile.Profile) *testEnv {
	t.Helper()
	driver := &fakeDriver{}
	st := store.New(driver, instanceProfile)
	pol, err := policy.NewEngine(policy.Config{}, st)
	require.NoError(t, err)

	env := &testEnv{
		driver:   driver,
		enqueuer: &fakeEnqueuer{},
		verifier: &fakeVerifier{keyID: "https://remote.example/users/alice#main-key"},
		actors:   &fakeActors{},
	}
	env.service = NewFedService(instanceProfile, st, &Options{
		Queue:    env.enqueuer,
		Actors:   env.actors,
		Verifier: env.verifier,
		Policy:   pol,
		Limiter:  ratelimit.New(instanceProfile.RateLimitPerMin),
	})
	env.e = echo.New()
	env.service.RegisterRoutes(env.e)
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func TestServableUsernameRejectsGhosts(t *testing.T) {
	env := newTestEnv(t, testProfile())
	assert.True(t, env.service.servableUsername("erin"))
	assert.False(t, env.service.servableUsername(""))
	assert.False(t, env.service.servableUsername("_ap_alice_remote.example"))
}

func TestMediaProxyDisabledWithoutGateway(t *testing.T) {
	env := newTestEnv(t, testProfile())
	rec := env.do(httptest.NewRequest(http.MethodGet, "/media/bWVkaWE/aWQ", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
