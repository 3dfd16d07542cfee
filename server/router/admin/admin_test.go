package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/circuit"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

type fakeDriver struct {
	store.Driver

	blocks      []*store.Block
	deadLetters []*store.DeadLetter
	nextID      int64
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
		out = append(out, b)
	}
	return out, nil
}

func (d *fakeDriver) CreateBlock(_ context.Context, create *store.Block) (*store.Block, error) {
	d.nextID++
	create.ID = d.nextID
	d.blocks = append(d.blocks, create)
	return create, nil
}

func (d *fakeDriver) DeleteBlock(_ context.Context, del *store.DeleteBlock) error {
	kept := d.blocks[:0]
	for _, b := range d.blocks {
		if del.BlockedInstance != nil && b.BlockedInstance != nil && *b.BlockedInstance == *del.BlockedInstance {
			continue
		}
		kept = append(kept, b)
	}
	d.blocks = kept
	return nil
}

func (d *fakeDriver) ListDeadLetters(_ context.Context, find *store.FindDeadLetter) ([]*store.DeadLetter, error) {
	out := []*store.DeadLetter{}
	for _, l := range d.deadLetters {
		if find.ID != nil && l.ID != *find.ID {
			continue
		}
		if find.Queue != nil && l.Queue != *find.Queue {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (d *fakeDriver) DeleteDeadLetter(_ context.Context, del *store.DeleteDeadLetter) error {
	kept := d.deadLetters[:0]
	for _, l := range d.deadLetters {
		if del.ID != nil && l.ID == *del.ID {
			continue
		}
		kept = append(kept, l)
	}
	d.deadLetters = kept
	return nil
}

type fakeRequeuer struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeRequeuer) Requeue(_ context.Context, subject string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakePuppeteer struct {
	enabled  map[string]string
	disabled []string
	err      error
}

func (f *fakePuppeteer) EnableDoublePuppet(_ context.Context, actorURL, accessToken string) error {
	if f.err != nil {
		return f.err
	}
	if f.enabled == nil {
		f.enabled = map[string]string{}
	}
	f.enabled[actorURL] = accessToken
	return nil
}

func (f *fakePuppeteer) DisableDoublePuppet(_ context.Context, actorURL string) error {
	if f.err != nil {
		return f.err
	}
	f.disabled = append(f.disabled, actorURL)
	return nil
}

const testSecret = "admin-test-secret"

type testEnv struct {
	e         *echo.Echo
	driver    *fakeDriver
	requeuer  *fakeRequeuer
	puppeteer *fakePuppeteer
	breaker   *circuit.Breaker
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	instanceProfile := &profile.Profile{Mode: "dev", AdminSecret: secret}
	env := &testEnv{
		driver:    &fakeDriver{},
		requeuer:  &fakeRequeuer{},
		puppeteer: &fakePuppeteer{},
		breaker:   circuit.New(3, time.Minute),
	}
	st := store.New(env.driver, instanceProfile)
	svc := NewAdminService(instanceProfile, st, &Options{
		Queue:       env.requeuer,
		Coordinator: env.puppeteer,
		Breaker:     env.breaker,
	})
	env.e = echo.New()
	svc.RegisterRoutes(env.e)
	return env
}

func (env *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	token, err := MintToken(testSecret, time.Minute)
	require.NoError(t, err)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)

	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func TestRoutesAbsentWithoutSecret(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/circuits", nil)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequireTokenRejectsMissing(t *testing.T) {
	env := newTestEnv(t, testSecret)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/circuits", nil)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireTokenRejectsForeignSignature(t *testing.T) {
	env := newTestEnv(t, testSecret)
	token, err := MintToken("a-different-secret", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/circuits", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireTokenRejectsExpired(t *testing.T) {
	env := newTestEnv(t, testSecret)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/circuits", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMintTokenAuthorizesRequests(t *testing.T) {
	env := newTestEnv(t, testSecret)
	rec := env.do(t, http.MethodGet, "/admin/v1/circuits", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInstanceBlockLifecycle(t *testing.T) {
	env := newTestEnv(t, testSecret)

	rec := env.do(t, http.MethodPost, "/admin/v1/instance-blocks", `{"host":"Spam.Example","reason":"spam waves"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/v1/instance-blocks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := []map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "spam.example", views[0]["host"], "hosts are stored lowercased")
	assert.Equal(t, "spam waves", views[0]["reason"])

	rec = env.do(t, http.MethodDelete, "/admin/v1/instance-blocks/spam.example", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/v1/instance-blocks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestInstanceBlockRejectsBadHost(t *testing.T) {
	env := newTestEnv(t, testSecret)
	for _, host := range []string{"", "spam.example/path", "user@spam.example", "spam host"} {
		body, err := json.Marshal(map[string]string{"host": host})
		require.NoError(t, err)
		rec := env.do(t, http.MethodPost, "/admin/v1/instance-blocks", string(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "host %q", host)
	}
}

func TestInstanceBlockConflict(t *testing.T) {
	env := newTestEnv(t, testSecret)

	rec := env.do(t, http.MethodPost, "/admin/v1/instance-blocks", `{"host":"spam.example"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodPost, "/admin/v1/instance-blocks", `{"host":"spam.example"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, env.driver.blocks, 1)
}

func TestDeadLetterList(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.driver.deadLetters = []*store.DeadLetter{
		{ID: 1, Queue: "BRIDGE.deliver.remote.example", LastError: "503", Attempts: 6, CreatedTs: 100},
		{ID: 2, Queue: "BRIDGE.translate_in", LastError: "bad actor", Attempts: 6, CreatedTs: 200},
	}

	rec := env.do(t, http.MethodGet, "/admin/v1/dead-letters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := []deadLetterView{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "503", views[0].LastError)
	assert.Equal(t, int64(2), views[1].ID)
}

func TestDeadLetterRequeue(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.driver.deadLetters = []*store.DeadLetter{
		{ID: 7, Queue: "BRIDGE.deliver.remote.example", Payload: []byte(`{"job":true}`), Attempts: 6},
	}

	rec := env.do(t, http.MethodPost, "/admin/v1/dead-letters/7/requeue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requeued":7}`, rec.Body.String())
	require.Len(t, env.requeuer.subjects, 1)
	assert.Equal(t, "BRIDGE.deliver.remote.example", env.requeuer.subjects[0])
	assert.Equal(t, `{"job":true}`, string(env.requeuer.payloads[0]))
	assert.Empty(t, env.driver.deadLetters, "requeued letters leave the table")
}

func TestDeadLetterRequeueUnknown(t *testing.T) {
	env := newTestEnv(t, testSecret)
	rec := env.do(t, http.MethodPost, "/admin/v1/dead-letters/99/requeue", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterRequeueRejectsUnroutableSubject(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.driver.deadLetters = []*store.DeadLetter{
		{ID: 7, Queue: "legacy.subject", Payload: []byte(`{}`)},
	}
	env.requeuer.err = bridgeerr.Validation("queue.unroutable", "subject does not belong to the stream")

	rec := env.do(t, http.MethodPost, "/admin/v1/dead-letters/7/requeue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, env.driver.deadLetters, 1, "failed requeues keep the letter")
}

func TestDeadLetterDelete(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.driver.deadLetters = []*store.DeadLetter{{ID: 7, Queue: "BRIDGE.translate_in"}}

	rec := env.do(t, http.MethodDelete, "/admin/v1/dead-letters/7", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.driver.deadLetters)
}

func TestCircuitsReportsOpenHosts(t *testing.T) {
	env := newTestEnv(t, testSecret)
	for i := 0; i < 3; i++ {
		env.breaker.RecordFailure("down.example")
	}
	env.breaker.RecordFailure("flaky.example")

	rec := env.do(t, http.MethodGet, "/admin/v1/circuits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := []circuitView{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "down.example", views[0].Host)
	assert.Equal(t, 3, views[0].FailureCount)
	assert.NotNil(t, views[0].OpensUntil)
	assert.Equal(t, "flaky.example", views[1].Host)
	assert.Nil(t, views[1].OpensUntil)
}

func TestDoublePuppetEnable(t *testing.T) {
	env := newTestEnv(t, testSecret)

	rec := env.do(t, http.MethodPost, "/admin/v1/double-puppet",
		`{"actorUrl":"https://remote.example/users/alice","accessToken":"syt_xyz"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "syt_xyz", env.puppeteer.enabled["https://remote.example/users/alice"])

	rec = env.do(t, http.MethodPost, "/admin/v1/double-puppet", `{"accessToken":"syt_xyz"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDoublePuppetEnableSurfacesErrorKind(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.puppeteer.err = bridgeerr.NotFound("coordinator.unknown_actor", "no bridged user for actor")

	rec := env.do(t, http.MethodPost, "/admin/v1/double-puppet",
		`{"actorUrl":"https://remote.example/users/alice","accessToken":"syt_xyz"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDoublePuppetDisable(t *testing.T) {
	env := newTestEnv(t, testSecret)

	rec := env.do(t, http.MethodDelete, "/admin/v1/double-puppet?actor=https%3A%2F%2Fremote.example%2Fusers%2Falice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://remote.example/users/alice"}, env.puppeteer.disabled)

	rec = env.do(t, http.MethodDelete, "/admin/v1/double-puppet", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
