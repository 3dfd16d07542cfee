package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/signature"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
)

var testKey = mustGenerateKey()

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

func testClient() *Client {
	return New(Options{AllowPrivate: true, Timeout: 5 * time.Second})
}

func serverHost(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestResolveHandle(t *testing.T) {
	var gotResource string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/webfinger", r.URL.Path)
		gotResource = r.URL.Query().Get("resource")
		w.Header().Set("Content-Type", activity.ContentTypeJRD)
		_ = json.NewEncoder(w).Encode(activity.WebFinger{
			Subject: gotResource,
			Links: []activity.WebFingerLink{
				{Rel: "self", Type: activity.ContentType, Href: "https://remote.example/users/alice"},
			},
		})
	}))
	defer srv.Close()

	host := serverHost(t, srv)
	actorURL, err := testClient().ResolveHandle(context.Background(), "alice", host)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/users/alice", actorURL)
	assert.Equal(t, "acct:alice@"+host, gotResource)
}

func TestResolveHandleMissingSelfLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(activity.WebFinger{Subject: "acct:x@y"})
	}))
	defer srv.Close()

	_, err := testClient().ResolveHandle(context.Background(), "alice", serverHost(t, srv))
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindNotFound, bridgeerr.KindOf(err))
}

func TestResolveHandleUnknownUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testClient().ResolveHandle(context.Background(), "nobody", serverHost(t, srv))
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindNotFound, bridgeerr.KindOf(err))
}

func TestFetchActor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept"), "activity+json")
		assert.Contains(t, r.Header.Get("User-Agent"), "fedbridge/")
		w.Header().Set("Content-Type", activity.ContentType)
		_ = json.NewEncoder(w).Encode(activity.Actor{
			ID:                "https://remote.example/users/alice",
			Type:              activity.ActorPerson,
			PreferredUsername: "alice",
			Inbox:             "https://remote.example/users/alice/inbox",
			Endpoints:         &activity.Endpoints{SharedInbox: "https://remote.example/inbox"},
		})
	}))
	defer srv.Close()

	actor, err := testClient().FetchActor(context.Background(), srv.URL+"/users/alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.PreferredUsername)
	assert.Equal(t, "https://remote.example/inbox", actor.SharedInboxOrInbox())
}

func TestFetchActorRejectsDocumentWithoutInbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "https://remote.example/users/alice"})
	}))
	defer srv.Close()

	_, err := testClient().FetchActor(context.Background(), srv.URL+"/users/alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lacks id or inbox")
}

func TestFetchKeyReadsActorKey(t *testing.T) {
	pubDER, err := x509.MarshalPKIXPublicKey(&testKey.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(activity.Actor{
			ID:        "https://remote.example/users/alice",
			Inbox:     "https://remote.example/users/alice/inbox",
			PublicKey: &activity.PublicKey{ID: "https://remote.example/users/alice#main-key", PublicKeyPem: pubPEM},
		})
	}))
	defer srv.Close()

	pemText, err := testClient().FetchKey(context.Background(), srv.URL+"/users/alice#main-key")
	require.NoError(t, err)
	assert.Equal(t, pubPEM, pemText)
	// The fragment must not reach the remote server.
	assert.Equal(t, "/users/alice", gotPath)
}

func TestDeliverSignsRequest(t *testing.T) {
	payload := []byte(`{"id":"https://bridge.example/activities/create-1","type":"Create"}`)

	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, activity.ContentType, r.Header.Get("Content-Type"))

		fetcher := staticFetcher(publicPEMFor(t, testKey))
		v := signature.NewVerifier(fetcher)
		body := readAll(t, r)
		_, err := v.Verify(r.Context(), r, body)
		require.NoError(t, err)
		verified = true
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := testClient().Deliver(context.Background(), srv.URL+"/inbox", payload,
		"https://bridge.example/users/bob#main-key", testKey)
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestDeliverClassifiesResponses(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		kind      bridgeerr.Kind
	}{
		{http.StatusInternalServerError, true, bridgeerr.KindFederation},
		{http.StatusBadGateway, true, bridgeerr.KindFederation},
		{http.StatusRequestTimeout, true, bridgeerr.KindFederation},
		{http.StatusForbidden, false, bridgeerr.KindValidation},
		{http.StatusBadRequest, false, bridgeerr.KindValidation},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		err := testClient().Deliver(context.Background(), srv.URL+"/inbox", []byte(`{}`), "k", testKey)
		srv.Close()

		require.Error(t, err, tc.status)
		assert.Equal(t, tc.kind, bridgeerr.KindOf(err), "status %d", tc.status)
		assert.Equal(t, tc.retryable, bridgeerr.Retryable(err), "status %d", tc.status)
	}
}

func TestDeliverHonorsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := testClient().Deliver(context.Background(), srv.URL+"/inbox", []byte(`{}`), "k", testKey)
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindRateLimit, bridgeerr.KindOf(err))
	assert.True(t, bridgeerr.Retryable(err))

	var be *bridgeerr.Error
	require.ErrorAs(t, err, &be)
	assert.EqualValues(t, (2 * time.Minute).Milliseconds(), be.Details["retry_after_ms"])
}

func TestDownloadCapsSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	data, mime, err := testClient().Download(context.Background(), srv.URL+"/img.png", 4096)
	require.NoError(t, err)
	assert.Len(t, data, 2048)
	assert.Equal(t, "image/png", mime)

	_, _, err = testClient().Download(context.Background(), srv.URL+"/img.png", 1024)
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindValidation, bridgeerr.KindOf(err))
}

func TestValidateTargetBlocksInternalDestinations(t *testing.T) {
	c := New(Options{})

	for _, raw := range []string{
		"http://remote.example/inbox",
		"https://localhost/inbox",
		"https://svc.internal/inbox",
		"https://printer.local/inbox",
		"https://127.0.0.1/inbox",
		"https://10.8.0.1/inbox",
		"https://192.168.1.20/inbox",
		"https://[::1]/inbox",
		"https://169.254.169.254/latest/meta-data",
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		err = c.validateTarget(u)
		require.Error(t, err, raw)
		assert.Equal(t, bridgeerr.KindValidation, bridgeerr.KindOf(err), raw)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 90*time.Second, parseRetryAfter("90"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 50*time.Second)
}

// helpers

type staticFetcher string

func (f staticFetcher) FetchKey(_ context.Context, _ string) (string, error) {
	return string(f), nil
}

func publicPEMFor(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func readAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return data
}
