package signature

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
)

// 2048 bits keeps the suite fast; production keys are 4096.
var (
	testKey    = mustGenerateKey()
	testKeyPEM = mustPublicPEM(testKey)
)

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

func mustPublicPEM(key *rsa.PrivateKey) string {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		panic(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func digestFor(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

type fakeFetcher struct {
	pem   string
	calls int
}

func (f *fakeFetcher) FetchKey(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.pem, nil
}

const (
	testKeyID = "https://remote.example/users/alice#main-key"
	testDate  = "Thu, 01 Jan 2026 12:00:00 GMT"
)

func verifierAt(at time.Time, fetcher KeyFetcher) *Verifier {
	v := NewVerifier(fetcher)
	v.SetClock(func() time.Time { return at })
	return v
}

func TestSignProducesDeclaredHeaderOrder(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	req := httptest.NewRequest("POST", "https://bridge.example/inbox", nil)
	require.NoError(t, Sign(req, body, testKeyID, testKey))

	sig := req.Header.Get("Signature")
	assert.Contains(t, sig, `keyId="`+testKeyID+`"`)
	assert.Contains(t, sig, `algorithm="rsa-sha256"`)
	assert.Contains(t, sig, `headers="(request-target) host date digest"`)
	assert.NotEmpty(t, req.Header.Get("Date"))
	assert.Equal(t, digestFor(body), req.Header.Get("Digest"))
}

func TestSignOmitsDigestForEmptyBody(t *testing.T) {
	req := httptest.NewRequest("GET", "https://remote.example/users/alice", nil)
	require.NoError(t, Sign(req, nil, testKeyID, testKey))

	assert.Empty(t, req.Header.Get("Digest"))
	assert.Contains(t, req.Header.Get("Signature"), `headers="(request-target) host date"`)
}

func TestVerifyHappyPathUsesCache(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	fetcher := &fakeFetcher{pem: testKeyPEM}
	v := verifierAt(time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC), fetcher)

	req := httptest.NewRequest("POST", "https://bridge.example/users/bob/inbox", nil)
	req.Header.Set("Date", testDate)
	require.NoError(t, Sign(req, body, testKeyID, testKey))

	keyID, err := v.Verify(context.Background(), req, body)
	require.NoError(t, err)
	assert.Equal(t, testKeyID, keyID)
	assert.Equal(t, 1, fetcher.calls)

	// Cache hit: a second request signed by the same key skips the fetch.
	req2 := httptest.NewRequest("POST", "https://bridge.example/users/bob/inbox", nil)
	req2.Header.Set("Date", testDate)
	require.NoError(t, Sign(req2, body, testKeyID, testKey))

	_, err = v.Verify(context.Background(), req2, body)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls, "cache hit must not refetch")
}

func TestVerifyRejectsClockSkewBeforeKeyFetch(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	fetcher := &fakeFetcher{pem: testKeyPEM}
	v := verifierAt(time.Date(2026, 1, 1, 12, 0, 45, 0, time.UTC), fetcher)

	req := httptest.NewRequest("POST", "https://bridge.example/users/bob/inbox", nil)
	req.Header.Set("Date", testDate)
	require.NoError(t, Sign(req, body, testKeyID, testKey))

	_, err := v.Verify(context.Background(), req, body)
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindSignature, bridgeerr.KindOf(err))
	assert.Equal(t, 0, fetcher.calls, "skewed requests must not cost a fetch")
}

func TestVerifySkewBoundary(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	fetcher := &fakeFetcher{pem: testKeyPEM}

	verifyAt := func(at time.Time) error {
		v := verifierAt(at, fetcher)
		req := httptest.NewRequest("POST", "https://bridge.example/inbox", nil)
		req.Header.Set("Date", testDate)
		require.NoError(t, Sign(req, body, testKeyID, testKey))
		_, err := v.Verify(context.Background(), req, body)
		return err
	}

	// Exactly 30 s is rejected, in either direction.
	assert.Error(t, verifyAt(time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)))
	assert.Error(t, verifyAt(time.Date(2026, 1, 1, 11, 59, 30, 0, time.UTC)))
	assert.NoError(t, verifyAt(time.Date(2026, 1, 1, 12, 0, 29, 0, time.UTC)))
	assert.NoError(t, verifyAt(time.Date(2026, 1, 1, 11, 59, 31, 0, time.UTC)))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	fetcher := &fakeFetcher{pem: testKeyPEM}
	v := verifierAt(time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC), fetcher)

	req := httptest.NewRequest("POST", "https://bridge.example/inbox", nil)
	req.Header.Set("Date", testDate)
	require.NoError(t, Sign(req, body, testKeyID, testKey))

	_, err := v.Verify(context.Background(), req, []byte(`{"id":"tampered"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest")
	assert.Equal(t, 0, fetcher.calls, "digest mismatch must not cost a fetch")
}

func TestVerifyEvictsKeyOnFailure(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	wrongKey := mustGenerateKey()
	fetcher := &fakeFetcher{pem: mustPublicPEM(wrongKey)}
	v := verifierAt(time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC), fetcher)

	req := httptest.NewRequest("POST", "https://bridge.example/inbox", nil)
	req.Header.Set("Date", testDate)
	require.NoError(t, Sign(req, body, testKeyID, testKey))

	// Fetched key does not match the signature: fail and evict.
	_, err := v.Verify(context.Background(), req, body)
	require.Error(t, err)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 0, v.CachedKeys(), "failed verification evicts the cached key")

	// The remote rotated to the key we actually signed with; the next
	// request refetches and verifies.
	fetcher.pem = testKeyPEM
	req2 := httptest.NewRequest("POST", "https://bridge.example/inbox", nil)
	req2.Header.Set("Date", testDate)
	require.NoError(t, Sign(req2, body, testKeyID, testKey))

	_, err = v.Verify(context.Background(), req2, body)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestVerifyAcceptsAbsentDigestForEmptyBody(t *testing.T) {
	fetcher := &fakeFetcher{pem: testKeyPEM}
	v := verifierAt(time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC), fetcher)

	req := httptest.NewRequest("GET", "https://bridge.example/users/bob", nil)
	req.Header.Set("Date", testDate)
	require.NoError(t, Sign(req, nil, testKeyID, testKey))

	_, err := v.Verify(context.Background(), req, nil)
	assert.NoError(t, err)
}

func TestVerifySupportsRSASHA512(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	fetcher := &fakeFetcher{pem: testKeyPEM}
	v := verifierAt(time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC), fetcher)

	// Built by hand; Sign always emits rsa-sha256.
	req := httptest.NewRequest("POST", "https://bridge.example/inbox", nil)
	req.Header.Set("Date", testDate)
	req.Header.Set("Digest", digestFor(body))
	signingString, err := buildSigningString(req, []string{requestTarget, "host", "date", "digest"})
	require.NoError(t, err)
	hashed := sha512.Sum512([]byte(signingString))
	rawSig, err := rsa.SignPKCS1v15(rand.Reader, testKey, crypto.SHA512, hashed[:])
	require.NoError(t, err)
	req.Header.Set("Signature", fmt.Sprintf(
		`keyId=%q, algorithm="rsa-sha512", headers="(request-target) host date digest", signature=%q`,
		testKeyID, base64.StdEncoding.EncodeToString(rawSig),
	))

	_, err = v.Verify(context.Background(), req, body)
	assert.NoError(t, err)
}

func TestVerifyRejectsUnknownAlgorithm(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	fetcher := &fakeFetcher{pem: testKeyPEM}
	v := verifierAt(time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC), fetcher)

	req := httptest.NewRequest("POST", "https://bridge.example/inbox", nil)
	req.Header.Set("Date", testDate)
	require.NoError(t, Sign(req, body, testKeyID, testKey))
	req.Header.Set("Signature",
		strings.Replace(req.Header.Get("Signature"), "rsa-sha256", "hmac-sha256", 1))

	_, err := v.Verify(context.Background(), req, body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "algorithm")
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	v := NewVerifier(&fakeFetcher{pem: testKeyPEM})

	for name, header := range map[string]string{
		"empty":        "",
		"no keyId":     `algorithm="rsa-sha256", headers="date", signature="aGk="`,
		"no signature": `keyId="https://x#main-key", headers="date"`,
		"bad base64":   `keyId="https://x#main-key", signature="%%%"`,
	} {
		req := httptest.NewRequest("POST", "https://bridge.example/inbox", nil)
		if header != "" {
			req.Header.Set("Signature", header)
		}
		_, err := v.Verify(context.Background(), req, nil)
		assert.Error(t, err, name)
	}
}

func TestKeyPairRoundTrip(t *testing.T) {
	privPEM, pubPEM, err := EncodeKeyPair(testKey)
	require.NoError(t, err)

	priv, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)
	assert.True(t, priv.Equal(testKey))

	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&testKey.PublicKey))
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePrivateKey("not a pem")
	assert.Error(t, err)
	_, err = ParsePublicKey("-----BEGIN PUBLIC KEY-----\naGk=\n-----END PUBLIC KEY-----")
	assert.Error(t, err)
}

func TestOwnerURLStripsFragment(t *testing.T) {
	assert.Equal(t, "https://remote.example/users/alice", OwnerURL(testKeyID))
	assert.Equal(t, "https://remote.example/users/alice", OwnerURL("https://remote.example/users/alice"))
	assert.Equal(t, testKeyID, KeyID("https://remote.example/users/alice"))
}
