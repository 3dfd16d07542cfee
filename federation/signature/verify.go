package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/cache"
)

const (
	// MaxClockSkew bounds |now - Date| for inbound requests. A skew of
	// exactly this value is rejected.
	MaxClockSkew = 30 * time.Second

	keyCacheTTL  = time.Hour
	keyCacheSize = 1024
)

// KeyFetcher resolves a key id to its PEM-encoded public key, normally by
// fetching the actor document the key id points into.
type KeyFetcher interface {
	FetchKey(ctx context.Context, keyID string) (string, error)
}

// Verifier checks inbound request signatures. Parsed keys are cached for an
// hour and evicted whenever verification fails, so a rotated remote key
// costs one failed request instead of an hour of 401s.
type Verifier struct {
	fetcher KeyFetcher
	cache   *cache.LRUCache[string, *rsa.PublicKey]
	now     func() time.Time
}

func NewVerifier(fetcher KeyFetcher) *Verifier {
	return &Verifier{
		fetcher: fetcher,
		cache:   cache.NewLRUCache[string, *rsa.PublicKey](keyCacheSize, keyCacheTTL),
		now:     time.Now,
	}
}

// SetClock overrides time for tests.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
	v.cache.SetClock(now)
}

// CachedKeys reports the key cache size, exposed as a gauge.
func (v *Verifier) CachedKeys() int {
	return v.cache.Size()
}

type sigParams struct {
	keyID     string
	algorithm string
	headers   []string
	signature []byte
}

// Verify checks the Signature header of r against the captured raw body.
// It returns the key id the request was signed with so callers can match
// the key owner against the activity actor. All failures map to 401.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (string, error) {
	params, err := parseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return "", err
	}
	// Cheap checks run before the key fetch so skewed or tampered requests
	// never cost a network round-trip.
	if err := v.checkDate(r.Header.Get("Date")); err != nil {
		return "", err
	}
	if digest := r.Header.Get("Digest"); digest != "" {
		if err := checkDigest(digest, body); err != nil {
			return "", err
		}
	}
	key, err := v.publicKey(ctx, params.keyID)
	if err != nil {
		return "", err
	}
	signingString, err := buildSigningString(r, params.headers)
	if err != nil {
		return "", bridgeerr.Signature("signature.header_missing", "%s", err.Error())
	}
	if err := verifyRSA(key, params.algorithm, signingString, params.signature); err != nil {
		v.cache.Remove(params.keyID)
		return "", err
	}
	return params.keyID, nil
}

// HeaderKeyID extracts the keyId from a Signature header without
// verifying anything. The inbox rate limiter keys on it before the
// request is authenticated.
func HeaderKeyID(header string) string {
	params, err := parseSignatureHeader(header)
	if err != nil {
		return ""
	}
	return params.keyID
}

func parseSignatureHeader(header string) (*sigParams, error) {
	if header == "" {
		return nil, bridgeerr.Signature("signature.missing", "request has no Signature header")
	}
	params := &sigParams{algorithm: AlgorithmRSASHA256}
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, bridgeerr.Signature("signature.malformed", "malformed Signature field: %s", part)
		}
		val = strings.Trim(val, `"`)
		switch k {
		case "keyId":
			params.keyID = val
		case "algorithm":
			params.algorithm = val
		case "headers":
			params.headers = strings.Fields(strings.ToLower(val))
		case "signature":
			raw, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, bridgeerr.Signature("signature.malformed", "signature is not valid base64")
			}
			params.signature = raw
		}
	}
	if params.keyID == "" || len(params.signature) == 0 {
		return nil, bridgeerr.Signature("signature.malformed", "Signature header missing keyId or signature")
	}
	if len(params.headers) == 0 {
		// draft-cavage default when the headers field is absent.
		params.headers = []string{"date"}
	}
	return params, nil
}

func (v *Verifier) checkDate(date string) error {
	if date == "" {
		return bridgeerr.Signature("signature.missing_date", "request has no Date header")
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return bridgeerr.Signature("signature.bad_date", "unparseable Date header: %s", date)
	}
	skew := v.now().Sub(t)
	if skew < 0 {
		skew = -skew
	}
	if skew >= MaxClockSkew {
		return bridgeerr.Signature("signature.clock_skew", "request date is outside the %s window", MaxClockSkew).
			With("skew", skew.String())
	}
	return nil
}

func checkDigest(header string, body []byte) error {
	algo, want, ok := strings.Cut(header, "=")
	if !ok {
		return bridgeerr.Signature("signature.digest_malformed", "malformed Digest header")
	}
	if !strings.EqualFold(algo, "sha-256") {
		return bridgeerr.Signature("signature.digest_unsupported", "unsupported digest algorithm: %s", algo)
	}
	sum := sha256.Sum256(body)
	if base64.StdEncoding.EncodeToString(sum[:]) != want {
		return bridgeerr.Signature("signature.digest_mismatch", "digest does not match request body")
	}
	return nil
}

func (v *Verifier) publicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if key, ok := v.cache.Get(keyID); ok {
		return key, nil
	}
	pemText, err := v.fetcher.FetchKey(ctx, keyID)
	if err != nil {
		return nil, bridgeerr.Signature("signature.key_fetch_failed", "failed to fetch key %s", keyID).Wrap(err)
	}
	key, err := ParsePublicKey(pemText)
	if err != nil {
		return nil, bridgeerr.Signature("signature.bad_key", "key %s is not a usable public key", keyID).Wrap(err)
	}
	v.cache.SetWithDefaultTTL(keyID, key)
	return key, nil
}

func verifyRSA(key *rsa.PublicKey, algorithm, signingString string, sig []byte) error {
	var hash crypto.Hash
	switch algorithm {
	case AlgorithmRSASHA256:
		hash = crypto.SHA256
	case AlgorithmRSASHA512:
		hash = crypto.SHA512
	default:
		return bridgeerr.Signature("signature.unsupported_algorithm", "unsupported algorithm: %s", algorithm)
	}
	h := hash.New()
	h.Write([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(key, hash, h.Sum(nil), sig); err != nil {
		return bridgeerr.Signature("signature.verification_failed", "signature does not verify")
	}
	return nil
}
