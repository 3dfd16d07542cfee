// Package client is the outbound half of federation: webfinger resolution,
// actor fetches, media downloads and signed inbox deliveries. Every target
// URL passes the same reachability policy so federation can never be
// steered at internal infrastructure.
package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/signature"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/version"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	maxRedirects     = 5
)

type Options struct {
	Timeout   time.Duration
	UserAgent string
	// AllowPrivate permits plain http and loopback targets. Development
	// and tests only.
	AllowPrivate bool
}

// Client performs outbound federation requests.
type Client struct {
	http         *http.Client
	userAgent    string
	allowPrivate bool
	scheme       string

	// instance key for signed GETs against authorized-fetch remotes
	keyID string
	key   *rsa.PrivateKey

	// actorFlight collapses concurrent fetches of the same actor; a burst
	// of inbox posts from one signer costs a single document fetch.
	actorFlight singleflight.Group
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "fedbridge/" + version.Version + " (+federation)"
	}
	c := &Client{
		userAgent:    ua,
		allowPrivate: opts.AllowPrivate,
		scheme:       "https",
	}
	if opts.AllowPrivate {
		c.scheme = "http"
	}
	c.http = &http.Client{
		Timeout: timeout,
		// Redirect targets are re-validated so a compliant-looking remote
		// cannot bounce us into a private network.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Errorf("stopped after %d redirects", maxRedirects)
			}
			return c.validateTarget(req.URL)
		},
	}
	return c
}

// SetInstanceKey equips the client to sign GET requests, which remotes in
// authorized-fetch mode require.
func (c *Client) SetInstanceKey(keyID string, key *rsa.PrivateKey) {
	c.keyID = keyID
	c.key = key
}

func (c *Client) validateTarget(u *url.URL) error {
	if c.allowPrivate {
		return nil
	}
	if u.Scheme != "https" {
		return bridgeerr.Validation("federation.insecure_target", "refusing non-https target %s", u.Redacted())
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".lan") {
		return bridgeerr.Validation("federation.forbidden_target", "refusing reserved hostname %q", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isInternalIP(ip) {
			return bridgeerr.Validation("federation.forbidden_target", "refusing internal address %s", ip)
		}
		return nil
	}
	// Resolution failures are left to the dialer so offline remotes
	// classify as federation errors, not validation.
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if isInternalIP(ip) {
			return bridgeerr.Validation("federation.forbidden_target", "hostname %q resolves to internal address %s", host, ip)
		}
	}
	return nil
}

func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, bridgeerr.Validation("federation.bad_url", "unusable target url %s", rawURL).Wrap(err)
	}
	if err := c.validateTarget(req.URL); err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// ResolveHandle turns user@host into the actor URL advertised by the
// host's webfinger endpoint.
func (c *Client) ResolveHandle(ctx context.Context, user, host string) (string, error) {
	endpoint := url.URL{
		Scheme:   c.scheme,
		Host:     host,
		Path:     "/.well-known/webfinger",
		RawQuery: url.Values{"resource": {"acct:" + user + "@" + host}}.Encode(),
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", activity.ContentTypeJRD)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", bridgeerr.Federation("federation.webfinger_failed", "webfinger lookup for %s@%s failed", user, host).Wrap(err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", bridgeerr.NotFound("federation.unknown_handle", "%s@%s does not exist", user, host)
	case resp.StatusCode != http.StatusOK:
		return "", bridgeerr.Federation("federation.webfinger_failed", "webfinger for %s@%s returned %d", user, host, resp.StatusCode)
	}

	jrd := &activity.WebFinger{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(jrd); err != nil {
		return "", bridgeerr.Federation("federation.webfinger_malformed", "undecodable webfinger document from %s", host).Wrap(err)
	}
	self := jrd.SelfLink()
	if self == "" {
		return "", bridgeerr.NotFound("federation.no_self_link", "webfinger document for %s@%s names no actor", user, host)
	}
	return self, nil
}

// FetchActor retrieves and decodes a remote actor document. The GET is
// signed when an instance key is configured.
func (c *Client) FetchActor(ctx context.Context, actorURL string) (*activity.Actor, error) {
	v, err, _ := c.actorFlight.Do(actorURL, func() (any, error) {
		return c.fetchActor(ctx, actorURL)
	})
	if err != nil {
		return nil, err
	}
	return v.(*activity.Actor), nil
}

func (c *Client) fetchActor(ctx context.Context, actorURL string) (*activity.Actor, error) {
	req, err := c.newRequest(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", activity.ContentType)
	if c.key != nil {
		if err := signature.Sign(req, nil, c.keyID, c.key); err != nil {
			return nil, errors.Wrap(err, "failed to sign actor fetch")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, bridgeerr.Federation("federation.actor_fetch_failed", "fetch of %s failed", actorURL).Wrap(err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, bridgeerr.NotFound("federation.actor_gone", "actor %s does not exist", actorURL)
	case resp.StatusCode != http.StatusOK:
		return nil, bridgeerr.Federation("federation.actor_fetch_failed", "fetch of %s returned %d", actorURL, resp.StatusCode).
			With("status", resp.StatusCode)
	}

	actor := &activity.Actor{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(actor); err != nil {
		return nil, bridgeerr.Federation("federation.actor_malformed", "undecodable actor document at %s", actorURL).Wrap(err)
	}
	if actor.ID == "" || actor.Inbox == "" {
		return nil, bridgeerr.Federation("federation.actor_malformed", "actor document at %s lacks id or inbox", actorURL)
	}
	return actor, nil
}

// FetchKey implements signature.KeyFetcher by fetching the actor document
// the key id points into.
func (c *Client) FetchKey(ctx context.Context, keyID string) (string, error) {
	actor, err := c.FetchActor(ctx, signature.OwnerURL(keyID))
	if err != nil {
		return "", err
	}
	if actor.PublicKey == nil || actor.PublicKey.PublicKeyPem == "" {
		return "", bridgeerr.Federation("federation.actor_keyless", "actor %s publishes no public key", actor.ID)
	}
	return actor.PublicKey.PublicKeyPem, nil
}

// Deliver posts a signed activity to a remote inbox and classifies the
// response for the retry policy: 2xx success, 408/429/5xx/network
// retryable, any other 4xx permanent.
func (c *Client) Deliver(ctx context.Context, inboxURL string, payload []byte, keyID string, key *rsa.PrivateKey) error {
	req, err := c.newRequest(ctx, http.MethodPost, inboxURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", activity.ContentType)
	if err := signature.Sign(req, payload, keyID, key); err != nil {
		return errors.Wrap(err, "failed to sign delivery")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return bridgeerr.Federation("federation.delivery_failed", "post to %s failed", inboxURL).Wrap(err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return bridgeerr.RateLimit("federation.remote_rate_limited", parseRetryAfter(resp.Header.Get("Retry-After"))).
			With("inbox", inboxURL)
	case resp.StatusCode == http.StatusRequestTimeout:
		return bridgeerr.Federation("federation.delivery_timeout", "post to %s returned 408", inboxURL)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return bridgeerr.Validation("federation.delivery_rejected", "post to %s returned %d", inboxURL, resp.StatusCode).
			With("status", resp.StatusCode)
	default:
		return bridgeerr.Federation("federation.delivery_failed", "post to %s returned %d", inboxURL, resp.StatusCode).
			With("status", resp.StatusCode)
	}
}

// Download fetches a remote media resource, capped at maxBytes. Returns
// the bytes and the advertised content type.
func (c *Client) Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", bridgeerr.Federation("federation.download_failed", "download of %s failed", rawURL).Wrap(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, "", bridgeerr.Federation("federation.download_failed", "download of %s returned %d", rawURL, resp.StatusCode).
			With("status", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", bridgeerr.Federation("federation.download_failed", "download of %s aborted", rawURL).Wrap(err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", bridgeerr.Validation("media.too_large", "%s exceeds the %d byte media limit", rawURL, maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// parseRetryAfter reads both header forms: delta seconds and HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
