package fed

import (
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/policy"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/signature"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/queue"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// inboxMaxBody bounds a single activity document. Remote notes with
// attachments reference media by URL, so real submissions stay small.
const inboxMaxBody = 1 << 20

// inbox accepts signed activity submissions on both the shared and the
// per-user endpoints. The pipeline is: rate limit, verify, parse,
// dedupe, policy, enqueue. Everything accepted returns 202; translation
// happens on the workers.
func (s *FedService) inbox(c echo.Context) error {
	ctx := c.Request().Context()
	req := c.Request()

	body, err := io.ReadAll(io.LimitReader(req.Body, inboxMaxBody+1))
	if err != nil {
		s.metrics.RecordInbox("unreadable")
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if len(body) > inboxMaxBody {
		s.metrics.RecordInbox("oversize")
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "activity too large")
	}

	if allowed, wait := s.limiter.Allow(requestHost(req)); !allowed {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		s.metrics.RecordInbox("rate_limited")
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	keyID, err := s.verifier.Verify(ctx, req, body)
	if err != nil {
		slog.Debug("inbox signature rejected", "error", err)
		s.metrics.RecordInbox("unauthorized")
		return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
	}

	act := &activity.Activity{}
	if err := json.Unmarshal(body, act); err != nil {
		s.metrics.RecordInbox("malformed")
		return echo.NewHTTPError(http.StatusBadRequest, "body is not an activity document")
	}
	if err := act.Validate(); err != nil {
		s.metrics.RecordInbox("malformed")
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !sameAuthority(keyID, act.Actor.String()) {
		s.metrics.RecordInbox("unauthorized")
		return echo.NewHTTPError(http.StatusUnauthorized, "signing key does not belong to the actor")
	}

	if _, dup := s.processed.Get(act.ID); dup {
		s.metrics.RecordInbox("duplicate")
		return c.NoContent(http.StatusAccepted)
	}
	s.processed.SetWithDefaultTTL(act.ID, struct{}{})

	if !act.Type.Supported() {
		slog.Debug("dropping unsupported activity type", "type", act.Type, "id", act.ID)
		s.metrics.RecordInbox("unsupported")
		return c.NoContent(http.StatusAccepted)
	}

	if err := s.checkIngress(c, act); err != nil {
		if bridgeerr.KindOf(err) == bridgeerr.KindBlocked {
			slog.Info("inbox activity blocked", "id", act.ID, "actor", act.Actor.String())
			s.metrics.RecordInbox("blocked")
			return c.NoContent(http.StatusAccepted)
		}
		return err
	}

	job := &queue.TranslateInJob{
		ActivityID: act.ID,
		Type:       string(act.Type),
		Actor:      act.Actor.String(),
		Activity:   body,
	}
	if err := s.queue.EnqueueTranslateIn(ctx, job); err != nil {
		s.metrics.RecordInbox("enqueue_failed")
		return err
	}
	s.metrics.RecordInbox("accepted")
	return c.NoContent(http.StatusAccepted)
}

// checkIngress applies instance blocks and drop rules, plus the
// addressed user's personal blocks when the per-user inbox names one.
func (s *FedService) checkIngress(c echo.Context, act *activity.Activity) error {
	ctx := c.Request().Context()
	pact := &policy.Activity{
		Type:      string(act.Type),
		ActorHost: act.Actor.Host(),
	}
	if username := c.Param("username"); username != "" {
		pact.LocalUser = username
		chatUserID := s.chatUserID(username)
		local, err := s.Store.GetUser(ctx, &store.FindUser{ChatUserID: &chatUserID})
		if err != nil {
			return err
		}
		if local != nil {
			pact.LocalUserID = &local.ID
			actorURL := act.Actor.String()
			remote, err := s.Store.GetUser(ctx, &store.FindUser{FedActorID: &actorURL})
			if err != nil {
				return err
			}
			if remote != nil {
				pact.ActorUserID = &remote.ID
			}
		}
	}
	return s.policy.CheckIngress(ctx, pact)
}

// sameAuthority requires the signing key and the actor to live on one
// host, which stops a signer relaying activities for foreign actors.
func sameAuthority(keyID, actorURL string) bool {
	ku, err := url.Parse(keyID)
	if err != nil {
		return false
	}
	au, err := url.Parse(actorURL)
	if err != nil {
		return false
	}
	return ku.Hostname() != "" && strings.EqualFold(ku.Hostname(), au.Hostname())
}

// requestHost keys the rate limiter: the signing key's host when a
// signature is present, else the first forwarded hop, else the peer.
func requestHost(r *http.Request) string {
	if keyID := signature.HeaderKeyID(r.Header.Get("Signature")); keyID != "" {
		if u, err := url.Parse(keyID); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
