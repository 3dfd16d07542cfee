// Package fed serves the federation-facing HTTP surface: the discovery
// documents remote instances probe, the synthesized actor profiles and
// their collections, the signed inboxes, and the media proxy.
package fed

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/policy"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/cache"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/ratelimit"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/media"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/metrics"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/queue"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

const (
	// processedCapacity and processedTTL bound the duplicate-activity set.
	processedCapacity = 10000
	processedTTL      = time.Hour
)

// Actors synthesizes fed-side state for local chat users on demand. The
// first fetch of an actor document mints the user row and its key pair.
type Actors interface {
	EnsureLocalUser(ctx context.Context, chatUserID string) (*store.User, error)
}

// Enqueuer hands accepted activities to the translate-in workers.
type Enqueuer interface {
	EnqueueTranslateIn(ctx context.Context, job *queue.TranslateInJob) error
}

// Verifier authenticates an inbox submission and returns the key id the
// request was signed with.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (string, error)
}

type Options struct {
	Queue    Enqueuer
	Actors   Actors
	Verifier Verifier
	Policy   *policy.Engine
	// Media may be nil; the proxy endpoints then answer 404.
	Media   *media.Gateway
	Limiter *ratelimit.HostLimiter
	Metrics *metrics.Metrics
}

type FedService struct {
	Profile *profile.Profile
	Store   *store.Store

	queue    Enqueuer
	actors   Actors
	verifier Verifier
	policy   *policy.Engine
	media    *media.Gateway
	limiter  *ratelimit.HostLimiter
	metrics  *metrics.Metrics
	// processed suppresses duplicate inbox submissions by activity id.
	processed *cache.LRUCache[string, struct{}]
}

func NewFedService(instanceProfile *profile.Profile, st *store.Store, opts *Options) *FedService {
	return &FedService{
		Profile:   instanceProfile,
		Store:     st,
		queue:     opts.Queue,
		actors:    opts.Actors,
		verifier:  opts.Verifier,
		policy:    opts.Policy,
		media:     opts.Media,
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
		processed: cache.NewLRUCache[string, struct{}](processedCapacity, processedTTL),
	}
}

func (s *FedService) RegisterRoutes(e *echo.Echo) {
	e.GET("/.well-known/webfinger", s.webfinger)
	e.GET("/.well-known/host-meta", s.hostMeta)
	e.GET("/.well-known/nodeinfo", s.nodeInfoDiscovery)
	e.GET("/nodeinfo/2.0", s.nodeInfo("2.0"))
	e.GET("/nodeinfo/2.1", s.nodeInfo("2.1"))

	e.GET("/users/:username", s.actor)
	e.GET("/users/:username/outbox", s.outbox)
	e.GET("/users/:username/followers", s.followers)
	e.GET("/users/:username/following", s.following)
	e.POST("/users/:username/inbox", s.inbox)
	e.POST("/inbox", s.inbox)

	e.GET("/media/:server/:id", s.proxyMedia)
	e.GET("/media/:server/:id/thumbnail", s.thumbnail)
}

// servableUsername rejects localparts the bridge does not project into
// the fed side: ghosts belong to remote actors already.
func (s *FedService) servableUsername(username string) bool {
	return username != "" && !strings.HasPrefix(username, appservice.GhostPrefix)
}

func (s *FedService) chatUserID(username string) string {
	return "@" + username + ":" + s.Profile.LocalDomain
}

// fedJSON writes a document under the activity MIME type with the given
// shared cache lifetime.
func fedJSON(c echo.Context, maxAge int, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if maxAge > 0 {
		c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age="+strconv.Itoa(maxAge))
	}
	return c.Blob(http.StatusOK, activity.ContentType, data)
}
