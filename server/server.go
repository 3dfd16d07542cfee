// Package server assembles the bridge's HTTP surface: federation
// discovery and inbox endpoints, the appservice ingress the homeserver
// pushes transactions to, the admin API, room feeds, and the
// operational probes. It also owns the queue workers and the periodic
// maintenance loops, so a started server is the whole running bridge.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/coordinator"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/intake"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/policy"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/circuit"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/ratelimit"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/media"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/metrics"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/queue"
	adminrouter "github.com/tuxracer/matrix-fediverse-bridge-sub000/server/router/admin"
	appservicerouter "github.com/tuxracer/matrix-fediverse-bridge-sub000/server/router/appservice"
	fedrouter "github.com/tuxracer/matrix-fediverse-bridge-sub000/server/router/fed"
	feedsrouter "github.com/tuxracer/matrix-fediverse-bridge-sub000/server/router/feeds"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/signature"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// appservice transaction ids only need to survive the homeserver's own
// retry horizon; a day is generous.
const txnRetention = 24 * time.Hour

// Options carries the domain components the composition root assembled.
// Workers, Media and Metrics may be nil; the matching surfaces degrade
// instead of failing.
type Options struct {
	Queue       *queue.Queue
	Workers     *queue.Workers
	Coordinator *coordinator.Coordinator
	Intake      *intake.Processor
	Verifier    *signature.Verifier
	Policy      *policy.Engine
	Media       *media.Gateway
	Breaker     *circuit.Breaker
	Metrics     *metrics.Metrics
}

type Server struct {
	e *echo.Echo

	Profile *profile.Profile
	Store   *store.Store

	queue   *queue.Queue
	workers *queue.Workers
	coord   *coordinator.Coordinator
	media   *media.Gateway
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	limiter *ratelimit.HostLimiter
}

func NewServer(_ context.Context, instanceProfile *profile.Profile, st *store.Store, opts *Options) (*Server, error) {
	if opts == nil || opts.Queue == nil || opts.Coordinator == nil || opts.Intake == nil || opts.Verifier == nil || opts.Policy == nil {
		return nil, errors.New("server requires a queue, a coordinator, an intake processor, a verifier and a policy engine")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.BodyLimit("2M"))

	s := &Server{
		e:       e,
		Profile: instanceProfile,
		Store:   st,
		queue:   opts.Queue,
		workers: opts.Workers,
		coord:   opts.Coordinator,
		media:   opts.Media,
		breaker: opts.Breaker,
		metrics: opts.Metrics,
		limiter: ratelimit.New(instanceProfile.RateLimitPerMin),
	}

	e.GET("/healthz", s.healthz)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}

	fedService := fedrouter.NewFedService(instanceProfile, st, &fedrouter.Options{
		Queue:    opts.Queue,
		Actors:   opts.Coordinator,
		Verifier: opts.Verifier,
		Policy:   opts.Policy,
		Media:    opts.Media,
		Limiter:  s.limiter,
		Metrics:  opts.Metrics,
	})
	fedService.RegisterRoutes(e)

	appserviceService := appservicerouter.NewAppserviceService(instanceProfile, st, opts.Intake)
	appserviceService.RegisterRoutes(e)

	adminService := adminrouter.NewAdminService(instanceProfile, st, &adminrouter.Options{
		Queue:       opts.Queue,
		Coordinator: opts.Coordinator,
		Breaker:     opts.Breaker,
	})
	adminService.RegisterRoutes(e)

	feedsService := feedsrouter.NewFeedsService(instanceProfile, st)
	feedsService.RegisterRoutes(e)

	s.registerProbes()
	return s, nil
}

// Start launches the queue workers, the maintenance loops and the HTTP
// listener. It does not block; cancellation and Shutdown stop the parts.
func (s *Server) Start(ctx context.Context) error {
	if s.workers != nil {
		if err := s.workers.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start queue workers")
		}
	}
	go s.limiter.Run(ctx)
	go s.runMaintenance(ctx)
	go func() {
		addr := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
		if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown drains the listener, stops the workers and closes the broker
// and database handles, in that order.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.e.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown http server", "error", err)
	}
	if s.workers != nil {
		s.workers.Stop()
	}
	if err := s.queue.Close(); err != nil {
		slog.Error("failed to close queue connection", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
	slog.Info("bridge stopped")
}

func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := s.Store.GetDriver().GetDB().PingContext(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "database unreachable"})
	}
	if err := s.queue.Ping(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "queue broker unreachable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// runMaintenance hosts the periodic chores: the hourly delivery digest
// for the admin room and the appservice transaction id sweep.
func (s *Server) runMaintenance(ctx context.Context) {
	digest := time.NewTicker(time.Hour)
	sweep := time.NewTicker(time.Hour)
	defer digest.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-digest.C:
			if err := s.coord.DeliveryDigest(ctx, time.Now().Add(-time.Hour)); err != nil {
				slog.Error("delivery digest failed", "error", err)
			}
		case <-sweep.C:
			cutoff := time.Now().Add(-txnRetention).Unix()
			n, err := s.Store.DeleteAppserviceTxnsBefore(ctx, cutoff)
			if err != nil {
				slog.Error("failed to sweep appservice transactions", "error", err)
			} else if n > 0 {
				slog.Debug("swept appservice transactions", "count", n)
			}
		}
	}
}

func (s *Server) registerProbes() {
	if s.metrics == nil {
		return
	}
	depth := func(stream string) func() float64 {
		return func() float64 {
			n, err := s.queue.StreamDepth(stream)
			if err != nil {
				return -1
			}
			return float64(n)
		}
	}
	p := metrics.Probes{
		TranslateOutDepth: depth(queue.StreamTranslateOut),
		TranslateInDepth:  depth(queue.StreamTranslateIn),
		DeliverDepth:      depth(queue.StreamDeliver),
	}
	if s.breaker != nil {
		p.OpenCircuits = func() float64 {
			open := 0
			for _, state := range s.breaker.Snapshot() {
				if state.OpensUntil != nil {
					open++
				}
			}
			return float64(open)
		}
	}
	if s.media != nil {
		p.MediaCacheItems = func() float64 {
			entries, _ := s.media.CacheStats()
			return float64(entries)
		}
		p.MediaCacheBytes = func() float64 {
			_, bytes := s.media.CacheStats()
			return float64(bytes)
		}
	}
	s.metrics.RegisterProbes(p)
}

// requestLogger emits one structured line per request and skips the
// scrape and probe endpoints.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			slog.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}
