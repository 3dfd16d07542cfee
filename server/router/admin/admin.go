// Package admin serves the operator API: instance blocks, dead-letter
// inspection and requeue, circuit breaker state, and double-puppet
// enrollment. Every route requires a bearer JWT signed with the
// configured admin secret; the whole surface is absent when no secret
// is configured.
package admin

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/circuit"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

const tokenIssuer = "fedbridge"

// Requeuer republishes a dead-lettered payload onto its queue subject.
type Requeuer interface {
	Requeue(ctx context.Context, subject string, payload []byte) error
}

// Puppeteer manages double-puppet enrollment for remote-side users.
type Puppeteer interface {
	EnableDoublePuppet(ctx context.Context, actorURL, accessToken string) error
	DisableDoublePuppet(ctx context.Context, actorURL string) error
}

type Options struct {
	Queue       Requeuer
	Coordinator Puppeteer
	Breaker     *circuit.Breaker
}

type AdminService struct {
	Profile *profile.Profile
	Store   *store.Store

	queue   Requeuer
	coord   Puppeteer
	breaker *circuit.Breaker
}

func NewAdminService(instanceProfile *profile.Profile, st *store.Store, opts *Options) *AdminService {
	return &AdminService{
		Profile: instanceProfile,
		Store:   st,
		queue:   opts.Queue,
		coord:   opts.Coordinator,
		breaker: opts.Breaker,
	}
}

func (s *AdminService) RegisterRoutes(e *echo.Echo) {
	if s.Profile.AdminSecret == "" {
		slog.Info("admin API disabled: no admin secret configured")
		return
	}
	g := e.Group("/admin/v1", s.requireToken)
	g.GET("/instance-blocks", s.listInstanceBlocks)
	g.POST("/instance-blocks", s.createInstanceBlock)
	g.DELETE("/instance-blocks/:host", s.deleteInstanceBlock)
	g.GET("/dead-letters", s.listDeadLetters)
	g.POST("/dead-letters/:id/requeue", s.requeueDeadLetter)
	g.DELETE("/dead-letters/:id", s.deleteDeadLetter)
	g.GET("/circuits", s.circuits)
	g.POST("/double-puppet", s.enableDoublePuppet)
	g.DELETE("/double-puppet", s.disableDoublePuppet)
}

// MintToken issues an admin bearer token. The CLI exposes this for
// operators.
func MintToken(secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "admin",
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}

func (s *AdminService) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
			return []byte(s.Profile.AdminSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}
		return next(c)
	}
}

type instanceBlockPayload struct {
	Host   string `json:"host"`
	Reason string `json:"reason"`
}

type instanceBlockView struct {
	Host      string `json:"host"`
	Reason    string `json:"reason,omitempty"`
	CreatedTs int64  `json:"createdTs"`
}

func (s *AdminService) listInstanceBlocks(c echo.Context) error {
	blockType := store.BlockTypeInstance
	blocks, err := s.Store.ListBlocks(c.Request().Context(), &store.FindBlock{
		BlockType: &blockType,
		AdminWide: true,
	})
	if err != nil {
		return err
	}
	views := make([]instanceBlockView, 0, len(blocks))
	for _, b := range blocks {
		if b.BlockedInstance == nil {
			continue
		}
		views = append(views, instanceBlockView{Host: *b.BlockedInstance, Reason: b.Reason, CreatedTs: b.CreatedTs})
	}
	return c.JSON(http.StatusOK, views)
}

func (s *AdminService) createInstanceBlock(c echo.Context) error {
	payload := &instanceBlockPayload{}
	if err := c.Bind(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	host := strings.ToLower(strings.TrimSpace(payload.Host))
	if host == "" || strings.ContainsAny(host, "/@ ") {
		return echo.NewHTTPError(http.StatusBadRequest, "host must be a bare hostname")
	}
	blocked, err := s.Store.IsInstanceBlocked(c.Request().Context(), host)
	if err != nil {
		return err
	}
	if blocked {
		return echo.NewHTTPError(http.StatusConflict, "instance already blocked")
	}
	block, err := s.Store.CreateBlock(c.Request().Context(), &store.Block{
		BlockedInstance: &host,
		BlockType:       store.BlockTypeInstance,
		Reason:          strings.TrimSpace(payload.Reason),
		CreatedTs:       time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	slog.Info("instance blocked by admin", "host", host)
	return c.JSON(http.StatusCreated, instanceBlockView{Host: host, Reason: block.Reason, CreatedTs: block.CreatedTs})
}

func (s *AdminService) deleteInstanceBlock(c echo.Context) error {
	host := strings.ToLower(c.Param("host"))
	if host == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing host")
	}
	if err := s.Store.DeleteBlock(c.Request().Context(), &store.DeleteBlock{BlockedInstance: &host}); err != nil {
		return err
	}
	slog.Info("instance unblocked by admin", "host", host)
	return c.NoContent(http.StatusNoContent)
}

type deadLetterView struct {
	ID        int64  `json:"id"`
	Queue     string `json:"queue"`
	LastError string `json:"lastError"`
	Attempts  int    `json:"attempts"`
	CreatedTs int64  `json:"createdTs"`
}

func (s *AdminService) listDeadLetters(c echo.Context) error {
	find := &store.FindDeadLetter{}
	if q := c.QueryParam("queue"); q != "" {
		find.Queue = &q
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	find.Limit = &limit
	if raw := c.QueryParam("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			find.Offset = &n
		}
	}
	letters, err := s.Store.ListDeadLetters(c.Request().Context(), find)
	if err != nil {
		return err
	}
	views := make([]deadLetterView, 0, len(letters))
	for _, l := range letters {
		views = append(views, deadLetterView{
			ID:        l.ID,
			Queue:     l.Queue,
			LastError: l.LastError,
			Attempts:  l.Attempts,
			CreatedTs: l.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, views)
}

// requeueDeadLetter republishes the stored payload and deletes the row.
// The republished job carries no dedupe id, so it runs even when the
// original publish is still inside the broker's duplicate window.
func (s *AdminService) requeueDeadLetter(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be numeric")
	}
	ctx := c.Request().Context()
	letter, err := s.Store.GetDeadLetter(ctx, &store.FindDeadLetter{ID: &id})
	if err != nil {
		return err
	}
	if letter == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such dead letter")
	}
	if err := s.queue.Requeue(ctx, letter.Queue, letter.Payload); err != nil {
		if bridgeerr.KindOf(err) == bridgeerr.KindValidation {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	if err := s.Store.DeleteDeadLetter(ctx, &store.DeleteDeadLetter{ID: &id}); err != nil {
		return err
	}
	slog.Info("dead letter requeued", "id", id, "queue", letter.Queue)
	return c.JSON(http.StatusOK, map[string]any{"requeued": id})
}

func (s *AdminService) deleteDeadLetter(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be numeric")
	}
	if err := s.Store.DeleteDeadLetter(c.Request().Context(), &store.DeleteDeadLetter{ID: &id}); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type circuitView struct {
	Host         string     `json:"host"`
	FailureCount int        `json:"failureCount"`
	OpensUntil   *time.Time `json:"opensUntil,omitempty"`
}

func (s *AdminService) circuits(c echo.Context) error {
	views := []circuitView{}
	if s.breaker != nil {
		for host, state := range s.breaker.Snapshot() {
			views = append(views, circuitView{Host: host, FailureCount: state.FailureCount, OpensUntil: state.OpensUntil})
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Host < views[j].Host })
	return c.JSON(http.StatusOK, views)
}

type doublePuppetPayload struct {
	ActorURL    string `json:"actorUrl"`
	AccessToken string `json:"accessToken"`
}

func (s *AdminService) enableDoublePuppet(c echo.Context) error {
	payload := &doublePuppetPayload{}
	if err := c.Bind(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if payload.ActorURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actorUrl is required")
	}
	if err := s.coord.EnableDoublePuppet(c.Request().Context(), payload.ActorURL, payload.AccessToken); err != nil {
		return echo.NewHTTPError(bridgeerr.From(err).HTTPStatus(), err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"actorUrl": payload.ActorURL, "doublePuppet": "enabled"})
}

func (s *AdminService) disableDoublePuppet(c echo.Context) error {
	actorURL := c.QueryParam("actor")
	if actorURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor query parameter is required")
	}
	if err := s.coord.DisableDoublePuppet(c.Request().Context(), actorURL); err != nil {
		return echo.NewHTTPError(bridgeerr.From(err).HTTPStatus(), err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"actorUrl": actorURL, "doublePuppet": "disabled"})
}
