// Package appservice serves the homeserver-facing application service
// API: the transaction push endpoint and the existence probes for the
// bridge's user and alias namespaces.
package appservice

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	as "github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/bridge/intake"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

type AppserviceService struct {
	Profile *profile.Profile
	Store   *store.Store

	intake     *intake.Processor
	userRegex  *regexp.Regexp
	aliasRegex *regexp.Regexp
}

func NewAppserviceService(instanceProfile *profile.Profile, st *store.Store, processor *intake.Processor) *AppserviceService {
	return &AppserviceService{
		Profile:    instanceProfile,
		Store:      st,
		intake:     processor,
		userRegex:  regexp.MustCompile(as.UserNamespaceRegex(instanceProfile.LocalDomain)),
		aliasRegex: regexp.MustCompile(as.AliasNamespaceRegex(instanceProfile.LocalDomain)),
	}
}

func (s *AppserviceService) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/_matrix/app/v1", s.requireHomeserverToken)
	g.PUT("/transactions/:txnId", s.pushTransaction)
	g.GET("/users/:userId", s.queryUser)
	g.GET("/rooms/:roomAlias", s.queryAlias)
}

// requireHomeserverToken authenticates the homeserver by its hs_token.
// Per the appservice API: missing credentials are 401, wrong ones 403.
func (s *AppserviceService) requireHomeserverToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c.Request())
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"errcode": "M_UNAUTHORIZED", "error": "missing token"})
		}
		if token != s.Profile.HomeserverToken {
			return c.JSON(http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "bad token"})
		}
		return next(c)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(echo.HeaderAuthorization)
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	// Legacy homeservers send the token as a query parameter.
	return r.URL.Query().Get("access_token")
}

// pushTransaction ingests one event batch. The homeserver retries the
// whole transaction until it gets a 200, so the only failure worth
// surfacing is the replay-guard write; per-event errors are logged and
// swallowed downstream.
func (s *AppserviceService) pushTransaction(c echo.Context) error {
	txnID := c.Param("txnId")
	if txnID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"errcode": "M_BAD_JSON", "error": "missing transaction id"})
	}
	txn := &as.Transaction{}
	if err := c.Bind(txn); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"errcode": "M_BAD_JSON", "error": "malformed transaction body"})
	}
	if err := s.intake.ProcessTransaction(c.Request().Context(), txnID, txn); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// queryUser answers the homeserver's existence probe for a user id in
// our exclusive namespace. The bot and ghosts are ours; everything else
// is not.
func (s *AppserviceService) queryUser(c echo.Context) error {
	userID := c.Param("userId")
	if userID == as.BotUserID(s.Profile.SenderLocalpart, s.Profile.LocalDomain) || s.userRegex.MatchString(userID) {
		return c.JSON(http.StatusOK, map[string]any{})
	}
	return c.JSON(http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "user not in bridge namespace"})
}

// queryAlias answers the alias probe. The bridge reserves its alias
// namespace but provisions rooms by invitation, so no alias resolves.
func (s *AppserviceService) queryAlias(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "alias not provisioned"})
}
