package fed

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// webfinger maps acct:user@domain onto the synthesized actor URL. Only
// accounts under the bridge's own fed domain resolve here.
func (s *FedService) webfinger(c echo.Context) error {
	user, host, err := activity.ParseAcct(c.QueryParam("resource"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "resource must be an acct: uri")
	}
	if !strings.EqualFold(host, s.Profile.FedDomain) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown domain")
	}
	if !s.servableUsername(user) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}

	actorURL := activity.ActorIRI(s.Profile.FedBaseURL, user)
	jrd := &activity.WebFinger{
		Subject: "acct:" + user + "@" + s.Profile.FedDomain,
		Aliases: []string{actorURL},
		Links: []activity.WebFingerLink{
			{Rel: "self", Type: activity.ContentType, Href: actorURL},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: s.profilePage(user)},
		},
	}
	data, err := json.Marshal(jrd)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=3600")
	return c.Blob(http.StatusOK, activity.ContentTypeJRD, data)
}

// profilePage is the human-facing view of a bridged chat user.
func (s *FedService) profilePage(username string) string {
	return "https://matrix.to/#/" + s.chatUserID(username)
}

func (s *FedService) hostMeta(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=86400")
	return c.Blob(http.StatusOK, "application/xrd+xml; charset=utf-8", []byte(activity.HostMetaXRD(s.Profile.FedBaseURL)))
}

func (s *FedService) nodeInfoDiscovery(c echo.Context) error {
	return c.JSON(http.StatusOK, &activity.NodeInfoDiscovery{
		Links: []activity.NodeInfoLink{
			{Rel: activity.NodeInfoRel20, Href: s.Profile.FedBaseURL + "/nodeinfo/2.0"},
			{Rel: activity.NodeInfoRel21, Href: s.Profile.FedBaseURL + "/nodeinfo/2.1"},
		},
	})
}

func (s *FedService) nodeInfo(version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		users, err := s.Store.CountUsers(ctx)
		if err != nil {
			return err
		}
		posts, err := s.Store.CountMessageMappings(ctx, &store.FindMessageMapping{LocalOnly: true})
		if err != nil {
			return err
		}
		info := &activity.NodeInfo{
			Version: version,
			Software: activity.NodeInfoSoftware{
				Name:    "fedbridge",
				Version: s.Profile.Version,
			},
			Protocols:         []string{"activitypub"},
			Services:          activity.NodeInfoServices{Inbound: []string{}, Outbound: []string{}},
			OpenRegistrations: false,
			Usage: activity.NodeInfoUsage{
				Users:      activity.NodeInfoUsers{Total: users},
				LocalPosts: posts,
			},
			Metadata: map[string]any{},
		}
		if version == "2.1" {
			info.Software.Repository = "https://github.com/tuxracer/matrix-fediverse-bridge-sub000"
		}
		c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=3600")
		return c.JSON(http.StatusOK, info)
	}
}
