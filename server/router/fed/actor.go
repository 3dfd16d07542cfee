package fed

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/signature"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/media"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

const collectionPageSize = 50

// actor serves the JSON-LD identity document for a local chat user,
// minting the row and key pair on first contact so a remote can follow
// a user who has never posted. Non-federation clients are redirected to
// the human profile page.
func (s *FedService) actor(c echo.Context) error {
	username := c.Param("username")
	if !s.servableUsername(username) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	if !activity.AcceptsActivityJSON(c.Request().Header.Get(echo.HeaderAccept)) {
		return c.Redirect(http.StatusFound, s.profilePage(username))
	}

	row, err := s.actors.EnsureLocalUser(c.Request().Context(), s.chatUserID(username))
	if err != nil {
		return err
	}
	if row.PublicKeyPEM == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "account has no key")
	}

	actorURL := activity.ActorIRI(s.Profile.FedBaseURL, username)
	doc := &activity.Actor{
		Context:           activity.ActorContext,
		ID:                actorURL,
		Type:              activity.ActorPerson,
		PreferredUsername: username,
		Name:              row.DisplayName,
		URL:               s.profilePage(username),
		Inbox:             actorURL + "/inbox",
		Outbox:            actorURL + "/outbox",
		Followers:         actorURL + "/followers",
		Following:         actorURL + "/following",
		ManuallyApprovesFollowers: !s.Profile.AutoAcceptFollows,
		PublicKey: &activity.PublicKey{
			ID:           signature.KeyID(actorURL),
			Owner:        actorURL,
			PublicKeyPem: *row.PublicKeyPEM,
		},
		Endpoints: &activity.Endpoints{SharedInbox: s.Profile.FedBaseURL + "/inbox"},
		Published: activity.FormatPublished(time.Unix(row.CreatedTs, 0)),
	}
	if icon := s.avatarURL(row.AvatarURL); icon != "" {
		doc.Icon = &activity.Image{Type: "Image", URL: icon}
	}
	return fedJSON(c, 180, doc)
}

// avatarURL maps a chat media handle onto its proxy URL; plain URLs pass
// through.
func (s *FedService) avatarURL(stored string) string {
	if stored == "" {
		return ""
	}
	if strings.HasPrefix(stored, "http://") || strings.HasPrefix(stored, "https://") {
		return stored
	}
	proxied, err := media.ProxyURL(s.Profile.FedBaseURL, stored)
	if err != nil {
		return ""
	}
	return proxied
}

func (s *FedService) outbox(c echo.Context) error {
	username := c.Param("username")
	if !s.servableUsername(username) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	ctx := c.Request().Context()
	collectionID := activity.ActorIRI(s.Profile.FedBaseURL, username) + "/outbox"

	chatUserID := s.chatUserID(username)
	row, err := s.Store.GetUser(ctx, &store.FindUser{ChatUserID: &chatUserID})
	if err != nil {
		return err
	}
	if row == nil {
		return s.emptyCollection(c, collectionID)
	}

	total, err := s.Store.CountMessageMappings(ctx, &store.FindMessageMapping{SenderID: &row.ID, LocalOnly: true})
	if err != nil {
		return err
	}
	page, ok := pageParam(c)
	if !ok {
		return fedJSON(c, 60, activity.NewOrderedCollection(collectionID, total, collectionID+"?page=1"))
	}

	limit := collectionPageSize
	offset := (page - 1) * collectionPageSize
	mappings, err := s.Store.ListMessageMappings(ctx, &store.FindMessageMapping{
		SenderID:  &row.ID,
		LocalOnly: true,
		OrderDesc: true,
		Limit:     &limit,
		Offset:    &offset,
	})
	if err != nil {
		return err
	}
	items := make([]any, 0, len(mappings))
	for _, m := range mappings {
		if m.FedObjectID != nil {
			items = append(items, *m.FedObjectID)
		}
	}
	return fedJSON(c, 60, activity.NewOrderedCollectionPage(
		pageID(collectionID, page),
		collectionID,
		nextPageID(collectionID, page, len(mappings)),
		items,
	))
}

func (s *FedService) followers(c echo.Context) error {
	return s.followCollection(c, "/followers", func(ctx echo.Context, row *store.User) (int64, []string, error) {
		accepted := store.FollowStatusAccepted
		total, err := s.Store.CountFollows(ctx.Request().Context(), &store.FindFollow{FollowingID: &row.ID, Status: &accepted})
		if err != nil {
			return 0, nil, err
		}
		users, err := s.Store.ListFollowerUsers(ctx.Request().Context(), &store.FindFollowerUsers{
			FollowingID: row.ID,
			Status:      store.FollowStatusAccepted,
		})
		if err != nil {
			return 0, nil, err
		}
		ids := make([]string, 0, len(users))
		for _, u := range users {
			if u.FedActorID != nil {
				ids = append(ids, *u.FedActorID)
			}
		}
		return total, ids, nil
	})
}

func (s *FedService) following(c echo.Context) error {
	return s.followCollection(c, "/following", func(ctx echo.Context, row *store.User) (int64, []string, error) {
		accepted := store.FollowStatusAccepted
		total, err := s.Store.CountFollows(ctx.Request().Context(), &store.FindFollow{FollowerID: &row.ID, Status: &accepted})
		if err != nil {
			return 0, nil, err
		}
		follows, err := s.Store.ListFollows(ctx.Request().Context(), &store.FindFollow{FollowerID: &row.ID, Status: &accepted})
		if err != nil {
			return 0, nil, err
		}
		ids := make([]string, 0, len(follows))
		for _, f := range follows {
			target, err := s.Store.GetUser(ctx.Request().Context(), &store.FindUser{ID: &f.FollowingID})
			if err != nil {
				return 0, nil, err
			}
			if target != nil && target.FedActorID != nil {
				ids = append(ids, *target.FedActorID)
			}
		}
		return total, ids, nil
	})
}

// followCollection pages a follow edge list. The edge sets are small
// enough to list whole and slice.
func (s *FedService) followCollection(c echo.Context, suffix string, list func(echo.Context, *store.User) (int64, []string, error)) error {
	username := c.Param("username")
	if !s.servableUsername(username) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	collectionID := activity.ActorIRI(s.Profile.FedBaseURL, username) + suffix

	chatUserID := s.chatUserID(username)
	row, err := s.Store.GetUser(c.Request().Context(), &store.FindUser{ChatUserID: &chatUserID})
	if err != nil {
		return err
	}
	if row == nil {
		return s.emptyCollection(c, collectionID)
	}

	total, ids, err := list(c, row)
	if err != nil {
		return err
	}
	page, ok := pageParam(c)
	if !ok {
		return fedJSON(c, 60, activity.NewOrderedCollection(collectionID, total, collectionID+"?page=1"))
	}

	start := (page - 1) * collectionPageSize
	if start > len(ids) {
		start = len(ids)
	}
	end := start + collectionPageSize
	if end > len(ids) {
		end = len(ids)
	}
	items := make([]any, 0, end-start)
	for _, id := range ids[start:end] {
		items = append(items, id)
	}
	return fedJSON(c, 60, activity.NewOrderedCollectionPage(
		pageID(collectionID, page),
		collectionID,
		nextPageID(collectionID, page, end-start),
		items,
	))
}

func (s *FedService) emptyCollection(c echo.Context, collectionID string) error {
	return fedJSON(c, 60, activity.NewOrderedCollection(collectionID, 0, ""))
}

func pageParam(c echo.Context) (int, bool) {
	raw := c.QueryParam("page")
	if raw == "" {
		return 0, false
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 1, true
	}
	return page, true
}

func pageID(collectionID string, page int) string {
	return collectionID + "?page=" + strconv.Itoa(page)
}

// nextPageID links the next page only while the current one is full.
func nextPageID(collectionID string, page, got int) string {
	if got < collectionPageSize {
		return ""
	}
	return pageID(collectionID, page+1)
}
