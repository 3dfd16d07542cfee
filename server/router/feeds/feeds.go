// Package feeds serves Atom views of public bridged rooms, so the
// fed-side history of a room can be followed without an account on
// either protocol.
package feeds

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/feeds"
	"github.com/labstack/echo/v4"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/profile"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// feedItems is how many of the room's newest bridged notes appear.
const feedItems = 20

type FeedsService struct {
	Profile *profile.Profile
	Store   *store.Store
}

func NewFeedsService(instanceProfile *profile.Profile, st *store.Store) *FeedsService {
	return &FeedsService{Profile: instanceProfile, Store: st}
}

func (s *FeedsService) RegisterRoutes(e *echo.Echo) {
	e.GET("/feeds/rooms/:roomID", s.roomFeed)
}

// roomFeed renders the newest bridged notes of a public room. Non-public
// rooms answer 404 so the feed surface can not be used to probe DMs.
func (s *FeedsService) roomFeed(c echo.Context) error {
	roomID := c.Param("roomID")
	if unescaped, err := url.PathUnescape(roomID); err == nil {
		roomID = unescaped
	}
	ctx := c.Request().Context()
	room, err := s.Store.GetRoom(ctx, &store.FindRoom{ChatRoomID: &roomID})
	if err != nil {
		return err
	}
	if room == nil || room.RoomType != store.RoomTypePublic {
		return echo.NewHTTPError(http.StatusNotFound, "no feed for this room")
	}

	limit := feedItems
	mappings, err := s.Store.ListMessageMappings(ctx, &store.FindMessageMapping{
		RoomID:    &room.ID,
		OrderDesc: true,
		Limit:     &limit,
	})
	if err != nil {
		return err
	}

	feed := &feeds.Feed{
		Title:   "Bridged room " + room.ChatRoomID,
		Link:    &feeds.Link{Href: s.Profile.FedBaseURL + "/feeds/rooms/" + url.PathEscape(room.ChatRoomID)},
		Updated: time.Now(),
	}
	if room.FedContextID != nil {
		feed.Description = "Notes in conversation " + *room.FedContextID
	}

	for _, m := range mappings {
		if m.FedObjectID == nil {
			continue
		}
		item := &feeds.Item{
			Id:      *m.FedObjectID,
			Title:   "Note",
			Link:    &feeds.Link{Href: *m.FedObjectID},
			Created: time.Unix(m.CreatedTs, 0),
		}
		if sender, err := s.Store.GetUser(ctx, &store.FindUser{ID: &m.SenderID}); err == nil && sender != nil && sender.DisplayName != "" {
			item.Author = &feeds.Author{Name: sender.DisplayName}
		}
		feed.Items = append(feed.Items, item)
	}
	if len(feed.Items) > 0 {
		feed.Updated = feed.Items[0].Created
	}

	atom, err := feed.ToAtom()
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=300")
	return c.Blob(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(atom))
}
