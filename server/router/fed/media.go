package fed

import (
	"net/http"
	"strconv"

	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/media"
)

const (
	thumbnailDefault = 400
	thumbnailMax     = 1600
)

// proxyMedia streams a homeserver media item to fed-side clients. Path
// segments are base64url-encoded server name and media id, matching the
// URLs the transformer embeds in outgoing notes.
func (s *FedService) proxyMedia(c echo.Context) error {
	server, mediaID, err := s.mediaParams(c)
	if err != nil {
		return err
	}
	data, mime, err := s.media.Proxy(c.Request().Context(), server, mediaID)
	if err != nil {
		slog.Warn("media proxy fetch failed", "server", server, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to fetch media")
	}
	if !media.MIMEAllowed(s.Profile.MediaAllowedMIME, mime) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "media type not allowed")
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=86400, immutable")
	return c.Blob(http.StatusOK, mime, data)
}

func (s *FedService) thumbnail(c echo.Context) error {
	server, mediaID, err := s.mediaParams(c)
	if err != nil {
		return err
	}
	width := boundedDimension(c.QueryParam("width"))
	height := boundedDimension(c.QueryParam("height"))
	data, err := s.media.Thumbnail(c.Request().Context(), server, mediaID, width, height)
	if err != nil {
		slog.Warn("thumbnail failed", "server", server, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to build thumbnail")
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=604800, immutable")
	return c.Blob(http.StatusOK, "image/jpeg", data)
}

func (s *FedService) mediaParams(c echo.Context) (server, mediaID string, err error) {
	if s.media == nil {
		return "", "", echo.NewHTTPError(http.StatusNotFound, "media proxy disabled")
	}
	server, err = media.DecodeSegment(c.Param("server"))
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "malformed media path")
	}
	mediaID, err = media.DecodeSegment(c.Param("id"))
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "malformed media path")
	}
	return server, mediaID, nil
}

func boundedDimension(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return thumbnailDefault
	}
	if n > thumbnailMax {
		return thumbnailMax
	}
	return n
}
