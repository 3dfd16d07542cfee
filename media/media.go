// Package media translates opaque homeserver media handles into fetchable
// proxy URLs and back. Ingestion validates size and MIME type, extracts
// image metadata, and uploads to the homeserver; the proxy side caches
// payloads and thumbnails under a byte budget.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/cache"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/media/blurhashenc"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

const (
	// DefaultMaxBytes bounds a single ingested media object.
	DefaultMaxBytes = 50 * 1024 * 1024
	// DefaultCacheBytes bounds the in-memory proxy cache.
	DefaultCacheBytes = 100 * 1024 * 1024

	defaultThumbnailMax = 1024
	defaultThumbnailDim = 320
	thumbnailQuality    = 85

	blurhashXComponents = 4
	blurhashYComponents = 3
	blurhashSampleDim   = 32
)

// Cache lifetimes served by the proxy endpoints.
const (
	ProxyCacheControl     = "public, max-age=86400"
	ThumbnailCacheControl = "public, max-age=604800"
)

// DefaultAllowedMIME is the ingestion allow-list applied when the profile
// configures none.
var DefaultAllowedMIME = []string{"image/*", "video/*", "audio/*", "application/pdf", "text/plain"}

// Homeserver is the slice of the appservice client the gateway needs:
// raw media transfer against the chat homeserver. UploadMedia returns the
// opaque handle minted by the homeserver.
type Homeserver interface {
	DownloadMedia(ctx context.Context, server, mediaID string) ([]byte, string, error)
	UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error)
}

// Downloader fetches fed-side resources with a byte cap. The federation
// client satisfies it.
type Downloader interface {
	Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error)
}

// Config tunes the gateway. Zero values fall back to the defaults above.
type Config struct {
	// BaseURL is the public fed base URL without a trailing slash.
	BaseURL string
	// MaxBytes caps a single downloaded object.
	MaxBytes int64
	// CacheBytes is the proxy cache budget.
	CacheBytes int64
	// AllowedMIME is the ingestion allow-list; entries are exact types or
	// type/* wildcards.
	AllowedMIME []string
	// ThumbnailMax is the largest thumbnail dimension served.
	ThumbnailMax int
}

// Gateway moves media across the bridge in both directions.
type Gateway struct {
	config     Config
	homeserver Homeserver
	downloader Downloader
	store      *store.Store
	cache      *cache.ByteBudgetCache
}

// NewGateway builds a gateway, filling unset config fields with defaults.
func NewGateway(config Config, homeserver Homeserver, downloader Downloader, st *store.Store) *Gateway {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	if config.CacheBytes <= 0 {
		config.CacheBytes = DefaultCacheBytes
	}
	if len(config.AllowedMIME) == 0 {
		config.AllowedMIME = DefaultAllowedMIME
	}
	if config.ThumbnailMax <= 0 {
		config.ThumbnailMax = defaultThumbnailMax
	}
	return &Gateway{
		config:     config,
		homeserver: homeserver,
		downloader: downloader,
		store:      st,
		cache:      cache.NewByteBudgetCache(config.CacheBytes),
	}
}

const handlePrefix = "handle://"

// FormatHandle renders the opaque handle for a (server, id) pair.
func FormatHandle(server, mediaID string) string {
	return handlePrefix + server + "/" + mediaID
}

// ParseHandle splits handle://<server>/<id> into its parts.
func ParseHandle(handle string) (server, mediaID string, err error) {
	rest, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok {
		return "", "", bridgeerr.Validation("media.bad_handle", "media handle %q lacks the handle:// scheme", handle)
	}
	server, mediaID, ok = strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" {
		return "", "", bridgeerr.Validation("media.bad_handle", "media handle %q lacks a server or id", handle)
	}
	return server, mediaID, nil
}

// ProxyURL returns the local proxy URL for a handle. Path segments are
// base64url so arbitrary server names and ids survive routing.
func ProxyURL(baseURL, handle string) (string, error) {
	server, mediaID, err := ParseHandle(handle)
	if err != nil {
		return "", err
	}
	return baseURL + "/media/" +
		base64.RawURLEncoding.EncodeToString([]byte(server)) + "/" +
		base64.RawURLEncoding.EncodeToString([]byte(mediaID)), nil
}

// DecodeSegment reverses the proxy URL path encoding.
func DecodeSegment(segment string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "", bridgeerr.Validation("media.bad_segment", "malformed media path segment").Wrap(err)
	}
	return string(raw), nil
}

// HandleToURL returns the proxy URL serving a chat media handle. Nothing
// is fetched here; the proxy endpoint fetches on demand.
func (g *Gateway) HandleToURL(handle string) (string, error) {
	return ProxyURL(g.config.BaseURL, handle)
}

// DescribeHandle returns the proxy URL for a handle together with the
// stored metadata row, if ingestion ever recorded one. A missing row is
// not an error; translation falls back to event-supplied metadata.
func (g *Gateway) DescribeHandle(ctx context.Context, handle string) (string, *store.Media, error) {
	proxied, err := g.HandleToURL(handle)
	if err != nil {
		return "", nil, err
	}
	row, err := g.store.GetMedia(ctx, &store.FindMedia{ChatMediaHandle: &handle})
	if err != nil {
		return "", nil, err
	}
	return proxied, row, nil
}

// URLToHandle ingests a fed-side media URL: download, validate, extract
// metadata, upload to the homeserver, persist the mapping row. Re-ingesting
// a known URL returns the existing row without a download.
func (g *Gateway) URLToHandle(ctx context.Context, rawURL, altText string) (*store.Media, error) {
	existing, err := g.store.GetMedia(ctx, &store.FindMedia{FedMediaURL: &rawURL})
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ChatMediaHandle != nil {
		return existing, nil
	}

	data, declaredType, err := g.downloader.Download(ctx, rawURL, g.config.MaxBytes)
	if err != nil {
		return nil, err
	}
	mimeType := normalizeMIME(declaredType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMIME(SniffMIME(data))
	}
	if !MIMEAllowed(g.config.AllowedMIME, mimeType) {
		return nil, bridgeerr.Validation("media.type_not_allowed", "media type %s is not allowed", mimeType).With("url", rawURL)
	}

	m := &store.Media{
		FedMediaURL: &rawURL,
		MimeType:    mimeType,
		FileSize:    int64(len(data)),
		AltText:     altText,
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
			bounds := img.Bounds()
			m.Width = bounds.Dx()
			m.Height = bounds.Dy()
			m.Blurhash = previewHash(img)
		} else {
			slog.Warn("Failed to decode image for metadata",
				"url", rawURL,
				"mime_type", mimeType,
				"error", err,
			)
		}
	case strings.HasPrefix(mimeType, "video/"), strings.HasPrefix(mimeType, "audio/"):
		// Clients still render a preview tile; a neutral placeholder stands
		// in for the frame we cannot extract.
		m.Blurhash = blurhashenc.Solid(color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff})
	}

	handle, err := g.homeserver.UploadMedia(ctx, data, mimeType, filenameFor(rawURL, mimeType))
	if err != nil {
		return nil, err
	}
	m.ChatMediaHandle = &handle

	return g.store.UpsertMedia(ctx, m)
}

// Proxy fetches the payload for a handle, caching it under the byte
// budget. The content type is re-sniffed so cache hits and misses agree.
func (g *Gateway) Proxy(ctx context.Context, server, mediaID string) ([]byte, string, error) {
	key := "handle:" + FormatHandle(server, mediaID)
	if data, ok := g.cache.Get(key); ok {
		return data, SniffMIME(data), nil
	}

	data, _, err := g.homeserver.DownloadMedia(ctx, server, mediaID)
	if err != nil {
		return nil, "", err
	}
	g.cache.Set(key, data)
	return data, SniffMIME(data), nil
}

// Thumbnail serves a JPEG fit inside width x height, never upscaling.
// Dimensions outside [1, ThumbnailMax] are normalized.
func (g *Gateway) Thumbnail(ctx context.Context, server, mediaID string, width, height int) ([]byte, error) {
	width, height = g.normalizeThumbnailSize(width, height)
	key := fmt.Sprintf("thumb:%s:%dx%d", FormatHandle(server, mediaID), width, height)
	if data, ok := g.cache.Get(key); ok {
		return data, nil
	}

	full, _, err := g.Proxy(ctx, server, mediaID)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(full), imaging.AutoOrientation(true))
	if err != nil {
		return nil, bridgeerr.Validation("media.not_an_image", "media %s is not a decodable image", FormatHandle(server, mediaID)).Wrap(err)
	}

	thumb := imaging.Fit(img, width, height, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		return nil, errors.Wrap(err, "encode thumbnail")
	}
	g.cache.Set(key, buf.Bytes())
	return buf.Bytes(), nil
}

func (g *Gateway) normalizeThumbnailSize(width, height int) (int, int) {
	norm := func(v int) int {
		switch {
		case v <= 0:
			return defaultThumbnailDim
		case v > g.config.ThumbnailMax:
			return g.config.ThumbnailMax
		}
		return v
	}
	return norm(width), norm(height)
}

// CacheStats reports resident proxy-cache entries and bytes.
func (g *Gateway) CacheStats() (entries int, bytes int64) {
	return g.cache.Len(), g.cache.UsedBytes()
}

func previewHash(img image.Image) string {
	small := imaging.Fit(img, blurhashSampleDim, blurhashSampleDim, imaging.Lanczos)
	hash, err := blurhash.Encode(blurhashXComponents, blurhashYComponents, small)
	if err != nil {
		return ""
	}
	return hash
}

// MIMEAllowed reports whether mimeType matches the allow-list. Entries
// are exact types or type/* wildcards.
func MIMEAllowed(allowed []string, mimeType string) bool {
	mimeType = normalizeMIME(mimeType)
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "*" || pattern == "*/*":
			return true
		case strings.HasSuffix(pattern, "/*"):
			if strings.HasPrefix(mimeType, pattern[:len(pattern)-1]) {
				return true
			}
		case pattern == mimeType:
			return true
		}
	}
	return false
}

// SniffMIME detects the MIME type of payload bytes.
func SniffMIME(data []byte) string {
	return http.DetectContentType(data)
}

// ExtensionForMIME returns a file extension for a MIME type.
func ExtensionForMIME(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

func normalizeMIME(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func filenameFor(rawURL, mimeType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "media" + ExtensionForMIME(mimeType)
}
