package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20

	clientPrefix = "/_matrix/client/v3"
	mediaPrefix  = "/_matrix/media/v3"
)

// Options configures the homeserver client.
type Options struct {
	// HomeserverURL is the base URL without a trailing slash.
	HomeserverURL string
	// ASToken authenticates the bridge to the homeserver.
	ASToken string
	// LocalDomain is the chat server name.
	LocalDomain string
	// SenderLocalpart is the bridge bot's localpart.
	SenderLocalpart string
	// Timeout bounds each request. Zero means 30 seconds.
	Timeout time.Duration
}

// Client talks to the chat homeserver with appservice credentials. Ghost
// identities are asserted per call via the user_id query parameter.
type Client struct {
	http            *http.Client
	baseURL         string
	asToken         string
	localDomain     string
	senderLocalpart string
}

// NewClient builds a homeserver client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:            &http.Client{Timeout: timeout},
		baseURL:         strings.TrimRight(opts.HomeserverURL, "/"),
		asToken:         opts.ASToken,
		localDomain:     opts.LocalDomain,
		senderLocalpart: opts.SenderLocalpart,
	}
}

// BotUserID is the bridge bot's full user id.
func (c *Client) BotUserID() string {
	return BotUserID(c.senderLocalpart, c.localDomain)
}

// RegisterGhost creates the ghost account for a localpart. An already
// registered ghost is not an error.
func (c *Client) RegisterGhost(ctx context.Context, localpart string) error {
	body := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	err := c.do(ctx, http.MethodPost, clientPrefix+"/register", nil, body, nil, c.asToken)
	var be *bridgeerr.Error
	if errors.As(err, &be) && be.Details["errcode"] == "M_USER_IN_USE" {
		return nil
	}
	return err
}

// SetDisplayName updates a ghost's profile name.
func (c *Client) SetDisplayName(ctx context.Context, userID, name string) error {
	path := clientPrefix + "/profile/" + url.PathEscape(userID) + "/displayname"
	return c.do(ctx, http.MethodPut, path, impersonate(userID), map[string]any{"displayname": name}, nil, c.asToken)
}

// SetAvatarURL updates a ghost's avatar to a chat media handle.
func (c *Client) SetAvatarURL(ctx context.Context, userID, avatarURL string) error {
	path := clientPrefix + "/profile/" + url.PathEscape(userID) + "/avatar_url"
	return c.do(ctx, http.MethodPut, path, impersonate(userID), map[string]any{"avatar_url": avatarURL}, nil, c.asToken)
}

// SendEvent sends a room event as the given user, or as the bot when
// asUserID is empty. Returns the new event id.
func (c *Client) SendEvent(ctx context.Context, asUserID, roomID, eventType string, content any) (string, error) {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/send/" + url.PathEscape(eventType) + "/" + shortuuid.New()
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, impersonate(asUserID), content, &out, c.asToken); err != nil {
		return "", err
	}
	return out.EventID, nil
}

// SendMessage sends an m.room.message as the given user.
func (c *Client) SendMessage(ctx context.Context, asUserID, roomID string, content *EventContent) (string, error) {
	return c.SendEvent(ctx, asUserID, roomID, EventMessage, content)
}

// SendMessageAsPuppet posts with a double-puppeted user's own access
// token, so the event carries their real identity.
func (c *Client) SendMessageAsPuppet(ctx context.Context, accessToken, roomID string, content *EventContent) (string, error) {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/send/" + EventMessage + "/" + shortuuid.New()
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, nil, content, &out, accessToken); err != nil {
		return "", err
	}
	return out.EventID, nil
}

// SendNotice posts an m.notice as the bot. Used for admin room digests
// and moderation notices.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	_, err := c.SendMessage(ctx, "", roomID, &EventContent{MsgType: MsgNotice, Body: text})
	return err
}

// Redact removes an event, as the given user or the bot.
func (c *Client) Redact(ctx context.Context, asUserID, roomID, eventID, reason string) (string, error) {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/redact/" + url.PathEscape(eventID) + "/" + shortuuid.New()
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, impersonate(asUserID), body, &out, c.asToken); err != nil {
		return "", err
	}
	return out.EventID, nil
}

// JoinRoom joins a room id or alias as the given user.
func (c *Client) JoinRoom(ctx context.Context, asUserID, roomIDOrAlias string) error {
	path := clientPrefix + "/join/" + url.PathEscape(roomIDOrAlias)
	return c.do(ctx, http.MethodPost, path, impersonate(asUserID), map[string]any{}, nil, c.asToken)
}

// LeaveRoom leaves a room as the given user.
func (c *Client) LeaveRoom(ctx context.Context, asUserID, roomID string) error {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/leave"
	return c.do(ctx, http.MethodPost, path, impersonate(asUserID), map[string]any{}, nil, c.asToken)
}

// InviteUser invites a chat user to a room, as the bot.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/invite"
	return c.do(ctx, http.MethodPost, path, nil, map[string]any{"user_id": userID}, nil, c.asToken)
}

// CreateDirectRoom creates a DM between a ghost and a local user and
// returns the room id.
func (c *Client) CreateDirectRoom(ctx context.Context, ghostUserID, inviteUserID string) (string, error) {
	body := map[string]any{
		"is_direct": true,
		"preset":    "trusted_private_chat",
		"invite":    []string{inviteUserID},
	}
	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/createRoom", impersonate(ghostUserID), body, &out, c.asToken); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

// CreateRoom creates a private room and returns its id. Used for the
// timeline rooms that carry a remote actor's public posts.
func (c *Client) CreateRoom(ctx context.Context, creatorUserID, name, topic string, invite []string) (string, error) {
	body := map[string]any{
		"preset": "private_chat",
		"name":   name,
	}
	if topic != "" {
		body["topic"] = topic
	}
	if len(invite) > 0 {
		body["invite"] = invite
	}
	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/createRoom", impersonate(creatorUserID), body, &out, c.asToken); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

// JoinedMembers lists the user ids currently joined to a room, sorted.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/joined_members"
	var out struct {
		Joined map[string]json.RawMessage `json:"joined"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out, c.asToken); err != nil {
		return nil, err
	}
	members := make([]string, 0, len(out.Joined))
	for userID := range out.Joined {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members, nil
}

// JoinRule fetches a room's join rule. Rooms without the state event are
// invite-only.
func (c *Client) JoinRule(ctx context.Context, roomID string) (string, error) {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/state/m.room.join_rules/"
	var out struct {
		JoinRule string `json:"join_rule"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out, c.asToken); err != nil {
		if bridgeerr.KindOf(err) == bridgeerr.KindNotFound {
			return "invite", nil
		}
		return "", err
	}
	return out.JoinRule, nil
}

// UploadMedia posts bytes to the homeserver media repository and returns
// the opaque handle it mints.
func (c *Client) UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	query := url.Values{}
	if filename != "" {
		query.Set("filename", filename)
	}
	u := c.baseURL + mediaPrefix + "/upload?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", bridgeerr.Federation("homeserver.unreachable", "media upload failed").Wrap(err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", c.classify(resp)
	}

	var out struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", bridgeerr.Federation("homeserver.bad_response", "invalid upload response").Wrap(err)
	}
	if !strings.HasPrefix(out.ContentURI, "handle://") {
		return "", bridgeerr.Federation("homeserver.bad_handle", "homeserver returned unusable content uri %q", out.ContentURI)
	}
	return out.ContentURI, nil
}

// DownloadMedia fetches raw bytes for a handle's (server, id) pair.
func (c *Client) DownloadMedia(ctx context.Context, server, mediaID string) ([]byte, string, error) {
	u := c.baseURL + mediaPrefix + "/download/" + url.PathEscape(server) + "/" + url.PathEscape(mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build download request")
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", bridgeerr.Federation("homeserver.unreachable", "media download failed").Wrap(err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, "", c.classify(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", bridgeerr.Federation("homeserver.bad_response", "media download truncated").Wrap(err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func impersonate(userID string) url.Values {
	if userID == "" {
		return nil
	}
	return url.Values{"user_id": []string{userID}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, token string) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "build homeserver request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return bridgeerr.Federation("homeserver.unreachable", "homeserver request failed").Wrap(err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode/100 != 2 {
		return c.classify(resp)
	}
	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
			return bridgeerr.Federation("homeserver.bad_response", "invalid homeserver response").Wrap(err)
		}
	}
	return nil
}

// classify turns a homeserver error response into the bridge taxonomy.
// The errcode lands in the details bag for callers that branch on it.
func (c *Client) classify(resp *http.Response) error {
	var body struct {
		Errcode      string `json:"errcode"`
		Error        string `json:"error"`
		RetryAfterMs int64  `json:"retry_after_ms"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body)

	var err *bridgeerr.Error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err = bridgeerr.RateLimit("homeserver.rate_limited", time.Duration(body.RetryAfterMs)*time.Millisecond)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err = bridgeerr.Authorization("homeserver.denied", "homeserver denied the request: %s", body.Error)
	case resp.StatusCode == http.StatusNotFound:
		err = bridgeerr.NotFound("homeserver.not_found", "homeserver has no such resource")
	case resp.StatusCode/100 == 4:
		err = bridgeerr.Validation("homeserver.rejected", "homeserver rejected the request: %s", body.Error)
	default:
		err = bridgeerr.Federation("homeserver.unavailable", "homeserver returned %d", resp.StatusCode)
	}
	if body.Errcode != "" {
		err = err.With("errcode", body.Errcode)
	}
	return err.With("status", resp.StatusCode)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
