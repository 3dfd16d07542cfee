// Package appservice implements the chat homeserver side of the bridge:
// application-service wire types, ghost identity minting, the registration
// document, and the client used to act on the homeserver.
package appservice

import (
	"strings"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
)

// Event type names in the application-service dialect.
const (
	EventMessage   = "m.room.message"
	EventReaction  = "m.reaction"
	EventRedaction = "m.room.redaction"
	EventMember    = "m.room.member"
)

// Message types carried in m.room.message content.
const (
	MsgText   = "m.text"
	MsgNotice = "m.notice"
	MsgEmote  = "m.emote"
	MsgImage  = "m.image"
	MsgVideo  = "m.video"
	MsgAudio  = "m.audio"
	MsgFile   = "m.file"
)

// Formats a message may declare for its formatted body.
const (
	FormatHTML     = "org.matrix.custom.html"
	FormatMarkdown = "org.matrix.custom.markdown"
)

// Membership states in m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
)

// Relation types the bridge reads: reactions annotate, edits replace.
const (
	RelAnnotation = "m.annotation"
	RelReplace    = "m.replace"
)

// Transaction is the body of a homeserver PUT /transactions/:txnId call.
type Transaction struct {
	Events []*Event `json:"events"`
}

// Event is a single homeserver event delivered in a transaction.
type Event struct {
	ID        string       `json:"event_id"`
	Type      string       `json:"type"`
	RoomID    string       `json:"room_id"`
	Sender    string       `json:"sender"`
	Timestamp int64        `json:"origin_server_ts"`
	StateKey  *string      `json:"state_key,omitempty"`
	Redacts   string       `json:"redacts,omitempty"`
	Content   EventContent `json:"content"`
}

// EventContent is the union of the content fields the bridge reads and
// writes. Which fields apply depends on the event type.
type EventContent struct {
	MsgType       string     `json:"msgtype,omitempty"`
	Body          string     `json:"body,omitempty"`
	Format        string     `json:"format,omitempty"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	URL           string     `json:"url,omitempty"`
	Info          *FileInfo  `json:"info,omitempty"`
	Membership    string     `json:"membership,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
	// NewContent carries the replacement body of an edit event.
	NewContent *EventContent `json:"m.new_content,omitempty"`
}

// FileInfo describes an attachment in message content.
type FileInfo struct {
	MimeType   string `json:"mimetype,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Width      int    `json:"w,omitempty"`
	Height     int    `json:"h,omitempty"`
	DurationMs int64  `json:"duration,omitempty"`
	Blurhash   string `json:"blurhash,omitempty"`
}

// RelatesTo carries reply and reaction relations.
type RelatesTo struct {
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
	RelType   string     `json:"rel_type,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Key       string     `json:"key,omitempty"`
}

// InReplyTo names the event a message replies to.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// ReplyTarget returns the replied-to event id, if any.
func (c *EventContent) ReplyTarget() string {
	if c.RelatesTo == nil || c.RelatesTo.InReplyTo == nil {
		return ""
	}
	return c.RelatesTo.InReplyTo.EventID
}

// ParseUserID splits @localpart:server. The server part keeps its case;
// chat user ids are compared as stored.
func ParseUserID(userID string) (localpart, server string, err error) {
	rest, ok := strings.CutPrefix(userID, "@")
	if !ok {
		return "", "", bridgeerr.Validation("appservice.bad_user_id", "user id %q lacks the @ sigil", userID)
	}
	localpart, server, ok = strings.Cut(rest, ":")
	if !ok || localpart == "" || server == "" {
		return "", "", bridgeerr.Validation("appservice.bad_user_id", "user id %q lacks a localpart or server", userID)
	}
	return localpart, server, nil
}
