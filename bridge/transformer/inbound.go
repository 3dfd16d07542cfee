package transformer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
)

// FedObjectToChatMessages translates the object of an inbound Create or
// Update into chat message contents. Note-like types translate fully;
// anything else degrades to plain text.
func FedObjectToChatMessages(ctx context.Context, tc *Context, raw json.RawMessage) (*FedResult, error) {
	var note activity.Note
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, bridgeerr.Validation("transform.bad_object", "activity object does not decode").Wrap(err)
	}
	if note.ID == "" {
		return nil, bridgeerr.Validation("transform.bad_object", "activity object lacks an id")
	}
	if !noteLike(note.Type) {
		slog.Info("Degrading unknown object type to text", "type", note.Type, "object", note.ID)
		return degradeToText(&note), nil
	}
	return NoteToChatMessages(ctx, tc, &note)
}

// noteLike reports whether the object type carries note semantics.
func noteLike(t string) bool {
	switch t {
	case activity.ObjectNote, "Article", "Page", "Question":
		return true
	}
	return false
}

func degradeToText(note *activity.Note) *FedResult {
	body := HTMLToText(SanitizeHTML(note.Content))
	if body == "" {
		body = note.Name
	}
	if body == "" {
		body = note.URL
	}
	if body == "" {
		body = note.ID
	}
	return &FedResult{
		ObjectID: note.ID,
		Messages: []*appservice.EventContent{{MsgType: appservice.MsgText, Body: body}},
	}
}

// NoteToChatMessages renders a note into one text message plus one
// message per attachment. The first message carries the reply relation.
func NoteToChatMessages(ctx context.Context, tc *Context, note *activity.Note) (*FedResult, error) {
	rendered := transformHTML(note.Content, nil, func(text string) string {
		return fedMentionsToChat(text, tc.LocalDomain)
	})
	plain := HTMLToText(rendered)

	// shortcodes become imgs in the markup only; the plain body keeps
	// them verbatim
	for _, tag := range note.Tag {
		if tag.Type != activity.TagEmoji || tag.Icon == nil || tag.Name == "" {
			continue
		}
		rendered = strings.ReplaceAll(rendered, tag.Name, emojiImg(&tag))
	}

	if note.Sensitive && note.Summary != "" {
		rendered = `<span data-mx-spoiler="` + html.EscapeString(note.Summary) + `">` + rendered + `</span>`
		plain = "[" + note.Summary + "] " + plain
	}

	var messages []*appservice.EventContent
	if plain != "" || rendered != "" {
		first := &appservice.EventContent{MsgType: appservice.MsgText, Body: plain}
		if note.Content != "" {
			first.Format = appservice.FormatHTML
			first.FormattedBody = rendered
		}
		messages = append(messages, first)
	}

	for i := range note.Attachment {
		messages = append(messages, inboundAttachment(ctx, tc, &note.Attachment[i]))
	}

	if len(messages) > 0 && note.InReplyTo != "" {
		// an unmapped parent drops the relation, not the message
		if eventID, ok := tc.ChatEventFor(ctx, note.InReplyTo); ok {
			messages[0].RelatesTo = &appservice.RelatesTo{
				InReplyTo: &appservice.InReplyTo{EventID: eventID},
			}
		}
	}

	return &FedResult{ObjectID: note.ID, Messages: messages}, nil
}

func emojiImg(tag *activity.Tag) string {
	name := html.EscapeString(tag.Name)
	return `<img data-mx-emoticon src="` + html.EscapeString(tag.Icon.URL) +
		`" alt="` + name + `" title="` + name + `" height="32"/>`
}

// inboundAttachment ingests one fed attachment through the media gateway.
// Ingestion failures degrade to a text message pointing at the original.
func inboundAttachment(ctx context.Context, tc *Context, att *activity.Attachment) *appservice.EventContent {
	degraded := &appservice.EventContent{MsgType: appservice.MsgText, Body: att.URL}
	if degraded.Body == "" {
		degraded.Body = att.Name
	}
	if tc.Media == nil || att.URL == "" {
		return degraded
	}

	row, err := tc.Media.URLToHandle(ctx, att.URL, att.Name)
	if err != nil || row.ChatMediaHandle == nil {
		slog.Warn("Degrading attachment to text", "url", att.URL, "error", err)
		return degraded
	}

	mimeType := row.MimeType
	if mimeType == "" {
		mimeType = att.MediaType
	}
	return &appservice.EventContent{
		MsgType: msgTypeFor(att, mimeType),
		Body:    attachmentBody(att),
		URL:     *row.ChatMediaHandle,
		Info: &appservice.FileInfo{
			MimeType:   mimeType,
			Size:       row.FileSize,
			Width:      row.Width,
			Height:     row.Height,
			DurationMs: row.DurationMs,
			Blurhash:   row.Blurhash,
		},
	}
}

// attachmentBody picks the filename-ish body chat clients display.
func attachmentBody(att *activity.Attachment) string {
	if att.Name != "" {
		return att.Name
	}
	if u, err := url.Parse(att.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return "attachment"
}
