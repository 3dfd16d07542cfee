package transformer

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/media"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// ChatMessageToNote translates an m.room.message event into a note and
// its Create wrapper. The note id derives from the event id, so retrying
// the same event mints the same object.
func ChatMessageToNote(ctx context.Context, tc *Context, event *appservice.Event, room RoomInfo) (*ChatResult, error) {
	if event.Type != appservice.EventMessage {
		return nil, bridgeerr.Validation("transform.not_a_message", "event %s is %s, not %s", event.ID, event.Type, appservice.EventMessage)
	}
	actor, err := tc.ActorFor(ctx, event.Sender)
	if err != nil {
		return nil, err
	}

	objectID := activity.ObjectIRI(tc.BaseURL, event.ID)
	note := &activity.Note{
		ID:           objectID,
		Type:         activity.ObjectNote,
		AttributedTo: activity.IRI(actor),
		Conversation: room.FedContextID,
		URL:          objectID,
		Published:    activity.FormatPublished(time.UnixMilli(event.Timestamp)),
	}
	note.To, note.CC = audienceFor(room, actor)

	content := &event.Content
	switch content.MsgType {
	case appservice.MsgText, appservice.MsgNotice, appservice.MsgEmote:
		rendered, err := renderOutboundBody(tc, event)
		if err != nil {
			return nil, err
		}
		if content.MsgType == appservice.MsgEmote {
			name := senderName(event.Sender)
			rendered.markup = "<em>" + html.EscapeString(name) + " " + rendered.markup + "</em>"
			rendered.text = name + " " + rendered.text
		}
		note.Content = rendered.markup
		note.Source = rendered.source
		note.Sensitive = rendered.sensitive
		note.Summary = rendered.summary
		note.Tag = append(extractTags(ctx, tc, rendered.text), rendered.emojis...)
	case appservice.MsgImage, appservice.MsgVideo, appservice.MsgAudio, appservice.MsgFile:
		att, err := outboundAttachment(ctx, tc, content)
		if err != nil {
			return nil, err
		}
		note.Attachment = []activity.Attachment{*att}
	default:
		return nil, bridgeerr.Validation("transform.unknown_msgtype", "no translation for msgtype %q", content.MsgType)
	}

	if target := content.ReplyTarget(); target != "" {
		// unmapped or malformed targets drop the relation, not the note
		if mapped, ok := tc.ObjectIDFor(ctx, target); ok {
			note.InReplyTo = mapped
		}
	}

	create := activity.NewCreate(activity.DeterministicID(tc.BaseURL, activity.TypeCreate, objectID), actor, note)
	return &ChatResult{
		Activity: create,
		Note:     note,
		Mappings: []Mapping{{ChatEventID: event.ID, FedObjectID: objectID}},
	}, nil
}

// renderedBody is the outcome of rendering one message body.
type renderedBody struct {
	markup    string
	text      string
	sensitive bool
	summary   string
	source    *activity.Source
	emojis    []activity.Tag
}

// renderOutboundBody renders the body to fed HTML. Formatted bodies go
// through the sanitizing rewriter; bare plain text is escaped verbatim,
// mentions included.
func renderOutboundBody(tc *Context, event *appservice.Event) (*renderedBody, error) {
	content := &event.Content
	out := &renderedBody{}

	var source string
	switch content.Format {
	case appservice.FormatHTML:
		source = content.FormattedBody
	case appservice.FormatMarkdown:
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(content.Body), &buf); err != nil {
			return nil, bridgeerr.Validation("transform.bad_markdown", "markdown body does not render").Wrap(err)
		}
		source = buf.String()
		out.source = &activity.Source{Content: content.Body, MediaType: "text/markdown"}
	}

	if source == "" {
		out.markup = html.EscapeString(content.Body)
		out.text = content.Body
		return out, nil
	}

	w := &outboundRewriter{tc: tc, out: out}
	out.markup = transformHTML(source, w.visitTag, chatMentionsToFed)
	out.text = HTMLToText(out.markup)
	return out, nil
}

// outboundRewriter accumulates emoji tags and spoiler state while the
// tokenizer walks a formatted body.
type outboundRewriter struct {
	tc  *Context
	out *renderedBody
}

func (w *outboundRewriter) visitTag(tok *html.Token) (string, bool) {
	// custom emoji first, before src rewriting can touch the icon
	if tok.Data == "img" {
		if shortcode, icon, ok := emojiFromImg(tok); ok {
			w.addEmoji(shortcode, icon)
			return html.EscapeString(shortcode), false
		}
	}
	rewriteHandleURLs(w.tc.BaseURL, tok)
	applyStyleAttrs(tok)
	if label, ok := takeSpoiler(tok); ok {
		w.out.sensitive = true
		if w.out.summary == "" {
			w.out.summary = label
		}
	}
	return "", true
}

func (w *outboundRewriter) addEmoji(shortcode, icon string) {
	for _, t := range w.out.emojis {
		if t.Name == shortcode {
			return
		}
	}
	if strings.HasPrefix(icon, "handle://") {
		if proxied, err := media.ProxyURL(w.tc.BaseURL, icon); err == nil {
			icon = proxied
		}
	}
	w.out.emojis = append(w.out.emojis, activity.Tag{
		Type: activity.TagEmoji,
		Name: shortcode,
		Icon: &activity.Image{Type: "Image", URL: icon},
	})
}

// emojiFromImg recognizes a custom emoji img and extracts its shortcode
// and icon URL.
func emojiFromImg(tok *html.Token) (shortcode, icon string, ok bool) {
	var isEmoji bool
	var alt, title, src string
	for _, a := range tok.Attr {
		switch strings.ToLower(a.Key) {
		case "data-mx-emoticon":
			isEmoji = true
		case "alt":
			alt = a.Val
		case "title":
			title = a.Val
		case "src":
			src = a.Val
		}
	}
	if !isEmoji || src == "" {
		return "", "", false
	}
	shortcode = alt
	if shortcode == "" {
		shortcode = title
	}
	if shortcode == "" {
		return "", "", false
	}
	if !strings.HasPrefix(shortcode, ":") {
		shortcode = ":" + shortcode
	}
	if !strings.HasSuffix(shortcode, ":") || len(shortcode) < 3 {
		shortcode += ":"
	}
	return shortcode, src, true
}

// rewriteHandleURLs swaps handle:// references in src and href for their
// public proxy URLs so remote servers can fetch them.
func rewriteHandleURLs(baseURL string, tok *html.Token) {
	for i, a := range tok.Attr {
		key := strings.ToLower(a.Key)
		if key != "src" && key != "href" {
			continue
		}
		if !strings.HasPrefix(a.Val, "handle://") {
			continue
		}
		if proxied, err := media.ProxyURL(baseURL, a.Val); err == nil {
			tok.Attr[i].Val = proxied
		}
	}
}

// applyStyleAttrs converts chat color attributes into the inline styles
// fed renderers understand.
func applyStyleAttrs(tok *html.Token) {
	var styles []string
	kept := tok.Attr[:0]
	for _, a := range tok.Attr {
		switch strings.ToLower(a.Key) {
		case "data-mx-color":
			styles = append(styles, "color: "+a.Val)
		case "data-mx-bg-color":
			styles = append(styles, "background-color: "+a.Val)
		default:
			kept = append(kept, a)
		}
	}
	if len(styles) == 0 {
		tok.Attr = kept
		return
	}
	merged := strings.Join(styles, "; ")
	for i := range kept {
		if strings.ToLower(kept[i].Key) == "style" {
			kept[i].Val = strings.TrimRight(kept[i].Val, " ;") + "; " + merged
			tok.Attr = kept
			return
		}
	}
	tok.Attr = append(kept, html.Attribute{Key: "style", Val: merged})
}

// takeSpoiler removes a data-mx-spoiler attribute and reports its label.
func takeSpoiler(tok *html.Token) (string, bool) {
	for i, a := range tok.Attr {
		if strings.ToLower(a.Key) == "data-mx-spoiler" {
			tok.Attr = append(tok.Attr[:i], tok.Attr[i+1:]...)
			return a.Val, true
		}
	}
	return "", false
}

// senderName derives the display-ish name emotes lead with.
func senderName(userID string) string {
	localpart, _, err := appservice.ParseUserID(userID)
	if err != nil {
		return userID
	}
	return localpart
}

// outboundAttachment describes the media handle of an m.image, m.video,
// m.audio or m.file message as a fed attachment. Event-supplied metadata
// wins over the stored row.
func outboundAttachment(ctx context.Context, tc *Context, content *appservice.EventContent) (*activity.Attachment, error) {
	if content.URL == "" {
		return nil, bridgeerr.Validation("transform.no_media", "media message lacks a handle")
	}
	proxied, row, err := describeHandle(ctx, tc, content.URL)
	if err != nil {
		return nil, err
	}

	att := &activity.Attachment{URL: proxied, Name: content.Body}
	var mimeType string
	if content.Info != nil {
		mimeType = content.Info.MimeType
		att.Width = content.Info.Width
		att.Height = content.Info.Height
		att.Blurhash = content.Info.Blurhash
	}
	if row != nil {
		if mimeType == "" {
			mimeType = row.MimeType
		}
		if att.Width == 0 {
			att.Width = row.Width
		}
		if att.Height == 0 {
			att.Height = row.Height
		}
		if att.Blurhash == "" {
			att.Blurhash = row.Blurhash
		}
		if att.Name == "" {
			att.Name = row.AltText
		}
	}
	att.MediaType = mimeType
	att.Type = attachmentTypeFor(content.MsgType, mimeType)
	return att, nil
}

func describeHandle(ctx context.Context, tc *Context, handle string) (string, *store.Media, error) {
	if tc.Media != nil {
		return tc.Media.DescribeHandle(ctx, handle)
	}
	proxied, err := media.ProxyURL(tc.BaseURL, handle)
	return proxied, nil, err
}
