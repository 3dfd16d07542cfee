// Package transformer translates chat events into fed notes and fed
// notes into chat messages. Translation itself is pure: persistence and
// network effects happen behind the callbacks and the media gateway
// carried by the Context, so the same input always yields the same ids.
package transformer

import (
	"context"
	"regexp"
	"strings"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

// MediaGateway is the slice of the media gateway translation needs.
type MediaGateway interface {
	// DescribeHandle returns the proxy URL and any stored metadata row
	// for a chat media handle.
	DescribeHandle(ctx context.Context, handle string) (string, *store.Media, error)
	// URLToHandle ingests a fed attachment URL into the homeserver.
	URLToHandle(ctx context.Context, rawURL, altText string) (*store.Media, error)
}

// Context carries the lookups one translation needs. Lookups that miss
// report ok=false; translation then omits the relation rather than fail.
type Context struct {
	BaseURL     string
	LocalDomain string

	// ActorFor resolves a chat user id to its fed actor URL.
	ActorFor func(ctx context.Context, chatUserID string) (string, error)
	// ObjectIDFor resolves a chat event id to the fed object id it was
	// published under.
	ObjectIDFor func(ctx context.Context, chatEventID string) (string, bool)
	// ChatEventFor resolves a fed object id back to a chat event id.
	ChatEventFor func(ctx context.Context, fedObjectID string) (string, bool)
	// MentionHrefFor resolves a fed handle to an actor URL for mention
	// tags. Optional; unresolved mentions keep an empty href.
	MentionHrefFor func(ctx context.Context, user, host string) (string, bool)
	// Media is optional; when nil, attachments degrade and embedded
	// handles keep their proxy URLs only.
	Media MediaGateway
}

// RoomInfo is what audience selection needs to know about the source room.
type RoomInfo struct {
	Type store.RoomType
	// RecipientActor is the DM peer's actor URL.
	RecipientActor string
	// FedContextID groups the room's notes into one fed conversation.
	FedContextID string
}

// Mapping is an identifier pair the caller persists after translation.
type Mapping struct {
	ChatEventID string
	FedObjectID string
}

// ChatResult is the outcome of translating a chat message event.
type ChatResult struct {
	Activity *activity.Envelope
	Note     *activity.Note
	Mappings []Mapping
}

// FedResult is the outcome of translating a fed object. Messages are
// posted to the room in order; the first carries the reply relation.
type FedResult struct {
	ObjectID string
	Messages []*appservice.EventContent
}

// The mention grammar: chat ids are @local:server, fed handles are
// @local@server, and hashtags are plain words.
var (
	chatMentionRe = regexp.MustCompile(`@([a-zA-Z0-9._=-]+):([a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)+)`)
	fedMentionRe  = regexp.MustCompile(`@([a-zA-Z0-9._-]+)@([a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)+)`)
	hashtagRe     = regexp.MustCompile(`#[A-Za-z0-9_]+`)
)

// chatMentionsToFed rewrites @user:server chat ids into fed handles.
func chatMentionsToFed(text string) string {
	return chatMentionRe.ReplaceAllString(text, "@$1@$2")
}

// fedMentionsToChat rewrites fed handles into chat ids, minting ghost
// ids for remote instances.
func fedMentionsToChat(text, localDomain string) string {
	return fedMentionRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := fedMentionRe.FindStringSubmatch(m)
		user, host := parts[1], strings.ToLower(parts[2])
		if host == localDomain {
			return "@" + user + ":" + host
		}
		return appservice.GhostUserID(user, host, localDomain)
	})
}

// extractTags builds mention and hashtag tag objects from the plain-text
// rendering, so markup and entities never produce phantom tags.
func extractTags(ctx context.Context, tc *Context, text string) []activity.Tag {
	var tags []activity.Tag
	seen := map[string]bool{}
	for _, m := range fedMentionRe.FindAllStringSubmatch(text, -1) {
		name := m[0]
		if seen[name] {
			continue
		}
		seen[name] = true
		tag := activity.Tag{Type: activity.TagMention, Name: name}
		if tc.MentionHrefFor != nil {
			if href, ok := tc.MentionHrefFor(ctx, m[1], strings.ToLower(m[2])); ok {
				tag.Href = href
			}
		}
		tags = append(tags, tag)
	}
	for _, h := range hashtagRe.FindAllString(text, -1) {
		if seen[h] {
			continue
		}
		seen[h] = true
		tags = append(tags, activity.Tag{
			Type: activity.TagHashtag,
			Name: h,
			Href: tc.BaseURL + "/tags/" + strings.ToLower(strings.TrimPrefix(h, "#")),
		})
	}
	return tags
}

// attachmentTypeFor maps a chat media message onto the fed attachment
// vocabulary, preferring the declared MIME type.
func attachmentTypeFor(msgType, mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return activity.AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return activity.AttachmentVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return activity.AttachmentAudio
	case mimeType != "":
		return activity.AttachmentDocument
	}
	switch msgType {
	case appservice.MsgImage:
		return activity.AttachmentImage
	case appservice.MsgVideo:
		return activity.AttachmentVideo
	case appservice.MsgAudio:
		return activity.AttachmentAudio
	}
	return activity.AttachmentDocument
}

// msgTypeFor picks the chat message type for a fed attachment, from the
// validated MIME type first and the declared attachment type second.
func msgTypeFor(att *activity.Attachment, mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return appservice.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return appservice.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return appservice.MsgAudio
	case mimeType != "":
		return appservice.MsgFile
	}
	switch att.Type {
	case activity.AttachmentImage:
		return appservice.MsgImage
	case activity.AttachmentVideo:
		return appservice.MsgVideo
	case activity.AttachmentAudio:
		return appservice.MsgAudio
	}
	return appservice.MsgFile
}

// audienceFor selects to/cc by room type: public rooms address the world
// plus the sender's followers, groups stay follower-scoped, DMs address
// the peer alone.
func audienceFor(room RoomInfo, actor string) (to, cc []string) {
	switch room.Type {
	case store.RoomTypeDM:
		if room.RecipientActor == "" {
			return nil, nil
		}
		return []string{room.RecipientActor}, nil
	case store.RoomTypeGroup:
		return []string{actor + "/followers"}, nil
	default:
		return []string{activity.PublicURI}, []string{actor + "/followers"}
	}
}
