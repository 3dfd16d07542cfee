package transformer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/federation/activity"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/internal/bridgeerr"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/media"
	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

type fakeMedia struct {
	rows     map[string]*store.Media
	ingested map[string]*store.Media
	fail     bool
	calls    int
}

func (m *fakeMedia) DescribeHandle(_ context.Context, handle string) (string, *store.Media, error) {
	proxied, err := media.ProxyURL("https://bridge.example", handle)
	if err != nil {
		return "", nil, err
	}
	return proxied, m.rows[handle], nil
}

func (m *fakeMedia) URLToHandle(_ context.Context, rawURL, _ string) (*store.Media, error) {
	m.calls++
	if m.fail {
		return nil, bridgeerr.Federation("media.fetch_failed", "remote is down")
	}
	row, ok := m.ingested[rawURL]
	if !ok {
		return nil, bridgeerr.NotFound("media.unknown", "no row for %s", rawURL)
	}
	return row, nil
}

func testContext(m MediaGateway) *Context {
	return &Context{
		BaseURL:     "https://bridge.example",
		LocalDomain: "chat.example.org",
		ActorFor: func(_ context.Context, chatUserID string) (string, error) {
			localpart, _, err := appservice.ParseUserID(chatUserID)
			if err != nil {
				return "", err
			}
			return activity.ActorIRI("https://bridge.example", localpart), nil
		},
		ObjectIDFor: func(_ context.Context, chatEventID string) (string, bool) {
			if chatEventID == "$parent" {
				return "https://bridge.example/objects/$parent", true
			}
			return "", false
		},
		ChatEventFor: func(_ context.Context, fedObjectID string) (string, bool) {
			if fedObjectID == "https://social.example.org/notes/parent" {
				return "$parent", true
			}
			return "", false
		},
		Media: m,
	}
}

func publicRoom() RoomInfo {
	return RoomInfo{Type: store.RoomTypePublic, FedContextID: "https://bridge.example/contexts/room1"}
}

func TestChatMentionsToFed(t *testing.T) {
	in := "ping @alice:chat.example.org and @b.ob:remote-host.example"
	out := chatMentionsToFed(in)
	assert.Equal(t, "ping @alice@chat.example.org and @b.ob@remote-host.example", out)
}

func TestFedMentionsToChat(t *testing.T) {
	in := "cc @alice@chat.example.org and @bob@social.example.org"
	out := fedMentionsToChat(in, "chat.example.org")

	assert.Contains(t, out, "@alice:chat.example.org")
	assert.Contains(t, out, appservice.GhostUserID("bob", "social.example.org", "chat.example.org"))
	assert.NotContains(t, out, "@bob@social.example.org")
}

func TestExtractTags(t *testing.T) {
	tc := testContext(nil)
	tc.MentionHrefFor = func(_ context.Context, user, host string) (string, bool) {
		if user == "bob" && host == "social.example.org" {
			return "https://social.example.org/users/bob", true
		}
		return "", false
	}

	tags := extractTags(context.Background(), tc, "hey @bob@social.example.org #GoLang #golang @bob@social.example.org")
	require.Len(t, tags, 3)

	assert.Equal(t, activity.TagMention, tags[0].Type)
	assert.Equal(t, "@bob@social.example.org", tags[0].Name)
	assert.Equal(t, "https://social.example.org/users/bob", tags[0].Href)

	assert.Equal(t, activity.TagHashtag, tags[1].Type)
	assert.Equal(t, "#GoLang", tags[1].Name)
	assert.Equal(t, "https://bridge.example/tags/golang", tags[1].Href)

	assert.Equal(t, "#golang", tags[2].Name)
}

func TestAudienceFor(t *testing.T) {
	actor := "https://bridge.example/users/alice"

	to, cc := audienceFor(RoomInfo{Type: store.RoomTypePublic}, actor)
	assert.Equal(t, []string{activity.PublicURI}, to)
	assert.Equal(t, []string{actor + "/followers"}, cc)

	to, cc = audienceFor(RoomInfo{Type: store.RoomTypeDM, RecipientActor: "https://social.example.org/users/bob"}, actor)
	assert.Equal(t, []string{"https://social.example.org/users/bob"}, to)
	assert.Empty(t, cc)

	to, cc = audienceFor(RoomInfo{Type: store.RoomTypeGroup}, actor)
	assert.Equal(t, []string{actor + "/followers"}, to)
	assert.Empty(t, cc)
}

func TestAttachmentTypeFor(t *testing.T) {
	assert.Equal(t, activity.AttachmentImage, attachmentTypeFor(appservice.MsgFile, "image/png"))
	assert.Equal(t, activity.AttachmentVideo, attachmentTypeFor(appservice.MsgVideo, ""))
	assert.Equal(t, activity.AttachmentAudio, attachmentTypeFor(appservice.MsgAudio, "audio/ogg"))
	assert.Equal(t, activity.AttachmentDocument, attachmentTypeFor(appservice.MsgFile, "application/pdf"))
	assert.Equal(t, activity.AttachmentDocument, attachmentTypeFor("m.sticker", ""))
}

func TestMsgTypeFor(t *testing.T) {
	assert.Equal(t, appservice.MsgImage, msgTypeFor(&activity.Attachment{Type: activity.AttachmentDocument}, "image/webp"))
	assert.Equal(t, appservice.MsgVideo, msgTypeFor(&activity.Attachment{Type: activity.AttachmentVideo}, ""))
	assert.Equal(t, appservice.MsgFile, msgTypeFor(&activity.Attachment{}, "application/zip"))
	assert.Equal(t, appservice.MsgFile, msgTypeFor(&activity.Attachment{Type: "Link"}, ""))
}
