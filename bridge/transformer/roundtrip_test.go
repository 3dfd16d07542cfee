package transformer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
)

// Translating a chat message out and its note back in must reproduce the
// plain body byte for byte. Entity-bearing input is the interesting case:
// the outbound side escapes, the inbound side decodes, and a regression
// in either direction silently mangles user text.
func TestPlainBodySurvivesRoundTrip(t *testing.T) {
	tc := testContext(nil)

	for _, body := range []string{
		"hello world",
		"1 < 2 && 4 > 3",
		`"quoted" & <tagged>`,
		"a&amp;b stays literal",
		"ping @bob:chat.example.org",
		"tags #go and 'quotes'",
	} {
		out, err := ChatMessageToNote(context.Background(), tc, textEvent(body), publicRoom())
		require.NoError(t, err, body)

		raw, err := json.Marshal(out.Note)
		require.NoError(t, err, body)

		in, err := FedObjectToChatMessages(context.Background(), tc, raw)
		require.NoError(t, err, body)
		require.NotEmpty(t, in.Messages, body)

		assert.Equal(t, body, in.Messages[0].Body, body)
		assert.Equal(t, appservice.MsgText, in.Messages[0].MsgType, body)
		assert.Equal(t, out.Note.ID, in.ObjectID, body)
	}
}

// The formatted body survives too: the inbound markup re-escapes what the
// tokenizer decoded, so the rendered HTML carries the same entities the
// outbound side minted.
func TestEscapedMarkupSurvivesRoundTrip(t *testing.T) {
	tc := testContext(nil)

	out, err := ChatMessageToNote(context.Background(), tc, textEvent("1 < 2 && 4 > 3"), publicRoom())
	require.NoError(t, err)
	assert.Equal(t, "1 &lt; 2 &amp;&amp; 4 &gt; 3", out.Note.Content)

	raw, err := json.Marshal(out.Note)
	require.NoError(t, err)
	in, err := FedObjectToChatMessages(context.Background(), tc, raw)
	require.NoError(t, err)

	require.NotEmpty(t, in.Messages)
	assert.Equal(t, appservice.FormatHTML, in.Messages[0].Format)
	assert.Equal(t, "1 &lt; 2 &amp;&amp; 4 &gt; 3", in.Messages[0].FormattedBody)
}
