package activity

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// DefaultContext is the @context for outbound activities; actor documents
// use ActorContext, which adds the security vocabulary for publicKey.
var (
	DefaultContext any = ASContext
	ActorContext   any = []any{ASContext, SecurityContext}
)

// Envelope is the outbound activity shape. Object is marshaled as given,
// so builders can embed typed objects, maps or bare IRI strings.
type Envelope struct {
	Context   any      `json:"@context,omitempty"`
	ID        string   `json:"id"`
	Type      Type     `json:"type"`
	Actor     string   `json:"actor"`
	Object    any      `json:"object,omitempty"`
	To        []string `json:"to,omitempty"`
	CC        []string `json:"cc,omitempty"`
	Published string   `json:"published,omitempty"`
	Content   string   `json:"content,omitempty"`
}

// ActorIRI returns the canonical actor URL for a local username.
func ActorIRI(base, username string) string {
	return base + "/users/" + url.PathEscape(username)
}

// ObjectIRI derives the object id for a chat event. The derivation is
// deterministic so translating the same event twice mints the same id.
func ObjectIRI(base, chatEventID string) string {
	return base + "/objects/" + url.PathEscape(chatEventID)
}

// ContextIRI derives the conversation id that groups a chat room's notes.
func ContextIRI(base, chatRoomID string) string {
	return base + "/contexts/" + url.PathEscape(chatRoomID)
}

// HashedContextIRI derives a conversation id from opaque parts, for rooms
// provisioned from the federation side before any chat room id exists.
func HashedContextIRI(base, kind string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	short := base64.RawURLEncoding.EncodeToString(sum[:9])
	return base + "/contexts/" + kind + "-" + short
}

// DeterministicID derives an activity id from the object it wraps, keeping
// retried translations idempotent.
func DeterministicID(base string, typ Type, objectIRI string) string {
	sum := sha256.Sum256([]byte(objectIRI))
	short := base64.RawURLEncoding.EncodeToString(sum[:9])
	return base + "/activities/" + strings.ToLower(string(typ)) + "-" + short
}

// MintID mints a random id for activities with no deterministic source,
// such as follows and accepts.
func MintID(base string, typ Type) string {
	return base + "/activities/" + strings.ToLower(string(typ)) + "-" + shortuuid.New()
}

// FormatPublished renders a timestamp the way remote servers expect.
func FormatPublished(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewCreate wraps a note, mirroring its audience onto the activity.
func NewCreate(id, actor string, note *Note) *Envelope {
	return &Envelope{
		Context:   DefaultContext,
		ID:        id,
		Type:      TypeCreate,
		Actor:     actor,
		Object:    note,
		To:        note.To,
		CC:        note.CC,
		Published: note.Published,
	}
}

// NewUpdate wraps an edited object or a refreshed actor document.
func NewUpdate(id, actor string, object any, to, cc []string) *Envelope {
	return &Envelope{
		Context: DefaultContext,
		ID:      id,
		Type:    TypeUpdate,
		Actor:   actor,
		Object:  object,
		To:      to,
		CC:      cc,
	}
}

// NewDelete tombstones an object.
func NewDelete(id, actor, objectIRI string, to, cc []string) *Envelope {
	return &Envelope{
		Context: DefaultContext,
		ID:      id,
		Type:    TypeDelete,
		Actor:   actor,
		Object: &Tombstone{
			ID:      objectIRI,
			Type:    ObjectTombstone,
			Deleted: FormatPublished(time.Now()),
		},
		To: to,
		CC: cc,
	}
}

// NewFollow asks to follow a remote actor.
func NewFollow(base, actor, object string) *Envelope {
	return &Envelope{
		Context: DefaultContext,
		ID:      MintID(base, TypeFollow),
		Type:    TypeFollow,
		Actor:   actor,
		Object:  object,
		To:      []string{object},
	}
}

// NewAccept answers a follow. The original activity is embedded so the
// remote side can correlate the response.
func NewAccept(base, actor string, follow *Activity) *Envelope {
	return respondToFollow(base, TypeAccept, actor, follow)
}

// NewReject declines a follow.
func NewReject(base, actor string, follow *Activity) *Envelope {
	return respondToFollow(base, TypeReject, actor, follow)
}

func respondToFollow(base string, typ Type, actor string, follow *Activity) *Envelope {
	return &Envelope{
		Context: DefaultContext,
		ID:      MintID(base, typ),
		Type:    typ,
		Actor:   actor,
		Object: map[string]any{
			"id":     follow.ID,
			"type":   string(follow.Type),
			"actor":  follow.Actor.String(),
			"object": follow.ObjectID(),
		},
		To: []string{follow.Actor.String()},
	}
}

// NewUndo retracts a previously sent activity, embedding it whole.
func NewUndo(base, actor string, prior *Envelope) *Envelope {
	inner := *prior
	inner.Context = nil
	return &Envelope{
		Context: DefaultContext,
		ID:      MintID(base, TypeUndo),
		Type:    TypeUndo,
		Actor:   actor,
		Object:  &inner,
		To:      prior.To,
	}
}

// NewLike marks an object as liked.
func NewLike(base, actor, objectIRI string, to []string) *Envelope {
	return &Envelope{
		Context: DefaultContext,
		ID:      MintID(base, TypeLike),
		Type:    TypeLike,
		Actor:   actor,
		Object:  objectIRI,
		To:      to,
	}
}

// NewAnnounce boosts an object.
func NewAnnounce(base, actor, objectIRI string, to, cc []string) *Envelope {
	return &Envelope{
		Context: DefaultContext,
		ID:      MintID(base, TypeAnnounce),
		Type:    TypeAnnounce,
		Actor:   actor,
		Object:  objectIRI,
		To:      to,
		CC:      cc,
	}
}

// NewBlock tells a remote server one of its actors is blocked. Most
// software treats this as advisory.
func NewBlock(base, actor, objectIRI string) *Envelope {
	return &Envelope{
		Context: DefaultContext,
		ID:      MintID(base, TypeBlock),
		Type:    TypeBlock,
		Actor:   actor,
		Object:  objectIRI,
	}
}

// NewFlag reports objects to their origin server. Content carries the
// reporter's reason.
func NewFlag(base, actor string, objectIRIs []string, reason string) *Envelope {
	var object any = objectIRIs
	if len(objectIRIs) == 1 {
		object = objectIRIs[0]
	}
	return &Envelope{
		Context: DefaultContext,
		ID:      MintID(base, TypeFlag),
		Type:    TypeFlag,
		Actor:   actor,
		Object:  object,
		Content: reason,
	}
}
