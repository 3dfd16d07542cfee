// Package activity models the JSON-LD vocabulary the bridge exchanges with
// remote federation servers: the activity envelope, the object types it
// understands, and builders for everything it emits.
package activity

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	// ASContext and SecurityContext are the JSON-LD contexts published
	// documents carry. SecurityContext is needed wherever publicKey appears.
	ASContext       = "https://www.w3.org/ns/activitystreams"
	SecurityContext = "https://w3id.org/security/v1"

	// PublicURI is the shared public collection.
	PublicURI = "https://www.w3.org/ns/activitystreams#Public"

	ContentType    = "application/activity+json"
	ContentTypeLD  = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	ContentTypeJRD = "application/jrd+json"
)

// AcceptsActivityJSON reports whether an Accept header advertises a
// federation MIME type. Actor endpoints redirect to the profile page
// otherwise.
func AcceptsActivityJSON(accept string) bool {
	return strings.Contains(accept, "application/activity+json") ||
		strings.Contains(accept, "application/ld+json")
}

// Type enumerates the activity kinds the bridge processes. The inbox
// acknowledges anything else and drops it.
type Type string

const (
	TypeCreate   Type = "Create"
	TypeUpdate   Type = "Update"
	TypeDelete   Type = "Delete"
	TypeFollow   Type = "Follow"
	TypeAccept   Type = "Accept"
	TypeReject   Type = "Reject"
	TypeUndo     Type = "Undo"
	TypeLike     Type = "Like"
	TypeAnnounce Type = "Announce"
	TypeBlock    Type = "Block"
	TypeFlag     Type = "Flag"
)

// Supported reports whether the bridge has a handler for t.
func (t Type) Supported() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeFollow, TypeAccept,
		TypeReject, TypeUndo, TypeLike, TypeAnnounce, TypeBlock, TypeFlag:
		return true
	}
	return false
}

// IRI is an identifier that remote servers may send either as a bare
// string or as an embedded object, in which case only its id is kept.
type IRI string

func (i *IRI) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*i = IRI(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("value is neither an IRI string nor an object")
	}
	*i = IRI(obj.ID)
	return nil
}

func (i IRI) String() string {
	return string(i)
}

// Host returns the lowercased hostname of the IRI, or "" when it does not
// parse as a URL. Blocks, rate limits and circuit breakers key on it.
func (i IRI) Host() string {
	u, err := url.Parse(string(i))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Activity is the wire envelope for inbound activities. Object and Target
// stay raw because either can be an IRI string, an embedded object, or a
// whole nested activity.
type Activity struct {
	Context   any             `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Actor     IRI             `json:"actor,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
	Target    json.RawMessage `json:"target,omitempty"`
	To        []string        `json:"to,omitempty"`
	CC        []string        `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`
	// Content carries the free-text comment on Flag activities.
	Content string `json:"content,omitempty"`
}

// Validate enforces the minimum envelope contract for inbox submissions.
func (a *Activity) Validate() error {
	if a.ID == "" {
		return errors.New("activity missing id")
	}
	if a.Type == "" {
		return errors.New("activity missing type")
	}
	if a.Actor == "" {
		return errors.New("activity missing actor")
	}
	return nil
}

// ObjectID returns the object identifier whether the object was sent as an
// IRI string or embedded.
func (a *Activity) ObjectID() string {
	return rawID(a.Object)
}

// ObjectIDs returns every object identifier. Flag activities commonly
// address a list mixing the reported actor and objects.
func (a *Activity) ObjectIDs() []string {
	if len(a.Object) == 0 {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(a.Object, &list); err == nil {
		ids := make([]string, 0, len(list))
		for _, raw := range list {
			if id := rawID(raw); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	if id := a.ObjectID(); id != "" {
		return []string{id}
	}
	return nil
}

// EmbeddedActivity decodes the object as a nested activity. Undo, Accept
// and Reject carry the activity they refer to this way.
func (a *Activity) EmbeddedActivity() (*Activity, error) {
	if len(a.Object) == 0 {
		return nil, errors.New("activity has no object")
	}
	inner := &Activity{}
	if err := json.Unmarshal(a.Object, inner); err != nil {
		return nil, errors.Wrap(err, "failed to decode embedded activity")
	}
	return inner, nil
}

// Note decodes the object as a Note.
func (a *Activity) Note() (*Note, error) {
	if len(a.Object) == 0 {
		return nil, errors.New("activity has no object")
	}
	note := &Note{}
	if err := json.Unmarshal(a.Object, note); err != nil {
		return nil, errors.Wrap(err, "failed to decode note object")
	}
	return note, nil
}

// ObjectType peeks at the embedded object's type without decoding the
// whole document. Returns "" for bare IRI objects.
func (a *Activity) ObjectType() string {
	if len(a.Object) == 0 {
		return ""
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return ""
	}
	return obj.Type
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// Audience classifies who an activity is addressed to.
type Audience string

const (
	AudiencePublic    Audience = "public"
	AudienceFollowers Audience = "followers"
	AudienceDirect    Audience = "direct"
)

// IsPublicURI matches the spellings remote software uses for the public
// collection.
func IsPublicURI(s string) bool {
	switch s {
	case PublicURI, "as:Public", "Public":
		return true
	}
	return false
}

// ClassifyAudience reads to and cc: the public collection anywhere means
// public, a followers collection without public means followers-only, and
// anything else is direct.
func ClassifyAudience(to, cc []string) Audience {
	for _, r := range to {
		if IsPublicURI(r) {
			return AudiencePublic
		}
	}
	for _, r := range cc {
		if IsPublicURI(r) {
			return AudiencePublic
		}
	}
	for _, r := range to {
		if strings.HasSuffix(r, "/followers") {
			return AudienceFollowers
		}
	}
	for _, r := range cc {
		if strings.HasSuffix(r, "/followers") {
			return AudienceFollowers
		}
	}
	return AudienceDirect
}
