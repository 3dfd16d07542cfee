package activity

import (
	"net/url"
)

// Actor document types the bridge treats as users.
const (
	ActorPerson      = "Person"
	ActorGroup       = "Group"
	ActorService     = "Service"
	ActorApplication = "Application"
)

// IsActorType reports whether t names an actor document.
func IsActorType(t string) bool {
	switch t {
	case ActorPerson, ActorGroup, ActorService, ActorApplication:
		return true
	}
	return false
}

// Actor is the federation identity document.
type Actor struct {
	Context                   any        `json:"@context,omitempty"`
	ID                        string     `json:"id"`
	Type                      string     `json:"type"`
	PreferredUsername         string     `json:"preferredUsername,omitempty"`
	Name                      string     `json:"name,omitempty"`
	Summary                   string     `json:"summary,omitempty"`
	URL                       string     `json:"url,omitempty"`
	Inbox                     string     `json:"inbox"`
	Outbox                    string     `json:"outbox,omitempty"`
	Followers                 string     `json:"followers,omitempty"`
	Following                 string     `json:"following,omitempty"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers"`
	PublicKey                 *PublicKey `json:"publicKey,omitempty"`
	Endpoints                 *Endpoints `json:"endpoints,omitempty"`
	Icon                      *Image     `json:"icon,omitempty"`
	Image                     *Image     `json:"image,omitempty"`
	Published                 string     `json:"published,omitempty"`
}

// SharedInboxOrInbox prefers the shared inbox so fan-out can collapse
// deliveries per host.
func (a *Actor) SharedInboxOrInbox() string {
	if a.Endpoints != nil && a.Endpoints.SharedInbox != "" {
		return a.Endpoints.SharedInbox
	}
	return a.Inbox
}

// Handle renders the @user@host form, or "" when the document lacks the
// parts to build one.
func (a *Actor) Handle() string {
	if a.PreferredUsername == "" {
		return ""
	}
	u, err := url.Parse(a.ID)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return "@" + a.PreferredUsername + "@" + u.Hostname()
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type Image struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// Object types the bridge translates.
const (
	ObjectNote      = "Note"
	ObjectTombstone = "Tombstone"
)

// Note is the message object. Conversation maps to the JSON-LD "context"
// property that groups related notes; the bridge pairs it with a chat room.
type Note struct {
	Context      any          `json:"@context,omitempty"`
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	AttributedTo IRI          `json:"attributedTo,omitempty"`
	InReplyTo    string       `json:"inReplyTo,omitempty"`
	Conversation string       `json:"context,omitempty"`
	Content      string       `json:"content,omitempty"`
	Source       *Source      `json:"source,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	Sensitive    bool         `json:"sensitive,omitempty"`
	Name         string       `json:"name,omitempty"`
	URL          string       `json:"url,omitempty"`
	Published    string       `json:"published,omitempty"`
	Updated      string       `json:"updated,omitempty"`
	To           []string     `json:"to,omitempty"`
	CC           []string     `json:"cc,omitempty"`
	Tag          []Tag        `json:"tag,omitempty"`
	Attachment   []Attachment `json:"attachment,omitempty"`
}

// Source carries the pre-render markup of a note.
type Source struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType"`
}

// Tag kinds found in note tag lists.
const (
	TagMention = "Mention"
	TagHashtag = "Hashtag"
	TagEmoji   = "Emoji"
)

type Tag struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Href string `json:"href,omitempty"`
	Icon *Image `json:"icon,omitempty"`
}

// Attachment types for translated media.
const (
	AttachmentImage    = "Image"
	AttachmentVideo    = "Video"
	AttachmentAudio    = "Audio"
	AttachmentDocument = "Document"
)

type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Blurhash  string `json:"blurhash,omitempty"`
}

// Tombstone marks a deleted object.
type Tombstone struct {
	Context    any    `json:"@context,omitempty"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	FormerType string `json:"formerType,omitempty"`
	Deleted    string `json:"deleted,omitempty"`
}

// OrderedCollection is the root document for outbox, followers and
// following. First points at the first OrderedCollectionPage.
type OrderedCollection struct {
	Context    any    `json:"@context,omitempty"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int64  `json:"totalItems"`
	First      string `json:"first,omitempty"`
}

type OrderedCollectionPage struct {
	Context      any    `json:"@context,omitempty"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	PartOf       string `json:"partOf,omitempty"`
	Next         string `json:"next,omitempty"`
	OrderedItems []any  `json:"orderedItems"`
}

func NewOrderedCollection(id string, total int64, first string) *OrderedCollection {
	return &OrderedCollection{
		Context:    DefaultContext,
		ID:         id,
		Type:       "OrderedCollection",
		TotalItems: total,
		First:      first,
	}
}

func NewOrderedCollectionPage(id, partOf, next string, items []any) *OrderedCollectionPage {
	if items == nil {
		items = []any{}
	}
	return &OrderedCollectionPage{
		Context:      DefaultContext,
		ID:           id,
		Type:         "OrderedCollectionPage",
		PartOf:       partOf,
		Next:         next,
		OrderedItems: items,
	}
}
