package queue

import (
	"encoding/json"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/appservice"
)

// TranslateOutJob carries one chat message event toward the fed side.
// Translation re-runs deterministically on redelivery: the note id
// derives from the event id, so a retried job mints the same object.
type TranslateOutJob struct {
	Event *appservice.Event `json:"event"`
}

// TranslateInJob carries one verified inbound activity toward the chat
// side. ActivityID, Type and Actor are lifted out of the raw document so
// consumers can log and dedupe without re-parsing.
type TranslateInJob struct {
	ActivityID string          `json:"activityId"`
	Type       string          `json:"type"`
	Actor      string          `json:"actor"`
	Activity   json.RawMessage `json:"activity"`
}

// DeliveryJob is one outbound inbox POST. SenderID selects the signing
// key; Shared marks a shared-inbox delivery, which fan-out enqueues
// ahead of per-user ones.
type DeliveryJob struct {
	Payload  json.RawMessage `json:"payload"`
	InboxURL string          `json:"inboxUrl"`
	SenderID int64           `json:"senderId"`
	Shared   bool            `json:"shared,omitempty"`
}
