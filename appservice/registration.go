package appservice

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// Registration is the document the homeserver loads to route our
// namespaces and tokens.
type Registration struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	ASToken         string     `json:"as_token"`
	HSToken         string     `json:"hs_token"`
	SenderLocalpart string     `json:"sender_localpart"`
	RateLimited     bool       `json:"rate_limited"`
	Namespaces      Namespaces `json:"namespaces"`
}

// Namespaces declares the id patterns the bridge owns exclusively.
type Namespaces struct {
	Users   []Namespace `json:"users"`
	Aliases []Namespace `json:"aliases"`
}

type Namespace struct {
	Exclusive bool   `json:"exclusive"`
	Regex     string `json:"regex"`
}

// NewRegistration builds the registration for a deployment. Empty tokens
// are minted fresh so the generated file can be copied to the homeserver
// and the bridge environment together.
func NewRegistration(bridgeURL, asToken, hsToken, senderLocalpart, localDomain string) *Registration {
	if asToken == "" {
		asToken = mintToken()
	}
	if hsToken == "" {
		hsToken = mintToken()
	}
	return &Registration{
		ID:              "fedbridge",
		URL:             bridgeURL,
		ASToken:         asToken,
		HSToken:         hsToken,
		SenderLocalpart: senderLocalpart,
		RateLimited:     false,
		Namespaces: Namespaces{
			Users:   []Namespace{{Exclusive: true, Regex: UserNamespaceRegex(localDomain)}},
			Aliases: []Namespace{{Exclusive: true, Regex: AliasNamespaceRegex(localDomain)}},
		},
	}
}

// Render serializes the registration as indented JSON.
func (r *Registration) Render() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func mintToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
