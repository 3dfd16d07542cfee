package appservice

import (
	"regexp"
	"strings"
)

// GhostPrefix marks chat localparts materialized for remote fed actors.
const GhostPrefix = "_ap_"

var localpartSafe = regexp.MustCompile(`[^a-z0-9._=-]+`)

// GhostLocalpart mints the localpart for a remote fed handle. The
// instance part drops its dots so the result stays a single localpart
// token: alice@social.example.org -> _ap_alice_socialexampleorg.
func GhostLocalpart(user, host string) string {
	user = localpartSafe.ReplaceAllString(strings.ToLower(user), "")
	host = strings.ReplaceAll(strings.ToLower(host), ".", "")
	host = localpartSafe.ReplaceAllString(host, "")
	return GhostPrefix + user + "_" + host
}

// GhostUserID mints the full chat user id for a remote fed handle.
func GhostUserID(user, host, localDomain string) string {
	return "@" + GhostLocalpart(user, host) + ":" + localDomain
}

// IsGhostUserID reports whether userID is one of our ghosts on
// localDomain. Used by the intake loop filter.
func IsGhostUserID(userID, localDomain string) bool {
	localpart, server, err := ParseUserID(userID)
	if err != nil {
		return false
	}
	return server == localDomain && strings.HasPrefix(localpart, GhostPrefix)
}

// BotUserID is the bridge bot's chat user id.
func BotUserID(senderLocalpart, localDomain string) string {
	return "@" + senderLocalpart + ":" + localDomain
}

// UserNamespaceRegex is the user id pattern the bridge claims in its
// registration.
func UserNamespaceRegex(localDomain string) string {
	return "@" + GhostPrefix + ".*:" + regexp.QuoteMeta(localDomain)
}

// AliasNamespaceRegex is the room alias pattern the bridge claims.
func AliasNamespaceRegex(localDomain string) string {
	return "#" + GhostPrefix + ".*:" + regexp.QuoteMeta(localDomain)
}
