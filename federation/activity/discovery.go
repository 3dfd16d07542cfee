package activity

import (
	"strings"

	"github.com/pkg/errors"
)

// WebFinger is the JRD document answering acct: lookups.
type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// SelfLink returns the href of the self link carrying a federation MIME,
// or "" when the document has none.
func (w *WebFinger) SelfLink() string {
	for _, l := range w.Links {
		if l.Rel != "self" {
			continue
		}
		if l.Type == ContentType || strings.HasPrefix(l.Type, "application/ld+json") {
			return l.Href
		}
	}
	return ""
}

// ParseAcct splits an acct:user@host webfinger resource into its parts.
// A leading @ on the user part is tolerated.
func ParseAcct(resource string) (user, host string, err error) {
	s := strings.TrimPrefix(resource, "acct:")
	s = strings.TrimPrefix(s, "@")
	user, host, ok := strings.Cut(s, "@")
	if !ok || user == "" || host == "" || strings.Contains(host, "@") {
		return "", "", errors.Errorf("malformed acct resource: %s", resource)
	}
	return user, strings.ToLower(host), nil
}

// NodeInfo schema rels served from /.well-known/nodeinfo.
const (
	NodeInfoRel20 = "http://nodeinfo.diaspora.software/ns/schema/2.0"
	NodeInfoRel21 = "http://nodeinfo.diaspora.software/ns/schema/2.1"
)

type NodeInfoDiscovery struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             NodeInfoUsage    `json:"usage"`
	Metadata          map[string]any   `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	// Repository only appears in the 2.1 schema.
	Repository string `json:"repository,omitempty"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int64         `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total int64 `json:"total"`
}

// HostMetaXRD renders the host-meta XML pointing LRDD lookups at the
// webfinger endpoint.
func HostMetaXRD(baseURL string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" type="application/jrd+json" template="` + baseURL + `/.well-known/webfinger?resource={uri}"/>
</XRD>
`
}
