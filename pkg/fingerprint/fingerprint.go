// Package fingerprint derives stable content hashes for intelligence
// objects. The hashes back content-derived object ids and the republish
// filter, so changes to the algorithm change object identity downstream.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Type is the kind of object being fingerprinted.
type Type string

const (
	TypeIndicator    Type = "indicator"
	TypeNote         Type = "note"
	TypeObservedData Type = "observed-data"
	TypeRelationship Type = "relationship"
)

// Input contains the data needed to fingerprint an object. Only the
// fields relevant to Type are used.
type Input struct {
	Type Type

	// Indicator and observed-data: the STIX pattern or observable value.
	Pattern string

	// Source names the upstream source the object was collected from.
	// Indicators, observed-data and notes from different sources never
	// share a fingerprint.
	Source string

	// Note: free-text content, its title and where it came from.
	Content   string
	Title     string
	SourceURL string

	// Relationship endpoints and verb.
	SourceRef string
	TargetRef string
	Verb      string
}

// Generate returns a 64 hex character SHA-256 over the normalized
// fields relevant to input.Type:
//   - indicator, observed-data: pattern + source
//   - note: source URL + source + title + content
//   - relationship: verb + endpoints
func Generate(input Input) string {
	var data string

	switch input.Type {
	case TypeIndicator, TypeObservedData:
		data = fmt.Sprintf("%s:%s:%s", input.Type, normalize(input.Pattern), collapseSpace(input.Source))
	case TypeRelationship:
		data = fmt.Sprintf("relationship:%s:%s:%s",
			normalize(input.Verb),
			strings.TrimSpace(input.SourceRef),
			strings.TrimSpace(input.TargetRef),
		)
	default:
		data = fmt.Sprintf("note:%s:%s:%s:%s",
			normalizeURL(input.SourceURL),
			collapseSpace(input.Source),
			collapseSpace(input.Title),
			collapseSpace(input.Content),
		)
	}

	return Hash(data)
}

// ForPattern fingerprints a pattern regardless of source, as the
// republish filter keys on.
func ForPattern(pattern string) string {
	return Generate(Input{Type: TypeIndicator, Pattern: pattern})
}

// Hash computes the SHA-256 of s as 64 hex characters.
func Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// normalize trims and lowercases s. CVE ids and IPv4 literals are case
// insensitive, so "[vulnerability:name = 'cve-2024-1']" and the upper
// case form share a fingerprint.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// collapseSpace folds runs of whitespace so reflowed text hashes the same.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeURL lowercases the scheme and host, drops default ports, the
// fragment and a trailing slash.
func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if idx := strings.Index(u, "#"); idx != -1 {
		u = u[:idx]
	}

	scheme := ""
	rest := u
	if idx := strings.Index(u, "://"); idx != -1 {
		scheme = strings.ToLower(u[:idx])
		rest = u[idx+3:]
	}

	host, path := rest, ""
	if idx := strings.Index(rest, "/"); idx != -1 {
		host, path = rest[:idx], rest[idx:]
	}
	host = strings.ToLower(host)
	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimSuffix(host, ":80")

	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	} else if path == "/" {
		path = ""
	}

	if scheme == "" {
		return host + path
	}
	return scheme + "://" + host + path
}
