// Package observable extracts a single threat observable from free text.
package observable

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is a STIX cyber-observable (or SDO) type name.
type Kind string

const (
	KindVulnerability Kind = "vulnerability"
	KindIPv4          Kind = "ipv4-addr"
)

// Observable is a typed value recognised in text.
type Observable struct {
	Kind     Kind   `json:"observable_type"`
	Property string `json:"property"`
	Value    string `json:"value"`
}

// Pattern renders the observable as a STIX pattern expression,
// e.g. [ipv4-addr:value = '10.0.0.5'].
func (o Observable) Pattern() string {
	value := strings.ReplaceAll(o.Value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return fmt.Sprintf("[%s:%s = '%s']", o.Kind, o.Property, value)
}

var (
	cvePattern  = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,}`)
	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)
)

// Extract returns the first observable found in text. Vulnerability
// identifiers take precedence over IPv4 addresses regardless of position.
// The value is the matched substring as it appears in text.
func Extract(text string) (Observable, bool) {
	if text == "" {
		return Observable{}, false
	}
	if m := cvePattern.FindString(text); m != "" {
		return Observable{Kind: KindVulnerability, Property: "name", Value: m}, true
	}
	if m := ipv4Pattern.FindString(text); m != "" {
		return Observable{Kind: KindIPv4, Property: "value", Value: m}, true
	}
	return Observable{}, false
}

// ExtractFirst tries each text in order and returns the first hit.
func ExtractFirst(texts ...string) (Observable, bool) {
	for _, t := range texts {
		if o, ok := Extract(t); ok {
			return o, true
		}
	}
	return Observable{}, false
}
