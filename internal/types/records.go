// Package types defines the shared record, feature and alert types used by
// the parser, detection pipeline, alert store and HTTP API.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownDomain is returned when a caller asks for analysis of a domain
// tag the pipeline does not support.
var ErrUnknownDomain = errors.New("unknown log domain")

// Domain tags the log stream a line came from.
type Domain string

const (
	DomainWeb   Domain = "web"
	DomainDB    Domain = "db"
	DomainEmail Domain = "email"
)

// Domains lists every supported domain in a stable order.
func Domains() []Domain {
	return []Domain{DomainWeb, DomainDB, DomainEmail}
}

// ParseDomain converts a caller supplied tag into a Domain.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, s)
	}
	return d, nil
}

// Valid reports whether d is a supported domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainWeb, DomainDB, DomainEmail:
		return true
	}
	return false
}

// IsHTTP reports whether lines of this domain use the combined access log shape.
func (d Domain) IsHTTP() bool {
	return d == DomainWeb || d == DomainEmail
}

// AlertType is the alert_type label used for alerts raised on this domain.
func (d Domain) AlertType() string {
	switch d {
	case DomainWeb:
		return "WEB_ANOMALY"
	case DomainDB:
		return "DB_ANOMALY"
	case DomainEmail:
		return "EMAIL_ANOMALY"
	}
	return "UNKNOWN"
}

// LogRecord is one parsed canonical log line. HTTP domains fill the access
// log fields; the db domain fills Query.
type LogRecord struct {
	Domain    Domain
	SourceIP  string
	Timestamp string
	Method    string
	URL       string
	Protocol  string
	Status    int
	Bytes     int64
	Referer   string
	UserAgent string
	Query     string
	Raw       string
}

// FeatureVector is the ordered numeric input of a domain classifier.
type FeatureVector []float64
