// Package parser turns canonical log lines into typed records.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

// accessLogPattern matches the nginx combined log format, with an optional
// trailing field some servers append after the user agent.
var accessLogPattern = regexp.MustCompile(`^(\S+) (\S+) (\S+) \[(.*?)\] "(.*?)" (\d+) (\d+) "(.*?)" "(.*?)"(.*)?`)

// dbMarkerPattern finds the statement in a MySQL general log line such as
// "2025-11-19T10:00:00.123456Z   3 Query   SELECT * FROM users".
var dbMarkerPattern = regexp.MustCompile(`\s+(Query|Execute)\s+(.*)`)

// Parse converts one line of the given domain into a record. A nil record
// with a nil error means the line does not match the domain's shape and
// should be skipped. The only error is types.ErrUnknownDomain.
func Parse(line string, domain types.Domain) (*types.LogRecord, error) {
	switch domain {
	case types.DomainWeb, types.DomainEmail:
		return parseAccessLine(line, domain), nil
	case types.DomainDB:
		return parseDBLine(line), nil
	}
	return nil, fmt.Errorf("%w: %q", types.ErrUnknownDomain, domain)
}

func parseAccessLine(line string, domain types.Domain) *types.LogRecord {
	m := accessLogPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil
	}
	status, err := strconv.Atoi(m[6])
	if err != nil {
		return nil
	}
	size, err := strconv.ParseInt(m[7], 10, 64)
	if err != nil {
		return nil
	}

	rec := &types.LogRecord{
		Domain:    domain,
		SourceIP:  m[1],
		Timestamp: m[4],
		Status:    status,
		Bytes:     size,
		Referer:   m[8],
		UserAgent: m[9],
		Raw:       line,
	}
	rec.Method, rec.URL, rec.Protocol = splitRequest(m[5])
	return rec
}

func splitRequest(request string) (method, url, proto string) {
	parts := strings.Fields(request)
	if len(parts) < 2 {
		return "UNKNOWN", request, ""
	}
	if len(parts) > 2 {
		proto = parts[2]
	}
	return parts[0], parts[1], proto
}

func parseDBLine(line string) *types.LogRecord {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	query := trimmed
	if m := dbMarkerPattern.FindStringSubmatch(trimmed); m != nil {
		query = strings.TrimSpace(m[2])
	}
	if query == "" {
		return nil
	}
	return &types.LogRecord{
		Domain: types.DomainDB,
		Query:  query,
		Raw:    line,
	}
}

// Canonicalize validates an HTTP access line and rebuilds it in the
// canonical shape every parser understands, dropping any trailing field.
// It reports false for lines that are not access log entries.
func Canonicalize(line string) (string, bool) {
	m := accessLogPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	return fmt.Sprintf(`%s %s %s [%s] "%s" %s %s "%s" "%s"`, m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8], m[9]), true
}
