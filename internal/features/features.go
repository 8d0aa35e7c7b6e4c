// Package features converts parsed log records into the numeric vectors the
// per-domain classifiers were trained on.
package features

import (
	"fmt"
	"strings"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

var (
	httpNames = []string{"url_length", "special_chars", "is_error", "is_post", "ua_length", "bytes"}
	dbNames   = []string{"length", "keyword_count", "special_chars", "logic_count", "has_comment"}

	urlSpecials   = []string{"%", "'", `"`, "<", ">", "=", ";", "(", ")"}
	sqlSpecials   = []string{"'", `"`, "-", "#", ";", "=", "(", ")", "*"}
	sqlKeywords   = []string{"SELECT", "UNION", "INSERT", "UPDATE", "DELETE", "DROP", "FROM", "WHERE"}
	sqlLogicSpans = []string{" OR ", " AND ", "1=1", "1=0"}
)

// Names returns the ordered feature column names for a domain.
func Names(domain types.Domain) []string {
	switch domain {
	case types.DomainWeb, types.DomainEmail:
		return append([]string(nil), httpNames...)
	case types.DomainDB:
		return append([]string(nil), dbNames...)
	}
	return nil
}

// Len returns the vector length for a domain, or 0 for an unknown domain.
func Len(domain types.Domain) int {
	return len(Names(domain))
}

// Extract builds the feature vector of a record. It panics on a nil record
// or an unknown domain; both are caller bugs, never runtime input.
func Extract(rec *types.LogRecord) types.FeatureVector {
	if rec == nil {
		panic("features: nil record")
	}
	switch rec.Domain {
	case types.DomainWeb, types.DomainEmail:
		return types.FeatureVector{
			float64(len(rec.URL)),
			float64(countAll(rec.URL, urlSpecials)),
			boolFloat(rec.Status >= 400),
			boolFloat(strings.EqualFold(rec.Method, "POST")),
			float64(len(rec.UserAgent)),
			float64(rec.Bytes),
		}
	case types.DomainDB:
		upper := strings.ToUpper(rec.Query)
		return types.FeatureVector{
			float64(len(rec.Query)),
			float64(countAll(upper, sqlKeywords)),
			float64(countAll(rec.Query, sqlSpecials)),
			float64(countAll(upper, sqlLogicSpans)),
			boolFloat(strings.Contains(rec.Query, "--") || strings.Contains(rec.Query, "#")),
		}
	}
	panic(fmt.Sprintf("features: unknown domain %q", rec.Domain))
}

func countAll(s string, needles []string) int {
	n := 0
	for _, needle := range needles {
		n += strings.Count(s, needle)
	}
	return n
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
