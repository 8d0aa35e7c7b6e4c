package collector

import (
	"fmt"
	"strings"

	"github.com/invisible-tech/tiered-ids/internal/parser"
	"github.com/invisible-tech/tiered-ids/internal/types"
)

// Transform turns a raw line into its canonical form, or reports false to
// drop it.
type Transform func(raw string) (string, bool)

// dbNoise are substrings of tail and mysql client chatter, not queries.
var dbNoise = []string{"tail: cannot open", "mysql: [Warning]"}

// HTTPTransform keeps access log entries, rebuilt in canonical shape.
func HTTPTransform(raw string) (string, bool) {
	return parser.Canonicalize(raw)
}

// DBTransform keeps non-empty lines that are not client noise.
func DBTransform(raw string) (string, bool) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	for _, n := range dbNoise {
		if strings.Contains(line, n) {
			return "", false
		}
	}
	return line, true
}

// TransformFor returns the default transform of a domain.
func TransformFor(domain types.Domain) (Transform, error) {
	switch domain {
	case types.DomainWeb, types.DomainEmail:
		return HTTPTransform, nil
	case types.DomainDB:
		return DBTransform, nil
	}
	return nil, fmt.Errorf("%w: %q", types.ErrUnknownDomain, domain)
}
