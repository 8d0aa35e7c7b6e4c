package version

import (
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version should be non-empty")
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "tiered-ids/") || !strings.HasSuffix(ua, Version) {
		t.Errorf("UserAgent = %q", ua)
	}
}
