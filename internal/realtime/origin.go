package realtime

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NormalizeOrigin reduces an origin to lower-case scheme://host.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// newOriginChecker accepts only upgrade requests whose Origin header matches allowed.
func newOriginChecker(allowed string) (func(*http.Request) bool, error) {
	normalizedAllowed, ok := NormalizeOrigin(allowed)
	if !ok {
		return nil, fmt.Errorf("invalid allowed origin %q", allowed)
	}
	return func(r *http.Request) bool {
		normalized, ok := NormalizeOrigin(r.Header.Get("Origin"))
		return ok && normalized == normalizedAllowed
	}, nil
}
