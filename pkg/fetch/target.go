package fetch

import (
	"fmt"
	"net/url"
)

// ParseTarget resolves a caller-supplied URL string into a Target. This is
// the one place a net/url.Parse is appropriate on its own: URL syntax is a
// standard-library concern with no domain-specific parsing to delegate to
// a third-party library for.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parsing url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Target{}, fmt.Errorf("url %q missing scheme or host", raw)
	}
	return Target{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   u.Port(),
		Path:   u.Path,
		Query:  u.RawQuery,
		Raw:    raw,
	}, nil
}
