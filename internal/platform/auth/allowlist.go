package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrIssuerNotAllowed is returned when an issuer is not on a configured
// allowlist.
var ErrIssuerNotAllowed = errors.New("issuer not allowed")

// IssuerAllowlist restricts which issuers a tenant may connect to. An empty
// allowlist permits every https issuer; a configured one fails closed.
type IssuerAllowlist struct {
	entries []string
}

// NewIssuerAllowlist normalizes entries. Entries are exact issuer URLs or
// host patterns of the form "*.example.org".
func NewIssuerAllowlist(entries []string) *IssuerAllowlist {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, "*.") {
			e = normalizeIssuer(e)
		}
		out = append(out, strings.ToLower(e))
	}
	return &IssuerAllowlist{entries: out}
}

// Configured reports whether any entry is present.
func (a *IssuerAllowlist) Configured() bool {
	return a != nil && len(a.entries) > 0
}

// Check returns nil when issuer may be used.
func (a *IssuerAllowlist) Check(issuer string) error {
	u, err := url.Parse(issuer)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute URL", ErrIssuerNotAllowed, issuer)
	}
	if !a.Configured() {
		return nil
	}

	norm := strings.ToLower(normalizeIssuer(issuer))
	host := strings.ToLower(u.Hostname())
	for _, e := range a.entries {
		if strings.HasPrefix(e, "*.") {
			if strings.HasSuffix(host, e[1:]) {
				return nil
			}
			continue
		}
		if norm == e {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrIssuerNotAllowed, issuer)
}

func normalizeIssuer(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}
