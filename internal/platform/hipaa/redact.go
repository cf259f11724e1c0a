package hipaa

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces secret values in redacted output.
const RedactedPlaceholder = "[REDACTED]"

// secretKeys are the OAuth/OIDC parameter and JSON member names whose values
// must never cross a trust boundary.
var secretKeys = []string{
	"access_token",
	"refresh_token",
	"id_token",
	"code",
	"code_verifier",
	"client_secret",
	"client_assertion",
	"token",
	"assertion",
}

var (
	jsonSecretPattern   = regexp.MustCompile(`("(?:` + strings.Join(secretKeys, "|") + `)"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	formSecretPattern   = regexp.MustCompile(`(^|[?&\s])((?:` + strings.Join(secretKeys, "|") + `)=)[^&\s"]*`)
	bearerSecretPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	jwtPattern          = regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]*`)
)

// Redact scrubs token material from s. It understands JSON bodies,
// form-encoded bodies and query strings, bearer headers and bare JWTs.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = jsonSecretPattern.ReplaceAllString(s, `${1}"`+RedactedPlaceholder+`"`)
	s = formSecretPattern.ReplaceAllString(s, `${1}${2}`+RedactedPlaceholder)
	s = bearerSecretPattern.ReplaceAllString(s, `${1}`+RedactedPlaceholder)
	s = jwtPattern.ReplaceAllString(s, RedactedPlaceholder)
	return s
}

// Fingerprint returns a short, non-reversible label for a token so that log
// lines can correlate tokens without revealing them.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return RedactedPlaceholder
	}
	return "…" + token[len(token)-4:]
}
