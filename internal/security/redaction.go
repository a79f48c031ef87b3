package security

import (
	"net/http"
	"regexp"
	"strings"
)

const Redacted = "[REDACTED]"

var (
	secretKeyExpr      = `(?:[a-z0-9._-]*(?:password|passwd|secret|token)[a-z0-9._-]*)`
	secretKeyPattern   = regexp.MustCompile(`(?i)^` + secretKeyExpr + `$`)
	kvSecretPattern    = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"',}]+)`)
	jsonSecretPattern  = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	bearerTokenPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	jwtPattern         = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
)

// RedactPayload scrubs credential material from free text such as request
// bodies, error strings and log messages.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+Redacted+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return Redacted
		}
		// Already-scrubbed JSON members keep their shape.
		if strings.Contains(match[idx:], Redacted) {
			return match
		}
		return match[:idx+1] + " " + Redacted
	})
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+Redacted)
	out = jwtPattern.ReplaceAllString(out, Redacted)
	return out
}

// IsSecretKey reports whether a field name carries credential material.
func IsSecretKey(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if strings.EqualFold(name, "authorization") {
		return true
	}
	return secretKeyPattern.MatchString(name)
}

// RedactHeaders returns a copy of h with authorization and token headers
// replaced.
func RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vals := range h {
		if IsSecretKey(k) {
			out[k] = []string{Redacted}
			continue
		}
		out[k] = append([]string(nil), vals...)
	}
	return out
}
