package jobs

import (
	"strings"
)

// NormalizeID accepts an ID with or without its prefix and returns the
// prefixed form. ok is false when the remainder is not a 32-character hex
// string.
func NormalizeID(raw, prefix string) (id string, ok bool) {
	raw = strings.TrimSpace(raw)
	body := strings.TrimPrefix(raw, prefix)
	if len(body) != 32 {
		return "", false
	}
	for _, c := range body {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return "", false
		}
	}
	return prefix + body, true
}

// ParseRoute extracts the ID and action from a URL path like
// /api/sessions/{id}/{action}. A missing action is returned as "".
func ParseRoute(path, apiPrefix, idPrefix string) (id, action string, ok bool) {
	if !strings.HasPrefix(path, apiPrefix) {
		return "", "", false
	}
	rest := strings.Trim(strings.TrimPrefix(path, apiPrefix), "/")
	if rest == "" {
		return "", "", false
	}
	first, action, _ := strings.Cut(rest, "/")
	if id, ok = NormalizeID(first, idPrefix); !ok {
		return "", "", false
	}
	return id, action, true
}
