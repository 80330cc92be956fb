package upstream

import (
	"regexp"
	"strings"
)

var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^\s)]+)\)`)
	bareURLRe       = regexp.MustCompile(`https?://[^\s<>"')]+`)
	dataURIRe       = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
)

// extractResultURL pulls a result location out of free text. Precedence is
// fixed: markdown image link, then bare URL, then inline data URI.
func extractResultURL(content string) (string, bool) {
	if m := markdownImageRe.FindStringSubmatch(content); m != nil {
		return m[1], true
	}
	if m := bareURLRe.FindString(content); m != "" {
		return strings.TrimRight(m, ".,;"), true
	}
	if m := dataURIRe.FindString(content); m != "" {
		return m, true
	}
	return "", false
}

// probePaths looks up dotted paths in decoded JSON, returning the first
// non-empty string value in priority order.
func probePaths(doc map[string]any, paths []string) (string, bool) {
	for _, path := range paths {
		if v, ok := lookupPath(doc, path); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func lookupPath(doc map[string]any, path string) (string, bool) {
	cur := any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
