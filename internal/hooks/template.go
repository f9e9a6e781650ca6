package hooks

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches {{expr}} template placeholders, spec §4.8
// "templates interpolate {{path}}, {{query.*}}, {{headers.*}}, and
// dotted/indexed payload paths".
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// renderTemplate substitutes every {{expr}} placeholder in tmpl. A
// placeholder that resolves to nothing (missing path, absent header,
// absent payload field) becomes the empty string rather than an error.
func renderTemplate(tmpl, subpath string, r *http.Request, payload any) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		expr := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		return resolvePlaceholder(expr, subpath, r, payload)
	})
}

func resolvePlaceholder(expr, subpath string, r *http.Request, payload any) string {
	switch {
	case expr == "path":
		return subpath
	case strings.HasPrefix(expr, "query."):
		return r.URL.Query().Get(strings.TrimPrefix(expr, "query."))
	case strings.HasPrefix(expr, "headers."):
		return r.Header.Get(strings.TrimPrefix(expr, "headers."))
	default:
		return lookupPayloadPath(payload, expr)
	}
}

// lookupPayloadPath navigates a decoded JSON payload (nested
// map[string]any / []any values) along a dotted, optionally indexed
// path like "actor.name" or "commits[0].id". Any missing segment, type
// mismatch, or out-of-range index yields the empty string.
func lookupPayloadPath(payload any, path string) string {
	segments := splitPathSegments(path)
	cur := payload
	for _, seg := range segments {
		key, indices, ok := parseSegment(seg)
		if !ok {
			return ""
		}
		if key != "" {
			m, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			cur, ok = m[key]
			if !ok {
				return ""
			}
		}
		for _, idx := range indices {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return ""
			}
			cur = arr[idx]
		}
	}
	return stringifyValue(cur)
}

func splitPathSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// parseSegment splits a segment like "commits[0][1]" into its bare key
// ("commits") and its ordered list of indices ([0, 1]).
func parseSegment(seg string) (key string, indices []int, ok bool) {
	i := strings.IndexByte(seg, '[')
	if i < 0 {
		return seg, nil, true
	}
	key = seg[:i]
	rest := seg[i:]
	for len(rest) > 0 {
		if rest[0] != '[' {
			return "", nil, false
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", nil, false
		}
		n, err := strconv.Atoi(rest[1:end])
		if err != nil {
			return "", nil, false
		}
		indices = append(indices, n)
		rest = rest[end+1:]
	}
	return key, indices, true
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
