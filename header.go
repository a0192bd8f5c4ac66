package graphcdn

import (
	"net/http"
	"strconv"
	"strings"
)

// CacheControl holds the parsed directives of a Cache-Control header value.
// Directive names are lower-cased on parse.
type CacheControl struct {
	m map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(directive), "=", 2)
		var val string
		if len(parts) > 1 {
			val = parts[1]
		}
		m[strings.ToLower(parts[0])] = val
	}
	return CacheControl{m}
}

// IsCacheable reports whether an origin response may be stored at all.
// Partial content cannot be replayed, a wildcard Vary can never be matched,
// and no-cache / no-store forbid reuse outright.
func IsCacheable(res *http.Response) bool {
	if res.StatusCode == http.StatusPartialContent {
		return false
	}
	if strings.Contains(res.Header.Get(headerVary), "*") {
		return false
	}
	cc := strings.ToLower(res.Header.Get(headerCacheControl))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return false
	}
	return true
}

// IsPrivate reports whether the origin marked the response private.
func IsPrivate(res *http.Response) bool {
	cc := strings.ToLower(res.Header.Get(headerCacheControl))
	return strings.Contains(cc, "private")
}

// MaxAge extracts the max-age value from a Cache-Control header value.
// It returns -1 when the directive is absent or not a number; malformed
// input is an expected case, never a panic.
func MaxAge(cacheControl string) int {
	val, ok := ParseCacheControl(strings.ToLower(cacheControl)).Get("max-age")
	if !ok {
		return -1
	}
	age, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return age
}
