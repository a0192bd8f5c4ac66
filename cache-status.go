package graphcdn

// CacheStatus is the closed set of values emitted on the vendor cache
// header. Exhaustive switches over these values keep new variants from
// slipping through unhandled.
type CacheStatus string

const (
	// CacheStatusMiss means no stored response matched the derived key.
	CacheStatusMiss CacheStatus = "MISS"
	// CacheStatusHit means the response was replayed from the store.
	CacheStatusHit CacheStatus = "HIT"
	// CacheStatusPass means the response came from the origin, whether
	// or not it was stored on the way through.
	CacheStatusPass CacheStatus = "PASS"
	// CacheStatusError means the request failed before reaching the origin.
	CacheStatusError CacheStatus = "ERROR"
)

// Generic maps the vendor status onto the generic x-cache vocabulary,
// which only knows HIT and MISS.
func (s CacheStatus) Generic() string {
	switch s {
	case CacheStatusHit:
		return "HIT"
	case CacheStatusMiss, CacheStatusPass, CacheStatusError:
		return "MISS"
	}
	return "MISS"
}

// Response header names. Always lower-case, since the assembler works on
// plain string maps rather than canonicalized http.Header keys.
const (
	headerContentType      = "content-type"
	headerDate             = "date"
	headerAccessControlAge = "access-control-max-age"
	headerXCache           = "x-cache"
	headerGCDNCache        = "gcdn-cache"
	headerCacheControl     = "cache-control"
	headerAge              = "age"
	headerAuthorization    = "authorization"
	headerVary             = "vary"
)
