package graphcdn

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/StarpTech/GraphCDN/cache"
)

// defaultHeaders computes the header set every response synthesized by
// this layer carries.
func defaultHeaders() map[string]string {
	return map[string]string{
		headerContentType:      "application/json",
		headerDate:             time.Now().UTC().Format(http.TimeFormat),
		headerAccessControlAge: "300",
	}
}

// statusHeaders returns the two cache-status markers for a response.
func statusHeaders(status CacheStatus) map[string]string {
	return map[string]string{
		headerXCache:    status.Generic(),
		headerGCDNCache: string(status),
	}
}

// mergeHeaders merges header maps in order of increasing precedence: a key
// in a later layer always wins over the same key in an earlier one. Callers
// pass origin headers first, computed defaults next, explicit overrides
// last. Keys are lower-cased so precedence never depends on spelling.
func mergeHeaders(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for name, value := range layer {
			merged[strings.ToLower(name)] = value
		}
	}
	return merged
}

// flattenHeader converts an http.Header into the flat map the assembler
// and the store work with. Connection-level headers are dropped: they
// describe the origin connection, not the payload, and would corrupt a
// replayed response.
func flattenHeader(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "connection", "keep-alive", "transfer-encoding", "content-length":
			continue
		}
		flat[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return flat
}

// entryAge computes the Age header value for a stored entry: seconds since
// store time, rounded, and never larger than the entry's own TTL. The store
// owns eviction, so an entry may well be served past expiry.
func entryAge(meta cache.Metadata, now time.Time) int {
	age := int(math.Round(now.Sub(meta.CreatedAt).Seconds()))
	if age < 0 {
		age = 0
	}
	if age > meta.ExpirationTTL {
		age = meta.ExpirationTTL
	}
	return age
}

// cacheControlFor builds the emitted Cache-Control value. Identity-scoped
// entries are private; max-age and stale-while-revalidate share the TTL.
func cacheControlFor(scoped bool, ttlSeconds int) string {
	scope := "public"
	if scoped {
		scope = "private"
	}
	return fmt.Sprintf("%s, max-age=%d, stale-while-revalidate=%d", scope, ttlSeconds, ttlSeconds)
}

func writeHeaders(w http.ResponseWriter, headers map[string]string) {
	for name, value := range headers {
		w.Header().Set(name, value)
	}
}

// sendHit replays a stored entry. The stored snapshot is merged under
// freshly computed defaults, with the recomputed Age and the HIT markers
// on top.
func (g *GraphCDN) sendHit(w http.ResponseWriter, entry cache.Entry, meta cache.Metadata) {
	age := entryAge(meta, time.Now())
	headers := mergeHeaders(
		entry.Headers,
		defaultHeaders(),
		statusHeaders(CacheStatusHit),
		map[string]string{headerAge: strconv.Itoa(age)},
	)
	writeHeaders(w, headers)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(entry.Body); err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// sendPass returns an origin response without a cache hit: origin headers
// lowest, defaults next, any explicit extras and the PASS markers on top.
func (g *GraphCDN) sendPass(w http.ResponseWriter, statusCode int, body []byte, originHeaders, extra map[string]string) {
	headers := mergeHeaders(
		originHeaders,
		defaultHeaders(),
		extra,
		statusHeaders(CacheStatusPass),
	)
	writeHeaders(w, headers)
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// sendError emits a synthesized JSON error response with the given
// cache-status marker.
func (g *GraphCDN) sendError(w http.ResponseWriter, statusCode int, message string, status CacheStatus) {
	body, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		body = []byte(`{"error":"internal error"}`)
	}
	headers := mergeHeaders(defaultHeaders(), statusHeaders(status))
	writeHeaders(w, headers)
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
}
