// Package graphcdn is a privacy-aware caching layer for a single GraphQL
// origin. It classifies each operation, derives a cache key that keeps
// viewer-specific data separated per identity, consults the cache store,
// and shapes the response headers downstream caches rely on.
package graphcdn

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/StarpTech/GraphCDN/cache"
	cachekey "github.com/StarpTech/GraphCDN/pkg/cache-key"
	"github.com/StarpTech/GraphCDN/pkg/operation"
	"github.com/StarpTech/GraphCDN/pkg/schema"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/vektah/gqlparser/v2/ast"
)

// DefaultTTLSeconds is used for store-eligible responses when the origin
// does not supply a parseable max-age and no default is configured.
const DefaultTTLSeconds = 900

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// URL of the origin GraphQL endpoint.
	OriginURL url.URL
	// TTL in seconds for responses without an origin max-age.
	// DefaultTTLSeconds is used if zero.
	DefaultTTL int
	// Schema type names whose data is viewer-specific. Queries selecting
	// any of these are cached per identity, never shared.
	PrivateTypes []string
	// Source of the current GraphQL schema. Optional; without a schema,
	// private-type detection is skipped.
	Schema schema.Source
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Metrics collectors. Optional.
	Metrics *Metrics
}

// GraphCDN is the request handler wiring classification, key derivation,
// store access and response assembly together. Each request is handled
// independently; the cache store is the only shared state, so two
// concurrent misses on a cold key may both fetch and both store.
type GraphCDN struct {
	cache        cache.CacheProvider
	keyer        cachekey.Keyer
	originURL    url.URL
	defaultTTL   int
	privateTypes []string
	schema       schema.Source
	log          zerolog.Logger
	metrics      *Metrics
	validate     *validator.Validate
	httpClient   http.Client
}

// New initializes the caching layer from an explicit configuration.
// Nothing is read from ambient globals.
func New(config Config) *GraphCDN {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}

	return &GraphCDN{
		cache:        config.Cache,
		keyer:        cachekey.NewKeyer(config.OriginURL.String()),
		originURL:    config.OriginURL,
		defaultTTL:   ttl,
		privateTypes: config.PrivateTypes,
		schema:       config.Schema,
		log:          logger,
		metrics:      config.Metrics,
		validate:     validator.New(),
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ServeHTTP implements the http.Handler interface.
func (g *GraphCDN) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.sendError(w, http.StatusBadRequest, "Could not read request body.", CacheStatusError)
		g.finish(r, CacheStatusError, "", start)
		return
	}

	req, err := parseRequest(g.validate, body)
	if err != nil {
		g.sendError(w, http.StatusBadRequest, err.Error(), CacheStatusError)
		g.finish(r, CacheStatusError, "", start)
		return
	}

	var currentSchema *ast.Schema
	if g.schema != nil {
		currentSchema = g.schema.Latest()
	}

	op, err := operation.Classify(req.Query, req.OperationName, currentSchema, g.privateTypes)
	if err != nil {
		g.sendError(w, http.StatusBadRequest, err.Error(), CacheStatusError)
		g.finish(r, CacheStatusError, "", start)
		return
	}

	// Mutations skip the cache on both sides: no lookup, no store.
	if op.IsMutation {
		g.passthrough(w, r, body, start)
		return
	}

	normalized := operation.Normalize(req.Query)
	if req.OperationName != "" {
		// the same document text can hold several operations; the one
		// that executes is part of the cache identity
		normalized = req.OperationName + "\n" + normalized
	}
	scoped := op.TouchesPrivateType
	var key string
	if scoped {
		key = g.keyer.Scoped(normalized, r.Header.Get(headerAuthorization))
	} else {
		key = g.keyer.Public(normalized)
	}

	if entry, meta, ok, err := g.cache.Find(key); err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("Could not retrieve from cache")
	} else if ok {
		g.sendHit(w, entry, meta)
		g.finish(r, CacheStatusHit, key, start)
		return
	}

	originRes, originBody, err := g.fetchOrigin(r, body)
	if err != nil {
		g.log.Error().Err(err).Msg("Could not fetch response from origin")
		g.sendError(w, http.StatusBadGateway, "Could not connect to origin.", CacheStatusError)
		g.finish(r, CacheStatusError, key, start)
		return
	}

	contentType := originRes.Header.Get(headerContentType)
	if !isJSONContent(contentType) {
		msg := fmt.Sprintf("Unsupported content-type %q from origin %s.", contentType, g.originURL.String())
		g.sendError(w, http.StatusUnsupportedMediaType, msg, CacheStatusPass)
		g.finish(r, CacheStatusPass, key, start)
		return
	}

	// Identity-scoped responses are always stored, regardless of the
	// origin's own cache-control: the key already isolates identities.
	if !IsCacheable(originRes) && !scoped {
		g.sendPass(w, originRes.StatusCode, originBody, flattenHeader(originRes.Header), nil)
		g.finish(r, CacheStatusPass, key, start)
		return
	}

	ttl := MaxAge(originRes.Header.Get(headerCacheControl))
	if ttl < 0 {
		ttl = g.defaultTTL
	}
	cacheControl := cacheControlFor(scoped, ttl)

	snapshot := mergeHeaders(
		flattenHeader(originRes.Header),
		defaultHeaders(),
		map[string]string{headerCacheControl: cacheControl},
	)
	entry := cache.Entry{Body: originBody, Headers: snapshot}
	if err := g.cache.Save(key, entry, ttl); err != nil {
		// degrade gracefully, the response is already computed
		g.log.Error().Err(err).Str("key", key).Msg("Could not write cache entry")
		g.metrics.storeFailure()
	}

	g.sendPass(w, originRes.StatusCode, originBody, flattenHeader(originRes.Header), map[string]string{headerCacheControl: cacheControl})
	g.finish(r, CacheStatusPass, key, start)
}

// passthrough forwards a mutation to the origin untouched by the cache.
func (g *GraphCDN) passthrough(w http.ResponseWriter, r *http.Request, body []byte, start time.Time) {
	originRes, originBody, err := g.fetchOrigin(r, body)
	if err != nil {
		g.log.Error().Err(err).Msg("Could not fetch response from origin")
		g.sendError(w, http.StatusBadGateway, "Could not connect to origin.", CacheStatusError)
		g.finish(r, CacheStatusError, "", start)
		return
	}
	contentType := originRes.Header.Get(headerContentType)
	if !isJSONContent(contentType) {
		msg := fmt.Sprintf("Unsupported content-type %q from origin %s.", contentType, g.originURL.String())
		g.sendError(w, http.StatusUnsupportedMediaType, msg, CacheStatusPass)
		g.finish(r, CacheStatusPass, "", start)
		return
	}
	g.sendPass(w, originRes.StatusCode, originBody, flattenHeader(originRes.Header), nil)
	g.finish(r, CacheStatusPass, "", start)
}

// fetchOrigin forwards the original request body, method and headers to
// the origin and reads the full response.
func (g *GraphCDN) fetchOrigin(r *http.Request, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequest(r.Method, g.originURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	for name, values := range r.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	// let the transport negotiate compression so stored bodies are plain
	req.Header.Del("Accept-Encoding")

	res, err := g.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, err
	}
	return res, resBody, nil
}

func isJSONContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	mediaType, _, _ := strings.Cut(ct, ";")
	mediaType = strings.TrimSpace(mediaType)
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// finish records the outcome of a request: one metrics observation and one
// access log line.
func (g *GraphCDN) finish(r *http.Request, status CacheStatus, key string, start time.Time) {
	g.metrics.observe(status)
	hit := 0
	if status == CacheStatusHit {
		hit = 1
	}
	g.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("status", string(status)).
		Str("key", key).
		Dur("elapsed", time.Since(start)).
		Int("hit", hit).
		Msg("Sending response to client")
}
