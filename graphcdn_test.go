package graphcdn

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/StarpTech/GraphCDN/cache"
	"github.com/StarpTech/GraphCDN/pkg/schema"
)

const testSchemaSDL = `
type Query {
	publicField: String
	viewer: User
}

type Mutation {
	doThing: String
}

type User {
	id: ID!
	email: String!
}
`

// recordingStore wraps a provider and records every saved key.
type recordingStore struct {
	inner cache.CacheProvider
	mu    sync.Mutex
	saved []string
}

func (s *recordingStore) Find(key string) (cache.Entry, cache.Metadata, bool, error) {
	return s.inner.Find(key)
}

func (s *recordingStore) Save(key string, entry cache.Entry, ttlSeconds int) error {
	s.mu.Lock()
	s.saved = append(s.saved, key)
	s.mu.Unlock()
	return s.inner.Save(key, entry, ttlSeconds)
}

func (s *recordingStore) Purge(key string) {
	s.inner.Purge(key)
}

func (s *recordingStore) savedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

// fixedStore always returns the same entry. For age arithmetic tests.
type fixedStore struct {
	entry cache.Entry
	meta  cache.Metadata
}

func (s fixedStore) Find(string) (cache.Entry, cache.Metadata, bool, error) {
	return s.entry, s.meta, true, nil
}
func (s fixedStore) Save(string, cache.Entry, int) error { return nil }
func (s fixedStore) Purge(string)                        {}

// failingStore misses every Find and fails every Save.
type failingStore struct{}

func (failingStore) Find(string) (cache.Entry, cache.Metadata, bool, error) {
	return cache.Entry{}, cache.Metadata{}, false, nil
}
func (failingStore) Save(string, cache.Entry, int) error { return errors.New("store unavailable") }
func (failingStore) Purge(string)                        {}

func jsonOrigin(handleCount *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*handleCount++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":{"publicField":"value %d"}}`, *handleCount)
	})
}

func newTestCDN(t *testing.T, origin string, configure func(*Config)) *GraphCDN {
	t.Helper()
	originURL, err := url.Parse(origin)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	mem := cache.NewMemCache()
	t.Cleanup(func() { mem.Close() })
	config := Config{
		Cache:      mem,
		OriginURL:  *originURL,
		DefaultTTL: 60,
		Logger:     &logger,
	}
	if configure != nil {
		configure(&config)
	}
	return New(config)
}

func doQuery(cdn *GraphCDN, body, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/graphql", strings.NewReader(body))
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	cdn.ServeHTTP(rr, req)
	return rr
}

func TestMissingQueryField(t *testing.T) {
	cdn := newTestCDN(t, "http://origin.invalid", nil)
	rr := doQuery(cdn, `{}`, "")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != `{"error":"Request has no \"query\" field."}` {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "ERROR" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
}

func TestMalformedQuery(t *testing.T) {
	cdn := newTestCDN(t, "http://origin.invalid", nil)
	rr := doQuery(cdn, `{"query":"query {"}`, "")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "ERROR" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
}

func TestPublicQueryCachedOnSecondCall(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(jsonOrigin(&handleCount))
	defer origin.Close()
	cdn := newTestCDN(t, origin.URL, nil)
	query := `{"query":"query { publicField }"}`

	first := doQuery(cdn, query, "")
	if first.Code != http.StatusOK {
		t.Fatalf("Status is %d with body %s", first.Code, first.Body.String())
	}
	if cs := first.Result().Header.Get("gcdn-cache"); cs != "PASS" {
		t.Fatalf("First gcdn-cache is %s", cs)
	}
	if cc := first.Result().Header.Get("cache-control"); cc != "public, max-age=60, stale-while-revalidate=60" {
		t.Fatalf("cache-control is %s", cc)
	}

	second := doQuery(cdn, query, "")
	if cs := second.Result().Header.Get("gcdn-cache"); cs != "HIT" {
		t.Fatalf("Second gcdn-cache is %s", cs)
	}
	if xc := second.Result().Header.Get("x-cache"); xc != "HIT" {
		t.Fatalf("Second x-cache is %s", xc)
	}
	if handleCount != 1 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("Replayed body is %s", second.Body.String())
	}
}

func TestFormattingVariantsShareEntry(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(jsonOrigin(&handleCount))
	defer origin.Close()
	cdn := newTestCDN(t, origin.URL, nil)

	doQuery(cdn, `{"query":"query { publicField }"}`, "")
	rr := doQuery(cdn, `{"query":"query {\n\tpublicField\n}"}`, "")

	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "HIT" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
	if handleCount != 1 {
		t.Fatalf("Origin called %d times", handleCount)
	}
}

func TestMutationNeverCached(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(jsonOrigin(&handleCount))
	defer origin.Close()
	store := &recordingStore{inner: cache.NewMemCache()}
	cdn := newTestCDN(t, origin.URL, func(c *Config) { c.Cache = store })
	mutation := `{"query":"mutation { doThing }"}`

	for i := 0; i < 3; i++ {
		rr := doQuery(cdn, mutation, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("Status is %d", rr.Code)
		}
		if cs := rr.Result().Header.Get("gcdn-cache"); cs != "PASS" {
			t.Fatalf("gcdn-cache is %s", cs)
		}
	}
	if handleCount != 3 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if keys := store.savedKeys(); len(keys) != 0 {
		t.Fatalf("Mutation stored under keys %v", keys)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "not graphql")
	}))
	defer origin.Close()
	cdn := newTestCDN(t, origin.URL, nil)

	rr := doQuery(cdn, `{"query":"query { publicField }"}`, "")
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "PASS" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "text/plain") || !strings.Contains(body, origin.URL) {
		t.Fatalf("Body is %s", body)
	}
}

func TestMutationUnsupportedContentType(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer origin.Close()
	cdn := newTestCDN(t, origin.URL, nil)

	rr := doQuery(cdn, `{"query":"mutation { doThing }"}`, "")
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "PASS" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "text/html") || !strings.Contains(body, origin.URL) {
		t.Fatalf("Body is %s", body)
	}
}

func TestNoStoreResponseNeverStored(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		fmt.Fprint(w, `{"data":{"publicField":"x"}}`)
	}))
	defer origin.Close()
	store := &recordingStore{inner: cache.NewMemCache()}
	cdn := newTestCDN(t, origin.URL, func(c *Config) { c.Cache = store })
	query := `{"query":"query { publicField }"}`

	for i := 0; i < 2; i++ {
		rr := doQuery(cdn, query, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("Status is %d", rr.Code)
		}
		if cs := rr.Result().Header.Get("gcdn-cache"); cs != "PASS" {
			t.Fatalf("gcdn-cache is %s", cs)
		}
	}
	if handleCount != 2 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if keys := store.savedKeys(); len(keys) != 0 {
		t.Fatalf("Stored under keys %v", keys)
	}
}

func TestOriginMaxAgeWins(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=120")
		fmt.Fprint(w, `{"data":{"publicField":"x"}}`)
	}))
	defer origin.Close()
	cdn := newTestCDN(t, origin.URL, nil)

	rr := doQuery(cdn, `{"query":"query { publicField }"}`, "")
	if cc := rr.Result().Header.Get("cache-control"); cc != "public, max-age=120, stale-while-revalidate=120" {
		t.Fatalf("cache-control is %s", cc)
	}
}

func TestPrivateQueryScopedByIdentity(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Content-Type", "application/json")
		// origin forbids shared caching; identity scoping overrides it
		w.Header().Set("Cache-Control", "no-store")
		fmt.Fprintf(w, `{"data":{"viewer":{"email":"user-%s"}}}`, r.Header.Get("Authorization"))
	}))
	defer origin.Close()

	source, err := schema.NewStatic(testSchemaSDL)
	if err != nil {
		t.Fatal(err)
	}
	store := &recordingStore{inner: cache.NewMemCache()}
	cdn := newTestCDN(t, origin.URL, func(c *Config) {
		c.Cache = store
		c.Schema = source
		c.PrivateTypes = []string{"User"}
	})
	query := `{"query":"query { viewer { email } }"}`

	aliceFirst := doQuery(cdn, query, "token-alice")
	bobFirst := doQuery(cdn, query, "token-bob")
	if handleCount != 2 {
		t.Fatalf("Origin called %d times, identities may have shared an entry", handleCount)
	}
	if cc := aliceFirst.Result().Header.Get("cache-control"); cc != "private, max-age=60, stale-while-revalidate=60" {
		t.Fatalf("cache-control is %s", cc)
	}

	keys := store.savedKeys()
	if len(keys) != 2 || keys[0] == keys[1] {
		t.Fatalf("Saved keys are %v", keys)
	}

	aliceSecond := doQuery(cdn, query, "token-alice")
	if cs := aliceSecond.Result().Header.Get("gcdn-cache"); cs != "HIT" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
	if aliceSecond.Body.String() != aliceFirst.Body.String() {
		t.Fatalf("Replayed body is %s", aliceSecond.Body.String())
	}
	if aliceSecond.Body.String() == bobFirst.Body.String() {
		t.Fatal("Identities received the same body")
	}
	if handleCount != 2 {
		t.Fatalf("Origin called %d times", handleCount)
	}
}

func TestAgeNeverExceedsTTL(t *testing.T) {
	store := fixedStore{
		entry: cache.Entry{
			Body:    []byte(`{"data":{"publicField":"x"}}`),
			Headers: map[string]string{"content-type": "application/json"},
		},
		meta: cache.Metadata{
			CreatedAt:     time.Now().Add(-10 * time.Minute),
			ExpirationTTL: 60,
		},
	}
	cdn := newTestCDN(t, "http://origin.invalid", func(c *Config) { c.Cache = store })

	rr := doQuery(cdn, `{"query":"query { publicField }"}`, "")
	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "HIT" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
	if age := rr.Result().Header.Get("age"); age != "60" {
		t.Fatalf("Age is %s", age)
	}
}

func TestStoreFailureStillServes(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(jsonOrigin(&handleCount))
	defer origin.Close()
	cdn := newTestCDN(t, origin.URL, func(c *Config) { c.Cache = failingStore{} })

	rr := doQuery(cdn, `{"query":"query { publicField }"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "PASS" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
}

func TestOriginUnreachable(t *testing.T) {
	// port reserved then closed, nothing listens there
	origin := httptest.NewServer(http.NotFoundHandler())
	originURL := origin.URL
	origin.Close()
	cdn := newTestCDN(t, originURL, nil)

	rr := doQuery(cdn, `{"query":"query { publicField }"}`, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "ERROR" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
}

func TestDefaultHeadersPresent(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(jsonOrigin(&handleCount))
	defer origin.Close()
	cdn := newTestCDN(t, origin.URL, nil)

	rr := doQuery(cdn, `{"query":"query { publicField }"}`, "")
	header := rr.Result().Header
	if ct := header.Get("content-type"); ct != "application/json" {
		t.Fatalf("content-type is %s", ct)
	}
	if header.Get("date") == "" {
		t.Fatal("date header missing")
	}
	if acma := header.Get("access-control-max-age"); acma != "300" {
		t.Fatalf("access-control-max-age is %s", acma)
	}
	if xc := header.Get("x-cache"); xc != "MISS" {
		t.Fatalf("x-cache is %s", xc)
	}
}

func TestMutationSelectedByOperationNameNeverCached(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(jsonOrigin(&handleCount))
	defer origin.Close()
	store := &recordingStore{inner: cache.NewMemCache()}
	cdn := newTestCDN(t, origin.URL, func(c *Config) { c.Cache = store })
	body := `{"query":"query Q { publicField }\nmutation M { doThing }","operationName":"M"}`

	for i := 0; i < 2; i++ {
		rr := doQuery(cdn, body, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("Status is %d with body %s", rr.Code, rr.Body.String())
		}
		if cs := rr.Result().Header.Get("gcdn-cache"); cs != "PASS" {
			t.Fatalf("gcdn-cache is %s", cs)
		}
	}
	if handleCount != 2 {
		t.Fatalf("Origin called %d times", handleCount)
	}
	if keys := store.savedKeys(); len(keys) != 0 {
		t.Fatalf("Mutation response stored under keys %v", keys)
	}
}

func TestOperationNameIsPartOfCacheIdentity(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(jsonOrigin(&handleCount))
	defer origin.Close()
	store := &recordingStore{inner: cache.NewMemCache()}
	cdn := newTestCDN(t, origin.URL, func(c *Config) { c.Cache = store })
	document := `query A { publicField }\nquery B { publicField }`

	a := doQuery(cdn, `{"query":"`+document+`","operationName":"A"}`, "")
	b := doQuery(cdn, `{"query":"`+document+`","operationName":"B"}`, "")
	if a.Code != http.StatusOK || b.Code != http.StatusOK {
		t.Fatalf("Statuses are %d/%d", a.Code, b.Code)
	}
	if handleCount != 2 {
		t.Fatalf("Origin called %d times, operations may have shared an entry", handleCount)
	}
	keys := store.savedKeys()
	if len(keys) != 2 || keys[0] == keys[1] {
		t.Fatalf("Saved keys are %v", keys)
	}

	again := doQuery(cdn, `{"query":"`+document+`","operationName":"A"}`, "")
	if cs := again.Result().Header.Get("gcdn-cache"); cs != "HIT" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
}

func TestMultiOperationWithoutNameRejected(t *testing.T) {
	cdn := newTestCDN(t, "http://origin.invalid", nil)
	rr := doQuery(cdn, `{"query":"query Q { publicField }\nmutation M { doThing }"}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cs := rr.Result().Header.Get("gcdn-cache"); cs != "ERROR" {
		t.Fatalf("gcdn-cache is %s", cs)
	}
}
