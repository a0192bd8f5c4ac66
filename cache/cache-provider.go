// Package cache defines the store contract for cached GraphQL responses
// and ships a memory provider for tests and single-process use.
package cache

import (
	"sync"
	"time"
)

// Entry is the exact payload and header set to replay on a cache hit,
// captured at store time.
type Entry struct {
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Metadata is written alongside an Entry. CreatedAt is set by the provider
// on Save and is non-decreasing across overwrites of the same key;
// ExpirationTTL is never negative.
type Metadata struct {
	CreatedAt     time.Time `json:"createdAt"`
	ExpirationTTL int       `json:"expirationTtl"`
}

// CacheProvider is the contract between the caching layer and a store.
// The store owns eviction; the caching layer caps the reported age instead
// of refusing to serve a stale entry. Stores may be eventually consistent:
// a Save is not guaranteed to be visible to an immediate Find elsewhere,
// and concurrent saves of one key resolve last-write-wins.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Find returns the stored entry and metadata for the given key.
	// Absence is not an error: the boolean is false and err is nil.
	Find(key string) (Entry, Metadata, bool, error)
	// Save stores the entry under the given key with the given TTL in
	// seconds. It is best-effort; a failure must never abort the request
	// being served, the caller logs it and moves on.
	Save(key string, entry Entry, ttlSeconds int) error
	// Purge removes the cache entry for the given key.
	// It is a utility method that is not used by the caching layer.
	Purge(key string)
}

type memCacheEntry struct {
	entry Entry
	meta  Metadata
}

// MemCache is an in-process CacheProvider. Entries are deep-copied on both
// Save and Find, so mutating a live response after storing it never alters
// the stored snapshot.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]memCacheEntry
	quit  chan struct{}
}

func NewMemCache() MemCache {
	m := MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memCacheEntry),
		quit:  make(chan struct{}),
	}
	go janitor(time.Minute, m.purgeExpired, m.quit)
	return m
}

// Close stops the background janitor.
func (m MemCache) Close() error {
	close(m.quit)
	return nil
}

func (m MemCache) Find(key string) (Entry, Metadata, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	stored, ok := m.db[key]
	if !ok {
		return Entry{}, Metadata{}, false, nil
	}
	return copyEntry(stored.entry), stored.meta, true, nil
}

func (m MemCache) Save(key string, entry Entry, ttlSeconds int) error {
	if ttlSeconds < 0 {
		ttlSeconds = 0
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memCacheEntry{
		entry: copyEntry(entry),
		meta: Metadata{
			CreatedAt:     time.Now(),
			ExpirationTTL: ttlSeconds,
		},
	}
	return nil
}

func (m MemCache) Purge(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
}

// put installs an entry with explicit metadata. Test hook.
func (m MemCache) put(key string, entry Entry, meta Metadata) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memCacheEntry{entry: copyEntry(entry), meta: meta}
}

func (m MemCache) purgeExpired() {
	now := time.Now()
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key, stored := range m.db {
		expires := stored.meta.CreatedAt.Add(time.Duration(stored.meta.ExpirationTTL) * time.Second)
		if now.After(expires) {
			delete(m.db, key)
		}
	}
}

func copyEntry(entry Entry) Entry {
	body := make([]byte, len(entry.Body))
	copy(body, entry.Body)
	headers := make(map[string]string, len(entry.Headers))
	for name, value := range entry.Headers {
		headers[name] = value
	}
	return Entry{Body: body, Headers: headers}
}

// janitor runs the purge callback on an interval until quit is closed.
// Providers that have no server-side expiry use it to evict expired entries.
func janitor(interval time.Duration, purge func(), quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			purge()
		case <-quit:
			return
		}
	}
}
