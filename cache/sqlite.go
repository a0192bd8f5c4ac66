package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// record is the serialized form shared by the durable providers.
type record struct {
	Entry         Entry `json:"entry"`
	CreatedAtUnix int64 `json:"createdAt"`
	ExpirationTTL int   `json:"expirationTtl"`
}

// SQLiteCache is a durable CacheProvider backed by a single SQLite file.
// Use the DSN "file::memory:?cache=shared" for an in-memory database.
type SQLiteCache struct {
	db   *sql.DB
	quit chan struct{}
}

func NewSQLiteCache(filename string) (SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, record BLOB)"); err != nil {
		return SQLiteCache{}, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)"); err != nil {
		return SQLiteCache{}, err
	}
	s := SQLiteCache{db: db, quit: make(chan struct{})}
	go janitor(time.Minute, s.purgeExpired, s.quit)
	return s, nil
}

// Close stops the background janitor and closes the database.
func (s SQLiteCache) Close() error {
	close(s.quit)
	return s.db.Close()
}

func (s SQLiteCache) Find(key string) (Entry, Metadata, bool, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT record FROM cache WHERE key = ?", key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, Metadata{}, false, nil
	}
	if err != nil {
		return Entry{}, Metadata{}, false, err
	}
	var rec record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return Entry{}, Metadata{}, false, err
	}
	meta := Metadata{
		CreatedAt:     time.Unix(rec.CreatedAtUnix, 0),
		ExpirationTTL: rec.ExpirationTTL,
	}
	return rec.Entry, meta, true, nil
}

func (s SQLiteCache) Save(key string, entry Entry, ttlSeconds int) error {
	if ttlSeconds < 0 {
		ttlSeconds = 0
	}
	now := time.Now()
	blob, err := json.Marshal(record{
		Entry:         entry,
		CreatedAtUnix: now.Unix(),
		ExpirationTTL: ttlSeconds,
	})
	if err != nil {
		return err
	}
	expires := now.Add(time.Duration(ttlSeconds) * time.Second).Unix()
	_, err = s.db.Exec("INSERT OR REPLACE INTO cache (key, expires, record) VALUES (?, ?, ?)", key, expires, blob)
	return err
}

func (s SQLiteCache) Purge(key string) {
	_, _ = s.db.Exec("DELETE FROM cache WHERE key = ?", key)
}

func (s SQLiteCache) purgeExpired() {
	_, _ = s.db.Exec("DELETE FROM cache WHERE expires <= ?", time.Now().Unix())
}
