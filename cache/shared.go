package cache

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	cachekey "github.com/fetchpool/fetchpool/pkg/cache-key"
	serializer "github.com/fetchpool/fetchpool/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long a fetched response may be served from the cache.
const DefaultTTL = 60 * time.Second

// ErrCorruptRecord is reported (and logged) when a stored record cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt cache record")

// Entry is one previously fetched resource.
type Entry struct {
	Key        string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	WrittenAt  time.Time
}

// Fresh reports whether the entry may still be served at time now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.WrittenAt) < ttl
}

type Config struct {
	// Storage for cache records, shared by all workers.
	Store Store
	// Maximum age of a servable entry. DefaultTTL if zero.
	TTL time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock, time.Now if nil.
	Now func() time.Time
}

// SharedCache is the TTL-bounded response cache on top of a Store.
// Entries are addressed by the hash of the request URL and expire lazily:
// a read that finds an expired entry deletes it.
// Storage errors never fail a lookup, they are logged and count as misses.
type SharedCache struct {
	store Store
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time
}

func New(config Config) *SharedCache {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	c := &SharedCache{
		store: config.Store,
		ttl:   config.TTL,
		log:   logger.With().Str("component", "cache").Logger(),
		now:   config.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// TTL returns the configured time to live.
func (c *SharedCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the fresh entry for the URL, if there is one.
func (c *SharedCache) Get(url string) (Entry, bool) {
	key := cachekey.ForURL(url)
	record, ok, err := c.store.Get(key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	sRes, err := serializer.BytesToStoredResponse(record)
	if err != nil {
		c.log.Error().Err(fmt.Errorf("%w: %v", ErrCorruptRecord, err)).Str("key", key).Msg("Could not decode cache record")
		return Entry{}, false
	}
	entry := Entry{
		Key:        key,
		URL:        sRes.URL,
		StatusCode: sRes.StatusCode,
		Header:     sRes.Header,
		Body:       sRes.Body,
		WrittenAt:  sRes.WrittenAt,
	}
	if !entry.Fresh(c.now(), c.ttl) {
		c.log.Trace().Str("key", key).Time("written", entry.WrittenAt).Msg("Cache entry expired, removing")
		if err := c.store.Delete(key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Could not remove expired cache entry")
		}
		return Entry{}, false
	}
	return entry, true
}

// Put writes the entry for the URL, stamped with the current time.
// Any previous entry for the URL is replaced.
func (c *SharedCache) Put(url string, entry Entry) error {
	key := cachekey.ForURL(url)
	record, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		URL:        url,
		StatusCode: entry.StatusCode,
		Header:     entry.Header,
		Body:       entry.Body,
		WrittenAt:  c.now(),
	})
	if err != nil {
		return err
	}
	if err := c.store.Put(key, record); err != nil {
		return err
	}
	c.log.Debug().Str("key", cachekey.Short(key)).Str("url", url).Msg("Cached response")
	return nil
}

// Keys lists the keys currently in storage, expired or not.
func (c *SharedCache) Keys() ([]string, error) {
	return c.store.Keys()
}

// Count returns the number of entries currently in storage, expired or not.
func (c *SharedCache) Count() (int, error) {
	keys, err := c.store.Keys()
	return len(keys), err
}

// Clear removes every entry from storage.
// This affects every worker sharing the storage.
func (c *SharedCache) Clear() error {
	return c.store.Clear()
}
