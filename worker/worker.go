// Package worker implements the fetch worker: an RPC service that answers
// URL fetches from the shared cache, or from the network on a miss.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fetchpool/fetchpool/cache"
	cachekey "github.com/fetchpool/fetchpool/pkg/cache-key"
	"github.com/fetchpool/fetchpool/rpc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultUserAgent    = "Mozilla/5.0 (fetchpool worker)"
	// number of keys reported by Stats
	statsSampleSize = 10
)

type Config struct {
	// Identifier reported in replies, e.g. worker-8001.
	ID string
	// Cache shared with the other workers.
	Cache *cache.SharedCache
	// Description of the cache storage for health and stats replies.
	CacheType string
	// Timeout of upstream fetches. DefaultFetchTimeout if zero.
	FetchTimeout time.Duration
	// User-Agent sent upstream. DefaultUserAgent if empty.
	UserAgent string
	// Client for upstream fetches. Redirects are followed.
	HTTPClient *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Worker struct {
	id           string
	cache        *cache.SharedCache
	cacheType    string
	fetchTimeout time.Duration
	userAgent    string
	client       *http.Client
	log          zerolog.Logger
}

func New(config Config) *Worker {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	w := &Worker{
		id:           config.ID,
		cache:        config.Cache,
		cacheType:    config.CacheType,
		fetchTimeout: config.FetchTimeout,
		userAgent:    config.UserAgent,
		client:       config.HTTPClient,
		log:          logger.With().Str("worker", config.ID).Logger(),
	}
	if w.fetchTimeout <= 0 {
		w.fetchTimeout = DefaultFetchTimeout
	}
	if w.userAgent == "" {
		w.userAgent = DefaultUserAgent
	}
	if w.client == nil {
		w.client = &http.Client{}
	}
	return w
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.id
}

// Fetch returns the response for url, from the shared cache if a fresh entry
// exists, otherwise from the network. Only successful (2xx) responses are
// written to the cache.
//
// The upstream fetch is bounded by the fetch timeout only: it is not tied to
// the caller, so it completes (and fills the cache) even if the caller gives up.
func (w *Worker) Fetch(url string) rpc.FetchReply {
	if entry, ok := w.cache.Get(url); ok {
		w.log.Info().Str("url", url).Str("key", cachekey.Short(entry.Key)).Msg("Cache hit")
		return rpc.FetchReply{
			Status:  entry.StatusCode,
			Headers: entry.Header,
			Content: entry.Body,
			Cached:  true,
			Worker:  w.id,
		}
	}

	w.log.Info().Str("url", url).Msg("Fetching")
	ctx, cancel := context.WithTimeout(context.Background(), w.fetchTimeout)
	defer cancel()
	status, header, body, err := w.fetchUpstream(ctx, url)
	if err != nil {
		w.log.Warn().Err(err).Str("url", url).Msg("Fetch failed")
		return rpc.FetchReply{
			Status:  http.StatusInternalServerError,
			Headers: http.Header{},
			Content: []byte(err.Error()),
			Worker:  w.id,
			Error:   err.Error(),
		}
	}

	reply := rpc.FetchReply{
		Status:  status,
		Headers: header,
		Content: body,
		Worker:  w.id,
	}
	if status < 200 || status >= 300 {
		reply.Error = fmt.Sprintf("HTTP Error %d: %s", status, http.StatusText(status))
		w.log.Warn().Str("url", url).Int("status", status).Msg("Upstream error, not caching")
		return reply
	}

	err = w.cache.Put(url, cache.Entry{
		StatusCode: status,
		Header:     header,
		Body:       body,
	})
	if err != nil {
		w.log.Error().Err(err).Str("url", url).Msg("Could not write to cache")
	}
	return reply
}

func (w *Worker) fetchUpstream(ctx context.Context, url string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("User-Agent", w.userAgent)

	res, err := w.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, nil, err
	}

	header := cloneHeader(res.Header)
	// the body is passed on whole, framing is redone by whoever writes it
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	return res.StatusCode, header, body, nil
}

// Health reports the worker as live, along with the number of stored entries.
// It fails if the cache storage cannot be reached.
func (w *Worker) Health() (rpc.HealthReply, error) {
	count, err := w.cache.Count()
	if err != nil {
		return rpc.HealthReply{}, err
	}
	return rpc.HealthReply{
		Status:       rpc.StatusOK,
		WorkerID:     w.id,
		CacheType:    w.cacheType,
		CacheEntries: count,
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
	}, nil
}

// ClearCache removes every cache entry, for all workers sharing the storage.
func (w *Worker) ClearCache() error {
	if err := w.cache.Clear(); err != nil {
		return err
	}
	w.log.Info().Msg("Cache cleared")
	return nil
}

// Stats returns the number of stored entries and a sample of their keys.
func (w *Worker) Stats() (rpc.StatsReply, error) {
	keys, err := w.cache.Keys()
	if err != nil {
		return rpc.StatsReply{}, err
	}
	sample := keys
	if len(sample) > statsSampleSize {
		sample = sample[:statsSampleSize]
	}
	return rpc.StatsReply{
		WorkerID:     w.id,
		CacheType:    w.cacheType,
		CacheEntries: len(keys),
		CacheKeys:    sample,
	}, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
