// Package rpc is the wire contract between the proxy and its fetch workers.
//
// Calls are plain HTTP/1.1 requests carrying JSON, one request per call and
// no streaming. A call that fails at the RPC layer answers a non-2xx status
// with an ErrorReply body.
package rpc

import (
	"errors"
	"fmt"
	"net/http"
)

// Paths of the remote operations on a worker.
const (
	PathFetch      = "/rpc/fetch_url"
	PathHealth     = "/rpc/health_check"
	PathClearCache = "/rpc/clear_cache"
	PathStats      = "/rpc/get_stats"
)

// StatusOK is the only health status that marks a worker as live.
const StatusOK = "ok"

type FetchArgs struct {
	URL string `json:"url"`
}

// FetchReply carries the response for a fetched URL.
// Error is set when the upstream fetch failed; Status then holds the
// upstream status code, or 500 if there was no HTTP response at all.
type FetchReply struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Content []byte      `json:"content"`
	Cached  bool        `json:"cached"`
	Worker  string      `json:"worker"`
	Error   string      `json:"error,omitempty"`
}

type HealthReply struct {
	Status       string  `json:"status"`
	WorkerID     string  `json:"worker_id"`
	CacheType    string  `json:"cache_type"`
	CacheEntries int     `json:"cache_entries"`
	Timestamp    float64 `json:"timestamp"`
}

type ClearCacheReply struct {
	OK bool `json:"ok"`
}

type StatsReply struct {
	WorkerID     string   `json:"worker_id"`
	CacheType    string   `json:"cache_type"`
	CacheEntries int      `json:"cache_entries"`
	CacheKeys    []string `json:"cache_keys"`
}

type ErrorReply struct {
	Error string `json:"error"`
}

// ErrMalformedReply is wrapped by errors for replies that cannot be decoded
// or do not carry the required fields.
var ErrMalformedReply = errors.New("malformed rpc reply")

// CallError describes a failed remote call.
type CallError struct {
	Endpoint string
	Method   string
	// HTTP status of the reply, 0 if there was none.
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rpc %s on %s: status %d: %v", e.Method, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("rpc %s on %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
