package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the remote operations of fetch workers.
// A single Client can be used for any number of endpoints and is safe for
// concurrent use.
type Client struct {
	http *http.Client
	// Upper bound for each call, on top of any deadline of the passed context.
	timeout time.Duration
}

// NewClient returns a client bounding every call by timeout.
// If httpClient is nil, a client with the default transport is used.
func NewClient(timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:    httpClient,
		timeout: timeout,
	}
}

// NormalizeEndpoint turns a configured worker address into the base URL used
// for calls, e.g. "localhost:8001" becomes "http://localhost:8001".
func NormalizeEndpoint(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// Fetch asks the worker at endpoint to fetch url.
func (c *Client) Fetch(ctx context.Context, endpoint, url string) (FetchReply, error) {
	var reply FetchReply
	if err := c.call(ctx, "fetch_url", endpoint, PathFetch, FetchArgs{URL: url}, &reply); err != nil {
		return reply, err
	}
	if reply.Status < 100 || reply.Status > 999 {
		return reply, &CallError{
			Endpoint: endpoint,
			Method:   "fetch_url",
			Err:      fmt.Errorf("%w: status %d", ErrMalformedReply, reply.Status),
		}
	}
	return reply, nil
}

// Health probes the worker at endpoint.
// A reply that decodes fine but reports a status other than StatusOK is
// returned without error; deciding liveness is up to the caller.
func (c *Client) Health(ctx context.Context, endpoint string) (HealthReply, error) {
	var reply HealthReply
	if err := c.call(ctx, "health_check", endpoint, PathHealth, nil, &reply); err != nil {
		return reply, err
	}
	if reply.Status == "" {
		return reply, &CallError{
			Endpoint: endpoint,
			Method:   "health_check",
			Err:      fmt.Errorf("%w: missing status", ErrMalformedReply),
		}
	}
	return reply, nil
}

// ClearCache empties the cache storage of the worker at endpoint, and with
// it the storage of every worker sharing it.
func (c *Client) ClearCache(ctx context.Context, endpoint string) error {
	var reply ClearCacheReply
	if err := c.call(ctx, "clear_cache", endpoint, PathClearCache, struct{}{}, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return &CallError{Endpoint: endpoint, Method: "clear_cache", Err: errors.New("worker reported failure")}
	}
	return nil
}

// Stats returns diagnostics of the worker at endpoint.
func (c *Client) Stats(ctx context.Context, endpoint string) (StatsReply, error) {
	var reply StatsReply
	err := c.call(ctx, "get_stats", endpoint, PathStats, nil, &reply)
	return reply, err
}

// call performs one request/response exchange.
// args == nil means a GET without body, anything else is POSTed as JSON.
func (c *Client) call(ctx context.Context, method, endpoint, path string, args, reply interface{}) error {
	fail := func(status int, err error) error {
		return &CallError{Endpoint: endpoint, Method: method, StatusCode: status, Err: err}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpMethod := http.MethodGet
	var body io.Reader
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fail(0, err)
		}
		httpMethod = http.MethodPost
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, NormalizeEndpoint(endpoint)+path, body)
	if err != nil {
		return fail(0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return fail(res.StatusCode, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var errReply ErrorReply
		if json.Unmarshal(b, &errReply) == nil && errReply.Error != "" {
			return fail(res.StatusCode, errors.New(errReply.Error))
		}
		return fail(res.StatusCode, errors.New(http.StatusText(res.StatusCode)))
	}
	if err := json.Unmarshal(b, reply); err != nil {
		return fail(res.StatusCode, fmt.Errorf("%w: %v", ErrMalformedReply, err))
	}
	return nil
}
