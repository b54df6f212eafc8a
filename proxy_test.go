package fetchpool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fetchpool/fetchpool/cache"
	"github.com/fetchpool/fetchpool/rpc"
	"github.com/fetchpool/fetchpool/worker"
)

// recordingLog keeps access log records in memory.
type recordingLog struct {
	mu      sync.Mutex
	records []AccessLogRecord
}

func (l *recordingLog) LogAccess(rec AccessLogRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

func (l *recordingLog) all() []AccessLogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AccessLogRecord(nil), l.records...)
}

type fetcherFunc func(ctx context.Context, endpoint, url string) (rpc.FetchReply, error)

func (f fetcherFunc) Fetch(ctx context.Context, endpoint, url string) (rpc.FetchReply, error) {
	return f(ctx, endpoint, url)
}

func mustNotFetch(t *testing.T) fetcherFunc {
	return func(ctx context.Context, endpoint, url string) (rpc.FetchReply, error) {
		t.Fatalf("unexpected fetch of %s via %s", url, endpoint)
		return rpc.FetchReply{}, nil
	}
}

func TestNoWorkersAvailable(t *testing.T) {
	accessLog := &recordingLog{}
	p := NewProxy(Config{
		Picker:    NewBalancer(endpoints()),
		Fetcher:   mustNotFetch(t),
		AccessLog: accessLog,
	})

	req := httptest.NewRequest("GET", "/page", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No RPC workers available") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	records := accessLog.all()
	if len(records) != 1 {
		t.Fatalf("got %d access log records, want 1", len(records))
	}
	if r := records[0]; r.Worker != NoWorker || r.Cached || r.Status != 503 || r.URL != "http://example.com/page" {
		t.Fatalf("unexpected access log record %+v", r)
	}
}

func TestRPCFailure(t *testing.T) {
	accessLog := &recordingLog{}
	p := NewProxy(Config{
		Picker: NewBalancer(endpoints("http://w1")),
		Fetcher: fetcherFunc(func(ctx context.Context, endpoint, url string) (rpc.FetchReply, error) {
			return rpc.FetchReply{}, errors.New("connection refused")
		}),
		AccessLog: accessLog,
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "RPC Error: ") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("X-Worker") != "http://w1" {
		t.Fatalf("X-Worker should name the attempted worker, got %q", rec.Header().Get("X-Worker"))
	}
	if r := accessLog.all()[0]; r.Worker != "http://w1" || r.Status != 502 {
		t.Fatalf("unexpected access log record %+v", r)
	}
}

func TestRPCIsBoundedAndDetached(t *testing.T) {
	p := NewProxy(Config{
		Picker: NewBalancer(endpoints("http://w1")),
		Fetcher: fetcherFunc(func(ctx context.Context, endpoint, url string) (rpc.FetchReply, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Fatalf("fetch context has no deadline")
			}
			<-ctx.Done()
			return rpc.FetchReply{}, ctx.Err()
		}),
		RPCTimeout: 50 * time.Millisecond,
	})

	// a cancelled client request does not cut the RPC short
	clientCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/", nil).WithContext(clientCtx)
	rec := httptest.NewRecorder()
	start := time.Now()
	p.ServeHTTP(rec, req)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("RPC returned after %s, before its timeout", elapsed)
	}
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", rec.Code)
	}
}

func TestConnectNotImplemented(t *testing.T) {
	accessLog := &recordingLog{}
	p := NewProxy(Config{
		Picker:    NewBalancer(endpoints("http://w1")),
		Fetcher:   mustNotFetch(t),
		AccessLog: accessLog,
	})

	req := httptest.NewRequest("CONNECT", "example.com:443", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("got status %d, want 501", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "HTTPS tunneling not implemented") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if r := accessLog.all()[0]; r.Method != "CONNECT" || r.Worker != NoWorker {
		t.Fatalf("unexpected access log record %+v", r)
	}
}

func TestUnsupportedMethod(t *testing.T) {
	p := NewProxy(Config{
		Picker:  NewBalancer(endpoints("http://w1")),
		Fetcher: mustNotFetch(t),
	})
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("POST", "/form", strings.NewReader("a=b")))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("got status %d, want 501", rec.Code)
	}
}

func TestTargetURL(t *testing.T) {
	var got []string
	p := NewProxy(Config{
		Picker: NewBalancer(endpoints("http://w1")),
		Fetcher: fetcherFunc(func(ctx context.Context, endpoint, url string) (rpc.FetchReply, error) {
			got = append(got, url)
			return rpc.FetchReply{Status: 200}, nil
		}),
		DefaultOrigin: "http://origin.test/",
	})

	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/a/b?c=d", nil))
	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://other.test/x", nil))

	want := []string{"http://origin.test/a/b?c=d", "http://other.test/x"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("request %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestResponseHeaders(t *testing.T) {
	p := NewProxy(Config{
		Picker: NewBalancer(endpoints("http://w1")),
		Fetcher: fetcherFunc(func(ctx context.Context, endpoint, url string) (rpc.FetchReply, error) {
			return rpc.FetchReply{
				Status: 201,
				Headers: http.Header{
					"Content-Type":      {"text/plain"},
					"Content-Length":    {"999"},
					"Connection":        {"close"},
					"Keep-Alive":        {"timeout=5"},
					"Transfer-Encoding": {"chunked"},
					"Set-Cookie":        {"a=1", "b=2"},
				},
				Content: []byte("body"),
				Cached:  true,
				Worker:  "worker-8001",
			}, nil
		}),
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != 201 || rec.Body.String() != "body" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	h := rec.Header()
	for _, name := range []string{"Content-Length", "Connection", "Keep-Alive", "Transfer-Encoding"} {
		if h.Get(name) != "" {
			t.Fatalf("%s should not be forwarded", name)
		}
	}
	if len(h.Values("Set-Cookie")) != 2 {
		t.Fatalf("multi-valued header lost: %v", h.Values("Set-Cookie"))
	}
	if h.Get("X-Proxy") != "fetchpool" || h.Get("X-Worker") != "worker-8001" || h.Get("X-Cached") != "True" {
		t.Fatalf("unexpected proxy headers %v", h)
	}
	if !strings.HasSuffix(h.Get("X-Response-Time"), "ms") {
		t.Fatalf("unexpected X-Response-Time %q", h.Get("X-Response-Time"))
	}
	if h.Get("Cache-Status") != `fetchpool; hit; detail="worker-8001"` {
		t.Fatalf("unexpected Cache-Status %q", h.Get("Cache-Status"))
	}
}

func TestGetRequestSourceIp(t *testing.T) {
	tests := map[string]string{
		"1.2.3.4:10000":       "1.2.3.4",
		"[2001:db8::1]:10000": "2001:db8::1",
		"pipe":                "pipe",
	}
	for addr, want := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = addr
		if got := getRequestSourceIp(r); got != want {
			t.Fatalf("getRequestSourceIp(%q) = %q, want %q", addr, got, want)
		}
	}
}

// startPoolWorker serves a real worker over the given store.
func startPoolWorker(t *testing.T, id string, store cache.Store) *httptest.Server {
	t.Helper()
	w := worker.New(worker.Config{
		ID:        id,
		Cache:     cache.New(cache.Config{Store: store}),
		CacheType: "file",
	})
	server := httptest.NewServer(w.Handler())
	t.Cleanup(server.Close)
	return server
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, string(body)
}

func TestProxyEndToEnd(t *testing.T) {
	var originHits int
	var mu sync.Mutex
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		originHits++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<h1>origin</h1>"))
	}))
	defer origin.Close()

	dir := t.TempDir()
	storeA, err := cache.NewFileStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	storeB, err := cache.NewFileStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	workerA := startPoolWorker(t, "worker-a", storeA)
	workerB := startPoolWorker(t, "worker-b", storeB)

	registry := NewRegistry([]string{workerA.URL, workerB.URL})
	client := rpc.NewClient(5*time.Second, nil)
	monitor := NewMonitor(MonitorConfig{Registry: registry, Prober: client})
	if live := monitor.ProbeAll(context.Background()); live != 2 {
		t.Fatalf("got %d live workers, want 2", live)
	}

	accessLog := &recordingLog{}
	proxy := httptest.NewServer(NewProxy(Config{
		Picker:        NewBalancer(registry),
		Fetcher:       client,
		AccessLog:     accessLog,
		DefaultOrigin: origin.URL,
	}))
	defer proxy.Close()

	res1, body1 := get(t, proxy.URL+"/page")
	if res1.StatusCode != 200 || res1.Header.Get("X-Worker") != "worker-a" || res1.Header.Get("X-Cached") != "False" {
		t.Fatalf("first request: %d worker=%s cached=%s", res1.StatusCode, res1.Header.Get("X-Worker"), res1.Header.Get("X-Cached"))
	}
	if res1.Header.Get("Cache-Status") != `fetchpool; fwd=uri-miss; fwd-status=200; detail="worker-a"` {
		t.Fatalf("unexpected Cache-Status %q", res1.Header.Get("Cache-Status"))
	}

	res2, body2 := get(t, proxy.URL+"/page")
	if res2.StatusCode != 200 || res2.Header.Get("X-Worker") != "worker-b" || res2.Header.Get("X-Cached") != "True" {
		t.Fatalf("second request: %d worker=%s cached=%s", res2.StatusCode, res2.Header.Get("X-Worker"), res2.Header.Get("X-Cached"))
	}
	if body1 != body2 || body1 != "<h1>origin</h1>" {
		t.Fatalf("bodies differ: %q %q", body1, body2)
	}
	if res2.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("cached headers not forwarded: %v", res2.Header)
	}
	if originHits != 1 {
		t.Fatalf("origin was hit %d times, want 1", originHits)
	}

	records := accessLog.all()
	if len(records) != 2 || records[0].Cached || !records[1].Cached || records[1].Worker != "worker-b" {
		t.Fatalf("unexpected access log %+v", records)
	}
	if records[0].ClientIP != "127.0.0.1" {
		t.Fatalf("unexpected client ip %q", records[0].ClientIP)
	}
}
