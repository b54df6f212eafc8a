// Package fetchpool is a load-balanced forwarding proxy: every client request
// is handed over RPC to one of a pool of fetch workers, which answer from a
// cache shared by all of them or fetch the resource themselves.
package fetchpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fetchpool/fetchpool/rpc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultOrigin     = "http://example.com"
	DefaultRPCTimeout = 30 * time.Second
)

// ErrNoWorkers is reported when no worker is live at selection time.
var ErrNoWorkers = errors.New("no RPC workers available")

// Picker selects the worker for a request.
type Picker interface {
	Next() (Endpoint, bool)
}

// Fetcher performs the fetch RPC against a worker.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint, url string) (rpc.FetchReply, error)
}

type Config struct {
	// Worker selection, usually a *Balancer.
	Picker Picker
	// RPC client, usually a *rpc.Client.
	Fetcher Fetcher
	// Receives one record per request. Records are dropped if nil.
	AccessLog AccessLogger
	// Origin for requests not in absolute form. DefaultOrigin if empty.
	DefaultOrigin string
	// Bound of the fetch RPC. DefaultRPCTimeout if zero.
	RPCTimeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Proxy struct {
	picker        Picker
	fetcher       Fetcher
	accessLog     AccessLogger
	defaultOrigin string
	rpcTimeout    time.Duration
	log           zerolog.Logger
	now           func() time.Time
}

// NewProxy creates the proxy front end.
func NewProxy(config Config) *Proxy {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	p := &Proxy{
		picker:        config.Picker,
		fetcher:       config.Fetcher,
		accessLog:     config.AccessLog,
		defaultOrigin: strings.TrimRight(config.DefaultOrigin, "/"),
		rpcTimeout:    config.RPCTimeout,
		log:           logger.With().Str("component", "proxy").Logger(),
		now:           time.Now,
	}
	if p.defaultOrigin == "" {
		p.defaultOrigin = DefaultOrigin
	}
	if p.rpcTimeout <= 0 {
		p.rpcTimeout = DefaultRPCTimeout
	}
	if p.accessLog == nil {
		p.accessLog = nopAccessLog{}
	}
	return p
}

type nopAccessLog struct{}

func (nopAccessLog) LogAccess(AccessLogRecord) {}

// request is the state of one client request.
type request struct {
	r        *http.Request
	start    time.Time
	clientIP string
	url      string
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := &request{
		r:        r,
		start:    p.now(),
		clientIP: getRequestSourceIp(r),
		url:      p.targetURL(r),
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodConnect:
		p.reject(w, req, http.StatusNotImplemented, "HTTPS tunneling not implemented")
		return
	default:
		p.reject(w, req, http.StatusNotImplemented, fmt.Sprintf("Unsupported method (%s)", r.Method))
		return
	}

	endpoint, ok := p.picker.Next()
	if !ok {
		p.log.Warn().Err(ErrNoWorkers).Str("url", req.url).Msg("Rejecting request")
		p.reject(w, req, http.StatusServiceUnavailable, "No RPC workers available")
		return
	}

	// detached from the client: a disconnect does not abort the fetch
	ctx, cancel := context.WithTimeout(context.Background(), p.rpcTimeout)
	defer cancel()
	reply, err := p.fetcher.Fetch(ctx, endpoint.Address, req.url)
	elapsed := p.now().Sub(req.start)
	if err != nil {
		p.log.Error().Err(err).Str("url", req.url).Str("endpoint", endpoint.Address).Msg("RPC failed")
		setProxyHeaders(w.Header(), endpoint.Address, false, elapsed)
		http.Error(w, "RPC Error: "+err.Error(), http.StatusBadGateway)
		p.logAccess(req, http.StatusBadGateway, endpoint.Address, false, elapsed)
		return
	}

	worker := reply.Worker
	if worker == "" {
		worker = endpoint.Address
	}
	copyHeader(w.Header(), reply.Headers)
	setProxyHeaders(w.Header(), worker, reply.Cached, elapsed)
	w.Header().Set("Cache-Status", cacheStatus(reply).String())
	w.WriteHeader(reply.Status)
	if _, err := w.Write(reply.Content); err != nil {
		p.log.Debug().Err(err).Str("url", req.url).Msg("Could not write response body to client")
	}

	p.logAccess(req, reply.Status, worker, reply.Cached, elapsed)
	p.log.Info().
		Str("url", req.url).
		Int("status", reply.Status).
		Bool("cached", reply.Cached).
		Str("worker", worker).
		Dur("elapsed", elapsed).
		Msg("Sending response to client")
}

// reject answers a request that was not dispatched to any worker.
func (p *Proxy) reject(w http.ResponseWriter, req *request, status int, msg string) {
	setProxyHeaders(w.Header(), NoWorker, false, 0)
	http.Error(w, msg, status)
	p.logAccess(req, status, NoWorker, false, 0)
}

func (p *Proxy) logAccess(req *request, status int, worker string, cached bool, elapsed time.Duration) {
	p.accessLog.LogAccess(AccessLogRecord{
		Time:         req.start,
		ClientIP:     req.clientIP,
		Method:       req.r.Method,
		URL:          req.url,
		Domain:       DomainOf(req.url),
		Status:       status,
		Worker:       worker,
		Cached:       cached,
		ResponseTime: elapsed,
	})
}

// targetURL returns the absolute URL the client asked for.
// Requests in proxy (absolute) form pass through, others are resolved against
// the default origin. CONNECT requests yield their authority.
func (p *Proxy) targetURL(r *http.Request) string {
	if r.Method == http.MethodConnect {
		return r.Host
	}
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return p.defaultOrigin + r.URL.RequestURI()
}

func cacheStatus(reply rpc.FetchReply) *CacheStatus {
	cs := &CacheStatus{}
	if reply.Cached {
		cs.Hit()
	} else {
		cs.Forward(CacheStatusFwdUriMiss, reply.Status)
	}
	if reply.Worker != "" {
		cs.Detail(reply.Worker)
	}
	return cs
}

func setProxyHeaders(h http.Header, worker string, cached bool, elapsed time.Duration) {
	h.Set("X-Proxy", "fetchpool")
	h.Set("X-Worker", worker)
	h.Set("X-Cached", pyBool(cached))
	h.Set("X-Response-Time", formatMillis(elapsed)+"ms")
}

// hop-by-hop and framing headers, which the proxy's own connection decides
var excludedHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if excludedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return strings.TrimSuffix(strings.TrimPrefix(ip, "["), "]")
}
