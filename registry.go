package fetchpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fetchpool/fetchpool/rpc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHealthInterval = 10 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)

// Endpoint identifies one fetch worker by the base URL of its RPC service.
type Endpoint struct {
	Address string
}

func (e Endpoint) String() string {
	return e.Address
}

// EndpointStatus is the outcome of the last probe of an endpoint.
type EndpointStatus struct {
	Endpoint     Endpoint
	Live         bool
	CacheEntries int
	// Reason the endpoint is not live, empty if it is.
	Err       string
	CheckedAt time.Time
}

// Registry holds the configured workers and the subset currently live.
// The live set is only ever replaced as a whole, so readers always get a
// complete snapshot.
type Registry struct {
	endpoints []Endpoint
	active    atomic.Pointer[[]Endpoint]
	status    atomic.Pointer[[]EndpointStatus]
}

// NewRegistry creates a registry for the given worker addresses.
// Addresses are normalized and blanks skipped. Nothing is live until the
// first probe.
func NewRegistry(addresses []string) *Registry {
	r := &Registry{}
	for _, addr := range addresses {
		if addr = rpc.NormalizeEndpoint(addr); addr != "" {
			r.endpoints = append(r.endpoints, Endpoint{Address: addr})
		}
	}
	r.Replace(nil, nil)
	return r
}

// Endpoints returns all configured endpoints, live or not.
func (r *Registry) Endpoints() []Endpoint {
	return r.endpoints
}

// Active returns the current live set. The returned slice must not be modified.
func (r *Registry) Active() []Endpoint {
	return *r.active.Load()
}

// Status returns the per-endpoint results of the last probe round.
func (r *Registry) Status() []EndpointStatus {
	return *r.status.Load()
}

// Replace swaps in a new live set and probe status.
func (r *Registry) Replace(active []Endpoint, status []EndpointStatus) {
	if active == nil {
		active = []Endpoint{}
	}
	if status == nil {
		status = []EndpointStatus{}
	}
	r.active.Store(&active)
	r.status.Store(&status)
}

// Prober checks a single worker.
type Prober interface {
	Health(ctx context.Context, endpoint string) (rpc.HealthReply, error)
}

type MonitorConfig struct {
	Registry *Registry
	Prober   Prober
	// Time between probe rounds. DefaultHealthInterval if zero.
	Interval time.Duration
	// Bound for each single probe. DefaultProbeTimeout if zero.
	ProbeTimeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Monitor keeps the registry's live set up to date by probing every
// configured worker on a fixed interval.
type Monitor struct {
	registry     *Registry
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	log          zerolog.Logger
}

func NewMonitor(config MonitorConfig) *Monitor {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	m := &Monitor{
		registry:     config.Registry,
		prober:       config.Prober,
		interval:     config.Interval,
		probeTimeout: config.ProbeTimeout,
		log:          logger.With().Str("component", "monitor").Logger(),
	}
	if m.interval <= 0 {
		m.interval = DefaultHealthInterval
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = DefaultProbeTimeout
	}
	return m
}

// ProbeAll probes every configured endpoint once and replaces the live set
// with the endpoints that answered "ok", in configuration order.
// Probes run concurrently, each bounded by the probe timeout, so a hung
// worker does not hold up the others. It returns the number of live workers.
func (m *Monitor) ProbeAll(ctx context.Context) int {
	endpoints := m.registry.Endpoints()
	status := make([]EndpointStatus, len(endpoints))

	var wg sync.WaitGroup
	for i, e := range endpoints {
		wg.Add(1)
		go func(i int, e Endpoint) {
			defer wg.Done()
			status[i] = m.probe(ctx, e)
		}(i, e)
	}
	wg.Wait()

	active := make([]Endpoint, 0, len(endpoints))
	for _, s := range status {
		if s.Live {
			active = append(active, s.Endpoint)
		}
	}
	m.registry.Replace(active, status)
	return len(active)
}

func (m *Monitor) probe(ctx context.Context, e Endpoint) EndpointStatus {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	s := EndpointStatus{Endpoint: e}
	reply, err := m.prober.Health(ctx, e.Address)
	s.CheckedAt = time.Now()
	switch {
	case err != nil:
		s.Err = err.Error()
		m.log.Warn().Str("endpoint", e.Address).Err(err).Msg("Worker DOWN")
	case reply.Status != rpc.StatusOK:
		s.Err = "status " + reply.Status
		m.log.Warn().Str("endpoint", e.Address).Str("status", reply.Status).Msg("Worker DOWN")
	default:
		s.Live = true
		s.CacheEntries = reply.CacheEntries
		m.log.Debug().
			Str("endpoint", e.Address).
			Str("worker", reply.WorkerID).
			Int("entries", reply.CacheEntries).
			Msg("Worker OK")
	}
	return s
}

// Run probes on every tick of the interval until ctx is cancelled.
// It does not probe immediately: call ProbeAll first for the startup round.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info().Msgf("Starting health monitor with interval %s", m.interval)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			live := m.ProbeAll(ctx)
			m.log.Trace().Int("live", live).Int("configured", len(m.registry.Endpoints())).Msg("Probe round done")
		}
	}
}
