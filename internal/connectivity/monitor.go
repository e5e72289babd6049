// Package connectivity tracks whether the backend is reachable and how
// well. A probe loop samples round-trip quality; consecutive-failure
// damping keeps a single dropped probe from flapping the state.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/croftlabs/furrow/internal/bus"
	"github.com/croftlabs/furrow/internal/config"
	"github.com/croftlabs/furrow/internal/model"
)

// Sample is one quality measurement. DownlinkMbps <= 0 means the
// prober cannot estimate bandwidth.
type Sample struct {
	RTT          time.Duration
	DownlinkMbps float64
	QualityKnown bool
}

type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// HTTPProber measures reachability and round-trip time with a HEAD
// request against a no-content endpoint.
type HTTPProber struct {
	url    string
	client *http.Client
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return Sample{}, err
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	resp.Body.Close() //nolint:errcheck
	return Sample{RTT: time.Since(start), QualityKnown: true}, nil
}

type Monitor struct {
	cfg    config.Config
	prober Prober
	events *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	state     model.ConnectivityState
	failures  int
	successes int
	nextSub   int
	subs      map[int]func(model.ConnectivityState)
}

func NewMonitor(cfg config.Config, prober Prober, events *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prober == nil {
		prober = NewHTTPProber(cfg.ProbeURL, cfg.ProbeTimeout)
	}
	return &Monitor{
		cfg:    cfg,
		prober: prober,
		events: events,
		logger: logger,
		state: model.ConnectivityState{
			// Optimistic until the first probe lands, matching the
			// platform's assumption that a fresh session is online.
			Online:        true,
			EffectiveType: model.EffectiveUnknown,
		},
		subs: map[int]func(model.ConnectivityState){},
	}
}

// State returns a synchronous snapshot.
func (m *Monitor) State() model.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for state transitions. There is no initial
// call on subscribe; callers needing a starting value use State.
func (m *Monitor) Subscribe(fn func(model.ConnectivityState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Run drives the probe loop until ctx is cancelled. The cadence is
// faster while offline so recovery is noticed promptly.
func (m *Monitor) Run(ctx context.Context) {
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		sample, err := m.prober.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.Observe(sample, err, time.Now().UTC())

		interval := m.cfg.ProbeInterval
		if !m.State().Online {
			interval = m.cfg.OfflineProbeInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Observe folds one probe result into the state machine and notifies
// subscribers on online/offline and slow-threshold transitions.
func (m *Monitor) Observe(sample Sample, probeErr error, now time.Time) model.ConnectivityState {
	m.mu.Lock()
	prev := m.state
	next := prev
	next.CheckedAt = now

	if probeErr != nil {
		m.failures++
		m.successes = 0
		if prev.Online && m.failures >= m.cfg.OfflineAfterFailures {
			next.Online = false
		}
		if !next.Online {
			next.EffectiveType = model.EffectiveUnknown
			next.DownlinkMbps = 0
			next.RoundTripMs = 0
			// No quality signal while unreachable; slow detection
			// falls back to reachability alone.
			next.SlowConnection = true
		}
	} else {
		m.successes++
		m.failures = 0
		if !prev.Online && m.successes >= m.cfg.OnlineAfterSuccesses {
			next.Online = true
		}
		if prev.Online {
			next.Online = true
		}
		if next.Online {
			next.EffectiveType = m.classify(sample)
			next.DownlinkMbps = sample.DownlinkMbps
			next.RoundTripMs = sample.RTT.Milliseconds()
			next.SlowConnection = m.slow(next, sample)
		}
	}

	m.state = next
	changed := next.Online != prev.Online || next.SlowConnection != prev.SlowConnection
	var fns []func(model.ConnectivityState)
	if changed {
		fns = make([]func(model.ConnectivityState), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if changed {
		if probeErr != nil && !next.Online && prev.Online {
			m.logger.Info("connection lost", zap.Error(probeErr))
		}
		for _, fn := range fns {
			fn(next)
		}
		if m.events != nil {
			m.events.Emit(model.EventStatusChanged, next)
		}
	}
	return next
}

// classify maps a sample to the coarse effective type. Thresholds
// follow the usual RTT bands for cellular generations.
func (m *Monitor) classify(sample Sample) model.EffectiveType {
	if !sample.QualityKnown {
		return model.EffectiveUnknown
	}
	switch {
	case sample.RTT > 700*time.Millisecond:
		return model.Effective2G
	case sample.RTT > 270*time.Millisecond:
		return model.Effective3G
	default:
		return model.Effective4G
	}
}

// slow applies OR semantics across every signal: any one degraded
// signal is enough to warn rather than silently degrade.
func (m *Monitor) slow(state model.ConnectivityState, sample Sample) bool {
	if !sample.QualityKnown {
		return !state.Online
	}
	if state.EffectiveType == model.Effective2G || state.EffectiveType == model.Effective3G {
		return true
	}
	if sample.DownlinkMbps > 0 && sample.DownlinkMbps < m.cfg.SlowDownlinkMbps {
		return true
	}
	return sample.RTT > m.cfg.SlowRTT
}
