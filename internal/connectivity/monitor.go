// Package connectivity tracks backend reachability for the sync engine.
//
// The monitor answers one question only: is there a network path to the
// backend. A server that is reachable but cold-started (sleeping) still
// counts as online; the dispatch layer's own timeout and retry handle that
// case.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor exposes current reachability and notifies subscribers on
// transitions. Implemented by Probe (production) and Static (tests).
type Monitor interface {
	IsOnline() bool

	// OnChange registers a handler invoked on every offline→online and
	// online→offline transition. Returns an unsubscribe function.
	OnChange(func(online bool)) func()
}

// DefaultProbeTimeout bounds a single reachability check. Short on purpose:
// the probe only needs to see a TCP/TLS path, not a useful response.
const DefaultProbeTimeout = 3 * time.Second

// Probe is a Monitor backed by a periodic HTTP HEAD check against the
// backend health endpoint.
type Probe struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	online  bool
	known   bool // false until the first probe completes
	nextID  int
	watches map[int]func(bool)
}

// NewProbe creates a monitor probing url every interval.
// The monitor starts pessimistic (offline) until the first probe runs.
func NewProbe(url string, interval time.Duration) *Probe {
	return &Probe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: DefaultProbeTimeout},
		watches:  make(map[int]func(bool)),
	}
}

// IsOnline reports the last observed reachability.
func (p *Probe) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// OnChange registers a transition handler. Handlers run synchronously from
// the probe loop (or CheckNow), so they must not block.
func (p *Probe) OnChange(fn func(online bool)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.watches[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watches, id)
	}
}

// Run probes immediately, then on every interval tick until ctx is
// cancelled.
func (p *Probe) Run(ctx context.Context) error {
	p.CheckNow(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.CheckNow(ctx)
		}
	}
}

// CheckNow performs a single reachability probe and returns the result,
// firing transition handlers if the state changed. Any HTTP response at all
// counts as online; only transport-level failures count as offline.
func (p *Probe) CheckNow(ctx context.Context) bool {
	online := p.probe(ctx)
	p.setOnline(online)
	return online
}

func (p *Probe) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (p *Probe) setOnline(online bool) {
	p.mu.Lock()
	changed := !p.known || p.online != online
	p.online = online
	p.known = true
	var handlers []func(bool)
	if changed {
		for _, fn := range p.watches {
			handlers = append(handlers, fn)
		}
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("connectivity changed", "online", online, "url", p.url)
	for _, fn := range handlers {
		fn(online)
	}
}

// Static is a Monitor with manually controlled state. Used in tests and
// for forcing offline mode.
type Static struct {
	mu      sync.Mutex
	online  bool
	nextID  int
	watches map[int]func(bool)
}

// NewStatic creates a Static monitor with the given initial state.
func NewStatic(online bool) *Static {
	return &Static{online: online, watches: make(map[int]func(bool))}
}

func (s *Static) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Static) OnChange(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.watches[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watches, id)
	}
}

// SetOnline flips the state, firing handlers on an actual transition.
func (s *Static) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	var handlers []func(bool)
	if changed {
		for _, fn := range s.watches {
			handlers = append(handlers, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(online)
	}
}
