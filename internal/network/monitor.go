// Package network tracks connectivity to the remote service.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Transition is an online/offline state change.
type Transition struct {
	Online bool
	At     time.Time
}

// Listener is called on every state change.
type Listener func(Transition)

// Config contains monitor configuration.
type Config struct {
	InitialOnline bool
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

type listener struct {
	id uint64
	fn Listener
}

// Monitor holds the current connectivity state. State comes from Set
// or from an optional Prober polled on an interval.
type Monitor struct {
	config Config
	prober Prober

	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners []listener

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. prober may be nil, in which case state
// only changes through Set.
func NewMonitor(config Config, prober Prober) *Monitor {
	if config.ProbeInterval == 0 {
		config.ProbeInterval = defaultProbeInterval
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = defaultProbeTimeout
	}

	return &Monitor{
		config: config,
		prober: prober,
		online: config.InitialOnline,
		stopCh: make(chan struct{}),
	}
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state. Listeners run only when the state changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	slog.Info("network state changed", "online", online)

	t := Transition{Online: online, At: time.Now().UTC()}
	for _, l := range listeners {
		notify(l, t)
	}
}

func notify(l listener, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("network listener panicked", "listener", l.id, "panic", r)
		}
	}()
	l.fn(t)
}

// Subscribe registers fn and returns a function that removes it.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Start polls the prober until ctx is done or Stop is called.
// It is a no-op without a prober.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}

	slog.Info("starting network monitor", "interval", m.config.ProbeInterval)

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts probing and waits for the probe loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.Probe(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks reachability once, records the result and returns it.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if err != nil {
		if ctx.Err() != nil {
			return m.IsOnline()
		}
		slog.Debug("network probe failed", "error", err)
	}
	online := err == nil
	m.Set(online)
	return online
}
