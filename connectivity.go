package satchel

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// ConnectivityMonitor is the host-supplied online/offline signal. Online
// reports the current state; Transitions delivers state changes (true =
// came online). The sync engine owns the single consumer of Transitions.
type ConnectivityMonitor interface {
	Online() bool
	Transitions() <-chan bool
	Close() error
}

// ManualMonitor is a ConnectivityMonitor driven by the host environment
// (a UI bridge forwarding browser online/offline events, or tests).
// The zero state is offline; construct with NewManualMonitor(true) to
// start online.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
	closed bool
}

// NewManualMonitor creates a manually driven monitor with the given initial
// state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online, ch: make(chan bool, 8)}
}

// SetOnline records a state change and notifies the consumer when the state
// actually flipped.
func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.online == online {
		return
	}
	m.online = online
	select {
	case m.ch <- online:
	default:
		// Consumer is behind; it will observe the latest state via Online().
	}
}

func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualMonitor) Transitions() <-chan bool { return m.ch }

func (m *ManualMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}

// ProbeMonitorConfig configures the HTTP health-probe monitor.
type ProbeMonitorConfig struct {
	// URL is probed with a HEAD request.
	URL string `yaml:"url"`

	// Interval between probes. Default: 15s.
	Interval time.Duration `yaml:"interval"`

	// Timeout per probe. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`

	// HTTPClient allows injecting a custom client for testing.
	HTTPClient HTTPDoer `yaml:"-"`
}

// ProbeMonitor derives connectivity from a periodic HTTP health probe.
// Useful in non-browser ports where no platform online/offline event exists.
type ProbeMonitor struct {
	cfg    ProbeMonitorConfig
	client HTTPDoer
	inner  *ManualMonitor
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProbeMonitor creates and starts a probe monitor. The first probe runs
// immediately; until it completes the state is offline.
func NewProbeMonitor(cfg ProbeMonitorConfig) *ProbeMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ProbeMonitor{
		cfg:    cfg,
		client: client,
		inner:  NewManualMonitor(false),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *ProbeMonitor) loop() {
	defer p.wg.Done()

	p.inner.SetOnline(p.probe())
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.inner.SetOnline(p.probe())
		}
	}
}

func (p *ProbeMonitor) probe() bool {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (p *ProbeMonitor) Online() bool             { return p.inner.Online() }
func (p *ProbeMonitor) Transitions() <-chan bool { return p.inner.Transitions() }

func (p *ProbeMonitor) Close() error {
	p.cancel()
	p.wg.Wait()
	return p.inner.Close()
}
