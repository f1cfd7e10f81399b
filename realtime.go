package satchel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeMonitorConfig configures the websocket-based connectivity monitor.
type RealtimeMonitorConfig struct {
	// URL is the websocket endpoint of the backend's realtime channel,
	// e.g. "wss://api.example.org/realtime".
	URL string `yaml:"url"`

	// PingInterval between liveness pings on an established connection.
	// Default: 20s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// ReconnectBackoff is the initial wait before redialing after a drop;
	// doubles per attempt up to 10x. Default: 2s.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// Logger for connection events. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// RealtimeMonitor derives connectivity from a persistent websocket to the
// backend's realtime channel: an established, ping-responsive connection
// means online, a failed dial or dropped connection means offline. This
// mirrors the realtime subscription the hosted backend keeps open anyway,
// so no extra traffic is spent on probing.
type RealtimeMonitor struct {
	cfg    RealtimeMonitorConfig
	inner  *ManualMonitor
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRealtimeMonitor creates and starts a realtime connectivity monitor.
func NewRealtimeMonitor(cfg RealtimeMonitorConfig) *RealtimeMonitor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &RealtimeMonitor{
		cfg:    cfg,
		inner:  NewManualMonitor(false),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	m.wg.Add(1)
	go m.run()
	return m
}

func (m *RealtimeMonitor) run() {
	defer m.wg.Done()

	backoff := m.cfg.ReconnectBackoff
	for {
		if m.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(m.ctx, m.cfg.URL, nil)
		if err != nil {
			m.inner.SetOnline(false)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 10*m.cfg.ReconnectBackoff {
				backoff *= 2
			}
			continue
		}

		backoff = m.cfg.ReconnectBackoff
		m.inner.SetOnline(true)
		m.logger.Debug("realtime channel established", "url", m.cfg.URL)

		m.hold(conn)
		m.inner.SetOnline(false)
		m.logger.Debug("realtime channel lost", "url", m.cfg.URL)
	}
}

// hold keeps the connection alive with pings until it drops or the monitor
// is closed.
func (m *RealtimeMonitor) hold(conn *websocket.Conn) {
	defer conn.Close()

	pongWait := 2 * m.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reader discards inbound frames; only liveness matters here.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-readDone:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *RealtimeMonitor) Online() bool             { return m.inner.Online() }
func (m *RealtimeMonitor) Transitions() <-chan bool { return m.inner.Transitions() }

func (m *RealtimeMonitor) Close() error {
	m.cancel()
	m.wg.Wait()
	return m.inner.Close()
}
