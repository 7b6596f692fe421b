package conn

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/blobcache/pkg/types"
	"github.com/objectfs/blobcache/pkg/utils"
)

// DefaultUserAgent is sent on every request made through a Manager's client.
const DefaultUserAgent = "nv-cache"

// Config configures the pooled transport used to reach the index service
type Config struct {
	MaxConnsTotal           int           `yaml:"max_conns_total"`
	MaxConnsPerHost         int           `yaml:"max_conns_per_host"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	KeepAlive               time.Duration `yaml:"keep_alive"`
	NoDelay                 bool          `yaml:"no_delay"`
	SendBuffer              int           `yaml:"send_buffer"`
	ReceiveBuffer           int           `yaml:"receive_buffer"`
	ValidateAfterInactivity time.Duration `yaml:"validate_after_inactivity"`
	UserAgent               string        `yaml:"user_agent"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConnsTotal:           100,
		MaxConnsPerHost:         100,
		ConnectTimeout:          10 * time.Second,
		ReadTimeout:             10 * time.Second,
		KeepAlive:               30 * time.Second,
		NoDelay:                 true,
		SendBuffer:              512 * 1024,
		ReceiveBuffer:           512 * 1024,
		ValidateAfterInactivity: 10 * time.Second,
		UserAgent:               DefaultUserAgent,
	}
}

// Manager owns the pooled connections to the index service. Construct one per
// process and hand its HTTPClient to every protocol client.
type Manager struct {
	config    Config
	dialer    *net.Dialer
	transport *http.Transport
	client    *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[*trackedConn]struct{}

	dialed atomic.Uint64
	reaped atomic.Uint64
}

// NewManager creates the pooled transport and registers it with reaper (if any).
func NewManager(config Config, reaper *Reaper, logger *slog.Logger) *Manager {
	defaults := DefaultConfig()
	if config.MaxConnsTotal <= 0 {
		config.MaxConnsTotal = defaults.MaxConnsTotal
	}
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = defaults.MaxConnsPerHost
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	m := &Manager{
		config: config,
		dialer: &net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: config.KeepAlive,
		},
		logger: utils.ComponentLogger(logger, "conn-manager"),
		conns:  make(map[*trackedConn]struct{}),
	}

	m.transport = &http.Transport{
		Proxy:                 nil,
		DialContext:           m.dial,
		MaxIdleConns:          config.MaxConnsTotal,
		MaxIdleConnsPerHost:   config.MaxConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		// pooled connections expire here first; the reaper only catches what outlives this
		IdleConnTimeout:       config.ValidateAfterInactivity,
		ResponseHeaderTimeout: config.ReadTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
	}
	m.client = &http.Client{
		Transport: &userAgentTransport{base: m.transport, userAgent: config.UserAgent},
		Timeout:   config.ConnectTimeout + config.ReadTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	m.logger.Info("connection manager created",
		"max_conns_total", config.MaxConnsTotal,
		"max_conns_per_host", config.MaxConnsPerHost,
		"connect_timeout", config.ConnectTimeout,
		"read_timeout", config.ReadTimeout,
		"no_delay", config.NoDelay,
		"send_buffer", config.SendBuffer,
		"receive_buffer", config.ReceiveBuffer)

	if reaper != nil {
		reaper.Register(m)
	}

	return m
}

// HTTPClient returns the shared client backed by the pooled transport.
func (m *Manager) HTTPClient() *http.Client {
	return m.client
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// CloseIdle closes every connection that has seen no traffic for longer than
// threshold. Connections carrying a request are skipped however quiet they are.
func (m *Manager) CloseIdle(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold).UnixNano()

	m.mu.Lock()
	var victims []*trackedConn
	for c := range m.conns {
		if c.markReaped(cutoff) {
			victims = append(victims, c)
		}
	}
	m.mu.Unlock()

	for _, c := range victims {
		_ = c.Close()
	}
	if len(victims) > 0 {
		m.reaped.Add(uint64(len(victims)))
		m.logger.Debug("closed idle connections", "count", len(victims), "threshold", threshold)
	}
	return len(victims)
}

// Stats returns connection pool statistics
func (m *Manager) Stats() types.ConnectionStats {
	m.mu.Lock()
	open := len(m.conns)
	m.mu.Unlock()

	return types.ConnectionStats{
		Open:        open,
		Dialed:      m.dialed.Load(),
		Reaped:      m.reaped.Load(),
		MaxOpen:     m.config.MaxConnsTotal,
		IdleTimeout: m.config.ValidateAfterInactivity,
	}
}

// Close closes all idle pooled connections.
func (m *Manager) Close() {
	m.transport.CloseIdleConnections()
}

func (m *Manager) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	c, err := m.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(m.config.NoDelay)
		if m.config.SendBuffer > 0 {
			_ = tcp.SetWriteBuffer(m.config.SendBuffer)
		}
		if m.config.ReceiveBuffer > 0 {
			_ = tcp.SetReadBuffer(m.config.ReceiveBuffer)
		}
	}

	tc := &trackedConn{Conn: c, owner: m}
	tc.touch()

	m.mu.Lock()
	m.conns[tc] = struct{}{}
	m.mu.Unlock()
	m.dialed.Add(1)

	return tc, nil
}

func (m *Manager) forget(c *trackedConn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

// trackedConn records the last time bytes moved in either direction and
// whether a request currently owns it.
type trackedConn struct {
	net.Conn
	owner      *Manager
	lastActive atomic.Int64
	closeOnce  sync.Once
	closeErr   error

	mu     sync.Mutex
	busy   int
	reaped bool
}

func (c *trackedConn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *trackedConn) acquire() {
	c.mu.Lock()
	c.busy++
	c.mu.Unlock()
}

func (c *trackedConn) release() {
	c.mu.Lock()
	if c.busy > 0 {
		c.busy--
	}
	c.mu.Unlock()
}

// markReaped claims an idle connection for closing. It fails while a request
// owns the connection or if traffic moved after cutoff.
func (c *trackedConn) markReaped(cutoff int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reaped || c.busy > 0 || c.lastActive.Load() >= cutoff {
		return false
	}
	c.reaped = true
	return true
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.touch()
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	c.touch()
	n, err := c.Conn.Write(b)
	c.touch()
	return n, err
}

func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.owner.forget(c)
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

type userAgentTransport struct {
	base      *http.Transport
	userAgent string
}

// RoundTrip sets the User-Agent and keeps every connection the request uses
// marked busy until the response body is drained or closed.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	var acquired []*trackedConn
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if c, ok := info.Conn.(*trackedConn); ok {
				c.acquire()
				acquired = append(acquired, c)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	releaseAll := func() {
		for _, c := range acquired {
			c.release()
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		releaseAll()
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: releaseAll}
	return resp, nil
}

func (t *userAgentTransport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}

// releasingBody runs release once, at EOF or Close, whichever comes first.
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.once.Do(b.release)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
