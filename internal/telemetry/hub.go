// Package telemetry streams mesh status and security events to websocket
// subscribers such as a field display or the status CLI.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
)

// Frame types carried in Envelope.Type.
const (
	TypeStatus     = "status"
	TypeSecurity   = "security"
	TypeRevocation = "revocation"
)

// Config tunes the hub and its listener.
type Config struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr   string        `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required_if=Enabled true"`
	Path         string        `mapstructure:"path" yaml:"path" validate:"required,startswith=/"`
	PushInterval time.Duration `mapstructure:"push_interval" yaml:"push_interval" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	ClientBuffer int           `mapstructure:"client_buffer" yaml:"client_buffer" validate:"gte=1"`
	MaxClients   int           `mapstructure:"max_clients" yaml:"max_clients" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		ListenAddr:   "127.0.0.1:8787",
		Path:         "/telemetry",
		PushInterval: time.Second,
		WriteTimeout: 2 * time.Second,
		ClientBuffer: 32,
		MaxClients:   16,
	}
}

// Envelope is one websocket text frame.
type Envelope struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub implements common.EventSink. Status is pushed every PushInterval and
// immediately whenever its content changes; security and revocation events
// are always forwarded at once.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	latest      []byte
	fingerprint uint64
	statusMu    sync.Mutex

	seq     atomic.Uint64
	dropped atomic.Uint64
	server  *http.Server
	now     func() time.Time

	shutdown chan struct{}
	loops    sync.WaitGroup
	running  atomic.Bool
	logger   *slog.Logger
}

var _ common.EventSink = (*Hub)(nil)

func NewHub(config Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// local display clients do not send an Origin we can pin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		now:      time.Now,
		shutdown: make(chan struct{}),
		logger:   logger.With("component", "telemetry"),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.config.Path, h.serveWS)
	return mux
}

// Start runs the push loop and, when ListenAddr is set, the HTTP listener.
func (h *Hub) Start(ctx context.Context) error {
	select {
	case <-h.shutdown:
		return common.ErrStateInvalid("start", "closed")
	default:
	}
	if !h.running.CompareAndSwap(false, true) {
		return common.ErrStateInvalid("start", "running")
	}

	if h.config.ListenAddr != "" {
		ln, err := net.Listen("tcp", h.config.ListenAddr)
		if err != nil {
			h.running.Store(false)
			return common.WrapError(common.ErrCodeTransportFailed, "telemetry listen", err).
				WithContext("addr", h.config.ListenAddr)
		}
		h.server = &http.Server{
			Handler:           h.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		h.loops.Add(1)
		go func() {
			defer h.loops.Done()
			if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("telemetry server stopped", "error", err)
			}
		}()
		h.logger.Info("telemetry listening", "addr", ln.Addr().String(), "path", h.config.Path)
	}

	h.loops.Add(1)
	go h.pushLoop(ctx)
	return nil
}

func (h *Hub) pushLoop(ctx context.Context) {
	defer h.loops.Done()
	ticker := time.NewTicker(h.config.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.statusMu.Lock()
			data := h.latest
			h.statusMu.Unlock()
			if data != nil {
				h.broadcast(TypeStatus, data)
			}
		}
	}
}

// PublishStatus records the latest snapshot and bursts it to clients when
// anything other than the timestamp changed.
func (h *Hub) PublishStatus(status common.MeshStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		h.logger.Error("encode status", "error", err)
		return
	}
	fp := statusFingerprint(status)

	h.statusMu.Lock()
	changed := h.latest == nil || fp != h.fingerprint
	h.latest = data
	h.fingerprint = fp
	h.statusMu.Unlock()

	if changed {
		h.broadcast(TypeStatus, data)
	}
}

func (h *Hub) PublishSecurityEvent(event common.SecurityEvent) {
	h.publishJSON(TypeSecurity, event)
}

func (h *Hub) PublishRevocation(event common.RevocationEvent) {
	h.publishJSON(TypeRevocation, event)
}

func (h *Hub) publishJSON(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode event", "type", kind, "error", err)
		return
	}
	h.broadcast(kind, data)
}

func statusFingerprint(status common.MeshStatus) uint64 {
	status.GeneratedAt = time.Time{}
	data, _ := json.Marshal(status)
	return xxhash.Sum64(data)
}

func (h *Hub) envelope(kind string, data []byte) []byte {
	frame, _ := json.Marshal(Envelope{
		Type: kind,
		Seq:  h.seq.Add(1),
		At:   h.now().UTC(),
		Data: data,
	})
	return frame
}

// broadcast queues a frame for every client. A client whose buffer is full
// is disconnected rather than allowed to stall the mesh.
func (h *Hub) broadcast(kind string, data []byte) {
	frame := h.envelope(kind, data)

	h.clientsMu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range slow {
		h.dropped.Add(1)
		h.logger.Warn("dropping slow telemetry client", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	h.clientsMu.RLock()
	full := len(h.clients) >= h.config.MaxClients
	h.clientsMu.RUnlock()
	if full {
		http.Error(w, "too many telemetry clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, h.config.ClientBuffer),
		done: make(chan struct{}),
	}

	h.statusMu.Lock()
	if h.latest != nil {
		c.send <- h.envelope(TypeStatus, h.latest)
	}
	h.statusMu.Unlock()

	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	h.clientsMu.Unlock()
	h.logger.Debug("telemetry client connected", "remote", conn.RemoteAddr().String())

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer h.remove(c)
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(h.now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("telemetry write failed", "error", err)
				return
			}
		}
	}
}

// readLoop only drains control frames so that a client close is noticed.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	delete(h.clients, c)
	h.clientsMu.Unlock()
	c.close()
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many clients were cut off for falling behind.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close stops the listener and disconnects every client.
func (h *Hub) Close() error {
	if !h.running.CompareAndSwap(true, false) {
		h.closeClients()
		return nil
	}
	close(h.shutdown)

	var err error
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
		err = h.server.Shutdown(ctx)
		cancel()
	}
	h.closeClients()
	h.loops.Wait()
	return err
}

func (h *Hub) closeClients() {
	h.clientsMu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.clientsMu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
