package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"arcline/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Upstream is a change feed the hub subscribes to once, in Start. Subscribe
// returns after the subscription is established and keeps publishing until
// ctx is cancelled.
type Upstream interface {
	Name() string
	Subscribe(ctx context.Context, publish func(Envelope)) error
}

type Options struct {
	// MaxPending caps the envelopes queued for one client. A client that
	// exceeds it is disconnected. Zero means unbounded.
	MaxPending       int
	CalibrationDelay time.Duration
	CaptureDelay     time.Duration
	// CheckOrigin overrides the websocket origin check. Nil accepts any origin.
	CheckOrigin func(*http.Request) bool
	Log         zerolog.Logger
	Now         func() time.Time
}

// Hub tracks connected clients and fans every broadcast out to the open ones.
type Hub struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	nextID  uint64
	stopped bool

	statusMu  sync.Mutex
	started   bool
	upstreams []UpstreamStatus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	broadcasts atomic.Int64
	dropped    atomic.Int64

	broadcastCounter metric.Int64Counter
	dropCounter      metric.Int64Counter
	connGauge        metric.Int64UpDownCounter
}

func New(opts Options) *Hub {
	if opts.MaxPending < 0 {
		opts.MaxPending = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts: opts,
		log:  opts.Log.With().Str("component", "realtime").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		clients:          map[*client]struct{}{},
		ctx:              ctx,
		cancel:           cancel,
		broadcastCounter: telemetry.Counter("arcline.realtime.broadcasts", "Envelopes broadcast to clients"),
		dropCounter:      telemetry.Counter("arcline.realtime.dropped", "Envelopes refused by closing or overflowed clients"),
		connGauge:        telemetry.UpDownCounter("arcline.realtime.connections", "Open websocket connections"),
	}
}

// Start subscribes to every upstream once. A failed subscription is logged
// and leaves the hub degraded; clients can still connect.
func (h *Hub) Start(ctx context.Context, upstreams ...Upstream) {
	h.statusMu.Lock()
	if h.started {
		h.statusMu.Unlock()
		return
	}
	h.started = true
	h.statusMu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	context.AfterFunc(h.ctx, cancel)

	statuses := make([]UpstreamStatus, 0, len(upstreams))
	for _, up := range upstreams {
		st := UpstreamStatus{Name: up.Name(), OK: true}
		if err := up.Subscribe(subCtx, func(env Envelope) { h.Broadcast(env) }); err != nil {
			st.OK = false
			st.Error = err.Error()
			h.log.Error().Err(err).Str("upstream", st.Name).Msg("change feed subscription failed; realtime is degraded")
		} else {
			h.log.Info().Str("upstream", st.Name).Msg("change feed subscribed")
		}
		statuses = append(statuses, st)
	}
	h.statusMu.Lock()
	h.upstreams = statuses
	h.statusMu.Unlock()
}

// Stop closes every client and cancels upstream subscriptions.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	h.stopped = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c, "hub stopped")
	}
	h.wg.Wait()
}

// ActiveConnections returns the number of clients in the open state.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type UpstreamStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type Status struct {
	Started           bool             `json:"started"`
	Degraded          bool             `json:"degraded"`
	ActiveConnections int              `json:"active_connections"`
	Broadcasts        int64            `json:"broadcasts"`
	Dropped           int64            `json:"dropped"`
	Queued            int              `json:"queued"`
	Upstreams         []UpstreamStatus `json:"upstreams"`
}

// Status reports hub health. The hub is degraded once started when any
// upstream failed or none is subscribed.
func (h *Hub) Status() Status {
	h.statusMu.Lock()
	st := Status{Started: h.started, Upstreams: append([]UpstreamStatus{}, h.upstreams...)}
	h.statusMu.Unlock()
	healthy := 0
	for _, up := range st.Upstreams {
		if up.OK {
			healthy++
		}
	}
	st.Degraded = st.Started && (healthy == 0 || healthy < len(st.Upstreams))
	sort.Slice(st.Upstreams, func(i, j int) bool { return st.Upstreams[i].Name < st.Upstreams[j].Name })
	h.mu.Lock()
	st.ActiveConnections = len(h.clients)
	for c := range h.clients {
		st.Queued += c.pending()
	}
	h.mu.Unlock()
	st.Broadcasts = h.broadcasts.Load()
	st.Dropped = h.dropped.Load()
	return st
}

// Broadcast serializes env once and queues it for every open client in call
// order. It never blocks on a client and never removes one. It returns how
// many clients accepted the envelope.
func (h *Hub) Broadcast(env Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(env.Type)).Msg("marshal envelope")
		return 0
	}
	delivered, dropped := 0, 0
	h.mu.Lock()
	for c := range h.clients {
		if c.State() != StateOpen {
			continue
		}
		if c.enqueue(data) {
			delivered++
		} else {
			dropped++
		}
	}
	h.mu.Unlock()

	h.broadcasts.Add(1)
	h.broadcastCounter.Add(context.Background(), 1)
	if dropped > 0 {
		h.dropped.Add(int64(dropped))
		h.dropCounter.Add(context.Background(), int64(dropped))
		h.log.Warn().Str("type", string(env.Type)).Int("dropped", dropped).Msg("envelope refused by closing or overflowed clients")
	}
	return delivered
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		http.Error(w, "realtime hub stopped", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newClient(conn, h.opts.MaxPending)

	hello, _ := json.Marshal(Envelope{Type: EventConnectionEstablished, Message: greeting})
	c.enqueue(hello)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.nextID++
	c.id = h.nextID
	c.state.Store(int32(StateOpen))
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.connGauge.Add(context.Background(), 1)
	h.log.Info().Uint64("client", c.id).Str("remote", r.RemoteAddr).Msg("client connected")

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client, reason string) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.state.Store(int32(StateClosed))
		c.cancelTimers()
		close(c.done)
		h.connGauge.Add(context.Background(), -1)
		h.log.Info().Uint64("client", c.id).Str("reason", reason).Msg("client disconnected")
	})
}

func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			reason := "transport error"
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = "closed by client"
			}
			h.remove(c, reason)
			return
		}
		h.handleCommand(c, data)
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case <-c.wake:
			batch, overflowed := c.take()
			for _, msg := range batch {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.remove(c, "write failed")
					return
				}
			}
			if overflowed {
				h.remove(c, "send queue overflow")
				return
			}
		}
	}
}
