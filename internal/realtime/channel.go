package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-core/internal/observability"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrAckTimeout   = errors.New("realtime: ack timed out")
)

// Handler receives the raw data of one server event.
type Handler func(data json.RawMessage)

// AckFunc receives the server's ack payload, or an error if the ack never
// arrived inside the timeout.
type AckFunc func(data json.RawMessage, err error)

// frame is the envelope every message travels in, both directions. Acks come
// back as a frame with Event "ack" and the originating AckID.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID int64           `json:"ackId,omitempty"`
}

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
}

// Channel is the single long-lived connection to dispatch. It reconnects
// forever on a fixed delay; dispatch freshness matters more than backoff
// elegance, and connection loss is never an application error. Consumers must
// re-request authoritative state after a reconnect, via OnReconnect, because
// nothing missed during the gap is redelivered.
type Channel struct {
	url            string
	reconnectDelay time.Duration
	ackTimeout     time.Duration
	dialer         *websocket.Dialer
	logger         *slog.Logger

	connected atomic.Bool

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu            sync.Mutex
	handlers      map[string]map[int]Handler
	nextHandlerID int
	reconnectFns  []func()
	userID        string
	acks          map[int64]*pendingAck
	nextAckID     int64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewChannel(url string, reconnectDelay, ackTimeout time.Duration, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	return &Channel{
		url:            url,
		reconnectDelay: reconnectDelay,
		ackTimeout:     ackTimeout,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         logger,
		handlers:       make(map[string]map[int]Handler),
		acks:           make(map[int64]*pendingAck),
		stop:           make(chan struct{}),
	}
}

// Connect starts the manage loop. Safe to call once; callers that need a
// connection immediately should still tolerate delayed delivery.
func (c *Channel) Connect() {
	go c.run()
}

func (c *Channel) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.writeMu.Unlock()
}

func (c *Channel) IsConnected() bool { return c.connected.Load() }

// RegisterIdentity records the user id re-announced to dispatch after every
// reconnect. The server forgets room membership across transport drops.
func (c *Channel) RegisterIdentity(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	if c.IsConnected() {
		_ = c.Emit(EvtRegisterUser, RegisterUser{UserID: userID})
	}
}

// OnReconnect registers a hook run after every successful (re)connect, after
// identity registration. This is where consumers re-request authoritative
// state.
func (c *Channel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectFns = append(c.reconnectFns, fn)
}

// On subscribes a handler and returns a token for Off.
func (c *Channel) On(event string, h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandlerID++
	id := c.nextHandlerID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = h
	return id
}

func (c *Channel) Off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.handlers[event]; m != nil {
		delete(m, id)
	}
}

// OnAcceptance subscribes to every acceptance-alias event, normalizing each
// into one Acceptance so the machine sees a single logical event.
func (c *Channel) OnAcceptance(fn func(Acceptance)) {
	for _, evt := range AcceptanceEvents {
		evt := evt
		c.On(evt, func(data json.RawMessage) {
			a, ok := ParseAcceptance(data)
			if !ok {
				c.logger.Debug("acceptance alias without driver payload, skipping", "event", evt)
				return
			}
			fn(a)
		})
	}
}

// Emit sends one event. Returns ErrNotConnected while the transport is down;
// callers decide whether that matters (bookings care, telemetry does not).
func (c *Channel) Emit(event string, payload any) error {
	return c.send(frame{Event: event}, payload, 0)
}

// EmitWithAck sends one event and invokes ack exactly once: with the server
// reply, or with ErrAckTimeout.
func (c *Channel) EmitWithAck(event string, payload any, ack AckFunc) error {
	c.mu.Lock()
	c.nextAckID++
	id := c.nextAckID
	p := &pendingAck{fn: ack}
	p.timer = time.AfterFunc(c.ackTimeout, func() { c.resolveAck(id, nil, ErrAckTimeout) })
	c.acks[id] = p
	c.mu.Unlock()

	if err := c.send(frame{Event: event}, payload, id); err != nil {
		c.resolveAck(id, nil, err)
		return err
	}
	return nil
}

func (c *Channel) send(f frame, payload any, ackID int64) error {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		f.Data = b
	}
	f.AckID = ackID

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(f)
}

func (c *Channel) run() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Debug("dispatch dial failed, retrying", "error", err, "delay", c.reconnectDelay)
			if !c.sleep(c.reconnectDelay) {
				return
			}
			continue
		}

		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		c.connected.Store(true)
		observability.RealtimeReconnects.Inc()
		c.logger.Info("dispatch connected")

		c.afterConnect()
		c.readLoop(conn)

		c.connected.Store(false)
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		_ = conn.Close()
		c.logger.Warn("dispatch connection lost, reconnecting", "delay", c.reconnectDelay)

		if !c.sleep(c.reconnectDelay) {
			return
		}
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	select {
	case <-c.stop:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Channel) afterConnect() {
	c.mu.Lock()
	userID := c.userID
	hooks := make([]func(), len(c.reconnectFns))
	copy(hooks, c.reconnectFns)
	c.mu.Unlock()

	if userID != "" {
		_ = c.Emit(EvtRegisterUser, RegisterUser{UserID: userID})
	}
	for _, fn := range hooks {
		c.safeCall(func() { fn() })
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(b)
	}
}

func (c *Channel) handleFrame(b []byte) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		c.logger.Warn("unparseable frame dropped", "error", err)
		return
	}
	if f.Event == "ack" {
		c.resolveAck(f.AckID, f.Data, nil)
		return
	}
	observability.RealtimeEventsTotal.WithLabelValues(f.Event).Inc()
	c.dispatch(f.Event, f.Data)
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	var hs []Handler
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h := h
		c.safeCall(func() { h(data) })
	}
}

// safeCall isolates handlers: one bad payload must not take down the read
// loop or unrelated subsystems.
func (c *Channel) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.HandlerPanics.Inc()
			c.logger.Error("event handler panic recovered", "panic", rec)
		}
	}()
	fn()
}

func (c *Channel) resolveAck(id int64, data json.RawMessage, err error) {
	c.mu.Lock()
	p, ok := c.acks[id]
	if ok {
		delete(c.acks, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	c.safeCall(func() { p.fn(data, err) })
}
