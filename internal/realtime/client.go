package realtime

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agentdeck/internal/fault"
	"agentdeck/internal/protocol"
)

// ConnState is the client connection lifecycle state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnError        ConnState = "error"
	ConnFailed       ConnState = "failed"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultMaxAttempts = 10
	defaultListenerCap = 64
)

// EventListener receives server events.
type EventListener func(ev *protocol.Event)

// StateListener receives connection state transitions.
type StateListener func(state ConnState, attempt int)

// Dialer opens one WebSocket connection. Injectable so tests script
// connection outcomes.
type Dialer func(url string) (*websocket.Conn, error)

func defaultDialer(url string) (*websocket.Conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	return c, err
}

// ClientOptions configures a Client. Zero values take the package defaults.
type ClientOptions struct {
	URL         string
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxAttempts bounds consecutive failed reconnection attempts before the
	// client parks on failed. Manual Reconnect resets the budget.
	MaxAttempts int
	ListenerCap int
	Dial        Dialer
	Logger      *zap.Logger
}

// Client maintains one WebSocket connection to the server, resubscribing
// its topics after every reconnect. Lost connections retry with exponential
// backoff plus jitter; the attempt counter resets on every successful
// connect, so only consecutive failures consume the budget.
type Client struct {
	url         string
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
	listenerCap int
	dial        Dialer
	log         *zap.Logger

	// wmu serializes writes; the connection allows one writer at a time.
	wmu sync.Mutex

	mu             sync.Mutex
	state          ConnState
	attempt        int
	topics         map[string]bool
	eventListeners map[string]EventListener
	stateListeners map[string]StateListener
	ws             *websocket.Conn
	closed         bool
	generation     int
}

// NewClient creates a Client. It stays disconnected until Connect.
func NewClient(opts ClientOptions) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.ListenerCap <= 0 {
		opts.ListenerCap = defaultListenerCap
	}
	if opts.Dial == nil {
		opts.Dial = defaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		url:            opts.URL,
		backoffBase:    opts.BackoffBase,
		backoffCap:     opts.BackoffCap,
		maxAttempts:    opts.MaxAttempts,
		listenerCap:    opts.ListenerCap,
		dial:           opts.Dial,
		log:            opts.Logger,
		state:          ConnDisconnected,
		topics:         make(map[string]bool),
		eventListeners: make(map[string]EventListener),
		stateListeners: make(map[string]StateListener),
	}
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers an event listener under an id. Re-registering the same
// id replaces the previous listener and never counts against capacity; a
// full registry warns and drops the registration instead of evicting.
func (c *Client) OnEvent(id string, fn EventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.eventListeners[id]; !exists && len(c.eventListeners) >= c.listenerCap {
		c.log.Warn("event listener registry full, registration dropped",
			zap.String("id", id), zap.Int("cap", c.listenerCap))
		return
	}
	c.eventListeners[id] = fn
}

// OffEvent removes an event listener.
func (c *Client) OffEvent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.eventListeners, id)
}

// OnStateChange registers a state listener under an id, with the same
// capacity and idempotency semantics as OnEvent.
func (c *Client) OnStateChange(id string, fn StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.stateListeners[id]; !exists && len(c.stateListeners) >= c.listenerCap {
		c.log.Warn("state listener registry full, registration dropped",
			zap.String("id", id), zap.Int("cap", c.listenerCap))
		return
	}
	c.stateListeners[id] = fn
}

// OffStateChange removes a state listener.
func (c *Client) OffStateChange(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stateListeners, id)
}

// Connect starts the connection loop. Idempotent while a loop is live.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.state == ConnConnecting || c.state == ConnConnected || c.state == ConnReconnecting {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	c.generation++
	gen := c.generation
	c.setStateLocked(ConnConnecting)
	c.mu.Unlock()

	go c.runLoop(gen)
}

// Reconnect resets the attempt budget and starts a fresh loop. It recovers
// a client parked on failed.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	c.generation++
	gen := c.generation
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.setStateLocked(ConnConnecting)
	c.mu.Unlock()

	go c.runLoop(gen)
}

// Close shuts the client down permanently.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.generation++
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.setStateLocked(ConnDisconnected)
	c.mu.Unlock()
}

// Subscribe adds a topic to the desired set and subscribes now when
// connected. The set survives reconnects; every new connection replays it.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	c.topics[topic] = true
	ws := c.ws
	connected := c.state == ConnConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return nil
	}
	return c.sendCommand(ws, protocol.TypeSubscribe, protocol.SubscribePayload{Topic: topic})
}

// Unsubscribe removes a topic from the desired set.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	ws := c.ws
	connected := c.state == ConnConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return nil
	}
	return c.sendCommand(ws, protocol.TypeUnsubscribe, protocol.SubscribePayload{Topic: topic})
}

// Send delivers one command on the live connection.
func (c *Client) Send(cmdType string, payload interface{}) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == ConnConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return fault.New(fault.Transport, "not connected")
	}
	return c.sendCommand(ws, cmdType, payload)
}

func (c *Client) sendCommand(ws *websocket.Conn, cmdType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.Validation, err, "encode %s payload", cmdType)
	}
	cmd := protocol.Command{Type: cmdType, Payload: data}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := ws.WriteJSON(cmd); err != nil {
		return fault.Wrap(fault.Transport, err, "send %s", cmdType)
	}
	return nil
}

// runLoop dials, reads until failure, and retries with backoff until the
// budget is spent or the generation is superseded.
func (c *Client) runLoop(gen int) {
	for {
		ws, err := c.dial(c.url)

		c.mu.Lock()
		if c.closed || c.generation != gen {
			c.mu.Unlock()
			if ws != nil {
				ws.Close()
			}
			return
		}
		if err != nil {
			c.attempt++
			attempt := c.attempt
			if attempt >= c.maxAttempts {
				c.setStateLocked(ConnFailed)
				c.mu.Unlock()
				c.log.Warn("reconnect budget exhausted", zap.Int("attempts", attempt))
				return
			}
			c.setStateLocked(ConnReconnecting)
			c.mu.Unlock()

			delay := c.backoffDelay(attempt)
			c.log.Debug("reconnect scheduled",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))
			time.Sleep(delay)
			continue
		}

		c.ws = ws
		c.attempt = 0
		topics := make([]string, 0, len(c.topics))
		for t := range c.topics {
			topics = append(topics, t)
		}
		c.setStateLocked(ConnConnected)
		c.mu.Unlock()

		for _, t := range topics {
			if err := c.sendCommand(ws, protocol.TypeSubscribe, protocol.SubscribePayload{Topic: t}); err != nil {
				c.log.Warn("resubscribe failed", zap.String("topic", t), zap.Error(err))
			}
		}

		c.readLoop(ws, gen)

		c.mu.Lock()
		if c.closed || c.generation != gen {
			c.mu.Unlock()
			return
		}
		c.ws = nil
		// Link lost after a successful connect: surface the error, then back
		// off before the retry like any other failed attempt.
		c.setStateLocked(ConnError)
		c.attempt++
		attempt := c.attempt
		if attempt >= c.maxAttempts {
			c.setStateLocked(ConnFailed)
			c.mu.Unlock()
			c.log.Warn("reconnect budget exhausted", zap.Int("attempts", attempt))
			return
		}
		c.setStateLocked(ConnReconnecting)
		c.mu.Unlock()

		delay := c.backoffDelay(attempt)
		c.log.Debug("reconnect scheduled",
			zap.Int("attempt", attempt), zap.Duration("delay", delay))
		time.Sleep(delay)
	}
}

// readLoop dispatches incoming events until the connection drops.
func (c *Client) readLoop(ws *websocket.Conn, gen int) {
	defer ws.Close()
	for {
		var ev protocol.Event
		if err := ws.ReadJSON(&ev); err != nil {
			c.mu.Lock()
			stale := c.closed || c.generation != gen
			c.mu.Unlock()
			if !stale {
				c.log.Debug("connection lost", zap.Error(err))
			}
			return
		}
		c.dispatch(&ev)
	}
}

func (c *Client) dispatch(ev *protocol.Event) {
	c.mu.Lock()
	listeners := make([]EventListener, 0, len(c.eventListeners))
	for _, fn := range c.eventListeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// setStateLocked transitions the state and notifies listeners. Caller holds
// c.mu; notification happens asynchronously so listeners can call back in.
func (c *Client) setStateLocked(state ConnState) {
	if c.state == state {
		return
	}
	c.state = state
	attempt := c.attempt
	listeners := make([]StateListener, 0, len(c.stateListeners))
	for _, fn := range c.stateListeners {
		listeners = append(listeners, fn)
	}
	go func() {
		for _, fn := range listeners {
			fn(state, attempt)
		}
	}()
}

// backoffDelay computes the wait before attempt n (1-based): exponential
// from the base, capped, plus up to 25% uniform jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.backoffCap {
			delay = c.backoffCap
			break
		}
	}
	if delay > c.backoffCap {
		delay = c.backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
