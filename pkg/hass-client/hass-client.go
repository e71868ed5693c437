// Package hassclient is a persistent, multiplexed client for the home
// assistant websocket API. One connection actor owns the socket; any number
// of goroutines issue correlated request/response commands through the shared
// Client handle while server-pushed events fan out to every subscriber.
package hassclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrInvalidResponse = errors.New("invalid response")
	ErrInvalidAuth     = errors.New("invalid authentication token")
	ErrConnectionLost  = errors.New("connection lost")
	ErrClientClosed    = errors.New("client closed")
)

const (
	dialTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 512 << 20

	defaultKeepAliveInterval = 10 * time.Second
	defaultEventBuffer       = 64
	defaultReconnectAttempts = 5
	defaultMaxReconnectWait  = 30 * time.Second
)

// Config identifies the hub to connect to.
type Config struct {
	Server string // host[:port], without a scheme
	Token  string
	Secure bool // dial wss instead of ws
}

func (c Config) url() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return scheme + "://" + c.Server + "/api/websocket"
}

// Options tunes the client. The zero value picks sensible defaults.
type Options struct {
	Logger            *zap.Logger
	Registerer        prometheus.Registerer // nil leaves metrics unexported
	KeepAliveInterval time.Duration
	EventBuffer       int // per-subscription buffer size
	ReconnectAttempts int // consecutive failed redials before giving up; <0 disables reconnecting
	MaxReconnectWait  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = defaultKeepAliveInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = defaultReconnectAttempts
	}
	if o.MaxReconnectWait <= 0 {
		o.MaxReconnectWait = defaultMaxReconnectWait
	}
	return o
}

// Client is the shared handle to one hub connection. It is safe for any
// number of concurrent goroutines; all of them route through the same
// connection actor and the same event bus.
type Client struct {
	inbox   chan pendingRequest
	bus     *eventBus
	log     *zap.Logger
	metrics *clientMetrics

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

type pendingRequest struct {
	op    Operation
	reply chan result
}

type result struct {
	payload json.RawMessage
	err     error
}

// Connect dials the hub, runs the authentication handshake and subscribes to
// state_changed events. It returns only once the connection is ready, so
// callers never see an unauthenticated client.
func Connect(ctx context.Context, config Config, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	client := &Client{
		inbox:   make(chan pendingRequest, 16),
		bus:     newEventBus(opts.EventBuffer),
		log:     opts.Logger,
		metrics: newClientMetrics(opts.Registerer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	a := &actor{client: client, config: config, opts: opts}

	conn, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}

	go a.run(conn)

	return client, nil
}

// Request sends one command and blocks until its correlated result arrives.
// The returned payload is the raw result body. Request fails with
// ErrConnectionLost if the connection goes down before the reply arrives, and
// with ErrClientClosed once the client has shut down.
func (c *Client) Request(ctx context.Context, op Operation) (json.RawMessage, error) {
	reply := make(chan result, 1)

	select {
	case c.inbox <- pendingRequest{op: op, reply: reply}:
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.payload, res.err
	case <-c.done:
		// The actor may have resolved the request in the same instant it
		// shut down; prefer the real outcome.
		select {
		case res := <-reply:
			return res.payload, res.err
		default:
			return nil, ErrClientClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a new, independent receiver of the event stream. The
// subscription sees every event published after this call; close it when it
// is no longer consumed.
func (c *Client) Subscribe() *Subscription {
	return c.bus.subscribe()
}

// GetStates returns the current state of every entity.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	return requestAs[[]State](ctx, c, GetStates{})
}

// ListAreas returns the area registry.
func (c *Client) ListAreas(ctx context.Context) ([]Area, error) {
	return requestAs[[]Area](ctx, c, ListAreas{})
}

// ListEntities returns the entity registry.
func (c *Client) ListEntities(ctx context.Context) ([]EntityEntry, error) {
	return requestAs[[]EntityEntry](ctx, c, ListEntities{})
}

// ListDevices returns the device registry.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	return requestAs[[]Device](ctx, c, ListDevices{})
}

// CallService invokes a service and waits for the hub to acknowledge it.
func (c *Client) CallService(ctx context.Context, call CallService) error {
	_, err := c.Request(ctx, call)
	return err
}

func requestAs[T any](ctx context.Context, c *Client, op Operation) (T, error) {
	var decoded T

	payload, err := c.Request(ctx, op)
	if err != nil {
		return decoded, err
	}

	if err := json.Unmarshal(payload, &decoded); err != nil {
		return decoded, fmt.Errorf("decode result: %w", err)
	}
	return decoded, nil
}

// Close tears the connection down and ends every subscription. In-flight
// requests fail with ErrClientClosed. Close blocks until the actor has
// exited; it is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	<-c.done
}

var errClosing = errors.New("client shutting down")

// actor exclusively owns the websocket. It is the only goroutine that writes
// frames; inbound frames come from a per-connection reader goroutine over a
// channel so the dispatch loop can race them against the request inbox and
// the shutdown signal.
type actor struct {
	client *Client
	config Config
	opts   Options

	// Both private to the actor. Ids are monotonic from 1 and never reused
	// within one connection; the counter restarts when the connection is
	// replaced.
	nextID  uint64
	pending map[uint64]chan result
}

func (a *actor) next() uint64 {
	a.nextID++
	return a.nextID
}

// dial opens the transport, completes the auth handshake and re-establishes
// the state_changed subscription. The returned connection is ready for the
// dispatch loop.
func (a *actor) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, a.config.url(), nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.config.url(), err)
	}

	conn.SetReadLimit(maxFrameSize)

	if err := a.authenticate(ctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return nil, err
	}

	a.nextID = 0
	a.pending = make(map[uint64]chan result)

	if err := a.subscribeStateChanges(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	a.client.log.Info("connected to hub", zap.String("server", a.config.Server))
	return conn, nil
}

func (a *actor) authenticate(ctx context.Context, conn *websocket.Conn) error {
	first, err := readFrame(ctx, conn)
	if err != nil {
		return err
	}
	if first.Type != typeAuthRequired {
		return fmt.Errorf("unexpected %q frame before auth", first.Type)
	}

	if err := writeFrame(ctx, conn, authOperation{token: a.config.Token}.wire(0)); err != nil {
		return err
	}

	reply, err := readFrame(ctx, conn)
	if err != nil {
		return err
	}
	switch reply.Type {
	case typeAuthOK:
		return nil
	case typeAuthInvalid:
		return fmt.Errorf("%w: %s", ErrInvalidAuth, reply.Message)
	default:
		return fmt.Errorf("unexpected %q frame during auth", reply.Type)
	}
}

func (a *actor) subscribeStateChanges(ctx context.Context, conn *websocket.Conn) error {
	id := a.next()

	op := SubscribeEvents{EventType: EventStateChanged}
	if err := writeFrame(ctx, conn, op.wire(id)); err != nil {
		return err
	}

	reply, err := readFrame(ctx, conn)
	if err != nil {
		return err
	}
	if reply.Type != typeResult || reply.ID != id || reply.Success == nil || !*reply.Success {
		return fmt.Errorf("subscribe state changes: %w", ErrInvalidResponse)
	}
	return nil
}

// run is the actor's life: serve the current connection until it fails, then
// redial per the reconnect policy, failing only the requests that were in
// flight at the moment of disconnection.
func (a *actor) run(conn *websocket.Conn) {
	defer close(a.client.done)
	defer a.client.bus.close()

	for {
		err := a.serve(conn)
		conn.Close(websocket.StatusNormalClosure, "")

		switch {
		case errors.Is(err, errClosing):
			a.client.log.Info("closing connection")
			a.failPending(ErrClientClosed)
			return
		case errors.Is(err, ErrInvalidAuth):
			a.client.log.Error("authentication rejected on live connection", zap.Error(err))
			a.failPending(err)
			return
		}

		a.client.log.Warn("connection lost", zap.Error(err))
		a.failPending(ErrConnectionLost)

		conn = a.redial()
		if conn == nil {
			return
		}
		a.client.metrics.reconnects.Inc()
	}
}

// serve runs one connection: a reader goroutine feeds parsed frames to the
// dispatch loop, which races them against the request inbox and shutdown.
// Frame-level anomalies are contained here; only transport errors and fatal
// auth rejections escape.
func (a *actor) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan response, 32)
	readErr := make(chan error, 1)

	go func() {
		for {
			kind, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}

			a.client.metrics.framesReceived.Inc()

			if kind != websocket.MessageText {
				a.client.metrics.framesMalformed.Inc()
				a.client.log.Warn("ignoring non-text frame")
				continue
			}

			var resp response
			if err := json.Unmarshal(data, &resp); err != nil {
				a.client.metrics.framesMalformed.Inc()
				a.client.log.Warn("ignoring malformed frame", zap.Error(err))
				continue
			}

			select {
			case frames <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()

	go a.keepAlive(ctx, conn)

	for {
		select {
		case <-a.client.closing:
			return errClosing
		case err := <-readErr:
			return err
		case resp := <-frames:
			if err := a.dispatch(&resp); err != nil {
				return err
			}
		case req := <-a.client.inbox:
			if err := a.send(ctx, conn, req); err != nil {
				return err
			}
		}
	}
}

// send allocates the next id, records the reply channel and writes the framed
// request. A write failure resolves the request with ErrConnectionLost and
// surfaces the transport error.
func (a *actor) send(ctx context.Context, conn *websocket.Conn, req pendingRequest) error {
	id := a.next()

	data, err := json.Marshal(req.op.wire(id))
	if err != nil {
		req.reply <- result{err: fmt.Errorf("encode request: %w", err)}
		return nil
	}

	a.pending[id] = req.reply

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		delete(a.pending, id)
		req.reply <- result{err: ErrConnectionLost}
		return err
	}

	a.client.log.Debug("request sent", zap.Uint64("id", id))
	return nil
}

func (a *actor) dispatch(resp *response) error {
	switch resp.Type {
	case typeResult:
		reply, ok := a.pending[resp.ID]
		if !ok {
			a.client.metrics.orphanResults.Inc()
			a.client.log.Warn("result for unknown id", zap.Uint64("id", resp.ID))
			return nil
		}
		delete(a.pending, resp.ID)

		res := result{payload: resp.Result}
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				res.err = resp.Error
			} else {
				res.err = ErrInvalidResponse
			}
		}

		// The reply channel is buffered and single-use, so delivery never
		// blocks; an abandoned caller simply never reads it.
		select {
		case reply <- res:
		default:
		}

	case typeEvent:
		var ev eventMessage
		if err := json.Unmarshal(resp.Event, &ev); err != nil {
			a.client.metrics.framesMalformed.Inc()
			a.client.log.Warn("ignoring malformed event", zap.Error(err))
			return nil
		}

		event := Event{Type: ev.EventType, Raw: ev.Data}
		if ev.EventType == EventStateChanged {
			if err := json.Unmarshal(ev.Data, &event.StateChange); err != nil {
				a.client.metrics.framesMalformed.Inc()
				a.client.log.Warn("ignoring malformed state change", zap.Error(err))
				return nil
			}
		}

		if dropped := a.client.bus.publish(event); dropped > 0 {
			a.client.metrics.eventsDropped.Add(float64(dropped))
			a.client.log.Warn("dropped event copies on lagging subscribers",
				zap.Int("count", dropped))
		}

	case typeAuthInvalid:
		return fmt.Errorf("%w: %s", ErrInvalidAuth, resp.Message)

	default:
		a.client.metrics.framesMalformed.Inc()
		a.client.log.Warn("ignoring unexpected frame", zap.String("type", resp.Type))
	}

	return nil
}

func (a *actor) failPending(err error) {
	for id, reply := range a.pending {
		delete(a.pending, id)
		select {
		case reply <- result{err: err}:
		default:
		}
	}
}

// keepAlive pings the hub on a fixed interval and records the round-trip
// time. The websocket library correlates the pong internally, so the RTT is
// the duration of the Ping call. A failed ping is left to the read loop to
// surface; this goroutine just stops.
func (a *actor) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			pingCtx, cancel := context.WithTimeout(ctx, a.opts.KeepAliveInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

			rtt := time.Since(start)
			a.client.metrics.pingRTT.Set(rtt.Seconds())
			a.client.log.Debug("keep-alive", zap.Duration("rtt", rtt))
		}
	}
}

// redial re-establishes the connection with capped exponential backoff. It
// returns nil when the client is closing, the attempts are exhausted or
// the hub rejects the token outright.
func (a *actor) redial() *websocket.Conn {
	if a.opts.ReconnectAttempts < 0 {
		return nil
	}

	backoff := time.Second
	for attempt := 1; attempt <= a.opts.ReconnectAttempts; attempt++ {
		select {
		case <-a.client.closing:
			return nil
		case <-time.After(backoff):
		}

		conn, err := a.dial(context.Background())
		if err == nil {
			return conn
		}
		if errors.Is(err, ErrInvalidAuth) {
			a.client.log.Error("reconnect rejected", zap.Error(err))
			return nil
		}

		a.client.log.Warn("reconnect failed",
			zap.Int("attempt", attempt), zap.Error(err))

		backoff *= 2
		if backoff > a.opts.MaxReconnectWait {
			backoff = a.opts.MaxReconnectWait
		}
	}

	a.client.log.Error("reconnect attempts exhausted, giving up")
	return nil
}

func readFrame(ctx context.Context, conn *websocket.Conn) (*response, error) {
	kind, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if kind != websocket.MessageText {
		return nil, errors.New("received unexpected non-text message")
	}

	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	return &resp, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, data)
}
