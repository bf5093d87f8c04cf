package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

// Connection state, owned solely by the Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

const (
	// DefaultRequestTimeout applies when a Request caller passes no timeout.
	DefaultRequestTimeout = 10 * time.Second
	// connectRequestTimeout bounds the connect RPC itself; the handshake as
	// a whole gets handshakeTimeout.
	connectRequestTimeout = 12 * time.Second
	handshakeTimeout      = 15 * time.Second
	// closeGrace bounds how long Close waits for the read loop to report the
	// transport closed.
	closeGrace = 2 * time.Second
)

// ConnectError wraps handshake/transport failures during Open. It triggers
// reconnect with backoff in the orchestrator, never a process exit.
type ConnectError struct {
	Kind string // "timeout", "transport", "protocol"
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Kind, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// Config identifies this client to the gateway during the handshake.
type Config struct {
	URL         string
	Token       string
	ClientID    string
	DisplayName string
	Version     string
	Platform    string
	Mode        string
	Role        string
	Scopes      []string
}

type pendingRequest struct {
	method string
	ch     chan rpcResult
	timer  *time.Timer
}

type rpcResult struct {
	payload json.RawMessage
	err     error
}

type eventHandler struct {
	id uint64
	fn func(Event)
}

// Client owns one gateway transport session: it performs the connect
// handshake, correlates outstanding requests to responses by id, and fans
// unmatched frames out to event subscribers. A Client is single-use: after
// Close (or a transport failure) the orchestrator constructs a new one.
type Client struct {
	cfg    Config
	logger *slog.Logger

	ws     *websocket.Conn
	sendMu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[string]*pendingRequest

	handlersMu sync.Mutex
	handlers   []eventHandler
	nextHandID atomic.Uint64

	state  atomic.Int32
	closed chan struct{} // closed exactly once when the transport is gone
	once   sync.Once

	serverVersion string
}

// NewClient creates an unopened client. Call Open before Request.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
		closed:  make(chan struct{}),
	}
}

// State reports the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// ServerVersion returns the version reported in the hello payload. Valid
// after a successful Open.
func (c *Client) ServerVersion() string { return c.serverVersion }

// connectParams is the handshake payload.
type connectParams struct {
	MinProtocol int               `json:"minProtocol"`
	MaxProtocol int               `json:"maxProtocol"`
	Client      connectClientInfo `json:"client"`
	Role        string            `json:"role"`
	Scopes      []string          `json:"scopes"`
	Caps        []string          `json:"caps"`
	Auth        connectAuth       `json:"auth"`
}

type connectClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

// helloPayload is the successful handshake response body.
type helloPayload struct {
	Type   string `json:"type"`
	Server struct {
		Version string `json:"version"`
	} `json:"server"`
}

// Open establishes the transport and performs the connect handshake. A
// connect.challenge event from the peer is a cue to re-send the same connect
// request. Open succeeds only on a hello-ok response within the overall
// handshake deadline. Overlapping opens on one instance are not supported.
func (c *Client) Open(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return &ConnectError{Kind: "transport", Err: err}
	}
	ws.SetReadLimit(8 << 20)
	c.ws = ws
	c.state.Store(int32(StateAwaitingHello))

	go c.readLoop()

	if err := c.handshake(dialCtx); err != nil {
		c.Close()
		return err
	}

	c.state.Store(int32(StateConnected))
	c.logger.Info("gateway connected", "url", c.cfg.URL, "server_version", c.serverVersion)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := connectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: connectClientInfo{
			ID:          c.cfg.ClientID,
			DisplayName: c.cfg.DisplayName,
			Version:     c.cfg.Version,
			Platform:    c.cfg.Platform,
			Mode:        c.cfg.Mode,
		},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Caps:   []string{},
		Auth:   connectAuth{Token: c.cfg.Token},
	}

	id := newRequestID()
	frame := requestFrame{Type: "req", ID: id, Method: "connect", Params: params}

	// The challenge payload itself carries nothing we act on; its arrival is
	// the cue to re-send the connect request under the same id.
	unsub := c.OnEvent(func(ev Event) {
		if ev.Name != "connect.challenge" {
			return
		}
		if err := c.writeFrame(frame); err != nil {
			c.logger.Warn("resend connect after challenge failed", "error", err)
		}
	})
	defer unsub()

	payload, err := c.dispatch(ctx, id, frame, connectRequestTimeout)
	if err != nil {
		return classifyConnectErr(ctx, err)
	}

	var hello helloPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		return &ConnectError{Kind: "protocol", Err: fmt.Errorf("%w: parse hello: %v", domain.ErrHandshake, err)}
	}
	if hello.Type != "hello-ok" {
		return &ConnectError{Kind: "protocol", Err: fmt.Errorf("%w: unexpected response type %q", domain.ErrHandshake, hello.Type)}
	}
	c.serverVersion = hello.Server.Version
	return nil
}

// classifyConnectErr sorts a failed connect dispatch into ConnectError kinds.
// Both the handshake deadline and the connect request timer count as
// "timeout"; a gateway error response is "protocol"; anything else is a
// transport failure.
func classifyConnectErr(ctx context.Context, err error) *ConnectError {
	if ctx.Err() != nil || errors.Is(err, domain.ErrRPCTimeout) {
		return &ConnectError{Kind: "timeout", Err: err}
	}
	var rpcErr *domain.RPCError
	if errors.As(err, &rpcErr) {
		return &ConnectError{Kind: "protocol", Err: err}
	}
	return &ConnectError{Kind: "transport", Err: err}
}

// Request sends an RPC and waits for the correlated response. A zero timeout
// selects DefaultRequestTimeout. Fails immediately when the transport is not
// open; a timeout removes the pending entry so a late response is a no-op.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, domain.ErrNotConnected
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	id := newRequestID()
	return c.dispatch(ctx, id, requestFrame{Type: "req", ID: id, Method: method, Params: params}, timeout)
}

// dispatch registers a pending entry, writes the frame, and waits for the
// correlated response, a deadline, or context cancellation.
func (c *Client) dispatch(ctx context.Context, id string, frame requestFrame, timeout time.Duration) (json.RawMessage, error) {
	pr := &pendingRequest{method: frame.Method, ch: make(chan rpcResult, 1)}
	pr.timer = time.AfterFunc(timeout, func() {
		c.rejectPending(id, fmt.Errorf("%w after %s: %s", domain.ErrRPCTimeout, timeout, frame.Method))
	})

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		pr.timer.Stop()
		return nil, domain.ErrConnectionClosing
	default:
	}
	c.pending[id] = pr
	c.mu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.rejectPending(id, fmt.Errorf("send %s: %w", frame.Method, err))
	}

	select {
	case res := <-pr.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.rejectPending(id, ctx.Err())
		res := <-pr.ch
		return res.payload, res.err
	}
}

func (c *Client) writeFrame(frame requestFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// rejectPending resolves the pending entry for id with err, if it is still
// outstanding. Safe to race with a response arrival: exactly one wins.
func (c *Client) rejectPending(id string, err error) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()
	pr.ch <- rpcResult{err: err}
}

// OnEvent registers a listener for every inbound frame that is not a
// correlated response. Handlers run in registration order; a panicking
// handler does not prevent the others from running. The returned function
// unsubscribes.
func (c *Client) OnEvent(fn func(Event)) func() {
	id := c.nextHandID.Add(1)
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, eventHandler{id: id, fn: fn})
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) fanOut(ev Event) {
	c.handlersMu.Lock()
	handlers := make([]eventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event handler panicked", "event", ev.Name, "panic", r)
				}
			}()
			h.fn(ev)
		}()
	}
}

// readLoop decodes inbound frames until the transport fails or closes.
// Frames with an id matching a pending request resolve that entry; all
// other frames are fanned out as events. This holds regardless of response
// arrival order relative to request send order.
func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.teardown(domain.ErrConnectionClosing)
			return
		}

		frame, ok := decodeFrame(data)
		if !ok {
			continue
		}

		if frame.ID != "" {
			c.mu.Lock()
			pr, found := c.pending[frame.ID]
			if found {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if found {
				pr.timer.Stop()
				if frame.failed() {
					pr.ch <- rpcResult{err: &domain.RPCError{Method: pr.method, Message: frame.errorMessage()}}
				} else {
					pr.ch <- rpcResult{payload: frame.responsePayload()}
				}
				continue
			}
			// Late or unknown id: fall through and treat as an event.
		}

		c.fanOut(frame.event())
	}
}

// teardown rejects every pending request and marks the transport closed.
// Runs at most once regardless of how many paths reach it.
func (c *Client) teardown(cause error) {
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnected))
		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[string]*pendingRequest)
		c.mu.Unlock()
		for _, pr := range pending {
			pr.timer.Stop()
			pr.ch <- rpcResult{err: cause}
		}
		close(c.closed)
	})
}

// Close rejects all pending requests with a closing error and releases the
// transport. Idempotent; bounded by a short grace timeout so it cannot hang.
func (c *Client) Close() {
	c.state.Store(int32(StateClosing))
	c.teardown(domain.ErrConnectionClosing)
	if c.ws != nil {
		c.ws.Close(websocket.StatusNormalClosure, "relay closing")
	}
	select {
	case <-c.closed:
	case <-time.After(closeGrace):
	}
	c.state.Store(int32(StateDisconnected))
}

// WaitForClose returns a channel closed exactly once, when the transport
// closes or errors. The orchestrator blocks on it to detect disconnection.
func (c *Client) WaitForClose() <-chan struct{} { return c.closed }

// newRequestID returns a process-unique 128-bit request id. Ids are never
// reused while a request is pending.
func newRequestID() string { return ulid.Make().String() }
