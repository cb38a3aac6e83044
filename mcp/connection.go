package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerpro/mcp-bridge/config"
	"github.com/ledgerpro/mcp-bridge/logger"
	"github.com/ledgerpro/mcp-bridge/process"
)

// Connection tunable defaults. config.DefaultConfig mirrors these for the
// file-based configuration surface.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCallTimeout      = 60 * time.Second
	DefaultProbeAttempts    = 3
	DefaultProbeInterval    = 2 * time.Second
	DefaultTerminationGrace = 2 * time.Second
)

// LaunchFunc spawns the helper process for a server descriptor. The default
// launcher wraps process.Launch; tests inject FakeServer.Launch.
type LaunchFunc func(cfg config.Server) (Process, error)

// StateCallback observes connection state transitions. Callbacks run
// synchronously on the transitioning goroutine and must not call back into
// the connection.
type StateCallback func(server string, from, to State)

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithLauncher replaces the default process launcher.
func WithLauncher(launch LaunchFunc) ConnOption {
	return func(c *Conn) {
		if launch != nil {
			c.launch = launch
		}
	}
}

// WithHandshakeTimeout bounds the initialize round trip and each readiness
// probe attempt.
func WithHandshakeTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithCallTimeout bounds each call when the caller's context carries no
// earlier deadline.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithProbe sets the readiness probe budget: attempts tries spaced by
// interval.
func WithProbe(attempts int, interval time.Duration) ConnOption {
	return func(c *Conn) {
		if attempts > 0 {
			c.probeAttempts = attempts
		}
		if interval > 0 {
			c.probeInterval = interval
		}
	}
}

// WithTerminationGrace sets how long teardown waits between closing stdin
// and killing the helper.
func WithTerminationGrace(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithStateCallback registers an observer for state transitions.
func WithStateCallback(fn StateCallback) ConnOption {
	return func(c *Conn) { c.onState = fn }
}

// Conn is a protocol session with one helper server. It owns the subprocess
// and enforces the handshake ordering: the initialize request is the only
// frame written before the notifications/initialized notification, and tool
// calls are accepted only once the connection is Ready.
//
// A Conn is safe for concurrent use. Connect and Close must not be called
// concurrently with each other; a failed connection must be Closed before
// reconnecting.
type Conn struct {
	server   config.Server
	instance string
	launch   LaunchFunc
	log      *slog.Logger

	handshakeTimeout time.Duration
	callTimeout      time.Duration
	probeAttempts    int
	probeInterval    time.Duration
	grace            time.Duration

	onState StateCallback

	mu      sync.Mutex
	state   State
	failure error // reason when state is StateFailed
	proc    Process
	tr      *transport
	corr    *correlator
	tools   []Tool // catalog cached by the readiness probe
}

// NewConn builds a connection for the given server descriptor. The
// connection starts Disconnected; nothing happens until Connect.
func NewConn(server config.Server, opts ...ConnOption) *Conn {
	c := &Conn{
		server:           server,
		instance:         uuid.NewString()[:8],
		launch:           defaultLauncher,
		handshakeTimeout: DefaultHandshakeTimeout,
		callTimeout:      DefaultCallTimeout,
		probeAttempts:    DefaultProbeAttempts,
		probeInterval:    DefaultProbeInterval,
		grace:            DefaultTerminationGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.WithServer(server.Name).With("conn", c.instance)
	return c
}

func defaultLauncher(cfg config.Server) (Process, error) {
	proc, err := process.Launch(cfg)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Name returns the server name this connection serves.
func (c *Conn) Name() string { return c.server.Name }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the recorded failure reason, or nil unless the connection is
// Failed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Pid returns the helper's process id, or 0 when no process is running.
func (c *Conn) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.Pid()
}

// Tools returns the tool catalog cached by the readiness probe (refreshed by
// ListTools). Empty until the connection has been Ready.
func (c *Conn) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tools)
}

// Connect launches the helper and walks the session to Ready: spawn,
// initialize handshake, initialized notification, readiness probe. On any
// failure the connection ends up Failed with the returned error recorded as
// the reason and the helper terminated.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect %s: connection is %s", c.server.Name, state)
	}
	c.state = StateLaunching
	c.mu.Unlock()
	c.log.Info("launching helper", "command", c.server.Command)
	c.notifyState(StateDisconnected, StateLaunching)

	proc, err := c.launch(c.server)
	if err != nil {
		lerr := &LaunchError{Server: c.server.Name, Err: err}
		c.failWith(lerr)
		return lerr
	}

	corr := newCorrelator()
	var tr *transport
	tr = newTransport(proc, c.log,
		func(msg *message) { c.route(tr, corr, msg) },
		func(err error) { c.transportLost(corr, err) },
	)

	c.mu.Lock()
	c.proc = proc
	c.tr = tr
	c.corr = corr
	c.tools = nil
	c.mu.Unlock()

	tr.start()

	if !c.advance(StateHandshaking) {
		tr.close(c.grace)
		return c.sessionErr()
	}
	initRes, err := c.handshake(ctx, tr, corr)
	if err != nil {
		return c.abort(tr, err)
	}

	if !c.advance(StateInitialized) {
		tr.close(c.grace)
		return c.sessionErr()
	}
	if err := c.sendFrame(tr, notification{JSONRPC: "2.0", Method: methodInitialized}); err != nil {
		return c.abort(tr, err)
	}

	if !c.advance(StateProbing) {
		tr.close(c.grace)
		return c.sessionErr()
	}
	tools, err := c.probe(ctx, tr, corr)
	if err != nil {
		return c.abort(tr, err)
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	if !c.advance(StateReady) {
		tr.close(c.grace)
		return c.sessionErr()
	}
	c.log.Info("connection ready",
		"pid", proc.Pid(),
		"server_name", initRes.ServerInfo.Name,
		"server_version", initRes.ServerInfo.Version,
		"tools", len(tools))
	return nil
}

// handshake performs the initialize round trip.
func (c *Conn) handshake(ctx context.Context, tr *transport, corr *correlator) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capability{},
		ClientInfo:      ClientInfo{Name: ClientName, Version: ClientVersion},
	}

	raw, err := c.roundTrip(ctx, tr, corr, methodInitialize, params, c.handshakeTimeout)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &HandshakeRejectedError{Server: c.server.Name, Code: rpcErr.Code, Message: rpcErr.Message}
		}
		var timeout *RequestTimeoutError
		if errors.As(err, &timeout) {
			return nil, &HandshakeTimeoutError{Server: c.server.Name, Timeout: c.handshakeTimeout}
		}
		return nil, err
	}

	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		// The result body is informational only; a bad one is logged, not
		// fatal.
		violation := &ProtocolViolationError{Server: c.server.Name, Detail: "unparseable initialize result: " + err.Error()}
		c.log.Warn("protocol violation", "error", violation)
		return &InitializeResult{}, nil
	}
	if res.ProtocolVersion != "" && res.ProtocolVersion != ProtocolVersion {
		c.log.Warn("server negotiated a different protocol version",
			"requested", ProtocolVersion, "negotiated", res.ProtocolVersion)
	}
	c.log.Info("handshake complete",
		"server_name", res.ServerInfo.Name, "server_version", res.ServerInfo.Version)
	return &res, nil
}

// probe retries tools/list until the server answers or the budget runs out.
// A single failed attempt is never fatal on its own.
func (c *Conn) probe(ctx context.Context, tr *transport, corr *correlator) ([]Tool, error) {
	var tools []Tool
	attempt := 0
	err := retry(ctx, c.probeAttempts, c.probeInterval, func() error {
		attempt++
		raw, err := c.roundTrip(ctx, tr, corr, methodToolsList, nil, c.handshakeTimeout)
		if err != nil {
			c.log.Warn("readiness probe attempt failed", "attempt", attempt, "error", err)
			return err
		}
		var res ToolsListResult
		if err := json.Unmarshal(raw, &res); err != nil {
			c.log.Warn("readiness probe attempt failed", "attempt", attempt, "error", err)
			return fmt.Errorf("parse tools/list result: %w", err)
		}
		tools = res.Tools
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s readiness probe failed after %d attempts: %w", c.server.Name, c.probeAttempts, err)
	}
	return tools, nil
}

// Call sends a request and waits for its response. The connection must be
// Ready; the deadline is the caller's context or the call timeout, whichever
// ends first.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateReady {
		err := &NotReadyError{Server: c.server.Name, State: c.state}
		c.mu.Unlock()
		return nil, err
	}
	tr, corr := c.tr, c.corr
	c.mu.Unlock()

	return c.roundTrip(ctx, tr, corr, method, params, c.callTimeout)
}

// CallTool invokes one named tool and decodes its result.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := c.Call(ctx, methodToolsCall, ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse %s result: %w", name, err)
	}
	return &res, nil
}

// ListTools fetches the server's tool catalog and refreshes the cache.
func (c *Conn) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.Call(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var res ToolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = res.Tools
	c.mu.Unlock()
	return res.Tools, nil
}

// Close terminates the helper, drains pending calls, and returns the
// connection to Disconnected. Safe to call in any state, more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateDisconnected
	c.failure = nil
	tr, corr := c.tr, c.corr
	c.proc = nil
	c.tr = nil
	c.corr = nil
	c.tools = nil
	c.mu.Unlock()

	c.log.Info("closing connection", "from", from)
	c.notifyState(from, StateDisconnected)

	if corr != nil {
		corr.failAll(&TransportClosedError{Server: c.server.Name})
	}
	if tr != nil {
		tr.close(c.grace)
	}
}

// roundTrip registers a pending call, writes the request frame, and waits
// for resolution, expiry, or cancellation.
func (c *Conn) roundTrip(ctx context.Context, tr *transport, corr *correlator, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id, ch, err := corr.submit(method)
	if err != nil {
		return nil, err
	}

	if err := c.sendFrame(tr, request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		corr.expire(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.rpcErr != nil {
			return nil, res.rpcErr
		}
		return res.result, nil
	case <-timer.C:
		corr.expire(id)
		return nil, &RequestTimeoutError{Server: c.server.Name, Method: method, Timeout: timeout}
	case <-ctx.Done():
		corr.expire(id)
		return nil, ctx.Err()
	}
}

// sendFrame marshals v and writes it as one frame. Write failures surface as
// TransportClosedError; marshal failures are the caller's own.
func (c *Conn) sendFrame(tr *transport, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := tr.send(frame); err != nil {
		return &TransportClosedError{Server: c.server.Name, Err: err}
	}
	return nil
}

// route classifies an inbound frame. Runs on the read-loop goroutine.
func (c *Conn) route(tr *transport, corr *correlator, msg *message) {
	switch {
	case msg.Method == "" && msg.ID != nil:
		if !corr.resolve(*msg.ID, msg.Result, msg.Error) {
			violation := &ProtocolViolationError{
				Server: c.server.Name,
				Detail: fmt.Sprintf("response for unknown request id %d", *msg.ID),
			}
			c.log.Warn("protocol violation", "error", violation)
		}
	case msg.Method != "" && msg.ID != nil:
		// The helpers are pure tool servers; nothing they can ask for is
		// supported here.
		c.log.Warn("rejecting server-initiated request", "method", msg.Method, "id", *msg.ID)
		reply := response{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   &RPCError{Code: -32601, Message: "Method not found"},
		}
		if err := c.sendFrame(tr, reply); err != nil {
			c.log.Warn("failed to reject server request", "error", err)
		}
	case msg.Method != "":
		c.log.Debug("ignoring server notification", "method", msg.Method)
	default:
		violation := &ProtocolViolationError{Server: c.server.Name, Detail: "frame with neither method nor id"}
		c.log.Warn("protocol violation", "error", violation)
	}
}

// transportLost handles the read loop ending: every pending call fails and
// the session is marked Failed unless it was already torn down.
func (c *Conn) transportLost(corr *correlator, err error) {
	closed := &TransportClosedError{Server: c.server.Name, Err: err}
	corr.failAll(closed)
	c.failWith(closed)
}

// advance moves to the next lifecycle state. Reports false when the session
// failed or was closed underneath the caller.
func (c *Conn) advance(to State) bool {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateDisconnected {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.log.Debug("state changed", "from", from, "to", to)
	c.notifyState(from, to)
	return true
}

// failWith records reason and moves to Failed. No-op when the session is
// already Failed or Disconnected, so a stale transport closure cannot stomp
// an explicit teardown.
func (c *Conn) failWith(reason error) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateFailed
	c.failure = reason
	c.mu.Unlock()

	c.log.Error("connection failed", "from", from, "error", reason)
	c.notifyState(from, StateFailed)
}

// abort fails the session with reason and reaps the helper.
func (c *Conn) abort(tr *transport, reason error) error {
	c.failWith(reason)
	tr.close(c.grace)
	return reason
}

// sessionErr reports why the session stopped advancing.
func (c *Conn) sessionErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil {
		return c.failure
	}
	return &TransportClosedError{Server: c.server.Name}
}

func (c *Conn) notifyState(from, to State) {
	if c.onState != nil {
		c.onState(c.server.Name, from, to)
	}
}
