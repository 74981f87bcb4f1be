// Package client owns the single duplex ACP connection and turns its frame
// stream into per-session state a UI can render. The connection lifecycle
// is caller-driven: Connect dials, runs the handshake and the resume
// sequence, and starts the read loop; a transport failure transitions to
// StateClosed and stays there until the caller reconnects. Nothing in this
// package retries on its own.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/acpc/acp"
	"github.com/m4xw311/acpc/config"
	"github.com/m4xw311/acpc/errors"
	"github.com/m4xw311/acpc/registry"
	"github.com/m4xw311/acpc/store"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Callbacks let the embedding surface observe state changes. All callbacks
// are invoked from the connection's read loop or from the calling
// goroutine of a command; they must not block.
type Callbacks struct {
	OnStateChange       func(State)
	OnSessionChange     func(sessionID string)
	OnPermissionRequest func(PermissionRequest)
	OnDiagnostic        func(string)
}

type pendingKind int

const (
	pendingNew pendingKind = iota
	pendingLoad
)

// pendingRequest correlates an outstanding session/new or session/load
// request id with the optimistic local state it created.
type pendingRequest struct {
	kind      pendingKind
	sessionID string
}

// Client is the connection manager. One Client owns at most one physical
// connection at a time; starting a new connection tears down the previous
// one first.
type Client struct {
	cfg       *config.Config
	callbacks Callbacks
	trace     func(string)

	store    *store.Store
	registry *registry.Registry
	perms    *PermissionQueue
	fs       *fsService

	mu             sync.Mutex // guards state, conn, currentSession, pending
	state          State
	conn           *websocket.Conn
	currentSession string
	pending        map[string]pendingRequest

	writeMu sync.Mutex   // serializes frame writes
	seq     atomic.Int64 // outbound id counter, reset per connection

	cwd   string
	token string
}

// New creates a client with its own store, registry and permission queue.
// Callbacks may be zero; every hook is optional.
func New(cfg *config.Config, callbacks Callbacks) *Client {
	if cfg == nil {
		cfg = &config.Config{StateDir: config.DefaultStateDir}
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	c := &Client{
		cfg:       cfg,
		callbacks: callbacks,
		trace:     func(string) {},
		store:     store.New(),
		registry:  registry.Open(cfg.StateDir),
		state:     StateIdle,
		cwd:       cwd,
	}
	c.perms = newPermissionQueue(c.send, func(msg string) { c.trace(msg) })
	c.fs = &fsService{access: cfg.FilesystemAccess}
	return c
}

// SetTrace installs a diagnostic sink. Call before Connect.
func (c *Client) SetTrace(trace func(string)) {
	if trace == nil {
		return
	}
	c.trace = trace
	c.registry.SetTrace(trace)
}

// SetToken sets the bearer token presented when dialing.
func (c *Client) SetToken(token string) { c.token = token }

// SetCwd overrides the working directory reported to the agent.
func (c *Client) SetCwd(cwd string) {
	if cwd != "" {
		c.cwd = cwd
	}
}

// Store exposes the session state for rendering.
func (c *Client) Store() *store.Store { return c.store }

// Registry exposes the known-session registry.
func (c *Client) Registry() *registry.Registry { return c.registry }

// Permissions exposes the outstanding permission queue.
func (c *Client) Permissions() *PermissionQueue { return c.perms }

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentSession returns the session id commands target when none is given.
func (c *Client) CurrentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSession
}

// Connect dials the agent, sends the initialize handshake and replays the
// persisted registry as session/load requests. Any existing non-terminal
// connection is torn down first. The persisted active id is selected
// locally before any load response arrives.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.teardown()
	c.setState(StateConnecting)

	dialer := websocket.Dialer{
		Subprotocols:     []string{acp.Subprotocol},
		HandshakeTimeout: 15 * time.Second,
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		c.abortConnect()
		return errors.Wrapf(err, "failed to connect to %s", url)
	}

	c.mu.Lock()
	c.conn = conn
	c.seq.Store(0)
	c.pending = make(map[string]pendingRequest)
	c.currentSession = ""
	c.state = StateOpen
	c.mu.Unlock()
	c.notifyState(StateOpen)

	if err := c.send(acp.NewRequest(c.nextID(), "initialize", initializeParams())); err != nil {
		c.abortConnect()
		return err
	}

	// Resume: one session/load per persisted id, never session/new.
	if err := c.registry.Load(); err != nil {
		c.trace(fmt.Sprintf("Connect: could not load registry: %v", err))
	}
	for _, sid := range c.registry.Known() {
		c.store.Ensure(sid)
		reqID := c.nextID()
		c.mu.Lock()
		c.pending[idKey(reqID)] = pendingRequest{kind: pendingLoad, sessionID: sid}
		c.mu.Unlock()
		params := map[string]any{"sessionId": sid, "cwd": c.cwd, "mcpServers": c.cfg.MCPServers}
		if err := c.send(acp.NewRequest(reqID, "session/load", params)); err != nil {
			c.trace(fmt.Sprintf("Connect: session/load for '%s' not sent: %v", sid, err))
		}
	}
	if active := c.registry.Active(); active != "" {
		// Optimistic selection; reconciled if the load later fails.
		c.mu.Lock()
		c.currentSession = active
		c.mu.Unlock()
	}

	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection. Session state and the registry are
// untouched; a later Connect resumes them.
func (c *Client) Disconnect() {
	c.teardown()
	c.setState(StateClosed)
}

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs": map[string]bool{
				"readTextFile":  true,
				"writeTextFile": true,
			},
			"terminal": false,
		},
	}
}

// abortConnect tears down a connection attempt that failed before the
// read loop started. Connect never returns an error while leaving the
// state open.
func (c *Client) abortConnect() {
	c.teardown()
	c.setState(StateClosed)
}

// teardown closes any existing non-terminal connection.
func (c *Client) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notifyState(s)
	}
}

func (c *Client) notifyState(s State) {
	if cb := c.callbacks.OnStateChange; cb != nil {
		cb(s)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.trace(fmt.Sprintf("readLoop: connection closed: %v", err))
			c.mu.Lock()
			stale := c.conn != conn
			if !stale {
				c.conn = nil
				c.state = StateClosed
			}
			c.mu.Unlock()
			// A connection replaced by a newer Connect must not clobber
			// the new connection's state.
			if !stale {
				c.notifyState(StateClosed)
			}
			return
		}
		c.route(data)
	}
}

// nextID returns the next unused outbound request id. Ids strictly
// increase and are never reused within one connection's lifetime.
func (c *Client) nextID() int64 {
	return c.seq.Add(1)
}

// send serializes and writes one outbound frame. Sending while the
// connection is not open is a local no-op reported as a recoverable error.
func (c *Client) send(obj any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return errors.Wrapf(errors.ErrNotConnected, "dropping outbound message")
	}
	data, err := acp.EncodeFrame(obj)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return errors.Wrapf(conn.WriteMessage(websocket.TextMessage, data), "write failed")
}

func (c *Client) respondResult(id any, result any) {
	if err := c.send(acp.Response{JSONRPC: "2.0", ID: id, Result: result}); err != nil {
		c.trace(fmt.Sprintf("respondResult: %v", err))
	}
}

func (c *Client) respondError(id any, code int, msg string, data any) {
	resp := acp.Response{JSONRPC: "2.0", ID: id, Error: &acp.Error{Code: code, Message: msg, Data: data}}
	if err := c.send(resp); err != nil {
		c.trace(fmt.Sprintf("respondError: %v", err))
	}
}

// ---- Command API ----

// StartSession asks the agent for a fresh session. The session id arrives
// in the response and is registered by the router.
func (c *Client) StartSession(cwd string, mcpServers []config.MCPServer) error {
	if cwd == "" {
		cwd = c.cwd
	}
	if mcpServers == nil {
		mcpServers = c.cfg.MCPServers
	}
	reqID := c.nextID()
	c.mu.Lock()
	if c.pending != nil {
		c.pending[idKey(reqID)] = pendingRequest{kind: pendingNew}
	}
	c.mu.Unlock()
	params := map[string]any{"cwd": cwd, "mcpServers": mcpServers}
	return c.send(acp.NewRequest(reqID, "session/new", params))
}

// SendPrompt sends one user prompt to the target session. With an empty
// sessionID the current, then active, session is used.
func (c *Client) SendPrompt(sessionID, text string) error {
	target, err := c.resolveTarget(sessionID)
	if err != nil {
		return err
	}
	params := map[string]any{
		"sessionId": target,
		"prompt":    []map[string]any{{"type": "text", "text": text}},
	}
	return c.send(acp.NewRequest(c.nextID(), "session/prompt", params))
}

// SetMode switches the session mode. The store is updated when the agent
// confirms via a currentMode update.
func (c *Client) SetMode(sessionID, mode string) error {
	target, err := c.resolveTarget(sessionID)
	if err != nil {
		return err
	}
	params := map[string]any{"sessionId": target, "mode": mode}
	return c.send(acp.NewRequest(c.nextID(), "session/set_mode", params))
}

// CloseSession notifies the agent best-effort and removes the session
// locally regardless of the outcome. Local state is authoritative; the
// remote view is eventually consistent.
func (c *Client) CloseSession(sessionID string) error {
	target, err := c.resolveTarget(sessionID)
	if err != nil {
		return err
	}
	if err := c.send(acp.NewNotification("session/close", map[string]any{"sessionId": target})); err != nil {
		c.trace(fmt.Sprintf("CloseSession: remote notify skipped: %v", err))
	}
	c.store.Remove(target)
	newActive := c.registry.Remove(target)
	c.mu.Lock()
	if c.currentSession == target {
		c.currentSession = newActive
	}
	c.mu.Unlock()
	c.sessionChanged(target)
	return nil
}

// SelectSession makes a known session the target for subsequent commands.
func (c *Client) SelectSession(sessionID string) error {
	if !c.registry.Has(sessionID) && !c.store.Has(sessionID) {
		return errors.Wrapf(errors.ErrNoSession, "unknown session id '%s'", sessionID)
	}
	c.registry.SetActive(sessionID)
	c.mu.Lock()
	c.currentSession = sessionID
	c.mu.Unlock()
	return nil
}

// resolveTarget maps a caller-supplied session id to the session a command
// applies to. An explicit id must be known; an empty id falls back to the
// current, then the active, session.
func (c *Client) resolveTarget(sessionID string) (string, error) {
	if sessionID != "" {
		if c.registry.Has(sessionID) || c.store.Has(sessionID) {
			return sessionID, nil
		}
		return "", errors.Wrapf(errors.ErrNoSession, "unknown session id '%s'", sessionID)
	}
	c.mu.Lock()
	cur := c.currentSession
	c.mu.Unlock()
	if cur != "" {
		return cur, nil
	}
	if active := c.registry.Active(); active != "" {
		return active, nil
	}
	return "", errors.Wrapf(errors.ErrNoSession, "no target session")
}

func (c *Client) sessionChanged(id string) {
	if cb := c.callbacks.OnSessionChange; cb != nil {
		cb(id)
	}
}

// diag reports a dropped or degraded message to the trace log and the
// diagnostic callback.
func (c *Client) diag(msg string) {
	c.trace(msg)
	if cb := c.callbacks.OnDiagnostic; cb != nil {
		cb(msg)
	}
}

// idKey normalizes a JSON-RPC id for map lookup: outbound ids are int64,
// inbound echoes decode as float64.
func idKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
