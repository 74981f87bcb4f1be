package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/acpc/acp"
	"github.com/m4xw311/acpc/config"
	"github.com/m4xw311/acpc/errors"
)

// testAgent is an in-process WebSocket peer standing in for the agent. It
// records every decoded inbound frame and can push server-initiated frames.
type testAgent struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	frames []*acp.Message
	conn   *websocket.Conn
}

func newTestAgent(t *testing.T) *testAgent {
	a := &testAgent{t: t}
	upgrader := websocket.Upgrader{Subprotocols: []string{acp.Subprotocol}}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := acp.DecodeFrame(data)
			if err != nil {
				continue
			}
			a.mu.Lock()
			a.frames = append(a.frames, msg)
			a.mu.Unlock()
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *testAgent) url() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http")
}

func (a *testAgent) received() []*acp.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*acp.Message(nil), a.frames...)
}

// push writes one server-initiated frame to the connected client.
func (a *testAgent) push(frame string) {
	a.t.Helper()
	waitFor(a.t, "agent connection", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.conn != nil
	})
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		a.t.Fatalf("push failed: %v", err)
	}
}

// waitFrame polls until a received frame matches pred.
func (a *testAgent) waitFrame(desc string, pred func(*acp.Message) bool) *acp.Message {
	a.t.Helper()
	var found *acp.Message
	waitFor(a.t, desc, func() bool {
		for _, m := range a.received() {
			if pred(m) {
				found = m
				return true
			}
		}
		return false
	})
	return found
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func seedRegistry(t *testing.T, dir string, known []string, active string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"knownSessionIds": known,
		"activeSessionId": active,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "registry.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func connectedClient(t *testing.T, a *testAgent, cfg *config.Config) *Client {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{StateDir: t.TempDir()}
	}
	c := New(cfg, Callbacks{})
	t.Cleanup(c.Disconnect)
	if err := c.Connect(context.Background(), a.url()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return c
}

func frameSessionID(t *testing.T, msg *acp.Message) string {
	t.Helper()
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		t.Fatalf("params not decodable: %v", err)
	}
	return p.SessionID
}

func TestConnectSendsInitializeFirst(t *testing.T) {
	a := newTestAgent(t)
	connectedClient(t, a, nil)

	msg := a.waitFrame("initialize", func(m *acp.Message) bool { return m.Method == "initialize" })
	if idKey(msg.ID) != "1" {
		t.Errorf("initialize id = %v, want 1", msg.ID)
	}
	var params struct {
		ClientCapabilities struct {
			Fs map[string]bool `json:"fs"`
		} `json:"clientCapabilities"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("initialize params: %v", err)
	}
	if !params.ClientCapabilities.Fs["readTextFile"] || !params.ClientCapabilities.Fs["writeTextFile"] {
		t.Errorf("fs capabilities not declared: %+v", params.ClientCapabilities)
	}
}

func TestResumeReplaysRegistryWithLoads(t *testing.T) {
	a := newTestAgent(t)
	dir := t.TempDir()
	seedRegistry(t, dir, []string{"s1", "s2"}, "s2")

	c := connectedClient(t, a, &config.Config{StateDir: dir})

	waitFor(t, "two session/load frames", func() bool {
		n := 0
		for _, m := range a.received() {
			if m.Method == "session/load" {
				n++
			}
		}
		return n == 2
	})

	var loadIDs []string
	for _, m := range a.received() {
		switch m.Method {
		case "session/new":
			t.Error("resume sent session/new")
		case "session/load":
			loadIDs = append(loadIDs, frameSessionID(t, m))
		}
	}
	if len(loadIDs) != 2 || loadIDs[0] != "s1" || loadIDs[1] != "s2" {
		t.Errorf("loaded sessions = %v, want [s1 s2]", loadIDs)
	}
	// The persisted active session is selected before any response arrives.
	if got := c.CurrentSession(); got != "s2" {
		t.Errorf("current session = %q, want s2", got)
	}
}

func TestOutboundIdsStrictlyIncrease(t *testing.T) {
	a := newTestAgent(t)
	dir := t.TempDir()
	seedRegistry(t, dir, []string{"s1", "s2"}, "s1")

	c := connectedClient(t, a, &config.Config{StateDir: dir})
	if err := c.SendPrompt("s1", "hello"); err != nil {
		t.Fatalf("SendPrompt failed: %v", err)
	}
	a.waitFrame("prompt frame", func(m *acp.Message) bool { return m.Method == "session/prompt" })

	prev := int64(0)
	for _, m := range a.received() {
		if m.Method == "" || m.ID == nil {
			continue
		}
		id, err := strconv.ParseInt(idKey(m.ID), 10, 64)
		if err != nil {
			t.Fatalf("non-numeric request id %v", m.ID)
		}
		if id <= prev {
			t.Fatalf("id %d after %d is not strictly increasing", id, prev)
		}
		prev = id
	}
	if prev < 4 {
		t.Errorf("expected at least 4 requests, last id was %d", prev)
	}
}

func TestReconnectRestartsIdSequence(t *testing.T) {
	a := newTestAgent(t)
	c := connectedClient(t, a, nil)
	a.waitFrame("first initialize", func(m *acp.Message) bool { return m.Method == "initialize" })

	c.Disconnect()
	if err := c.Connect(context.Background(), a.url()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	waitFor(t, "second initialize", func() bool {
		n := 0
		for _, m := range a.received() {
			if m.Method == "initialize" {
				n++
			}
		}
		return n == 2
	})
	for _, m := range a.received() {
		if m.Method == "initialize" && idKey(m.ID) != "1" {
			t.Errorf("initialize id = %v, want 1 on every connection", m.ID)
		}
	}
}

func TestFailedConnectLeavesStateClosed(t *testing.T) {
	// Not a WebSocket endpoint: the upgrade is rejected.
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(&config.Config{StateDir: t.TempDir()}, Callbacks{})
	err := c.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err == nil {
		t.Fatal("Connect succeeded against a non-WebSocket endpoint")
	}
	if c.State() != StateClosed {
		t.Errorf("state after failed Connect = %v, want closed", c.State())
	}
	// The failed attempt is fully recoverable.
	a := newTestAgent(t)
	if err := c.Connect(context.Background(), a.url()); err != nil {
		t.Fatalf("Connect after failure: %v", err)
	}
	defer c.Disconnect()
	if c.State() != StateOpen {
		t.Errorf("state = %v, want open", c.State())
	}
}

func TestAgentMessageChunkLandsInTranscript(t *testing.T) {
	a := newTestAgent(t)
	c := connectedClient(t, a, nil)

	a.push(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}}}`)

	waitFor(t, "chat message in store", func() bool {
		sess, ok := c.Store().Snapshot("s1")
		return ok && len(sess.Messages) == 1
	})
	sess, _ := c.Store().Snapshot("s1")
	if sess.Messages[0].From != "agent" || sess.Messages[0].Text != "hi" {
		t.Errorf("message = %+v", sess.Messages[0])
	}
}

func TestUpdateWithoutSessionIdRoutesToLatest(t *testing.T) {
	a := newTestAgent(t)
	dir := t.TempDir()
	seedRegistry(t, dir, []string{"s1", "s2"}, "s1")
	c := connectedClient(t, a, &config.Config{StateDir: dir})

	a.push(`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"routed"}}}}`)

	// s2 is the most recently registered id.
	waitFor(t, "message routed to latest session", func() bool {
		sess, ok := c.Store().Snapshot("s2")
		return ok && len(sess.Messages) == 1
	})
	if sess, _ := c.Store().Snapshot("s1"); len(sess.Messages) != 0 {
		t.Errorf("message leaked into s1: %+v", sess.Messages)
	}
}

func TestUnrecognizedUpdateShapeIsPreserved(t *testing.T) {
	a := newTestAgent(t)
	c := connectedClient(t, a, nil)

	a.push(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"t1"}}}`)

	waitFor(t, "raw line in terminal log", func() bool {
		sess, ok := c.Store().Snapshot("s1")
		return ok && len(sess.Terminal) == 1
	})
	sess, _ := c.Store().Snapshot("s1")
	if !strings.Contains(sess.Terminal[0], "tool_call") {
		t.Errorf("terminal line lost the payload: %q", sess.Terminal[0])
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	a := newTestAgent(t)
	c := connectedClient(t, a, nil)

	a.push(`{"jsonrpc":"2.0","id":7,"method":"session/request_permission","params":{"sessionId":"s1","toolCall":{"title":"write_file"},"options":[{"optionId":"allow","label":"Allow"},{"optionId":"reject","label":"Reject"}]}}`)

	waitFor(t, "permission queued", func() bool { return c.Permissions().Len() == 1 })
	pending := c.Permissions().Pending()
	if pending[0].Tool != "write_file" || pending[0].SessionID != "s1" {
		t.Errorf("queued request = %+v", pending[0])
	}

	if err := c.Permissions().Resolve(pending[0].LocalID, "allow"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	resp := a.waitFrame("permission response", func(m *acp.Message) bool {
		return m.Method == "" && idKey(m.ID) == "7"
	})
	want := `{"outcome":{"selected":{"optionId":"allow"}}}`
	if string(resp.Result) != want {
		t.Errorf("response result = %s, want %s", resp.Result, want)
	}
	if c.Permissions().Len() != 0 {
		t.Error("queue not empty after resolve")
	}
}

func TestMethodlessPermissionRequestIsAnswered(t *testing.T) {
	a := newTestAgent(t)
	c := connectedClient(t, a, nil)

	// Some agents omit the method and rely on the payload shape alone.
	a.push(`{"jsonrpc":"2.0","id":7,"params":{"tool":"write_file","options":[{"id":"allow"},{"id":"reject"}]}}`)

	waitFor(t, "permission queued", func() bool { return c.Permissions().Len() == 1 })
	pending := c.Permissions().Pending()
	if idKey(pending[0].RemoteID) != "7" || pending[0].Tool != "write_file" {
		t.Errorf("queued request = %+v", pending[0])
	}

	if err := c.Permissions().Resolve(pending[0].LocalID, "allow"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	resp := a.waitFrame("permission response", func(m *acp.Message) bool {
		return m.Method == "" && idKey(m.ID) == "7"
	})
	want := `{"outcome":{"selected":{"optionId":"allow"}}}`
	if string(resp.Result) != want {
		t.Errorf("response result = %s, want %s", resp.Result, want)
	}
	if c.Permissions().Len() != 0 {
		t.Error("queue not empty after resolve")
	}
}

func TestPermissionResolvedOutOfOrder(t *testing.T) {
	a := newTestAgent(t)
	c := connectedClient(t, a, nil)

	a.push(`{"jsonrpc":"2.0","id":10,"method":"session/request_permission","params":{"tool":"first","options":[{"id":"allow"}]}}`)
	a.push(`{"jsonrpc":"2.0","id":11,"method":"session/request_permission","params":{"tool":"second","options":[{"id":"allow"},{"id":"reject"}]}}`)

	waitFor(t, "two permissions queued", func() bool { return c.Permissions().Len() == 2 })
	pending := c.Permissions().Pending()

	// Answer the newer request first; the older one stays queued.
	if err := c.Permissions().Resolve(pending[1].LocalID, "reject"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	resp := a.waitFrame("second response", func(m *acp.Message) bool {
		return m.Method == "" && idKey(m.ID) == "11"
	})
	if !strings.Contains(string(resp.Result), `"optionId":"reject"`) {
		t.Errorf("response result = %s", resp.Result)
	}
	if left := c.Permissions().Pending(); len(left) != 1 || left[0].Tool != "first" {
		t.Errorf("remaining queue = %+v", left)
	}
}

func TestSessionNewRegistersResult(t *testing.T) {
	a := newTestAgent(t)
	c := connectedClient(t, a, nil)

	if err := c.StartSession("", nil); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	req := a.waitFrame("session/new", func(m *acp.Message) bool { return m.Method == "session/new" })

	a.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"boot-1","availableModes":["plan","code"],"currentMode":"plan"}}`, idKey(req.ID)))

	waitFor(t, "session registered", func() bool { return c.CurrentSession() == "boot-1" })
	if c.Registry().Active() != "boot-1" {
		t.Errorf("active = %q, want boot-1", c.Registry().Active())
	}
	sess, ok := c.Store().Snapshot("boot-1")
	if !ok {
		t.Fatal("session missing from store")
	}
	if len(sess.Modes) != 2 || sess.CurrentMode != "plan" {
		t.Errorf("modes = %v currentMode = %q", sess.Modes, sess.CurrentMode)
	}
}

func TestFailedLoadForgetsSession(t *testing.T) {
	a := newTestAgent(t)
	dir := t.TempDir()
	seedRegistry(t, dir, []string{"s1", "s2"}, "s1")
	c := connectedClient(t, a, &config.Config{StateDir: dir})

	load := a.waitFrame("load for s1", func(m *acp.Message) bool {
		return m.Method == "session/load" && frameSessionID(t, m) == "s1"
	})
	a.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32001,"message":"unknown session"}}`, idKey(load.ID)))

	waitFor(t, "s1 forgotten", func() bool { return !c.Registry().Has("s1") })
	if c.Store().Has("s1") {
		t.Error("s1 still in store")
	}
	if c.Registry().Active() != "s2" {
		t.Errorf("active = %q, want s2 after promotion", c.Registry().Active())
	}
	if c.CurrentSession() != "s2" {
		t.Errorf("current session = %q, want s2", c.CurrentSession())
	}
}

func TestNamespacedEventPreservedAndAnswered(t *testing.T) {
	a := newTestAgent(t)
	c := connectedClient(t, a, nil)

	a.push(`{"jsonrpc":"2.0","id":42,"method":"terminal/created","params":{"sessionId":"s1","terminalId":"t1"}}`)

	waitFor(t, "event in terminal log", func() bool {
		sess, ok := c.Store().Snapshot("s1")
		return ok && len(sess.Terminal) == 1
	})
	sess, _ := c.Store().Snapshot("s1")
	if !strings.Contains(sess.Terminal[0], "terminal/created") {
		t.Errorf("terminal line = %q", sess.Terminal[0])
	}
	resp := a.waitFrame("method-not-found answer", func(m *acp.Message) bool {
		return m.Error != nil && idKey(m.ID) == "42"
	})
	if resp.Error.Code != acp.CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, acp.CodeMethodNotFound)
	}
}

func TestCloseSessionIsLocallyAuthoritative(t *testing.T) {
	// No connection at all: closing still removes the session locally.
	c := New(&config.Config{StateDir: t.TempDir()}, Callbacks{})
	c.Registry().Add("s1")
	c.Registry().Add("s2")
	c.Registry().SetActive("s1")
	c.Store().Ensure("s1")

	if err := c.CloseSession("s1"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if c.Registry().Has("s1") || c.Store().Has("s1") {
		t.Error("s1 survived CloseSession")
	}
	if c.Registry().Active() != "s2" {
		t.Errorf("active = %q, want s2", c.Registry().Active())
	}
}

func TestSendWhileDisconnectedIsRecoverable(t *testing.T) {
	a := newTestAgent(t)
	dir := t.TempDir()
	seedRegistry(t, dir, []string{"s1"}, "s1")
	c := connectedClient(t, a, &config.Config{StateDir: dir})
	c.Disconnect()

	err := c.SendPrompt("s1", "hello")
	if !errors.Is(err, errors.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}

	// The same client reconnects and works again.
	if err := c.Connect(context.Background(), a.url()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if err := c.SendPrompt("s1", "hello again"); err != nil {
		t.Fatalf("SendPrompt after reconnect failed: %v", err)
	}
}

func TestCommandsRejectUnknownSessionId(t *testing.T) {
	c := New(&config.Config{StateDir: t.TempDir()}, Callbacks{})
	if err := c.SendPrompt("nope", "hello"); !errors.Is(err, errors.ErrNoSession) {
		t.Errorf("SendPrompt err = %v, want ErrNoSession", err)
	}
	if err := c.SelectSession("nope"); !errors.Is(err, errors.ErrNoSession) {
		t.Errorf("SelectSession err = %v, want ErrNoSession", err)
	}
	if err := c.SendPrompt("", "hello"); !errors.Is(err, errors.ErrNoSession) {
		t.Errorf("SendPrompt with no target err = %v, want ErrNoSession", err)
	}
}

func TestFsRequestsHonorAccessRules(t *testing.T) {
	a := newTestAgent(t)
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "secret"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		StateDir: t.TempDir(),
		FilesystemAccess: config.FilesystemAccess{
			Hidden:   []string{filepath.Join(dir, "secret/**")},
			ReadOnly: []string{filepath.Join(dir, "hello.txt")},
		},
	}
	connectedClient(t, a, cfg)

	a.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":11,"method":"fs/read_text_file","params":{"sessionId":"s1","path":"%s"}}`, filepath.Join(dir, "hello.txt")))
	resp := a.waitFrame("read response", func(m *acp.Message) bool { return idKey(m.ID) == "11" && m.Method == "" })
	if !strings.Contains(string(resp.Result), "hello") {
		t.Errorf("read result = %s", resp.Result)
	}

	a.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":12,"method":"fs/read_text_file","params":{"path":"%s"}}`, filepath.Join(dir, "secret/x.txt")))
	resp = a.waitFrame("hidden denial", func(m *acp.Message) bool { return idKey(m.ID) == "12" && m.Method == "" })
	if resp.Error == nil || resp.Error.Code != acp.CodeAccessDenied {
		t.Errorf("hidden read answered with %+v", resp)
	}

	a.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":13,"method":"fs/write_text_file","params":{"path":"%s","content":"data"}}`, filepath.Join(dir, "out.txt")))
	resp = a.waitFrame("write response", func(m *acp.Message) bool { return idKey(m.ID) == "13" && m.Method == "" })
	if resp.Error != nil {
		t.Fatalf("write rejected: %+v", resp.Error)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(data) != "data" {
		t.Errorf("written file = %q err = %v", data, err)
	}

	a.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":14,"method":"fs/write_text_file","params":{"path":"%s","content":"overwrite"}}`, filepath.Join(dir, "hello.txt")))
	resp = a.waitFrame("read-only denial", func(m *acp.Message) bool { return idKey(m.ID) == "14" && m.Method == "" })
	if resp.Error == nil || resp.Error.Code != acp.CodeAccessDenied {
		t.Errorf("read-only write answered with %+v", resp)
	}
}
