package mcp

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ledgerpro/mcp-bridge/config"
)

func testServer(name string) config.Server {
	return config.Server{
		Name:    name,
		Command: "python3",
		Args:    []string{name + "_server.py"},
	}
}

// newTestConn builds a connection against fake with test-friendly timeouts.
// Callers can append options to override the defaults.
func newTestConn(t *testing.T, fake *FakeServer, opts ...ConnOption) *Conn {
	t.Helper()

	base := []ConnOption{
		WithLauncher(fake.Launch),
		WithHandshakeTimeout(2 * time.Second),
		WithProbe(3, 10*time.Millisecond),
		WithTerminationGrace(50 * time.Millisecond),
	}
	conn := NewConn(testServer(fake.Name), append(base, opts...)...)
	t.Cleanup(conn.Close)
	return conn
}

func mustConnect(t *testing.T, conn *Conn) {
	t.Helper()
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func countMethod(f *FakeServer, method string) int {
	n := 0
	for _, m := range f.Requests() {
		if m == method {
			n++
		}
	}
	return n
}

func TestConnect_HandshakeOrdering(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.Tools = []Tool{{Name: "process_bank_pdf"}, {Name: "detect_bank"}}
	conn := newTestConn(t, fake)

	mustConnect(t, conn)

	// Nothing may reach the server before initialize has been answered and
	// notifications/initialized sent.
	want := []string{"initialize", "notifications/initialized", "tools/list"}
	got := fake.Requests()
	if len(got) < len(want) || !slices.Equal(got[:len(want)], want) {
		t.Errorf("request order = %v, want prefix %v", got, want)
	}

	if state := conn.State(); state != StateReady {
		t.Errorf("State() = %v, want %v", state, StateReady)
	}
	if pid := conn.Pid(); pid != fakePidBase {
		t.Errorf("Pid() = %d, want %d", pid, fakePidBase)
	}
	tools := conn.Tools()
	if len(tools) != 2 || tools[0].Name != "process_bank_pdf" {
		t.Errorf("Tools() = %+v, want the probed catalog", tools)
	}
}

func TestConnect_LaunchFailure(t *testing.T) {
	launch := func(cfg config.Server) (Process, error) {
		return nil, errors.New("fork/exec python3: no such file or directory")
	}
	conn := NewConn(testServer("pdf-processor"), WithLauncher(launch))
	t.Cleanup(conn.Close)

	err := conn.Connect(context.Background())

	var lerr *LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("Connect() error = %v, want *LaunchError", err)
	}
	if lerr.Server != "pdf-processor" {
		t.Errorf("LaunchError.Server = %q, want %q", lerr.Server, "pdf-processor")
	}
	if state := conn.State(); state != StateFailed {
		t.Errorf("State() = %v, want %v", state, StateFailed)
	}
	if conn.Err() == nil {
		t.Error("Err() = nil, want the recorded failure")
	}
}

func TestConnect_HandshakeRejected(t *testing.T) {
	fake := NewFakeServer("financial-analyzer")
	fake.RejectInitialize = &RPCError{Code: -32600, Message: "unsupported protocol version"}
	conn := newTestConn(t, fake)

	err := conn.Connect(context.Background())

	var herr *HandshakeRejectedError
	if !errors.As(err, &herr) {
		t.Fatalf("Connect() error = %v, want *HandshakeRejectedError", err)
	}
	if herr.Code != -32600 {
		t.Errorf("HandshakeRejectedError.Code = %d, want -32600", herr.Code)
	}
	if state := conn.State(); state != StateFailed {
		t.Errorf("State() = %v, want %v", state, StateFailed)
	}
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.SilentInitialize = true
	conn := newTestConn(t, fake, WithHandshakeTimeout(100*time.Millisecond))

	err := conn.Connect(context.Background())

	var terr *HandshakeTimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("Connect() error = %v, want *HandshakeTimeoutError", err)
	}
	if terr.Timeout != 100*time.Millisecond {
		t.Errorf("HandshakeTimeoutError.Timeout = %v, want 100ms", terr.Timeout)
	}
}

func TestConnect_WhileConnectedFails(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("second Connect() = nil, want error")
	}
	if !strings.Contains(err.Error(), "connection is ready") {
		t.Errorf("second Connect() error = %q, want it to name the current state", err)
	}
}

func TestCall_NotReady(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)

	_, err := conn.CallTool(context.Background(), "echo", nil)

	var nrErr *NotReadyError
	if !errors.As(err, &nrErr) {
		t.Fatalf("CallTool() before Connect = %v, want *NotReadyError", err)
	}
	if nrErr.State != StateDisconnected {
		t.Errorf("NotReadyError.State = %v, want %v", nrErr.State, StateDisconnected)
	}
}

func TestCall_NotReadyAfterFailure(t *testing.T) {
	launch := func(cfg config.Server) (Process, error) {
		return nil, errors.New("fork/exec python3: no such file or directory")
	}
	conn := NewConn(testServer("pdf-processor"), WithLauncher(launch))
	t.Cleanup(conn.Close)
	if err := conn.Connect(context.Background()); err == nil {
		t.Fatal("Connect() = nil, want launch failure")
	}

	_, err := conn.CallTool(context.Background(), "echo", nil)

	var nrErr *NotReadyError
	if !errors.As(err, &nrErr) {
		t.Fatalf("CallTool() after failure = %v, want *NotReadyError", err)
	}
	if nrErr.State != StateFailed {
		t.Errorf("NotReadyError.State = %v, want %v", nrErr.State, StateFailed)
	}
}

func TestConnect_ProbeRetriesUntilSuccess(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.ListFailures = 2
	conn := newTestConn(t, fake)

	mustConnect(t, conn)

	if got := countMethod(fake, "tools/list"); got != 3 {
		t.Errorf("tools/list attempts = %d, want 3", got)
	}
	if state := conn.State(); state != StateReady {
		t.Errorf("State() = %v, want %v", state, StateReady)
	}
}

func TestConnect_ProbeBudgetExhausted(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.ListFailures = 10
	conn := newTestConn(t, fake)

	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() = nil, want probe failure")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Connect() error = %q, want it to report the attempt budget", err)
	}
	if got := countMethod(fake, "tools/list"); got != 3 {
		t.Errorf("tools/list attempts = %d, want exactly 3", got)
	}
	if state := conn.State(); state != StateFailed {
		t.Errorf("State() = %v, want %v", state, StateFailed)
	}
}

func TestCallTool_RoundTrip(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.Tools = []Tool{{Name: "process_bank_pdf"}}
	fake.Results = map[string]*ToolResult{
		"process_bank_pdf": {Content: []ContentItem{{Type: "text", Text: "47 transactions extracted"}}},
	}
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	res, err := conn.CallTool(context.Background(), "process_bank_pdf", map[string]any{"file_path": "/tmp/statement.pdf"})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if got, want := res.Text(), "47 transactions extracted"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
	if res.IsError {
		t.Error("IsError = true, want false")
	}
}

func TestCallTool_ToolError(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.Tools = []Tool{{Name: "process_bank_pdf"}}
	fake.Results = map[string]*ToolResult{
		"process_bank_pdf": {
			Content: []ContentItem{{Type: "text", Text: "PDF is password protected"}},
			IsError: true,
		},
	}
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	// A tool-level failure is a result, not a transport error.
	res, err := conn.CallTool(context.Background(), "process_bank_pdf", nil)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
}

func TestCallTool_UnknownTool(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	_, err := conn.CallTool(context.Background(), "categorize_transactions", nil)

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("CallTool() error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("RPCError.Code = %d, want -32602", rpcErr.Code)
	}
	if state := conn.State(); state != StateReady {
		t.Errorf("State() = %v after rpc error, want %v", state, StateReady)
	}
}

func TestCall_ReorderedResponses(t *testing.T) {
	fake := NewFakeServer("financial-analyzer")
	fake.ReorderWindow = 3
	fake.Tools = []Tool{{Name: "detect_bank"}, {Name: "extract_pdf_text"}, {Name: "process_csv_file"}}
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	// The fake answers the three calls in reverse arrival order; each caller
	// must still receive its own result.
	var wg sync.WaitGroup
	for _, name := range []string{"detect_bank", "extract_pdf_text", "process_csv_file"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := conn.CallTool(context.Background(), name, nil)
			if err != nil {
				t.Errorf("CallTool(%s) error: %v", name, err)
				return
			}
			if got, want := res.Text(), name+" ok"; got != want {
				t.Errorf("CallTool(%s) = %q, want %q", name, got, want)
			}
		}(name)
	}
	wg.Wait()
}

func TestConn_RequestTimeout(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.Tools = []Tool{{Name: "slow_ocr"}, {Name: "echo"}}
	fake.Swallow = map[string]bool{"slow_ocr": true}
	conn := newTestConn(t, fake, WithCallTimeout(50*time.Millisecond))
	mustConnect(t, conn)

	_, err := conn.CallTool(context.Background(), "slow_ocr", nil)

	var toErr *RequestTimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("CallTool() error = %v, want *RequestTimeoutError", err)
	}
	if toErr.Method != "tools/call" {
		t.Errorf("RequestTimeoutError.Method = %q, want %q", toErr.Method, "tools/call")
	}

	// One slow call must not poison the session.
	if state := conn.State(); state != StateReady {
		t.Fatalf("State() = %v after timeout, want %v", state, StateReady)
	}
	res, err := conn.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool(echo) after timeout: %v", err)
	}
	if got, want := res.Text(), "echo ok"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestConn_LateResponseAfterTimeout(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.Tools = []Tool{{Name: "slow_ocr"}, {Name: "echo"}}
	fake.Swallow = map[string]bool{"slow_ocr": true}
	conn := newTestConn(t, fake, WithCallTimeout(50*time.Millisecond))
	mustConnect(t, conn)

	_, err := conn.CallTool(context.Background(), "slow_ocr", nil)
	var toErr *RequestTimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("CallTool() error = %v, want *RequestTimeoutError", err)
	}

	// The server finally answers the expired request (id 3 follows initialize
	// and the readiness probe). The frame must be dropped, not delivered to
	// the next caller.
	if err := fake.Push(`{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"late ocr text"}]}}`); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	res, err := conn.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool(echo) error: %v", err)
	}
	if got, want := res.Text(), "echo ok"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestConn_ServerCrashDuringCall(t *testing.T) {
	fake := NewFakeServer("financial-analyzer")
	fake.Tools = []Tool{{Name: "analyze_statement"}}
	fake.Swallow = map[string]bool{"analyze_statement": true}
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.CallTool(context.Background(), "analyze_statement", nil)
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool { return countMethod(fake, "tools/call") == 1 }, "call never reached the server")

	fake.Kill()

	select {
	case err := <-errCh:
		var tcErr *TransportClosedError
		if !errors.As(err, &tcErr) {
			t.Errorf("in-flight call error = %v, want *TransportClosedError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call not unblocked by crash")
	}

	waitFor(t, time.Second, func() bool { return conn.State() == StateFailed }, "crash did not mark the connection failed")
	if conn.Err() == nil {
		t.Error("Err() = nil, want the crash recorded")
	}
}

func TestConn_CrashMarksFailed(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	fake.Kill()
	waitFor(t, time.Second, func() bool { return conn.State() == StateFailed }, "crash not detected")

	_, err := conn.CallTool(context.Background(), "echo", nil)
	var nrErr *NotReadyError
	if !errors.As(err, &nrErr) {
		t.Fatalf("CallTool() after crash = %v, want *NotReadyError", err)
	}
	if nrErr.State != StateFailed {
		t.Errorf("NotReadyError.State = %v, want %v", nrErr.State, StateFailed)
	}
}

func TestConn_ServerInitiatedRequestRejected(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	if err := fake.Push(`{"jsonrpc":"2.0","id":777,"method":"sampling/createMessage","params":{}}`); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(fake.Replies()) == 1 }, "client never answered the server request")
	reply := fake.Replies()[0]
	if reply.ID != 777 {
		t.Errorf("reply id = %d, want 777", reply.ID)
	}
	if reply.Error == nil || reply.Error.Code != -32601 {
		t.Errorf("reply error = %+v, want code -32601", reply.Error)
	}
	if state := conn.State(); state != StateReady {
		t.Errorf("State() = %v, want %v", state, StateReady)
	}
}

func TestConn_ServerNotificationIgnored(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	if err := fake.Push(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":42}}`); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	res, err := conn.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool() after notification: %v", err)
	}
	if got, want := res.Text(), "echo ok"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestConn_MalformedFrameTolerated(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	if err := fake.Push(`this is not json`); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	res, err := conn.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool() after malformed frame: %v", err)
	}
	if got, want := res.Text(), "echo ok"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
	if state := conn.State(); state != StateReady {
		t.Errorf("State() = %v, want %v", state, StateReady)
	}
}

func TestConn_StateCallback(t *testing.T) {
	type hop struct{ from, to State }

	var mu sync.Mutex
	var hops []hop
	cb := func(server string, from, to State) {
		if server != "pdf-processor" {
			t.Errorf("callback server = %q, want %q", server, "pdf-processor")
		}
		mu.Lock()
		hops = append(hops, hop{from, to})
		mu.Unlock()
	}

	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake, WithStateCallback(cb))
	mustConnect(t, conn)
	conn.Close()

	want := []hop{
		{StateDisconnected, StateLaunching},
		{StateLaunching, StateHandshaking},
		{StateHandshaking, StateInitialized},
		{StateInitialized, StateProbing},
		{StateProbing, StateReady},
		{StateReady, StateDisconnected},
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(hops, want) {
		t.Errorf("transitions = %v, want %v", hops, want)
	}
}

func TestClose_Idempotent(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	conn.Close()
	if state := conn.State(); state != StateDisconnected {
		t.Fatalf("State() = %v after Close, want %v", state, StateDisconnected)
	}
	conn.Close()
	if state := conn.State(); state != StateDisconnected {
		t.Errorf("State() = %v after second Close, want %v", state, StateDisconnected)
	}

	// Closing a connection that never connected is a no-op.
	NewConn(testServer("financial-analyzer"), WithLauncher(fake.Launch)).Close()
}

func TestConn_Reconnect(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	conn := newTestConn(t, fake)

	mustConnect(t, conn)
	conn.Close()
	mustConnect(t, conn)

	if state := conn.State(); state != StateReady {
		t.Fatalf("State() = %v after reconnect, want %v", state, StateReady)
	}
	if got := countMethod(fake, "initialize"); got != 2 {
		t.Errorf("initialize count = %d, want 2 (one per session)", got)
	}
	res, err := conn.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool() on second session: %v", err)
	}
	if got, want := res.Text(), "echo ok"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestClose_UnblocksPendingCall(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.Tools = []Tool{{Name: "slow_ocr"}}
	fake.Swallow = map[string]bool{"slow_ocr": true}
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.CallTool(context.Background(), "slow_ocr", nil)
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool { return countMethod(fake, "tools/call") == 1 }, "call never reached the server")

	conn.Close()

	select {
	case err := <-errCh:
		var tcErr *TransportClosedError
		if !errors.As(err, &tcErr) {
			t.Errorf("pending call error = %v, want *TransportClosedError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not unblock the pending call")
	}
}

func TestCall_ContextDeadline(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.Tools = []Tool{{Name: "slow_ocr"}}
	fake.Swallow = map[string]bool{"slow_ocr": true}
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := conn.CallTool(ctx, "slow_ocr", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CallTool() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestListTools_RefreshesCatalog(t *testing.T) {
	fake := NewFakeServer("pdf-processor")
	fake.Tools = []Tool{{Name: "process_bank_pdf"}, {Name: "detect_bank"}}
	conn := newTestConn(t, fake)
	mustConnect(t, conn)

	tools, err := conn.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("ListTools() returned %d tools, want 2", len(tools))
	}
	if cached := conn.Tools(); len(cached) != 2 {
		t.Errorf("Tools() cache has %d entries, want 2", len(cached))
	}
}
