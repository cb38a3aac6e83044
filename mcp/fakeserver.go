package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/ledgerpro/mcp-bridge/config"
	"github.com/ledgerpro/mcp-bridge/logger"
)

const fakePidBase = 90000

// FakeServer is a scripted in-process MCP server. It speaks the real wire
// protocol over io.Pipe pairs, so connections behave exactly as they do
// against the Python helpers without any subprocess. Tests wire one in with
// WithLauncher(fake.Launch).
//
// Configure the exported fields before the first Launch; they must not be
// changed afterwards.
type FakeServer struct {
	Name    string
	Version string
	// Tools is the catalog served by tools/list.
	Tools []Tool
	// Results maps tool names to canned tools/call results. Tools in the
	// catalog without an entry echo their own name.
	Results map[string]*ToolResult
	// Swallow lists tool names whose calls are read but never answered.
	Swallow map[string]bool
	// ListFailures makes that many leading tools/list requests fail with an
	// internal error before the catalog is served.
	ListFailures int
	// RejectInitialize answers initialize with this error.
	RejectInitialize *RPCError
	// SilentInitialize drops initialize requests without answering.
	SilentInitialize bool
	// ReorderWindow buffers that many tools/call requests and answers them
	// in reverse arrival order.
	ReorderWindow int

	mu       sync.Mutex
	requests []string
	replies  []FakeReply
	procs    []*pipeProc
}

// FakeReply is a response frame the client wrote back to a server-initiated
// request.
type FakeReply struct {
	ID    int64
	Error *RPCError
}

// NewFakeServer returns a fake named name with a single echo tool.
func NewFakeServer(name string) *FakeServer {
	return &FakeServer{
		Name:    name,
		Version: "1.0.0",
		Tools:   []Tool{{Name: "echo", Description: "echo the call"}},
	}
}

// Launch satisfies LaunchFunc. Each call opens a fresh session backed by a
// new pipe set and serving goroutine.
func (f *FakeServer) Launch(cfg config.Server) (Process, error) {
	f.mu.Lock()
	p := newPipeProc(fakePidBase + len(f.procs))
	f.procs = append(f.procs, p)
	f.mu.Unlock()

	go f.serve(p)
	return p, nil
}

// Kill abruptly severs every live session, as if the helper had crashed.
func (f *FakeServer) Kill() {
	f.mu.Lock()
	procs := slices.Clone(f.procs)
	f.mu.Unlock()

	for _, p := range procs {
		p.kill()
	}
}

// Push injects a raw frame into the newest session's stdout, as if the
// server had written it unprompted.
func (f *FakeServer) Push(raw string) error {
	f.mu.Lock()
	var p *pipeProc
	if n := len(f.procs); n > 0 {
		p = f.procs[n-1]
	}
	f.mu.Unlock()

	if p == nil {
		return fmt.Errorf("fake server %s has no session", f.Name)
	}
	_, err := fmt.Fprintf(p.stdoutW, "%s\n", raw)
	return err
}

// Requests returns the method names received so far, in arrival order.
func (f *FakeServer) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// Replies returns the responses the client wrote back to server-initiated
// requests.
func (f *FakeServer) Replies() []FakeReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.replies)
}

func (f *FakeServer) serve(p *pipeProc) {
	log := logger.WithServer(f.Name).With("component", "fakeserver")

	// The real helpers print a startup banner to stderr.
	fmt.Fprintf(p.stderrW, "%s helper listening on stdio\n", f.Name)

	scanner := bufio.NewScanner(p.stdinR)
	scanner.Buffer(make([]byte, readBufferInitial), readBufferMax)

	var held []message // reorder buffer for tools/call

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}

		if msg.Method == "" {
			f.recordReply(msg)
			continue
		}
		f.recordRequest(msg.Method)

		switch msg.Method {
		case methodInitialize:
			f.handleInitialize(p, msg)
		case methodInitialized:
			// notification, nothing to answer
		case methodToolsList:
			f.handleToolsList(p, msg)
		case methodToolsCall:
			held = f.handleToolsCall(p, msg, held)
		default:
			f.respondError(p, msg.ID, -32601, "Method not found")
		}
	}
	log.Debug("session ended")
}

func (f *FakeServer) handleInitialize(p *pipeProc, msg message) {
	if f.SilentInitialize {
		return
	}
	if f.RejectInitialize != nil {
		f.respondError(p, msg.ID, f.RejectInitialize.Code, f.RejectInitialize.Message)
		return
	}
	f.respondResult(p, msg.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capability{Tools: &ToolCapability{}},
		ServerInfo:      ServerInfo{Name: f.Name, Version: f.Version},
	})
}

func (f *FakeServer) handleToolsList(p *pipeProc, msg message) {
	f.mu.Lock()
	fail := f.ListFailures > 0
	if fail {
		f.ListFailures--
	}
	f.mu.Unlock()

	if fail {
		f.respondError(p, msg.ID, -32603, "Internal error")
		return
	}
	f.respondResult(p, msg.ID, ToolsListResult{Tools: f.Tools})
}

func (f *FakeServer) handleToolsCall(p *pipeProc, msg message, held []message) []message {
	if f.ReorderWindow > 1 {
		held = append(held, msg)
		if len(held) < f.ReorderWindow {
			return held
		}
		for i := len(held) - 1; i >= 0; i-- {
			f.answerToolCall(p, held[i])
		}
		return held[:0]
	}
	f.answerToolCall(p, msg)
	return held
}

func (f *FakeServer) answerToolCall(p *pipeProc, msg message) {
	var params ToolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		f.respondError(p, msg.ID, -32602, "Invalid params")
		return
	}

	if f.Swallow[params.Name] {
		return
	}
	if result, ok := f.Results[params.Name]; ok {
		f.respondResult(p, msg.ID, result)
		return
	}
	for _, tool := range f.Tools {
		if tool.Name == params.Name {
			f.respondResult(p, msg.ID, &ToolResult{
				Content: []ContentItem{{Type: "text", Text: params.Name + " ok"}},
			})
			return
		}
	}
	f.respondError(p, msg.ID, -32602, "Unknown tool")
}

func (f *FakeServer) respondResult(p *pipeProc, id *int64, result any) {
	if id == nil {
		return
	}
	f.writeFrame(p, response{JSONRPC: "2.0", ID: id, Result: result})
}

func (f *FakeServer) respondError(p *pipeProc, id *int64, code int, message string) {
	if id == nil {
		return
	}
	f.writeFrame(p, response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (f *FakeServer) writeFrame(p *pipeProc, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	// One Write per frame; io.Pipe keeps concurrent writes whole.
	fmt.Fprintf(p.stdoutW, "%s\n", data)
}

func (f *FakeServer) recordRequest(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, method)
}

func (f *FakeServer) recordReply(msg message) {
	if msg.ID == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, FakeReply{ID: *msg.ID, Error: msg.Error})
}

// pipeProc satisfies Process with in-memory pipes.
type pipeProc struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	killOnce sync.Once
}

func newPipeProc(pid int) *pipeProc {
	p := &pipeProc{pid: pid}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *pipeProc) Stdin() io.WriteCloser { return p.stdinW }

func (p *pipeProc) Stdout() io.ReadCloser { return p.stdoutR }

func (p *pipeProc) Stderr() io.ReadCloser { return p.stderrR }

func (p *pipeProc) Pid() int { return p.pid }

func (p *pipeProc) Terminate(grace time.Duration) { p.kill() }

func (p *pipeProc) kill() {
	p.killOnce.Do(func() {
		p.stdinW.Close()
		p.stdinR.Close()
		p.stdoutW.Close()
		p.stdoutR.Close()
		p.stderrW.Close()
		p.stderrR.Close()
	})
}
