package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Scanner sizing for the stdout read loop. A large PDF extraction comes back
// as a single frame, so the ceiling is generous.
const (
	readBufferInitial = 64 * 1024
	readBufferMax     = 10 * 1024 * 1024
)

// Process is the subprocess surface the transport drives. *process.Proc
// implements it; tests substitute in-memory pipes.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Pid() int
	Terminate(grace time.Duration)
}

// transport frames newline-delimited JSON over a helper process's stdio.
// Inbound frames are decoded on a single read-loop goroutine and handed to
// onMessage; malformed lines are logged and dropped. Writes are serialized
// under a mutex so concurrent senders never interleave frames.
type transport struct {
	proc Process
	log  *slog.Logger

	// onMessage runs on the read-loop goroutine. onClosed is invoked exactly
	// once, from the read loop, when the stream ends; a nil error means EOF.
	onMessage func(*message)
	onClosed  func(error)

	writeMu sync.Mutex

	readDone   chan struct{}
	stderrDone chan struct{}
}

func newTransport(proc Process, log *slog.Logger, onMessage func(*message), onClosed func(error)) *transport {
	return &transport{
		proc:       proc,
		log:        log.With("component", "transport"),
		onMessage:  onMessage,
		onClosed:   onClosed,
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
}

// start spawns the read loop and the stderr drain.
func (t *transport) start() {
	go t.readLoop()
	go t.drainStderr()
}

func (t *transport) readLoop() {
	defer close(t.readDone)

	scanner := bufio.NewScanner(t.proc.Stdout())
	scanner.Buffer(make([]byte, readBufferInitial), readBufferMax)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.log.Warn("dropping malformed frame", "error", err, "bytes", len(line))
			continue
		}

		t.log.Debug("frame received", "bytes", len(line))
		t.onMessage(&msg)
	}

	err := scanner.Err()
	if err != nil {
		t.log.Warn("read loop ended", "error", err)
	} else {
		t.log.Debug("read loop ended on eof")
	}
	t.onClosed(err)
}

func (t *transport) drainStderr() {
	defer close(t.stderrDone)

	scanner := bufio.NewScanner(t.proc.Stderr())
	scanner.Buffer(make([]byte, readBufferInitial), readBufferMax)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.log.Debug("stderr", "line", line)
	}
}

// send writes one frame followed by a newline. frame must be a complete
// JSON document.
func (t *transport) send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := fmt.Fprintf(t.proc.Stdin(), "%s\n", frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	t.log.Debug("frame sent", "bytes", len(frame))
	return nil
}

// close terminates the process and waits for both loops to finish. Safe to
// call more than once; must not be called from the read loop itself.
func (t *transport) close(grace time.Duration) {
	t.proc.Terminate(grace)
	<-t.readDone
	<-t.stderrDone
}
