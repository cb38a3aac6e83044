// Package process launches helper server subprocesses with stdio pipes
// attached, supervises their termination, and cleans up orphans left
// behind by a crashed host.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ledgerpro/mcp-bridge/config"
	"github.com/ledgerpro/mcp-bridge/logger"
)

// Proc is a running helper server process. Its stdin and stdout carry the
// wire protocol; stderr is free-form diagnostics. A Proc is created by
// Launch and lives until the process exits or Terminate is called.
type Proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// waitDone is closed by the wait goroutine when cmd.Wait() completes.
	// Terminate selects on this channel instead of calling cmd.Wait()
	// itself, preventing undefined behavior from double Wait().
	waitDone chan struct{}
	waitErr  error // valid once waitDone is closed

	mu         sync.Mutex
	terminated bool
}

// Launch spawns the helper server described by cfg with stdin, stdout, and
// stderr pipes attached. The child inherits the parent environment with
// cfg.Env entries overlaid. On any failure the pipes opened so far are
// closed before returning.
func Launch(cfg config.Server) (*Proc, error) {
	log := logger.WithServer(cfg.Name)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Command, err)
	}

	log.Info("process started", "pid", cmd.Process.Pid, "command", cfg.Command)

	p := &Proc{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		waitDone: make(chan struct{}),
	}

	// Sole caller of cmd.Wait(). waitErr must be set before waitDone is
	// closed so readers observe it through the channel.
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	return p, nil
}

// Stdin returns the pipe connected to the process's standard input.
func (p *Proc) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the pipe connected to the process's standard output.
func (p *Proc) Stdout() io.ReadCloser { return p.stdout }

// Stderr returns the pipe connected to the process's standard error.
func (p *Proc) Stderr() io.ReadCloser { return p.stderr }

// Pid returns the operating system process id.
func (p *Proc) Pid() int { return p.cmd.Process.Pid }

// Done returns a channel that is closed when the process has exited.
func (p *Proc) Done() <-chan struct{} { return p.waitDone }

// Wait blocks until the process exits and returns its exit error, if any.
func (p *Proc) Wait() error {
	<-p.waitDone
	return p.waitErr
}

// Running reports whether the process has not yet exited.
func (p *Proc) Running() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// Terminate shuts the process down: it closes stdin so well-behaved
// servers exit on EOF, sends SIGTERM, and after the grace period kills
// the process. It blocks until the process has exited. Safe to call
// multiple times; concurrent calls all return once the process is gone.
func (p *Proc) Terminate(grace time.Duration) {
	p.mu.Lock()
	first := !p.terminated
	p.terminated = true
	p.mu.Unlock()

	if first {
		p.stdin.Close()

		select {
		case <-p.waitDone:
			return
		default:
		}

		p.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-p.waitDone:
		case <-time.After(grace):
			p.cmd.Process.Kill()
		}
	}

	<-p.waitDone
}
