// Package bridge supervises the fleet of MCP helper servers behind the
// application: one connection per configured server, connected concurrently,
// queried explicitly, and routed by server name. A failure on one server
// never cascades to the others; the fleet just reports degraded until the
// failed server is repaired.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerpro/mcp-bridge/config"
	"github.com/ledgerpro/mcp-bridge/logger"
	"github.com/ledgerpro/mcp-bridge/mcp"
)

// DefaultReadyPollInterval is how often WaitUntilReady re-checks a server
// when no interval is configured.
const DefaultReadyPollInterval = 500 * time.Millisecond

// Bridge owns one connection per helper server. The connection map is built
// in New and never mutated afterwards; all per-server state lives inside the
// individual connections.
type Bridge struct {
	conns map[string]*mcp.Conn
	names []string // declaration order, for stable snapshots
	log   *slog.Logger

	readyPollInterval time.Duration
}

// New builds a bridge for the given server fleet. Server names are the
// routing keys and must be unique and non-empty. The bridge starts with
// every connection Disconnected; nothing is launched until ConnectAll.
func New(servers []config.Server, opts ...Option) (*Bridge, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		conns:             make(map[string]*mcp.Conn, len(servers)),
		log:               logger.WithComponent("bridge"),
		readyPollInterval: o.readyPollInterval,
	}
	for _, server := range servers {
		if server.Name == "" {
			return nil, fmt.Errorf("server with empty name (command %q)", server.Command)
		}
		if _, dup := b.conns[server.Name]; dup {
			return nil, fmt.Errorf("duplicate server name %q", server.Name)
		}
		b.conns[server.Name] = mcp.NewConn(server, o.connOpts...)
		b.names = append(b.names, server.Name)
	}
	return b, nil
}

// Servers returns the configured server names in declaration order.
func (b *Bridge) Servers() []string {
	return slices.Clone(b.names)
}

// ConnectAll launches and initializes every server concurrently and blocks
// until each has either reached Ready or failed. Failures are independent:
// one server failing never stops the others from connecting. The returned
// status is the fleet aggregate afterwards.
func (b *Bridge) ConnectAll(ctx context.Context) FleetStatus {
	b.log.Info("connecting fleet", "servers", len(b.conns))

	var wg sync.WaitGroup
	for name, conn := range b.conns {
		name, conn := name, conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Connect(ctx); err != nil {
				b.log.Error("server failed to connect", "server", name, "error", err)
			}
		}()
	}
	wg.Wait()

	status := b.Status()
	b.log.Info("fleet connect finished", "status", status)
	return status
}

// CallTool routes one tool invocation to the named server. Routing is by
// exact server name; a tool hosted on another server is never tried as a
// fallback. The named connection must be Ready.
func (b *Bridge) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error) {
	conn, ok := b.conns[server]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", server)
	}
	return conn.CallTool(ctx, tool, args)
}

// Tools aggregates the tool catalog of every Ready server, keyed by server
// name. Servers that are not Ready are skipped so a degraded fleet still
// reports what it can serve.
func (b *Bridge) Tools(ctx context.Context) (map[string][]mcp.Tool, error) {
	var mu sync.Mutex
	catalog := make(map[string][]mcp.Tool)

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range b.names {
		name := name
		conn := b.conns[name]
		if conn.State() != mcp.StateReady {
			continue
		}
		g.Go(func() error {
			tools, err := conn.ListTools(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			mu.Lock()
			catalog[name] = tools
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// WaitUntilReady polls the named server until it reports Ready, checking up
// to maxAttempts times at the poll interval. Readiness has no push
// notification; callers that need to block use this.
func (b *Bridge) WaitUntilReady(ctx context.Context, server string, maxAttempts int) error {
	conn, ok := b.conns[server]
	if !ok {
		return fmt.Errorf("unknown server %q", server)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		state := conn.State()
		if state == mcp.StateReady {
			return nil
		}
		if attempt >= maxAttempts {
			return &mcp.NotReadyError{Server: server, State: state}
		}
		select {
		case <-time.After(b.readyPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears down every connection concurrently: helpers terminated,
// pending calls drained. Afterwards the fleet reports offline. Safe to call
// more than once.
func (b *Bridge) Close() {
	b.log.Info("closing fleet", "servers", len(b.conns))

	var wg sync.WaitGroup
	for _, conn := range b.conns {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Close()
		}()
	}
	wg.Wait()

	b.log.Info("fleet closed")
}
