package bridge

import (
	"fmt"

	"github.com/ledgerpro/mcp-bridge/mcp"
)

// FleetStatus is the aggregate health of the fleet, derived on demand from
// the individual connection states.
type FleetStatus int

const (
	// FleetOffline means no server is Ready (including the empty fleet).
	FleetOffline FleetStatus = iota
	// FleetDegraded means some servers are Ready and some are not.
	FleetDegraded
	// FleetReady means every server is Ready.
	FleetReady
)

func (s FleetStatus) String() string {
	switch s {
	case FleetOffline:
		return "offline"
	case FleetDegraded:
		return "degraded"
	case FleetReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ServerStatus is a point-in-time view of one connection.
type ServerStatus struct {
	Name  string
	State mcp.State
	Pid   int   // 0 when no helper is running
	Tools int   // size of the cached tool catalog
	Err   error // failure reason when State is Failed
}

// Status derives the fleet aggregate: ready when every server is Ready,
// offline when none is, degraded in between.
func (b *Bridge) Status() FleetStatus {
	ready := 0
	for _, conn := range b.conns {
		if conn.State() == mcp.StateReady {
			ready++
		}
	}
	switch {
	case ready == 0:
		return FleetOffline
	case ready < len(b.conns):
		return FleetDegraded
	default:
		return FleetReady
	}
}

// ServerStatus reports on one named server.
func (b *Bridge) ServerStatus(name string) (ServerStatus, error) {
	conn, ok := b.conns[name]
	if !ok {
		return ServerStatus{}, fmt.Errorf("unknown server %q", name)
	}
	return snapshotConn(conn), nil
}

// Snapshot reports on every server in declaration order.
func (b *Bridge) Snapshot() []ServerStatus {
	statuses := make([]ServerStatus, 0, len(b.names))
	for _, name := range b.names {
		statuses = append(statuses, snapshotConn(b.conns[name]))
	}
	return statuses
}

func snapshotConn(conn *mcp.Conn) ServerStatus {
	return ServerStatus{
		Name:  conn.Name(),
		State: conn.State(),
		Pid:   conn.Pid(),
		Tools: len(conn.Tools()),
		Err:   conn.Err(),
	}
}
