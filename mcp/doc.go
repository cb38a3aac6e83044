// Package mcp implements the client side of the Model Context Protocol (MCP)
// for LedgerPro's helper servers.
//
// # Overview
//
// LedgerPro ships its heavy lifting as separate helper processes: a PDF
// processor that extracts bank statements, a financial analyzer, and an AI
// enrichment service. Each helper is an MCP server speaking JSON-RPC 2.0 over
// stdio, one JSON document per line. This package launches a helper, performs
// the protocol handshake, and multiplexes concurrent tool calls over the
// resulting connection.
//
// # Connection Lifecycle
//
// A Conn moves through a fixed sequence of states:
//
//	Disconnected
//	    ↓ Connect: spawn the helper process
//	Launching
//	    ↓ pipes up, initialize request sent
//	Handshaking
//	    ↓ initialize response received
//	Initialized
//	    ↓ notifications/initialized sent
//	Probing
//	    ↓ tools/list answered (bounded retry)
//	Ready ← tool calls are accepted here only
//
// Any failure moves the connection to Failed with a recorded reason; Close
// tears the process down and returns to Disconnected. Handshake ordering is
// strict: nothing but the initialize request is written before the
// notifications/initialized notification has gone out.
//
// # Components
//
// Conn: the protocol session. Owns the subprocess, drives the state machine,
// and exposes Call, CallTool, and ListTools.
//
// transport: newline-delimited JSON framing over the subprocess pipes. One
// read-loop goroutine per connection; malformed frames are logged and
// dropped; writes are serialized so concurrent senders never interleave.
//
// correlator: matches responses to in-flight requests by id. Ids are
// monotonically increasing int64s, never reused within a connection, and
// resolution is idempotent so a late response racing a timeout cannot
// double-deliver.
//
// FakeServer: a scripted in-process MCP server over io.Pipe, used by tests
// and by applications that want to exercise bridge wiring without spawning
// the Python helpers.
//
// # Timeouts
//
// Every blocking operation is bounded:
//   - DefaultHandshakeTimeout: 10 seconds for the initialize round trip and
//     each readiness probe attempt
//   - DefaultCallTimeout: 60 seconds per tool call (PDF extraction is slow)
//   - readiness probing: 3 attempts, 2 seconds apart
//
// A caller's context cancels earlier when it ends first.
package mcp
