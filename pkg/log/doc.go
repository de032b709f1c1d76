// Package log provides structured protocol capture for the LAN stack.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at the router, wire and session layers. It is
// separate from operational logging (slog): protocol capture provides a
// complete machine-readable trace of every device exchange.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For field debugging: write to a capture file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/tmp/lan.llog")
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
//   - Router: raw HTTP requests and responses (HTTPEvent)
//   - Wire: decoded LAN messages (MessageEvent)
//   - Session: state changes (StateChangeEvent) and control traffic
//     such as keepalive ticks and registrations (ControlMsgEvent)
//
// Errors at any layer use ErrorEventData.
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events (.llog). The lan-log
// tool views, filters, exports and summarises them.
package log
