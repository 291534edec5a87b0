// Package log provides structured protocol logging for Lumen.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, connection,
// discovery). It is separate from operational logging (slog) - protocol
// capture provides a complete machine-readable event trace for debugging
// and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	conn.SetLogger(log.NewSlogAdapter(slog.Default()))
//
//	// For production: write to binary file
//	fl, _ := log.NewFileLogger("/var/log/lumen/client.llog")
//	conn.SetLogger(fl)
//
//	// Both: use MultiLogger
//	conn.SetLogger(log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fl,
//	))
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: raw datagrams (DatagramEvent)
//   - Connection: request attempts and retries (RequestEvent),
//     lifecycle changes (StateChangeEvent)
//   - Discovery: scan lifecycle and replies
//
// Errors at any layer use a dedicated event type.
//
// # File Format
//
// Log files use CBOR encoding with .llog extension. The lumen-log CLI
// tool provides viewing and filtering.
package log
