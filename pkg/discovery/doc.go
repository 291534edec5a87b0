// Package discovery finds devices on the local network.
//
// A scan is one-shot and streaming: it broadcasts a single tagged
// GetService request, then collects StateService replies until either
// of two clocks fires — an overall timeout capping the whole scan, or
// an idle timeout that resets on every valid reply. Devices are
// emitted on a channel as they are first seen, deduplicated by serial.
//
// Each scan is a fresh session with its own random source id; replies
// carrying any other source are discarded, so concurrent scans do not
// observe each other's traffic. Replies claiming the broadcast serial
// are rejected as spoofed. Malformed replies are logged and skipped,
// never fatal to the scan.
//
// Scans are not restartable. Cancel the context to abandon a scan
// early; the transport is released by the scan's own cleanup.
package discovery
