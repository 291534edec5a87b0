package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	// Add optional identifiers
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}
	if event.Serial != "" {
		attrs = append(attrs, slog.String("serial", event.Serial))
	}

	// Add type-specific attributes
	switch {
	case event.Datagram != nil:
		attrs = append(attrs,
			slog.Int("size", event.Datagram.Size),
			slog.Uint64("pkt_type", uint64(event.Datagram.Type)),
			slog.Uint64("source", uint64(event.Datagram.Source)),
			slog.Uint64("sequence", uint64(event.Datagram.Sequence)),
			slog.Bool("truncated", event.Datagram.Truncated),
		)
	case event.Request != nil:
		attrs = append(attrs,
			slog.Uint64("pkt_type", uint64(event.Request.Type)),
			slog.Uint64("sequence", uint64(event.Request.Sequence)),
			slog.Int("attempt", event.Request.Attempt),
			slog.Int("max_attempts", event.Request.MaxAttempts),
			slog.Duration("timeout", event.Request.Timeout),
		)
		if event.Request.Backoff > 0 {
			attrs = append(attrs, slog.Duration("backoff", event.Request.Backoff))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
