// Package commands implements the lumen-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lumen-protocol/lumen-go/pkg/log"
	"github.com/lumen-protocol/lumen-go/pkg/packet"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	Serial    string
}

// typeNames maps message type ids to display names.
var typeNames = map[uint16]string{
	packet.TypeGetService:      "GetService",
	packet.TypeStateService:    "StateService",
	packet.TypeGetPower:        "GetPower",
	packet.TypeSetPower:        "SetPower",
	packet.TypeStatePower:      "StatePower",
	packet.TypeGetLabel:        "GetLabel",
	packet.TypeSetLabel:        "SetLabel",
	packet.TypeStateLabel:      "StateLabel",
	packet.TypeAcknowledgement: "Acknowledgement",
	packet.TypeEchoRequest:     "EchoRequest",
	packet.TypeEchoResponse:    "EchoResponse",
	packet.TypeStateUnhandled:  "StateUnhandled",
	packet.TypeGetColor:        "GetColor",
	packet.TypeSetColor:        "SetColor",
	packet.TypeLightState:      "LightState",
}

// typeName returns the display name for a message type id.
func typeName(id uint16) string {
	if name, ok := typeNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", id)
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := shortenConnID(event.ConnectionID)
	dir := event.Direction.String()

	var typeLabel string
	switch {
	case event.Datagram != nil:
		typeLabel = "Datagram"
		if event.Datagram.Type != 0 {
			typeLabel = typeName(event.Datagram.Type)
		}
	case event.StateChange != nil:
		typeLabel = "State"
	case event.Request != nil:
		typeLabel = typeName(event.Request.Type)
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n", ts, connID, dir, event.Layer.String(), typeLabel)

	if event.Serial != "" {
		fmt.Fprintf(w, "  Serial: %s\n", event.Serial)
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Remote: %s\n", event.RemoteAddr)
	}

	switch {
	case event.Datagram != nil:
		formatDatagramDetails(w, event.Datagram)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Request != nil:
		formatRequestDetails(w, event.Request)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w) // Blank line between events
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// formatDatagramDetails writes datagram-specific details.
func formatDatagramDetails(w io.Writer, dg *log.DatagramEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", dg.Size)
	if dg.Source != 0 {
		fmt.Fprintf(w, "  Source: %08x  Sequence: %d\n", dg.Source, dg.Sequence)
	}
	if len(dg.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(dg.Data))
		if dg.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

// formatStateChangeDetails writes state change details.
func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

// formatRequestDetails writes request attempt details.
func formatRequestDetails(w io.Writer, req *log.RequestEvent) {
	fmt.Fprintf(w, "  Sequence: %d  Attempt: %d/%d\n", req.Sequence, req.Attempt, req.MaxAttempts)
	if req.Timeout > 0 {
		fmt.Fprintf(w, "  Timeout: %s\n", formatDuration(req.Timeout))
	}
	if req.Backoff > 0 {
		fmt.Fprintf(w, "  Backoff: %s\n", formatDuration(req.Backoff))
	}
}

// formatErrorDetails writes error details.
func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	return parseLayer(s)
}

// parseLayer parses a layer string (case-insensitive).
func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "connection":
		return log.LayerConnection, nil
	case "discovery":
		return log.LayerDiscovery, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, connection, or discovery)", s)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	return parseDirection(s)
}

// parseDirection parses a direction string (case-insensitive).
func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	return parseCategory(s)
}

// parseCategory parses a category string (case-insensitive).
func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "datagram":
		return log.CategoryDatagram, nil
	case "state":
		return log.CategoryState, nil
	case "request":
		return log.CategoryRequest, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be datagram, state, request, or error)", s)
	}
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		if filter.Layer != nil && event.Layer != *filter.Layer {
			continue
		}
		if filter.Direction != nil && event.Direction != *filter.Direction {
			continue
		}
		if filter.Category != nil && event.Category != *filter.Category {
			continue
		}
		if filter.Serial != "" && event.Serial != filter.Serial {
			continue
		}

		formatEvent(output, event)
	}

	return nil
}
