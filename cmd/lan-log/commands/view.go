// Package commands implements the lan-log CLI commands.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lanmode/lanmode-go/pkg/log"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// ViewFilter specifies criteria for the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	DSN       string

	// MessageType is a message type name such as COMMANDS.
	MessageType string

	// Payload prints decoded message bodies.
	Payload bool
}

func (f ViewFilter) matches(e log.Event) bool {
	return log.Filter{
		DSN:         f.DSN,
		MessageType: strings.ToUpper(f.MessageType),
		Layer:       f.Layer,
		Direction:   f.Direction,
		Category:    f.Category,
	}.Match(e)
}

// eventType returns a short label for the populated payload of e.
func eventType(e log.Event) string {
	switch {
	case e.HTTP != nil:
		return "HTTP"
	case e.Message != nil:
		return e.Message.Type
	case e.StateChange != nil:
		return "State"
	case e.ControlMsg != nil:
		return e.ControlMsg.Type.String()
	case e.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event, payload bool) {
	// timestamp [req:id] DIRECTION LAYER Type dsn@ip
	ts := event.Timestamp.UTC().Format(timestampLayout)
	layer := event.Layer.String()
	if event.Category == log.CategoryControl {
		layer = "CTRL"
	}

	fmt.Fprintf(w, "%s [req:%s] %-3s %s %s", ts, shortenID(event.RequestID), event.Direction.String(), layer, eventType(event))
	if peer := peerLabel(event); peer != "" {
		fmt.Fprintf(w, " %s", peer)
	}
	fmt.Fprintln(w)

	switch {
	case event.HTTP != nil:
		formatHTTPDetails(w, event.HTTP)
	case event.Message != nil:
		formatMessageDetails(w, event.Message, payload)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.ControlMsg != nil:
		if n := event.ControlMsg.Notify; n != nil {
			fmt.Fprintf(w, "  Notify: %d\n", *n)
		}
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenID returns the first 8 characters of a request ID, or "-".
func shortenID(id string) string {
	switch {
	case id == "":
		return "-"
	case len(id) >= 8:
		return id[:8]
	default:
		return id
	}
}

func peerLabel(e log.Event) string {
	switch {
	case e.DSN != "" && e.LanIP != "":
		return e.DSN + "@" + e.LanIP
	case e.DSN != "":
		return e.DSN
	default:
		return e.LanIP
	}
}

func formatHTTPDetails(w io.Writer, h *log.HTTPEvent) {
	if h.Method != "" {
		fmt.Fprintf(w, "  %s %s\n", h.Method, h.Path)
	}
	if h.StatusCode != 0 {
		fmt.Fprintf(w, "  Status: %d\n", h.StatusCode)
	}
	fmt.Fprintf(w, "  Size: %d bytes", h.Size)
	if h.Truncated {
		fmt.Fprint(w, " (truncated)")
	}
	fmt.Fprintln(w)
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent, payload bool) {
	if msg.CmdID != 0 {
		fmt.Fprintf(w, "  CmdID: %d\n", msg.CmdID)
	}
	if msg.Status != 0 {
		fmt.Fprintf(w, "  Status: %d\n", msg.Status)
	}
	if msg.Commands > 0 {
		fmt.Fprintf(w, "  Commands: %d\n", msg.Commands)
	}
	if msg.ProcessingTime != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*msg.ProcessingTime))
	}
	if payload && len(msg.Payload) > 0 {
		fmt.Fprintf(w, "  Payload: %s\n", compactJSON(msg.Payload))
	}
}

// compactJSON strips insignificant whitespace; non-JSON is printed as is.
func compactJSON(b []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return string(b)
	}
	return buf.String()
}

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

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Code != nil {
		fmt.Fprintf(w, "  Code: %d\n", *err.Code)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	return parseLayer(s)
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "router":
		return log.LayerRouter, nil
	case "wire":
		return log.LayerWire, nil
	case "session":
		return log.LayerSession, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be router, wire, or session)", s)
	}
}

// ParseDirectionFlag parses a direction name (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	return parseDirection(s)
}

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

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	return parseCategory(s)
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, control, state, or error)", s)
	}
}

// RunView prints every event of the capture at path that matches filter.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	err = reader.Each(func(event log.Event) error {
		if filter.matches(event) {
			formatEvent(output, event, filter.Payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read event: %w", err)
	}
	if reader.Truncated() {
		fmt.Fprintln(output, "-- capture ends in a partial record --")
	}
	return nil
}
