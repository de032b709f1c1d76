package log

import (
	"context"
	"log/slog"
)

// SlogAdapter mirrors capture events into an operational logger, one
// "protocol" record per event at debug level.
type SlogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogAdapter returns an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger, level: slog.LevelDebug}
}

// Log writes event unless the logger drops debug records.
func (a *SlogAdapter) Log(event Event) {
	ctx := context.Background()
	if !a.logger.Enabled(ctx, a.level) {
		return
	}

	attrs := make([]slog.Attr, 0, 12)
	attrs = append(attrs,
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	)
	attrs = appendNonEmpty(attrs, "request_id", event.RequestID)
	attrs = appendNonEmpty(attrs, "lan_ip", event.LanIP)
	attrs = appendNonEmpty(attrs, "dsn", event.DSN)

	switch {
	case event.HTTP != nil:
		attrs = httpAttrs(attrs, event.HTTP)
	case event.Message != nil:
		attrs = messageAttrs(attrs, event.Message)
	case event.StateChange != nil:
		sc := event.StateChange
		attrs = append(attrs,
			slog.String("entity", sc.Entity.String()),
			slog.String("old_state", sc.OldState),
			slog.String("new_state", sc.NewState),
		)
		attrs = appendNonEmpty(attrs, "reason", sc.Reason)
	case event.ControlMsg != nil:
		attrs = append(attrs, slog.String("ctrl_type", event.ControlMsg.Type.String()))
		if n := event.ControlMsg.Notify; n != nil {
			attrs = append(attrs, slog.Int("notify", *n))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if c := event.Error.Code; c != nil {
			attrs = append(attrs, slog.Int("error_code", *c))
		}
	}

	a.logger.LogAttrs(ctx, a.level, "protocol", attrs...)
}

func appendNonEmpty(attrs []slog.Attr, key, value string) []slog.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, slog.String(key, value))
}

// httpAttrs describes a raw request or response. Requests carry a method,
// responses a status code.
func httpAttrs(attrs []slog.Attr, h *HTTPEvent) []slog.Attr {
	if h.Method != "" {
		attrs = append(attrs, slog.String("method", h.Method), slog.String("path", h.Path))
	}
	if h.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status_code", h.StatusCode))
	}
	return append(attrs, slog.Int("size", h.Size), slog.Bool("truncated", h.Truncated))
}

func messageAttrs(attrs []slog.Attr, m *MessageEvent) []slog.Attr {
	attrs = append(attrs, slog.String("msg_type", m.Type))
	if m.CmdID != 0 {
		attrs = append(attrs, slog.Uint64("cmd_id", uint64(m.CmdID)))
	}
	if m.Status != 0 {
		attrs = append(attrs, slog.Int("status", m.Status))
	}
	if m.Commands != 0 {
		attrs = append(attrs, slog.Int("commands", m.Commands))
	}
	if m.ProcessingTime != nil {
		attrs = append(attrs, slog.Duration("processing_time", *m.ProcessingTime))
	}
	return attrs
}

var _ Logger = (*SlogAdapter)(nil)
