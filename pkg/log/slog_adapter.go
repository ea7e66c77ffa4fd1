package log

import (
	"context"
	"log/slog"
	"strings"
)

// SlogAdapter prints capture events through an slog.Logger, one record per
// event. It is meant for watching a server during development.
type SlogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogAdapter creates an adapter that logs at Debug level.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger, level: slog.LevelDebug}
}

// WithLevel returns a copy of the adapter that logs at level. Error events
// are always logged at Warn or above.
func (a *SlogAdapter) WithLevel(level slog.Level) *SlogAdapter {
	return &SlogAdapter{logger: a.logger, level: level}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	level := a.level
	if event.Error != nil {
		level = max(level, slog.LevelWarn)
	}
	ctx := context.Background()
	if !a.logger.Enabled(ctx, level) {
		return
	}
	a.logger.LogAttrs(ctx, level, "ddp "+strings.ToLower(event.Category.String()), eventAttrs(event)...)
}

// eventAttrs flattens an event into log attributes. Empty values are left
// out.
func eventAttrs(e Event) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("conn_id", e.ConnectionID),
		slog.String("direction", e.Direction.String()),
		slog.String("layer", e.Layer.String()),
	}
	str := func(key, value string) {
		if value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	str("session_id", e.SessionID)
	str("user_id", e.UserID)

	if m := e.Message; m != nil {
		str("type", m.Type)
		str("id", m.ID)
		str("collection", m.Collection)
		str("name", m.Name)
		if len(m.IDs) > 0 {
			attrs = append(attrs, slog.Any("ids", m.IDs))
		}
		if m.ProcessingTime != nil {
			attrs = append(attrs, slog.Duration("processing_time", *m.ProcessingTime))
		}
	}
	if f := e.Frame; f != nil {
		attrs = append(attrs, slog.Int("frame_size", f.Size), slog.Bool("binary", f.Binary))
		if f.Truncated {
			attrs = append(attrs, slog.Bool("truncated", true))
		}
	}
	if s := e.StateChange; s != nil {
		str("entity", s.Entity.String())
		str("old_state", s.OldState)
		str("new_state", s.NewState)
		str("reason", s.Reason)
	}
	if c := e.ControlMsg; c != nil {
		str("control", c.Type.String())
		str("control_id", c.ID)
	}
	if err := e.Error; err != nil {
		str("error_layer", err.Layer.String())
		str("error_msg", err.Message)
		str("error_code", err.Code)
		str("error_context", err.Context)
	}
	return attrs
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
