package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON logger tuned for production use. Records logged with a context
// carrying ride fields (see WithRide) get those fields attached.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level, true)
}

func newLogger(w io.Writer, level string, source bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: source,
	}
	return slog.New(&contextHandler{handler: slog.NewJSONHandler(w, opts)})
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ctxKey struct{}

type rideCtx struct {
	RideID    string
	Role      string
	Action    string
	RequestID string
}

// WithRide tags ctx so every record logged through it carries ride_id and role.
func WithRide(ctx context.Context, rideID, role string) context.Context {
	c, _ := ctx.Value(ctxKey{}).(rideCtx)
	c.RideID, c.Role = rideID, role
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithAction adds an action name, e.g. "confirm_pickup".
func WithAction(ctx context.Context, action string) context.Context {
	c, _ := ctx.Value(ctxKey{}).(rideCtx)
	c.Action = action
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithRequestID tags ctx with the relay request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	c, _ := ctx.Value(ctxKey{}).(rideCtx)
	c.RequestID = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// RequestID returns the id set by WithRequestID, if any.
func RequestID(ctx context.Context) string {
	c, _ := ctx.Value(ctxKey{}).(rideCtx)
	return c.RequestID
}

type contextHandler struct {
	handler slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.handler.Enabled(ctx, lvl)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if c, ok := ctx.Value(ctxKey{}).(rideCtx); ok {
		if c.RideID != "" {
			r.AddAttrs(slog.String("ride_id", c.RideID))
		}
		if c.Role != "" {
			r.AddAttrs(slog.String("role", c.Role))
		}
		if c.Action != "" {
			r.AddAttrs(slog.String("action", c.Action))
		}
		if c.RequestID != "" {
			r.AddAttrs(slog.String("request_id", c.RequestID))
		}
	}
	return h.handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{handler: h.handler.WithGroup(name)}
}
