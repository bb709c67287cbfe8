package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/waste-dispatch/internal/observability"
)

// Notifier is what the lifecycle controller and matching session call on
// every transition. Delivery is fire-and-forget: implementations log
// failures and never surface them to the triggering operation.
type Notifier interface {
	Notify(ctx context.Context, role Role, recipientID string, ev Event)
}

// TokenSource resolves a recipient's push token. Backed by the document
// store in production, by fakes in tests.
type TokenSource interface {
	PushToken(ctx context.Context, role Role, id string) (string, error)
}

// PushSender delivers one message to the external push service. A returned
// error is non-fatal to the caller.
type PushSender interface {
	Send(ctx context.Context, token, title, body string, data map[string]any) error
}

// Dispatcher delivers events over a live WebSocket session when one exists,
// falling back to the push service. Failures are logged and counted, never
// returned: a pickup must still transition even if its notification fails.
type Dispatcher struct {
	WS     *WSRegistry
	Push   PushSender
	Tokens TokenSource
	Logger *slog.Logger
}

func NewDispatcher(ws *WSRegistry, push PushSender, tokens TokenSource, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{WS: ws, Push: push, Tokens: tokens, Logger: logger}
}

func (d *Dispatcher) Notify(ctx context.Context, role Role, recipientID string, ev Event) {
	// deliver off the caller's goroutine; transitions never wait on push I/O
	go d.deliver(context.WithoutCancel(ctx), role, recipientID, ev)
}

func (d *Dispatcher) deliver(ctx context.Context, role Role, recipientID string, ev Event) {
	if d.WS != nil {
		if err := d.WS.Send(role, recipientID, ev); err == nil {
			observability.NotificationsSent.WithLabelValues(string(ev.Type), "ws").Inc()
			return
		}
	}
	if d.Push == nil || d.Tokens == nil {
		d.drop(role, recipientID, ev, "no push transport configured")
		return
	}
	token, err := d.Tokens.PushToken(ctx, role, recipientID)
	if err != nil || token == "" {
		d.drop(role, recipientID, ev, "recipient has no push token")
		return
	}
	if err := d.Push.Send(ctx, token, ev.Title, ev.Body, ev.Data); err != nil {
		d.drop(role, recipientID, ev, err.Error())
		return
	}
	observability.NotificationsSent.WithLabelValues(string(ev.Type), "push").Inc()
}

func (d *Dispatcher) drop(role Role, recipientID string, ev Event, reason string) {
	observability.NotificationsFailed.WithLabelValues(string(ev.Type)).Inc()
	if d.Logger != nil {
		d.Logger.Warn("notification dropped",
			"event", string(ev.Type), "role", string(role),
			"recipient", recipientID, "reason", reason)
	}
}
