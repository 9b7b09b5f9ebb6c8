// Package notify delivers sync notifications. A Sink gets one attempt per
// message; callers log failures and carry on.
package notify

import (
	"context"
	"html"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"
)

// Kind classifies a message.
type Kind string

const (
	KindStarted      Kind = "started"
	KindSucceeded    Kind = "succeeded"
	KindFailed       Kind = "failed"
	KindSharpChanges Kind = "sharp_changes"
	KindMissingItems Kind = "missing_items"
)

// Message is one notification. Text is Telegram-flavoured HTML.
type Message struct {
	Kind Kind
	Text string
}

// Sink delivers messages.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Nop discards every message.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }

// Log writes messages to a slog logger. It is the sink used when no
// Telegram credentials are configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(ctx context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notify", "kind", string(msg.Kind), "text", msg.Text)
	return nil
}

// Escape escapes s for inclusion in an HTML message.
func Escape(s string) string { return html.EscapeString(s) }

var strict = bluemonday.StrictPolicy()

// Sanitize prepares feed-supplied text (item names, SKUs) for an HTML
// message: any markup is dropped and the remaining text escaped.
func Sanitize(s string) string { return strict.Sanitize(s) }
