// Package transport is the platform-neutral contract between the Telegram
// adapter, the command router and the notifier: updates flow in from
// long-poll, messages and session notifications flow out.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event from the chat platform. Exactly one of
// Message and Callback is set, matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is an inbound text message, already reduced to the fields the
// router needs.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread, 0 outside forums
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Callback is an inline-keyboard button press.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// Adapter is the platform driver. Start blocks feeding out until ctx ends;
// Stop bounds the drain of in-flight handlers.
type Adapter interface {
	Start(ctx context.Context, sink chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, dst ChatTarget, text string, opts *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opts *SendOptions) error
	AnswerCallback(ctx context.Context, cbID, text string) error
}
