// Package messaging defines the chat platform boundary for DialScribe.
//
// The concrete chat client (Telegram or otherwise) lives outside this
// repository; the notification pipeline depends only on this interface.
package messaging

import (
	"context"
	"errors"
)

// Button is an inline action attached to a chat message.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// SendOptions carries optional send parameters.
type SendOptions struct {
	// ThreadID, when set, sends the message as a reply under the given
	// platform message id.
	ThreadID string
	// Buttons, when set, attaches inline actions to the message.
	Buttons []Button
}

// ChatService is the pluggable chat delivery abstraction. Implementations
// must distinguish transient transport failures from platform rejections so
// retry accounting stays correct.
type ChatService interface {
	// Send delivers text to a chat and returns the platform message id.
	Send(ctx context.Context, chatID, text string, opts SendOptions) (messageID string, err error)
}

// ErrRejected wraps failures where the platform refused the message
// (bad chat id, blocked bot, malformed content). Rejections are not
// transient: retrying the identical payload will fail again.
var ErrRejected = errors.New("chat platform rejected message")

// RejectedError marks a platform rejection with the underlying cause.
type RejectedError struct {
	Cause error
}

func (e *RejectedError) Error() string {
	return "chat platform rejected message: " + e.Cause.Error()
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// IsRejected reports whether err is a platform rejection rather than a
// transport failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
