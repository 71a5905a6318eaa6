package delivery

import (
	"context"
	"fmt"
	"time"
)

// ErrorKind classifies a send failure for the queue's retry policy.
type ErrorKind int

const (
	// KindRetryable failures are retried with exponential backoff.
	KindRetryable ErrorKind = iota
	// KindNonRetryable failures drop the message after logging.
	KindNonRetryable
	// KindMissingTarget means the destination no longer exists. The queue
	// re-routes the message to the default target once.
	KindMissingTarget
	// KindFatal means the sink credential is dead. The queue stops and
	// reports through its fatal callback.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNonRetryable:
		return "non_retryable"
	case KindMissingTarget:
		return "missing_target"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SendError is a classified delivery failure. RetryAfter is honored for
// retryable errors when the sink reports a server-imposed wait.
type SendError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("send failed (%s)", e.Kind)
}

func (e *SendError) Unwrap() error { return e.Err }

// Message is one rendered item bound for a sink target. TopicID is the
// topic the post was stored under and keys the delivery confirmation;
// Target is where the sink posts it, which differs when a redirect rule
// re-routed the item. Priority is reserved for future tiers; every
// message currently enqueues at the default priority.
type Message struct {
	ID        string
	PostID    string
	TopicID   string
	Target    string
	Text      string
	MediaURLs []string
	NoPreview bool
	Priority  int

	attempts   int
	redirected bool
}

// Attempts returns how many sends have been tried for this message.
func (m *Message) Attempts() int { return m.attempts }

// Sink delivers rendered messages to a chat destination.
type Sink interface {
	// Send delivers one message to the given target. A non-nil error is
	// either a *SendError or treated as retryable.
	Send(ctx context.Context, msg *Message) error
	// Name identifies the sink in logs and metrics.
	Name() string
}
