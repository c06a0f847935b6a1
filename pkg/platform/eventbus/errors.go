package eventbus

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoHandlers       = errors.New("no handlers subscribed")
	ErrMissingType      = errors.New("event type is required")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrHandlerPanic     = errors.New("handler panicked")
	// ErrRetryScheduled marks a handler failure the consumer journaled for its own
	// re-drive. The transport has nothing left to redeliver for that handler.
	ErrRetryScheduled   = errors.New("retry scheduled by consumer")
)

// NeedsRedelivery reports whether a publish result leaves work only a redelivery can
// finish. Unrouted events and failures every handler journaled for re-drive do not.
func NeedsRedelivery(err error) bool {
	if err == nil || errors.Is(err, ErrNoHandlers) {
		return false
	}
	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		return true
	}
	for _, f := range pubErr.Failures {
		if !errors.Is(f.Err, ErrRetryScheduled) {
			return true
		}
	}
	return false
}

// HandlerFailure is one failed delivery inside a publish.
type HandlerFailure struct {
	Handler string
	Err     error
}

// PublishError reports a partial failure: the listed handlers failed while the
// remaining Delivered handlers completed.
type PublishError struct {
	EventType string
	EventID   string
	Delivered int
	Failures  []HandlerFailure
}

func (e *PublishError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, fmt.Sprintf("%s: %v", f.Handler, f.Err))
	}
	return fmt.Sprintf("publish %s event %s: %d handler(s) failed, %d delivered: %s",
		e.EventType, e.EventID, len(e.Failures), e.Delivered, strings.Join(names, "; "))
}

func (e *PublishError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedHandlers lists the handler names that failed.
func (e *PublishError) FailedHandlers() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Handler)
	}
	return names
}
