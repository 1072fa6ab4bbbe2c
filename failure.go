package topicpoller

import "errors"

// FailureKind enumerates where in the dispatch pipeline a message failed.
type FailureKind int

const (
	// FailNone indicates no failure occurred.
	FailNone FailureKind = iota
	// FailUnparseable indicates the envelope matched neither a topic nor a storage event.
	FailUnparseable
	// FailUnroutable indicates the envelope was recognized but no handler is registered for it.
	FailUnroutable
	// FailPayload indicates the inner message could not be decoded or failed its schema.
	FailPayload
	// FailHandlerError indicates the handler returned a non-nil error.
	FailHandlerError
	// FailHandlerPanic indicates the handler panicked.
	FailHandlerPanic
	// FailDelete indicates the handler succeeded but the message could not be deleted.
	FailDelete
	// FailMiddlewareError indicates an error that originated in a middleware.
	FailMiddlewareError
)

var failureNames = map[FailureKind]string{
	FailNone:            "none",
	FailUnparseable:     "unparseable",
	FailUnroutable:      "unroutable",
	FailPayload:         "invalid_payload",
	FailHandlerError:    "handler_error",
	FailHandlerPanic:    "handler_panic",
	FailDelete:          "delete_failed",
	FailMiddlewareError: "middleware_error",
}

func (k FailureKind) String() string {
	if s, ok := failureNames[k]; ok {
		return s
	}
	return "unknown"
}

// KindOf classifies an error returned by the dispatch pipeline.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return FailNone
	case errors.Is(err, ErrUnparseableMessage):
		return FailUnparseable
	case errors.Is(err, ErrUnroutableMessage):
		return FailUnroutable
	case errors.Is(err, ErrInvalidMessagePayload):
		return FailPayload
	case errors.Is(err, ErrHandlerPanic):
		return FailHandlerPanic
	case errors.Is(err, ErrHandler):
		return FailHandlerError
	case errors.Is(err, ErrDeleteFailed):
		return FailDelete
	default:
		return FailMiddlewareError
	}
}
