package topicpoller

import "errors"

// Configuration errors, returned at registration time.
var (
	ErrAlreadyRegistered = errors.New("handler already registered")
	ErrRegistryFrozen    = errors.New("registration is closed once the poller has started")
	ErrInvalidSchema     = errors.New("invalid schema")
	ErrNilHandler        = errors.New("nil handler")
)

// ErrProvisioning wraps every failure to create or update the queue topology.
var ErrProvisioning = errors.New("provisioning failed")

// Per-message errors. None of them stop the poller and none of them delete the message.
var (
	ErrUnparseableMessage    = errors.New("message could not be parsed")
	ErrUnroutableMessage     = errors.New("no handler registered")
	ErrInvalidMessagePayload = errors.New("invalid message payload")
	ErrHandler               = errors.New("handler failed")
	ErrHandlerPanic          = errors.New("handler panicked")
	ErrDeleteFailed          = errors.New("failed to delete message")
)
