package errors

import "errors"

// Sentinel errors surfaced by the gateway core. Transports map these onto
// their own wire shapes (HTTP status, RPC error frame, bot reply).
var (
	// ErrNotRegistered indicates the connection has not attached a user id yet.
	ErrNotRegistered = errors.New("user not registered on this connection")

	// ErrUnknownAgent indicates the agent id is not in the configured registry.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownSession indicates the topic has no active session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownApproval indicates the approval id expired or never existed.
	ErrUnknownApproval = errors.New("unknown approval")
)
