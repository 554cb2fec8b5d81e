// Package protoerr defines the error taxonomy shared by the pairing and session layers.
package protoerr

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol failure. Every kind maps to a distinct event the UI may render.
type Kind string

const (
	KindMalformedToken   Kind = "malformed_token"
	KindExpiredToken     Kind = "expired_token"
	KindUnknownToken     Kind = "unknown_token"
	KindAlreadyClaimed   Kind = "already_claimed"
	KindRevoked          Kind = "revoked"
	KindNotIssuer        Kind = "not_issuer"
	KindTooManyPending   Kind = "too_many_pending"
	KindTransport        Kind = "transport_error"
	KindSessionNotActive Kind = "session_not_active"
	KindBacklogOverflow  Kind = "backlog_overflow"
	KindSequenceResync   Kind = "sequence_resync"
	KindSendFailed       Kind = "send_failed"
	KindHandshakeTimeout Kind = "handshake_timeout"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindProtocol         Kind = "protocol_error"
)

// Error is a classified protocol error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

var (
	ErrMalformedToken   = New(KindMalformedToken, "malformed pairing token")
	ErrExpiredToken     = New(KindExpiredToken, "pairing token expired")
	ErrUnknownToken     = New(KindUnknownToken, "pairing token not found")
	ErrAlreadyClaimed   = New(KindAlreadyClaimed, "pairing token already claimed")
	ErrRevoked          = New(KindRevoked, "pairing token revoked")
	ErrNotIssuer        = New(KindNotIssuer, "caller did not issue this pairing token")
	ErrTooManyPending   = New(KindTooManyPending, "too many pending pairing tokens")
	ErrTransport        = New(KindTransport, "transport failure")
	ErrSessionNotActive = New(KindSessionNotActive, "session not active")
	ErrBacklogOverflow  = New(KindBacklogOverflow, "unacknowledged backlog full, oldest message dropped")
	ErrSequenceResync   = New(KindSequenceResync, "sequence resync requested")
	ErrSendFailed       = New(KindSendFailed, "send failed after retries")
	ErrHandshakeTimeout = New(KindHandshakeTimeout, "handshake timed out")
	ErrPayloadTooLarge  = New(KindPayloadTooLarge, "payload too large")
	ErrProtocol         = New(KindProtocol, "protocol violation")
)
