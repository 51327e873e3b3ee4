package models

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy shared by every bridge component. API error
// bodies, drop-reason metric labels, and exit codes all key off it.
type Kind string

const (
	KindConfigInvalid      Kind = "config_invalid"
	KindAuthFailed         Kind = "auth_failed"
	KindTLSFailed          Kind = "tls_failed"
	KindNetworkUnreachable Kind = "network_unreachable"
	KindProtocolError      Kind = "protocol_error"
	KindTargetInvalid      Kind = "target_invalid"
	KindSchemaMismatch     Kind = "schema_mismatch"
	KindQueueFull          Kind = "queue_full"
	KindSpoolFull          Kind = "spool_full"
	KindSpoolCorrupt       Kind = "spool_corrupt"
	KindSpoolLocked        Kind = "spool_locked"
	KindBreakerOpen        Kind = "breaker_open"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// BridgeError carries a taxonomic kind alongside the message so callers can
// branch on the class of failure without string matching.
type BridgeError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// NewError creates a BridgeError with no cause.
func NewError(kind Kind, message string) *BridgeError {
	return &BridgeError{Kind: kind, Message: message}
}

// WrapError creates a BridgeError wrapping an underlying cause.
func WrapError(kind Kind, message string, err error) *BridgeError {
	return &BridgeError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// ExitCode maps an error to the process exit code contract:
// 0 normal, 2 config invalid, 3 spool locked, 4 auth misconfigured,
// 5 fatal runtime.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfigInvalid:
		return 2
	case KindSpoolLocked:
		return 3
	case KindAuthFailed:
		return 4
	default:
		return 5
	}
}
