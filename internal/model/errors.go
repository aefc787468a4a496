// Package model holds the shared Transfer/Document/Recipient/Sender/Peer
// records and the error taxonomy every component boundary translates into.
package model

import "errors"

// Kind identifies one of the closed set of error categories components must
// translate underlying faults into at their boundary. Internal causes are
// kept in Error.Cause (see Wrap) and exposed through Unwrap, never discarded.
type Kind string

const (
	NotInitialized      Kind = "NotInitialized"
	InvalidConfig        Kind = "InvalidConfig"
	NotFound             Kind = "NotFound"
	PermissionDenied     Kind = "PermissionDenied"
	FileTooLarge         Kind = "FileTooLarge"
	QuotaExceeded        Kind = "QuotaExceeded"
	AlreadyExists        Kind = "AlreadyExists"
	AlreadySigned        Kind = "AlreadySigned"
	TransportUnavailable Kind = "TransportUnavailable"
	SendTimeout          Kind = "SendTimeout"
	Cancelled            Kind = "Cancelled"
	AuthFailed           Kind = "AuthFailed"
	Expired              Kind = "Expired"
	HashMismatch         Kind = "HashMismatch"
	NestedTransaction    Kind = "NestedTransaction"
	OperationFailed      Kind = "OperationFailed"
)

// Error is the concrete error type carried across every component boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (k Kind) String() string { return string(k) }

// New builds a taxonomy error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a taxonomy kind to an underlying cause. Returns nil if cause
// is nil, matching the teacher's pkg/utils.Wrap nil-passthrough contract.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given taxonomy kind anywhere in its
// causal chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// KindOf extracts the taxonomy kind from err, or OperationFailed if err does
// not carry one (e.g. it escaped a component boundary unwrapped).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return OperationFailed
}
