// Package transport implements C4 (the uniform plugin contract) and C5
// (the static registry that discovers, configures, and supervises
// transport implementations). Discovery is compile-time registration per
// SPEC_FULL.md §5.5, replacing the teacher's dynamic-import pattern: each
// transport calls Register from its own init().
package transport

import (
	"context"

	"firma-sign/core/internal/model"
)

// Capabilities is the immutable descriptor of what a transport supports.
type Capabilities struct {
	MaxFileSize           int64
	SupportsBatch         bool
	SupportsEncryption    bool
	SupportsNotifications bool
	SupportsResume        bool
	RequiredConfig        []string
}

// Status reports a transport's current lifecycle state.
type Status struct {
	Initialized    bool
	Receiving      bool
	ActiveTransfers int
	LastError      string
}

// OutgoingDocument is one document attached to an OutgoingTransfer.
type OutgoingDocument struct {
	ID       string
	FileName string
	MimeType string
	Size     int64
	Data     []byte
	Hash     string
	Metadata map[string]any
}

// OutgoingRecipient is one target of an OutgoingTransfer.
type OutgoingRecipient struct {
	ID         string
	Identifier string
	Transport  string
	Preferences map[string]any
}

// OutgoingTransfer is what the state engine hands to a transport's Send.
type OutgoingTransfer struct {
	TransferID string
	Documents  []OutgoingDocument
	Recipients []OutgoingRecipient
	Sender     model.Sender
	Options    map[string]any
}

// RecipientResult is one element of TransferResult.RecipientResults, in
// the same order as OutgoingTransfer.Recipients.
type RecipientResult struct {
	RecipientID string
	Success     bool
	Error       string
}

// TransferResult is returned once every recipient attempt has reached a
// terminal outcome (success or terminal failure).
type TransferResult struct {
	Success           bool
	RecipientResults  []RecipientResult
}

// IncomingDocument mirrors OutgoingDocument for the receive path.
type IncomingDocument struct {
	ID       string
	FileName string
	MimeType string
	Size     int64
	Data     []byte
	Hash     string
	Metadata map[string]any
}

// IncomingTransfer is what a transport delivers to registered handlers.
type IncomingTransfer struct {
	TransferID string
	Documents  []IncomingDocument
	Sender     model.Sender
	Options    map[string]any
}

// Handler processes one delivered IncomingTransfer and reports whether it
// was accepted.
type Handler func(ctx context.Context, in IncomingTransfer) error

// Transport is the uniform contract every delivery mechanism implements.
type Transport interface {
	Name() string
	Version() string
	Capabilities() Capabilities

	Initialize(ctx context.Context, config map[string]any) error
	Shutdown(ctx context.Context) error
	Status() Status

	ValidateConfig(raw map[string]any) bool

	Send(ctx context.Context, out OutgoingTransfer) (*TransferResult, error)
	Receive(handler Handler)
	StopReceiving()
}

// Constructor builds a fresh, uninitialized Transport instance.
type Constructor func() Transport
