// Package anchor defines the HashAnchor external-collaborator interface
// named in §4's "Deliberately out of scope" list: blockchain anchoring of
// document hashes. Actual chain submission lives outside this module; this
// package only fixes the boundary and supplies an in-memory stub so the
// Transfer State Engine has something to call during development and tests.
package anchor

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Kind distinguishes which side of a document a hash anchor covers.
type Kind string

const (
	Original Kind = "original"
	Signed   Kind = "signed"
)

// HashAnchor records a document's content hash on an external ledger and
// returns an opaque transaction id. Implementations outside this module are
// expected to wrap a real chain client; nothing here assumes a specific one.
type HashAnchor interface {
	Anchor(ctx context.Context, transferID, documentHash string, kind Kind) (txID string, err error)
}

// InMemory is a no-op HashAnchor that fabricates a stable-looking
// transaction id without touching any external system, for local
// development and tests.
type InMemory struct {
	mu  sync.Mutex
	log []record
}

type record struct {
	TransferID string
	Hash       string
	Kind       Kind
	TxID       string
}

// NewInMemory constructs a no-op HashAnchor.
func NewInMemory() *InMemory { return &InMemory{} }

func (m *InMemory) Anchor(ctx context.Context, transferID, documentHash string, kind Kind) (string, error) {
	txID := "anchor-" + uuid.NewString()
	m.mu.Lock()
	m.log = append(m.log, record{TransferID: transferID, Hash: documentHash, Kind: kind, TxID: txID})
	m.mu.Unlock()
	return txID, nil
}

// Records returns every anchor call observed so far, for test assertions.
func (m *InMemory) Records() []record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record, len(m.log))
	copy(out, m.log)
	return out
}
