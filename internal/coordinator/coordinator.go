// Package coordinator implements C3: the sole writer that bundles a blob
// save with a relational insert into one logical commit, and the
// concurrency rules that keep the two consistent. The per-transfer keyed
// mutex is adapted from the teacher's core/connection_pool.go, which keys
// its pooled-connection map by address; here the key is a transferId and
// the pooled resource is "permission to mutate this transfer's rows".
package coordinator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/blobstore"
	"firma-sign/core/internal/cryptoutil"
	"firma-sign/core/internal/model"
	"firma-sign/core/internal/store"
)

// keyedMutex serializes writers per key while allowing unbounded readers
// across different keys, per §5 "one writer per transferId, unbounded
// readers". Entries are reference-counted and removed once no holder
// remains, so the map never grows with every transferId a long-running
// process has ever touched.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refCountedMutex
}

type refCountedMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refCountedMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refCountedMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Coordinator is the exclusive writer of Transfer/Document/Recipient/Blob
// records after creation.
type Coordinator struct {
	store *store.Store
	blobs *blobstore.Store
	keyed *keyedMutex
	log   *logrus.Logger
}

// New wires a Coordinator from an already-open relational store and blob
// store.
func New(st *store.Store, bs *blobstore.Store, log *logrus.Logger) *Coordinator {
	return &Coordinator{store: st, blobs: bs, keyed: newKeyedMutex(), log: log}
}

// Store exposes the relational store for read paths that do not mutate
// state (callers must not write through it directly).
func (c *Coordinator) Store() *store.Store { return c.store }

// Blobs exposes the blob store for read paths.
func (c *Coordinator) Blobs() *blobstore.Store { return c.blobs }

// WithTransferLock serializes fn against any other coordinator call
// touching the same transferId.
func (c *Coordinator) WithTransferLock(transferID string, fn func() error) error {
	unlock := c.keyed.lock(transferID)
	defer unlock()
	return fn()
}

// CreateTransfer persists a new transfer row inside a relational
// transaction.
func (c *Coordinator) CreateTransfer(ctx context.Context, t *model.Transfer) error {
	var err error
	c.WithTransferLock(t.ID, func() error {
		err = c.store.InTx(ctx, func(ctx context.Context) error {
			return c.store.CreateTransfer(ctx, t)
		})
		return nil
	})
	return err
}

// CreateDocument bundles one blob save with one relational insert into a
// single logical commit, per §4.3:
//  1. begin transaction
//  2. compute size/hash from data and insert the document row with those
//     final values (there is no placeholder row and no later update)
//  3. save blob at the canonical path
//  4. commit
//
// Failure at step 3 or later rolls back the relational insert and deletes
// any partially-written blob.
func (c *Coordinator) CreateDocument(ctx context.Context, d *model.Document, data []byte, direction model.Direction, slot model.BlobSlot) error {
	var outerErr error
	c.WithTransferLock(d.TransferID, func() error {
		path := CanonicalPath(d.TransferID, direction, slot, d.FileName)
		outerErr = c.store.InTx(ctx, func(ctx context.Context) error {
			d.Size = int64(len(data))
			d.ContentHash = cryptoutil.Hash(data)
			if err := c.store.CreateDocument(ctx, d); err != nil {
				return err
			}
			if _, err := c.blobs.Save(path, data); err != nil {
				// Failure at the blob step rolls back the relational
				// insert (the transaction aborts) and removes any partial
				// bytes the store left behind.
				_ = c.blobs.Delete(path)
				return err
			}
			return nil
		})
		return nil
	})
	return outerErr
}

// IncomingDocumentSpec is one already-validated document to persist
// alongside its owning incoming transfer.
type IncomingDocumentSpec struct {
	Doc  *model.Document
	Data []byte
}

// CreateIncomingTransfer persists an incoming transfer and every one of its
// documents as a single logical commit. Callers must validate each
// document's hash before calling this (HandleIncoming does), so that a
// mismatch never leaves a partially-built transfer behind: either every
// document lands alongside the transfer row, or none of it does.
func (c *Coordinator) CreateIncomingTransfer(ctx context.Context, t *model.Transfer, docs []IncomingDocumentSpec) error {
	var outerErr error
	c.WithTransferLock(t.ID, func() error {
		var saved []string
		outerErr = c.store.InTx(ctx, func(ctx context.Context) error {
			if err := c.store.CreateTransfer(ctx, t); err != nil {
				return err
			}
			for _, ds := range docs {
				ds.Doc.Size = int64(len(ds.Data))
				ds.Doc.ContentHash = cryptoutil.Hash(ds.Data)
				if err := c.store.CreateDocument(ctx, ds.Doc); err != nil {
					return err
				}
				path := CanonicalPath(t.ID, model.Incoming, model.SlotOriginal, ds.Doc.FileName)
				if _, err := c.blobs.Save(path, ds.Data); err != nil {
					_ = c.blobs.Delete(path)
					return err
				}
				saved = append(saved, path)
			}
			return nil
		})
		if outerErr != nil {
			// The rows rolled back; drop the blobs already written for
			// earlier documents of this transfer too.
			for _, p := range saved {
				_ = c.blobs.Delete(p)
			}
		}
		return nil
	})
	return outerErr
}

func canonicalPath(transferID, direction string, slot model.BlobSlot, fileName string) string {
	return "transfers/" + direction + "/" + transferID + "/" + string(slot) + "/" + fileName
}

// CanonicalPath is the exported form used by callers that know the
// transfer's direction explicitly (the engine, the P2P transport).
func CanonicalPath(transferID string, direction model.Direction, slot model.BlobSlot, fileName string) string {
	return canonicalPath(transferID, string(direction), slot, fileName)
}

// CreateRecipient inserts a recipient row under the transfer's write lock.
func (c *Coordinator) CreateRecipient(ctx context.Context, r *model.Recipient) error {
	var err error
	c.WithTransferLock(r.TransferID, func() error {
		err = c.store.InTx(ctx, func(ctx context.Context) error {
			return c.store.CreateRecipient(ctx, r)
		})
		return nil
	})
	return err
}

// ReadDocumentBytes returns the document's bytes from the blob store,
// verifying the content hash matches the relational record.
func (c *Coordinator) ReadDocumentBytes(ctx context.Context, transferID string, doc *model.Document, direction model.Direction, slot model.BlobSlot) ([]byte, error) {
	path := CanonicalPath(transferID, direction, slot, doc.FileName)
	data, err := c.blobs.Read(path)
	if err != nil {
		return nil, err
	}
	if cryptoutil.Hash(data) != doc.ContentHash {
		return nil, model.New(model.HashMismatch, "document content hash mismatch")
	}
	return data, nil
}

// SignDocument writes the signed blob and marks the document row signed in
// one commit, serialized per document via the transfer's keyed lock so that
// concurrent SubmitSignatures calls resolve to exactly one winner (§4.7
// "Concurrent signature attempts").
func (c *Coordinator) SignDocument(ctx context.Context, transferID string, doc *model.Document, direction model.Direction, signedBytes []byte, signedBy string) error {
	var outerErr error
	c.WithTransferLock(transferID, func() error {
		path := CanonicalPath(transferID, direction, model.SlotSigned, doc.FileName)
		outerErr = c.store.InTx(ctx, func(ctx context.Context) error {
			if err := c.store.MarkDocumentSigned(ctx, doc.ID, signedBy); err != nil {
				return err
			}
			if _, err := c.blobs.Save(path, signedBytes); err != nil {
				_ = c.blobs.Delete(path)
				return err
			}
			return nil
		})
		return nil
	})
	return outerErr
}

// TransitionTransfer updates a transfer's status under its transfer lock,
// the engine's entry point for every status change that is not bundled with
// a signature (CompleteSignature covers those).
func (c *Coordinator) TransitionTransfer(ctx context.Context, transferID string, status model.TransferStatus) error {
	var outerErr error
	c.WithTransferLock(transferID, func() error {
		outerErr = c.store.InTx(ctx, func(ctx context.Context) error {
			return c.store.UpdateTransferStatus(ctx, transferID, status)
		})
		return nil
	})
	return outerErr
}

// TransitionRecipient updates one recipient's status under its transfer's
// lock.
func (c *Coordinator) TransitionRecipient(ctx context.Context, transferID, recipientID string, status model.RecipientStatus) error {
	var outerErr error
	c.WithTransferLock(transferID, func() error {
		outerErr = c.store.InTx(ctx, func(ctx context.Context) error {
			return c.store.UpdateRecipientStatus(ctx, recipientID, status)
		})
		return nil
	})
	return outerErr
}

// SignatureOutcome bundles the post-signature transfer status transition
// and optional return-transfer creation the Transfer State Engine must
// persist inside the same transaction that marks a document signed, per
// §4.7 "the engine must create this transfer inside the same transaction
// that marks the inbound document as signed".
type SignatureOutcome struct {
	TransferStatus  model.TransferStatus
	ReturnTransfer  *model.Transfer
	ReturnRecipient *model.Recipient
}

// CompleteSignature marks a document signed, writes its signed blob,
// transitions the owning transfer's status, and optionally creates a return
// transfer — all within the one transaction serialized by the transfer's
// keyed lock, so a losing concurrent signer's AlreadySigned rolls back the
// whole sequence and a winner never commits a signed document without its
// status transition and return transfer landing atomically alongside it.
func (c *Coordinator) CompleteSignature(ctx context.Context, transferID, documentID string, direction model.Direction, fileName string, signedBytes []byte, signedBy string, outcome SignatureOutcome) error {
	var outerErr error
	c.WithTransferLock(transferID, func() error {
		path := CanonicalPath(transferID, direction, model.SlotSigned, fileName)
		outerErr = c.store.InTx(ctx, func(ctx context.Context) error {
			if err := c.store.MarkDocumentSigned(ctx, documentID, signedBy); err != nil {
				return err
			}
			if _, err := c.blobs.Save(path, signedBytes); err != nil {
				_ = c.blobs.Delete(path)
				return err
			}
			if err := c.store.UpdateTransferStatus(ctx, transferID, outcome.TransferStatus); err != nil {
				return err
			}
			if outcome.ReturnTransfer != nil {
				if err := c.store.CreateTransfer(ctx, outcome.ReturnTransfer); err != nil {
					return err
				}
				if outcome.ReturnRecipient != nil {
					if err := c.store.CreateRecipient(ctx, outcome.ReturnRecipient); err != nil {
						return err
					}
				}
			}
			return nil
		})
		return nil
	})
	return outerErr
}

// SetDocumentAnchors records the external HashAnchor transaction ids for a
// document, under its transfer's lock.
func (c *Coordinator) SetDocumentAnchors(ctx context.Context, transferID, documentID, originalAnchor, signedAnchor string) error {
	var outerErr error
	c.WithTransferLock(transferID, func() error {
		outerErr = c.store.InTx(ctx, func(ctx context.Context) error {
			return c.store.SetDocumentAnchors(ctx, documentID, originalAnchor, signedAnchor)
		})
		return nil
	})
	return outerErr
}

// PurgeTransfer deletes the relational rows (cascading to documents and
// recipients) and the blob tree for a transfer, leaving no orphans.
func (c *Coordinator) PurgeTransfer(ctx context.Context, transferID string, direction model.Direction) error {
	var outerErr error
	c.WithTransferLock(transferID, func() error {
		outerErr = c.store.InTx(ctx, func(ctx context.Context) error {
			return c.store.DeleteTransfer(ctx, transferID)
		})
		if outerErr == nil {
			outerErr = c.blobs.DeleteTree("transfers/" + string(direction) + "/" + transferID)
		}
		return nil
	})
	return outerErr
}
