package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTransfer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := &model.Transfer{ID: "t1", Direction: model.Outgoing, Status: model.StatusPending, TransportName: "p2p"}
	if err := s.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	got, err := s.GetTransfer(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if got.ID != "t1" || got.Status != model.StatusPending {
		t.Fatalf("unexpected transfer: %+v", got)
	}
	if got.CreatedAt != got.UpdatedAt {
		t.Fatalf("createdAt must equal updatedAt on creation")
	}
}

func TestUpdateTransferStatusMonotoneTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := &model.Transfer{ID: "t1", Direction: model.Outgoing, Status: model.StatusPending, TransportName: "p2p"}
	if err := s.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	before, _ := s.GetTransfer(ctx, "t1")
	time.Sleep(1100 * time.Millisecond)
	if err := s.UpdateTransferStatus(ctx, "t1", model.StatusSending); err != nil {
		t.Fatalf("UpdateTransferStatus: %v", err)
	}
	after, _ := s.GetTransfer(ctx, "t1")
	if after.UpdatedAt <= before.UpdatedAt {
		t.Fatalf("expected strictly increasing updatedAt: before=%d after=%d", before.UpdatedAt, after.UpdatedAt)
	}
	if after.Status != model.StatusSending {
		t.Fatalf("expected status sending, got %s", after.Status)
	}
}

func TestNestedTransactionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.InTx(ctx, func(ctx context.Context) error {
		return s.InTx(ctx, func(ctx context.Context) error { return nil })
	})
	if !model.Is(err, model.NestedTransaction) {
		t.Fatalf("expected NestedTransaction, got %v", err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sentinel := model.New(model.OperationFailed, "boom")
	err := s.InTx(ctx, func(ctx context.Context) error {
		tr := &model.Transfer{ID: "t1", Direction: model.Outgoing, Status: model.StatusPending, TransportName: "p2p"}
		if err := s.CreateTransfer(ctx, tr); err != nil {
			return err
		}
		return sentinel
	})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if _, gerr := s.GetTransfer(ctx, "t1"); !model.Is(gerr, model.NotFound) {
		t.Fatalf("expected transfer to be rolled back, got %v", gerr)
	}
}

func TestCascadeDeleteRemovesDocumentsAndRecipients(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := &model.Transfer{ID: "t1", Direction: model.Outgoing, Status: model.StatusPending, TransportName: "p2p"}
	if err := s.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	doc := &model.Document{ID: "d1", TransferID: "t1", FileName: "a.txt", Size: 1, ContentHash: "x", Status: model.DocPending}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	rec := &model.Recipient{ID: "r1", TransferID: "t1", Identifier: "peer-1", Transport: "p2p", Status: model.RecipientPending}
	if err := s.CreateRecipient(ctx, rec); err != nil {
		t.Fatalf("CreateRecipient: %v", err)
	}
	if err := s.DeleteTransfer(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTransfer: %v", err)
	}
	docs, err := s.FindDocumentsByTransferID(ctx, "t1")
	if err != nil {
		t.Fatalf("FindDocumentsByTransferID: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no orphan documents, got %d", len(docs))
	}
	recs, err := s.FindRecipientsByTransferID(ctx, "t1")
	if err != nil {
		t.Fatalf("FindRecipientsByTransferID: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no orphan recipients, got %d", len(recs))
	}
}

func TestOneSignerWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := &model.Transfer{ID: "t1", Direction: model.Incoming, Status: model.StatusSigning, TransportName: "p2p"}
	if err := s.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	doc := &model.Document{ID: "d1", TransferID: "t1", FileName: "a.txt", Size: 1, ContentHash: "x", Status: model.DocPending}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	results := make(chan error, 2)
	go func() { results <- s.MarkDocumentSigned(ctx, "d1", "alice") }()
	go func() { results <- s.MarkDocumentSigned(ctx, "d1", "bob") }()

	var successes, failures int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			successes++
		} else if model.Is(err, model.AlreadySigned) {
			failures++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("expected exactly one success and one AlreadySigned, got successes=%d failures=%d", successes, failures)
	}
}
