package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/blobstore"
	"firma-sign/core/internal/model"
	"firma-sign/core/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bs, err := blobstore.New(t.TempDir(), blobstore.Capabilities{MaxFileSize: 1024 * 1024}, log)
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	return New(st, bs, log)
}

func TestKeyedMutexReleasesEntriesAfterUnlock(t *testing.T) {
	k := newKeyedMutex()
	for i := 0; i < 5; i++ {
		unlock := k.lock("t1")
		unlock()
	}
	k.mu.Lock()
	n := len(k.locks)
	k.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no residual lock entries once all holders released, got %d", n)
	}
}

func TestCreateDocumentAtomicCommit(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tr := &model.Transfer{ID: "t1", Direction: model.Outgoing, Status: model.StatusPending, TransportName: "p2p"}
	if err := c.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	doc := &model.Document{ID: "d1", TransferID: "t1", FileName: "a.txt", Status: model.DocPending}
	if err := c.CreateDocument(ctx, doc, []byte("hello world"), model.Outgoing, model.SlotOriginal); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	got, err := c.store.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.ContentHash != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Fatalf("unexpected content hash %s", got.ContentHash)
	}
	data, err := c.ReadDocumentBytes(ctx, "t1", got, model.Outgoing, model.SlotOriginal)
	if err != nil {
		t.Fatalf("ReadDocumentBytes: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected bytes %q", data)
	}
}

func TestSignDocumentOneWinner(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tr := &model.Transfer{ID: "t1", Direction: model.Incoming, Status: model.StatusSigning, TransportName: "p2p"}
	if err := c.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	doc := &model.Document{ID: "d1", TransferID: "t1", FileName: "a.txt", Status: model.DocPending}
	if err := c.CreateDocument(ctx, doc, []byte("doc"), model.Incoming, model.SlotOriginal); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	results := make(chan error, 2)
	go func() { results <- c.SignDocument(ctx, "t1", doc, model.Incoming, []byte("signed-by-alice"), "alice") }()
	go func() { results <- c.SignDocument(ctx, "t1", doc, model.Incoming, []byte("signed-by-bob"), "bob") }()

	var ok, failed int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			ok++
		} else if model.Is(err, model.AlreadySigned) {
			failed++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("expected one winner, got ok=%d failed=%d", ok, failed)
	}
}

func TestPurgeTransferRemovesBlobsAndRows(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tr := &model.Transfer{ID: "t1", Direction: model.Outgoing, Status: model.StatusPending, TransportName: "p2p"}
	if err := c.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	doc := &model.Document{ID: "d1", TransferID: "t1", FileName: "a.txt", Status: model.DocPending}
	if err := c.CreateDocument(ctx, doc, []byte("doc"), model.Outgoing, model.SlotOriginal); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := c.PurgeTransfer(ctx, "t1", model.Outgoing); err != nil {
		t.Fatalf("PurgeTransfer: %v", err)
	}
	if _, err := c.store.GetTransfer(ctx, "t1"); !model.Is(err, model.NotFound) {
		t.Fatalf("expected transfer gone, got %v", err)
	}
	exists, err := c.blobs.Exists(CanonicalPath("t1", model.Outgoing, model.SlotOriginal, "a.txt"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatalf("expected blob removed after purge")
	}
}
