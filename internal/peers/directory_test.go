package peers

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
)

func testDir(t *testing.T) *Directory {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	d := New(log)
	t.Cleanup(d.Close)
	return d
}

func TestUpsertMergesAddresses(t *testing.T) {
	d := testDir(t)
	d.Upsert(model.Peer{PeerID: "p1", Addresses: []string{"/ip4/1.1.1.1/tcp/1"}, LastSeen: time.Now().Unix()})
	d.Upsert(model.Peer{PeerID: "p1", Addresses: []string{"/ip4/2.2.2.2/tcp/2"}, LastSeen: time.Now().Unix()})

	p, ok := d.Get("p1")
	if !ok {
		t.Fatal("expected peer to be present")
	}
	if len(p.Addresses) != 2 {
		t.Fatalf("expected merged addresses, got %v", p.Addresses)
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	d := testDir(t)
	d.Upsert(model.Peer{PeerID: "stale", LastSeen: time.Now().Add(-48 * time.Hour).Unix()})
	d.Upsert(model.Peer{PeerID: "fresh", LastSeen: time.Now().Unix()})

	d.sweep()

	if _, ok := d.Get("stale"); ok {
		t.Fatal("expected stale peer to be evicted")
	}
	if _, ok := d.Get("fresh"); !ok {
		t.Fatal("expected fresh peer to remain")
	}
}

func TestRemove(t *testing.T) {
	d := testDir(t)
	d.Upsert(model.Peer{PeerID: "p1", LastSeen: time.Now().Unix()})
	d.Remove("p1")
	if _, ok := d.Get("p1"); ok {
		t.Fatal("expected peer to be removed")
	}
}
