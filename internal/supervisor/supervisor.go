// Package supervisor implements C11's lifecycle half: the fixed startup
// order and reversed shutdown order named in SPEC_FULL.md §5.11, modeled on
// the teacher's explicit, hand-ordered dependency construction in
// cmd/synnergy/main.go rather than a DI container.
package supervisor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/anchor"
	"firma-sign/core/internal/blobstore"
	"firma-sign/core/internal/config"
	"firma-sign/core/internal/coordinator"
	"firma-sign/core/internal/engine"
	"firma-sign/core/internal/model"
	"firma-sign/core/internal/peers"
	"firma-sign/core/internal/store"
	"firma-sign/core/internal/subscription"
	"firma-sign/core/internal/transport"

	_ "firma-sign/core/internal/transport/p2p" // registers the "p2p" transport constructor
)

// Supervisor owns every long-lived component and the order they start and
// stop in: relational store -> blob store -> coordinator -> subscription
// bus -> peer directory -> transport registry -> state engine. Shutdown
// reverses this order.
type Supervisor struct {
	log *logrus.Logger
	cfg *config.Config

	Store     *store.Store
	Blobs     *blobstore.Store
	Coord     *coordinator.Coordinator
	Bus       *subscription.Bus
	Peers     *peers.Directory
	Registry  *transport.Registry
	Engine    *engine.Engine

	fatal chan error
}

// New constructs every component in dependency order and wires them
// together. The peer directory's TTL sweeper and the configured transports
// start running here; the engine's deadline sweep waits for Start.
// An error surfaced on the registry's Events channel does not cascade: individual transport failures stay scoped to that
// transport, per §4.11 "individual transport failures do not cascade".
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Supervisor, error) {
	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "open relational store", err)
	}

	bs, err := blobstore.New(cfg.StoragePath, blobstore.Capabilities{MaxFileSize: 500 * 1024 * 1024}, log)
	if err != nil {
		st.Close()
		return nil, model.Wrap(model.OperationFailed, "open blob store", err)
	}

	coord := coordinator.New(st, bs, log)
	bus := subscription.New()
	dir := peers.New(log)
	reg := transport.NewRegistry(log)

	hashAnchor := anchor.NewInMemory()
	eng := engine.New(coord, reg, bus, hashAnchor, log)

	s := &Supervisor{
		log: log, cfg: cfg,
		Store: st, Blobs: bs, Coord: coord, Bus: bus, Peers: dir, Registry: reg, Engine: eng,
		fatal: make(chan error, 1),
	}

	if err := reg.Configure(ctx, cfg.Transports); err != nil {
		s.shutdownPartial()
		return nil, model.Wrap(model.OperationFailed, "configure transport registry", err)
	}

	for _, name := range reg.Names() {
		t, err := reg.Get(name)
		if err != nil {
			continue
		}
		if peerAware, ok := t.(interface {
			SetPeerDiscovered(func(peerID string, addrs []string))
		}); ok {
			peerAware.SetPeerDiscovered(func(peerID string, addrs []string) {
				dir.Upsert(model.Peer{PeerID: peerID, Addresses: addrs, TransportsKnown: []string{name}, LastSeen: time.Now().Unix()})
			})
		}
		t.Receive(func(ctx context.Context, in transport.IncomingTransfer) error {
			err := eng.HandleIncoming(ctx, in)
			if err != nil {
				// Non-blocking: once Events is full, further errors are dropped.
				select {
				case reg.Events <- transport.ErrorEvent{Transport: name, Err: err}:
				default:
				}
			}
			return err
		})
	}

	return s, nil
}

// Start launches the state engine's deadline sweep (the peer directory's
// TTL sweeper already runs from New). Call once after New succeeds.
func (s *Supervisor) Start() {
	s.Engine.Start()
}

// Fatal returns a channel a caller can select on for an unrecoverable
// component error; the Supervisor itself never sends transport-level
// errors here, only errors that require the whole process to stop.
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

// Shutdown tears every component down in the reverse of New's construction
// order: state engine -> transport registry -> peer directory ->
// subscription bus (nothing to close) ->
// coordinator (nothing to close) -> blob store (nothing to close) ->
// relational store.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.Engine.Close()
	s.Registry.Shutdown(ctx, transport.Graceful)
	s.Peers.Close()
	if err := s.Store.Close(); err != nil {
		s.log.WithError(err).Warn("supervisor: error closing relational store")
	}
}

// shutdownPartial tears down whatever was constructed before a startup
// failure, so New never leaks a half-open store or blob tree on error.
func (s *Supervisor) shutdownPartial() {
	s.Peers.Close()
	if err := s.Store.Close(); err != nil {
		s.log.WithError(err).Warn("supervisor: error closing relational store during failed startup")
	}
}
