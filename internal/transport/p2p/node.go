package p2p

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
)

// discoveredPeer is the directory-facing shape a Node reports up to C9.
type discoveredPeer struct {
	PeerID    string
	Addrs     []string
	Source    string
}

// node wraps a libp2p host with the mDNS/pubsub discovery stack, following
// the teacher's core/network.go NewNode/HandlePeerFound/DialSeed shape.
type node struct {
	id       *identity
	host     host.Host
	pubsub   *pubsub.PubSub
	advTopic *pubsub.Topic

	cfg    Config
	log    *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc

	peerMu sync.RWMutex
	peers  map[peer.ID]discoveredPeer

	onPeerFound func(discoveredPeer)
}

func newNode(ctx context.Context, id *identity, cfg Config, log *logrus.Logger, onPeerFound func(discoveredPeer)) (*node, error) {
	nctx, cancel := context.WithCancel(ctx)

	h, err := libp2p.New(
		libp2p.Identity(id.priv),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
	)
	if err != nil {
		cancel()
		return nil, model.Wrap(model.OperationFailed, "create libp2p host", err)
	}

	ps, err := pubsub.NewGossipSub(nctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, model.Wrap(model.OperationFailed, "create pubsub", err)
	}

	n := &node{
		id:          id,
		host:        h,
		pubsub:      ps,
		cfg:         cfg,
		log:         log,
		ctx:         nctx,
		cancel:      cancel,
		peers:       make(map[peer.ID]discoveredPeer),
		onPeerFound: onPeerFound,
	}

	// Wide-area discovery: a gossip topic on which already-connected peers
	// announce their peer id. No addresses travel on it: a receiver records
	// the announcing peer's id only, with an empty address list.
	topic, err := ps.Join("firma-sign/peer-advertise/" + cfg.DiscoveryTag)
	if err == nil {
		n.advTopic = topic
		go n.consumeAdvertisements(topic)
	} else {
		log.WithError(err).Warn("p2p: failed to join peer-advertise topic")
	}

	svc, err := mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	if err != nil {
		log.WithError(err).Warn("p2p: mDNS discovery unavailable")
	} else if err := svc.Start(); err != nil {
		log.WithError(err).Warn("p2p: mDNS discovery failed to start")
	}

	if err := n.dialSeeds(cfg.BootstrapPeers); err != nil {
		log.WithError(err).Warn("p2p: bootstrap dial warnings")
	}

	return n, nil
}

// HandlePeerFound implements mdns.Notifee: local-subnet discovery, §4.6.
func (n *node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peerMu.RLock()
	_, known := n.peers[info.ID]
	n.peerMu.RUnlock()
	if known {
		return
	}

	dp := discoveredPeer{PeerID: info.ID.String(), Source: "mdns"}
	for _, a := range info.Addrs {
		dp.Addrs = append(dp.Addrs, a.String())
	}

	if n.cfg.AutoDial {
		if err := n.host.Connect(n.ctx, info); err != nil {
			n.log.WithError(err).Warn("p2p: auto-dial to discovered peer failed")
			return
		}
	}

	n.peerMu.Lock()
	n.peers[info.ID] = dp
	n.peerMu.Unlock()

	if n.onPeerFound != nil {
		n.onPeerFound(dp)
	}
}

func (n *node) dialSeeds(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerMu.Lock()
		n.peers[pi.ID] = discoveredPeer{PeerID: pi.ID.String(), Addrs: []string{addr}, Source: "bootstrap"}
		n.peerMu.Unlock()
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DialManual connects to a fully-specified multiaddress tuple, §4.6
// "Manual".
func (n *node) DialManual(addr string) (peer.ID, error) {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return "", model.Wrap(model.InvalidConfig, "invalid peer address", err)
	}
	if err := n.host.Connect(n.ctx, *pi); err != nil {
		return "", model.Wrap(model.OperationFailed, "dial peer", err)
	}
	n.peerMu.Lock()
	n.peers[pi.ID] = discoveredPeer{PeerID: pi.ID.String(), Addrs: []string{addr}, Source: "manual"}
	n.peerMu.Unlock()
	return pi.ID, nil
}

func (n *node) consumeAdvertisements(topic *pubsub.Topic) {
	sub, err := topic.Subscribe()
	if err != nil {
		n.log.WithError(err).Warn("p2p: subscribe to peer-advertise failed")
		return
	}
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == n.host.ID() {
			continue
		}
		dp := discoveredPeer{PeerID: msg.GetFrom().String(), Source: "overlay"}
		n.peerMu.Lock()
		if _, known := n.peers[msg.GetFrom()]; !known {
			n.peers[msg.GetFrom()] = dp
			n.peerMu.Unlock()
			if n.onPeerFound != nil {
				n.onPeerFound(dp)
			}
		} else {
			n.peerMu.Unlock()
		}
	}
}

// Advertise announces this node's presence on the wide-area overlay topic.
func (n *node) Advertise() error {
	if n.advTopic == nil {
		return model.New(model.OperationFailed, "advertise topic not joined")
	}
	return n.advTopic.Publish(n.ctx, []byte(n.host.ID().String()))
}

func (n *node) SetStreamHandler(h network.StreamHandler) {
	n.host.SetStreamHandler(protocol.ID(ProtocolID), h)
}

func (n *node) RemoveStreamHandler() {
	n.host.RemoveStreamHandler(protocol.ID(ProtocolID))
}

func (n *node) Peers() []discoveredPeer {
	n.peerMu.RLock()
	defer n.peerMu.RUnlock()
	out := make([]discoveredPeer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

func (n *node) Close() error {
	n.cancel()
	return n.host.Close()
}
