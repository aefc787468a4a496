package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
	"firma-sign/core/internal/transport"
)

func init() {
	transport.Register("p2p", func() transport.Transport {
		return &Transport{log: logrus.StandardLogger()}
	})
}

// Transport implements transport.Transport over a direct libp2p connection,
// the built-in peer-to-peer delivery mechanism named in §4.6.
type Transport struct {
	mu   sync.Mutex
	log  *logrus.Logger
	cfg  Config
	node *node
	nat  *natManager
	ws   *wsListener

	handler       transport.Handler
	receiving     bool
	active        int
	lastErr       string
	onPeerFound   func(peerID string, addrs []string)
}

// SetLogger lets the supervisor inject the process-wide logrus instance
// before Initialize, matching the teacher's explicit-logger-injection style.
func (t *Transport) SetLogger(log *logrus.Logger) { t.log = log }

// SetPeerDiscovered registers a callback invoked whenever mDNS or the
// advertise topic surfaces a peer, so the supervisor can feed the Peer
// Directory (C9) without this package importing it.
func (t *Transport) SetPeerDiscovered(fn func(peerID string, addrs []string)) {
	t.mu.Lock()
	t.onPeerFound = fn
	t.mu.Unlock()
}

func (t *Transport) Name() string    { return "p2p" }
func (t *Transport) Version() string { return "1.0.0" }

func (t *Transport) Capabilities() transport.Capabilities { return capabilities() }

func (t *Transport) ValidateConfig(raw map[string]any) bool {
	_, ok := raw["listenAddr"]
	return ok || raw == nil
}

func (t *Transport) Initialize(ctx context.Context, raw map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cfg = parseConfig(raw)

	id, err := newIdentity()
	if err != nil {
		return err
	}

	// Look the callback up at call time, so one registered after
	// Initialize (as the supervisor does) is still invoked.
	discoverCb := func(dp discoveredPeer) {
		t.mu.Lock()
		fn := t.onPeerFound
		t.mu.Unlock()
		if fn != nil {
			fn(dp.PeerID, dp.Addrs)
		}
	}
	n, err := newNode(ctx, id, t.cfg, t.log, discoverCb)
	if err != nil {
		return err
	}
	t.node = n

	if t.cfg.EnableNAT {
		nm, err := newNATManager(t.cfg, t.log)
		if err != nil {
			t.log.WithError(err).Warn("p2p: NAT traversal unavailable, continuing without it")
		} else {
			t.nat = nm
		}
	}

	n.SetStreamHandler(t.handleStream)
	if err := n.Advertise(); err != nil {
		t.log.WithError(err).Debug("p2p: initial advertise skipped")
	}

	if t.cfg.WSListenAddr != "" {
		ws, err := newWSListener(t.cfg.WSListenAddr, t.cfg.SendDeadline, t.log)
		if err != nil {
			t.log.WithError(err).Warn("p2p: websocket listener unavailable, continuing without it")
		} else {
			t.ws = ws
		}
	}
	return nil
}

func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.node == nil {
		return nil
	}
	if t.nat != nil {
		t.nat.Close()
	}
	if t.ws != nil {
		t.ws.Close()
		t.ws = nil
	}
	t.node.RemoveStreamHandler()
	err := t.node.Close()
	t.node = nil
	t.receiving = false
	return err
}

func (t *Transport) Status() transport.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transport.Status{
		Initialized:     t.node != nil,
		Receiving:       t.receiving,
		ActiveTransfers: t.active,
		LastError:       t.lastErr,
	}
}

// Send opens one stream per recipient and resolves only once every
// recipient attempt has reached a terminal outcome, per §4.4.
func (t *Transport) Send(ctx context.Context, out transport.OutgoingTransfer) (*transport.TransferResult, error) {
	t.mu.Lock()
	n := t.node
	cfg := t.cfg
	t.active++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.active--
		t.mu.Unlock()
	}()

	if n == nil {
		return nil, model.New(model.TransportUnavailable, "p2p transport not initialized")
	}

	maxSize := capabilities().MaxFileSize
	for _, d := range out.Documents {
		if d.Size > maxSize {
			results := make([]transport.RecipientResult, len(out.Recipients))
			for i, r := range out.Recipients {
				results[i] = transport.RecipientResult{RecipientID: r.ID, Success: false, Error: "FileTooLarge"}
			}
			return &transport.TransferResult{Success: false, RecipientResults: results}, nil
		}
	}

	req := wireRequest{
		TransferID: out.TransferID,
		Sender: wireSender{
			SenderID:     out.Sender.SenderID,
			Name:         out.Sender.Name,
			Transport:    "p2p",
			Timestamp:    out.Sender.Timestamp,
			Verification: string(out.Sender.Verification),
		},
		Options: out.Options,
	}
	for _, d := range out.Documents {
		req.Documents = append(req.Documents, wireDocument{
			ID:       d.ID,
			FileName: d.FileName,
			MimeType: d.MimeType,
			Size:     d.Size,
			Data:     d.Data,
			Hash:     d.Hash,
			Metadata: d.Metadata,
		})
	}

	results := make([]transport.RecipientResult, len(out.Recipients))
	var wg sync.WaitGroup
	for i, r := range out.Recipients {
		wg.Add(1)
		go func(i int, r transport.OutgoingRecipient) {
			defer wg.Done()
			results[i] = t.sendToOne(ctx, n, cfg, req, r)
		}(i, r)
	}
	wg.Wait()

	overall := false
	for _, r := range results {
		if r.Success {
			overall = true
			break
		}
	}
	return &transport.TransferResult{Success: overall, RecipientResults: results}, nil
}

func (t *Transport) sendToOne(ctx context.Context, n *node, cfg Config, req wireRequest, r transport.OutgoingRecipient) transport.RecipientResult {
	pid, err := peer.Decode(r.Identifier)
	if err != nil {
		return transport.RecipientResult{RecipientID: r.ID, Success: false, Error: "InvalidConfig"}
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendDeadline)
	defer cancel()

	stream, err := n.host.NewStream(sctx, pid, protocolID())
	if err != nil {
		return transport.RecipientResult{RecipientID: r.ID, Success: false, Error: "SendTimeout"}
	}
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(cfg.SendDeadline))

	payload, err := encodeRequest(req)
	if err != nil {
		return transport.RecipientResult{RecipientID: r.ID, Success: false, Error: "OperationFailed"}
	}
	if err := writeFrame(stream, payload); err != nil {
		return transport.RecipientResult{RecipientID: r.ID, Success: false, Error: "SendTimeout"}
	}

	respBytes, err := readFrame(stream)
	if err != nil {
		return transport.RecipientResult{RecipientID: r.ID, Success: false, Error: "SendTimeout"}
	}
	resp, err := decodeResponse(respBytes)
	if err != nil {
		return transport.RecipientResult{RecipientID: r.ID, Success: false, Error: "OperationFailed"}
	}
	if !resp.Success {
		return transport.RecipientResult{RecipientID: r.ID, Success: false, Error: resp.Error}
	}
	return transport.RecipientResult{RecipientID: r.ID, Success: true}
}

func (t *Transport) Receive(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.receiving = true
	ws := t.ws
	t.mu.Unlock()
	if ws != nil {
		ws.setHandler(h)
	}
}

func (t *Transport) StopReceiving() {
	t.mu.Lock()
	t.handler = nil
	t.receiving = false
	ws := t.ws
	t.mu.Unlock()
	if ws != nil {
		ws.setHandler(nil)
	}
}

// handleStream is the inbound half of the wire protocol: one stream carries
// exactly one request/response exchange, mirroring Send's framing.
func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(t.cfg.SendDeadline))

	payload, err := readFrame(s)
	if err != nil {
		return
	}
	req, err := decodeRequest(payload)
	if err != nil {
		writeFrame(s, mustEncodeResponse(wireResponse{Success: false, Error: "OperationFailed"}))
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	if handler == nil {
		writeFrame(s, mustEncodeResponse(wireResponse{Success: false, Error: "TransportUnavailable"}))
		return
	}

	in := transport.IncomingTransfer{
		TransferID: req.TransferID,
		Sender: model.Sender{
			SenderID:     req.Sender.SenderID,
			Name:         req.Sender.Name,
			Transport:    req.Sender.Transport,
			Timestamp:    req.Sender.Timestamp,
			Verification: model.Verification(req.Sender.Verification),
		},
		Options: req.Options,
	}
	for _, d := range req.Documents {
		in.Documents = append(in.Documents, transport.IncomingDocument{
			ID:       d.ID,
			FileName: d.FileName,
			MimeType: d.MimeType,
			Size:     d.Size,
			Data:     d.Data,
			Hash:     d.Hash,
			Metadata: d.Metadata,
		})
	}

	hctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendDeadline)
	defer cancel()

	resp := wireResponse{Success: true}
	if err := handler(hctx, in); err != nil {
		resp = wireResponse{Success: false, Error: model.KindOf(err).String()}
	}
	writeFrame(s, mustEncodeResponse(resp))
}

func mustEncodeResponse(r wireResponse) []byte {
	b, _ := encodeResponse(r)
	return b
}
