package p2p

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
	"firma-sign/core/internal/transport"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return log
}

func TestFrameRoundTrip(t *testing.T) {
	req := wireRequest{
		TransferID: "t1",
		Documents:  []wireDocument{{ID: "d1", FileName: "a.pdf", Hash: "abc"}},
		Sender:     wireSender{SenderID: "s1", Transport: "p2p"},
	}
	payload, err := encodeRequest(req)
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	decoded, err := decodeRequest(got)
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if decoded.TransferID != "t1" || len(decoded.Documents) != 1 || decoded.Documents[0].Hash != "abc" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestParseConfigAppliesDefaults(t *testing.T) {
	cfg := parseConfig(map[string]any{"listenAddr": "/ip4/127.0.0.1/tcp/9000"})
	if cfg.ListenAddr != "/ip4/127.0.0.1/tcp/9000" {
		t.Fatalf("expected override, got %s", cfg.ListenAddr)
	}
	if cfg.DiscoveryTag != "firma-sign" {
		t.Fatalf("expected default discovery tag, got %s", cfg.DiscoveryTag)
	}
	if cfg.SendDeadline != 60*time.Second {
		t.Fatalf("expected default send deadline, got %v", cfg.SendDeadline)
	}
}

func TestParseTCPPort(t *testing.T) {
	port, err := parseTCPPort("/ip4/0.0.0.0/tcp/4001")
	if err != nil || port != 4001 {
		t.Fatalf("expected port 4001, got %d err %v", port, err)
	}
	if _, err := parseTCPPort("/ip4/0.0.0.0/udp/4001/quic"); err == nil {
		t.Fatalf("expected error for addr without tcp port")
	}
}

// TestSendDeliversToReceivingPeer exercises two real libp2p hosts over the
// loopback interface: node A sends a transfer, node B's registered handler
// receives it and reports success back over the same stream.
func TestSendDeliversToReceivingPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := testLogger()

	receiver := &Transport{log: log}
	if err := receiver.Initialize(ctx, map[string]any{
		"listenAddr": "/ip4/127.0.0.1/tcp/0",
	}); err != nil {
		t.Fatalf("receiver Initialize: %v", err)
	}
	defer receiver.Shutdown(ctx)

	received := make(chan transport.IncomingTransfer, 1)
	receiver.Receive(func(ctx context.Context, in transport.IncomingTransfer) error {
		received <- in
		return nil
	})

	sender := &Transport{log: log}
	if err := sender.Initialize(ctx, map[string]any{
		"listenAddr": "/ip4/127.0.0.1/tcp/0",
	}); err != nil {
		t.Fatalf("sender Initialize: %v", err)
	}
	defer sender.Shutdown(ctx)

	if len(receiver.node.host.Addrs()) == 0 {
		t.Fatal("receiver has no listen addresses")
	}
	peerAddr := receiver.node.host.Addrs()[0].String() + "/p2p/" + receiver.node.host.ID().String()

	if _, err := sender.node.DialManual(peerAddr); err != nil {
		t.Fatalf("DialManual: %v", err)
	}

	out := transport.OutgoingTransfer{
		TransferID: "xfer-1",
		Documents:  []transport.OutgoingDocument{{ID: "d1", FileName: "a.pdf", Hash: "abc"}},
		Recipients: []transport.OutgoingRecipient{
			{ID: "r1", Identifier: receiver.node.host.ID().String(), Transport: "p2p"},
		},
		Sender: model.Sender{SenderID: "s1", Transport: "p2p"},
	}

	res, err := sender.Send(ctx, out)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || !res.RecipientResults[0].Success {
		t.Fatalf("expected successful delivery, got %+v", res)
	}

	select {
	case in := <-received:
		if in.TransferID != "xfer-1" || len(in.Documents) != 1 {
			t.Fatalf("unexpected delivered transfer: %+v", in)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never observed the transfer")
	}
}

// TestSendRejectsOversizeBeforeDialing covers property 8 / scenario S2: a
// document over capabilities().MaxFileSize must fail every recipient with
// FileTooLarge without ever opening a stream to a peer.
func TestSendRejectsOversizeBeforeDialing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := testLogger()

	sender := &Transport{log: log}
	if err := sender.Initialize(ctx, map[string]any{
		"listenAddr": "/ip4/127.0.0.1/tcp/0",
	}); err != nil {
		t.Fatalf("sender Initialize: %v", err)
	}
	defer sender.Shutdown(ctx)

	out := transport.OutgoingTransfer{
		TransferID: "xfer-oversize",
		Documents:  []transport.OutgoingDocument{{ID: "d1", FileName: "a.pdf", Size: capabilities().MaxFileSize + 1}},
		Recipients: []transport.OutgoingRecipient{
			{ID: "r1", Identifier: "12D3KooWunreachablepeeridentifierxxxxxxxxxxxxxxxxxxxxxxxxxxx", Transport: "p2p"},
		},
		Sender: model.Sender{SenderID: "s1", Transport: "p2p"},
	}

	res, err := sender.Send(ctx, out)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success {
		t.Fatalf("expected overall failure, got %+v", res)
	}
	if res.RecipientResults[0].Error != "FileTooLarge" {
		t.Fatalf("expected FileTooLarge, got %+v", res.RecipientResults[0])
	}
}

// TestWebSocketListenerDeliversToHandler exercises the browser-origin
// listening address: a plain gorilla/websocket client speaks the same
// wireRequest/wireResponse JSON the libp2p stream handler uses.
func TestWebSocketListenerDeliversToHandler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := testLogger()

	receiver := &Transport{log: log}
	if err := receiver.Initialize(ctx, map[string]any{
		"listenAddr":   "/ip4/127.0.0.1/tcp/0",
		"wsListenAddr": "127.0.0.1:18765",
	}); err != nil {
		t.Fatalf("receiver Initialize: %v", err)
	}
	defer receiver.Shutdown(ctx)

	received := make(chan transport.IncomingTransfer, 1)
	receiver.Receive(func(ctx context.Context, in transport.IncomingTransfer) error {
		received <- in
		return nil
	})

	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial("ws://127.0.0.1:18765/firma-sign/transfer", nil)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial websocket listener: %v", err)
	}
	defer conn.Close()

	req := wireRequest{
		TransferID: "ws-xfer-1",
		Documents:  []wireDocument{{ID: "d1", FileName: "a.pdf", Hash: "abc"}},
		Sender:     wireSender{SenderID: "browser-1", Transport: "p2p"},
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp wireResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success response, got %+v", resp)
	}

	select {
	case in := <-received:
		if in.TransferID != "ws-xfer-1" {
			t.Fatalf("unexpected transfer id: %s", in.TransferID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never observed the websocket transfer")
	}
}
