package p2p

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
	"firma-sign/core/internal/transport"
)

// wsListener is the second listening address named in §4.6 "Listening
// addresses": browser-origin peers cannot dial a raw libp2p stream, so this
// speaks the identical wire JSON (wireRequest/wireResponse) over one
// WebSocket message per exchange instead of the length-prefixed stream
// framing handleStream uses.
type wsListener struct {
	srv      *http.Server
	upgrader websocket.Upgrader
	log      *logrus.Logger
	deadline time.Duration

	handlerMu sync.RWMutex
	handler   transport.Handler
}

func newWSListener(addr string, deadline time.Duration, log *logrus.Logger) (*wsListener, error) {
	l := &wsListener{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      log,
		deadline: deadline,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/firma-sign/transfer", l.serveHTTP)
	l.srv = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "listen for websocket transport", err)
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("p2p: websocket listener stopped")
		}
	}()
	return l, nil
}

func (l *wsListener) setHandler(h transport.Handler) {
	l.handlerMu.Lock()
	l.handler = h
	l.handlerMu.Unlock()
}

func (l *wsListener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(l.deadline))

	var req wireRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}

	l.handlerMu.RLock()
	handler := l.handler
	l.handlerMu.RUnlock()

	if handler == nil {
		conn.WriteJSON(wireResponse{Success: false, Error: string(model.TransportUnavailable)})
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
			ID: d.ID, FileName: d.FileName, MimeType: d.MimeType, Size: d.Size, Data: d.Data, Hash: d.Hash, Metadata: d.Metadata,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.deadline)
	defer cancel()

	resp := wireResponse{Success: true}
	if err := handler(ctx, in); err != nil {
		resp = wireResponse{Success: false, Error: model.KindOf(err).String()}
	}
	conn.WriteJSON(resp)
}

func (l *wsListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.srv.Shutdown(ctx)
}
