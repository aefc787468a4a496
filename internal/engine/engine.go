// Package engine implements C7: the lifecycle state machine that drives
// each transfer, orchestrating the Store Coordinator (C3) and Transport
// Registry (C5). The deadline sweep is a single ticker rather than a
// goroutine per transfer, the same economy of goroutines as the teacher's
// ConnPool.reaper() in core/connection_pool.go.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/anchor"
	"firma-sign/core/internal/coordinator"
	"firma-sign/core/internal/cryptoutil"
	"firma-sign/core/internal/model"
	"firma-sign/core/internal/subscription"
	"firma-sign/core/internal/transport"
)

// tickInterval is how often the deadline sweep runs.
const tickInterval = 1 * time.Second

// Engine owns one state machine per transfer, per §4.7.
type Engine struct {
	coord    *coordinator.Coordinator
	registry *transport.Registry
	bus      *subscription.Bus
	anchor   anchor.HashAnchor
	log      *logrus.Logger

	closing chan struct{}
	once    sync.Once
}

// New wires an Engine from its already-constructed collaborators.
func New(coord *coordinator.Coordinator, registry *transport.Registry, bus *subscription.Bus, hashAnchor anchor.HashAnchor, log *logrus.Logger) *Engine {
	return &Engine{
		coord:    coord,
		registry: registry,
		bus:      bus,
		anchor:   hashAnchor,
		log:      log,
		closing:  make(chan struct{}),
	}
}

// Start launches the deadline sweep. Call once.
func (e *Engine) Start() {
	go e.tick()
}

// Close stops the deadline sweep.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.closing) })
}

func (e *Engine) tick() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepDeadlines()
		case <-e.closing:
			return
		}
	}
}

// sweepDeadlines fails any non-terminal transfer whose metadata.deadline has
// passed, per §4.7 "Deadlines".
func (e *Engine) sweepDeadlines() {
	ctx := context.Background()
	for _, status := range nonTerminalStatuses {
		transfers, err := e.coord.Store().FindTransfersByStatus(ctx, status)
		if err != nil {
			e.log.WithError(err).Warn("engine: deadline sweep query failed")
			continue
		}
		for _, t := range transfers {
			if t.Metadata.Deadline == nil || time.Now().Unix() < *t.Metadata.Deadline {
				continue
			}
			if err := e.coord.TransitionTransfer(ctx, t.ID, model.StatusFailed); err != nil {
				e.log.WithField("transfer", t.ID).WithError(err).Warn("engine: failed to expire transfer")
				continue
			}
			e.bus.Publish(subscription.Event{Type: subscription.TransferFailed, TransferID: t.ID, Payload: string(model.Expired)})
		}
	}
}

var nonTerminalStatuses = []model.TransferStatus{
	model.StatusPending, model.StatusSending, model.StatusSent, model.StatusDelivered,
	model.StatusOpened, model.StatusSigning, model.StatusPartiallySigned,
}

// NewOutgoingSpec is the caller-supplied payload for CreateOutgoing.
type NewOutgoingSpec struct {
	ID         string
	Documents  []OutgoingDocumentSpec
	Recipients []*model.Recipient
	Metadata   model.TransferMetadata
	TransportName string
}

// OutgoingDocumentSpec is one document to attach to a new outgoing transfer.
type OutgoingDocumentSpec struct {
	ID       string
	FileName string
	Data     []byte
}

// CreateOutgoing persists a new outgoing transfer with its documents and
// recipients, then publishes transfer:created, per the data-flow in §2:
// "caller hands a document to C3 ... C7 enters Pending".
func (e *Engine) CreateOutgoing(ctx context.Context, spec NewOutgoingSpec) (*model.Transfer, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := &model.Transfer{
		ID:            id,
		Direction:     model.Outgoing,
		Status:        model.StatusPending,
		TransportName: spec.TransportName,
		Metadata:      spec.Metadata,
	}
	if err := e.coord.CreateTransfer(ctx, t); err != nil {
		return nil, err
	}
	for _, ds := range spec.Documents {
		docID := ds.ID
		if docID == "" {
			docID = cryptoutil.DocumentID(cryptoutil.Hash(ds.Data), time.Now().Unix())
		}
		doc := &model.Document{ID: docID, TransferID: id, FileName: ds.FileName, Status: model.DocPending}
		if err := e.coord.CreateDocument(ctx, doc, ds.Data, model.Outgoing, model.SlotOriginal); err != nil {
			return nil, err
		}
		e.anchorOriginal(ctx, id, doc)
	}
	for _, r := range spec.Recipients {
		r.TransferID = id
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Status == "" {
			r.Status = model.RecipientPending
		}
		if err := e.coord.CreateRecipient(ctx, r); err != nil {
			return nil, err
		}
	}
	e.bus.Publish(subscription.Event{Type: subscription.TransferCreated, TransferID: id})
	return t, nil
}

// Send drives a pending transfer through sending -> sent|failed, routing
// each recipient through the Transport Registry, per the §2 data-flow and
// §4.7 diagram's pending -> sending -> sent edge. Recipients the transport
// confirms delivery to are advanced straight to notified (this wire
// protocol's Send ack IS the delivery confirmation) which in turn drives the
// transfer to delivered.
func (e *Engine) Send(ctx context.Context, transferID string) (*transport.TransferResult, error) {
	st := e.coord.Store()
	t, err := st.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusPending {
		return nil, model.New(model.InvalidConfig, "transfer is not pending")
	}
	docs, err := st.FindDocumentsByTransferID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	recipients, err := st.FindRecipientsByTransferID(ctx, transferID)
	if err != nil {
		return nil, err
	}

	if err := e.coord.TransitionTransfer(ctx, transferID, model.StatusSending); err != nil {
		return nil, err
	}

	out := transport.OutgoingTransfer{TransferID: transferID}
	for _, d := range docs {
		data, err := e.coord.ReadDocumentBytes(ctx, transferID, d, model.Outgoing, model.SlotOriginal)
		if err != nil {
			e.coord.TransitionTransfer(ctx, transferID, model.StatusFailed)
			return nil, err
		}
		out.Documents = append(out.Documents, transport.OutgoingDocument{
			ID: d.ID, FileName: d.FileName, Size: d.Size, Data: data, Hash: d.ContentHash,
		})
	}
	for _, r := range recipients {
		out.Recipients = append(out.Recipients, transport.OutgoingRecipient{ID: r.ID, Identifier: r.Identifier, Transport: r.Transport})
	}

	res, sendErr := e.sendWithRetry(ctx, out)
	if sendErr != nil {
		e.coord.TransitionTransfer(ctx, transferID, model.StatusFailed)
		e.bus.Publish(subscription.Event{Type: subscription.TransferFailed, TransferID: transferID})
		return nil, sendErr
	}

	if !res.Success {
		e.coord.TransitionTransfer(ctx, transferID, model.StatusFailed)
		e.bus.Publish(subscription.Event{Type: subscription.TransferFailed, TransferID: transferID})
		return res, nil
	}

	if err := e.coord.TransitionTransfer(ctx, transferID, model.StatusSent); err != nil {
		return res, err
	}
	e.bus.Publish(subscription.Event{Type: subscription.TransferStatus, TransferID: transferID, Payload: model.StatusSent})

	for _, rr := range res.RecipientResults {
		if !rr.Success {
			continue
		}
		if err := e.coord.TransitionRecipient(ctx, transferID, rr.RecipientID, model.RecipientNotified); err != nil {
			e.log.WithField("recipient", rr.RecipientID).WithError(err).Warn("engine: failed to mark recipient notified")
		}
	}
	if err := e.coord.TransitionTransfer(ctx, transferID, model.StatusDelivered); err != nil {
		return res, err
	}
	e.bus.Publish(subscription.Event{Type: subscription.TransferDelivered, TransferID: transferID})
	return res, nil
}

// retryBackoff is the bounded exponential schedule for retryable per-recipient
// send failures, per §7: "bounded exponential backoff: 1s, 2s, 4s, 8s; max 4
// attempts".
var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

// retryableSend reports whether a recipient's send failure is retryable per
// §7: SendTimeout, TransportUnavailable, and network-class OperationFailed
// are retryable; everything else is terminal for that recipient.
func retryableSend(errKind string) bool {
	switch model.Kind(errKind) {
	case model.SendTimeout, model.TransportUnavailable, model.OperationFailed:
		return true
	}
	return false
}

// sendWithRetry sends out, then retries only the recipients whose failure is
// retryable and whose transport advertises supportsResume, waiting out
// retryBackoff between rounds, per §7. Recipients that still fail after the
// schedule is exhausted keep their last error.
func (e *Engine) sendWithRetry(ctx context.Context, out transport.OutgoingTransfer) (*transport.TransferResult, error) {
	res, err := e.registry.Send(ctx, out)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]transport.OutgoingRecipient, len(out.Recipients))
	for _, r := range out.Recipients {
		byID[r.ID] = r
	}

	for _, wait := range retryBackoff {
		var retryRecipients []transport.OutgoingRecipient
		var retryIndices []int
		for i, rr := range res.RecipientResults {
			if rr.Success || !retryableSend(rr.Error) {
				continue
			}
			rec, ok := byID[rr.RecipientID]
			if !ok {
				continue
			}
			t, err := e.registry.Get(rec.Transport)
			if err != nil || !t.Capabilities().SupportsResume {
				continue
			}
			retryRecipients = append(retryRecipients, rec)
			retryIndices = append(retryIndices, i)
		}
		if len(retryRecipients) == 0 {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return res, ctx.Err()
		}
		sub := out
		sub.Recipients = retryRecipients
		retryRes, err := e.registry.Send(ctx, sub)
		if err != nil {
			break
		}
		for j, i := range retryIndices {
			if j < len(retryRes.RecipientResults) {
				res.RecipientResults[i] = retryRes.RecipientResults[j]
			}
		}
	}

	res.Success = false
	for _, rr := range res.RecipientResults {
		if rr.Success {
			res.Success = true
			break
		}
	}
	return res, nil
}

// Cancel moves a non-terminal transfer to cancelled.
func (e *Engine) Cancel(ctx context.Context, transferID string) error {
	t, err := e.coord.Store().GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return model.New(model.InvalidConfig, "transfer already terminal")
	}
	return e.coord.TransitionTransfer(ctx, transferID, model.StatusCancelled)
}

// HandleIncoming is the transport.Handler the registry invokes when a
// transport delivers a framed transfer, per the §2 data-flow "Incoming: C4
// receives framed transfer -> C7 validates and persists via C3 -> C8
// announces".
func (e *Engine) HandleIncoming(ctx context.Context, in transport.IncomingTransfer) error {
	t := &model.Transfer{
		ID:            in.TransferID,
		Direction:     model.Incoming,
		Status:        model.StatusDelivered,
		TransportName: in.Sender.Transport,
		Sender:        &in.Sender,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	// Validate every document's hash before persisting anything: a
	// mismatch anywhere in the frame must leave no trace of this transfer
	// rather than an orphaned, half-built row.
	specs := make([]coordinator.IncomingDocumentSpec, len(in.Documents))
	for i, d := range in.Documents {
		if cryptoutil.Hash(d.Data) != d.Hash {
			return model.New(model.HashMismatch, "incoming document hash mismatch: "+d.FileName)
		}
		docID := d.ID
		if docID == "" {
			docID = cryptoutil.DocumentID(d.Hash, time.Now().Unix())
		}
		specs[i] = coordinator.IncomingDocumentSpec{
			Doc:  &model.Document{ID: docID, TransferID: t.ID, FileName: d.FileName, Status: model.DocPending},
			Data: d.Data,
		}
	}

	if err := e.coord.CreateIncomingTransfer(ctx, t, specs); err != nil {
		return err
	}
	for _, ds := range specs {
		e.anchorOriginal(ctx, t.ID, ds.Doc)
	}
	e.bus.Publish(subscription.Event{Type: subscription.TransferCreated, TransferID: t.ID})
	e.bus.Publish(subscription.Event{Type: subscription.TransferDelivered, TransferID: t.ID})
	return nil
}

// SubmitSignature records a signed document and, if every threshold
// condition is met, transitions the owning transfer to completed. The
// document-level race between concurrent signers is resolved by
// Coordinator.CompleteSignature's transfer-keyed lock: the loser observes
// AlreadySigned and nothing it attempted is committed, per §4.7 "Concurrent
// signature attempts" and scenario S4.
func (e *Engine) SubmitSignature(ctx context.Context, transferID, documentID string, signedBytes []byte, signedBy string) error {
	st := e.coord.Store()
	t, err := st.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return model.New(model.InvalidConfig, "transfer already terminal")
	}
	doc, err := st.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	docs, err := st.FindDocumentsByTransferID(ctx, transferID)
	if err != nil {
		return err
	}
	recipients, err := st.FindRecipientsByTransferID(ctx, transferID)
	if err != nil {
		return err
	}

	signedCount := 0
	for _, d := range docs {
		if d.Status == model.DocSigned || d.ID == documentID {
			signedCount++
		}
	}
	threshold := signatureThreshold(t, len(docs))
	newStatus := model.StatusSigning
	switch {
	case signedCount >= threshold:
		newStatus = model.StatusCompleted
	case signedCount > 0:
		newStatus = model.StatusPartiallySigned
	}

	outcome := coordinator.SignatureOutcome{TransferStatus: newStatus}
	if identifier, transportName := counterparty(t, recipients); identifier != "" {
		ret := &model.Transfer{
			ID:            uuid.NewString(),
			Direction:     model.Outgoing,
			Status:        model.StatusPending,
			TransportName: transportName,
			Metadata:      model.TransferMetadata{ReturnTransport: true, OriginalTransferID: transferID},
		}
		outcome.ReturnTransfer = ret
		outcome.ReturnRecipient = &model.Recipient{
			ID: uuid.NewString(), TransferID: ret.ID, Identifier: identifier, Transport: transportName, Status: model.RecipientPending,
		}
	}

	if err := e.coord.CompleteSignature(ctx, transferID, documentID, t.Direction, doc.FileName, signedBytes, signedBy, outcome); err != nil {
		return err
	}

	if signedHash := cryptoutil.Hash(signedBytes); e.anchor != nil {
		if txID, err := e.anchor.Anchor(ctx, transferID, signedHash, anchor.Signed); err == nil {
			if err := e.coord.SetDocumentAnchors(ctx, transferID, documentID, doc.OriginalAnchor, txID); err != nil {
				e.log.WithField("document", documentID).WithError(err).Warn("engine: failed to record signed anchor")
			}
		} else {
			e.log.WithField("document", documentID).WithError(err).Warn("engine: hash anchor call failed")
		}
	}

	e.bus.Publish(subscription.Event{Type: subscription.TransferSigned, TransferID: transferID, Payload: documentID})
	if newStatus == model.StatusCompleted {
		e.bus.Publish(subscription.Event{Type: subscription.TransferCompleted, TransferID: transferID})
	}
	if outcome.ReturnTransfer != nil {
		e.bus.Publish(subscription.Event{Type: subscription.TransferCreated, TransferID: outcome.ReturnTransfer.ID})
	}
	return nil
}

// anchorOriginal records the original document's hash on the external
// ledger via HashAnchor, best-effort: a failure here does not fail the
// document creation it accompanies.
func (e *Engine) anchorOriginal(ctx context.Context, transferID string, doc *model.Document) {
	if e.anchor == nil {
		return
	}
	txID, err := e.anchor.Anchor(ctx, transferID, doc.ContentHash, anchor.Original)
	if err != nil {
		e.log.WithField("document", doc.ID).WithError(err).Warn("engine: hash anchor call failed")
		return
	}
	if err := e.coord.SetDocumentAnchors(ctx, transferID, doc.ID, txID, ""); err != nil {
		e.log.WithField("document", doc.ID).WithError(err).Warn("engine: failed to record original anchor")
	}
}

// signatureThreshold resolves requiredSignatureCount / requireAllSignatures
// per §4.7: "completed is reached only when all required signatures are
// present (requireAllSignatures = false lowers the bar to any signature);
// requiredSignatureCount overrides both if set."
func signatureThreshold(t *model.Transfer, docCount int) int {
	if t.Metadata.RequiredSignatureCount > 0 {
		return t.Metadata.RequiredSignatureCount
	}
	if t.Metadata.RequireAllSignatures {
		return docCount
	}
	return 1
}

// counterparty identifies who a return transfer must be addressed to: the
// sender for an incoming transfer, or the transfer's own recipient for an
// outgoing one (the local node is itself standing in for the remote signer
// in that case).
func counterparty(t *model.Transfer, recipients []*model.Recipient) (identifier, transportName string) {
	if t.Direction == model.Incoming && t.Sender != nil {
		return t.Sender.SenderID, t.Sender.Transport
	}
	if len(recipients) > 0 {
		return recipients[0].Identifier, recipients[0].Transport
	}
	return "", ""
}
