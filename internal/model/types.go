package model

import "encoding/json"

// Direction distinguishes transfers the local node originated from ones it
// received.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// TransferStatus is the lifecycle state of a Transfer. See the state diagram
// in §4.7 of the specification for the legal transitions between these.
type TransferStatus string

const (
	StatusPending         TransferStatus = "pending"
	StatusSending         TransferStatus = "sending"
	StatusSent            TransferStatus = "sent"
	StatusDelivered       TransferStatus = "delivered"
	StatusOpened          TransferStatus = "opened"
	StatusSigning         TransferStatus = "signing"
	StatusPartiallySigned TransferStatus = "partially-signed"
	StatusCompleted       TransferStatus = "completed"
	StatusFailed          TransferStatus = "failed"
	StatusCancelled       TransferStatus = "cancelled"
)

// Terminal reports whether no further transition out of this status is
// legal.
func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DocumentStatus is the lifecycle state of a single Document.
type DocumentStatus string

const (
	DocPending  DocumentStatus = "pending"
	DocSigned   DocumentStatus = "signed"
	DocRejected DocumentStatus = "rejected"
)

// RecipientStatus is the lifecycle state of a single Recipient.
type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientNotified RecipientStatus = "notified"
	RecipientViewed   RecipientStatus = "viewed"
	RecipientSigned   RecipientStatus = "signed"
	RecipientRejected RecipientStatus = "rejected"
)

// Verification describes how confidently a Sender's identity was
// established by the transport that delivered the transfer.
type Verification string

const (
	Verified   Verification = "verified"
	Unverified Verification = "unverified"
	Failed     Verification = "failed"
)

// Sender is embedded on incoming transfers to record who sent them.
type Sender struct {
	SenderID     string       `json:"senderId"`
	Name         string       `json:"name"`
	Email        string       `json:"email,omitempty"`
	PublicKey    string       `json:"publicKey,omitempty"`
	Transport    string       `json:"transport"`
	Timestamp    int64        `json:"timestamp"`
	Verification Verification `json:"verification"`
}

// TransferMetadata carries the opaque, caller-supplied settings that shape
// how a transfer completes.
type TransferMetadata struct {
	Deadline               *int64 `json:"deadline,omitempty"`
	Message                string `json:"message,omitempty"`
	RequireAllSignatures   bool   `json:"requireAllSignatures,omitempty"`
	RequiredSignatureCount int    `json:"requiredSignatureCount,omitempty"`
	ReturnTransport        bool   `json:"returnTransport,omitempty"`
	OriginalTransferID     string `json:"originalTransferId,omitempty"`
}

// Transfer is the durable record for one send action, per §3 of the
// specification.
type Transfer struct {
	ID              string           `json:"id"`
	Direction       Direction        `json:"direction"`
	Status          TransferStatus   `json:"status"`
	TransportName   string           `json:"transportName"`
	TransportConfig json.RawMessage  `json:"transportConfig,omitempty"`
	Sender          *Sender          `json:"sender,omitempty"`
	Metadata        TransferMetadata `json:"metadata"`
	CreatedAt       int64            `json:"createdAt"`
	UpdatedAt       int64            `json:"updatedAt"`
}

// Document is the durable record for one file belonging to a Transfer.
type Document struct {
	ID                   string         `json:"id"`
	TransferID           string         `json:"transferId"`
	FileName             string         `json:"fileName"`
	Size                 int64          `json:"size"`
	ContentHash          string         `json:"contentHash"`
	Status               DocumentStatus `json:"status"`
	SignedAt             *int64         `json:"signedAt,omitempty"`
	SignedBy             string         `json:"signedBy,omitempty"`
	OriginalAnchor       string         `json:"originalAnchor,omitempty"`
	SignedAnchor         string         `json:"signedAnchor,omitempty"`
	OriginalDocumentID   string         `json:"originalDocumentId,omitempty"`
	CreatedAt            int64          `json:"createdAt"`
}

// Recipient is the durable record for one target of a Transfer.
type Recipient struct {
	ID          string            `json:"id"`
	TransferID  string            `json:"transferId"`
	Identifier  string            `json:"identifier"`
	Transport   string            `json:"transport"`
	Status      RecipientStatus   `json:"status"`
	Preferences json.RawMessage   `json:"preferences,omitempty"`
	NotifiedAt  *int64            `json:"notifiedAt,omitempty"`
	ViewedAt    *int64            `json:"viewedAt,omitempty"`
	SignedAt    *int64            `json:"signedAt,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
}

// BlobSlot distinguishes the two blob positions a document occupies across
// its lifecycle.
type BlobSlot string

const (
	SlotOriginal BlobSlot = "original"
	SlotSigned   BlobSlot = "signed"
)

// BlobMeta is the sidecar written next to every blob.
type BlobMeta struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

// Peer is a weak, process-wide directory entry; never the source of truth
// for durable records.
type Peer struct {
	PeerID          string   `json:"peerId"`
	Addresses       []string `json:"addresses"`
	Protocols       []string `json:"protocols"`
	LastSeen        int64    `json:"lastSeen"`
	TransportsKnown []string `json:"transportsKnown"`
}
