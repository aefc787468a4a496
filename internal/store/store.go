// Package store implements C2: the durable relational record of transfers,
// documents, and recipients. Backed by mattn/go-sqlite3 per SPEC_FULL.md §3
// (the pack's SQLite driver, matching the single-writer "SQLite-class
// engine" the specification assumes in §5).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	sender_id TEXT,
	sender_name TEXT,
	sender_email TEXT,
	sender_public_key TEXT,
	transport_type TEXT NOT NULL,
	transport_config TEXT,
	metadata TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_type ON transfers(type);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	transfer_id TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	file_name TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	file_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	original_document_id TEXT,
	signed_at INTEGER,
	signed_by TEXT,
	blockchain_tx_original TEXT,
	blockchain_tx_signed TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_transfer_id ON documents(transfer_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS recipients (
	id TEXT PRIMARY KEY,
	transfer_id TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	identifier TEXT NOT NULL,
	transport TEXT NOT NULL,
	status TEXT NOT NULL,
	preferences TEXT,
	notified_at INTEGER,
	viewed_at INTEGER,
	signed_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recipients_transfer_id ON recipients(transfer_id);
CREATE INDEX IF NOT EXISTS idx_recipients_status ON recipients(status);
`

// Store is the relational store handle.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// Open opens (creating if needed) a SQLite database at path and applies the
// schema.
func Open(path string, log *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "open database", err)
	}
	// §5 "Shared-resource policy": the relational store is single-writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, model.Wrap(model.OperationFailed, "apply schema", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txMarker struct{ tx *sql.Tx }

type ctxKey struct{}

// InTx runs fn inside a new transaction bound to the returned context.
// Re-entrant calls (a transaction already bound to ctx) fail with
// NestedTransaction per §4.2 — nested transactions are not supported.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(ctxKey{}) != nil {
		return model.New(model.NestedTransaction, "transaction already active on this context")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Wrap(model.OperationFailed, "begin transaction", err)
	}
	txCtx := context.WithValue(ctx, ctxKey{}, &txMarker{tx: tx})
	if err := fn(txCtx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.Wrap(model.OperationFailed, "commit transaction", err)
	}
	return nil
}

func (s *Store) conn(ctx context.Context) execer {
	if m, ok := ctx.Value(ctxKey{}).(*txMarker); ok {
		return m.tx
	}
	return s.db
}

func now() int64 { return time.Now().Unix() }

// --- Transfers ---------------------------------------------------------

// CreateTransfer inserts a new transfer row. It does not generate an id:
// the caller must set t.ID (the engine assigns one before creating a
// transfer through the coordinator).
func (s *Store) CreateTransfer(ctx context.Context, t *model.Transfer) error {
	ts := now()
	t.CreatedAt, t.UpdatedAt = ts, ts
	senderID, senderName, senderEmail, senderKey := "", "", "", ""
	if t.Sender != nil {
		senderID, senderName, senderEmail, senderKey = t.Sender.SenderID, t.Sender.Name, t.Sender.Email, t.Sender.PublicKey
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return model.Wrap(model.OperationFailed, "marshal metadata", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `INSERT INTO transfers
		(id, type, status, sender_id, sender_name, sender_email, sender_public_key,
		 transport_type, transport_config, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Direction), string(t.Status), senderID, senderName, senderEmail, senderKey,
		t.TransportName, nullableJSON(t.TransportConfig), string(meta), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return model.Wrap(model.OperationFailed, "insert transfer", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// GetTransfer fetches a transfer by id.
func (s *Store) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT id, type, status, sender_id, sender_name,
		sender_email, sender_public_key, transport_type, transport_config, metadata, created_at, updated_at
		FROM transfers WHERE id = ?`, id)
	return scanTransfer(row)
}

func scanTransfer(row *sql.Row) (*model.Transfer, error) {
	var t model.Transfer
	var direction, status, transportConfig, metadata sql.NullString
	var senderID, senderName, senderEmail, senderKey sql.NullString
	if err := row.Scan(&t.ID, &direction, &status, &senderID, &senderName, &senderEmail, &senderKey,
		&t.TransportName, &transportConfig, &metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, model.New(model.NotFound, "transfer not found")
		}
		return nil, model.Wrap(model.OperationFailed, "scan transfer", err)
	}
	t.Direction = model.Direction(direction.String)
	t.Status = model.TransferStatus(status.String)
	if transportConfig.Valid {
		t.TransportConfig = json.RawMessage(transportConfig.String)
	}
	if metadata.Valid {
		json.Unmarshal([]byte(metadata.String), &t.Metadata)
	}
	if senderID.Valid && senderID.String != "" {
		t.Sender = &model.Sender{SenderID: senderID.String, Name: senderName.String, Email: senderEmail.String, PublicKey: senderKey.String}
	}
	return &t, nil
}

// UpdateTransferStatus transitions a transfer's status, bumping updated_at.
func (s *Store) UpdateTransferStatus(ctx context.Context, id string, status model.TransferStatus) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE transfers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id)
	if err != nil {
		return model.Wrap(model.OperationFailed, "update transfer status", err)
	}
	return checkRowsAffected(res, "transfer")
}

// UpdateTransferMetadata replaces a transfer's metadata blob.
func (s *Store) UpdateTransferMetadata(ctx context.Context, id string, meta model.TransferMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return model.Wrap(model.OperationFailed, "marshal metadata", err)
	}
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE transfers SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(raw), now(), id)
	if err != nil {
		return model.Wrap(model.OperationFailed, "update transfer metadata", err)
	}
	return checkRowsAffected(res, "transfer")
}

func checkRowsAffected(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return model.Wrap(model.OperationFailed, "rows affected", err)
	}
	if n == 0 {
		return model.New(model.NotFound, entity+" not found")
	}
	return nil
}

// FindTransfersByStatus returns all transfers in the given status.
func (s *Store) FindTransfersByStatus(ctx context.Context, status model.TransferStatus) ([]*model.Transfer, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id FROM transfers WHERE status = ?`, string(status))
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "query transfers by status", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Wrap(model.OperationFailed, "scan id", err)
		}
		ids = append(ids, id)
	}
	out := make([]*model.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// FindRecentTransfers returns up to limit transfers, most recent first.
func (s *Store) FindRecentTransfers(ctx context.Context, limit int) ([]*model.Transfer, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id FROM transfers ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "query recent transfers", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Wrap(model.OperationFailed, "scan id", err)
		}
		ids = append(ids, id)
	}
	out := make([]*model.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTransfer removes a transfer; cascades to documents and recipients.
func (s *Store) DeleteTransfer(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id)
	if err != nil {
		return model.Wrap(model.OperationFailed, "delete transfer", err)
	}
	return checkRowsAffected(res, "transfer")
}

// --- Documents ----------------------------------------------------------

// CreateDocument inserts a new document row.
func (s *Store) CreateDocument(ctx context.Context, d *model.Document) error {
	d.CreatedAt = now()
	_, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO documents
		(id, transfer_id, file_name, file_size, file_hash, status, original_document_id,
		 signed_at, signed_by, blockchain_tx_original, blockchain_tx_signed, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TransferID, d.FileName, d.Size, d.ContentHash, string(d.Status), nullableStr(d.OriginalDocumentID),
		d.SignedAt, nullableStr(d.SignedBy), nullableStr(d.OriginalAnchor), nullableStr(d.SignedAnchor), d.CreatedAt)
	if err != nil {
		return model.Wrap(model.OperationFailed, "insert document", err)
	}
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanDocument(row *sql.Row) (*model.Document, error) {
	var d model.Document
	var status, orig, signedBy, txOrig, txSigned sql.NullString
	var signedAt sql.NullInt64
	if err := row.Scan(&d.ID, &d.TransferID, &d.FileName, &d.Size, &d.ContentHash, &status,
		&orig, &signedAt, &signedBy, &txOrig, &txSigned, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, model.New(model.NotFound, "document not found")
		}
		return nil, model.Wrap(model.OperationFailed, "scan document", err)
	}
	d.Status = model.DocumentStatus(status.String)
	d.OriginalDocumentID = orig.String
	d.SignedBy = signedBy.String
	d.OriginalAnchor = txOrig.String
	d.SignedAnchor = txSigned.String
	if signedAt.Valid {
		v := signedAt.Int64
		d.SignedAt = &v
	}
	return &d, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT id, transfer_id, file_name, file_size, file_hash, status,
		original_document_id, signed_at, signed_by, blockchain_tx_original, blockchain_tx_signed, created_at
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// FindDocumentsByTransferID returns all documents belonging to a transfer.
func (s *Store) FindDocumentsByTransferID(ctx context.Context, transferID string) ([]*model.Document, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id FROM documents WHERE transfer_id = ?`, transferID)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "query documents by transfer", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Wrap(model.OperationFailed, "scan id", err)
		}
		ids = append(ids, id)
	}
	out := make([]*model.Document, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// MarkDocumentSigned transitions a document to signed, set-once per §3
// invariants (signedAt/signedBy become immutable once set). The caller is
// expected to have already taken the row-level write lock (coordinator's
// keyed mutex) that serializes concurrent signature attempts.
func (s *Store) MarkDocumentSigned(ctx context.Context, id, signedBy string) error {
	ts := now()
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE documents SET status = ?, signed_at = ?, signed_by = ? WHERE id = ? AND status != ?`,
		string(model.DocSigned), ts, signedBy, id, string(model.DocSigned))
	if err != nil {
		return model.Wrap(model.OperationFailed, "mark document signed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Wrap(model.OperationFailed, "rows affected", err)
	}
	if n == 0 {
		// Either already signed, or the id does not exist.
		if _, gerr := s.GetDocument(ctx, id); gerr != nil {
			return gerr
		}
		return model.New(model.AlreadySigned, "document already signed")
	}
	return nil
}

// SetDocumentAnchors records the external HashAnchor transaction ids.
func (s *Store) SetDocumentAnchors(ctx context.Context, id, originalAnchor, signedAnchor string) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE documents SET blockchain_tx_original = ?, blockchain_tx_signed = ? WHERE id = ?`,
		nullableStr(originalAnchor), nullableStr(signedAnchor), id)
	if err != nil {
		return model.Wrap(model.OperationFailed, "set document anchors", err)
	}
	return checkRowsAffected(res, "document")
}

// --- Recipients -----------------------------------------------------------

// CreateRecipient inserts a new recipient row.
func (s *Store) CreateRecipient(ctx context.Context, r *model.Recipient) error {
	r.CreatedAt = now()
	_, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO recipients
		(id, transfer_id, identifier, transport, status, preferences, notified_at, viewed_at, signed_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TransferID, r.Identifier, r.Transport, string(r.Status), nullableJSON(r.Preferences),
		r.NotifiedAt, r.ViewedAt, r.SignedAt, r.CreatedAt)
	if err != nil {
		return model.Wrap(model.OperationFailed, "insert recipient", err)
	}
	return nil
}

func scanRecipient(row *sql.Row) (*model.Recipient, error) {
	var r model.Recipient
	var status, prefs sql.NullString
	var notifiedAt, viewedAt, signedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.TransferID, &r.Identifier, &r.Transport, &status, &prefs,
		&notifiedAt, &viewedAt, &signedAt, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, model.New(model.NotFound, "recipient not found")
		}
		return nil, model.Wrap(model.OperationFailed, "scan recipient", err)
	}
	r.Status = model.RecipientStatus(status.String)
	if prefs.Valid {
		r.Preferences = json.RawMessage(prefs.String)
	}
	if notifiedAt.Valid {
		v := notifiedAt.Int64
		r.NotifiedAt = &v
	}
	if viewedAt.Valid {
		v := viewedAt.Int64
		r.ViewedAt = &v
	}
	if signedAt.Valid {
		v := signedAt.Int64
		r.SignedAt = &v
	}
	return &r, nil
}

// GetRecipient fetches a recipient by id.
func (s *Store) GetRecipient(ctx context.Context, id string) (*model.Recipient, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT id, transfer_id, identifier, transport, status,
		preferences, notified_at, viewed_at, signed_at, created_at FROM recipients WHERE id = ?`, id)
	return scanRecipient(row)
}

// FindRecipientsByTransferID returns all recipients of a transfer.
func (s *Store) FindRecipientsByTransferID(ctx context.Context, transferID string) ([]*model.Recipient, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT id FROM recipients WHERE transfer_id = ?`, transferID)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "query recipients by transfer", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Wrap(model.OperationFailed, "scan id", err)
		}
		ids = append(ids, id)
	}
	out := make([]*model.Recipient, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRecipient(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// UpdateRecipientStatus advances a recipient along pending -> notified ->
// viewed -> signed|rejected, stamping the matching timestamp column.
func (s *Store) UpdateRecipientStatus(ctx context.Context, id string, status model.RecipientStatus) error {
	ts := now()
	var col string
	switch status {
	case model.RecipientNotified:
		col = "notified_at"
	case model.RecipientViewed:
		col = "viewed_at"
	case model.RecipientSigned:
		col = "signed_at"
	}
	var res sql.Result
	var err error
	if col != "" {
		res, err = s.conn(ctx).ExecContext(ctx,
			`UPDATE recipients SET status = ?, `+col+` = ? WHERE id = ?`, string(status), ts, id)
	} else {
		res, err = s.conn(ctx).ExecContext(ctx, `UPDATE recipients SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return model.Wrap(model.OperationFailed, "update recipient status", err)
	}
	return checkRowsAffected(res, "recipient")
}
