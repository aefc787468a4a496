package p2p

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"firma-sign/core/internal/model"
)

// wireDocument mirrors the JSON shape in §6 "Wire: P2P transfer protocol".
type wireDocument struct {
	ID       string         `json:"id"`
	FileName string         `json:"fileName"`
	MimeType string         `json:"mimeType"`
	Size     int64          `json:"size"`
	Data     []byte         `json:"data"`
	Hash     string         `json:"hash"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type wireSender struct {
	SenderID     string `json:"senderId"`
	Name         string `json:"name"`
	Transport    string `json:"transport"`
	Timestamp    int64  `json:"timestamp"`
	Verification string `json:"verification"`
}

type wireRequest struct {
	TransferID string         `json:"transferId"`
	Documents  []wireDocument `json:"documents"`
	Sender     wireSender     `json:"sender"`
	Options    map[string]any `json:"options,omitempty"`
}

type wireResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// writeFrame writes one length-prefixed chunk: a 4-byte big-endian length
// followed by the payload, per §6 "Framing: length-prefixed chunks".
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed chunk written by writeFrame.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeRequest(req wireRequest) ([]byte, error) {
	return json.Marshal(req)
}

func decodeRequest(data []byte) (*wireRequest, error) {
	var req wireRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, model.Wrap(model.OperationFailed, "decode transfer frame", err)
	}
	return &req, nil
}

func encodeResponse(resp wireResponse) ([]byte, error) {
	return json.Marshal(resp)
}

func decodeResponse(data []byte) (*wireResponse, error) {
	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, model.Wrap(model.OperationFailed, "decode transfer response", err)
	}
	return &resp, nil
}
