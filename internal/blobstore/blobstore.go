// Package blobstore implements C1: content-addressed-by-path storage of
// opaque byte payloads, atomic writes, and sidecar metadata. Grounded on the
// teacher's core/storage.go disk-cache helpers (os.MkdirAll, filepath.Join,
// atomic-ish file writes) but adds the path-containment guard the teacher's
// cache never needed, since that cache never took caller-supplied paths.
package blobstore

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/cryptoutil"
	"firma-sign/core/internal/model"
)

const metaSuffix = ".meta"

// Capabilities describes the limits this blob store enforces.
type Capabilities struct {
	MaxFileSize int64
}

// Usage summarizes the blob tree's footprint.
type Usage struct {
	UsedBytes int64
	FileCount int
	DirCount  int
}

// Entry is one item returned by List.
type Entry struct {
	Path  string
	Size  int64
	IsDir bool
}

// Store is a filesystem-backed blob store rooted at Base.
type Store struct {
	base string
	caps Capabilities
	log  *logrus.Logger
}

// New constructs a Store rooted at base, creating it if necessary.
func New(base string, caps Capabilities, log *logrus.Logger) (*Store, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "resolve base path", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, model.Wrap(model.OperationFailed, "create base dir", err)
	}
	if caps.MaxFileSize <= 0 {
		caps.MaxFileSize = 500 * 1024 * 1024
	}
	return &Store{base: abs, caps: caps, log: log}, nil
}

// Capabilities returns the store's immutable capability descriptor.
func (s *Store) Capabilities() Capabilities { return s.caps }

// resolve normalizes path and verifies it stays within the store's base
// directory, per §4.1 "path inputs are normalized and rejected with
// PermissionDenied if they escape the root".
func (s *Store) resolve(path string) (string, error) {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return "", model.New(model.PermissionDenied, "path escapes blob store root: "+path)
		}
	}
	cleaned := filepath.Clean("/" + path)
	full := filepath.Join(s.base, cleaned)
	rel, err := filepath.Rel(s.base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", model.New(model.PermissionDenied, "path escapes blob store root: "+path)
	}
	return full, nil
}

func metaPath(full string) string { return full + metaSuffix }

// Saved describes the outcome of a successful Save.
type Saved struct {
	Path string
	Size int64
	Hash string
}

// Save atomically writes data at path (write-temp-then-rename) and persists
// a .meta sidecar recording its hash, size and timestamp.
func (s *Store) Save(path string, data []byte) (*Saved, error) {
	if int64(len(data)) > s.caps.MaxFileSize {
		return nil, model.New(model.FileTooLarge, "blob exceeds capability cap")
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, model.Wrap(model.OperationFailed, "create parent dir", err)
	}
	tmp := full + ".tmp-" + cryptoutil.Hash(data)[:8]
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, model.Wrap(model.OperationFailed, "write temp blob", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return nil, model.Wrap(model.OperationFailed, "rename temp blob", err)
	}
	hash := cryptoutil.Hash(data)
	meta := model.BlobMeta{Hash: hash, Size: int64(len(data)), Timestamp: time.Now().UnixMilli()}
	metaBytes, _ := json.Marshal(meta)
	if err := os.WriteFile(metaPath(full), metaBytes, 0o644); err != nil {
		_ = os.Remove(full)
		return nil, model.Wrap(model.OperationFailed, "write meta sidecar", err)
	}
	return &Saved{Path: path, Size: meta.Size, Hash: hash}, nil
}

// SaveStream is the streaming counterpart to Save. It aborts and discards
// any partial bytes the instant the accumulated size exceeds the cap,
// rather than buffering an oversize payload to completion.
func (s *Store) SaveStream(path string, r io.Reader) (*Saved, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, model.Wrap(model.OperationFailed, "create parent dir", err)
	}
	tmp := full + ".tmp-stream"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "open temp blob", err)
	}
	hasher := cryptoutil.NewHasher()
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > s.caps.MaxFileSize {
				f.Close()
				os.Remove(tmp)
				return nil, model.New(model.FileTooLarge, "streamed blob exceeds capability cap")
			}
			hasher.Write(buf[:n])
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return nil, model.Wrap(model.OperationFailed, "write stream chunk", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return nil, model.Wrap(model.OperationFailed, "read stream", rerr)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, model.Wrap(model.OperationFailed, "close temp blob", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return nil, model.Wrap(model.OperationFailed, "rename temp blob", err)
	}
	hash := hasher.Sum()
	meta := model.BlobMeta{Hash: hash, Size: total, Timestamp: time.Now().UnixMilli()}
	metaBytes, _ := json.Marshal(meta)
	if err := os.WriteFile(metaPath(full), metaBytes, 0o644); err != nil {
		os.Remove(full)
		return nil, model.Wrap(model.OperationFailed, "write meta sidecar", err)
	}
	return &Saved{Path: path, Size: total, Hash: hash}, nil
}

// Read returns the bytes stored at path.
func (s *Store) Read(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.New(model.NotFound, "blob not found: "+path)
		}
		return nil, model.Wrap(model.OperationFailed, "read blob", err)
	}
	return data, nil
}

// OpenStream opens path for streaming reads.
func (s *Store) OpenStream(path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.New(model.NotFound, "blob not found: "+path)
		}
		return nil, model.Wrap(model.OperationFailed, "open blob", err)
	}
	return f, nil
}

// Meta returns the sidecar metadata for path.
func (s *Store) Meta(path string) (*model.BlobMeta, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(metaPath(full))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.New(model.NotFound, "blob meta not found: "+path)
		}
		return nil, model.Wrap(model.OperationFailed, "read blob meta", err)
	}
	var meta model.BlobMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, model.Wrap(model.OperationFailed, "decode blob meta", err)
	}
	return &meta, nil
}

// VerifyHash recomputes path's hash and compares it against the sidecar,
// for callers that explicitly request verification.
func (s *Store) VerifyHash(path string) error {
	data, err := s.Read(path)
	if err != nil {
		return err
	}
	meta, err := s.Meta(path)
	if err != nil {
		return err
	}
	if cryptoutil.Hash(data) != meta.Hash {
		return model.New(model.HashMismatch, "blob content does not match sidecar hash: "+path)
	}
	return nil
}

// Exists reports whether a blob exists at path.
func (s *Store) Exists(path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, model.Wrap(model.OperationFailed, "stat blob", err)
}

// Delete removes the blob and its sidecar at path.
func (s *Store) Delete(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return model.Wrap(model.OperationFailed, "delete blob", err)
	}
	_ = os.Remove(metaPath(full))
	return nil
}

// DeleteTree removes path and everything beneath it, used by the
// coordinator to purge a transfer's blob tree on cascade delete.
func (s *Store) DeleteTree(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return model.Wrap(model.OperationFailed, "delete blob tree", err)
	}
	return nil
}

// CreateDir ensures a directory exists at path.
func (s *Store) CreateDir(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return model.Wrap(model.OperationFailed, "create dir", err)
	}
	return nil
}

// List enumerates entries directly under prefix, excluding .meta sidecars.
func (s *Store) List(prefix string) ([]Entry, error) {
	full, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	infos, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.Wrap(model.OperationFailed, "list dir", err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), metaSuffix) {
			continue
		}
		fi, err := info.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Path:  filepath.Join(prefix, info.Name()),
			Size:  fi.Size(),
			IsDir: info.IsDir(),
		})
	}
	return entries, nil
}

// Usage reports aggregate storage consumption for the whole tree.
func (s *Store) Usage() (*Usage, error) {
	u := &Usage{}
	err := filepath.Walk(s.base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			u.DirCount++
			return nil
		}
		if strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		u.FileCount++
		u.UsedBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "walk blob tree", err)
	}
	return u, nil
}
