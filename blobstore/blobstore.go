// Package blobstore implements the content-addressed, immutable byte blob
// store: staged create/append/finalize writes, dedup by
// content hash, and random-access reads.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// BlobID is the content address of a finalized blob: the lowercase hex SHA-256
// of its contents.
type BlobID string

func (id BlobID) path(root string) string {
	s := string(id)
	if len(s) < 4 {
		return filepath.Join(root, "blobs", s)
	}
	return filepath.Join(root, "blobs", s[:2], s[2:4], s)
}

var (
	// ErrBlobNotFound is returned when a blob id has no corresponding content.
	ErrBlobNotFound = errors.New("blobstore: blob not found")
	// ErrBlobIOError wraps an underlying filesystem failure.
	ErrBlobIOError = errors.New("blobstore: io error")
	// ErrBlobCorrupt is returned by VerifyContent when a blob's recomputed
	// hash does not match its id. Open and Read do not re-hash content.
	ErrBlobCorrupt = errors.New("blobstore: content hash mismatch")
	// ErrHandleNotFound is returned for operations against an unknown
	// write/read handle.
	ErrHandleNotFound = errors.New("blobstore: handle not found")
)

type writeState struct {
	file *os.File
	path string
	hash hash.Hash
	size int64
}

type readState struct {
	file *os.File
	id   BlobID
}

// Store is a directory of content-addressed blobs, rooted at Root. It is
// safe for concurrent use: writers own their handle exclusively and readers
// are unrestricted.
type Store struct {
	Root string

	mu     sync.Mutex
	writes map[string]*writeState
	reads  map[string]*readState
}

// Open returns a Store rooted at root, creating its directory layout if
// necessary.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	return &Store{
		Root:   root,
		writes: map[string]*writeState{},
		reads:  map[string]*readState{},
	}, nil
}

// Create begins a staged write and returns its handle. sizeHint is advisory
// only; this implementation does not preallocate.
func (s *Store) Create(sizeHint int64) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.Root, "tmp"), "blob-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	handle := uuid.NewString()
	s.mu.Lock()
	s.writes[handle] = &writeState{file: f, path: f.Name(), hash: sha256.New()}
	s.mu.Unlock()
	return handle, nil
}

// Append buffers (here: writes through) bytes onto an in-progress write
// handle, updating its running hash.
func (s *Store) Append(handle string, data []byte) error {
	s.mu.Lock()
	w, ok := s.writes[handle]
	s.mu.Unlock()
	if !ok {
		return ErrHandleNotFound
	}
	n, err := w.file.Write(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	w.hash.Write(data[:n])
	w.size += int64(n)
	return nil
}

// Finalize closes out a staged write, computing its content address and
// moving it into place. Identical content always yields the same BlobID
// (dedup): if the target already exists, the staged file is discarded.
func (s *Store) Finalize(handle string) (BlobID, error) {
	s.mu.Lock()
	w, ok := s.writes[handle]
	if ok {
		delete(s.writes, handle)
	}
	s.mu.Unlock()
	if !ok {
		return "", ErrHandleNotFound
	}
	defer w.file.Close()

	if err := w.file.Sync(); err != nil {
		os.Remove(w.path)
		return "", fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}

	id := BlobID(hex.EncodeToString(w.hash.Sum(nil)))
	dst := id.path(s.Root)

	if _, err := os.Stat(dst); err == nil {
		os.Remove(w.path)
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		os.Remove(w.path)
		return "", fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	if err := os.Rename(w.path, dst); err != nil {
		os.Remove(w.path)
		return "", fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	return id, nil
}

// Open opens a finalized blob for random-access reads.
func (s *Store) Open(id BlobID) (string, error) {
	f, err := os.Open(id.path(s.Root))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrBlobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	handle := uuid.NewString()
	s.mu.Lock()
	s.reads[handle] = &readState{file: f, id: id}
	s.mu.Unlock()
	return handle, nil
}

// Read returns up to length bytes starting at offset. Short reads at EOF
// are allowed and are not an error.
func (s *Store) Read(handle string, offset int64, length int) ([]byte, error) {
	s.mu.Lock()
	r, ok := s.reads[handle]
	s.mu.Unlock()
	if !ok {
		return nil, ErrHandleNotFound
	}
	buf := make([]byte, length)
	n, err := r.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	return buf[:n], nil
}

// Close releases a write or read handle. Closing an in-progress write
// handle without finalizing discards its staged content.
func (s *Store) Close(handle string) error {
	s.mu.Lock()
	if w, ok := s.writes[handle]; ok {
		delete(s.writes, handle)
		s.mu.Unlock()
		w.file.Close()
		os.Remove(w.path)
		return nil
	}
	if r, ok := s.reads[handle]; ok {
		delete(s.reads, handle)
		s.mu.Unlock()
		return r.file.Close()
	}
	s.mu.Unlock()
	return ErrHandleNotFound
}

// VerifyContent re-hashes a finalized blob's bytes and confirms it matches
// id, returning ErrBlobCorrupt if not. Used by Open callers that want to
// eagerly validate storage integrity.
func (s *Store) VerifyContent(id BlobID) error {
	f, err := os.Open(id.path(s.Root))
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%w: %v", ErrBlobIOError, err)
	}
	if BlobID(hex.EncodeToString(h.Sum(nil))) != id {
		return ErrBlobCorrupt
	}
	return nil
}
