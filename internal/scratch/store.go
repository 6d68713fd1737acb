// Package scratch persists in-flight chunks on local disk before finalization.
package scratch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store stages chunk bytes under a root directory, one subtree per session.
type Store struct {
	basePath string
}

// NewStore creates a Store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Store{basePath: basePath}, nil
}

// SessionDir returns the scratch directory owned by an upload session.
func (s *Store) SessionDir(uploadID uuid.UUID) string {
	return filepath.Join(s.basePath, uploadID.String())
}

// ChunkPath returns the on-disk location for a chunk.
func (s *Store) ChunkPath(uploadID uuid.UUID, chunkIndex int) string {
	return filepath.Join(s.SessionDir(uploadID), "chunks", fmt.Sprintf("chunk-%05d", chunkIndex))
}

// WriteChunk streams the incoming chunk to disk and computes its SHA-256 in
// the same pass. Bytes land in a .partial file that is renamed into place
// only after a clean close, so readers never observe a torn chunk.
func (s *Store) WriteChunk(uploadID uuid.UUID, chunkIndex int, data io.Reader) (string, int64, string, error) {
	chunkPath := s.ChunkPath(uploadID, chunkIndex)
	if err := os.MkdirAll(filepath.Dir(chunkPath), 0o755); err != nil {
		return "", 0, "", err
	}

	tmpPath := chunkPath + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, "", err
	}

	hasher := sha256.New()
	w := io.MultiWriter(file, hasher)
	written, err := io.Copy(w, data)
	if err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return "", 0, "", err
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", err
	}

	if err := os.Rename(tmpPath, chunkPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", err
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	return chunkPath, written, checksum, nil
}

// RemoveChunk deletes a single staged chunk, ignoring files already gone.
func (s *Store) RemoveChunk(uploadID uuid.UUID, chunkIndex int) error {
	err := os.Remove(s.ChunkPath(uploadID, chunkIndex))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveSession deletes the whole session subtree. Safe to call repeatedly
// and on partially populated trees.
func (s *Store) RemoveSession(uploadID uuid.UUID) error {
	return os.RemoveAll(s.SessionDir(uploadID))
}
