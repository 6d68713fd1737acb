package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TonAldo48/stash/internal/domain"
)

// MemoryStore is an in-memory Store used by tests. It honors the same
// conditional-advance contract as the Postgres implementation.
type MemoryStore struct {
	mu      sync.Mutex
	uploads map[uuid.UUID]*domain.Upload
	chunks  map[uuid.UUID]map[int]domain.UploadChunk
	files   map[uuid.UUID]InsertFileParams
	usage   map[uuid.UUID]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[uuid.UUID]*domain.Upload),
		chunks:  make(map[uuid.UUID]map[int]domain.UploadChunk),
		files:   make(map[uuid.UUID]InsertFileParams),
		usage:   make(map[uuid.UUID]int64),
	}
}

func (s *MemoryStore) CreateUpload(_ context.Context, u *domain.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.uploads[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUpload(_ context.Context, uploadID, userID uuid.UUID) (*domain.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.UserID != userID {
		return nil, ErrUploadNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUploadStatus(_ context.Context, uploadID uuid.UUID, status domain.UploadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return ErrUploadNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, uploadID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return ErrUploadNotFound
	}
	if u.Status == domain.StatusCompleted || u.Status == domain.StatusAborted {
		return nil
	}
	u.Status = domain.StatusFailed
	u.ErrorMessage = reason
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordChunk(_ context.Context, chunk *domain.UploadChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.chunks[chunk.UploadID]
	if !ok {
		m = make(map[int]domain.UploadChunk)
		s.chunks[chunk.UploadID] = m
	}
	cp := *chunk
	cp.ReceivedAt = time.Now().UTC()
	m[chunk.ChunkIndex] = cp
	return nil
}

func (s *MemoryStore) AdvanceUploadProgress(_ context.Context, uploadID uuid.UUID, chunkIndex int, chunkBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return ErrUploadNotFound
	}
	if u.ReceivedChunks != chunkIndex ||
		(u.Status != domain.StatusPending && u.Status != domain.StatusInProgress) {
		return ErrChunkOutOfOrder
	}
	u.ReceivedChunks++
	u.ReceivedBytes += chunkBytes
	if u.Status == domain.StatusPending {
		u.Status = domain.StatusInProgress
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListChunks(_ context.Context, uploadID uuid.UUID) ([]domain.UploadChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.chunks[uploadID]
	chunks := make([]domain.UploadChunk, 0, len(m))
	for _, c := range m {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks, nil
}

func (s *MemoryStore) ResetChunks(_ context.Context, uploadID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, uploadID)
	return nil
}

func (s *MemoryStore) UpdateManifestPath(_ context.Context, uploadID uuid.UUID, manifestPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return ErrUploadNotFound
	}
	u.ManifestPath = manifestPath
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FinishUpload(_ context.Context, uploadID uuid.UUID, params InsertFileParams) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return uuid.Nil, ErrUploadNotFound
	}
	if u.Status == domain.StatusCompleted && u.FileID != nil {
		return *u.FileID, nil
	}
	if params.FileID == uuid.Nil {
		params.FileID = uuid.New()
	}
	if params.Path == "" {
		params.Path = "/"
	}
	s.files[params.FileID] = params

	fileID := params.FileID
	now := time.Now().UTC()
	u.FileID = &fileID
	u.BlobPath = params.BlobPath
	u.Status = domain.StatusCompleted
	u.CompletedAt = &now
	u.UpdatedAt = now
	return fileID, nil
}

func (s *MemoryStore) UpsertUserStorageUsage(_ context.Context, userID uuid.UUID, deltaBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[userID] += deltaBytes
	return nil
}

// FileRecord returns the inserted file params for assertions in tests.
func (s *MemoryStore) FileRecord(fileID uuid.UUID) (InsertFileParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.files[fileID]
	return p, ok
}

// StorageUsage returns the accumulated byte count for a user.
func (s *MemoryStore) StorageUsage(userID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[userID]
}
