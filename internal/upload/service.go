// Package upload owns the upload session lifecycle: initialization, chunk
// ingestion, finalization and abort. It is the only component that moves a
// session between statuses; the scratch and metadata stores report facts back
// to it.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TonAldo48/stash/internal/config"
	"github.com/TonAldo48/stash/internal/domain"
	githubclient "github.com/TonAldo48/stash/internal/github"
	"github.com/TonAldo48/stash/internal/scratch"
	"github.com/TonAldo48/stash/internal/store"
)

type (
	Upload          = domain.Upload
	UploadChunk     = domain.UploadChunk
	InitRequest     = domain.InitRequest
	InitResponse    = domain.InitResponse
	ChunkResult     = domain.ChunkResult
	StatusResponse  = domain.StatusResponse
	FinalizeResult  = domain.FinalizeResult
	StorageStrategy = domain.StorageStrategy
)

const (
	StrategyRepoChunks   = domain.StrategyRepoChunks
	StrategyReleaseAsset = domain.StrategyReleaseAsset
	StrategyInlineBlob   = domain.StrategyInlineBlob
	StrategyGitLFS       = domain.StrategyGitLFS

	StatusPending    = domain.StatusPending
	StatusInProgress = domain.StatusInProgress
	StatusProcessing = domain.StatusProcessing
	StatusCompleted  = domain.StatusCompleted
	StatusFailed     = domain.StatusFailed
	StatusAborted    = domain.StatusAborted
)

// Service orchestrates the upload lifecycle between the metadata store,
// scratch storage and GitHub.
type Service struct {
	cfg     *config.Config
	store   store.Store
	scratch *scratch.Store
	github  githubclient.Client
	log     zerolog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewService constructs a Service instance.
func NewService(cfg *config.Config, st store.Store, sc *scratch.Store, gh githubclient.Client, log zerolog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		scratch: sc,
		github:  gh,
		log:     log.With().Str("component", "upload").Logger(),
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing mutations for one session.
// The conditional progress update in the store is the authoritative guard;
// this lock keeps a single process from staging the same chunk twice.
func (s *Service) sessionLock(uploadID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[uploadID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[uploadID] = mu
	}
	return mu
}

// releaseLock drops the per-session mutex once the session is terminal.
func (s *Service) releaseLock(uploadID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, uploadID)
}

// InitUpload creates a new upload record and returns chunking instructions.
func (s *Service) InitUpload(ctx context.Context, userID uuid.UUID, req InitRequest) (*InitResponse, error) {
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: file size must be greater than zero", ErrValidation)
	}
	if req.Size > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: file size exceeds max limit (%d bytes)", ErrValidation, s.cfg.MaxUploadBytes)
	}

	chunkSize := s.chunkSizeFor(req.Size)
	totalChunks := int((req.Size + chunkSize - 1) / chunkSize)
	strategy := s.pickStrategy(req.Size)

	uploadID := uuid.New()
	expiresAt := time.Now().UTC().Add(s.cfg.SessionTTL)
	u := &Upload{
		ID:             uploadID,
		UserID:         userID,
		Filename:       req.FileName,
		MimeType:       req.MimeType,
		TargetPath:     sanitizePath(req.Folder),
		Strategy:       strategy,
		Status:         StatusPending,
		ChunkSizeBytes: chunkSize,
		TotalChunks:    totalChunks,
		TotalSizeBytes: req.Size,
		RepoName:       s.cfg.StorageRepo,
		ExpiresAt:      expiresAt,
	}

	if err := s.store.CreateUpload(ctx, u); err != nil {
		return nil, err
	}

	s.log.Info().
		Stringer("upload_id", uploadID).
		Stringer("user_id", userID).
		Str("strategy", string(strategy)).
		Int64("size", req.Size).
		Int("total_chunks", totalChunks).
		Msg("upload session initialized")

	return &InitResponse{
		UploadID:      uploadID.String(),
		ChunkSize:     chunkSize,
		TotalChunks:   totalChunks,
		Strategy:      strategy,
		RepoName:      s.cfg.StorageRepo,
		MaxUploadSize: s.cfg.MaxUploadBytes,
		ExpiresAt:     expiresAt,
	}, nil
}

// chunkSizeFor clamps the configured chunk size to the allowed bounds and
// never exceeds the declared file size.
func (s *Service) chunkSizeFor(size int64) int64 {
	chunkSize := s.cfg.DefaultChunkSizeBytes
	if chunkSize < s.cfg.MinChunkSizeBytes {
		chunkSize = s.cfg.MinChunkSizeBytes
	}
	if chunkSize > s.cfg.MaxChunkSizeBytes {
		chunkSize = s.cfg.MaxChunkSizeBytes
	}
	if chunkSize > size {
		chunkSize = size
	}
	return chunkSize
}

// pickStrategy selects the storage strategy from declared size and policy.
// The strategy is fixed at init and never changes across retries or resumes.
func (s *Service) pickStrategy(size int64) StorageStrategy {
	if s.cfg.EnableInlineBlob && size <= s.cfg.InlineMaxBytes {
		return StrategyInlineBlob
	}
	if s.cfg.EnableReleaseAssets && size <= s.cfg.ReleaseMaxBytes {
		return StrategyReleaseAsset
	}
	if s.cfg.EnableGitLFS && size <= s.cfg.LFSThresholdBytes {
		return StrategyGitLFS
	}
	return StrategyRepoChunks
}

// checkExpiry fails a non-terminal session whose deadline has passed and
// reclaims its scratch bytes.
func (s *Service) checkExpiry(ctx context.Context, upload *Upload) error {
	if !upload.Expired(time.Now().UTC()) {
		return nil
	}
	if err := s.store.MarkFailed(ctx, upload.ID, "upload session expired"); err != nil {
		return err
	}
	_ = s.scratch.RemoveSession(upload.ID)
	s.releaseLock(upload.ID)
	s.log.Warn().Stringer("upload_id", upload.ID).Msg("expired upload session reclaimed")
	return ErrUploadExpired
}

// HandleChunk streams a chunk to scratch storage and advances DB progress.
// Replays of already-received indices succeed without side effects; indices
// ahead of the next expected one are rejected.
func (s *Service) HandleChunk(ctx context.Context, userID, uploadID uuid.UUID, chunkIndex int, chunkReader io.Reader, checksumHint string) (*ChunkResult, error) {
	mu := s.sessionLock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	upload, err := s.store.GetUpload(ctx, uploadID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkExpiry(ctx, upload); err != nil {
		return nil, err
	}

	switch upload.Status {
	case StatusCompleted:
		return &ChunkResult{
			ReceivedChunk: chunkIndex,
			NextIndex:     upload.TotalChunks,
			IsComplete:    true,
		}, nil
	case StatusAborted:
		return nil, fmt.Errorf("%w: upload aborted", ErrInvalidState)
	case StatusFailed:
		return nil, fmt.Errorf("%w: upload failed: %s", ErrInvalidState, upload.ErrorMessage)
	case StatusProcessing:
		return nil, fmt.Errorf("%w: upload is being finalized", ErrInvalidState)
	}

	if chunkIndex < upload.ReceivedChunks {
		return &ChunkResult{
			ReceivedChunk: chunkIndex,
			NextIndex:     upload.ReceivedChunks,
			IsComplete:    upload.ReceivedChunks == upload.TotalChunks,
		}, nil
	}
	if chunkIndex > upload.ReceivedChunks || chunkIndex >= upload.TotalChunks {
		return nil, fmt.Errorf("%w: got index %d, expected %d", store.ErrChunkOutOfOrder, chunkIndex, upload.ReceivedChunks)
	}

	wantSize := upload.ChunkSizeAt(chunkIndex)
	scratchPath, size, checksum, err := s.scratch.WriteChunk(uploadID, chunkIndex, io.LimitReader(chunkReader, wantSize+1))
	if err != nil {
		return nil, err
	}
	if size != wantSize {
		_ = s.scratch.RemoveChunk(uploadID, chunkIndex)
		return nil, fmt.Errorf("%w: chunk %d carried %d bytes, expected %d", ErrChunkSizeMismatch, chunkIndex, size, wantSize)
	}
	if checksumHint != "" && !strings.EqualFold(checksumHint, checksum) {
		_ = s.scratch.RemoveChunk(uploadID, chunkIndex)
		return nil, fmt.Errorf("%w for chunk %d", ErrChecksumMismatch, chunkIndex)
	}

	if err := s.store.RecordChunk(ctx, &UploadChunk{
		UploadID:       uploadID,
		ChunkIndex:     chunkIndex,
		SizeBytes:      size,
		ClientChecksum: strings.ToLower(checksumHint),
		Checksum:       checksum,
		ScratchPath:    scratchPath,
	}); err != nil {
		_ = s.scratch.RemoveChunk(uploadID, chunkIndex)
		return nil, err
	}

	if err := s.store.AdvanceUploadProgress(ctx, uploadID, chunkIndex, size); err != nil {
		if errors.Is(err, store.ErrChunkOutOfOrder) {
			// Lost the race to another writer. Re-read and answer
			// idempotently if our index is now stale.
			current, getErr := s.store.GetUpload(ctx, uploadID, userID)
			if getErr == nil && chunkIndex < current.ReceivedChunks {
				return &ChunkResult{
					ReceivedChunk: chunkIndex,
					NextIndex:     current.ReceivedChunks,
					IsComplete:    current.ReceivedChunks == current.TotalChunks,
				}, nil
			}
		}
		return nil, err
	}

	s.log.Debug().
		Stringer("upload_id", uploadID).
		Int("chunk", chunkIndex).
		Int64("bytes", size).
		Msg("chunk staged")

	nextIdx := chunkIndex + 1
	return &ChunkResult{
		ReceivedChunk: chunkIndex,
		NextIndex:     nextIdx,
		IsComplete:    nextIdx == upload.TotalChunks,
	}, nil
}

// GetStatus returns the latest upload state for polling/resume. An expired
// session is failed on first read so the snapshot reflects reality.
func (s *Service) GetStatus(ctx context.Context, userID, uploadID uuid.UUID) (*StatusResponse, error) {
	upload, err := s.store.GetUpload(ctx, uploadID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkExpiry(ctx, upload); err != nil && !errors.Is(err, ErrUploadExpired) {
		return nil, err
	} else if errors.Is(err, ErrUploadExpired) {
		upload.Status = StatusFailed
		upload.ErrorMessage = "upload session expired"
	}
	return &StatusResponse{
		UploadID:       upload.ID.String(),
		Status:         upload.Status,
		Strategy:       upload.Strategy,
		ReceivedBytes:  upload.ReceivedBytes,
		ReceivedChunks: upload.ReceivedChunks,
		TotalChunks:    upload.TotalChunks,
		ChunkSize:      upload.ChunkSizeBytes,
		NextChunk:      upload.ReceivedChunks,
		ErrorMessage:   upload.ErrorMessage,
	}, nil
}

// Finalize verifies the staged chunk set, materializes the file on GitHub
// under the session's strategy and records the final file row. Calling it
// again on a completed session replays the stored coordinates.
func (s *Service) Finalize(ctx context.Context, userID, uploadID uuid.UUID) (*FinalizeResult, error) {
	mu := s.sessionLock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	upload, err := s.store.GetUpload(ctx, uploadID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkExpiry(ctx, upload); err != nil {
		return nil, err
	}

	if upload.Status == StatusCompleted && upload.FileID != nil {
		completedAt := time.Now().UTC()
		if upload.CompletedAt != nil {
			completedAt = upload.CompletedAt.UTC()
		}
		return &FinalizeResult{
			FileID:    upload.FileID.String(),
			Path:      upload.TargetPath,
			Name:      upload.Filename,
			SizeBytes: upload.TotalSizeBytes,
			Completed: completedAt,
		}, nil
	}
	if upload.Status == StatusAborted || upload.Status == StatusFailed {
		return nil, fmt.Errorf("%w: cannot finalize %s upload", ErrInvalidState, upload.Status)
	}
	if upload.ReceivedChunks != upload.TotalChunks {
		return nil, fmt.Errorf("%w: received %d/%d chunks", ErrInvalidState, upload.ReceivedChunks, upload.TotalChunks)
	}

	chunks, err := s.store.ListChunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyChunks(upload, chunks); err != nil {
		s.fail(ctx, uploadID, err.Error())
		return nil, err
	}

	if err := s.store.UpdateUploadStatus(ctx, uploadID, StatusProcessing); err != nil {
		return nil, err
	}

	var fileID uuid.UUID
	switch upload.Strategy {
	case StrategyRepoChunks, StrategyGitLFS:
		fileID, err = s.finalizeRepoChunks(ctx, upload, chunks)
	case StrategyReleaseAsset:
		fileID, err = s.finalizeReleaseAsset(ctx, upload, chunks)
	case StrategyInlineBlob:
		fileID, err = s.finalizeInlineBlob(ctx, upload, chunks)
	default:
		err = fmt.Errorf("unsupported strategy %s", upload.Strategy)
	}
	if err != nil {
		// Scratch data is kept for post-mortem inspection.
		s.fail(ctx, uploadID, err.Error())
		return nil, err
	}

	if err := s.store.UpsertUserStorageUsage(ctx, upload.UserID, upload.TotalSizeBytes); err != nil {
		s.log.Error().Err(err).Stringer("upload_id", uploadID).Msg("storage usage update failed")
	}

	_ = s.scratch.RemoveSession(uploadID)
	s.releaseLock(uploadID)

	s.log.Info().
		Stringer("upload_id", uploadID).
		Stringer("file_id", fileID).
		Str("strategy", string(upload.Strategy)).
		Msg("upload completed")

	return &FinalizeResult{
		FileID:    fileID.String(),
		Path:      upload.TargetPath,
		Name:      upload.Filename,
		SizeBytes: upload.TotalSizeBytes,
		Completed: time.Now().UTC(),
	}, nil
}

// verifyChunks checks the common materialization preconditions: a dense
// chunk set, readable scratch files, and a byte sum matching the declared
// size.
func (s *Service) verifyChunks(upload *Upload, chunks []UploadChunk) error {
	if len(chunks) != upload.TotalChunks {
		return fmt.Errorf("%w: chunk set incomplete (%d/%d)", ErrIntegrity, len(chunks), upload.TotalChunks)
	}
	var total int64
	for i, chunk := range chunks {
		if chunk.ChunkIndex != i {
			return fmt.Errorf("%w: missing chunk %d", ErrIntegrity, i)
		}
		info, err := os.Stat(chunk.ScratchPath)
		if err != nil {
			return fmt.Errorf("%w: chunk %d unreadable: %v", ErrIntegrity, i, err)
		}
		if info.Size() != chunk.SizeBytes {
			return fmt.Errorf("%w: chunk %d is %d bytes on disk, recorded %d", ErrIntegrity, i, info.Size(), chunk.SizeBytes)
		}
		total += chunk.SizeBytes
	}
	if total != upload.TotalSizeBytes {
		return fmt.Errorf("%w: staged %d bytes, declared %d", ErrIntegrity, total, upload.TotalSizeBytes)
	}
	return nil
}

// Abort cancels a pending or in-progress upload and removes its staged data.
// Aborting an already-aborted session is a no-op.
func (s *Service) Abort(ctx context.Context, userID, uploadID uuid.UUID) error {
	mu := s.sessionLock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	upload, err := s.store.GetUpload(ctx, uploadID, userID)
	if err != nil {
		return err
	}
	if err := s.checkExpiry(ctx, upload); err != nil {
		return err
	}

	switch upload.Status {
	case StatusAborted:
		return nil
	case StatusCompleted:
		return fmt.Errorf("%w: cannot abort completed upload", ErrInvalidState)
	case StatusProcessing, StatusFailed:
		return fmt.Errorf("%w: cannot abort %s upload", ErrInvalidState, upload.Status)
	}

	if err := s.store.UpdateUploadStatus(ctx, uploadID, StatusAborted); err != nil {
		return err
	}
	if err := s.store.ResetChunks(ctx, uploadID); err != nil {
		return err
	}
	if err := s.scratch.RemoveSession(uploadID); err != nil {
		return err
	}
	s.releaseLock(uploadID)
	s.log.Info().Stringer("upload_id", uploadID).Msg("upload aborted")
	return nil
}

// fail records a terminal failure with its cause.
func (s *Service) fail(ctx context.Context, uploadID uuid.UUID, reason string) {
	if err := s.store.MarkFailed(ctx, uploadID, reason); err != nil {
		s.log.Error().Err(err).Stringer("upload_id", uploadID).Msg("could not record failure")
	}
}

func sanitizePath(path string) string {
	if strings.TrimSpace(path) == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = filepath.Clean(path)
	if path == "." {
		return "/"
	}
	return path
}
