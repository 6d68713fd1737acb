package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/TonAldo48/stash/internal/domain"
)

// Store defines persistence behavior for uploads and related entities.
//
// AdvanceUploadProgress is the serialization primitive for a single
// session: it only succeeds when the session's received_chunks still
// equals chunkIndex and the session is pending or in_progress, so two
// concurrent writes for the same index advance the counter at most once.
type Store interface {
	CreateUpload(ctx context.Context, u *domain.Upload) error
	GetUpload(ctx context.Context, uploadID, userID uuid.UUID) (*domain.Upload, error)
	UpdateUploadStatus(ctx context.Context, uploadID uuid.UUID, status domain.UploadStatus) error
	MarkFailed(ctx context.Context, uploadID uuid.UUID, reason string) error
	RecordChunk(ctx context.Context, chunk *domain.UploadChunk) error
	AdvanceUploadProgress(ctx context.Context, uploadID uuid.UUID, chunkIndex int, chunkBytes int64) error
	ListChunks(ctx context.Context, uploadID uuid.UUID) ([]domain.UploadChunk, error)
	ResetChunks(ctx context.Context, uploadID uuid.UUID) error
	UpdateManifestPath(ctx context.Context, uploadID uuid.UUID, manifestPath string) error
	// FinishUpload inserts the final file record and links it to the
	// session (status completed, completion timestamp) as one unit.
	// Calling it again for an already-completed session returns the
	// previously linked file id.
	FinishUpload(ctx context.Context, uploadID uuid.UUID, params InsertFileParams) (uuid.UUID, error)
	UpsertUserStorageUsage(ctx context.Context, userID uuid.UUID, deltaBytes int64) error
}

// InsertFileParams is used to create a final entry in the files table.
type InsertFileParams struct {
	FileID          uuid.UUID
	UserID          uuid.UUID
	Name            string
	SizeBytes       int64
	Path            string
	RepoName        string
	StorageStrategy domain.StorageStrategy
	BlobPath        string
	MetadataJSON    []byte
}
