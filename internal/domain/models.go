package domain

import (
	"time"

	"github.com/google/uuid"
)

// StorageStrategy describes how the final file is kept on GitHub.
type StorageStrategy string

const (
	StrategyRepoChunks   StorageStrategy = "repo_chunks"
	StrategyReleaseAsset StorageStrategy = "release_asset"
	StrategyInlineBlob   StorageStrategy = "inline_blob"
	StrategyGitLFS       StorageStrategy = "git_lfs"
)

// UploadStatus captures the lifecycle of an upload session.
type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusInProgress UploadStatus = "in_progress"
	StatusProcessing UploadStatus = "processing"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
	StatusAborted    UploadStatus = "aborted"
)

// Terminal reports whether no further transitions are allowed from s.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Upload represents an upload session stored in the DB.
type Upload struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Filename       string
	MimeType       string
	TargetPath     string
	Strategy       StorageStrategy
	Status         UploadStatus
	ChunkSizeBytes int64
	TotalChunks    int
	TotalSizeBytes int64
	ReceivedChunks int
	ReceivedBytes  int64
	RepoName       string
	ManifestPath   string
	BlobPath       string
	ErrorMessage   string
	FileID         *uuid.UUID
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Expired reports whether the session deadline has passed for a
// session that has not yet reached a terminal state.
func (u *Upload) Expired(now time.Time) bool {
	return !u.Status.Terminal() && !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}

// ChunkSizeAt returns the exact byte count chunk index must carry.
// Every chunk is full-sized except the last, which holds the remainder.
func (u *Upload) ChunkSizeAt(index int) int64 {
	if index < u.TotalChunks-1 {
		return u.ChunkSizeBytes
	}
	return u.TotalSizeBytes - int64(u.TotalChunks-1)*u.ChunkSizeBytes
}

// UploadChunk stores metadata for each staged chunk.
type UploadChunk struct {
	UploadID       uuid.UUID
	ChunkIndex     int
	SizeBytes      int64
	ClientChecksum string
	Checksum       string
	ScratchPath    string
	ReceivedAt     time.Time
}

// InitRequest contains the payload sent by the frontend during initialization.
type InitRequest struct {
	FileName string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Folder   string `json:"folder"`
}

// InitResponse describes upload session info returned to the frontend.
type InitResponse struct {
	UploadID      string          `json:"uploadId"`
	ChunkSize     int64           `json:"chunkSize"`
	TotalChunks   int             `json:"totalChunks"`
	Strategy      StorageStrategy `json:"strategy"`
	RepoName      string          `json:"repoName"`
	MaxUploadSize int64           `json:"maxUploadSize"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}

// ChunkResult is returned after each chunk is processed.
type ChunkResult struct {
	ReceivedChunk int  `json:"receivedChunk"`
	NextIndex     int  `json:"nextChunkIndex"`
	IsComplete    bool `json:"isComplete"`
}

// StatusResponse exposes upload progress for resume/polling.
type StatusResponse struct {
	UploadID       string          `json:"uploadId"`
	Status         UploadStatus    `json:"status"`
	Strategy       StorageStrategy `json:"strategy"`
	ReceivedBytes  int64           `json:"receivedBytes"`
	ReceivedChunks int             `json:"receivedChunks"`
	TotalChunks    int             `json:"totalChunks"`
	ChunkSize      int64           `json:"chunkSize"`
	NextChunk      int             `json:"nextChunk"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
}

// FinalizeResult is returned after the upload is persisted in GitHub and DB.
type FinalizeResult struct {
	FileID    string    `json:"fileId"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size"`
	Completed time.Time `json:"completedAt"`
}
