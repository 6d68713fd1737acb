package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	githubclient "github.com/TonAldo48/stash/internal/github"
	"github.com/TonAldo48/stash/internal/store"
)

const manifestSchemaVersion = "2024-11-01"

// remoteRoot returns the repo directory owned by one upload session.
func remoteRoot(upload *Upload) string {
	return fmt.Sprintf("uploads/%s/%s", upload.UserID.String(), upload.ID.String())
}

// finalizeRepoChunks pushes each staged chunk to the storage repo, writes the
// manifest enumerating them, and records the file row. The manifest path is
// the file's blob reference.
func (s *Service) finalizeRepoChunks(ctx context.Context, upload *Upload, chunks []UploadChunk) (uuid.UUID, error) {
	root := remoteRoot(upload)
	chunksDir := root + "/chunks"

	for _, chunk := range chunks {
		data, err := os.ReadFile(chunk.ScratchPath)
		if err != nil {
			return uuid.Nil, err
		}
		chunkPath := fmt.Sprintf("%s/chunk-%05d", chunksDir, chunk.ChunkIndex)
		message := fmt.Sprintf("Upload chunk %d for %s", chunk.ChunkIndex, upload.Filename)
		if _, err := s.github.PutFile(ctx, upload.RepoName, chunkPath, message, data); err != nil {
			return uuid.Nil, fmt.Errorf("push chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	manifest, err := buildManifest(upload, chunks, chunksDir)
	if err != nil {
		return uuid.Nil, err
	}
	manifestPath := root + "/manifest.json"
	if _, err := s.github.PutFile(ctx, upload.RepoName, manifestPath, fmt.Sprintf("Add manifest for %s", upload.Filename), manifest); err != nil {
		return uuid.Nil, fmt.Errorf("push manifest: %w", err)
	}

	if err := s.store.UpdateManifestPath(ctx, upload.ID, manifestPath); err != nil {
		return uuid.Nil, err
	}

	meta, _ := json.Marshal(map[string]any{
		"manifestPath": manifestPath,
		"chunksPath":   chunksDir,
	})
	return s.store.FinishUpload(ctx, upload.ID, store.InsertFileParams{
		UserID:          upload.UserID,
		Name:            upload.Filename,
		SizeBytes:       upload.TotalSizeBytes,
		Path:            upload.TargetPath,
		RepoName:        upload.RepoName,
		StorageStrategy: upload.Strategy,
		BlobPath:        manifestPath,
		MetadataJSON:    meta,
	})
}

// finalizeReleaseAsset assembles the chunks into one file, attaches it to a
// release tagged deterministically from the session id, and records the file
// row with a release:<release>:<asset> blob reference.
func (s *Service) finalizeReleaseAsset(ctx context.Context, upload *Upload, chunks []UploadChunk) (uuid.UUID, error) {
	assembledPath := filepath.Join(s.scratch.SessionDir(upload.ID), "assembled.bin")
	if err := assembleFile(assembledPath, chunks); err != nil {
		return uuid.Nil, err
	}
	defer os.Remove(assembledPath)

	file, err := os.Open(assembledPath)
	if err != nil {
		return uuid.Nil, err
	}
	defer file.Close()

	tag := fmt.Sprintf("upload-%s", upload.ID.String())
	body := fmt.Sprintf("Release for upload %s", upload.Filename)
	release, err := s.github.EnsureRelease(ctx, upload.RepoName, tag, upload.Filename, body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ensure release: %w", err)
	}

	contentType := upload.MimeType
	if contentType == "" {
		contentType = githubclient.ContentTypeFromName(upload.Filename)
	}
	asset, err := s.github.UploadReleaseAsset(ctx, upload.RepoName, release.GetID(), upload.Filename, contentType, file)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upload release asset: %w", err)
	}

	meta, _ := json.Marshal(map[string]any{
		"releaseId": release.GetID(),
		"assetId":   asset.GetID(),
		"assetName": asset.GetName(),
		"tag":       tag,
	})
	return s.store.FinishUpload(ctx, upload.ID, store.InsertFileParams{
		UserID:          upload.UserID,
		Name:            upload.Filename,
		SizeBytes:       upload.TotalSizeBytes,
		Path:            upload.TargetPath,
		RepoName:        upload.RepoName,
		StorageStrategy: upload.Strategy,
		BlobPath:        fmt.Sprintf("release:%d:%d", release.GetID(), asset.GetID()),
		MetadataJSON:    meta,
	})
}

// finalizeInlineBlob concatenates the chunks and writes them as a single
// repo blob next to where the chunk tree would live. No manifest is written.
func (s *Service) finalizeInlineBlob(ctx context.Context, upload *Upload, chunks []UploadChunk) (uuid.UUID, error) {
	var buf bytes.Buffer
	buf.Grow(int(upload.TotalSizeBytes))
	for _, chunk := range chunks {
		data, err := os.ReadFile(chunk.ScratchPath)
		if err != nil {
			return uuid.Nil, err
		}
		buf.Write(data)
	}

	blobPath := remoteRoot(upload) + "/" + upload.Filename
	message := fmt.Sprintf("Upload %s", upload.Filename)
	if _, err := s.github.PutFile(ctx, upload.RepoName, blobPath, message, buf.Bytes()); err != nil {
		return uuid.Nil, fmt.Errorf("push blob: %w", err)
	}

	meta, _ := json.Marshal(map[string]any{"blobPath": blobPath})
	return s.store.FinishUpload(ctx, upload.ID, store.InsertFileParams{
		UserID:          upload.UserID,
		Name:            upload.Filename,
		SizeBytes:       upload.TotalSizeBytes,
		Path:            upload.TargetPath,
		RepoName:        upload.RepoName,
		StorageStrategy: upload.Strategy,
		BlobPath:        blobPath,
		MetadataJSON:    meta,
	})
}

// buildManifest renders the canonical manifest document for repo-chunks
// uploads.
func buildManifest(upload *Upload, chunks []UploadChunk, chunksDir string) ([]byte, error) {
	type manifestChunk struct {
		Index    int    `json:"index"`
		Size     int64  `json:"size"`
		Checksum string `json:"checksum"`
		Path     string `json:"path"`
	}
	payload := struct {
		SchemaVersion string          `json:"schemaVersion"`
		Strategy      StorageStrategy `json:"strategy"`
		UploadID      string          `json:"uploadId"`
		UserID        string          `json:"userId"`
		FileName      string          `json:"fileName"`
		SizeBytes     int64           `json:"sizeBytes"`
		ChunkSize     int64           `json:"chunkSize"`
		TotalChunks   int             `json:"totalChunks"`
		ChunksPath    string          `json:"chunksPath"`
		Chunks        []manifestChunk `json:"chunks"`
		CreatedAt     time.Time       `json:"createdAt"`
	}{
		SchemaVersion: manifestSchemaVersion,
		Strategy:      upload.Strategy,
		UploadID:      upload.ID.String(),
		UserID:        upload.UserID.String(),
		FileName:      upload.Filename,
		SizeBytes:     upload.TotalSizeBytes,
		ChunkSize:     upload.ChunkSizeBytes,
		TotalChunks:   upload.TotalChunks,
		ChunksPath:    chunksDir,
		CreatedAt:     time.Now().UTC(),
	}
	for _, chunk := range chunks {
		payload.Chunks = append(payload.Chunks, manifestChunk{
			Index:    chunk.ChunkIndex,
			Size:     chunk.SizeBytes,
			Checksum: chunk.Checksum,
			Path:     fmt.Sprintf("%s/chunk-%05d", chunksDir, chunk.ChunkIndex),
		})
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// assembleFile concatenates the staged chunks in index order into dest.
func assembleFile(dest string, chunks []UploadChunk) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, chunk := range chunks {
		data, err := os.Open(chunk.ScratchPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(file, data); err != nil {
			data.Close()
			return err
		}
		data.Close()
	}
	return nil
}
