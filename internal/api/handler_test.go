package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TonAldo48/stash/internal/config"
	"github.com/TonAldo48/stash/internal/scratch"
	"github.com/TonAldo48/stash/internal/store"
	"github.com/TonAldo48/stash/internal/upload"
)

const testAPIKey = "service-secret"

// stubGitHub accepts every write so handler tests can exercise the full
// upload flow without a network.
type stubGitHub struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newStubGitHub() *stubGitHub {
	return &stubGitHub{files: make(map[string][]byte)}
}

func (s *stubGitHub) PutFile(_ context.Context, repo, path, _ string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[repo+"/"+path] = append([]byte(nil), content...)
	return "sha", nil
}

func (s *stubGitHub) EnsureRelease(_ context.Context, _, tag, name, _ string) (*gogithub.RepositoryRelease, error) {
	return &gogithub.RepositoryRelease{
		ID:      gogithub.Int64(1),
		TagName: gogithub.String(tag),
		Name:    gogithub.String(name),
	}, nil
}

func (s *stubGitHub) UploadReleaseAsset(_ context.Context, _ string, _ int64, name, _ string, file *os.File) (*gogithub.ReleaseAsset, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return &gogithub.ReleaseAsset{
		ID:   gogithub.Int64(1),
		Name: gogithub.String(name),
		Size: gogithub.Int(len(data)),
	}, nil
}

func (s *stubGitHub) DeletePath(_ context.Context, repo, path, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, repo+"/"+path)
	return nil
}

func newTestRouter(t *testing.T, mutate func(*config.Config)) (http.Handler, uuid.UUID) {
	t.Helper()
	cfg := &config.Config{
		APIKey:                testAPIKey,
		StorageRepo:           "stash-storage",
		DefaultChunkSizeBytes: 4,
		MinChunkSizeBytes:     1,
		MaxChunkSizeBytes:     8,
		MaxUploadBytes:        1 << 20,
		ReleaseMaxBytes:       1 << 19,
		LFSThresholdBytes:     1 << 18,
		InlineMaxBytes:        16,
		SessionTTL:            time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}
	sc, err := scratch.NewStore(t.TempDir())
	require.NoError(t, err)
	svc := upload.NewService(cfg, store.NewMemoryStore(), sc, newStubGitHub(), zerolog.Nop())
	return NewHandler(cfg, svc, zerolog.Nop()).Router(), uuid.New()
}

type request struct {
	method  string
	path    string
	body    []byte
	headers map[string]string
	user    uuid.UUID
	noAuth  bool
}

func do(t *testing.T, router http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	httpReq := httptest.NewRequest(req.method, req.path, bytes.NewReader(req.body))
	if !req.noAuth {
		httpReq.Header.Set("X-API-Key", testAPIKey)
		httpReq.Header.Set("X-User-Id", req.user.String())
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httpReq)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func initSession(t *testing.T, router http.Handler, user uuid.UUID, size int64) upload.InitResponse {
	t.Helper()
	body, _ := json.Marshal(upload.InitRequest{
		FileName: "report.pdf",
		Size:     size,
		MimeType: "application/pdf",
		Folder:   "/docs",
	})
	rec := do(t, router, request{method: "POST", path: "/uploads/init", body: body, user: user})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[upload.InitResponse](t, rec)
}

func putChunk(t *testing.T, router http.Handler, user uuid.UUID, uploadID string, index int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, request{
		method: "POST",
		path:   "/uploads/" + uploadID + "/chunks",
		body:   data,
		user:   user,
		headers: map[string]string{
			"X-Chunk-Index": strconv.Itoa(index),
		},
	})
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, nil)
	rec := do(t, router, request{method: "GET", path: "/healthz", noAuth: true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestAuthRejections(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, nil)

	// no credentials at all
	rec := do(t, router, request{method: "POST", path: "/uploads/init", noAuth: true})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// wrong api key
	rec = do(t, router, request{method: "POST", path: "/uploads/init", noAuth: true, headers: map[string]string{
		"X-API-Key": "wrong",
		"X-User-Id": user.String(),
	}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// missing user id
	rec = do(t, router, request{method: "POST", path: "/uploads/init", noAuth: true, headers: map[string]string{
		"X-API-Key": testAPIKey,
	}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// malformed user id
	rec = do(t, router, request{method: "POST", path: "/uploads/init", noAuth: true, headers: map[string]string{
		"X-API-Key": testAPIKey,
		"X-User-Id": "not-a-uuid",
	}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInitValidation(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, nil)

	rec := do(t, router, request{method: "POST", path: "/uploads/init", body: []byte("{not json"), user: user})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, _ := json.Marshal(upload.InitRequest{FileName: "a", Size: 0})
	rec = do(t, router, request{method: "POST", path: "/uploads/init", body: body, user: user})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, _ = json.Marshal(upload.InitRequest{FileName: "a", Size: 2 << 20})
	rec = do(t, router, request{method: "POST", path: "/uploads/init", body: body, user: user})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "exceeds max limit")
}

func TestUploadFlowOverHTTP(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, nil)
	res := initSession(t, router, user, 10)
	require.Equal(t, 3, res.TotalChunks)

	payload := []byte("abcdefghij")
	for i, part := range [][]byte{payload[0:4], payload[4:8], payload[8:10]} {
		rec := putChunk(t, router, user, res.UploadID, i, part)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		result := decode[upload.ChunkResult](t, rec)
		assert.Equal(t, i+1, result.NextIndex)
	}

	rec := do(t, router, request{method: "GET", path: "/uploads/" + res.UploadID, user: user})
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[upload.StatusResponse](t, rec)
	assert.Equal(t, upload.StatusInProgress, status.Status)
	assert.Equal(t, int64(10), status.ReceivedBytes)
	assert.Equal(t, 3, status.NextChunk)

	rec = do(t, router, request{method: "POST", path: "/uploads/" + res.UploadID + "/finalize", user: user})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	final := decode[upload.FinalizeResult](t, rec)
	assert.Equal(t, "report.pdf", final.Name)
	assert.Equal(t, "/docs", final.Path)
	assert.Equal(t, int64(10), final.SizeBytes)
	assert.NotEmpty(t, final.FileID)

	// finalize replay returns the same file
	rec = do(t, router, request{method: "POST", path: "/uploads/" + res.UploadID + "/finalize", user: user})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, final.FileID, decode[upload.FinalizeResult](t, rec).FileID)
}

func TestChunkHeaderValidation(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, nil)
	res := initSession(t, router, user, 10)

	rec := do(t, router, request{method: "POST", path: "/uploads/" + res.UploadID + "/chunks", body: []byte("abcd"), user: user})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "X-Chunk-Index")

	rec = do(t, router, request{
		method:  "POST",
		path:    "/uploads/" + res.UploadID + "/chunks",
		body:    []byte("abcd"),
		user:    user,
		headers: map[string]string{"X-Chunk-Index": "-1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, request{
		method:  "POST",
		path:    "/uploads/" + res.UploadID + "/chunks",
		body:    []byte("abcd"),
		user:    user,
		headers: map[string]string{"X-Chunk-Index": "0", "X-Chunk-Checksum": "deadbeef"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "checksum")
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, nil)
	res := initSession(t, router, user, 10)

	// unknown session
	rec := do(t, router, request{method: "GET", path: "/uploads/" + uuid.NewString(), user: user})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// malformed session id
	rec = do(t, router, request{method: "GET", path: "/uploads/not-a-uuid", user: user})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// somebody else's session
	rec = do(t, router, request{method: "GET", path: "/uploads/" + res.UploadID, user: uuid.New()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// out-of-order chunk
	rec = putChunk(t, router, user, res.UploadID, 2, []byte("zz"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// premature finalize
	rec = do(t, router, request{method: "POST", path: "/uploads/" + res.UploadID + "/finalize", user: user})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAbortOverHTTP(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, nil)
	res := initSession(t, router, user, 10)

	rec := putChunk(t, router, user, res.UploadID, 0, []byte("abcd"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, request{method: "POST", path: "/uploads/" + res.UploadID + "/abort", user: user})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aborted", decode[map[string]string](t, rec)["status"])

	// further chunks are refused
	rec = putChunk(t, router, user, res.UploadID, 1, []byte("efgh"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// abort again is still OK
	rec = do(t, router, request{method: "POST", path: "/uploads/" + res.UploadID + "/abort", user: user})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExpiredSessionIsGone(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, func(c *config.Config) {
		c.SessionTTL = -time.Minute
	})
	res := initSession(t, router, user, 10)

	rec := putChunk(t, router, user, res.UploadID, 0, []byte("abcd"))
	assert.Equal(t, http.StatusGone, rec.Code)

	// the status endpoint reports the failed session instead of 410
	rec = do(t, router, request{method: "GET", path: "/uploads/" + res.UploadID, user: user})
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[upload.StatusResponse](t, rec)
	assert.Equal(t, upload.StatusFailed, status.Status)
	assert.NotEmpty(t, status.ErrorMessage)
}

func TestChecksumPropagates(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, nil)
	res := initSession(t, router, user, 4)

	rec := do(t, router, request{
		method: "POST",
		path:   "/uploads/" + res.UploadID + "/chunks",
		body:   []byte("abcd"),
		user:   user,
		headers: map[string]string{
			"X-Chunk-Index":    "0",
			"X-Chunk-Checksum": "88d4266fd4e6338d13b845fcf289579d209c897823b9217da3e161936f031589",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[upload.ChunkResult](t, rec).IsComplete)
}

func TestRequestBodyLimitedToChunkSize(t *testing.T) {
	t.Parallel()
	router, user := newTestRouter(t, nil)
	res := initSession(t, router, user, 10)

	rec := putChunk(t, router, user, res.UploadID, 0, []byte("way too many bytes for one chunk"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], fmt.Sprintf("expected %d", res.ChunkSize))
}
