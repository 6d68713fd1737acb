package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiError(status int) error {
	return &gogithub.ErrorResponse{
		Response: &http.Response{StatusCode: status},
		Message:  http.StatusText(status),
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUnprocessable(apiError(http.StatusUnprocessableEntity)))
	assert.False(t, IsUnprocessable(apiError(http.StatusNotFound)))
	assert.False(t, IsUnprocessable(errors.New("dial tcp: connection refused")))

	assert.True(t, IsNotFound(apiError(http.StatusNotFound)))
	assert.False(t, IsNotFound(apiError(http.StatusUnprocessableEntity)))

	assert.True(t, IsRateLimited(&gogithub.RateLimitError{}))
	assert.True(t, IsRateLimited(&gogithub.AbuseRateLimitError{}))
	assert.False(t, IsRateLimited(apiError(http.StatusForbidden)))

	// wrapped errors still classify
	wrapped := fmt.Errorf("push chunk 3: %w", apiError(http.StatusUnprocessableEntity))
	assert.True(t, IsUnprocessable(wrapped))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", apiError(http.StatusInternalServerError), true},
		{"bad gateway", apiError(http.StatusBadGateway), true},
		{"rate limit", &gogithub.RateLimitError{}, true},
		{"secondary rate limit", &gogithub.AbuseRateLimitError{}, true},
		{"transport error", errors.New("read: connection reset by peer"), true},
		{"not found", apiError(http.StatusNotFound), false},
		{"unprocessable", apiError(http.StatusUnprocessableEntity), false},
		{"unauthorized", apiError(http.StatusUnauthorized), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	c := &StorageClient{maxRetries: 5, baseDelay: time.Millisecond}

	attempts := 0
	err := c.retry(context.Background(), func() error {
		attempts++
		return apiError(http.StatusUnprocessableEntity)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsTransientErrors(t *testing.T) {
	t.Parallel()
	c := &StorageClient{maxRetries: 3, baseDelay: time.Millisecond}

	attempts := 0
	err := c.retry(context.Background(), func() error {
		attempts++
		return apiError(http.StatusBadGateway)
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	c := &StorageClient{maxRetries: 3, baseDelay: time.Millisecond}

	attempts := 0
	err := c.retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return apiError(http.StatusServiceUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	t.Parallel()
	c := &StorageClient{maxRetries: 100, baseDelay: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.retry(ctx, func() error {
		attempts++
		return apiError(http.StatusBadGateway)
	})
	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 3)
}

func TestContentTypeFromName(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"archive.zip":   "application/zip",
		"bundle.tar":    "application/x-tar",
		"bundle.tar.gz": "application/gzip",
		"snapshot.tgz":  "application/gzip",
		"report.pdf":    "application/octet-stream",
		"no-extension":  "application/octet-stream",
	}
	for name, want := range cases {
		assert.Equal(t, want, ContentTypeFromName(name), name)
	}
}
