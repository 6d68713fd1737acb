// Package github adapts the GitHub contents and releases APIs for use as the
// durable object store. It is the only package that speaks the GitHub wire
// protocol, and it owns the retry policy for remote writes.
package github

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gogithub "github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"
)

// Client exposes the subset of GitHub functionality the upload service needs.
type Client interface {
	PutFile(ctx context.Context, repo, path, message string, content []byte) (string, error)
	EnsureRelease(ctx context.Context, repo, tag, releaseName, body string) (*gogithub.RepositoryRelease, error)
	UploadReleaseAsset(ctx context.Context, repo string, releaseID int64, name, contentType string, file *os.File) (*gogithub.ReleaseAsset, error)
	DeletePath(ctx context.Context, repo, path, message string) error
}

// StorageClient is the default implementation backed by the GitHub REST API.
type StorageClient struct {
	client     *gogithub.Client
	owner      string
	maxRetries uint64
	baseDelay  time.Duration
}

// NewStorageClient creates a GitHub client using a static access token.
// maxRetries bounds the retry attempts per remote call.
func NewStorageClient(token, owner string, maxRetries uint64) *StorageClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &StorageClient{
		client:     gogithub.NewClient(tc),
		owner:      owner,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
	}
}

// retry runs op with exponential backoff. Transport errors, 5xx responses and
// rate limits are retried; every other client error is permanent.
func (c *StorageClient) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}

// PutFile creates or updates a file within the configured repo and returns
// the content sha. The contents API rejects a create for an existing path
// with 422, in which case the current sha is fetched and the write becomes
// an update.
func (c *StorageClient) PutFile(ctx context.Context, repo, path, message string, content []byte) (string, error) {
	var sha string
	err := c.retry(ctx, func() error {
		opts := &gogithub.RepositoryContentFileOptions{
			Message: gogithub.String(message),
			Content: content,
		}

		file, _, err := c.client.Repositories.CreateFile(ctx, c.owner, repo, path, opts)
		if err == nil {
			sha = file.GetSHA()
			return nil
		}
		if !IsUnprocessable(err) {
			return err
		}

		existing, _, _, getErr := c.client.Repositories.GetContents(ctx, c.owner, repo, path, nil)
		if getErr != nil {
			return getErr
		}
		opts.SHA = existing.SHA
		file, _, err = c.client.Repositories.UpdateFile(ctx, c.owner, repo, path, opts)
		if err != nil {
			return err
		}
		sha = file.GetSHA()
		return nil
	})
	return sha, err
}

// EnsureRelease fetches or creates a release for the provided tag.
func (c *StorageClient) EnsureRelease(ctx context.Context, repo, tag, releaseName, body string) (*gogithub.RepositoryRelease, error) {
	var release *gogithub.RepositoryRelease
	err := c.retry(ctx, func() error {
		existing, _, err := c.client.Repositories.GetReleaseByTag(ctx, c.owner, repo, tag)
		if err == nil {
			release = existing
			return nil
		}
		if !IsNotFound(err) {
			return err
		}

		req := &gogithub.RepositoryRelease{
			TagName: gogithub.String(tag),
			Name:    gogithub.String(releaseName),
			Body:    gogithub.String(body),
		}
		created, _, err := c.client.Repositories.CreateRelease(ctx, c.owner, repo, req)
		if err != nil {
			return err
		}
		release = created
		return nil
	})
	return release, err
}

// UploadReleaseAsset uploads a binary file to a release. The file offset is
// rewound before every attempt so retries resend the whole asset.
func (c *StorageClient) UploadReleaseAsset(ctx context.Context, repo string, releaseID int64, name, contentType string, file *os.File) (*gogithub.ReleaseAsset, error) {
	var asset *gogithub.ReleaseAsset
	err := c.retry(ctx, func() error {
		if _, err := file.Seek(0, 0); err != nil {
			return backoff.Permanent(err)
		}
		opts := &gogithub.UploadOptions{Name: name, MediaType: contentType}
		uploaded, _, err := c.client.Repositories.UploadReleaseAsset(ctx, c.owner, repo, releaseID, opts, file)
		if err != nil {
			return err
		}
		asset = uploaded
		return nil
	})
	return asset, err
}

// DeletePath removes a file from the storage repo. Missing paths are not an
// error, so cleanup is idempotent.
func (c *StorageClient) DeletePath(ctx context.Context, repo, path, message string) error {
	return c.retry(ctx, func() error {
		contents, _, _, err := c.client.Repositories.GetContents(ctx, c.owner, repo, path, nil)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		opts := &gogithub.RepositoryContentFileOptions{
			Message: gogithub.String(message),
			SHA:     contents.SHA,
		}
		_, _, err = c.client.Repositories.DeleteFile(ctx, c.owner, repo, path, opts)
		return err
	})
}

// IsUnprocessable reports whether err is a 422 from the contents API.
func IsUnprocessable(err error) bool {
	var ghErr *gogithub.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	return ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity
}

// IsNotFound reports whether err is a 404 from the GitHub API.
func IsNotFound(err error) bool {
	var ghErr *gogithub.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	return ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether err is a primary or secondary rate limit.
func IsRateLimited(err error) bool {
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *gogithub.AbuseRateLimitError
	return errors.As(err, &abuseErr)
}

// IsRetryable classifies an error as transient. Rate limits, server errors
// and anything that never produced an API response (DNS, reset connections)
// qualify; other 4xx responses do not.
func IsRetryable(err error) bool {
	if IsRateLimited(err) {
		return true
	}
	var ghErr *gogithub.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// ContentTypeFromName infers content-type from filename when possible.
func ContentTypeFromName(name string) string {
	switch {
	case strings.HasSuffix(name, ".zip"):
		return "application/zip"
	case strings.HasSuffix(name, ".tar"):
		return "application/x-tar"
	case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".tgz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
