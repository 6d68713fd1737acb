package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	gogithub "github.com/google/go-github/v60/github"
)

// fakeGitHub is an in-memory stand-in for the GitHub storage client.
type fakeGitHub struct {
	mu       sync.Mutex
	files    map[string][]byte
	releases map[string]*gogithub.RepositoryRelease
	assets   map[int64][]byte

	putErr     error
	releaseErr error
	assetErr   error

	nextReleaseID int64
	nextAssetID   int64
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		files:    make(map[string][]byte),
		releases: make(map[string]*gogithub.RepositoryRelease),
		assets:   make(map[int64][]byte),
	}
}

func fileKey(repo, path string) string {
	return repo + "/" + path
}

func (f *fakeGitHub) PutFile(_ context.Context, repo, path, _ string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	cp := make([]byte, len(content))
	copy(cp, content)
	f.files[fileKey(repo, path)] = cp
	return fmt.Sprintf("sha-%d", len(f.files)), nil
}

func (f *fakeGitHub) EnsureRelease(_ context.Context, _, tag, releaseName, _ string) (*gogithub.RepositoryRelease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	if rel, ok := f.releases[tag]; ok {
		return rel, nil
	}
	f.nextReleaseID++
	rel := &gogithub.RepositoryRelease{
		ID:      gogithub.Int64(f.nextReleaseID),
		TagName: gogithub.String(tag),
		Name:    gogithub.String(releaseName),
	}
	f.releases[tag] = rel
	return rel, nil
}

func (f *fakeGitHub) UploadReleaseAsset(_ context.Context, _ string, _ int64, name, _ string, file *os.File) (*gogithub.ReleaseAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assetErr != nil {
		return nil, f.assetErr
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	f.nextAssetID++
	f.assets[f.nextAssetID] = data
	return &gogithub.ReleaseAsset{
		ID:   gogithub.Int64(f.nextAssetID),
		Name: gogithub.String(name),
		Size: gogithub.Int(len(data)),
	}, nil
}

func (f *fakeGitHub) DeletePath(_ context.Context, repo, path, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, fileKey(repo, path))
	return nil
}

func (f *fakeGitHub) file(repo, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileKey(repo, path)]
	return data, ok
}

func (f *fakeGitHub) asset(id int64) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.assets[id]
	return data, ok
}
