package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FileFetcher reads feeds from the local filesystem. It accepts file:// URLs
// and bare paths.
type FileFetcher struct{}

// localPath resolves a file URL or bare path to a filesystem path.
func localPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrap(err, "parse file url")
	}
	switch u.Scheme {
	case "":
		return rawURL, nil
	case "file":
		if u.Path == "" {
			return "", eris.New("empty path in file url")
		}
		return filepath.FromSlash(u.Path), nil
	default:
		return "", eris.Errorf("expected file scheme, got %q", u.Scheme)
	}
}

// Download opens the local file named by rawURL.
func (FileFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "file: context cancelled")
	}

	path, err := localPath(rawURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("file: opening", zap.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "file: open")
	}
	return f, nil
}

// DownloadToFile copies the local file named by rawURL to path.
func (ff FileFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	src, err := ff.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer src.Close() //nolint:errcheck

	return copyToFile(src, path)
}

// createFile creates path, making its parent directory if needed.
func createFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "create file")
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrap(err, "create file")
	}
	return file, nil
}
