// Package fetcher retrieves the remote brewery feed to local storage.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Options configures the fetcher returned by ForURL.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
}

// ForURL returns the Fetcher that handles the scheme of rawURL:
// http and https use HTTPFetcher, ftp uses FTPFetcher, and file URLs or bare
// paths use FileFetcher.
func ForURL(rawURL string, opts Options) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPFetcher(HTTPOptions{
			UserAgent:  opts.UserAgent,
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
		}), nil
	case "ftp":
		return NewFTPFetcher(FTPOptions{Timeout: opts.Timeout}), nil
	case "file", "":
		return FileFetcher{}, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

// copyToFile drains body into a newly created file at path.
func copyToFile(body io.Reader, path string) (int64, error) {
	file, err := createFile(path)
	if err != nil {
		return 0, err
	}
	return copyAndClose(file, body)
}

// copyAndClose drains body into w and closes it. A failed close is reported
// when the copy itself succeeded.
func copyAndClose(w io.WriteCloser, body io.Reader) (int64, error) {
	n, err := io.Copy(w, body)
	cerr := w.Close()
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	if cerr != nil {
		return n, eris.Wrap(cerr, "close file")
	}
	return n, nil
}
