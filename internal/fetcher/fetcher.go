// Package fetcher retrieves feed and boundary archives over HTTP or FTP and
// unpacks them for the importers.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher downloads a remote resource.
type Fetcher interface {
	// Download returns the resource body. The caller closes it.
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)

	// DownloadToFile writes the resource to dest and returns the bytes written.
	DownloadToFile(ctx context.Context, rawURL, dest string) (int64, error)
}

// Source resolves feed locations to local files.
type Source struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewSource wires the default HTTP and FTP fetchers.
func NewSource() *Source {
	return &Source{
		HTTP: NewHTTPFetcher(HTTPOptions{}),
		FTP:  NewFTPFetcher(FTPOptions{}),
	}
}

// IsRemote reports whether loc is an http(s) or ftp URL.
func IsRemote(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ftp":
		return true
	}
	return false
}

// Fetch returns a local path for loc. Local paths are returned unchanged;
// URLs are downloaded into dir once and reused while the file exists.
func (s *Source) Fetch(ctx context.Context, loc, dir string) (string, error) {
	if !IsRemote(loc) {
		if _, err := os.Stat(loc); err != nil {
			return "", eris.Wrapf(err, "fetch: %s", loc)
		}
		return loc, nil
	}

	u, err := url.Parse(loc)
	if err != nil {
		return "", eris.Wrap(err, "fetch: parse url")
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = strings.ReplaceAll(u.Host, ":", "_") + ".download"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetch: create download dir")
	}
	dest := filepath.Join(dir, name)

	log := zap.L().With(zap.String("component", "fetcher"), zap.String("url", loc))
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		log.Debug("already downloaded", zap.String("path", dest))
		return dest, nil
	}

	f := s.HTTP
	if u.Scheme == "ftp" {
		f = s.FTP
	}
	// Download next to dest and rename, so an interrupted transfer is
	// never mistaken for a complete file.
	part := dest + ".part"
	n, err := f.DownloadToFile(ctx, loc, part)
	if err != nil {
		_ = os.Remove(part)
		return "", eris.Wrapf(err, "fetch: download %s", loc)
	}
	if err := os.Rename(part, dest); err != nil {
		return "", eris.Wrap(err, "fetch: finalize download")
	}
	log.Info("downloaded", zap.String("path", dest), zap.Int64("bytes", n))
	return dest, nil
}

func writeFile(dest string, r io.Reader) (int64, error) {
	file, err := os.Create(dest)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, r)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
