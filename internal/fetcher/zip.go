package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractZIP extracts every file of a ZIP archive into destDir and returns
// the extracted paths.
func ExtractZIP(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	for _, f := range r.File {
		p, err := extractEntry(f, destDir)
		if err != nil {
			return extracted, err
		}
		if p != "" {
			extracted = append(extracted, p)
		}
	}
	return extracted, nil
}

// FindByExt returns the first path with the given extension, ignoring case.
func FindByExt(paths []string, ext string) (string, error) {
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ext) {
			return p, nil
		}
	}
	return "", eris.Errorf("zip: no %s file in archive", ext)
}

// OpenEntry opens a single archive member by base name. Feeds sometimes
// nest their files in a folder, so only the base name is compared.
func OpenEntry(r *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range r.File {
		if !f.FileInfo().IsDir() && filepath.Base(f.Name) == name {
			rc, err := f.Open()
			if err != nil {
				return nil, eris.Wrapf(err, "zip: open %s", f.Name)
			}
			return rc, nil
		}
	}
	return nil, eris.Errorf("zip: %s not found in archive", name)
}

func extractEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q", f.Name)
	}

	if f.FileInfo().IsDir() {
		return "", eris.Wrap(os.MkdirAll(destPath, 0o755), "zip: create directory")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "zip: open %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	if _, err := writeFile(destPath, rc); err != nil {
		return "", eris.Wrapf(err, "zip: extract %s", f.Name)
	}
	return destPath, nil
}
