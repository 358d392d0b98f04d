package params

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Stager stores file parameter contents under a key scoped to the master build
// and parameter name.
type Stager interface {
	// Stage writes the file and returns its location. Staging the same
	// (master build, parameter) twice replaces the earlier file.
	Stage(ctx context.Context, masterBuildID, param, fileName string, r io.Reader, size int64) (location string, err error)
	// Open reads a staged file.
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Fetch copies a staged file into dir under its original name and returns the
// path written. This is how a sub-build consumes a file parameter.
func Fetch(ctx context.Context, s Stager, location, dir, fileName string) (string, error) {
	rc, err := s.Open(ctx, location)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dest := filepath.Join(dir, filepath.Base(fileName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return "", err
	}
	return dest, out.Close()
}

// objectKey is the storage key of a staged file.
func objectKey(masterBuildID, param, fileName string) (string, error) {
	for _, part := range []string{masterBuildID, param} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", fmt.Errorf("invalid staging key component %q", part)
		}
	}
	base := path.Base(filepath.ToSlash(fileName))
	if base == "." || base == "/" || base == ".." {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	return masterBuildID + "/" + param + "/" + base, nil
}

// LocalStager keeps staged files under a directory on local disk.
type LocalStager struct {
	root string
}

// NewLocalStager creates a stager rooted at dir.
func NewLocalStager(dir string) (*LocalStager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local stager: abs path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local stager: mkdir %s: %w", abs, err)
	}
	return &LocalStager{root: abs}, nil
}

// Stage writes the file to <root>/<master build>/<param>/<file name>. Any file
// previously staged for the same parameter is removed first.
func (s *LocalStager) Stage(_ context.Context, masterBuildID, param, fileName string, r io.Reader, _ int64) (string, error) {
	key, err := objectKey(masterBuildID, param, fileName)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, masterBuildID, param)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("local stager: clear %s: %w", dir, err)
	}
	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if err := writeFile(dest, r); err != nil {
		return "", fmt.Errorf("local stager: %w", err)
	}
	return "file://" + filepath.ToSlash(dest), nil
}

// Open opens a file:// location below the stager root.
func (s *LocalStager) Open(_ context.Context, location string) (io.ReadCloser, error) {
	p, ok := strings.CutPrefix(location, "file://")
	if !ok {
		return nil, fmt.Errorf("local stager: unsupported location %q", location)
	}
	p = filepath.Clean(filepath.FromSlash(p))
	if rel, err := filepath.Rel(s.root, p); err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("local stager: location %q outside staging root", location)
	}
	return os.Open(p)
}

// writeFile copies r to dst, creating parent directories as needed.
func writeFile(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
