package img

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File is a derivative destined for Path.
type File struct {
	Path string
	Data []byte
}

// Commit writes every file to a temporary sibling first and renames them into
// place only after all writes succeeded, so a failed write never leaves a
// partial derivative at its final path. It returns the paths that were
// renamed; on a rename error the caller decides whether to roll those back.
func Commit(files []File) ([]string, error) {
	temps := make([]string, 0, len(files))
	cleanup := func() {
		for _, t := range temps {
			_ = os.Remove(t)
		}
	}

	for _, f := range files {
		dir := filepath.Dir(f.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cleanup()
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
		tmp, err := writeTemp(dir, f.Data)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("write %s: %w", filepath.Base(f.Path), err)
		}
		temps = append(temps, tmp)
	}

	committed := make([]string, 0, len(files))
	for i, f := range files {
		if err := os.Rename(temps[i], f.Path); err != nil {
			for _, t := range temps[i:] {
				_ = os.Remove(t)
			}
			return committed, fmt.Errorf("rename %s: %w", filepath.Base(f.Path), err)
		}
		committed = append(committed, f.Path)
	}
	return committed, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".derivative-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// RemoveAll deletes paths, treating files that are already gone as removed.
func RemoveAll(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
