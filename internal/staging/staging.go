// Package staging names uploads and lays out their files under the upload
// directory.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/config"
)

const (
	stagedSuffix   = ".upload"
	originalSuffix = ".original"
	thumbSuffix    = "_thumb"
	randomLen      = 8
)

var ErrInvalidOwner = errors.New("invalid owner id")

// NewBasename returns {prefix}_{owner}_{unixMillis}[_{index}]_{random}.
// The random suffix keeps names unique when the same owner uploads several
// images within one millisecond.
func NewBasename(role asset.Role, ownerID string, index int, nowMillis int64) (string, error) {
	prefix := role.Prefix()
	if prefix == "" {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if err := checkOwner(ownerID); err != nil {
		return "", err
	}

	parts := []string{prefix, ownerID, fmt.Sprintf("%d", nowMillis)}
	if index > 0 {
		parts = append(parts, fmt.Sprintf("%d", index))
	}
	parts = append(parts, randomSuffix())
	return strings.Join(parts, "_"), nil
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:randomLen]
}

// Owner ids end up in filenames, so only a conservative charset is accepted.
func checkOwner(id string) error {
	if id == "" || len(id) > 64 {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidOwner, id)
		}
	}
	return nil
}

// Paths are the absolute locations of every file that belongs to one upload.
// Thumbnail is empty for roles without a thumbnail.
type Paths struct {
	Staged    string
	Optimized string
	Thumbnail string
	Original  string
}

type Area struct {
	cfg config.Storage
}

func New(cfg config.Storage) *Area {
	return &Area{cfg: cfg}
}

// Layout computes the file paths for basename.
func (a *Area) Layout(basename string, withThumbnail bool) Paths {
	ext := a.cfg.OutputExt()
	p := Paths{
		Staged:    filepath.Join(a.cfg.UploadDir, basename+stagedSuffix),
		Optimized: filepath.Join(a.cfg.UploadDir, basename+ext),
		Original:  filepath.Join(a.cfg.UploadDir, basename+originalSuffix),
	}
	if withThumbnail {
		p.Thumbnail = filepath.Join(a.cfg.UploadDir, basename+thumbSuffix+ext)
	}
	return p
}

// StagedPath recovers the staging path of an upload from its original path.
// Both share the basename, so nothing extra needs to be recorded.
func StagedPath(originalPath string) string {
	if !strings.HasSuffix(originalPath, originalSuffix) {
		return ""
	}
	return strings.TrimSuffix(originalPath, originalSuffix) + stagedSuffix
}

// Stage writes validated bytes to the staging path. It refuses to overwrite
// an existing file.
func (a *Area) Stage(data []byte, p Paths) error {
	if err := os.MkdirAll(a.cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("ensure upload dir: %w", err)
	}

	f, err := os.OpenFile(p.Staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p.Staged)
		return fmt.Errorf("write staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p.Staged)
		return fmt.Errorf("close staged file: %w", err)
	}
	return nil
}

// URL maps a file under the upload directory to its public URL.
func (a *Area) URL(filePath string) string {
	if filePath == "" {
		return ""
	}
	return strings.TrimRight(a.cfg.PublicBasePath, "/") + "/" + filepath.Base(filePath)
}
