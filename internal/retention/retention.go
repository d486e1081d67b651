// Package retention decides what happens to a staged upload once its
// derivatives exist.
package retention

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

type Manager struct {
	keepOriginals bool
	logger        *zap.Logger
}

func New(keepOriginals bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{keepOriginals: keepOriginals, logger: logger}
}

// Settle moves the staged file to originalPath when originals are kept and
// removes it otherwise. It reports whether an original is retained afterwards.
// Repeating a Settle, or settling a file somebody else already moved or
// deleted, is not an error.
func (m *Manager) Settle(stagedPath, originalPath string) (bool, error) {
	if m.keepOriginals {
		return m.retain(stagedPath, originalPath)
	}
	if err := Discard(stagedPath); err != nil {
		return false, err
	}
	m.logger.Debug("staged original discarded", zap.String("path", stagedPath))
	return false, nil
}

func (m *Manager) retain(stagedPath, originalPath string) (bool, error) {
	if _, err := os.Stat(stagedPath); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(originalPath); err == nil {
			return true, nil
		}
		m.logger.Warn("staged file vanished before retention", zap.String("path", stagedPath))
		return false, nil
	}

	if err := os.Rename(stagedPath, originalPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_, statErr := os.Stat(originalPath)
			return statErr == nil, nil
		}
		return false, fmt.Errorf("retain original: %w", err)
	}
	m.logger.Debug("original retained", zap.String("path", originalPath))
	return true, nil
}

// Discard removes a staged file; a file that is already gone counts as removed.
func Discard(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard staged file: %w", err)
	}
	return nil
}
