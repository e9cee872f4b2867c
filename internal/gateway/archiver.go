package gateway

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Archiver persists state snapshots captured during task execution and
// returns a stable reference to the stored artifact.
type Archiver interface {
	Archive(taskID, outcomeID string, screenshotPNG []byte) (string, error)
}

// FileArchiver writes screenshots under <root>/<task_id>/<outcome_id>.png.
type FileArchiver struct {
	logger *zap.Logger
	root   string
}

var _ Archiver = (*FileArchiver)(nil)

// NewFileArchiver creates a filesystem archiver rooted at dir.
func NewFileArchiver(dir string, logger *zap.Logger) *FileArchiver {
	return &FileArchiver{
		logger: logger.Named("archiver"),
		root:   dir,
	}
}

func (a *FileArchiver) Archive(taskID, outcomeID string, screenshotPNG []byte) (string, error) {
	dir := filepath.Join(a.root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	path := filepath.Join(dir, outcomeID+".png")
	if err := os.WriteFile(path, screenshotPNG, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot artifact: %w", err)
	}

	a.logger.Debug("Screenshot archived.", zap.String("path", path), zap.Int("bytes", len(screenshotPNG)))
	return path, nil
}
