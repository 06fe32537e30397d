package lesson

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"lessonkit/pkg/domain/errors"
)

// WriteResult reports the outcome of one artifact write.
type WriteResult struct {
	OK   bool
	Path string
	Size int64
	Err  error
}

// Writer persists lesson artifacts, creating parent directories as
// needed.
type Writer struct {
	log zerolog.Logger
}

// NewWriter creates a Writer.
func NewWriter(log zerolog.Logger) *Writer {
	return &Writer{log: log.With().Str("component", "lesson").Logger()}
}

// Write stores content at path. Empty content is rejected.
func (w *Writer) Write(path, content string) WriteResult {
	if strings.TrimSpace(content) == "" {
		err := errors.New(errors.CodeValidationFailed, "lesson", "refusing to write empty artifact", nil)
		return WriteResult{Path: path, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return WriteResult{Path: path, Err: errors.New(errors.CodeIoError, "lesson", "failed to create output directory", err)}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return WriteResult{Path: path, Err: errors.New(errors.CodeIoError, "lesson", "failed to write artifact", err)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return WriteResult{Path: path, Err: errors.New(errors.CodeIoError, "lesson", "failed to stat artifact", err)}
	}

	w.log.Info().Str("path", path).Int64("size", info.Size()).Msg("lesson artifact written")
	return WriteResult{OK: true, Path: path, Size: info.Size()}
}

// Exists reports whether a non-empty artifact is already present.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
