// Package lesson turns analysis results into Markdown lesson artifacts
// on disk.
package lesson

import (
	"path/filepath"
	"strings"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {}, ".webm": {}, ".m4v": {},
}

// Stem returns the video file's base name with trailing video
// extensions removed. Repeated extensions ("clip.mp4.mp4") collapse so
// resume always resolves the same artifact.
func Stem(videoPath string) string {
	stem := filepath.Base(videoPath)
	for {
		ext := strings.ToLower(filepath.Ext(stem))
		if _, ok := videoExtensions[ext]; !ok {
			return stem
		}
		stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	}
}

// OutputPath is the single authority for artifact placement:
// <outputDir>/<template>/<stem>.md. Pure, so every caller resolves the
// identical path across runs.
func OutputPath(outputDir, templateName, videoPath string) string {
	return filepath.Join(outputDir, templateName, Stem(videoPath)+".md")
}
