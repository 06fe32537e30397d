package gemini

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// mimeByExtension maps the supported video extensions to their MIME
// types. Extension matching is case-insensitive.
var mimeByExtension = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
}

// SupportedExtension reports whether the path carries a supported
// video extension.
func SupportedExtension(path string) bool {
	_, ok := mimeByExtension[strings.ToLower(filepath.Ext(path))]
	return ok
}

// MIMEType derives the upload MIME type for a video file. The
// extension table is authoritative; content sniffing is a fallback for
// files with unknown extensions.
func MIMEType(path string) string {
	if mt, ok := mimeByExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return mt
	}
	if detected, err := mimetype.DetectFile(path); err == nil {
		return detected.String()
	}
	return "application/octet-stream"
}
