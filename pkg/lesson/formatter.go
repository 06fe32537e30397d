package lesson

import (
	"fmt"
	"strings"
	"time"

	"lessonkit/pkg/gemini"
)

// Format wraps the analysis text in a Markdown document with a YAML
// front-matter header describing how it was produced.
func Format(result *gemini.Result, videoPath, templateName string) string {
	var sb strings.Builder

	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "video: %s\n", Stem(videoPath))
	fmt.Fprintf(&sb, "source_file: %s\n", result.Metadata.FileName)
	fmt.Fprintf(&sb, "template: %s\n", templateName)
	fmt.Fprintf(&sb, "model: %s\n", result.Metadata.Model)
	fmt.Fprintf(&sb, "generated_at: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "processing_seconds: %.1f\n", result.Metadata.ProcessingTime.Seconds())
	sb.WriteString("---\n\n")

	sb.WriteString(strings.TrimSpace(result.Content))
	sb.WriteString("\n")
	return sb.String()
}
