// Package gemini drives one task's upstream interaction end-to-end:
// upload the video, poll until processed, request the analysis, clean
// up the remote file.
package gemini

import (
	"context"
	"time"
)

// FileState is the server-side processing state of an uploaded file.
type FileState string

const (
	StateUploading  FileState = "UPLOADING"
	StateProcessing FileState = "PROCESSING"
	StateActive     FileState = "ACTIVE"
	StateFailed     FileState = "FAILED"
)

// FileHandle identifies a file on the upstream service.
type FileHandle struct {
	Name      string    `json:"name"`
	URI       string    `json:"uri"`
	MIMEType  string    `json:"mimeType"`
	SizeBytes int64     `json:"sizeBytes,string,omitempty"`
	State     FileState `json:"state"`
	Error     string    `json:"error,omitempty"`
}

// GenConfig carries per-call generation settings.
type GenConfig struct {
	Temperature float64
	MaxTokens   int
}

// Service is the abstract upstream interface. The production
// implementation is Client; tests substitute a scripted fake.
type Service interface {
	Upload(ctx context.Context, localPath, displayName, mimeType string) (FileHandle, error)
	FileState(ctx context.Context, name string) (FileHandle, error)
	Generate(ctx context.Context, model, prompt string, file FileHandle, cfg GenConfig) (string, error)
	DeleteFile(ctx context.Context, name string) error
}

// ResultMetadata describes how an analysis was produced.
type ResultMetadata struct {
	Model          string        `json:"model"`
	Template       string        `json:"template,omitempty"`
	FileName       string        `json:"file_name"`
	FileURI        string        `json:"file_uri"`
	ProcessingTime time.Duration `json:"processing_time"`
	Attempts       int           `json:"attempts"`
	RequestCount   int           `json:"request_count"`
	KeyID          string        `json:"key_id"`
}

// Result is the outcome of one successful analysis.
type Result struct {
	Content  string
	Metadata ResultMetadata
}
