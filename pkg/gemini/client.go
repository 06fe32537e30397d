package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"lessonkit/pkg/domain/errors"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Client is the REST implementation of Service against the Gemini API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different endpoint, used by tests
// against an httptest server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a Gemini REST client bound to one credential.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type uploadResponse struct {
	File FileHandle `json:"file"`
}

// Upload pushes a local file to the file service and returns its handle.
func (c *Client) Upload(ctx context.Context, localPath, displayName, mimeType string) (FileHandle, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return FileHandle{}, errors.New(errors.CodeFileNotFound, "gemini", "failed to open video for upload", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileHandle{}, errors.New(errors.CodeIoError, "gemini", "failed to stat video", err)
	}

	url := fmt.Sprintf("%s/upload/v1beta/files?uploadType=media", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return FileHandle{}, errors.New(errors.CodeInternalError, "gemini", "failed to build upload request", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	req.Header.Set("X-Goog-File-Name", displayName)
	req.ContentLength = info.Size()

	var out uploadResponse
	if err := c.do(req, &out); err != nil {
		return FileHandle{}, err
	}
	if out.File.SizeBytes == 0 {
		out.File.SizeBytes = info.Size()
	}
	if out.File.MIMEType == "" {
		out.File.MIMEType = mimeType
	}
	return out.File, nil
}

// FileState fetches the current server-side state of an uploaded file.
func (c *Client) FileState(ctx context.Context, name string) (FileHandle, error) {
	url := fmt.Sprintf("%s/v1beta/%s", c.baseURL, strings.TrimPrefix(name, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FileHandle{}, errors.New(errors.CodeInternalError, "gemini", "failed to build file state request", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)

	var out FileHandle
	if err := c.do(req, &out); err != nil {
		return FileHandle{}, err
	}
	return out, nil
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"file_data,omitempty"`
}

type fileData struct {
	MIMEType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Generate issues a generate-content call with the prompt and a
// reference to the uploaded file.
func (c *Client) Generate(ctx context.Context, model, prompt string, file FileHandle, cfg GenConfig) (string, error) {
	body := generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: prompt},
				{FileData: &fileData{MIMEType: file.MIMEType, FileURI: file.URI}},
			},
		}},
		GenerationConfig: &generationConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.New(errors.CodeInternalError, "gemini", "failed to serialize generate request", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", errors.New(errors.CodeInternalError, "gemini", "failed to build generate request", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var out generateResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", errors.New(errors.CodeEmptyResponse, "gemini", "model returned an empty response", nil)
	}
	return text, nil
}

// DeleteFile removes an uploaded file from the service.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	url := fmt.Sprintf("%s/v1beta/%s", c.baseURL, strings.TrimPrefix(name, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errors.New(errors.CodeInternalError, "gemini", "failed to build delete request", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	return c.do(req, nil)
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// do executes the request and decodes the JSON response. Non-2xx
// responses are mapped to coded errors carrying the upstream message so
// the classifier can see it.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.New(errors.CodeNetworkError, "gemini", "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errors.New(errors.CodeNetworkError, "gemini", "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error.Message != "" {
			msg = ae.Error.Message
			if ae.Error.Status != "" {
				msg = ae.Error.Status + ": " + msg
			}
		}
		return errors.New(codeForStatus(resp.StatusCode), "gemini",
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, msg), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New(errors.CodeUpstreamError, "gemini", "failed to decode response", err)
	}
	return nil
}

func codeForStatus(status int) errors.Code {
	switch {
	case status == http.StatusTooManyRequests:
		return errors.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.CodeAuthError
	case status >= 500:
		return errors.CodeUpstreamError
	default:
		return errors.CodeOperationFailed
	}
}
