package gemini

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lessonkit/pkg/classify"
	"lessonkit/pkg/domain/errors"
	"lessonkit/pkg/keys"
)

// Analyzer defaults; poll cadence and timeout mirror the upstream file
// service's processing characteristics.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultPollTimeout  = 600 * time.Second
	DefaultMaxRetries   = 3
)

// AnalyzerOptions tunes one analyzer instance.
type AnalyzerOptions struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	// MaxRetries bounds the internal generate retry loop.
	MaxRetries int
	// MultiKey enables rotate-and-retry on quota exhaustion.
	MultiKey bool
	// MaxFileSize rejects oversized videos before upload. Zero means
	// no limit.
	MaxFileSize int64
}

func (o *AnalyzerOptions) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
}

// ServiceFactory builds a Service bound to one credential.
type ServiceFactory func(apiKey string) Service

// Analyzer runs one task's upload, poll, generate sequence against the
// upstream service. Each worker owns one analyzer bound to one
// credential; the binding only changes through quota-driven rotation.
type Analyzer struct {
	factory ServiceFactory
	rotator *keys.Rotator
	quota   *QuotaCounter
	opts    AnalyzerOptions
	log     zerolog.Logger

	mu     sync.Mutex
	apiKey string
	keyID  string
	svc    Service
}

// NewAnalyzer creates an analyzer. Call BindKey before Process.
func NewAnalyzer(factory ServiceFactory, rotator *keys.Rotator, quota *QuotaCounter, opts AnalyzerOptions, log zerolog.Logger) *Analyzer {
	opts.applyDefaults()
	return &Analyzer{
		factory: factory,
		rotator: rotator,
		quota:   quota,
		opts:    opts,
		log:     log.With().Str("component", "gemini").Logger(),
	}
}

// BindKey binds the analyzer to a credential, replacing any cached
// client handle.
func (a *Analyzer) BindKey(apiKey, keyID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apiKey = apiKey
	a.keyID = keyID
	a.svc = a.factory(apiKey)
}

// KeyID returns the fingerprint of the currently bound credential.
func (a *Analyzer) KeyID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keyID
}

func (a *Analyzer) service() (Service, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.svc, a.keyID
}

// Process runs the full upload, poll, generate, cleanup sequence for
// one video and returns the analysis text plus metadata.
func (a *Analyzer) Process(ctx context.Context, videoPath, prompt, model string, cfg GenConfig) (*Result, error) {
	svc, keyID := a.service()
	if svc == nil {
		return nil, errors.New(errors.CodeInvalidState, "gemini", "analyzer has no bound credential", nil)
	}
	if err := a.validateVideo(videoPath); err != nil {
		return nil, err
	}

	start := time.Now()
	displayName := filepath.Base(videoPath)

	file, err := a.upload(ctx, svc, keyID, videoPath, displayName)
	if err != nil {
		return nil, err
	}
	defer a.cleanup(file.Name)

	file, err = a.awaitActive(ctx, svc, keyID, file)
	if err != nil {
		return nil, err
	}

	text, attempts, err := a.generate(ctx, model, prompt, file, cfg)
	if err != nil {
		return nil, err
	}

	_, keyID = a.service()
	return &Result{
		Content: text,
		Metadata: ResultMetadata{
			Model:          model,
			FileName:       displayName,
			FileURI:        file.URI,
			ProcessingTime: time.Since(start),
			Attempts:       attempts,
			RequestCount:   a.quota.Used(),
			KeyID:          keyID,
		},
	}, nil
}

// validateVideo rejects unusable inputs before spending any quota.
func (a *Analyzer) validateVideo(videoPath string) error {
	info, err := os.Stat(videoPath)
	if err != nil {
		return errors.Newf(errors.CodeFileNotFound, "gemini", "video file not found: %s", videoPath)
	}
	if !SupportedExtension(videoPath) {
		return errors.Newf(errors.CodeValidationFailed, "gemini", "unsupported format: %s", filepath.Ext(videoPath))
	}
	if a.opts.MaxFileSize > 0 && info.Size() > a.opts.MaxFileSize {
		return errors.Newf(errors.CodeValidationFailed, "gemini",
			"file too large: %d bytes exceeds the %d byte limit", info.Size(), a.opts.MaxFileSize)
	}
	return nil
}

func (a *Analyzer) upload(ctx context.Context, svc Service, keyID, videoPath, displayName string) (FileHandle, error) {
	if err := a.quota.Take(); err != nil {
		return FileHandle{}, err
	}

	mimeType := MIMEType(videoPath)
	a.log.Info().Str("file", displayName).Str("mime", mimeType).Msg("uploading video")

	file, err := svc.Upload(ctx, videoPath, displayName, mimeType)
	if err != nil {
		a.rotator.Record(keyID, false, errTag(err))
		return FileHandle{}, err
	}
	a.rotator.Record(keyID, true, "")
	return file, nil
}

// awaitActive polls the file state on a fixed cadence until the file
// is ACTIVE, the upstream reports FAILED, or the poll window closes.
func (a *Analyzer) awaitActive(ctx context.Context, svc Service, keyID string, file FileHandle) (FileHandle, error) {
	deadline := time.Now().Add(a.opts.PollTimeout)
	for {
		switch file.State {
		case StateActive:
			return file, nil
		case StateFailed:
			a.rotator.Record(keyID, false, "upstream_error")
			return file, errors.Newf(errors.CodeUpstreamError, "gemini",
				"video processing failed upstream: %s", file.Error)
		}

		if time.Now().After(deadline) {
			return file, errors.Newf(errors.CodeNetworkTimeout, "gemini",
				"file processing timeout after %s", a.opts.PollTimeout)
		}
		if err := sleepCtx(ctx, a.opts.PollInterval); err != nil {
			return file, err
		}
		if err := a.quota.Take(); err != nil {
			return file, err
		}

		next, err := svc.FileState(ctx, file.Name)
		if err != nil {
			a.rotator.Record(keyID, false, errTag(err))
			return file, err
		}
		a.rotator.Record(keyID, true, "")
		file = next
	}
}

// generate issues the generate call with a bounded internal retry
// loop. Quota exhaustion in multi-key mode rotates and retries
// immediately without a backoff; rate limits honor the explicit
// retry-after hint. Everything else propagates to the caller.
func (a *Analyzer) generate(ctx context.Context, model, prompt string, file FileHandle, cfg GenConfig) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= a.opts.MaxRetries; attempt++ {
		svc, keyID := a.service()

		// the daily counter is process-wide, rotation cannot help it
		if err := a.quota.Take(); err != nil {
			return "", attempt, err
		}

		text, err := svc.Generate(ctx, model, prompt, file, cfg)
		if err == nil {
			a.rotator.Record(keyID, true, "")
			return text, attempt, nil
		}

		lastErr = err
		tag := errTag(err)
		a.rotator.Record(keyID, false, tag)

		class := classify.Classify(err.Error())
		a.log.Warn().
			Str("class", string(class)).
			Int("attempt", attempt).
			Err(err).
			Msg("generate failed")

		switch {
		case isQuotaError(err):
			if a.rotateOnQuota(err) {
				// fresh credential, retry immediately
				continue
			}
			return "", attempt, err
		case class == classify.RateLimit:
			if attempt == a.opts.MaxRetries {
				return "", attempt, err
			}
			delay := classify.PolicyFor(class).BaseDelay
			if hint, ok := classify.RetryAfter(err.Error()); ok {
				delay = hint
			}
			if serr := sleepCtx(ctx, delay); serr != nil {
				return "", attempt, serr
			}
		default:
			// network and server errors propagate; the worker's
			// arbiter owns those retries
			return "", attempt, err
		}
	}
	return "", a.opts.MaxRetries, lastErr
}

// rotateOnQuota advances to the next credential when multi-key mode is
// on. Returns true when a new credential was bound.
func (a *Analyzer) rotateOnQuota(cause error) bool {
	if !a.opts.MultiKey {
		return false
	}
	if !a.rotator.RotateToNext() {
		return false
	}
	_, keyID := a.service()
	a.log.Info().Str("exhausted_key", keyID).Err(cause).Msg("rotating credential after quota exhaustion")

	apiKey, newID := a.rotator.Current()
	a.BindKey(apiKey, newID)
	return true
}

// cleanup deletes the remote file handle. Best effort: failures are
// logged and never affect the task outcome.
func (a *Analyzer) cleanup(name string) {
	if name == "" {
		return
	}
	svc, _ := a.service()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.DeleteFile(ctx, name); err != nil {
		a.log.Debug().Str("file", name).Err(err).Msg("failed to delete remote file")
	}
}

// isQuotaError detects credential quota exhaustion. A 429 whose text
// mentions quota is exhaustion, not throttling; it must trigger
// rotation rather than a backoff.
func isQuotaError(err error) bool {
	if errors.HasCode(err, errors.CodeQuotaExhausted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "resource exhausted")
}

// errTag maps an error to the short tag the rotator derives key status
// from.
func errTag(err error) string {
	if isQuotaError(err) {
		return "quota_exceeded"
	}
	switch {
	case errors.HasCode(err, errors.CodeRateLimited):
		return "rate_limit"
	case errors.HasCode(err, errors.CodeAuthError):
		return "unauthorized"
	}
	switch classify.Classify(err.Error()) {
	case classify.RateLimit:
		return "rate_limit"
	case classify.AuthError:
		return "unauthorized"
	case classify.NetworkError:
		return "network"
	case classify.ServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.New(errors.CodeOperationFailed, "gemini", "cancelled while waiting", ctx.Err())
	case <-timer.C:
		return nil
	}
}
