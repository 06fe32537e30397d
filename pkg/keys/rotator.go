// Package keys manages a pool of upstream API credentials: selecting
// the healthiest one per call, tracking per-key outcomes, rotating away
// from failing keys, and persisting usage stats.
package keys

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lessonkit/pkg/domain/errors"
)

// Status is the derived health state of one credential.
type Status string

const (
	StatusActive         Status = "active"
	StatusQuotaExhausted Status = "quota_exhausted"
	StatusRateLimited    Status = "rate_limited"
	StatusInvalid        Status = "invalid"
	StatusUnknown        Status = "unknown"
)

// consecutiveFailureThreshold marks a key unhealthy once exceeded.
const consecutiveFailureThreshold = 5

// UsageStats tracks per-credential call outcomes. Serialized to the
// usage log on every update.
type UsageStats struct {
	KeyID               string `json:"key_id"`
	TotalRequests       int    `json:"total_requests"`
	SuccessfulRequests  int    `json:"successful_requests"`
	FailedRequests      int    `json:"failed_requests"`
	QuotaExhaustedCount int    `json:"quota_exhausted_count"`
	RateLimitCount      int    `json:"rate_limit_count"`
	LastUsed            string `json:"last_used,omitempty"`
	LastSuccess         string `json:"last_success,omitempty"`
	LastFailure         string `json:"last_failure,omitempty"`
	CurrentStatus       Status `json:"current_status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// SuccessRate returns successful/total, zero when unused.
func (s *UsageStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

// Healthy reports whether the key is still worth selecting.
func (s *UsageStats) Healthy() bool {
	if s.CurrentStatus == StatusInvalid {
		return false
	}
	if s.ConsecutiveFailures > consecutiveFailureThreshold {
		return false
	}
	if s.TotalRequests > 10 && s.SuccessRate() < 0.5 {
		return false
	}
	return true
}

// KeyID derives a non-revealing fingerprint for a credential.
func KeyID(apiKey string) string {
	if len(apiKey) < 8 {
		return apiKey
	}
	return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
}

// DiscoverEnvKey returns the first credential found in the conventional
// environment variables, or empty.
func DiscoverEnvKey() string {
	for _, name := range []string{"GOOGLE_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// Rotator owns the credential pool. At most one credential is current
// at any time; index writes are serialized by the rotator's mutex.
type Rotator struct {
	mu      sync.Mutex
	apiKeys []string
	current int
	usage   map[string]*UsageStats
	logPath string
	log     zerolog.Logger
	now     func() time.Time
}

// NewRotator builds a rotator over the given keys, restoring any prior
// usage stats from logPath.
func NewRotator(apiKeys []string, logPath string, log zerolog.Logger) (*Rotator, error) {
	if len(apiKeys) == 0 {
		return nil, errors.New(errors.CodeConfigurationInvalid, "keys", "no API keys configured", nil)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "keys", "failed to create usage log directory", err)
	}

	r := &Rotator{
		apiKeys: apiKeys,
		usage:   make(map[string]*UsageStats),
		logPath: logPath,
		log:     log.With().Str("component", "keys").Logger(),
		now:     time.Now,
	}
	r.loadUsage()
	for _, k := range apiKeys {
		id := KeyID(k)
		if _, ok := r.usage[id]; !ok {
			r.usage[id] = &UsageStats{KeyID: id, CurrentStatus: StatusUnknown}
		}
	}
	r.log.Info().Int("keys", len(apiKeys)).Msg("key rotator initialized")
	return r, nil
}

// Count returns the number of managed credentials.
func (r *Rotator) Count() int {
	return len(r.apiKeys)
}

// Keys returns the credential fingerprints in pool order.
func (r *Rotator) Keys() []string {
	out := make([]string, 0, len(r.apiKeys))
	for _, k := range r.apiKeys {
		out = append(out, KeyID(k))
	}
	return out
}

// KeyAt returns the raw credential at a pool index.
func (r *Rotator) KeyAt(i int) string {
	return r.apiKeys[i%len(r.apiKeys)]
}

// Current selects the best available credential: among healthy keys,
// the one minimizing (consecutive failures, -success rate). With no
// healthy key left it falls back to the round-robin cursor.
func (r *Rotator) Current() (apiKey, keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestIdx := -1
	var best *UsageStats
	for i, k := range r.apiKeys {
		stats := r.usage[KeyID(k)]
		if !stats.Healthy() {
			continue
		}
		if best == nil || less(stats, best) {
			best = stats
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		r.log.Warn().Msg("no healthy key available, falling back to round-robin")
		k := r.apiKeys[r.current]
		return k, KeyID(k)
	}

	r.current = bestIdx
	k := r.apiKeys[bestIdx]
	return k, KeyID(k)
}

func less(a, b *UsageStats) bool {
	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}
	return a.SuccessRate() > b.SuccessRate()
}

// RotateToNext advances the round-robin cursor. Returns false when the
// pool has a single key and rotation is meaningless.
func (r *Rotator) RotateToNext() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.apiKeys) <= 1 {
		r.log.Warn().Msg("single key pool, rotation skipped")
		return false
	}
	oldID := KeyID(r.apiKeys[r.current])
	r.current = (r.current + 1) % len(r.apiKeys)
	newID := KeyID(r.apiKeys[r.current])
	r.log.Info().Str("from", oldID).Str("to", newID).Msg("rotated API key")
	return true
}

// Record notes the outcome of one upstream call made with keyID.
// errTag is a short error-type hint used to derive the key's status.
// Usage is flushed to disk on every update.
func (r *Rotator) Record(keyID string, success bool, errTag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.usage[keyID]
	if !ok {
		stats = &UsageStats{KeyID: keyID, CurrentStatus: StatusUnknown}
		r.usage[keyID] = stats
	}

	now := r.now().UTC().Format(time.RFC3339)
	stats.TotalRequests++
	stats.LastUsed = now

	if success {
		stats.SuccessfulRequests++
		stats.LastSuccess = now
		stats.ConsecutiveFailures = 0
		stats.CurrentStatus = StatusActive
	} else {
		stats.FailedRequests++
		stats.LastFailure = now
		stats.ConsecutiveFailures++
		stats.CurrentStatus = statusFromTag(errTag)
		switch stats.CurrentStatus {
		case StatusQuotaExhausted:
			stats.QuotaExhaustedCount++
		case StatusRateLimited:
			stats.RateLimitCount++
		}
	}

	r.saveUsage()

	evt := r.log.Info()
	if !success {
		evt = r.log.Warn()
	}
	evt.Str("key_id", keyID).
		Bool("success", success).
		Int("total", stats.TotalRequests).
		Int("consecutive_failures", stats.ConsecutiveFailures).
		Msg("recorded API call")
}

func statusFromTag(tag string) Status {
	t := strings.ToLower(tag)
	switch {
	case strings.Contains(t, "quota") || strings.Contains(t, "exhausted"):
		return StatusQuotaExhausted
	case strings.Contains(t, "rate") || strings.Contains(t, "limit"):
		return StatusRateLimited
	case strings.Contains(t, "invalid") || strings.Contains(t, "unauthorized") || strings.Contains(t, "auth"):
		return StatusInvalid
	default:
		return StatusUnknown
	}
}

// Usage returns a copy of the stats for one key, or nil.
func (r *Rotator) Usage(keyID string) *UsageStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.usage[keyID]
	if !ok {
		return nil
	}
	cp := *stats
	return &cp
}

// Summary aggregates pool-wide usage for reporting.
type Summary struct {
	TotalKeys          int                    `json:"total_keys"`
	CurrentKeyID       string                 `json:"current_key_id"`
	KeyStats           map[string]*UsageStats `json:"key_stats"`
	TotalRequests      int                    `json:"total_requests"`
	SuccessfulRequests int                    `json:"successful_requests"`
	OverallSuccessRate float64                `json:"overall_success_rate"`
}

// Report returns a point-in-time usage summary.
func (r *Rotator) Report() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		TotalKeys:    len(r.apiKeys),
		CurrentKeyID: KeyID(r.apiKeys[r.current]),
		KeyStats:     make(map[string]*UsageStats, len(r.usage)),
	}
	for id, stats := range r.usage {
		cp := *stats
		s.KeyStats[id] = &cp
		s.TotalRequests += stats.TotalRequests
		s.SuccessfulRequests += stats.SuccessfulRequests
	}
	if s.TotalRequests > 0 {
		s.OverallSuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	}
	return s
}

func (r *Rotator) loadUsage() {
	data, err := os.ReadFile(r.logPath)
	if err != nil {
		return
	}
	var stored map[string]*UsageStats
	if err := json.Unmarshal(data, &stored); err != nil {
		r.log.Warn().Err(err).Str("path", r.logPath).Msg("failed to parse usage log, starting fresh")
		return
	}
	r.usage = stored
	r.log.Info().Int("keys", len(stored)).Msg("restored key usage stats")
}

// saveUsage flushes stats via temp-then-rename. Caller holds r.mu.
func (r *Rotator) saveUsage() {
	data, err := json.MarshalIndent(r.usage, "", "  ")
	if err != nil {
		r.log.Error().Err(err).Msg("failed to serialize usage stats")
		return
	}
	tmp := r.logPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.log.Error().Err(err).Msg("failed to write usage stats")
		return
	}
	if err := os.Rename(tmp, r.logPath); err != nil {
		r.log.Error().Err(err).Msg("failed to replace usage stats file")
	}
}
