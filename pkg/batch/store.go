package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lessonkit/pkg/domain/errors"
)

// stateVersion is the schema version written into the metadata
// envelope. Load tolerates older versions by defaulting missing
// fields.
const stateVersion = "1.0"

// envelopeKey is the reserved top-level key carrying integrity
// metadata; it is excluded from the checksum.
const envelopeKey = "_metadata"

type envelope struct {
	Version  string `json:"version"`
	SavedAt  string `json:"saved_at"`
	Checksum string `json:"checksum"`
}

// Store is the durable, crash-safe batch persistence layer. Writes are
// temp-then-rename under an advisory file lock; every payload carries
// a SHA-256 checksum over its sorted-key canonical form.
type Store struct {
	dir string
	log zerolog.Logger

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if missing.
func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "state", "failed to create state directory", err)
	}
	return &Store{
		dir:       dir,
		log:       log.With().Str("component", "state").Logger(),
		fileLocks: make(map[string]*sync.Mutex),
	}, nil
}

// StatePath returns the state file location for a batch id.
func (s *Store) StatePath(batchID string) string {
	return filepath.Join(s.dir, batchID+"_state.json")
}

// batchLock returns the in-process lock serializing access to one
// batch's state file.
func (s *Store) batchLock(batchID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileLocks[batchID]
	if !ok {
		l = &sync.Mutex{}
		s.fileLocks[batchID] = l
	}
	return l
}

// canonicalChecksum hashes the payload's compact sorted-key JSON form.
func canonicalChecksum(payload map[string]any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Save atomically persists the batch: serialize, checksum, wrap in the
// metadata envelope, write to a same-directory temp file under an
// exclusive lock, fsync, rename over the target.
func (s *Store) Save(b *Batch) error {
	lock := s.batchLock(b.BatchID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := s.toPayload(b)
	if err != nil {
		return err
	}

	checksum, err := canonicalChecksum(payload)
	if err != nil {
		return errors.New(errors.CodeInternalError, "state", "failed to checksum batch state", err)
	}
	payload[envelopeKey] = envelope{
		Version:  stateVersion,
		SavedAt:  time.Now().UTC().Format(time.RFC3339),
		Checksum: checksum,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.New(errors.CodeInternalError, "state", "failed to serialize batch state", err)
	}

	target := s.StatePath(b.BatchID)
	tmp, err := os.CreateTemp(s.dir, b.BatchID+"_*.tmp")
	if err != nil {
		return errors.New(errors.CodeIoError, "state", "failed to create temp state file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := lockFile(tmp, true); err != nil {
		tmp.Close()
		return errors.New(errors.CodeIoError, "state", "failed to lock temp state file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.New(errors.CodeIoError, "state", "failed to write state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.New(errors.CodeIoError, "state", "failed to sync state file", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.New(errors.CodeIoError, "state", "failed to close temp state file", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return errors.New(errors.CodeIoError, "state", "failed to replace state file", err)
	}

	s.log.Debug().Str("batch_id", b.BatchID).Str("path", target).Msg("state saved")
	return nil
}

// toPayload converts the batch into a generic JSON map so the
// checksum sees the exact serialized form.
func (s *Store) toPayload(b *Batch) (map[string]any, error) {
	b.mu.Lock()
	type alias Batch
	raw, err := json.Marshal(struct {
		*alias
		Statistics Statistics `json:"statistics"`
	}{alias: (*alias)(b), Statistics: b.statsLocked()})
	b.mu.Unlock()
	if err != nil {
		return nil, errors.New(errors.CodeInternalError, "state", "failed to serialize batch", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.New(errors.CodeInternalError, "state", "failed to canonicalize batch", err)
	}
	return payload, nil
}

// Load reads a batch back, verifying the checksum. A missing file
// yields CodeNotFound; a corrupt one yields CodeStateCorruption and a
// warning. After load, Pending and Processing tasks with a recorded
// video hash are re-verified; mismatches are reported, not fatal.
func (s *Store) Load(batchID string) (*Batch, error) {
	lock := s.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	path := s.StatePath(batchID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.CodeNotFound, "state", "no state file for batch %s", batchID)
		}
		return nil, errors.New(errors.CodeIoError, "state", "failed to open state file", err)
	}
	defer f.Close()

	if err := lockFile(f, false); err != nil {
		return nil, errors.New(errors.CodeIoError, "state", "failed to lock state file", err)
	}
	defer unlockFile(f)

	var payload map[string]any
	if err := json.NewDecoder(f).Decode(&payload); err != nil {
		s.log.Warn().Str("batch_id", batchID).Err(err).Msg("state file unreadable")
		return nil, errors.New(errors.CodeStateCorruption, "state", "state file is not valid JSON", err)
	}

	if rawMeta, ok := payload[envelopeKey]; ok {
		delete(payload, envelopeKey)
		expected := ""
		if m, ok := rawMeta.(map[string]any); ok {
			expected, _ = m["checksum"].(string)
		}
		actual, err := canonicalChecksum(payload)
		if err != nil {
			return nil, errors.New(errors.CodeInternalError, "state", "failed to checksum batch state", err)
		}
		if expected != actual {
			s.log.Warn().Str("batch_id", batchID).Msg("state file corrupted: checksum mismatch")
			return nil, errors.Newf(errors.CodeStateCorruption, "state", "checksum mismatch for batch %s", batchID)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(errors.CodeInternalError, "state", "failed to re-serialize batch state", err)
	}
	b := NewBatch("", "", "", "")
	if err := json.Unmarshal(raw, b); err != nil {
		s.log.Warn().Str("batch_id", batchID).Err(err).Msg("state file has unexpected shape")
		return nil, errors.New(errors.CodeStateCorruption, "state", "state payload does not parse", err)
	}
	if b.Tasks == nil {
		b.Tasks = make(map[string]*Task)
	}

	changed := 0
	for _, t := range b.Tasks {
		if t.Status == TaskPending || t.Status == TaskProcessing {
			if !t.ValidateFileIntegrity() {
				changed++
				s.log.Warn().Str("task_id", t.TaskID).Str("video", t.VideoPath).Msg("video changed since last run")
			}
		}
	}
	if changed > 0 {
		s.log.Warn().Int("tasks", changed).Msg("some videos changed since last run")
	}

	return b, nil
}

// Summary is the listing view of one persisted batch.
type Summary struct {
	BatchID    string     `json:"batch_id"`
	Status     string     `json:"status"`
	CreatedAt  string     `json:"created_at"`
	InputDir   string     `json:"input_dir"`
	Statistics Statistics `json:"statistics"`
	FilePath   string     `json:"file_path"`
}

// List scans the state directory and returns summaries sorted newest
// first. Unparseable files are skipped with a warning.
func (s *Store) List() []Summary {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*_state.json"))
	if err != nil {
		return nil
	}

	var out []Summary
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Str("file", path).Err(err).Msg("skipping unreadable state file")
			continue
		}
		var partial struct {
			BatchID    string     `json:"batch_id"`
			Status     string     `json:"status"`
			CreatedAt  string     `json:"created_at"`
			InputDir   string     `json:"input_dir"`
			Statistics Statistics `json:"statistics"`
		}
		if err := json.Unmarshal(data, &partial); err != nil || partial.BatchID == "" {
			s.log.Warn().Str("file", path).Msg("skipping corrupted state file")
			continue
		}
		out = append(out, Summary{
			BatchID:    partial.BatchID,
			Status:     partial.Status,
			CreatedAt:  partial.CreatedAt,
			InputDir:   partial.InputDir,
			Statistics: partial.Statistics,
			FilePath:   path,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Delete removes a batch's state file. Deleting a missing batch is
// not an error.
func (s *Store) Delete(batchID string) error {
	lock := s.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.StatePath(batchID))
	if err != nil && !os.IsNotExist(err) {
		return errors.New(errors.CodeIoError, "state", "failed to delete state file", err)
	}
	return nil
}

// Checkpoint copies the current state file into the checkpoints
// archive, timestamped.
func (s *Store) Checkpoint(batchID string) (string, error) {
	lock := s.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	src := s.StatePath(batchID)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", errors.New(errors.CodeNotFound, "state", "no state file to checkpoint", err)
	}

	dir := filepath.Join(s.dir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.New(errors.CodeIoError, "state", "failed to create checkpoint directory", err)
	}

	ts := time.Now().Format("20060102_150405")
	dst := filepath.Join(dir, batchID+"_checkpoint_"+ts+".json")
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", errors.New(errors.CodeIoError, "state", "failed to write checkpoint", err)
	}
	return dst, nil
}

// Cleanup removes state files older than keepDays by mtime and
// returns how many were removed.
func (s *Store) Cleanup(keepDays int) int {
	cutoff := time.Now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	matches, _ := filepath.Glob(filepath.Join(s.dir, "*_state.json"))

	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			} else {
				s.log.Warn().Str("file", path).Err(err).Msg("failed to remove old state file")
			}
		}
	}
	return removed
}

// batchIDFromStatePath recovers the batch id from a state file name.
func batchIDFromStatePath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, "_state.json")
}
