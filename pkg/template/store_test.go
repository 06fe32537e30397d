package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonkit/pkg/logger"
)

const multiTemplateYAML = `templates:
  chinese_transcript:
    version: "2.0"
    description: Verbatim transcript with timestamps
    prompt: |
      Transcribe the video titled ${video_title}.
      Detail level: ${detail_level}.
    parameters:
      - video_title
    model_config:
      temperature: 0.3
      max_tokens: 16384
  summary_report:
    prompt: "Summarize ${video_title} in under ${max_length} words."
    parameters:
      - video_title
`

const singleTemplateYAML = `name: comprehensive_lesson
version: "1.0"
description: Full lesson plan
prompt: "Build a lesson plan for ${video_title} focusing on ${focus_areas}."
parameters:
  - video_title
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "multi.yaml"), []byte(multiTemplateYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "single.yaml"), []byte(singleTemplateYAML), 0o644))

	s, err := NewStore(dir, StoreDefaults{Model: "gemini-2.5-pro", Temperature: 0.7, MaxTokens: 8192}, logger.Get())
	require.NoError(t, err)
	return s
}

func TestStoreLoadsMultiAndSingleFiles(t *testing.T) {
	s := newTestStore(t)

	assert.True(t, s.Has("chinese_transcript"))
	assert.True(t, s.Has("summary_report"))
	assert.True(t, s.Has("comprehensive_lesson"))
	assert.False(t, s.Has("missing"))
}

func TestStoreMissingDirectory(t *testing.T) {
	_, err := NewStore("/does/not/exist", StoreDefaults{}, logger.Get())
	assert.Error(t, err)
}

func TestStoreSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("{{{not yaml"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(singleTemplateYAML), 0o644))

	s, err := NewStore(dir, StoreDefaults{}, logger.Get())
	require.NoError(t, err)
	assert.True(t, s.Has("comprehensive_lesson"))
	assert.Len(t, s.List(), 1)
}

func TestRender(t *testing.T) {
	s := newTestStore(t)

	out, err := s.Render("chinese_transcript", map[string]string{"video_title": "lecture"})
	require.NoError(t, err)
	assert.Contains(t, out, "Transcribe the video titled lecture.")
	assert.Contains(t, out, "Detail level: comprehensive.", "default parameter filled in")
}

func TestRenderMissingRequiredParameter(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Render("chinese_transcript", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video_title")
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	dir := t.TempDir()
	yaml := "name: odd\nprompt: \"Known ${video_title}, unknown ${never_set}.\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "odd.yaml"), []byte(yaml), 0o644))

	s, err := NewStore(dir, StoreDefaults{}, logger.Get())
	require.NoError(t, err)

	out, err := s.Render("odd", map[string]string{"video_title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "Known x, unknown ${never_set}.", out)
}

func TestRenderUnknownTemplate(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Render("missing", nil)
	assert.Error(t, err)
}

func TestConfigMergesDefaults(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.Config("chinese_transcript")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", cfg.Model, "model falls back to store default")
	assert.InDelta(t, 0.3, cfg.Temperature, 1e-9)
	assert.Equal(t, 16384, cfg.MaxTokens)

	cfg, err = s.Config("comprehensive_lesson")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, cfg.Temperature, 1e-9)
	assert.Equal(t, 8192, cfg.MaxTokens)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "chinese_transcript", list[0].Name)
	assert.Equal(t, "2.0", list[0].Version)
	assert.Equal(t, "1.0", list[2].Version, "version defaults")
}

func TestValidate(t *testing.T) {
	assert.Empty(t, Validate(&Template{Name: "t", Prompt: "p"}))
	assert.Len(t, Validate(&Template{}), 2)
}
