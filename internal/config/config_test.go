package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/answercapture/internal/answer"
)

const profilesConfig = `
active_config: studio

globals:
  output:
    feedback_directory: /global/feedback

configs:
  default:
    session:
      difficulty: easy
      question_count: 2
    device:
      source: alsa_input.usb-mic:capture_FL
      sample_rate: 48000
    feedback:
      output_directory: /profile/feedback
      openai:
        model: gpt-4o
  studio:
    session:
      difficulty: hard
    tiers:
      easy: 150
      medium: 100
      hard: 45
    device:
      echo_cancel_source: echo-cancel-source
    recorder:
      media_types: [audio/wav]
  quick:
    session:
      question_count: 1
`

func TestLoadWithProfile_MergesOverDefault(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Profile != "studio" {
		t.Errorf("Expected active profile 'studio', got '%s'", cfg.Profile)
	}
	// Profile-specific
	if cfg.Difficulty() != answer.DifficultyHard {
		t.Errorf("Expected difficulty hard, got %s", cfg.Difficulty())
	}
	if cfg.Tiers.Hard != 45 {
		t.Errorf("Expected hard tier 45, got %d", cfg.Tiers.Hard)
	}
	if len(cfg.Recorder.MediaTypes) != 1 || cfg.Recorder.MediaTypes[0] != "audio/wav" {
		t.Errorf("Expected media types [audio/wav], got %v", cfg.Recorder.MediaTypes)
	}
	// Inherited from the default profile
	if cfg.Session.QuestionCount != 2 {
		t.Errorf("Expected question count 2 from default profile, got %d", cfg.Session.QuestionCount)
	}
	if cfg.Device.Source != "alsa_input.usb-mic:capture_FL" {
		t.Errorf("Expected source from default profile, got '%s'", cfg.Device.Source)
	}
	if cfg.Device.SampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", cfg.Device.SampleRate)
	}
	if cfg.Feedback.OpenAI.Model != "gpt-4o" {
		t.Errorf("Expected model gpt-4o, got '%s'", cfg.Feedback.OpenAI.Model)
	}
	// Built-in defaults
	if cfg.Device.ChunkMillis != 100 {
		t.Errorf("Expected chunk 100ms, got %d", cfg.Device.ChunkMillis)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	// Globals win over profiles
	if cfg.Feedback.OutputDirectory != "/global/feedback" {
		t.Errorf("Expected directory '/global/feedback' from globals, got '%s'", cfg.Feedback.OutputDirectory)
	}
}

func TestLoadWithProfile_ExplicitProfile(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	cfg, err := LoadWithProfile(configFile, "quick")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Session.QuestionCount != 1 {
		t.Errorf("Expected question count 1, got %d", cfg.Session.QuestionCount)
	}
	if cfg.Difficulty() != answer.DifficultyEasy {
		t.Errorf("Expected difficulty easy from default profile, got %s", cfg.Difficulty())
	}
	if cfg.Tiers.Easy != 120 {
		t.Errorf("Expected built-in easy tier 120, got %d", cfg.Tiers.Easy)
	}
}

func TestLoadWithProfile_MissingProfile(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	_, err := LoadWithProfile(configFile, "missing")
	if err == nil || !strings.Contains(err.Error(), "'missing' not found") {
		t.Errorf("Expected profile not found error, got: %v", err)
	}
}

func TestLoadWithProfile_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("ANSWERCAPTURE_OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := LoadWithProfile("", "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Profile != "built-in" {
		t.Errorf("Expected built-in profile, got '%s'", cfg.Profile)
	}
	if cfg.Feedback.OpenAI.APIKey != "sk-fallback" {
		t.Errorf("Expected api key from OPENAI_API_KEY, got '%s'", cfg.Feedback.OpenAI.APIKey)
	}
	tiers := cfg.SessionTiers()
	if tiers[answer.DifficultyEasy] != 120 || tiers[answer.DifficultyMedium] != 90 || tiers[answer.DifficultyHard] != 60 {
		t.Errorf("Expected tiers 120/90/60, got %v", tiers)
	}
}

func TestLoadWithProfile_EnvOverrides(t *testing.T) {
	t.Setenv("ANSWERCAPTURE_OPENAI_API_KEY", "sk-prefixed")
	t.Setenv("ANSWERCAPTURE_SERVER_PORT", "9090")

	cfg, err := LoadWithProfile(createTempConfig(t, profilesConfig), "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Feedback.OpenAI.APIKey != "sk-prefixed" {
		t.Errorf("Expected api key 'sk-prefixed', got '%s'", cfg.Feedback.OpenAI.APIKey)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
}

func TestLoadWithProfile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "no configs",
			config:  "active_config: default\n",
			wantErr: "configs section is required",
		},
		{
			name: "unknown difficulty",
			config: `
configs:
  default:
    session:
      difficulty: brutal
`,
			wantErr: "unknown difficulty",
		},
		{
			name: "tiers not decreasing",
			config: `
configs:
  default:
    tiers:
      easy: 60
      medium: 90
      hard: 30
`,
			wantErr: "must decrease from easy to hard",
		},
		{
			name: "question count above max",
			config: `
configs:
  default:
    session:
      question_count: 5
`,
			wantErr: "'question_count' must be between 1 and 3",
		},
		{
			name: "bad backend",
			config: `
configs:
  default:
    device:
      backend: jack
`,
			wantErr: "'backend' must be 'pipewire' or 'auto'",
		},
		{
			name: "bad source",
			config: `
configs:
  default:
    device:
      source: "node:"
`,
			wantErr: "'source' must be a valid PipeWire node or port",
		},
		{
			name: "too many buckets",
			config: `
configs:
  default:
    level:
      buckets: 1024
`,
			wantErr: "'buckets' must be between 1 and 256",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithProfile(createTempConfig(t, tt.config), "")
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestMergeConfigs_ZeroValuesInherit(t *testing.T) {
	base := Default()
	profile := &Config{
		Device: DeviceConfig{Source: "usb:capture_1"},
		Level:  LevelConfig{Buckets: 64},
	}

	if err := mergeConfigs(base, profile); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if base.Device.Source != "usb:capture_1" {
		t.Errorf("Expected source override, got '%s'", base.Device.Source)
	}
	if base.Device.SampleRate != 16000 {
		t.Errorf("Expected inherited sample rate 16000, got %d", base.Device.SampleRate)
	}
	if base.Level.Buckets != 64 || base.Level.IntervalMillis != 33 {
		t.Errorf("Expected buckets 64 and interval 33, got %d and %d", base.Level.Buckets, base.Level.IntervalMillis)
	}
	if err := mergeConfigs(base, nil); err != nil {
		t.Errorf("Expected nil profile to be ignored, got: %v", err)
	}
}

func TestComponentOptions(t *testing.T) {
	cfg := Default()
	cfg.Device.EchoCancelSource = "echo-cancel-source"

	dev := cfg.DeviceOptions()
	if dev.SampleRate != 16000 || dev.Channels != 1 || dev.ChunkMillis != 100 {
		t.Errorf("Unexpected device options: %+v", dev)
	}
	if dev.EchoCancelSource != "echo-cancel-source" {
		t.Errorf("Expected echo cancel source, got '%s'", dev.EchoCancelSource)
	}
	if dev.FFTSize < 2*cfg.Level.Buckets {
		t.Errorf("Expected FFT size of at least %d, got %d", 2*cfg.Level.Buckets, dev.FFTSize)
	}

	lvl := cfg.LevelOptions()
	if lvl.Interval != 33*time.Millisecond || lvl.Buckets != 32 {
		t.Errorf("Unexpected level options: %+v", lvl)
	}
	if cfg.FeedbackTimeout() != 2*time.Minute {
		t.Errorf("Expected feedback timeout 2m, got %s", cfg.FeedbackTimeout())
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configFile := createTempConfig(t, profilesConfig)

	if err := UpdateActiveConfig(configFile, "quick"); err != nil {
		t.Fatalf("Failed to update active config: %v", err)
	}
	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Profile != "quick" {
		t.Errorf("Expected active profile 'quick', got '%s'", cfg.Profile)
	}

	if err := UpdateActiveConfig(configFile, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := expandPath("~/feedback"); got != filepath.Join(home, "feedback") {
		t.Errorf("Expected '%s', got '%s'", filepath.Join(home, "feedback"), got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("Expected '/abs/path', got '%s'", got)
	}
}

func TestIsValidAudioSource(t *testing.T) {
	tests := []struct {
		source string
		valid  bool
	}{
		{"", true},
		{"default", true},
		{"echo-cancel-source", true},
		{"alsa_input.pci-0000_00_1f.3.analog-stereo:capture_FL", true},
		{"Scarlett 2i2 USB:capture_1", true},
		{":capture_1", false},
		{"node:", false},
		{"two words", false},
	}
	for _, tt := range tests {
		if got := isValidAudioSource(tt.source); got != tt.valid {
			t.Errorf("isValidAudioSource(%q): expected %v, got %v", tt.source, tt.valid, got)
		}
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "answercapture.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}
