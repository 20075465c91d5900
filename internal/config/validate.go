package config

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/answercapture/internal/answer"
)

// validate checks a fully resolved configuration.
func validate(c *Config) error {
	if err := validatePartial(c, "config"); err != nil {
		return err
	}

	if c.Session.MaxQuestions < 1 {
		return fmt.Errorf("session: 'max_questions' must be >= 1, got %d", c.Session.MaxQuestions)
	}
	if c.Session.QuestionCount < 1 || c.Session.QuestionCount > c.Session.MaxQuestions {
		return fmt.Errorf("session: 'question_count' must be between 1 and %d, got %d",
			c.Session.MaxQuestions, c.Session.QuestionCount)
	}
	if err := validateTiers(c.Tiers); err != nil {
		return err
	}
	if len(c.Recorder.MediaTypes) == 0 && c.Recorder.DefaultMediaType == "" {
		return fmt.Errorf("recorder: 'media_types' or 'default_media_type' is required")
	}
	return nil
}

// validatePartial checks the fields a profile sets. Zero values are allowed
// since they are inherited.
func validatePartial(c *Config, prefix string) error {
	if c.Session.Difficulty != "" {
		if _, err := answer.ParseDifficulty(c.Session.Difficulty); err != nil {
			return fmt.Errorf("%s: session: %w", prefix, err)
		}
	}
	if c.Session.QuestionCount < 0 || c.Session.MaxQuestions < 0 {
		return fmt.Errorf("%s: session: question counts must be >= 0", prefix)
	}

	if c.Tiers.Easy < 0 || c.Tiers.Medium < 0 || c.Tiers.Hard < 0 {
		return fmt.Errorf("%s: tiers: limits must be > 0", prefix)
	}

	if c.Device.Backend != "" && c.Device.Backend != "pipewire" && c.Device.Backend != "auto" {
		return fmt.Errorf("%s: device: 'backend' must be 'pipewire' or 'auto', got: %s", prefix, c.Device.Backend)
	}
	if c.Device.SampleRate < 0 {
		return fmt.Errorf("%s: device: 'sample_rate' must be > 0, got: %d", prefix, c.Device.SampleRate)
	}
	if c.Device.Channels < 0 || c.Device.Channels > 2 {
		return fmt.Errorf("%s: device: 'channels' must be 1 or 2, got: %d", prefix, c.Device.Channels)
	}
	if c.Device.ChunkMillis < 0 {
		return fmt.Errorf("%s: device: 'chunk_ms' must be > 0, got: %d", prefix, c.Device.ChunkMillis)
	}
	for name, source := range map[string]string{"source": c.Device.Source, "echo_cancel_source": c.Device.EchoCancelSource} {
		if !isValidAudioSource(source) {
			return fmt.Errorf("%s: device: '%s' must be a valid PipeWire node or port, got: %s", prefix, name, source)
		}
	}

	for i, mt := range c.Recorder.MediaTypes {
		if strings.TrimSpace(mt) == "" {
			return fmt.Errorf("%s: recorder: media_types[%d] is empty", prefix, i)
		}
	}

	if c.Level.IntervalMillis < 0 {
		return fmt.Errorf("%s: level: 'interval_ms' must be > 0, got: %d", prefix, c.Level.IntervalMillis)
	}
	if c.Level.Buckets < 0 || c.Level.Buckets > 256 {
		return fmt.Errorf("%s: level: 'buckets' must be between 1 and 256, got: %d", prefix, c.Level.Buckets)
	}

	if c.Feedback.TimeoutSeconds < 0 {
		return fmt.Errorf("%s: feedback: 'timeout_seconds' must be >= 0, got: %d", prefix, c.Feedback.TimeoutSeconds)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%s: server: 'port' must be between 1 and 65535, got: %d", prefix, c.Server.Port)
	}
	return nil
}

// validateTiers requires easy > medium > hard > 0.
func validateTiers(t TiersConfig) error {
	if t.Hard <= 0 {
		return fmt.Errorf("tiers: 'hard' must be > 0, got: %d", t.Hard)
	}
	if !(t.Easy > t.Medium && t.Medium > t.Hard) {
		return fmt.Errorf("tiers: limits must decrease from easy to hard, got easy=%d medium=%d hard=%d",
			t.Easy, t.Medium, t.Hard)
	}
	return nil
}

// isValidAudioSource accepts a node name or a "node:port" specification.
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)

	if source == "" || source == "default" {
		return true
	}

	if strings.Contains(source, ":") {
		// Node names may contain colons, so the port is after the last one
		lastColonIndex := strings.LastIndex(source, ":")
		deviceName := strings.TrimSpace(source[:lastColonIndex])
		port := strings.TrimSpace(source[lastColonIndex+1:])
		return deviceName != "" && port != ""
	}

	return !strings.ContainsAny(source, " \t")
}
