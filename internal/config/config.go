package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/answercapture/internal/answer"
	"github.com/audiolibrelab/answercapture/internal/device"
	"github.com/audiolibrelab/answercapture/internal/level"
	"github.com/audiolibrelab/answercapture/internal/session"
)

// EnvPrefix prefixes the environment variables read by the loader.
const EnvPrefix = "ANSWERCAPTURE"

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	FeedbackDirectory string `mapstructure:"feedback_directory" yaml:"feedback_directory"`
}

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Tiers     TiersConfig     `mapstructure:"tiers" yaml:"tiers"`
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Recorder  RecorderConfig  `mapstructure:"recorder" yaml:"recorder"`
	Level     LevelConfig     `mapstructure:"level" yaml:"level"`
	Feedback  FeedbackConfig  `mapstructure:"feedback" yaml:"feedback"`
	Questions QuestionsConfig `mapstructure:"questions" yaml:"questions"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`

	// Profile is the name of the resolved profile, for display only.
	Profile string `mapstructure:"-" yaml:"-"`
}

type SessionConfig struct {
	Difficulty    string `mapstructure:"difficulty" yaml:"difficulty"`
	QuestionCount int    `mapstructure:"question_count" yaml:"question_count"`
	MaxQuestions  int    `mapstructure:"max_questions" yaml:"max_questions"`
}

type TiersConfig struct {
	Easy   int `mapstructure:"easy" yaml:"easy"`
	Medium int `mapstructure:"medium" yaml:"medium"`
	Hard   int `mapstructure:"hard" yaml:"hard"`
}

type DeviceConfig struct {
	Backend          string `mapstructure:"backend" yaml:"backend"` // "pipewire", "auto"
	Source           string `mapstructure:"source" yaml:"source"`
	EchoCancelSource string `mapstructure:"echo_cancel_source" yaml:"echo_cancel_source"`
	VideoDevice      string `mapstructure:"video_device" yaml:"video_device"`
	SampleRate       int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels         int    `mapstructure:"channels" yaml:"channels"`
	ChunkMillis      int    `mapstructure:"chunk_ms" yaml:"chunk_ms"`
}

type RecorderConfig struct {
	MediaTypes       []string `mapstructure:"media_types" yaml:"media_types"`
	DefaultMediaType string   `mapstructure:"default_media_type" yaml:"default_media_type"`
}

type LevelConfig struct {
	IntervalMillis int `mapstructure:"interval_ms" yaml:"interval_ms"`
	Buckets        int `mapstructure:"buckets" yaml:"buckets"`
}

type FeedbackConfig struct {
	OutputDirectory string       `mapstructure:"output_directory" yaml:"output_directory"`
	TimeoutSeconds  int          `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	OpenAI          OpenAIConfig `mapstructure:"openai" yaml:"openai"`
}

type OpenAIConfig struct {
	APIKey             string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model              string `mapstructure:"model" yaml:"model"`
	TranscriptionModel string `mapstructure:"transcription_model" yaml:"transcription_model"`
	BaseURL            string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Language           string `mapstructure:"language" yaml:"language,omitempty"`
}

type QuestionsConfig struct {
	BankFile string `mapstructure:"bank_file" yaml:"bank_file,omitempty"`
	Job      string `mapstructure:"job" yaml:"job"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// Default returns the built-in configuration every profile is merged over.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Difficulty:    string(answer.DifficultyMedium),
			QuestionCount: session.DefaultMaxQuestions,
			MaxQuestions:  session.DefaultMaxQuestions,
		},
		Tiers: TiersConfig{Easy: 120, Medium: 90, Hard: 60},
		Device: DeviceConfig{
			Backend:     "auto",
			SampleRate:  device.DefaultSampleRate,
			Channels:    device.DefaultChannels,
			ChunkMillis: device.DefaultChunkMillis,
		},
		Recorder: RecorderConfig{
			MediaTypes:       []string{"audio/webm;codecs=opus", "audio/ogg;codecs=opus", "audio/wav"},
			DefaultMediaType: "audio/wav",
		},
		Level: LevelConfig{IntervalMillis: 33, Buckets: 32},
		Feedback: FeedbackConfig{
			OutputDirectory: filepath.Join(os.Getenv("HOME"), "Audio", "AnswerCapture"),
			TimeoutSeconds:  120,
			OpenAI: OpenAIConfig{
				Model:              "gpt-4o-mini",
				TranscriptionModel: "whisper-1",
			},
		},
		Questions: QuestionsConfig{Job: "developer"},
		Server:    ServerConfig{Port: 8080},
		Profile:   "built-in",
	}
}

// DefaultPath returns $HOME/.config/answercapture.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "answercapture.yaml")
}

// LoadWithProfile resolves the configuration from configFile. The selected
// profile (or active_config, or "default") is merged over the "default"
// profile, which is merged over the built-in defaults. An empty configFile
// yields the built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	v := newViper()

	if configFile == "" {
		cfg := Default()
		applyEnv(v, cfg)
		return cfg, validate(cfg)
	}

	rootConfig, err := ValidateConfigurationFormat(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig := Default()
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			if err := mergeConfigs(selectedConfig, defaultProfile); err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
		}
	}
	if err := mergeConfigs(selectedConfig, selectedProfile); err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}
	selectedConfig.Profile = configName

	// Global feedback directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.FeedbackDirectory != "" {
		selectedConfig.Feedback.OutputDirectory = rootConfig.Globals.Output.FeedbackDirectory
	}

	selectedConfig.Feedback.OutputDirectory = expandPath(selectedConfig.Feedback.OutputDirectory)
	selectedConfig.Questions.BankFile = expandPath(selectedConfig.Questions.BankFile)
	applyEnv(v, selectedConfig)

	if err := validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return selectedConfig, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnv overrides secrets and the port from the environment.
// OPENAI_API_KEY is honoured when the prefixed variable is unset.
func applyEnv(v *viper.Viper, cfg *Config) {
	if key := v.GetString("openai.api_key"); key != "" {
		cfg.Feedback.OpenAI.APIKey = key
	} else if cfg.Feedback.OpenAI.APIKey == "" {
		cfg.Feedback.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if port := v.GetInt("server.port"); port != 0 {
		cfg.Server.Port = port
	}
}

// ValidateConfigurationFormat reads configFile and checks that every profile
// is well formed on its own.
func ValidateConfigurationFormat(v *viper.Viper, configFile string) (*RootConfig, error) {
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}
	for configName, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validatePartial(profile, configName); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if !v.IsSet("configs." + newActiveConfig) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}
	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// mergeConfigs overlays the non-zero fields of profile onto base.
func mergeConfigs(base, profile *Config) error {
	if profile == nil {
		return nil
	}
	return mergo.Merge(base, *profile, mergo.WithOverride)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Difficulty returns the configured session difficulty.
func (c *Config) Difficulty() answer.Difficulty {
	d, err := answer.ParseDifficulty(c.Session.Difficulty)
	if err != nil {
		return answer.DifficultyMedium
	}
	return d
}

// SessionTiers converts the tiers section into per-difficulty limits.
func (c *Config) SessionTiers() session.Tiers {
	return session.Tiers{
		answer.DifficultyEasy:   c.Tiers.Easy,
		answer.DifficultyMedium: c.Tiers.Medium,
		answer.DifficultyHard:   c.Tiers.Hard,
	}
}

// DeviceOptions returns the PipeWire capture options.
func (c *Config) DeviceOptions() device.Options {
	return device.Options{
		Source:           c.Device.Source,
		EchoCancelSource: c.Device.EchoCancelSource,
		VideoDevice:      c.Device.VideoDevice,
		SampleRate:       c.Device.SampleRate,
		Channels:         c.Device.Channels,
		ChunkMillis:      c.Device.ChunkMillis,
		FFTSize:          c.Level.Buckets * 16,
	}
}

// LevelOptions returns the level monitor options.
func (c *Config) LevelOptions() level.Options {
	return level.Options{
		Interval: time.Duration(c.Level.IntervalMillis) * time.Millisecond,
		Buckets:  c.Level.Buckets,
	}
}

// FeedbackTimeout bounds a single feedback delivery.
func (c *Config) FeedbackTimeout() time.Duration {
	return time.Duration(c.Feedback.TimeoutSeconds) * time.Second
}
