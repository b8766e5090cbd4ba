package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration of both binaries
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Backend BackendConfig `json:"backend" yaml:"backend"`
	Dataset DatasetConfig `json:"dataset" yaml:"dataset"`
	Caption CaptionConfig `json:"caption" yaml:"caption"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// ServerConfig holds configuration for the inpainting web server
type ServerConfig struct {
	Host        string   `json:"host" yaml:"host" env:"DEFECT_FORGE_HOST" validate:"required"`
	Port        int      `json:"port" yaml:"port" env:"DEFECT_FORGE_PORT" validate:"min=1,max=65535"`
	OutputDir   string   `json:"output_dir" yaml:"output_dir" env:"DEFECT_FORGE_OUTPUT_DIR" validate:"required"`
	MaxBodyMB   int      `json:"max_body_mb" yaml:"max_body_mb" env:"DEFECT_FORGE_MAX_BODY_MB" validate:"min=1"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" env:"DEFECT_FORGE_CORS_ORIGINS"`

	// Uploaded weights are only selectable when these point at the folders
	// the backend scans for checkpoints and LoRAs.
	CheckpointUploadDir string `json:"checkpoint_upload_dir" yaml:"checkpoint_upload_dir" env:"DEFECT_FORGE_CHECKPOINT_UPLOAD_DIR" validate:"required"`
	LoRAUploadDir       string `json:"lora_upload_dir" yaml:"lora_upload_dir" env:"DEFECT_FORGE_LORA_UPLOAD_DIR" validate:"required"`
}

// BackendConfig holds configuration for the diffusion backend
type BackendConfig struct {
	URL             string  `json:"url" yaml:"url" env:"DEFECT_FORGE_BACKEND_URL" validate:"required,url"`
	TimeoutSeconds  int     `json:"timeout_seconds" yaml:"timeout_seconds" env:"DEFECT_FORGE_BACKEND_TIMEOUT" validate:"min=1"`
	LoRAWeight      float64 `json:"lora_weight" yaml:"lora_weight" env:"DEFECT_FORGE_LORA_WEIGHT" validate:"gt=0"`
	BatchSize       int     `json:"batch_size" yaml:"batch_size" env:"DEFECT_FORGE_BATCH_SIZE" validate:"min=1"`
	BatchMemoryGB   float64 `json:"batch_memory_gb" yaml:"batch_memory_gb" validate:"gte=0"`
	PaddingMemoryGB float64 `json:"padding_memory_gb" yaml:"padding_memory_gb" validate:"gte=0"`
	MemoryHeadroom  float64 `json:"memory_headroom" yaml:"memory_headroom" validate:"gte=0,lte=1"`
}

// DatasetConfig holds configuration for tile extraction
type DatasetConfig struct {
	Mode     string `json:"mode" yaml:"mode" env:"DEFECT_FORGE_CROP_MODE" validate:"oneof=original center_crop"`
	CropSize int    `json:"crop_size" yaml:"crop_size" env:"DEFECT_FORGE_CROP_SIZE" validate:"min=1"`
	Pad      int    `json:"pad" yaml:"pad" env:"DEFECT_FORGE_PAD" validate:"min=0"`
	Label    string `json:"label" yaml:"label" env:"DEFECT_FORGE_LABEL" validate:"required"`
	Workers  int    `json:"workers" yaml:"workers" env:"DEFECT_FORGE_WORKERS" validate:"min=0"`
	Quality  int    `json:"quality" yaml:"quality" validate:"min=1,max=100"`
}

// CaptionConfig holds configuration for tile captions
type CaptionConfig struct {
	Backend string `json:"backend" yaml:"backend" env:"DEFECT_FORGE_CAPTION_BACKEND" validate:"oneof=none ollama llamacpp"`
	URL     string `json:"url" yaml:"url" env:"DEFECT_FORGE_CAPTION_URL" validate:"omitempty,url"`
	Model   string `json:"model" yaml:"model" env:"DEFECT_FORGE_CAPTION_MODEL"`
	Prompt  string `json:"prompt" yaml:"prompt"`
	Text    string `json:"text" yaml:"text" env:"DEFECT_FORGE_CAPTION" validate:"required"`
}

// LogConfig holds configuration for logging
type LogConfig struct {
	Level      string `json:"level" yaml:"level" env:"DEFECT_FORGE_LOG_LEVEL" validate:"oneof=debug info warning error"`
	Type       string `json:"type" yaml:"type" env:"DEFECT_FORGE_LOG_TYPE" validate:"oneof=console file"`
	File       string `json:"file" yaml:"file" env:"DEFECT_FORGE_LOG_FILE" validate:"required_if=Type file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" validate:"min=0"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        6008,
			OutputDir:   "./outputs",
			MaxBodyMB:   100,
			CORSOrigins: []string{"*"},

			CheckpointUploadDir: "./models/Stable-diffusion",
			LoRAUploadDir:       "./models/Lora",
		},
		Backend: BackendConfig{
			URL:             "http://127.0.0.1:7860",
			TimeoutSeconds:  600,
			LoRAWeight:      1.0,
			BatchSize:       4,
			BatchMemoryGB:   5.0,
			PaddingMemoryGB: 2.0,
			MemoryHeadroom:  0.7,
		},
		Dataset: DatasetConfig{
			Mode:     "original",
			CropSize: 512,
			Pad:      50,
			Label:    "裂纹",
			Workers:  0,
			Quality:  95,
		},
		Caption: CaptionConfig{
			Backend: "none",
			Text:    "defect of crack",
		},
		Log: LogConfig{
			Level:      "info",
			Type:       "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional
// file, then environment variables (a .env file is honored). The result is
// not validated: callers apply command line overrides and call Validate.
func Load(filename string) (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	cfg := Default()
	if filename != "" {
		var err error
		if cfg, err = LoadFromFile(filename); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the
// defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration as JSON or YAML, chosen by extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from DEFECT_FORGE_* environment variables
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			messages = append(messages, fmt.Sprintf("%s: %s", fieldErr.Namespace(), fieldErr.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
	}
	return fmt.Errorf("validation error: %w", err)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "defect-forge", "config.yaml")
}

// FindConfigFile returns the file named on the command line, or the default
// config path when that file exists, or "" to run on defaults and env only
func FindConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if path := GetConfigPath(); fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isYAML(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
