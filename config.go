package dynhook

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/k2io/dynhook/internal/convention"
	"github.com/k2io/dynhook/internal/logging"
)

// Config is the engine configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
	// Debug logs the disassembly of every generated bridge and moved prologue.
	Debug bool `yaml:"debug"`
	// ABI is the default for setups created through Engine.NewSetup: x86,
	// sysv or win64. Empty means the ABI of the running process.
	ABI string `yaml:"abi"`
	// MaxStringLength caps Context.ParamString.
	MaxStringLength int `yaml:"max_string_length"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		MaxStringLength: 4096,
	}
}

// LoadConfig reads a YAML file on top of the defaults and applies the
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides reads DYNHOOK_LOG_LEVEL and DYNHOOK_DEBUG.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DYNHOOK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DYNHOOK_DEBUG"); v != "" {
		c.Debug = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.abi(); err != nil {
		return err
	}
	if c.MaxStringLength <= 0 {
		return fmt.Errorf("max_string_length must be positive")
	}
	return nil
}

func (c *Config) abi() (ABI, error) {
	return convention.ParseABI(c.ABI)
}

func (c *Config) logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Pretty = c.LogPretty
	return lc
}
