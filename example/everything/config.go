package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// config is read from the environment first, then overlaid by the YAML file given with --config, then
// by the command line flags.
type config struct {
	Transport      string        `env:"EVERYTHING_TRANSPORT,default=stdio" yaml:"transport"`
	Addr           string        `env:"EVERYTHING_ADDR,default=:8080" yaml:"addr"`
	BaseURL        string        `env:"EVERYTHING_BASE_URL,default=http://localhost:8080" yaml:"baseURL"`
	OriginPatterns string        `env:"EVERYTHING_ORIGIN_PATTERNS" yaml:"originPatterns"`
	UpdateInterval time.Duration `env:"EVERYTHING_UPDATE_INTERVAL,default=30s" yaml:"updateInterval"`
	LogLevel       string        `env:"EVERYTHING_LOG_LEVEL,default=info" yaml:"logLevel"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if path == "" {
		return cfg, nil
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags set explicitly on cmd.
func (cfg *config) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("transport") {
		cfg.Transport, err = flags.GetString("transport")
	}
	if err == nil && flags.Changed("addr") {
		cfg.Addr, err = flags.GetString("addr")
	}
	if err == nil && flags.Changed("base-url") {
		cfg.BaseURL, err = flags.GetString("base-url")
	}
	if err == nil && flags.Changed("update-interval") {
		cfg.UpdateInterval, err = flags.GetDuration("update-interval")
	}
	if err == nil && flags.Changed("log-level") {
		cfg.LogLevel, err = flags.GetString("log-level")
	}
	return err
}

func (cfg config) originPatterns() []string {
	if cfg.OriginPatterns == "" {
		return nil
	}
	return strings.Split(cfg.OriginPatterns, ",")
}

// logger writes to stderr, stdout belongs to the stdio transport.
func (cfg config) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}
