// Package config loads quizhubd's layered configuration: built-in
// defaults, an optional YAML file, and environment variable overrides,
// using github.com/spf13/viper the same way the beads daemon's
// internal/labelmutex package loads its own YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateWindow is one sliding-window entry of a submit-answer rate limit:
// at most Max submissions per connection within Window.
type RateWindow struct {
	Window string
	Max    int
}

// Config holds every knob the Hub, transport, and metrics layers need.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string

	WinnerDisplayDuration time.Duration
	PostLockHandoffDelay  time.Duration
	DefaultDifficulty     string
	GracePeriod           time.Duration

	// GracePeriodFairness, when true, elects the earliest submission within
	// the grace window as winner instead of pure serializer order. Off by
	// default; see the Hub package for the semantics this toggles.
	GracePeriodFairness bool

	// DifficultySequence, if non-empty, rotates round difficulty across
	// this list instead of always using DefaultDifficulty.
	DifficultySequence []string

	// SubmitRateLimit bounds submit-answer messages per connection across
	// one or more sliding windows. Defaults to a single 5-per-second window;
	// set to an empty list to disable the guard entirely.
	SubmitRateLimit []RateWindow
}

func defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		AllowedOrigins:        nil,
		WinnerDisplayDuration: 3000 * time.Millisecond,
		PostLockHandoffDelay:  100 * time.Millisecond,
		DefaultDifficulty:     "medium",
		GracePeriod:           100 * time.Millisecond,
		GracePeriodFairness:   false,
		DifficultySequence:    nil,
		SubmitRateLimit:       []RateWindow{{Window: "1s", Max: 5}},
	}
}

// Load builds a Config from built-in defaults, then configPath (if it
// exists; a missing file is not an error), then QUIZHUB_*-prefixed
// environment variables, in that order of increasing precedence.
func Load(configPath string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("winner_display_duration", cfg.WinnerDisplayDuration.String())
	v.SetDefault("post_lock_handoff_delay", cfg.PostLockHandoffDelay.String())
	v.SetDefault("default_difficulty", cfg.DefaultDifficulty)
	v.SetDefault("grace_period", cfg.GracePeriod.String())
	v.SetDefault("grace_period_fairness", cfg.GracePeriodFairness)

	v.SetEnvPrefix("quizhub")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("config: failed to read %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: failed to stat %s: %w", configPath, err)
		}
	}

	cfg.ListenAddr = v.GetString("listen_addr")
	cfg.DefaultDifficulty = v.GetString("default_difficulty")
	cfg.GracePeriodFairness = v.GetBool("grace_period_fairness")

	var err error
	if cfg.WinnerDisplayDuration, err = parseDurationKey(v, "winner_display_duration"); err != nil {
		return Config{}, err
	}
	if cfg.PostLockHandoffDelay, err = parseDurationKey(v, "post_lock_handoff_delay"); err != nil {
		return Config{}, err
	}
	if cfg.GracePeriod, err = parseDurationKey(v, "grace_period"); err != nil {
		return Config{}, err
	}

	if origins := v.GetStringSlice("allowed_origins"); len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
	if seq := v.GetStringSlice("difficulty_sequence"); len(seq) > 0 {
		cfg.DifficultySequence = seq
	}

	if v.IsSet("submit_rate_limit") {
		var windows []RateWindow
		if err := v.UnmarshalKey("submit_rate_limit", &windows); err != nil {
			return Config{}, fmt.Errorf("config: submit_rate_limit: %w", err)
		}
		cfg.SubmitRateLimit = windows
	}

	return cfg, nil
}

// RateLimitMap converts the configured rate windows into the
// map[time.Duration]int shape github.com/joeycumines/go-catrate's Limiter
// expects. A nil/empty result disables the guard.
func (c Config) RateLimitMap() (map[time.Duration]int, error) {
	if len(c.SubmitRateLimit) == 0 {
		return nil, nil
	}
	out := make(map[time.Duration]int, len(c.SubmitRateLimit))
	for _, w := range c.SubmitRateLimit {
		d, err := time.ParseDuration(w.Window)
		if err != nil {
			return nil, fmt.Errorf("config: submit_rate_limit: invalid window %q: %w", w.Window, err)
		}
		out[d] = w.Max
	}
	return out, nil
}

func parseDurationKey(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid duration %q: %w", key, raw, err)
	}
	return d, nil
}
