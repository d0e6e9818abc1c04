package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultAgentBinary        = "claude"
	defaultMaxSessions        = 10
	defaultLoopInterval       = 5 * time.Second
	defaultIdleTimeout        = 2 * time.Minute
	defaultCompletionConfirm  = 10 * time.Second
	defaultNoOutputTimeout    = 5 * time.Minute
	defaultAutoAcceptDelay    = 15 * time.Second
	defaultCheckTimeout       = 30 * time.Second
	defaultCheckCooldown      = 3 * time.Minute
	defaultCheckContextChars  = 4000
	defaultCheckModel         = "haiku"
	defaultAdaptiveMinConfirm = 3 * time.Second
	defaultAdaptiveMaxConfirm = 60 * time.Second
	defaultContextThresholdPc = 25
	defaultStuckThreshold     = 3
	defaultClearCommand       = "/clear"
	defaultInitCommand        = "/init"
	defaultUpdatePrompt       = "Continue working on the current backlog. Pick up the next unfinished item."
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	AgentBinary  string
	AgentArgs    []string
	MaxSessions  int
	LoopInterval time.Duration
	MinDuration  time.Duration
	StorePath    string

	Respawn Respawn
}

// Respawn stores the default per-session respawn policy. Individual
// sessions may override it through the engine API.
type Respawn struct {
	IdleTimeout       time.Duration
	CompletionConfirm time.Duration
	NoOutputTimeout   time.Duration

	AutoAcceptPlans bool
	AutoAcceptDelay time.Duration

	AIIdleCheck AICheck
	AIPlanCheck AICheck

	AdaptiveTiming     bool
	AdaptiveMinConfirm time.Duration
	AdaptiveMaxConfirm time.Duration

	SkipClearWhenLowContext bool
	ContextThresholdPercent int

	RecordMetrics  bool
	StuckThreshold int

	ClearCommand    string
	InitCommand     string
	UpdatePrompt    string
	KickstartPrompt string

	CompletionPatterns []string
	PlanPatterns       []string
}

// AICheck stores configuration for one optional AI verifier.
type AICheck struct {
	Enabled      bool
	Model        string
	ContextChars int
	Timeout      time.Duration
	Cooldown     time.Duration
}

type fileConfig struct {
	AgentBinary  *string   `toml:"agent_binary"`
	AgentArgs    *[]string `toml:"agent_args"`
	MaxSessions  *int      `toml:"max_sessions"`
	LoopInterval *string   `toml:"loop_interval"`
	MinDuration  *string   `toml:"min_duration"`
	StorePath    *string   `toml:"store_path"`

	Respawn *respawnFileConfig `toml:"respawn"`
}

type respawnFileConfig struct {
	IdleTimeout       *string `toml:"idle_timeout"`
	CompletionConfirm *string `toml:"completion_confirm"`
	NoOutputTimeout   *string `toml:"no_output_timeout"`

	AutoAcceptPlans *bool   `toml:"auto_accept_plans"`
	AutoAcceptDelay *string `toml:"auto_accept_delay"`

	AIIdleCheck *aiCheckFileConfig `toml:"ai_idle_check"`
	AIPlanCheck *aiCheckFileConfig `toml:"ai_plan_check"`

	AdaptiveTiming     *bool   `toml:"adaptive_timing"`
	AdaptiveMinConfirm *string `toml:"adaptive_min_confirm"`
	AdaptiveMaxConfirm *string `toml:"adaptive_max_confirm"`

	SkipClearWhenLowContext *bool `toml:"skip_clear_when_low_context"`
	ContextThresholdPercent *int  `toml:"context_threshold_percent"`

	RecordMetrics  *bool `toml:"record_metrics"`
	StuckThreshold *int  `toml:"stuck_threshold"`

	ClearCommand    *string `toml:"clear_command"`
	InitCommand     *string `toml:"init_command"`
	UpdatePrompt    *string `toml:"update_prompt"`
	KickstartPrompt *string `toml:"kickstart_prompt"`

	CompletionPatterns *[]string `toml:"completion_patterns"`
	PlanPatterns       *[]string `toml:"plan_patterns"`
}

type aiCheckFileConfig struct {
	Enabled      *bool   `toml:"enabled"`
	Model        *string `toml:"model"`
	ContextChars *int    `toml:"context_chars"`
	Timeout      *string `toml:"timeout"`
	Cooldown     *string `toml:"cooldown"`
}

// Load reads config from ~/.claudeman/config.toml and overlays a
// project-local .claudeman/config.toml.
func Load() (*Config, error) {
	cfg := Defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".claudeman", "config.toml"),
		filepath.Join(workingDir, ".claudeman", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(homeDir, ".claudeman", "claudeman.db")
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration before any file overlays.
func Defaults() Config {
	return Config{
		AgentBinary:  defaultAgentBinary,
		AgentArgs:    []string{},
		MaxSessions:  defaultMaxSessions,
		LoopInterval: defaultLoopInterval,
		Respawn: Respawn{
			IdleTimeout:       defaultIdleTimeout,
			CompletionConfirm: defaultCompletionConfirm,
			NoOutputTimeout:   defaultNoOutputTimeout,
			AutoAcceptPlans:   true,
			AutoAcceptDelay:   defaultAutoAcceptDelay,
			AIIdleCheck: AICheck{
				Model:        defaultCheckModel,
				ContextChars: defaultCheckContextChars,
				Timeout:      defaultCheckTimeout,
				Cooldown:     defaultCheckCooldown,
			},
			AIPlanCheck: AICheck{
				Model:        defaultCheckModel,
				ContextChars: defaultCheckContextChars,
				Timeout:      defaultCheckTimeout,
				Cooldown:     defaultCheckCooldown,
			},
			AdaptiveTiming:          false,
			AdaptiveMinConfirm:      defaultAdaptiveMinConfirm,
			AdaptiveMaxConfirm:      defaultAdaptiveMaxConfirm,
			SkipClearWhenLowContext: false,
			ContextThresholdPercent: defaultContextThresholdPc,
			RecordMetrics:           true,
			StuckThreshold:          defaultStuckThreshold,
			ClearCommand:            defaultClearCommand,
			InitCommand:             defaultInitCommand,
			UpdatePrompt:            defaultUpdatePrompt,
			CompletionPatterns:      nil,
			PlanPatterns:            nil,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyEngineOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if decoded.Respawn != nil {
		if err := applyRespawnOverrides(&cfg.Respawn, *decoded.Respawn, path); err != nil {
			return err
		}
	}
	return nil
}

func applyEngineOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.AgentBinary != nil {
		cfg.AgentBinary = strings.TrimSpace(*decoded.AgentBinary)
	}
	if decoded.AgentArgs != nil {
		cfg.AgentArgs = append([]string(nil), *decoded.AgentArgs...)
	}
	if decoded.MaxSessions != nil {
		if *decoded.MaxSessions <= 0 {
			return fmt.Errorf("parse max_sessions in %q: must be > 0", path)
		}
		cfg.MaxSessions = *decoded.MaxSessions
	}
	if decoded.StorePath != nil {
		cfg.StorePath = strings.TrimSpace(*decoded.StorePath)
	}
	if decoded.LoopInterval != nil {
		value, err := parseDuration(*decoded.LoopInterval, "loop_interval", path)
		if err != nil {
			return err
		}
		cfg.LoopInterval = value
	}
	if decoded.MinDuration != nil {
		value, err := parseDuration(*decoded.MinDuration, "min_duration", path)
		if err != nil {
			return err
		}
		cfg.MinDuration = value
	}
	return nil
}

func applyRespawnOverrides(cfg *Respawn, decoded respawnFileConfig, path string) error {
	durations := []struct {
		raw    *string
		key    string
		target *time.Duration
	}{
		{decoded.IdleTimeout, "respawn.idle_timeout", &cfg.IdleTimeout},
		{decoded.CompletionConfirm, "respawn.completion_confirm", &cfg.CompletionConfirm},
		{decoded.NoOutputTimeout, "respawn.no_output_timeout", &cfg.NoOutputTimeout},
		{decoded.AutoAcceptDelay, "respawn.auto_accept_delay", &cfg.AutoAcceptDelay},
		{decoded.AdaptiveMinConfirm, "respawn.adaptive_min_confirm", &cfg.AdaptiveMinConfirm},
		{decoded.AdaptiveMaxConfirm, "respawn.adaptive_max_confirm", &cfg.AdaptiveMaxConfirm},
	}
	for _, entry := range durations {
		if entry.raw == nil {
			continue
		}
		value, err := parseDuration(*entry.raw, entry.key, path)
		if err != nil {
			return err
		}
		*entry.target = value
	}

	if decoded.AutoAcceptPlans != nil {
		cfg.AutoAcceptPlans = *decoded.AutoAcceptPlans
	}
	if decoded.AdaptiveTiming != nil {
		cfg.AdaptiveTiming = *decoded.AdaptiveTiming
	}
	if decoded.SkipClearWhenLowContext != nil {
		cfg.SkipClearWhenLowContext = *decoded.SkipClearWhenLowContext
	}
	if decoded.ContextThresholdPercent != nil {
		if *decoded.ContextThresholdPercent < 0 || *decoded.ContextThresholdPercent > 100 {
			return fmt.Errorf("parse respawn.context_threshold_percent in %q: must be 0-100", path)
		}
		cfg.ContextThresholdPercent = *decoded.ContextThresholdPercent
	}
	if decoded.RecordMetrics != nil {
		cfg.RecordMetrics = *decoded.RecordMetrics
	}
	if decoded.StuckThreshold != nil {
		if *decoded.StuckThreshold <= 0 {
			return fmt.Errorf("parse respawn.stuck_threshold in %q: must be > 0", path)
		}
		cfg.StuckThreshold = *decoded.StuckThreshold
	}
	if decoded.ClearCommand != nil {
		cfg.ClearCommand = strings.TrimSpace(*decoded.ClearCommand)
	}
	if decoded.InitCommand != nil {
		cfg.InitCommand = strings.TrimSpace(*decoded.InitCommand)
	}
	if decoded.UpdatePrompt != nil {
		cfg.UpdatePrompt = strings.TrimSpace(*decoded.UpdatePrompt)
	}
	if decoded.KickstartPrompt != nil {
		cfg.KickstartPrompt = strings.TrimSpace(*decoded.KickstartPrompt)
	}
	if decoded.CompletionPatterns != nil {
		cfg.CompletionPatterns = append([]string(nil), *decoded.CompletionPatterns...)
	}
	if decoded.PlanPatterns != nil {
		cfg.PlanPatterns = append([]string(nil), *decoded.PlanPatterns...)
	}

	if decoded.AIIdleCheck != nil {
		if err := applyAICheckOverrides(&cfg.AIIdleCheck, *decoded.AIIdleCheck, "respawn.ai_idle_check", path); err != nil {
			return err
		}
	}
	if decoded.AIPlanCheck != nil {
		if err := applyAICheckOverrides(&cfg.AIPlanCheck, *decoded.AIPlanCheck, "respawn.ai_plan_check", path); err != nil {
			return err
		}
	}
	return nil
}

func applyAICheckOverrides(cfg *AICheck, decoded aiCheckFileConfig, prefix, path string) error {
	if decoded.Enabled != nil {
		cfg.Enabled = *decoded.Enabled
	}
	if decoded.Model != nil {
		cfg.Model = strings.ToLower(strings.TrimSpace(*decoded.Model))
	}
	if decoded.ContextChars != nil {
		if *decoded.ContextChars <= 0 {
			return fmt.Errorf("parse %s.context_chars in %q: must be > 0", prefix, path)
		}
		cfg.ContextChars = *decoded.ContextChars
	}
	if decoded.Timeout != nil {
		value, err := parseDuration(*decoded.Timeout, prefix+".timeout", path)
		if err != nil {
			return err
		}
		cfg.Timeout = value
	}
	if decoded.Cooldown != nil {
		value, err := parseDuration(*decoded.Cooldown, prefix+".cooldown", path)
		if err != nil {
			return err
		}
		cfg.Cooldown = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}
