// Package idle turns raw session output and elapsed silence into idle
// verdicts. The heuristic pattern set is configuration data, not
// hard-coded branches, so new agent CLIs can be supported without
// touching the respawn state machine.
package idle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Verdict is the evaluator output consumed by the respawn controller.
type Verdict string

const (
	// VerdictWorking indicates the agent is (or may still be) producing output.
	VerdictWorking Verdict = "WORKING"
	// VerdictLikelyIdle indicates a completion indicator matched and a
	// confirmation window should be armed.
	VerdictLikelyIdle Verdict = "LIKELY_IDLE"
	// VerdictConfirmedIdle indicates prolonged total silence (no-output fallback).
	VerdictConfirmedIdle Verdict = "CONFIRMED_IDLE"
	// VerdictPlanPrompt indicates the agent is waiting on a plan-mode prompt.
	VerdictPlanPrompt Verdict = "PLAN_PROMPT"
)

// Verifier verdicts for the optional AI idle check.
const (
	CheckVerdictWorking = "WORKING"
	CheckVerdictIdle    = "IDLE"
)

// Verifier verdicts for the optional AI plan-mode check.
const (
	CheckVerdictPlanMode    = "PLAN_MODE"
	CheckVerdictNotPlanMode = "NOT_PLAN_MODE"
)

// ErrVerifierUnavailable indicates the AI check timed out or failed in
// transport; the caller degrades to the heuristic decision. Never
// interpreted as IDLE.
var ErrVerifierUnavailable = errors.New("verifier unavailable")

// CheckResult is one AI verifier response.
type CheckResult struct {
	Verdict string
	Raw     string
}

// Verifier is the optional AI-assisted idle check.
type Verifier interface {
	Check(ctx context.Context, textWindow, model string, timeout time.Duration) (CheckResult, error)
}

// PlanVerifier is the optional AI-assisted plan-mode check.
type PlanVerifier interface {
	Check(ctx context.Context, textWindow, model string, timeout time.Duration) (CheckResult, error)
}

// TeamPresence reports whether a session's multi-agent team still has
// unfinished delegated work. It is a pure signal input, never owned here.
type TeamPresence interface {
	HasActiveTeammates(sessionID string) bool
}

// Matcher is one named heuristic pattern.
type Matcher struct {
	Name    string
	Pattern *regexp.Regexp
}

// CompileMatchers builds matchers from configured pattern strings.
// Patterns are matched case-insensitively against the output tail.
func CompileMatchers(patterns []string) ([]Matcher, error) {
	out := make([]Matcher, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		compiled, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("compile matcher %q: %w", raw, err)
		}
		out = append(out, Matcher{Name: raw, Pattern: compiled})
	}
	return out, nil
}

// DefaultCompletionMatchers covers the completion indicators of the
// supported agent CLIs.
func DefaultCompletionMatchers() []Matcher {
	return mustMatchers(map[string]string{
		"done_marker":     `(?i)\ball (?:tasks|tests|checks) (?:complete|completed|pass(?:ing|ed)?)\b`,
		"task_complete":   `(?i)\btask (?:is )?complete\b`,
		"finished":        `(?i)\b(?:i'?ve|i have) (?:finished|completed)\b`,
		"nothing_left":    `(?i)\bnothing (?:left|more|else) to do\b`,
		"awaiting_input":  `(?i)\b(?:let me know|awaiting|waiting for) (?:if you|your|further) (?:need|input|instructions)\b`,
		"summary_wrap_up": `(?i)^\s*##?\s*summary\b`,
	})
}

// DefaultPlanMatchers covers plan-mode prompts that expect a single
// confirmation keystroke.
func DefaultPlanMatchers() []Matcher {
	return mustMatchers(map[string]string{
		"plan_ready":     `(?i)\bwould you like to proceed\b`,
		"plan_mode":      `(?i)\bplan mode\b.*\b(?:accept|proceed|approve)\b`,
		"accept_edits":   `(?i)\baccept edits\b`,
		"yes_to_proceed": `(?i)\bpress (?:enter|y) to (?:proceed|continue|accept)\b`,
	})
}

// Input is one evaluation sample for a session.
type Input struct {
	SessionID string
	// OutputTail is the bounded recent output window.
	OutputTail string
	// SinceActivity is the silence duration since the last output.
	SinceActivity time.Duration
	// CompletionPhrase is an optional per-task custom completion phrase
	// checked before the heuristic matcher set.
	CompletionPhrase string
}

// Config configures the evaluator thresholds.
type Config struct {
	IdleTimeout     time.Duration
	NoOutputTimeout time.Duration
}

// Evaluator is a stateless idle-signal evaluator.
type Evaluator struct {
	cfg                Config
	completionMatchers []Matcher
	planMatchers       []Matcher
	team               TeamPresence
}

// Option configures Evaluator construction.
type Option func(*Evaluator)

// WithCompletionMatchers overrides the completion matcher set.
func WithCompletionMatchers(matchers []Matcher) Option {
	return func(e *Evaluator) {
		e.completionMatchers = matchers
	}
}

// WithPlanMatchers overrides the plan-prompt matcher set.
func WithPlanMatchers(matchers []Matcher) Option {
	return func(e *Evaluator) {
		e.planMatchers = matchers
	}
}

// WithTeamPresence enables teammate-based suppression of idle verdicts.
func WithTeamPresence(team TeamPresence) Option {
	return func(e *Evaluator) {
		e.team = team
	}
}

// NewEvaluator builds an evaluator with the default matcher sets.
func NewEvaluator(cfg Config, options ...Option) (*Evaluator, error) {
	if cfg.IdleTimeout <= 0 {
		return nil, errors.New("idle timeout must be positive")
	}
	if cfg.NoOutputTimeout <= 0 {
		return nil, errors.New("no-output timeout must be positive")
	}

	evaluator := &Evaluator{
		cfg:                cfg,
		completionMatchers: DefaultCompletionMatchers(),
		planMatchers:       DefaultPlanMatchers(),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(evaluator)
	}
	return evaluator, nil
}

// Evaluate maps one sample to a verdict. Precedence: teammate activity and
// recent output always win; then plan prompts, then completion indicators,
// then the total-silence fallback.
func (e *Evaluator) Evaluate(input Input) Verdict {
	if e.team != nil && e.team.HasActiveTeammates(input.SessionID) {
		return VerdictWorking
	}
	if input.SinceActivity < e.cfg.IdleTimeout {
		return VerdictWorking
	}

	if e.matchPlan(input.OutputTail) != "" {
		return VerdictPlanPrompt
	}
	if e.matchCompletion(input.OutputTail, input.CompletionPhrase) != "" {
		return VerdictLikelyIdle
	}
	if input.SinceActivity >= e.cfg.IdleTimeout+e.cfg.NoOutputTimeout {
		return VerdictConfirmedIdle
	}
	return VerdictWorking
}

// MatchCompletion reports the name of the first completion matcher that
// hits, or the custom phrase marker. Empty when nothing matches.
func (e *Evaluator) MatchCompletion(outputTail, completionPhrase string) string {
	return e.matchCompletion(outputTail, completionPhrase)
}

// MatchPlan reports the name of the first plan matcher that hits.
func (e *Evaluator) MatchPlan(outputTail string) string {
	return e.matchPlan(outputTail)
}

func (e *Evaluator) matchCompletion(outputTail, completionPhrase string) string {
	phrase := strings.TrimSpace(completionPhrase)
	if phrase != "" && strings.Contains(strings.ToLower(outputTail), strings.ToLower(phrase)) {
		return "custom_phrase"
	}
	for _, matcher := range e.completionMatchers {
		if matcher.Pattern.MatchString(outputTail) {
			return matcher.Name
		}
	}
	return ""
}

func (e *Evaluator) matchPlan(outputTail string) string {
	for _, matcher := range e.planMatchers {
		if matcher.Pattern.MatchString(outputTail) {
			return matcher.Name
		}
	}
	return ""
}

// Window returns at most the last max bytes of text, for bounded verifier
// context. The cut never splits a multi-byte rune: it advances to the next
// rune boundary so the verifier sees clean UTF-8.
func Window(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := len(text) - max
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	return text[cut:]
}

func mustMatchers(patterns map[string]string) []Matcher {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	// Deterministic order keeps match attribution stable across runs.
	sort.Strings(names)

	out := make([]Matcher, 0, len(patterns))
	for _, name := range names {
		out = append(out, Matcher{Name: name, Pattern: regexp.MustCompile(patterns[name])})
	}
	return out
}
