// Package strategy holds the State Detector's classifiers: one pure
// function per agent kind, each mapping the tail of the virtual screen to
// a candidate session state. Strategies are discovered by name through a
// small registry (the same Register/Resolve dispatch shape used elsewhere
// in this codebase for pluggable per-agent behavior), so adding a new
// agent kind never requires touching an existing strategy.
package strategy

import "strings"

// Name identifies a detection strategy, tagged onto a session.
type Name string

const (
	Claude  Name = "claude"
	Codex   Name = "codex"
	Gemini  Name = "gemini"
	Pi      Name = "pi"
	Cursor  Name = "cursor"
	Droid   Name = "droid"
	Generic Name = "generic"
)

// Candidate is a strategy's classification of the current screen. It
// never includes pending_auto_approval — that state is owned exclusively
// by the AutoApprover.
type Candidate string

const (
	Idle         Candidate = "idle"
	Busy         Candidate = "busy"
	WaitingInput Candidate = "waiting_input"
)

// Func classifies the last rows of a session's headless screen, oldest
// first, into a Candidate. Implementations must be deterministic for a
// given input and must not block.
type Func func(rows []string) Candidate

var registry = map[Name]Func{
	Generic: genericStrategy,
}

// Register adds or replaces the strategy for name.
func Register(name Name, fn Func) {
	registry[name] = fn
}

// Resolve returns the strategy registered for name, falling back to the
// generic strategy for an unrecognized name.
func Resolve(name Name) Func {
	if fn, ok := registry[name]; ok {
		return fn
	}
	return registry[Generic]
}

// lastNonEmpty returns the last row with non-whitespace content, trimmed
// of trailing whitespace, or "" if every row is blank.
func lastNonEmpty(rows []string) string {
	for i := len(rows) - 1; i >= 0; i-- {
		trimmed := strings.TrimRight(rows[i], " \t")
		if strings.TrimSpace(trimmed) != "" {
			return trimmed
		}
	}
	return ""
}

// containsAny reports whether s contains any of substrs.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// spinnerGlyphs are the Unicode braille/block characters agent CLIs
// commonly cycle through to indicate in-progress work.
var spinnerGlyphs = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏", "✢", "✳", "∗", "·", "●"}

func hasSpinner(rows []string) bool {
	tail := lastNonEmpty(rows)
	return containsAny(tail, spinnerGlyphs...)
}

// genericStrategy is the fallback for unknown agents: it knows nothing
// about any particular CLI's affordances, so it only reports
// waiting_input when the last non-empty row clearly ends in an input
// prompt, and idle otherwise.
func genericStrategy(rows []string) Candidate {
	last := lastNonEmpty(rows)
	if last == "" {
		return Idle
	}
	if isYesNoPrompt(last) || isEnterPrompt(last) {
		return WaitingInput
	}
	return Idle
}

func isYesNoPrompt(line string) bool {
	return containsAny(line, "(y/n)", "[y/N]", "[Y/n]", "y/n)", "Yes/No")
}

func isEnterPrompt(line string) bool {
	return containsAny(line, "Press Enter", "press enter", "to continue")
}
