package strategy

import "strings"

func init() {
	Register(Codex, codexStrategy)
}

// codexStrategy matches Codex CLI's "Allow command?" approval prompt and
// its "Working" busy banner.
func codexStrategy(rows []string) Candidate {
	last := lastNonEmpty(rows)
	if last == "" {
		return Idle
	}
	if containsAny(last, "Allow command", "Allow this") || isYesNoPrompt(last) {
		return WaitingInput
	}
	for i := len(rows) - 1; i >= 0 && i >= len(rows)-5; i-- {
		if strings.Contains(rows[i], "▌") {
			return WaitingInput
		}
	}
	if hasSpinner(rows) || containsAny(last, "Working", "esc to interrupt") {
		return Busy
	}
	return Idle
}
