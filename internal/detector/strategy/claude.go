package strategy

import "strings"

func init() {
	Register(Claude, claudeStrategy)
}

// claudeStrategy matches Claude Code's permission-request box (a numbered
// "❯ 1. Yes" menu) and its "esc to interrupt" busy affordance.
func claudeStrategy(rows []string) Candidate {
	for i := len(rows) - 1; i >= 0 && i >= len(rows)-8; i-- {
		line := strings.TrimSpace(rows[i])
		if strings.HasPrefix(line, "❯") || containsAny(line, "Do you want to proceed", "Do you want to make this edit") {
			return WaitingInput
		}
	}
	last := lastNonEmpty(rows)
	if last == "" {
		return Idle
	}
	if isYesNoPrompt(last) || isEnterPrompt(last) {
		return WaitingInput
	}
	if hasSpinner(rows) || containsAny(last, "esc to interrupt", "Thinking", "tokens") {
		return Busy
	}
	return Idle
}
