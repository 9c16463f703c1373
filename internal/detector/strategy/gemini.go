package strategy

func init() {
	Register(Gemini, geminiStrategy)
}

// geminiStrategy matches the Gemini CLI's "Waiting for user confirmation"
// prompt and its own busy/cancel affordance.
func geminiStrategy(rows []string) Candidate {
	last := lastNonEmpty(rows)
	if last == "" {
		return Idle
	}
	if containsAny(last, "Waiting for user confirmation", "Apply this change") || isYesNoPrompt(last) {
		return WaitingInput
	}
	if hasSpinner(rows) || containsAny(last, "esc to cancel", "Generating") {
		return Busy
	}
	return Idle
}
