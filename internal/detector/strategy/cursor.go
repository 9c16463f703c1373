package strategy

func init() {
	Register(Cursor, cursorStrategy)
}

// cursorStrategy matches the Cursor agent CLI's "Run command?" prompt.
func cursorStrategy(rows []string) Candidate {
	last := lastNonEmpty(rows)
	if last == "" {
		return Idle
	}
	if containsAny(last, "Run command?", "Accept changes") || isYesNoPrompt(last) {
		return WaitingInput
	}
	if hasSpinner(rows) || containsAny(last, "Generating", "esc to stop") {
		return Busy
	}
	return Idle
}
