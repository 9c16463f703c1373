package strategy

func init() {
	Register(Droid, droidStrategy)
}

// droidStrategy matches Factory's droid CLI "Approve?" prompt.
func droidStrategy(rows []string) Candidate {
	last := lastNonEmpty(rows)
	if last == "" {
		return Idle
	}
	if containsAny(last, "Approve?", "Proceed?") || isYesNoPrompt(last) {
		return WaitingInput
	}
	if hasSpinner(rows) || containsAny(last, "Working", "esc to interrupt") {
		return Busy
	}
	return Idle
}
