package strategy

func init() {
	Register(Pi, piStrategy)
}

// piStrategy is conservative: Pi's prompt chrome is sparse, so it only
// recognizes an explicit yes/no affordance, a spinner, or idle.
func piStrategy(rows []string) Candidate {
	last := lastNonEmpty(rows)
	if last == "" {
		return Idle
	}
	if isYesNoPrompt(last) || isEnterPrompt(last) {
		return WaitingInput
	}
	if hasSpinner(rows) {
		return Busy
	}
	return Idle
}
