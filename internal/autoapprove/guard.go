package autoapprove

import "regexp"

// Guard is a fast, local, pattern-based pre-check consulted before the
// (comparatively expensive) external verifier: it short-circuits prompts
// that visibly contain destructive commands straight to "needs human"
// without paying for a judge round trip.
type Guard struct {
	patterns []*regexp.Regexp
}

// NewGuard returns a Guard seeded with a conservative default pattern set.
// A hit is a strong signal, not a proof: Flags is meant to short-circuit
// obviously destructive prompts straight to "needs human" without paying
// for a verifier round trip, never to auto-approve anything.
func NewGuard() *Guard {
	raw := []string{
		`rm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s`,
		`rm\s+-rf\s+/(\s|$)`,
		`:\(\)\s*\{\s*:\|\s*:&\s*\}\s*;\s*:`,
		`mkfs\.\w+`,
		`dd\s+if=.*of=/dev/`,
		`>\s*/dev/sd[a-z]`,
		`chmod\s+-R\s+777\s+/`,
		`drop\s+(table|database)`,
		`delete\s+from\s+\w+(\s*;|\s*$)`,
		`git\s+push\s+.*--force`,
		`git\s+reset\s+--hard\s+`,
		`truncate\s+.*\.(log|db)`,
		`shutdown\s+(-h|now)`,
		`kill\s+-9\s+1(\s|$)`,
	}
	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		patterns = append(patterns, regexp.MustCompile(`(?i)`+p))
	}
	return &Guard{patterns: patterns}
}

// Flags reports whether text matches a known destructive-command pattern,
// and a short reason identifying which one.
func (g *Guard) Flags(text string) (bool, string) {
	for _, re := range g.patterns {
		if re.MatchString(text) {
			return true, "matched destructive-command pattern: " + re.String()
		}
	}
	return false, ""
}
