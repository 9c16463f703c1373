package cmd

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// colorProfile is cached per-process: computed once on a TTY, reused for
// every line printed afterward rather than re-probed per command.
var colorProfile termenv.Profile

// refreshTerminalColorHintsCache probes the output stream once per
// invocation; non-TTY runs (piped into another program, or run under a
// job scheduler) fall back to termenv.Ascii so status symbols degrade to
// plain text instead of raw escape codes.
func refreshTerminalColorHintsCache() {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		colorProfile = termenv.NewOutput(os.Stdout).Profile
	} else {
		colorProfile = termenv.Ascii
	}
}

func colorize(s string, fg termenv.Color) string {
	return termenv.String(s).Foreground(fg).String()
}

func stateColor(state string) termenv.Color {
	switch state {
	case "idle":
		return colorProfile.Color("3")
	case "busy":
		return colorProfile.Color("2")
	case "waiting_input":
		return colorProfile.Color("6")
	case "pending_auto_approval":
		return colorProfile.Color("5")
	default:
		return colorProfile.Color("1")
	}
}
