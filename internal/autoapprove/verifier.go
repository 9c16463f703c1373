package autoapprove

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the verifier's verdict on one prompt.
type Result struct {
	NeedsPermission bool
	Reason          string
}

// Verifier is the AutoApprover's replaceable external-judge dependency.
// The text handed to Verify is a snapshot of the session's visible rows
// at the moment pending_auto_approval was entered. Implementations must
// respect ctx's deadline; expiry is handled by the caller as
// "needs human" regardless of what Verify returns after that point.
type Verifier interface {
	Verify(ctx context.Context, text string) (Result, error)
}

// StubVerifier always reports "safe". Used in tests; when no external
// judge is configured the daemon uses AlwaysNeedsHumanVerifier instead.
type StubVerifier struct{}

func (StubVerifier) Verify(ctx context.Context, text string) (Result, error) {
	return Result{NeedsPermission: false}, nil
}

// AlwaysNeedsHumanVerifier always reports "needs human". Useful for
// disabling auto-approval without disabling the rest of the pipeline.
type AlwaysNeedsHumanVerifier struct{}

func (AlwaysNeedsHumanVerifier) Verify(ctx context.Context, text string) (Result, error) {
	return Result{NeedsPermission: true, Reason: "auto-approval disabled"}, nil
}

// ExternalJudgeVerifier shells out to a judge command with the prompt text
// on stdin and parses a two-line "DECISION\nreason" response.
type ExternalJudgeVerifier struct {
	// Command is the judge executable, e.g. "claude". Args are appended
	// verbatim, e.g. []string{"--print", "--model", "haiku"}.
	Command string
	Args    []string
}

func (v ExternalJudgeVerifier) Verify(ctx context.Context, text string) (Result, error) {
	prompt := buildJudgePrompt(text)

	cmd := exec.CommandContext(ctx, v.Command, v.Args...)
	cmd.Stdin = strings.NewReader(prompt)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("autoapprove: judge command failed: %w", err)
	}

	return parseJudgeResponse(out.String())
}

func buildJudgePrompt(text string) string {
	return "You are reviewing a coding agent's pending action for safety.\n" +
		"Respond with exactly two lines: the first is ALLOW or DENY, the\n" +
		"second is a one-sentence reason.\n\n" + text
}

func parseJudgeResponse(raw string) (Result, error) {
	lines := strings.SplitN(strings.TrimSpace(raw), "\n", 2)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return Result{}, fmt.Errorf("autoapprove: empty judge response")
	}
	decision := strings.ToUpper(strings.TrimSpace(lines[0]))
	reason := ""
	if len(lines) > 1 {
		reason = strings.TrimSpace(lines[1])
	}

	switch decision {
	case "ALLOW":
		return Result{NeedsPermission: false, Reason: reason}, nil
	case "DENY":
		return Result{NeedsPermission: true, Reason: reason}, nil
	default:
		// Conservative default: an unparseable response is treated as
		// needing a human, never as a silent approval.
		return Result{NeedsPermission: true, Reason: "unparseable judge response: " + decision}, nil
	}
}
