package autoapprove

import (
	"context"
	"sync"
	"testing"
	"time"

	"ctrlplane/internal/sessionstate"
)

type blockingVerifier struct{}

func (blockingVerifier) Verify(ctx context.Context, text string) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

func newTestController(t *testing.T, v Verifier, timeout time.Duration) (*Controller, *sessionstate.Record, *[]string) {
	t.Helper()
	var sent []string
	var mu sync.Mutex
	var decisions []string

	rec := sessionstate.New(sessionstate.WaitingInput, nil)
	rows := func(max int) []string { return []string{"Do you want to proceed? ❯ 1. Yes"} }
	send := func(data []byte) error {
		mu.Lock()
		sent = append(sent, string(data))
		mu.Unlock()
		return nil
	}
	onDecide := func(decision, reason string) {
		mu.Lock()
		decisions = append(decisions, decision)
		mu.Unlock()
	}
	c := New(rec, rows, send, v, NewGuard(), timeout, nil, onDecide)
	return c, rec, &sent
}

func runCtrl(t *testing.T, c *Controller) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	return cancel
}

func TestControllerApprovesSafePrompt(t *testing.T) {
	c, rec, sent := newTestController(t, StubVerifier{}, time.Second)
	stop := runCtrl(t, c)
	defer stop()

	c.Notify()
	waitForState(t, rec, sessionstate.Busy)

	if len(*sent) != 1 || (*sent)[0] != "\r" {
		t.Fatalf("sent = %v, want one carriage return", *sent)
	}
}

func TestControllerNeedsHuman(t *testing.T) {
	c, rec, sent := newTestController(t, AlwaysNeedsHumanVerifier{}, time.Second)
	stop := runCtrl(t, c)
	defer stop()

	c.Notify()
	waitForState(t, rec, sessionstate.WaitingInput)
	time.Sleep(20 * time.Millisecond) // let the resolve settle

	if !rec.AutoApprovalFailed() {
		t.Fatal("expected autoApprovalFailed = true")
	}
	if len(*sent) != 0 {
		t.Fatalf("sent = %v, want no approval keystroke", *sent)
	}
}

func TestControllerTimeoutTreatedAsNeedsHuman(t *testing.T) {
	c, rec, _ := newTestController(t, blockingVerifier{}, 20*time.Millisecond)
	stop := runCtrl(t, c)
	defer stop()

	c.Notify()
	waitForState(t, rec, sessionstate.WaitingInput)
	time.Sleep(100 * time.Millisecond) // the record starts in waiting_input: let the 20ms timeout fire and resolve

	if !rec.AutoApprovalFailed() {
		t.Fatal("expected autoApprovalFailed = true after timeout")
	}
}

func TestControllerCancelForInput(t *testing.T) {
	c, rec, sent := newTestController(t, blockingVerifier{}, time.Second)
	stop := runCtrl(t, c)
	defer stop()

	c.Notify()
	waitForState(t, rec, sessionstate.PendingAutoApproval)

	wasPending := c.CancelForInput()
	if !wasPending {
		t.Fatal("expected CancelForInput to report a verifier was in flight")
	}
	if rec.State() != sessionstate.WaitingInput {
		t.Fatalf("state = %v, want waiting_input", rec.State())
	}
	if !rec.AutoApprovalFailed() {
		t.Fatal("expected autoApprovalFailed = true after cancellation")
	}
	if len(*sent) != 0 {
		t.Fatalf("sent = %v, want no approval keystroke", *sent)
	}
}

func TestControllerGuardShortCircuitsDestructiveCommand(t *testing.T) {
	c, rec, sent := newTestController(t, StubVerifier{}, time.Second)
	// Override rows to contain a destructive command so the guard fires
	// before the (would-be-safe) stub verifier is even consulted.
	c.rows = func(max int) []string { return []string{"Bash(rm -rf /tmp/data)"} }

	stop := runCtrl(t, c)
	defer stop()

	c.Notify()
	waitForState(t, rec, sessionstate.WaitingInput)
	time.Sleep(20 * time.Millisecond) // the record starts in waiting_input: let the guard's resolve settle

	if !rec.AutoApprovalFailed() {
		t.Fatal("expected autoApprovalFailed = true after guard short-circuit")
	}
	if len(*sent) != 0 {
		t.Fatalf("sent = %v, want no approval keystroke", *sent)
	}
}

func TestControllerSkipsWhenAlreadyFailed(t *testing.T) {
	c, rec, sent := newTestController(t, StubVerifier{}, time.Second)
	rec.EnterPendingApproval(nil)
	rec.ResolveNeedsHuman() // sets autoApprovalFailed = true, back to waiting_input

	stop := runCtrl(t, c)
	defer stop()

	c.Notify()
	time.Sleep(30 * time.Millisecond)

	if rec.State() != sessionstate.WaitingInput {
		t.Fatalf("state = %v, want waiting_input (no new attempt should start)", rec.State())
	}
	if len(*sent) != 0 {
		t.Fatalf("sent = %v, want none", *sent)
	}
}

func waitForState(t *testing.T, rec *sessionstate.Record, want sessionstate.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, last was %v", want, rec.State())
}
