package autoapprove

import "testing"

func TestParseJudgeResponseAllow(t *testing.T) {
	r, err := parseJudgeResponse("ALLOW\nSafe read-only command")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.NeedsPermission {
		t.Error("expected NeedsPermission = false for ALLOW")
	}
	if r.Reason != "Safe read-only command" {
		t.Errorf("reason = %q", r.Reason)
	}
}

func TestParseJudgeResponseDeny(t *testing.T) {
	r, err := parseJudgeResponse("DENY\nDestroys data")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.NeedsPermission {
		t.Error("expected NeedsPermission = true for DENY")
	}
}

func TestParseJudgeResponseUnparseableIsConservative(t *testing.T) {
	r, err := parseJudgeResponse("maybe?\nunsure")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.NeedsPermission {
		t.Error("expected conservative NeedsPermission = true for unparseable response")
	}
}

func TestParseJudgeResponseEmptyIsError(t *testing.T) {
	if _, err := parseJudgeResponse(""); err == nil {
		t.Error("expected error for empty response")
	}
}

func TestStubVerifierAlwaysSafe(t *testing.T) {
	r, err := StubVerifier{}.Verify(nil, "anything")
	if err != nil || r.NeedsPermission {
		t.Errorf("StubVerifier should always report safe, got %+v, %v", r, err)
	}
}
