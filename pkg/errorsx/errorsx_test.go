package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonUpstreamSend)
	if Reason(err) != ReasonUpstreamSend {
		t.Fatalf("expected reason %s, got %s", ReasonUpstreamSend, Reason(err))
	}
	if !HasReason(err, ReasonUpstreamSend) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonToolTimeout)
	second := Wrap(first, ReasonToolExecute)
	if Reason(second) != ReasonToolTimeout {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("dial realtime: %w", Wrap(assertErr{}, ReasonUpstreamConnect))
	if Reason(err) != ReasonUpstreamConnect {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(err))
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected original error to stay reachable")
	}
}

func TestNilError(t *testing.T) {
	if Wrap(nil, ReasonToolArgs) != nil {
		t.Fatalf("expected nil wrap to stay nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestErrorf(t *testing.T) {
	err := Errorf(ReasonToolNotFound, "tool %q not registered", "lookup")
	if err.Error() != `tool "lookup" not registered` {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !HasReason(err, ReasonToolNotFound) {
		t.Fatalf("expected tool_not_found reason")
	}
}
