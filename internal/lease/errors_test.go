package lease

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestMessage(t *testing.T) {
	codes := []Code{
		CodeConflict, CodeNotFound, CodeTransientNetworkFailure, CodeFatalConfiguration,
		CodeNoCandidate, CodeAllLocked, CodeLeaseLost, CodeCancelled,
	}
	seen := map[string]Code{}
	for _, code := range codes {
		msg := Message(code)
		if !strings.HasPrefix(msg, "ER-") || strings.HasPrefix(msg, "ER-00") {
			t.Errorf("Message(%v) = %q, want a catalogued ER code", code, msg)
		}
		if other, dup := seen[code.ID()]; dup {
			t.Errorf("codes %v and %v share ID %s", code, other, code.ID())
		}
		seen[code.ID()] = code
	}
	if got := Message(Code(99)); !strings.HasPrefix(got, "ER-00") {
		t.Errorf("Message(99) = %q", got)
	}
}

func TestAllocationError_Is(t *testing.T) {
	err := fmt.Errorf("run 7: %w", newError(CodeAllLocked, "", "alice", io.EOF))

	if !errors.Is(err, ErrAllLocked) {
		t.Error("errors.Is(err, ErrAllLocked) = false")
	}
	if errors.Is(err, ErrNoCandidate) {
		t.Error("errors.Is(err, ErrNoCandidate) = true")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("AllocationError should unwrap to its cause")
	}
	if CodeOf(err) != CodeAllLocked {
		t.Errorf("CodeOf() = %v", CodeOf(err))
	}
	if CodeOf(io.EOF) != 0 {
		t.Error("CodeOf(non-allocation error) should be 0")
	}
}

func TestAllocationError_Error(t *testing.T) {
	err := newError(CodeLeaseLost, "AA:BB:CC:00:00:0A", "alice", errors.New("not locked"))
	msg := err.Error()
	for _, want := range []string{CodeLeaseLost.ID(), "AA:BB:CC:00:00:0A", "not locked"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
