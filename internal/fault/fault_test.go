package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(Conflict, "slot taken by %s", "other")
	if err.Kind != Conflict {
		t.Errorf("expected conflict, got %s", err.Kind)
	}
	if !strings.Contains(err.Error(), "slot taken by other") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("pipe broke")
	err := Wrap(ProcessCrash, cause, "write failed")
	if !errors.Is(err, cause) {
		t.Error("wrapped cause must be reachable via errors.Is")
	}
}

func TestWithState_AppearsInMessage(t *testing.T) {
	err := New(Conflict, "occupied").WithState("running")
	if !strings.Contains(err.Error(), "state=running") {
		t.Errorf("prior state missing: %s", err.Error())
	}
}

func TestIsKind(t *testing.T) {
	err := New(Validation, "bad input")
	if !IsKind(err, Validation) {
		t.Error("expected validation kind")
	}
	if IsKind(err, Conflict) {
		t.Error("kinds must not cross-match")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !IsKind(wrapped, Validation) {
		t.Error("IsKind must see through wrapping")
	}

	if IsKind(errors.New("plain"), Validation) {
		t.Error("plain errors have no kind")
	}
}
