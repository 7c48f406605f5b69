package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesWrappedCategory(t *testing.T) {
	base := New(Timeout, "tunnel.alive", nil)
	wrapped := fmt.Errorf("accept: %w", base)

	if !Is(wrapped, Timeout) {
		t.Fatal("expected Is(wrapped, Timeout) to be true")
	}
	if Is(wrapped, Protocol) {
		t.Fatal("expected Is(wrapped, Protocol) to be false")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(FatalIO, "netio.Recv", cause)

	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}
