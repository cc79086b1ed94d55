package proberr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindCategories(t *testing.T) {
	cases := []struct {
		kind Kind
		want Category
	}{
		{DriverMissing, CategoryTransport},
		{Timeout, CategoryTransport},
		{AlreadyOpen, CategorySession},
		{SessionBusy, CategorySession},
		{InvalidStateTransition, CategoryState},
		{VerifyMismatch, CategoryProgramming},
		{Aborted, CategoryProgramming},
		{DriverIncompatible, CategoryDiagnostics},
		{Kind("Bogus"), CategoryUnknown},
	}
	for _, tc := range cases {
		if got := tc.kind.Category(); got != tc.want {
			t.Errorf("%s.Category() = %s, want %s", tc.kind, got, tc.want)
		}
	}
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("flashing: %w", New(Timeout, "receive", "no response within 2s"))

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("errors.Is(err, ErrTimeout) = false")
	}
	if errors.Is(err, ErrLinkError) {
		t.Fatalf("errors.Is(err, ErrLinkError) = true, want false")
	}
	if KindOf(err) != Timeout {
		t.Fatalf("KindOf = %q, want Timeout", KindOf(err))
	}
	if !Is(err, Timeout) {
		t.Fatalf("Is(err, Timeout) = false")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("libusb: busy")
	err := Wrap(Busy, "open", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause not reachable")
	}
	if Wrap(Busy, "open", nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := New(VerifyMismatch, "program", "readback differs").AtAddress(0x2000).AtOffset(2048)
	msg := err.Error()

	for _, want := range []string{"program", "VerifyMismatch", "0x00002000", "offset 2048"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}

	aborted := New(Aborted, "program", "abort requested").WithSectors(3)
	if !strings.Contains(aborted.Error(), "3 sectors committed") {
		t.Errorf("aborted message %q missing sector count", aborted.Error())
	}
}

func TestAsReturnsOutermost(t *testing.T) {
	inner := New(LinkError, "receive", "pipe closed")
	outer := Wrap(WriteFailed, "program", inner)

	pe, ok := As(outer)
	if !ok || pe.Kind != WriteFailed {
		t.Fatalf("As = %v, %v; want WriteFailed", pe, ok)
	}
	if !errors.Is(outer, ErrLinkError) {
		t.Fatalf("inner LinkError should still match via errors.Is")
	}
}
