package mmio

import (
	"errors"
	"testing"
)

func TestCheckRejectsOutOfRange(t *testing.T) {
	r := &Region{base: 0x40180000, mem: make([]byte, 8)}
	defer func() {
		rec := recover()
		err, ok := rec.(error)
		if !ok || !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("expected ErrOutOfRange panic, got %v", rec)
		}
	}()
	r.check(8)
}

func TestCheckAcceptsAligned(t *testing.T) {
	r := &Region{mem: make([]byte, PageSize)}
	r.check(0)
	r.check(PageSize - 4)
	if r.Len() != PageSize {
		t.Fatalf("len %d", r.Len())
	}
}
