// Package mmio maps physical peripheral registers into the process so the
// CAN core can run against real silicon from user space.
package mmio

import (
	"errors"
	"fmt"
)

// PageSize is the mapping granularity used for register windows.
const PageSize = 0x1000

var ErrOutOfRange = errors.New("mmio: register offset outside mapping")

// Region is a mapped register window. Read32 and Write32 take offsets
// relative to the physical base passed to Open and panic on offsets
// outside the window, as a bus fault would.
type Region struct {
	base uint32
	mem  []byte
}

// Base returns the physical address the region starts at.
func (r *Region) Base() uint32 { return r.base }

// Len returns the mapped size in bytes.
func (r *Region) Len() int { return len(r.mem) }

func (r *Region) check(off uint32) {
	if off%4 != 0 || int(off)+4 > len(r.mem) {
		panic(fmt.Errorf("%w: 0x%X+0x%X", ErrOutOfRange, r.base, off))
	}
}
