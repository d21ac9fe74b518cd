//go:build linux

package mmio

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestRegionReadWriteAnonymous(t *testing.T) {
	mem, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Skipf("anonymous mmap unavailable: %v", err)
	}
	r := &Region{base: 0x40180000, mem: mem}
	defer r.Close()
	r.Write32(0x0C, 0x2301)
	if got := r.Read32(0x0C); got != 0x2301 {
		t.Fatalf("read back 0x%X", got)
	}
	if mem[0x0C] != 0x01 || mem[0x0D] != 0x23 {
		t.Fatalf("unexpected byte layout % X", mem[0x0C:0x10])
	}
}
