//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMem is the physical memory device.
const DevMem = "/dev/mem"

// Open maps size bytes of physical memory at base. base must be page
// aligned.
func Open(base uint32, size int) (*Region, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("mmio: base 0x%X not page aligned", base)
	}
	f, err := os.OpenFile(DevMem, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", DevMem, err)
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), int64(base), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap 0x%X: %w", base, err)
	}
	return &Region{base: base, mem: mem}, nil
}

func (r *Region) word(off uint32) *uint32 {
	r.check(off)
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Read32 performs a single 32-bit load.
func (r *Region) Read32(off uint32) uint32 { return atomic.LoadUint32(r.word(off)) }

// Write32 performs a single 32-bit store.
func (r *Region) Write32(off uint32, v uint32) { atomic.StoreUint32(r.word(off), v) }

// Close unmaps the region.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
