package emulator

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Alloc returns a page-aligned, zero-filled host buffer of at least size
// bytes together with its host address. The buffer is placed in the low
// 4 GiB of the host address space so its address is representable in guest
// (32-bit) registers; guest addresses and host pointers coincide.
//
// The buffer stays valid until Close: identity mappings hand the raw memory
// to the engine, so the emulator owns the lifetime.
func (e *Emulator) Alloc(size uint64) ([]byte, uint64, error) {
	length := int(RoundUp(size))
	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|mapLowFlags)
	if err != nil {
		return nil, 0, fmt.Errorf("allocate %d pages: %w", length/PageSize, err)
	}
	addr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	if addr>>32 != 0 {
		_ = unix.Munmap(mem)
		return nil, 0, fmt.Errorf("allocation at %#x not addressable by guest", addr)
	}
	e.allocs = append(e.allocs, mem)
	return mem, addr, nil
}

// MapPtr maps mem into the guest at addr with the given protection. The
// mapping aliases host memory directly, so host code may dereference guest
// pointers without translation. addr must be page-aligned and size a
// multiple of the page size; mem must cover size bytes.
func (e *Emulator) MapPtr(addr, size uint64, prot int, mem []byte) error {
	if uint64(len(mem)) < size {
		return fmt.Errorf("map %#x+%#x: buffer too small", addr, size)
	}
	return e.mu.MemMapPtr(addr, size, prot, unsafe.Pointer(&mem[0]))
}

func freePages(mem []byte) {
	// Alloc hands out the whole page-rounded mapping; unmap all of it.
	full := mem[:cap(mem)]
	_ = unix.Munmap(full)
}
