// Package hostdl wraps the host operating system's dynamic loader: loading a
// shared library by path, resolving an exported symbol to its address, and
// invoking a resolved function from the current thread.
//
// The package also exposes raw views of host memory. Because the emulator
// identity-maps guest memory onto host buffers, a symbol address obtained
// here is directly usable as a guest address and vice versa.
package hostdl

import "unsafe"

// Bytes returns a slice aliasing n bytes of host memory at addr. The caller
// is responsible for the address being mapped and outliving the slice.
func Bytes(addr uintptr, n uint64) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
