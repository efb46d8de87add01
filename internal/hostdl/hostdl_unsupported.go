//go:build !linux

package hostdl

import "errors"

var errUnsupported = errors.New("hostdl: unsupported platform")

// Module is a shared library loaded by the host loader.
type Module struct{}

// Open loads a shared library through the host loader.
func Open(path string) (*Module, error) {
	return nil, errUnsupported
}

// Lookup resolves an exported symbol to its host address.
func (m *Module) Lookup(name string) uintptr { return 0 }

// Range reports the module's load address and mapped size.
func (m *Module) Range() (uint64, uint64, error) {
	return 0, 0, errUnsupported
}

// Close drops the loader's reference to the module.
func (m *Module) Close() error { return nil }

// Call invokes a resolved host function on the current thread.
func Call(fn uintptr, args ...uint32) {
	panic(errUnsupported)
}
