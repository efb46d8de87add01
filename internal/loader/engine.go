// Package loader implements the dynamic loader and cross-ABI bridge: it maps
// guest Mach-O images and host-native libraries into one identity-mapped
// address space, binds symbols across both worlds, and redirects execution
// through generated wrapper libraries whenever the guest calls native code.
package loader

import "fmt"

// ARM core register numbers: r0-r12, SP (r13), LR (r14), PC (r15). The
// numbering matches internal/emulator's.
const (
	RegR0 = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegSP
	RegLR
	RegPC
)

// Memory protection bits.
const (
	ProtNone  = 0
	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
)

// Engine is the CPU emulator as the loader sees it. internal/emulator
// implements it over Unicorn; tests substitute a scripted fake.
type Engine interface {
	// PageSize returns the engine page granularity.
	PageSize() uint64
	// Alloc returns a page-aligned, zero-filled, guest-addressable host
	// buffer of at least size bytes and its address. The buffer must stay
	// valid for the engine's lifetime.
	Alloc(size uint64) ([]byte, uint64, error)
	// MapPtr maps mem into the guest at addr; the mapping aliases the host
	// buffer (guest address == host pointer).
	MapPtr(addr, size uint64, prot int, mem []byte) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
	RegRead(reg int) (uint64, error)
	RegWrite(reg int, value uint64) error
	OnCode(fn func(addr uint64, size uint32)) error
	OnMemWrite(fn func(addr uint64, size int, value int64)) error
	OnFetchProt(fn func(addr uint64, size int, value int64) bool) error
	Start(begin uint64) error
	Stop()
}

// HostModule is a library loaded by the host OS loader.
type HostModule interface {
	// Lookup resolves an exported symbol; zero means not exported.
	Lookup(name string) uintptr
	// Range reports the module's load address and mapped size.
	Range() (uint64, uint64, error)
	// Close drops the loader's reference.
	Close() error
}

// HostOpenFunc loads a shared library through the host OS loader.
type HostOpenFunc func(path string) (HostModule, error)

// NativeCallFunc invokes a resolved host function on the current thread.
type NativeCallFunc func(fn uintptr, args ...uint32)

// Package is the application package the loader resolves relative paths
// against.
type Package interface {
	// Exists reports whether a package-relative file is present.
	Exists(rel string) bool
	// Abs returns the host path of a package-relative file.
	Abs(rel string) string
}

// callEngine aborts on engine API failure. Any non-nil engine status on
// map/read/write/hook/start is unrecoverable: guest state is already
// inconsistent with the loader's book-keeping.
func callEngine(err error) {
	if err != nil {
		panic(fmt.Sprintf("engine error: %v", err))
	}
}
