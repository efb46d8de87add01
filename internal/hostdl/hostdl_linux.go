//go:build linux

package hostdl

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef void (*marzipan_fn0)(void);
typedef void (*marzipan_fn1)(uint32_t);

static void marzipan_call0(uintptr_t fn) { ((marzipan_fn0)fn)(); }
static void marzipan_call1(uintptr_t fn, uint32_t a0) { ((marzipan_fn1)fn)(a0); }
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

// Module is a shared library loaded by the host loader. The host loader owns
// the module's memory; Module only holds the handle.
type Module struct {
	handle unsafe.Pointer
	path   string
}

// Open loads a shared library through the host loader.
func Open(path string) (*Module, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	// clear stale dlerror
	C.dlerror()
	handle := C.dlopen(cPath, C.RTLD_NOW|C.RTLD_LOCAL)
	if handle == nil {
		return nil, fmt.Errorf("dlopen(%s): %w", path, lastError("unknown dlopen error"))
	}
	return &Module{handle: handle, path: path}, nil
}

// Lookup resolves an exported symbol to its host address. Zero means the
// symbol is not exported by this module.
func (m *Module) Lookup(name string) uintptr {
	if m.handle == nil {
		return 0
	}
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	C.dlerror()
	sym := C.dlsym(m.handle, cName)
	if err := lastError(""); err != nil {
		return 0
	}
	return uintptr(sym)
}

// Range reports the module's load address and mapped size, read from the
// process memory map.
func (m *Module) Range() (uint64, uint64, error) {
	return moduleRange(m.path)
}

// Close drops the loader's reference to the module.
func (m *Module) Close() error {
	if m.handle == nil {
		return nil
	}
	if C.dlclose(m.handle) != 0 {
		return fmt.Errorf("dlclose(%s): %w", m.path, lastError("unknown dlclose error"))
	}
	m.handle = nil
	return nil
}

// Call invokes a resolved host function on the current thread. At most one
// machine-word argument is supported; that is all the wrapper trampoline
// contract requires (the argument block travels behind a single pointer).
func Call(fn uintptr, args ...uint32) {
	switch len(args) {
	case 0:
		C.marzipan_call0(C.uintptr_t(fn))
	case 1:
		C.marzipan_call1(C.uintptr_t(fn), C.uint32_t(args[0]))
	default:
		panic(fmt.Sprintf("hostdl: unsupported native call arity %d", len(args)))
	}
}

func lastError(fallback string) error {
	msg := C.dlerror()
	if msg == nil {
		if fallback == "" {
			return nil
		}
		return errors.New(fallback)
	}
	return errors.New(C.GoString(msg))
}
