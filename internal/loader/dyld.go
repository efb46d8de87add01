package loader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	machotypes "github.com/blacktop/go-macho/types"

	"github.com/zboralski/marzipan/internal/log"
	"github.com/zboralski/marzipan/internal/trace"
)

// Stats counts loader activity over one run.
type Stats struct {
	Instructions uint64
	Writes       uint64
	Crossings    uint64
	NativeCalls  uint64
}

// DynamicLoader owns the guest address space: it loads images exactly once
// per resolved path, answers reverse lookups, and drives execution across
// the emulated/native boundary. Single emulated thread; no internal locking.
type DynamicLoader struct {
	engine     Engine
	hostOpen   HostOpenFunc
	callNative NativeCallFunc
	pkg        Package
	rep        *log.Reporter

	images     map[string]LoadedLibrary
	kernelAddr uint64

	// OnInstruction, when set, receives every emulated instruction executed
	// inside a dylib image.
	OnInstruction func(addr uint64, size uint32)
	// OnEvent, when set, receives boundary-crossing trace events.
	OnEvent func(ev *trace.Event)

	Stats Stats
}

// NewDynamicLoader creates a loader over the given engine and host loader
// and maps the sentinel "kernel" page: a single no-permission page whose
// address serves as the top-level return address, so that returning from the
// entry call faults cleanly into the fetch-protection hook.
func NewDynamicLoader(engine Engine, hostOpen HostOpenFunc, callNative NativeCallFunc, pkg Package, rep *log.Reporter) *DynamicLoader {
	dl := &DynamicLoader{
		engine:     engine,
		hostOpen:   hostOpen,
		callNative: callNative,
		pkg:        pkg,
		rep:        rep,
		images:     make(map[string]LoadedLibrary),
	}

	// Map "kernel" page.
	pageSize := engine.PageSize()
	mem, addr, err := engine.Alloc(pageSize)
	callEngine(err)
	callEngine(engine.MapPtr(addr, pageSize, ProtNone, mem))
	dl.kernelAddr = addr

	return dl
}

// KernelAddress returns the sentinel return address.
func (dl *DynamicLoader) KernelAddress() uint64 { return dl.kernelAddr }

// Load resolves path and returns its image, loading it on first use. Nil
// means the load failed; the failure has already been reported.
func (dl *DynamicLoader) Load(path string) LoadedLibrary {
	bp := ResolvePath(path)

	if lib, ok := dl.images[bp.Path]; ok {
		return lib
	}

	// Check that file exists.
	if !dl.fileValid(bp) {
		dl.rep.Report("invalid file: " + bp.Path)
		return nil
	}

	// The loaders return typed pointers; check them before they become a
	// non-nil interface holding a nil pointer.
	var lib LoadedLibrary
	switch sniffFormat(dl.hostPath(bp)) {
	case formatMachO:
		img := dl.loadMachO(bp)
		if img == nil {
			return nil
		}
		lib = img
	case formatNative:
		img := dl.loadNative(bp)
		if img == nil {
			return nil
		}
		lib = img
	default:
		dl.rep.Report("invalid binary type: " + bp.Path)
		return nil
	}

	// Recognize wrapper DLLs.
	lib.markWrapper(bp.Relative &&
		strings.HasPrefix(bp.Path, "gen"+string(filepath.Separator)) &&
		strings.HasSuffix(bp.Path, ".wrapper.dll"))

	dl.emit(trace.NewEvent(0, trace.Load, bp.Path, ""))
	return lib
}

// Lookup scans the registry for the image containing addr. The number of
// loaded images is small, so a linear scan suffices.
func (dl *DynamicLoader) Lookup(addr uint64) AddrInfo {
	for path, lib := range dl.images {
		if lib.isInRange(addr) {
			return AddrInfo{Path: path, Lib: lib}
		}
	}
	return AddrInfo{}
}

// Inspect is Lookup plus symbolization: it names the symbol containing addr
// when the image's symbol table knows one.
func (dl *DynamicLoader) Inspect(addr uint64) AddrInfo {
	ai := dl.Lookup(addr)
	if ai.Lib != nil {
		ai.Symbol = ai.Lib.symbolAt(addr)
	}
	return ai
}

func (dl *DynamicLoader) fileValid(bp BinaryPath) bool {
	if bp.Relative {
		return dl.pkg.Exists(bp.Path)
	}
	st, err := os.Stat(bp.Path)
	return err == nil && !st.IsDir()
}

// hostPath returns the path the host filesystem knows the binary by.
func (dl *DynamicLoader) hostPath(bp BinaryPath) string {
	if bp.Relative {
		return dl.pkg.Abs(bp.Path)
	}
	return bp.Path
}

type binaryFormat int

const (
	formatInvalid binaryFormat = iota
	formatMachO
	formatNative
)

// sniffFormat classifies a binary by magic: Mach-O (thin or fat) first, then
// the host's native image formats.
func sniffFormat(path string) binaryFormat {
	f, err := os.Open(path)
	if err != nil {
		return formatInvalid
	}
	defer f.Close()

	var head [4]byte
	if _, err := f.Read(head[:]); err != nil {
		return formatInvalid
	}

	le := binary.LittleEndian.Uint32(head[:])
	be := binary.BigEndian.Uint32(head[:])
	switch {
	case le == uint32(machotypes.Magic32) || be == uint32(machotypes.Magic32):
		return formatMachO
	case le == uint32(machotypes.Magic64) || be == uint32(machotypes.Magic64):
		return formatMachO
	case be == uint32(machotypes.MagicFat):
		return formatMachO
	case head[0] == 'M' && head[1] == 'Z':
		return formatNative
	case head[0] == 0x7f && head[1] == 'E' && head[2] == 'L' && head[3] == 'F':
		return formatNative
	default:
		return formatInvalid
	}
}

func (dl *DynamicLoader) alignDown(addr uint64) uint64 {
	return addr &^ (dl.engine.PageSize() - 1)
}

func (dl *DynamicLoader) roundUp(size uint64) uint64 {
	pageSize := dl.engine.PageSize()
	return (size + pageSize - 1) &^ (pageSize - 1)
}

func (dl *DynamicLoader) emit(ev *trace.Event) {
	if dl.OnEvent != nil {
		trace.DefaultEnricher(ev)
		dl.OnEvent(ev)
	}
}
