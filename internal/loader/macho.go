package loader

import (
	"encoding/binary"
	"math"

	"github.com/blacktop/go-macho"
	machotypes "github.com/blacktop/go-macho/types"
)

// canSegmentsSlide reports whether the image may load at an address other
// than its preferred base: dylibs, bundles, and position-independent
// executables.
func canSegmentsSlide(m *macho.File) bool {
	switch m.Type {
	case machotypes.MH_DYLIB, machotypes.MH_BUNDLE:
		return true
	case machotypes.MH_EXECUTE:
		return m.Flags.PIE()
	default:
		return false
	}
}

func protFor(p machotypes.VmProtection) int {
	perms := ProtNone
	if p.Read() {
		perms |= ProtRead
	}
	if p.Write() {
		perms |= ProtWrite
	}
	if p.Execute() {
		perms |= ProtExec
	}
	return perms
}

// loadMachO parses, places, and binds a Mach-O image. Preflight failures are
// reported but do not abort the load; behavior past a failed check is
// undefined.
func (dl *DynamicLoader) loadMachO(bp BinaryPath) *DylibImage {
	m, err := macho.Open(dl.hostPath(bp))
	if err != nil {
		dl.rep.ReportErr("cannot parse Mach-O: "+bp.Path, err)
		return nil
	}

	img := &DylibImage{path: bp.Path, file: m}
	dl.images[bp.Path] = img

	// Check header.
	if m.CPU != machotypes.CPUArm {
		dl.rep.Report("expected ARM binary")
	}
	// Segments must be continuous so they can slide as one block.
	if m.Flags.SplitSegs() {
		dl.rep.Report("MH_SPLIT_SEGS not supported")
	}
	if !canSegmentsSlide(m) {
		dl.rep.Report("the binary is not slideable")
	}

	// Compute total extent of all segments. Segments slide together, so one
	// allocation covers [lowAddr, highAddr).
	segs := m.Segments()
	lowAddr := uint64(math.MaxUint64)
	highAddr := uint64(0)
	for _, seg := range segs {
		segLow := seg.Addr
		// Round to page size, as the engine requires and dyld itself does.
		segHigh := dl.roundUp(seg.Addr + seg.Memsz)
		if (segLow < highAddr && segLow >= lowAddr) ||
			(segHigh > lowAddr && segHigh <= highAddr) {
			dl.rep.Report("overlapping segments (after rounding to pagesize)")
		}
		if segLow < lowAddr {
			lowAddr = segLow
		}
		if segHigh > highAddr {
			highAddr = segHigh
		}
	}
	if lowAddr == math.MaxUint64 {
		dl.rep.Report("no segments to map: " + bp.Path)
		return nil
	}

	size := highAddr - lowAddr
	mem, base, err := dl.engine.Alloc(size)
	if err != nil {
		dl.rep.ReportErr("couldn't allocate memory for segments", err)
		return nil
	}
	slide := base - lowAddr
	img.startAddress = slide
	img.size = size
	img.low = lowAddr
	img.mem = mem
	img.entry = entryVMAddr(m)

	rebases, bindings := dl.decodeDyldInfo(m)

	// Load segments.
	for i, seg := range segs {
		perms := protFor(seg.Prot)

		// Emulated virtual address equals the host address of the backing
		// memory; the engine maps the buffer in place.
		vaddr := seg.Addr + slide
		vsize := seg.Memsz
		segMem := mem[seg.Addr-lowAddr:]

		if perms == ProtNone {
			// Nothing to copy, just map it.
			callEngine(dl.engine.MapPtr(vaddr, dl.roundUp(vsize), perms, segMem))
		} else {
			if seg.Filesz > 0 {
				data, err := seg.Data()
				if err != nil {
					dl.rep.ReportErr("cannot read segment "+seg.Name, err)
				} else {
					copy(segMem, data)
				}
			}
			// The allocation is zero-filled, so the tail past Filesz is
			// already cleared up to Memsz.
			callEngine(dl.engine.MapPtr(vaddr, dl.roundUp(vsize), perms, segMem))
		}

		// Relocate addresses.
		if slide > 0 {
			for _, rel := range rebases {
				if rel.segIndex != i {
					continue
				}
				if rel.kind != machotypes.REBASE_TYPE_POINTER {
					dl.rep.Report("unsupported relocation")
				}

				relAddr := seg.Addr + rel.segOffset + slide
				if relAddr > vaddr+vsize || relAddr < vaddr {
					dl.rep.Report("relocation target out of range")
					continue
				}

				off := relAddr - base
				val := binary.LittleEndian.Uint32(mem[off:])
				// NULL pointers stay NULL. Technically they should slide
				// with the PAGEZERO segment, but programs expect their
				// NULLs to be zero.
				if val != 0 {
					binary.LittleEndian.PutUint32(mem[off:], val+uint32(slide))
				}
			}
		}
	}

	// Load referenced libraries. Re-exported ones stay lazy; findSymbol
	// walks them on demand.
	ordinals := dependentLibraries(m)
	for _, dep := range ordinals {
		if !dep.reexport {
			dl.Load(dep.name)
		}
	}

	// Bind external symbols.
	for _, b := range bindings {
		// Check binding's kind.
		if (b.class != bindStandard && b.class != bindLazy) ||
			b.kind != machotypes.BIND_TYPE_POINTER || b.addend != 0 {
			dl.rep.Report("unsupported binding info")
			continue
		}
		if b.libOrdinal <= 0 {
			dl.rep.Report("flat-namespace symbols are not supported yet")
			continue
		}

		// Find symbol's library.
		if b.libOrdinal > len(ordinals) {
			dl.rep.Report("binding library ordinal out of range")
			continue
		}
		lib := dl.Load(ordinals[b.libOrdinal-1].name)
		if lib == nil {
			dl.rep.Report("symbol's library couldn't be loaded")
			continue
		}

		// Find symbol's address.
		symAddr := lib.FindSymbol(dl, b.symbol)
		if symAddr == 0 {
			dl.rep.Report("external symbol couldn't be resolved")
			continue
		}

		// Bind it.
		if b.segIndex < 0 || b.segIndex >= len(segs) {
			dl.rep.Report("binding segment out of range")
			continue
		}
		target := segs[b.segIndex].Addr + b.segOffset + slide
		if !img.isInRange(target) {
			dl.rep.Report("address out of range")
			continue
		}
		binary.LittleEndian.PutUint32(mem[target-base:], uint32(symAddr))
	}

	return img
}

// decodeDyldInfo reads and decodes the image's rebase and bind streams.
// Stream-level decode failures are reported once; entries decoded before the
// failure still apply.
func (dl *DynamicLoader) decodeDyldInfo(m *macho.File) ([]rebaseEntry, []bindEntry) {
	streams, err := readDyldInfo(m)
	if err != nil {
		dl.rep.ReportErr("cannot read dyld info", err)
		return nil, nil
	}
	if streams == nil {
		return nil, nil
	}

	rebases, err := decodeRebase(streams.rebase)
	if err != nil {
		dl.rep.Report("unsupported relocation")
	}

	var bindings []bindEntry
	for _, s := range []struct {
		data  []byte
		class bindClass
	}{
		{streams.bind, bindStandard},
		{streams.weakBind, bindWeak},
		{streams.lazyBind, bindLazy},
	} {
		entries, err := decodeBind(s.data, s.class)
		if err != nil {
			dl.rep.Report("unsupported binding info")
		}
		bindings = append(bindings, entries...)
	}
	return rebases, bindings
}

type dependentLibrary struct {
	name     string
	reexport bool
}

// dependentLibraries lists the image's dylib commands in file order; a
// binding's library ordinal is a 1-based index into this list.
func dependentLibraries(m *macho.File) []dependentLibrary {
	var deps []dependentLibrary
	for _, l := range m.Loads {
		switch c := l.(type) {
		case *macho.Dylib:
			deps = append(deps, dependentLibrary{name: c.Name})
		case *macho.WeakDylib:
			deps = append(deps, dependentLibrary{name: c.Name})
		case *macho.ReExportDylib:
			deps = append(deps, dependentLibrary{name: c.Name, reexport: true})
		case *macho.LazyLoadDylib:
			deps = append(deps, dependentLibrary{name: c.Name})
		case *macho.UpwardDylib:
			deps = append(deps, dependentLibrary{name: c.Name})
		}
	}
	return deps
}

// entryVMAddr extracts the image's entry point as a pre-slide vmaddr,
// whichever of LC_MAIN or LC_UNIXTHREAD the image carries.
func entryVMAddr(m *macho.File) uint64 {
	for _, l := range m.Loads {
		switch c := l.(type) {
		case *macho.EntryPoint:
			if va, err := m.GetVMAddress(c.EntryOffset); err == nil {
				return va
			}
		case *macho.UnixThread:
			return c.EntryPoint
		}
	}
	return 0
}
