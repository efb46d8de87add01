package loader

import (
	"encoding/binary"
	"sort"
	"testing"

	machotypes "github.com/blacktop/go-macho/types"
)

// Raw load command numbers for hand-assembled test binaries.
const (
	lcSegment       = 0x1
	lcSymtab        = 0x2
	lcLoadDylib     = 0xc
	lcReexportDylib = 0x8000001f
	lcDyldInfoOnly  = 0x80000022
	lcMain          = 0x80000028
)

// VM_PROT bits.
const (
	vmProtRead    = 0x1
	vmProtWrite   = 0x2
	vmProtExecute = 0x4
)

type mSeg struct {
	name    string
	vmaddr  uint32
	vmsize  uint32
	content []byte
	prot    uint32
	// coversFile makes the segment span the whole file from offset 0, the
	// way a real __TEXT segment contains the header and load commands.
	coversFile bool
}

type mSpec struct {
	fileType   uint32
	flags      uint32
	cpu        uint32
	segs       []mSeg
	rebase     []byte
	bind       []byte
	loadDylibs []string
	reexports  []string
	syms       map[string]uint32
	entryOff   uint32
}

func pad4(n int) int { return (n + 3) &^ 3 }

// buildMachO assembles a minimal 32-bit little-endian Mach-O image.
func buildMachO(t *testing.T, spec mSpec) []byte {
	t.Helper()

	if spec.cpu == 0 {
		spec.cpu = uint32(machotypes.CPUArm)
	}

	type dylibCmd struct {
		cmd  uint32
		name string
	}
	var dylibs []dylibCmd
	for _, name := range spec.loadDylibs {
		dylibs = append(dylibs, dylibCmd{cmd: lcLoadDylib, name: name})
	}
	for _, name := range spec.reexports {
		dylibs = append(dylibs, dylibCmd{cmd: lcReexportDylib, name: name})
	}

	var symNames []string
	for name := range spec.syms {
		symNames = append(symNames, name)
	}
	sort.Strings(symNames)

	hasDyldInfo := len(spec.rebase) > 0 || len(spec.bind) > 0

	ncmds := uint32(len(spec.segs))
	szcmds := 56 * len(spec.segs)
	if hasDyldInfo {
		ncmds++
		szcmds += 48
	}
	for _, d := range dylibs {
		ncmds++
		szcmds += 24 + pad4(len(d.name)+1)
	}
	if len(symNames) > 0 {
		ncmds++
		szcmds += 24
	}
	if spec.entryOff != 0 {
		ncmds++
		szcmds += 24
	}

	// Lay out the blob area past the load commands.
	cursor := uint32(28 + szcmds)
	rebaseOff := uint32(0)
	if len(spec.rebase) > 0 {
		rebaseOff = cursor
		cursor += uint32(len(spec.rebase))
	}
	bindOff := uint32(0)
	if len(spec.bind) > 0 {
		bindOff = cursor
		cursor += uint32(len(spec.bind))
	}

	symoff := uint32(0)
	stroff := uint32(0)
	var strtab []byte
	if len(symNames) > 0 {
		symoff = cursor
		cursor += uint32(12 * len(symNames))
		stroff = cursor
		strtab = []byte{0}
		for _, name := range symNames {
			strtab = append(strtab, name...)
			strtab = append(strtab, 0)
		}
		cursor += uint32(len(strtab))
	}

	segFileOff := make([]uint32, len(spec.segs))
	segFileSz := make([]uint32, len(spec.segs))
	for i, seg := range spec.segs {
		if seg.coversFile {
			continue
		}
		segFileOff[i] = cursor
		segFileSz[i] = uint32(len(seg.content))
		cursor += uint32(len(seg.content))
	}
	fileSize := cursor

	out := make([]byte, fileSize)
	le := binary.LittleEndian

	// mach_header
	le.PutUint32(out[0:], uint32(machotypes.Magic32))
	le.PutUint32(out[4:], spec.cpu)
	le.PutUint32(out[8:], 9) // CPU_SUBTYPE_ARM_V7
	le.PutUint32(out[12:], spec.fileType)
	le.PutUint32(out[16:], ncmds)
	le.PutUint32(out[20:], uint32(szcmds))
	le.PutUint32(out[24:], spec.flags)

	off := 28
	for i, seg := range spec.segs {
		le.PutUint32(out[off:], lcSegment)
		le.PutUint32(out[off+4:], 56)
		copy(out[off+8:off+24], seg.name)
		le.PutUint32(out[off+24:], seg.vmaddr)
		le.PutUint32(out[off+28:], seg.vmsize)
		if seg.coversFile {
			le.PutUint32(out[off+32:], 0)
			le.PutUint32(out[off+36:], fileSize)
		} else {
			le.PutUint32(out[off+32:], segFileOff[i])
			le.PutUint32(out[off+36:], segFileSz[i])
		}
		le.PutUint32(out[off+40:], seg.prot) // maxprot
		le.PutUint32(out[off+44:], seg.prot) // initprot
		le.PutUint32(out[off+48:], 0)        // nsects
		le.PutUint32(out[off+52:], 0)        // flags
		off += 56
	}

	if hasDyldInfo {
		le.PutUint32(out[off:], lcDyldInfoOnly)
		le.PutUint32(out[off+4:], 48)
		le.PutUint32(out[off+8:], rebaseOff)
		le.PutUint32(out[off+12:], uint32(len(spec.rebase)))
		le.PutUint32(out[off+16:], bindOff)
		le.PutUint32(out[off+20:], uint32(len(spec.bind)))
		// weak, lazy, export all empty
		off += 48
	}

	for _, d := range dylibs {
		cmdsize := 24 + pad4(len(d.name)+1)
		le.PutUint32(out[off:], d.cmd)
		le.PutUint32(out[off+4:], uint32(cmdsize))
		le.PutUint32(out[off+8:], 24) // name offset
		le.PutUint32(out[off+12:], 0) // timestamp
		le.PutUint32(out[off+16:], 0) // current version
		le.PutUint32(out[off+20:], 0) // compat version
		copy(out[off+24:], d.name)
		off += cmdsize
	}

	if len(symNames) > 0 {
		le.PutUint32(out[off:], lcSymtab)
		le.PutUint32(out[off+4:], 24)
		le.PutUint32(out[off+8:], symoff)
		le.PutUint32(out[off+12:], uint32(len(symNames)))
		le.PutUint32(out[off+16:], stroff)
		le.PutUint32(out[off+20:], uint32(len(strtab)))
		off += 24
	}

	if spec.entryOff != 0 {
		le.PutUint32(out[off:], lcMain)
		le.PutUint32(out[off+4:], 24)
		le.PutUint64(out[off+8:], uint64(spec.entryOff))
		le.PutUint64(out[off+16:], 0)
		off += 24
	}

	// Blob area.
	copy(out[rebaseOff:], spec.rebase)
	copy(out[bindOff:], spec.bind)

	if len(symNames) > 0 {
		strx := uint32(1)
		so := symoff
		for _, name := range symNames {
			le.PutUint32(out[so:], strx)     // n_strx
			out[so+4] = 0x0f                 // n_type: N_SECT|N_EXT
			out[so+5] = 1                    // n_sect
			le.PutUint16(out[so+6:], 0)      // n_desc
			le.PutUint32(out[so+8:], spec.syms[name]) // n_value
			strx += uint32(len(name) + 1)
			so += 12
		}
		copy(out[stroff:], strtab)
	}

	for i, seg := range spec.segs {
		if seg.coversFile {
			continue
		}
		copy(out[segFileOff[i]:], seg.content)
	}

	return out
}

// dataWords builds a little-endian word blob.
func dataWords(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func rebaseAll(segIndex byte, count byte) []byte {
	return []byte{
		machotypes.REBASE_OPCODE_SET_TYPE_IMM | machotypes.REBASE_TYPE_POINTER,
		machotypes.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | segIndex, 0x00,
		machotypes.REBASE_OPCODE_DO_REBASE_IMM_TIMES | count,
		machotypes.REBASE_OPCODE_DONE,
	}
}

func TestLoadMachOSlideRebasing(t *testing.T) {
	rig := newTestRig(t)
	rig.write(t, "app", buildMachO(t, mSpec{
		fileType: uint32(machotypes.MH_DYLIB),
		segs: []mSeg{
			{name: "__TEXT", vmaddr: 0, vmsize: 0x1000, prot: vmProtRead | vmProtExecute, coversFile: true},
			{name: "__DATA", vmaddr: 0x1000, vmsize: 0x1000, prot: vmProtRead | vmProtWrite,
				content: dataWords(0x00000000, 0x00001000, 0x00002000)},
		},
		rebase: rebaseAll(1, 3),
	}))

	lib := rig.dl.Load("app")
	if lib == nil {
		t.Fatalf("load failed: %v", rig.reports)
	}
	img := lib.(*DylibImage)

	slide := img.StartAddress()
	if slide == 0 {
		t.Fatal("expected nonzero slide")
	}
	if img.Size() != 0x2000 {
		t.Errorf("size = %#x, want 0x2000", img.Size())
	}

	data := img.mem[0x1000:]
	got := []uint32{
		binary.LittleEndian.Uint32(data[0:]),
		binary.LittleEndian.Uint32(data[4:]),
		binary.LittleEndian.Uint32(data[8:]),
	}
	if got[0] != 0 {
		t.Errorf("zero word slid to %#x; null pointers must stay null", got[0])
	}
	if got[1] != 0x1000+uint32(slide) {
		t.Errorf("word 1 = %#x, want %#x", got[1], 0x1000+uint32(slide))
	}
	if got[2] != 0x2000+uint32(slide) {
		t.Errorf("word 2 = %#x, want %#x", got[2], 0x2000+uint32(slide))
	}

	// Sum of mapped segment sizes covers the allocation.
	var mapped uint64
	for _, m := range rig.engine.mappings {
		if m.addr >= slide && m.addr < slide+img.Size() {
			mapped += m.size
		}
	}
	if mapped != img.Size() {
		t.Errorf("mapped %#x of %#x", mapped, img.Size())
	}
}

func TestLoadMachOUnsupportedRelocation(t *testing.T) {
	rig := newTestRig(t)
	stream := []byte{
		machotypes.REBASE_OPCODE_SET_TYPE_IMM | machotypes.REBASE_TYPE_TEXT_ABSOLUTE32,
		machotypes.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x00,
		machotypes.REBASE_OPCODE_DO_REBASE_IMM_TIMES | 1,
		machotypes.REBASE_OPCODE_SET_TYPE_IMM | machotypes.REBASE_TYPE_POINTER,
		machotypes.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x04,
		machotypes.REBASE_OPCODE_DO_REBASE_IMM_TIMES | 1,
		machotypes.REBASE_OPCODE_DONE,
	}
	rig.write(t, "app", buildMachO(t, mSpec{
		fileType: uint32(machotypes.MH_DYLIB),
		segs: []mSeg{
			{name: "__TEXT", vmaddr: 0, vmsize: 0x1000, prot: vmProtRead | vmProtExecute, coversFile: true},
			{name: "__DATA", vmaddr: 0x1000, vmsize: 0x1000, prot: vmProtRead | vmProtWrite,
				content: dataWords(0x00000100, 0x00000200)},
		},
		rebase: stream,
	}))

	lib := rig.dl.Load("app")
	if lib == nil {
		t.Fatalf("load failed: %v", rig.reports)
	}
	img := lib.(*DylibImage)
	slide := uint32(img.StartAddress())

	count := 0
	for _, msg := range rig.reports {
		if msg == "unsupported relocation" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("unsupported relocation reported %d times, want exactly 1", count)
	}

	// The supported site still applies.
	data := img.mem[0x1000:]
	if got := binary.LittleEndian.Uint32(data[4:]); got != 0x200+slide {
		t.Errorf("supported site = %#x, want %#x", got, 0x200+slide)
	}
}

func TestLoadMachOPreflightReports(t *testing.T) {
	rig := newTestRig(t)
	rig.write(t, "app", buildMachO(t, mSpec{
		fileType: uint32(machotypes.MH_EXECUTE), // not PIE: not slideable
		cpu:      7,                             // x86, not ARM
		segs: []mSeg{
			{name: "__TEXT", vmaddr: 0, vmsize: 0x1000, prot: vmProtRead | vmProtExecute, coversFile: true},
		},
	}))

	if lib := rig.dl.Load("app"); lib == nil {
		t.Fatalf("preflight failures must not abort the load: %v", rig.reports)
	}
	if !rig.reported("expected ARM binary") {
		t.Error("missing ARM report")
	}
	if !rig.reported("not slideable") {
		t.Error("missing slideable report")
	}
}

func TestLoadMachOOverlappingSegments(t *testing.T) {
	rig := newTestRig(t)
	rig.write(t, "app", buildMachO(t, mSpec{
		fileType: uint32(machotypes.MH_DYLIB),
		segs: []mSeg{
			{name: "__TEXT", vmaddr: 0, vmsize: 0x1000, prot: vmProtRead | vmProtExecute, coversFile: true},
			{name: "__DATA", vmaddr: 0x800, vmsize: 0x100, prot: vmProtRead | vmProtWrite,
				content: dataWords(0)},
		},
	}))

	rig.dl.Load("app")
	if !rig.reported("overlapping segments") {
		t.Errorf("missing overlap report, got %v", rig.reports)
	}
}

func TestLoadMachOBindsExternalSymbols(t *testing.T) {
	rig := newTestRig(t)

	rig.write(t, "libb.dylib", buildMachO(t, mSpec{
		fileType: uint32(machotypes.MH_DYLIB),
		segs: []mSeg{
			{name: "__TEXT", vmaddr: 0, vmsize: 0x1000, prot: vmProtRead | vmProtExecute, coversFile: true},
		},
		syms: map[string]uint32{"_foo": 0x40},
	}))

	bind := []byte{
		machotypes.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM | 1,
		machotypes.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM, '_', 'f', 'o', 'o', 0,
		machotypes.BIND_OPCODE_SET_TYPE_IMM | machotypes.BIND_TYPE_POINTER,
		machotypes.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | 1, 0x00,
		machotypes.BIND_OPCODE_DO_BIND,
		machotypes.BIND_OPCODE_DONE,
	}
	rig.write(t, "app", buildMachO(t, mSpec{
		fileType: uint32(machotypes.MH_DYLIB),
		segs: []mSeg{
			{name: "__TEXT", vmaddr: 0, vmsize: 0x1000, prot: vmProtRead | vmProtExecute, coversFile: true},
			{name: "__DATA", vmaddr: 0x1000, vmsize: 0x1000, prot: vmProtRead | vmProtWrite,
				content: dataWords(0)},
		},
		loadDylibs: []string{"libb.dylib"},
		bind:       bind,
	}))

	lib := rig.dl.Load("app")
	if lib == nil {
		t.Fatalf("load failed: %v", rig.reports)
	}
	img := lib.(*DylibImage)

	dep := rig.dl.Load("libb.dylib")
	if dep == nil {
		t.Fatalf("dependency not loaded: %v", rig.reports)
	}
	want := uint32(dep.StartAddress() + 0x40)
	got := binary.LittleEndian.Uint32(img.mem[0x1000:])
	if got != want {
		t.Errorf("bound site = %#x, want %#x", got, want)
	}
}

func TestLoadMachOReexportUnderscoreStripping(t *testing.T) {
	rig := newTestRig(t)

	// Host library without the underscore convention.
	rig.write(t, "libhost.dll", []byte("MZ\x90\x00"))
	rig.host.modules["libhost.dll"] = &fakeModule{
		syms: map[string]uintptr{"foo": 0x1234000},
		base: 0x70000000,
		size: 0x1000,
	}

	rig.write(t, "liba.dylib", buildMachO(t, mSpec{
		fileType: uint32(machotypes.MH_DYLIB),
		segs: []mSeg{
			{name: "__TEXT", vmaddr: 0, vmsize: 0x1000, prot: vmProtRead | vmProtExecute, coversFile: true},
		},
		reexports: []string{"libhost.dll"},
	}))

	lib := rig.dl.Load("liba.dylib")
	if lib == nil {
		t.Fatalf("load failed: %v", rig.reports)
	}
	if got := lib.FindSymbol(rig.dl, "_foo"); got != 0x1234000 {
		t.Errorf("FindSymbol(_foo) = %#x, want 0x1234000", got)
	}
}

func TestLoadMachOEntryPoint(t *testing.T) {
	rig := newTestRig(t)
	rig.write(t, "app", buildMachO(t, mSpec{
		fileType: uint32(machotypes.MH_EXECUTE),
		flags:    uint32(machotypes.PIE),
		segs: []mSeg{
			{name: "__TEXT", vmaddr: 0, vmsize: 0x1000, prot: vmProtRead | vmProtExecute, coversFile: true},
		},
		entryOff: 0x100,
	}))

	lib := rig.dl.Load("app")
	if lib == nil {
		t.Fatalf("load failed: %v", rig.reports)
	}
	img := lib.(*DylibImage)
	if img.EntryAddress() != img.StartAddress()+0x100 {
		t.Errorf("entry = %#x, want start+0x100 (%#x)", img.EntryAddress(), img.StartAddress()+0x100)
	}
}
