package loader

import (
	"encoding/binary"

	machotypes "github.com/blacktop/go-macho/types"

	"github.com/zboralski/marzipan/internal/hostdl"
)

// dylibHeaderSymbol marks host libraries that act as Mach-O dylib façades:
// the symbol's value is the in-memory Mach-O header of the dylib portion.
const dylibHeaderSymbol = "_mh_dylib_header"

// loadNative loads a host-native library and registers its range with the
// engine as read/write, non-executable. The missing execute permission is
// deliberate: every guest jump into the range faults into the boundary trap.
func (dl *DynamicLoader) loadNative(bp BinaryPath) *NativeImage {
	// Mark the library as found before the host loader runs; dependency
	// resolution inside the host loader may re-enter Load for this path.
	img := &NativeImage{path: bp.Path}
	dl.images[bp.Path] = img

	mod, err := dl.hostOpen(dl.hostPath(bp))
	if err != nil {
		dl.rep.ReportErr("couldn't load DLL: "+bp.Path, err)
		delete(dl.images, bp.Path)
		return nil
	}
	img.mod = mod

	// Find out where it lies in memory.
	if hdr := img.FindSymbol(dl, dylibHeaderSymbol); hdr != 0 {
		// Dylib façades are mapped without their host image headers.
		img.startAddress = hdr
		img.size = dylibImageSize(uintptr(hdr))
	} else {
		base, size, err := mod.Range()
		if err != nil {
			dl.rep.ReportErr("couldn't load module information", err)
			return nil
		}
		img.startAddress = base
		img.size = size
	}

	// Register the range with the engine.
	start := dl.alignDown(img.startAddress)
	size := dl.roundUp(img.size)
	callEngine(dl.engine.MapPtr(start, size, ProtRead|ProtWrite,
		hostdl.Bytes(uintptr(start), size)))

	return img
}

// dylibImageSize computes a dylib façade's extent by summing the vmsize of
// every LC_SEGMENT command in the in-memory Mach-O header at hdr.
func dylibImageSize(hdr uintptr) uint64 {
	// 32-bit mach_header: magic, cputype, cpusubtype, filetype, ncmds,
	// sizeofcmds, flags.
	const headerSize = 28
	h := hostdl.Bytes(hdr, headerSize)
	ncmds := binary.LittleEndian.Uint32(h[16:])
	sizeofcmds := binary.LittleEndian.Uint32(h[20:])

	cmds := hostdl.Bytes(hdr+headerSize, uint64(sizeofcmds))
	var size uint64
	off := uint32(0)
	for i := uint32(0); i < ncmds && off+8 <= sizeofcmds; i++ {
		cmd := binary.LittleEndian.Uint32(cmds[off:])
		cmdsize := binary.LittleEndian.Uint32(cmds[off+4:])
		if cmdsize < 8 {
			break
		}
		// segment_command: vmsize sits after cmd, cmdsize, and segname[16].
		if machotypes.LoadCmd(cmd) == machotypes.LC_SEGMENT && off+32 <= sizeofcmds {
			size += uint64(binary.LittleEndian.Uint32(cmds[off+28:]))
		}
		off += cmdsize
	}
	return size
}
