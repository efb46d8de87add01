package loader

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zboralski/marzipan/internal/log"
)

// wrapsPrefix names per-RVA trampolines exported by wrapper dylibs.
const wrapsPrefix = "$__ipaSim_wraps_"

// rvaBase is the generator's image base convention: RVAs in a WrapperIndex
// are offset by this fixed amount.
// TODO: read the real base address out of the wrapper instead.
const rvaBase = 0x1000

// wrapperPath derives the wrapper library path for a native image:
// gen/<basename with the extension replaced by .wrapper.dll>.
func wrapperPath(libPath string) string {
	base := filepath.Base(libPath)
	base = strings.TrimSuffix(base, filepath.Ext(base)) + ".wrapper.dll"
	return filepath.Join("gen", base)
}

// resolveWrapper maps a faulting address inside a native image to the
// trampoline that performs the equivalent call natively. Zero means the
// resolution failed; the failure has been reported.
func (dl *DynamicLoader) resolveWrapper(ai AddrInfo, addr uint64) uint64 {
	wrapperLib := dl.Load(wrapperPath(ai.Path))
	if wrapperLib == nil {
		return 0
	}

	// Load the wrapper's index.
	idxAddr := wrapperLib.FindSymbol(dl, IndexSymbol)
	if idxAddr == 0 {
		dl.rep.Report("wrapper index not exported by " + wrapperPath(ai.Path))
		return 0
	}
	idx, err := readWrapperIndex(uintptr(idxAddr))
	if err != nil {
		dl.rep.ReportErr("cannot read WrapperIndex", err)
		return 0
	}

	rva := addr - ai.Lib.StartAddress() + rvaBase

	// Find the dylib with the corresponding wrapper.
	dylibIdx, ok := idx.Map[rva]
	if !ok {
		dl.rep.Report("cannot find RVA in WrapperIndex")
		return 0
	}
	wrapperDylib := dl.Load(idx.Dylibs[dylibIdx])
	if wrapperDylib == nil {
		return 0
	}

	// Find the correct wrapper using its alias.
	sym := wrapsPrefix + strconv.FormatUint(rva, 10)
	wrapped := wrapperDylib.FindSymbol(dl, sym)
	if wrapped == 0 {
		dl.rep.Report("cannot find wrapper for " + log.Hex(rva) + " in " + ai.Path)
		return 0
	}
	return wrapped
}
