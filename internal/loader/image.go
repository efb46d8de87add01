package loader

import (
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
)

// LoadedLibrary is an image mapped into the guest address space: either a
// Mach-O image the loader placed itself or a host-native library placed by
// the host loader.
type LoadedLibrary interface {
	// StartAddress is the image base in the guest address space.
	StartAddress() uint64
	// Size is the extent of the image's range.
	Size() uint64
	// IsWrapperDLL reports whether the image is a generated wrapper library.
	IsWrapperDLL() bool
	// HasUnderscorePrefix reports whether the image's symbols follow the
	// Mach-O leading-underscore convention.
	HasUnderscorePrefix() bool
	// FindSymbol resolves an exported symbol to a guest address; zero means
	// not found.
	FindSymbol(dl *DynamicLoader, name string) uint64

	isInRange(addr uint64) bool
	markWrapper(wrapper bool)
	// symbolAt names the symbol containing addr, or returns "".
	symbolAt(addr uint64) string
}

// libBase carries the placement shared by both image variants.
type libBase struct {
	startAddress uint64
	size         uint64
	wrapperDLL   bool
}

func (l *libBase) StartAddress() uint64 { return l.startAddress }
func (l *libBase) Size() uint64         { return l.size }
func (l *libBase) IsWrapperDLL() bool   { return l.wrapperDLL }

func (l *libBase) isInRange(addr uint64) bool {
	return l.startAddress <= addr && addr < l.startAddress+l.size
}

func (l *libBase) markWrapper(wrapper bool) { l.wrapperDLL = wrapper }

// DylibImage is a Mach-O image mapped by the loader. It owns the host
// allocation backing its segments.
type DylibImage struct {
	libBase
	path string
	file *macho.File
	mem  []byte
	low  uint64 // lowest segment vmaddr before sliding
	// entrypoint vmaddr, before sliding
	entry uint64
	// symbol table sorted by vmaddr, built on first reverse lookup
	syms []addrSym
}

type addrSym struct {
	value uint64 // vmaddr, before sliding
	name  string
}

// HasUnderscorePrefix is true: Mach-O C symbols carry a leading underscore.
func (d *DylibImage) HasUnderscorePrefix() bool { return true }

// EntryAddress returns the image's entry point in the guest address space.
func (d *DylibImage) EntryAddress() uint64 {
	return d.startAddress + d.entry
}

// FindSymbol resolves name in the image's symbol table, falling back to
// libraries the image re-exports. Re-export targets without the underscore
// convention are queried with the leading underscore stripped.
func (d *DylibImage) FindSymbol(dl *DynamicLoader, name string) uint64 {
	if d.file.Symtab != nil {
		if addr, err := d.file.FindSymbolAddress(name); err == nil && addr != 0 {
			return d.startAddress + addr
		}
	}

	for _, l := range d.file.Loads {
		re, ok := l.(*macho.ReExportDylib)
		if !ok {
			continue
		}
		lib := dl.Load(re.Name)
		if lib == nil {
			continue
		}
		sym := name
		if !lib.HasUnderscorePrefix() && strings.HasPrefix(name, "_") {
			sym = name[1:]
		}
		if addr := lib.FindSymbol(dl, sym); addr != 0 {
			return addr
		}
	}
	return 0
}

// symbolAt returns the nearest symbol at or before addr in this image's
// symbol table.
func (d *DylibImage) symbolAt(addr uint64) string {
	if d.syms == nil {
		d.syms = []addrSym{}
		if d.file.Symtab != nil {
			for _, sym := range d.file.Symtab.Syms {
				if sym.Value != 0 && sym.Name != "" {
					d.syms = append(d.syms, addrSym{value: sym.Value, name: sym.Name})
				}
			}
			sort.Slice(d.syms, func(i, j int) bool { return d.syms[i].value < d.syms[j].value })
		}
	}

	value := addr - d.startAddress
	i := sort.Search(len(d.syms), func(i int) bool { return d.syms[i].value > value })
	if i == 0 {
		return ""
	}
	return d.syms[i-1].name
}

// NativeImage is a host-native library. The host loader owns its memory;
// the record only tracks where it landed.
type NativeImage struct {
	libBase
	path string
	mod  HostModule
}

// HasUnderscorePrefix is false: host libraries export plain names.
func (n *NativeImage) HasUnderscorePrefix() bool { return false }

// FindSymbol asks the host loader for the symbol's address.
func (n *NativeImage) FindSymbol(dl *DynamicLoader, name string) uint64 {
	if n.mod == nil {
		return 0
	}
	return uint64(n.mod.Lookup(name))
}

// symbolAt returns ""; the host loader offers no reverse lookup.
func (n *NativeImage) symbolAt(addr uint64) string { return "" }

// AddrInfo is the result of a reverse lookup. A nil Lib means the address is
// not inside any registered image. Symbol, filled by Inspect only, names the
// nearest symbol at or before the address when the image knows one.
type AddrInfo struct {
	Path   string
	Lib    LoadedLibrary
	Symbol string
}
