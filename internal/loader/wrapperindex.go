package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/marzipan/internal/hostdl"
)

// Every wrapper library exports its index under IndexSymbol. The wrapper
// generator emits the index as a flat little-endian blob:
//
//	u32 entryCount
//	u32 dylibCount
//	u32 strTabLen
//	entryCount × { u32 rva, u32 dylibIndex }   (ordered by rva)
//	strTabLen bytes: dylibCount NUL-terminated dylib paths
//
// The loader treats the blob as read-only data.
const IndexSymbol = "?Idx@@3UWrapperIndex@@A"

const indexHeaderSize = 12

// maxIndexSize bounds how much memory a corrupt header can make us read.
const maxIndexSize = 16 << 20

// WrapperIndex maps guest RVAs in a native image to the wrapper dylib
// holding their trampolines.
type WrapperIndex struct {
	// Dylibs lists wrapper dylib paths in generator order.
	Dylibs []string
	// Map is guest RVA (offset by the generator's 0x1000 base) to an index
	// into Dylibs.
	Map map[uint64]int
}

// ParseWrapperIndex decodes an index blob.
func ParseWrapperIndex(data []byte) (*WrapperIndex, error) {
	if len(data) < indexHeaderSize {
		return nil, fmt.Errorf("wrapper index truncated: %d bytes", len(data))
	}
	entryCount := binary.LittleEndian.Uint32(data[0:])
	dylibCount := binary.LittleEndian.Uint32(data[4:])
	strTabLen := binary.LittleEndian.Uint32(data[8:])

	need := uint64(indexHeaderSize) + uint64(entryCount)*8 + uint64(strTabLen)
	if uint64(len(data)) < need {
		return nil, fmt.Errorf("wrapper index truncated: have %d bytes, need %d", len(data), need)
	}

	idx := &WrapperIndex{Map: make(map[uint64]int, entryCount)}

	off := uint64(indexHeaderSize)
	for i := uint32(0); i < entryCount; i++ {
		rva := binary.LittleEndian.Uint32(data[off:])
		dylib := binary.LittleEndian.Uint32(data[off+4:])
		if dylib >= dylibCount {
			return nil, fmt.Errorf("wrapper index entry %d references dylib %d of %d", i, dylib, dylibCount)
		}
		idx.Map[uint64(rva)] = int(dylib)
		off += 8
	}

	strTab := data[off : off+uint64(strTabLen)]
	start := 0
	for i := 0; i < len(strTab) && len(idx.Dylibs) < int(dylibCount); i++ {
		if strTab[i] == 0 {
			idx.Dylibs = append(idx.Dylibs, string(strTab[start:i]))
			start = i + 1
		}
	}
	if len(idx.Dylibs) != int(dylibCount) {
		return nil, fmt.Errorf("wrapper index string table holds %d of %d dylibs", len(idx.Dylibs), dylibCount)
	}
	return idx, nil
}

// MarshalWrapperIndex encodes an index blob; the inverse of
// ParseWrapperIndex. The wrapper generator writes this layout.
func MarshalWrapperIndex(idx *WrapperIndex) []byte {
	strTab := make([]byte, 0, 64)
	for _, d := range idx.Dylibs {
		strTab = append(strTab, d...)
		strTab = append(strTab, 0)
	}

	rvas := make([]uint64, 0, len(idx.Map))
	for rva := range idx.Map {
		rvas = append(rvas, rva)
	}
	for i := 1; i < len(rvas); i++ {
		for j := i; j > 0 && rvas[j-1] > rvas[j]; j-- {
			rvas[j-1], rvas[j] = rvas[j], rvas[j-1]
		}
	}

	buf := make([]byte, indexHeaderSize, indexHeaderSize+8*len(rvas)+len(strTab))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(rvas)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(idx.Dylibs)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(strTab)))
	for _, rva := range rvas {
		var entry [8]byte
		binary.LittleEndian.PutUint32(entry[0:], uint32(rva))
		binary.LittleEndian.PutUint32(entry[4:], uint32(idx.Map[rva]))
		buf = append(buf, entry[:]...)
	}
	return append(buf, strTab...)
}

// readWrapperIndex reads an exported index straight from host memory.
func readWrapperIndex(addr uintptr) (*WrapperIndex, error) {
	header := hostdl.Bytes(addr, indexHeaderSize)
	if header == nil {
		return nil, fmt.Errorf("wrapper index at nil address")
	}
	entryCount := binary.LittleEndian.Uint32(header[0:])
	strTabLen := binary.LittleEndian.Uint32(header[8:])

	total := uint64(indexHeaderSize) + uint64(entryCount)*8 + uint64(strTabLen)
	if total > maxIndexSize {
		return nil, fmt.Errorf("wrapper index implausibly large: %d bytes", total)
	}
	return ParseWrapperIndex(hostdl.Bytes(addr, total))
}
