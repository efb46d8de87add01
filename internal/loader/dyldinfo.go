package loader

import (
	"bytes"
	"fmt"

	"github.com/blacktop/go-macho"
	machotypes "github.com/blacktop/go-macho/types"
)

// The loader consumes LC_DYLD_INFO as flat entry lists. The opcode streams
// are the compact form dyld executes; decoding them up front keeps the
// mapping pass a plain loop over sites.

const guestPointerSize = 4

// rebaseEntry is one slide site: a pointer-sized word at segment/offset that
// must move with the image.
type rebaseEntry struct {
	kind      uint8 // REBASE_TYPE_*
	segIndex  int
	segOffset uint64
}

// bindClass distinguishes which stream a binding came from.
type bindClass uint8

const (
	bindStandard bindClass = iota
	bindWeak
	bindLazy
)

// bindEntry is one external-symbol site.
type bindEntry struct {
	class      bindClass
	kind       uint8 // BIND_TYPE_*
	libOrdinal int
	symbol     string
	addend     int64
	segIndex   int
	segOffset  uint64
}

// dyldInfoStreams locates the LC_DYLD_INFO(_ONLY) command and reads its raw
// opcode streams from the file.
type dyldInfoStreams struct {
	rebase   []byte
	bind     []byte
	weakBind []byte
	lazyBind []byte
}

func readDyldInfo(m *macho.File) (*dyldInfoStreams, error) {
	var off [4]uint32
	var size [4]uint32
	found := false
	for _, l := range m.Loads {
		switch c := l.(type) {
		case *macho.DyldInfo:
			off = [4]uint32{c.RebaseOff, c.BindOff, c.WeakBindOff, c.LazyBindOff}
			size = [4]uint32{c.RebaseSize, c.BindSize, c.WeakBindSize, c.LazyBindSize}
			found = true
		case *macho.DyldInfoOnly:
			off = [4]uint32{c.RebaseOff, c.BindOff, c.WeakBindOff, c.LazyBindOff}
			size = [4]uint32{c.RebaseSize, c.BindSize, c.WeakBindSize, c.LazyBindSize}
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	streams := &dyldInfoStreams{}
	for i, dst := range []*[]byte{&streams.rebase, &streams.bind, &streams.weakBind, &streams.lazyBind} {
		if size[i] == 0 {
			continue
		}
		buf := make([]byte, size[i])
		if _, err := m.ReadAt(buf, int64(off[i])); err != nil {
			return nil, fmt.Errorf("read dyld info stream: %w", err)
		}
		*dst = buf
	}
	return streams, nil
}

// decodeRebase runs the rebase opcode machine and returns every site it
// emits. An unknown opcode aborts the stream with an error; sites already
// decoded remain valid.
func decodeRebase(data []byte) ([]rebaseEntry, error) {
	var entries []rebaseEntry
	var kind uint8
	segIndex := 0
	segOffset := uint64(0)

	emit := func(n uint64, skip uint64) {
		for ; n > 0; n-- {
			entries = append(entries, rebaseEntry{kind: kind, segIndex: segIndex, segOffset: segOffset})
			segOffset += guestPointerSize + skip
		}
	}

	r := bytes.NewReader(data)
	for r.Len() > 0 {
		b, _ := r.ReadByte()
		op := b & machotypes.REBASE_OPCODE_MASK
		imm := b & machotypes.REBASE_IMMEDIATE_MASK

		switch op {
		case machotypes.REBASE_OPCODE_DONE:
			return entries, nil
		case machotypes.REBASE_OPCODE_SET_TYPE_IMM:
			kind = imm
		case machotypes.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			v, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			segOffset = v
		case machotypes.REBASE_OPCODE_ADD_ADDR_ULEB:
			v, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			segOffset += v
		case machotypes.REBASE_OPCODE_ADD_ADDR_IMM_SCALED:
			segOffset += uint64(imm) * guestPointerSize
		case machotypes.REBASE_OPCODE_DO_REBASE_IMM_TIMES:
			emit(uint64(imm), 0)
		case machotypes.REBASE_OPCODE_DO_REBASE_ULEB_TIMES:
			n, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			emit(n, 0)
		case machotypes.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:
			v, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			emit(1, v)
		case machotypes.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB:
			n, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			skip, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			emit(n, skip)
		default:
			return entries, fmt.Errorf("unknown rebase opcode %#02x", op)
		}
	}
	return entries, nil
}

// decodeBind runs the bind opcode machine over one stream. Lazy streams use
// BIND_OPCODE_DONE as an entry separator, not a terminator.
func decodeBind(data []byte, class bindClass) ([]bindEntry, error) {
	var entries []bindEntry
	var kind uint8
	var symbol string
	var addend int64
	libOrdinal := 0
	segIndex := 0
	segOffset := uint64(0)

	emit := func(advance uint64) {
		entries = append(entries, bindEntry{
			class:      class,
			kind:       kind,
			libOrdinal: libOrdinal,
			symbol:     symbol,
			addend:     addend,
			segIndex:   segIndex,
			segOffset:  segOffset,
		})
		segOffset += guestPointerSize + advance
	}

	r := bytes.NewReader(data)
	for r.Len() > 0 {
		b, _ := r.ReadByte()
		op := b & machotypes.BIND_OPCODE_MASK
		imm := b & machotypes.BIND_IMMEDIATE_MASK

		switch op {
		case machotypes.BIND_OPCODE_DONE:
			if class != bindLazy {
				return entries, nil
			}
		case machotypes.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			libOrdinal = int(imm)
		case machotypes.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			libOrdinal = int(v)
		case machotypes.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				libOrdinal = 0
			} else {
				libOrdinal = int(int8(machotypes.BIND_OPCODE_MASK | imm))
			}
		case machotypes.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			s, err := readCString(r)
			if err != nil {
				return entries, err
			}
			symbol = s
		case machotypes.BIND_OPCODE_SET_TYPE_IMM:
			kind = imm
		case machotypes.BIND_OPCODE_SET_ADDEND_SLEB:
			v, err := readSLEB(r)
			if err != nil {
				return entries, err
			}
			addend = v
		case machotypes.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			segIndex = int(imm)
			v, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			segOffset = v
		case machotypes.BIND_OPCODE_ADD_ADDR_ULEB:
			v, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			segOffset += v
		case machotypes.BIND_OPCODE_DO_BIND:
			emit(0)
		case machotypes.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			v, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			emit(v)
		case machotypes.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			emit(uint64(imm) * guestPointerSize)
		case machotypes.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			n, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			skip, err := readULEB(r)
			if err != nil {
				return entries, err
			}
			for ; n > 0; n-- {
				emit(skip)
			}
		default:
			return entries, fmt.Errorf("unknown bind opcode %#02x", op)
		}
	}
	return entries, nil
}

func readULEB(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("truncated uleb128")
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("uleb128 too large")
		}
	}
}

func readSLEB(r *bytes.Reader) (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("truncated sleb128")
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
		if shift >= 64 {
			return 0, fmt.Errorf("sleb128 too large")
		}
	}
}

func readCString(r *bytes.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("truncated string")
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}
