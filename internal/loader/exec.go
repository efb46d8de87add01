package loader

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/zboralski/marzipan/internal/log"
	"github.com/zboralski/marzipan/internal/trace"
)

const (
	stackSize = 8 * 1024 * 1024
	// Reserved stack bytes so the instruction logger can read three words
	// below SP without faulting.
	stackReserve = 12
)

// Native shims invoked before emulation begins. They stand in for the early
// work dyld would do inside the guest process.
const (
	dyldShim            = "libdyld.dll"
	dyldInitSymbol      = "_dyld_initialize"
	objcShim            = "libobjc.dll"
	objcInitSymbol      = "_objc_init"
	executeHeaderSymbol = "__mh_execute_header"
)

// Execute sets up the guest stack and hooks, bootstraps the guest runtime
// natively, and starts emulation at the image's entry point with the return
// address pointed at the kernel page, so the final return stops the engine.
func (dl *DynamicLoader) Execute(lib LoadedLibrary) {
	dylib, ok := lib.(*DylibImage)
	if !ok {
		dl.rep.Report("we can only execute Dylibs right now")
		return
	}

	// Initialize the stack.
	mem, stackAddr, err := dl.engine.Alloc(stackSize)
	if err != nil {
		dl.rep.ReportErr("couldn't allocate stack", err)
		return
	}
	callEngine(dl.engine.MapPtr(stackAddr, stackSize, ProtRead|ProtWrite, mem))
	callEngine(dl.engine.RegWrite(RegSP, stackAddr+stackSize-stackReserve))

	// Install hooks. The fetch-protection hook carries calls across the
	// platform boundary; it fires because native libraries are mapped
	// without execute permission.
	callEngine(dl.engine.OnFetchProt(dl.handleFetchProt))
	callEngine(dl.engine.OnCode(dl.handleCode))
	callEngine(dl.engine.OnMemWrite(dl.handleMemWrite))

	// Initialize the binary with the native dynamic-linker shim and the
	// Objective-C runtime, bypassing the emulator.
	hdr := dylib.FindSymbol(dl, executeHeaderSymbol)
	dl.call(dyldShim, dyldInitSymbol, uint32(hdr))
	dl.call(objcShim, objcInitSymbol)

	// Point return address to kernel.
	callEngine(dl.engine.RegWrite(RegLR, dl.kernelAddr))

	// Start execution.
	callEngine(dl.engine.Start(dylib.entry + dylib.startAddress))
}

// call invokes a named symbol of a native shim library on the host thread.
func (dl *DynamicLoader) call(libPath, symbol string, args ...uint32) {
	lib := dl.Load(libPath)
	if lib == nil {
		return
	}
	addr := lib.FindSymbol(dl, symbol)
	if addr == 0 {
		dl.rep.Report("cannot resolve " + symbol + " in " + libPath)
		return
	}
	dl.Stats.NativeCalls++
	dl.emit(trace.NewEvent(0, trace.Native, symbol, libPath))
	dl.callNative(uintptr(addr), args...)
}

// handleFetchProt classifies a fetch-protection fault and either stops the
// engine (kernel return), jumps to wrapper code, or performs the equivalent
// native call and returns by hand.
func (dl *DynamicLoader) handleFetchProt(addr uint64, size int, value int64) bool {
	dl.Stats.Crossings++

	ai := dl.Lookup(addr)
	if ai.Lib == nil {
		// Handle return to kernel.
		if addr == dl.kernelAddr {
			dl.emit(trace.NewEvent(addr, trace.Kernel, "", ""))
			dl.engine.Stop()
			return true
		}

		dl.rep.Report("unmapped address fetched")
		return false
	}

	wrapper := ai.Lib.IsWrapperDLL()
	if wrapper {
		// Emulated code landed in wrapper territory; jump to it, nothing to
		// translate.
		dl.logCrossing(ai, addr, wrapper)
		callEngine(dl.engine.RegWrite(RegPC, addr))
		return true
	}

	// The guest is calling native code: find the corresponding wrapper
	// trampoline and call it instead.
	addr = dl.resolveWrapper(ai, addr)
	if addr == 0 {
		return false
	}
	ai = dl.Lookup(addr)
	if ai.Lib == nil {
		// The wrapper generator must keep trampolines inside mapped
		// segments.
		dl.rep.Report("symbol found in library wasn't found there in reverse lookup")
		return false
	}

	dl.logCrossing(ai, addr, wrapper)

	// R0 points to the structure holding the call's arguments and a slot
	// for its return value; the trampoline reads and fills it.
	r0 := dl.reg(RegR0)
	dl.Stats.NativeCalls++
	dl.callNative(uintptr(addr), uint32(r0))

	// Move LR to PC to return.
	callEngine(dl.engine.RegWrite(RegPC, dl.reg(RegLR)))
	return true
}

func (dl *DynamicLoader) logCrossing(ai AddrInfo, addr uint64, wrapper bool) {
	rva := addr - ai.Lib.StartAddress()
	if log.L != nil {
		log.L.Info("fetch prot. mem.",
			log.Path(ai.Path),
			zap.String("rva", log.Hex(rva)),
			zap.Bool("wrapper", wrapper),
		)
	}
	ev := trace.NewEvent(addr, trace.Fetch, ai.Path, "rva="+log.Hex(rva))
	if !wrapper {
		ev.AddTag(trace.Wrapper)
	}
	dl.emit(ev)
}

// handleCode observes every emulated instruction. It also works around the
// engine sometimes not delivering fetch-protection faults for non-dylib
// ranges (unicorn-engine/unicorn#888) by invoking the trap handler by hand.
func (dl *DynamicLoader) handleCode(addr uint64, size uint32) {
	ai := dl.Inspect(addr)
	if ai.Lib == nil {
		dl.rep.Report("unmapped address executed")
		return
	}

	if _, isDylib := ai.Lib.(*DylibImage); !isDylib {
		dl.handleFetchProt(addr, int(size), 0)
		return
	}

	dl.Stats.Instructions++
	if dl.OnInstruction != nil {
		dl.OnInstruction(addr, size)
	}
	dl.logExec(ai, addr)
}

// logExec dumps the guest state around the current instruction.
func (dl *DynamicLoader) logExec(ai AddrInfo, addr uint64) {
	if log.L == nil || !log.L.Core().Enabled(zap.DebugLevel) {
		return
	}
	sp := dl.reg(RegSP)
	stack0 := dl.readWord(sp)
	stack1 := dl.readWord(sp + 4)
	// NOTE: shipped behavior reads sp+4 again here, so the logged [R13+8]
	// is really a second copy of [R13+4]. Kept as is.
	stack2 := dl.readWord(sp + 4)
	log.L.Debug("executing",
		log.Path(ai.Path),
		zap.String("rva", log.Hex(addr-ai.Lib.StartAddress())),
		log.Sym(ai.Symbol),
		zap.String("r0", log.Hex(dl.reg(RegR0))),
		zap.String("r1", log.Hex(dl.reg(RegR1))),
		zap.String("r12", log.Hex(dl.reg(RegR12))),
		zap.String("r13", log.Hex(sp)),
		zap.String("[r13]", log.Hex(uint64(stack0))),
		zap.String("[r13+4]", log.Hex(uint64(stack1))),
		zap.String("[r13+8]", log.Hex(uint64(stack2))),
		zap.String("r14", log.Hex(dl.reg(RegLR))),
	)
}

// handleMemWrite logs every guest memory write.
func (dl *DynamicLoader) handleMemWrite(addr uint64, size int, value int64) {
	dl.Stats.Writes++
	if log.L != nil && log.L.Core().Enabled(zap.DebugLevel) {
		log.L.Debug("writing",
			log.Addr(addr),
			zap.String("value", log.Hex(uint64(value))),
			zap.Int("size", size),
		)
	}
}

func (dl *DynamicLoader) reg(r int) uint64 {
	v, err := dl.engine.RegRead(r)
	callEngine(err)
	return v
}

func (dl *DynamicLoader) readWord(addr uint64) uint32 {
	data, err := dl.engine.MemRead(addr, 4)
	callEngine(err)
	return binary.LittleEndian.Uint32(data)
}
