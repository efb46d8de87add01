// Package emulator provides 32-bit ARM emulation using Unicorn Engine.
//
// The wrapper is deliberately thin: it exposes identity memory mappings
// (guest address == host pointer), core-register access by ARM register
// number, and the three hook kinds the loader needs. Everything else about
// guest semantics lives in internal/loader.
package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// PageSize is the engine's fixed page granularity. Mappings must be aligned
// to it and allocation sizes rounded up to it.
const PageSize = 0x1000

// ARM core register numbers as used throughout marzipan: r0-r12, then
// SP (r13), LR (r14), PC (r15).
const (
	RegR0 = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegSP
	RegLR
	RegPC
)

// regMap translates core register numbers to Unicorn register ids.
var regMap = [16]int{
	uc.ARM_REG_R0, uc.ARM_REG_R1, uc.ARM_REG_R2, uc.ARM_REG_R3,
	uc.ARM_REG_R4, uc.ARM_REG_R5, uc.ARM_REG_R6, uc.ARM_REG_R7,
	uc.ARM_REG_R8, uc.ARM_REG_R9, uc.ARM_REG_R10, uc.ARM_REG_R11,
	uc.ARM_REG_R12, uc.ARM_REG_SP, uc.ARM_REG_LR, uc.ARM_REG_PC,
}

// Memory protection bits accepted by MapPtr.
const (
	ProtNone  = 0
	ProtRead  = uc.PROT_READ
	ProtWrite = uc.PROT_WRITE
	ProtExec  = uc.PROT_EXEC
)

// Emulator wraps Unicorn for 32-bit ARM emulation.
type Emulator struct {
	mu uc.Unicorn

	// Host buffers backing identity mappings. They must outlive the engine,
	// so the emulator keeps them referenced until Close.
	allocs [][]byte

	hooks []uc.Hook
}

// New creates a new 32-bit ARM emulator.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	return &Emulator{mu: mu}, nil
}

// Close stops the engine and releases all host allocations.
func (e *Emulator) Close() error {
	err := e.mu.Close()
	for _, mem := range e.allocs {
		freePages(mem)
	}
	e.allocs = nil
	return err
}

// PageSize returns the engine page granularity.
func (e *Emulator) PageSize() uint64 {
	return PageSize
}

// AlignDown aligns addr down to page size.
func AlignDown(addr uint64) uint64 {
	return addr &^ uint64(PageSize-1)
}

// RoundUp rounds size up to page size.
func RoundUp(size uint64) uint64 {
	return (size + PageSize - 1) &^ uint64(PageSize-1)
}

// MemRead reads bytes from emulated memory.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to emulated memory.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// RegRead reads an ARM core register.
func (e *Emulator) RegRead(reg int) (uint64, error) {
	if reg < 0 || reg >= len(regMap) {
		return 0, fmt.Errorf("invalid register r%d", reg)
	}
	return e.mu.RegRead(regMap[reg])
}

// RegWrite writes an ARM core register. Values are truncated to 32 bits by
// the engine.
func (e *Emulator) RegWrite(reg int, value uint64) error {
	if reg < 0 || reg >= len(regMap) {
		return fmt.Errorf("invalid register r%d", reg)
	}
	return e.mu.RegWrite(regMap[reg], value)
}

// OnCode installs a hook called before every executed instruction.
func (e *Emulator) OnCode(fn func(addr uint64, size uint32)) error {
	hook, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		fn(addr, size)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}
	e.hooks = append(e.hooks, hook)
	return nil
}

// OnMemWrite installs a hook called for every memory write.
func (e *Emulator) OnMemWrite(fn func(addr uint64, size int, value int64)) error {
	hook, err := e.mu.HookAdd(uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
		fn(addr, size, value)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add mem-write hook: %w", err)
	}
	e.hooks = append(e.hooks, hook)
	return nil
}

// OnFetchProt installs a hook called when an instruction fetch hits memory
// mapped without execute permission. Returning true resumes emulation with
// whatever guest state the hook established; returning false stops with a
// fetch-protection error.
func (e *Emulator) OnFetchProt(fn func(addr uint64, size int, value int64) bool) error {
	hook, err := e.mu.HookAdd(uc.HOOK_MEM_FETCH_PROT, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		return fn(addr, size, value)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add fetch-prot hook: %w", err)
	}
	e.hooks = append(e.hooks, hook)
	return nil
}

// Start begins emulation at begin and runs until Stop or an engine error.
func (e *Emulator) Start(begin uint64) error {
	return e.mu.Start(begin, 0)
}

// StartUntil begins emulation at begin and runs until the until address.
func (e *Emulator) StartUntil(begin, until uint64) error {
	return e.mu.Start(begin, until)
}

// Stop halts emulation. Safe to call from inside a hook.
func (e *Emulator) Stop() {
	e.mu.Stop()
}
