package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/marzipan/internal/log"
)

// fakeEngine is a scripted stand-in for the Unicorn wrapper. Allocations get
// synthetic guest addresses; mappings are recorded, not executed.
type fakeEngine struct {
	nextBase uint64
	mappings []fakeMapping
	regs     [16]uint64

	codeHook  func(addr uint64, size uint32)
	writeHook func(addr uint64, size int, value int64)
	fetchHook func(addr uint64, size int, value int64) bool

	started []uint64
	stopped bool
}

type fakeMapping struct {
	addr, size uint64
	prot       int
	mem        []byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{nextBase: 0x40000000}
}

func (e *fakeEngine) PageSize() uint64 { return 0x1000 }

func (e *fakeEngine) Alloc(size uint64) ([]byte, uint64, error) {
	rounded := (size + 0xfff) &^ uint64(0xfff)
	mem := make([]byte, rounded)
	base := e.nextBase
	e.nextBase += rounded + 0x10000
	return mem, base, nil
}

func (e *fakeEngine) MapPtr(addr, size uint64, prot int, mem []byte) error {
	e.mappings = append(e.mappings, fakeMapping{addr: addr, size: size, prot: prot, mem: mem})
	return nil
}

func (e *fakeEngine) mapping(addr uint64) *fakeMapping {
	for i := range e.mappings {
		m := &e.mappings[i]
		if m.addr <= addr && addr < m.addr+m.size {
			return m
		}
	}
	return nil
}

func (e *fakeEngine) MemRead(addr, size uint64) ([]byte, error) {
	m := e.mapping(addr)
	if m == nil {
		return nil, fmt.Errorf("unmapped read at %#x", addr)
	}
	off := addr - m.addr
	out := make([]byte, size)
	copy(out, m.mem[off:])
	return out, nil
}

func (e *fakeEngine) MemWrite(addr uint64, data []byte) error {
	m := e.mapping(addr)
	if m == nil {
		return fmt.Errorf("unmapped write at %#x", addr)
	}
	copy(m.mem[addr-m.addr:], data)
	return nil
}

func (e *fakeEngine) RegRead(reg int) (uint64, error)      { return e.regs[reg], nil }
func (e *fakeEngine) RegWrite(reg int, value uint64) error { e.regs[reg] = value; return nil }
func (e *fakeEngine) OnCode(fn func(uint64, uint32)) error { e.codeHook = fn; return nil }
func (e *fakeEngine) OnMemWrite(fn func(uint64, int, int64)) error {
	e.writeHook = fn
	return nil
}
func (e *fakeEngine) OnFetchProt(fn func(uint64, int, int64) bool) error {
	e.fetchHook = fn
	return nil
}
func (e *fakeEngine) Start(begin uint64) error { e.started = append(e.started, begin); return nil }
func (e *fakeEngine) Stop()                    { e.stopped = true }

// fakeModule scripts a host-loaded library.
type fakeModule struct {
	syms map[string]uintptr
	base uint64
	size uint64
}

func (m *fakeModule) Lookup(name string) uintptr     { return m.syms[name] }
func (m *fakeModule) Range() (uint64, uint64, error) { return m.base, m.size, nil }
func (m *fakeModule) Close() error                   { return nil }

// fakeHost scripts the host loader per path.
type fakeHost struct {
	modules map[string]*fakeModule
	opened  []string
}

func (h *fakeHost) open(path string) (HostModule, error) {
	h.opened = append(h.opened, path)
	if m, ok := h.modules[filepath.Base(path)]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no such module: %s", path)
}

// dirPkg is a Package rooted at a test directory.
type dirPkg struct {
	dir string
}

func (p dirPkg) Exists(rel string) bool {
	st, err := os.Stat(filepath.Join(p.dir, rel))
	return err == nil && !st.IsDir()
}

func (p dirPkg) Abs(rel string) string {
	return filepath.Join(p.dir, rel)
}

// nativeCall records native invocations instead of performing them.
type nativeCall struct {
	fn   uintptr
	args []uint32
}

type testRig struct {
	engine  *fakeEngine
	host    *fakeHost
	pkg     dirPkg
	dl      *DynamicLoader
	reports []string
	calls   []nativeCall
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		engine: newFakeEngine(),
		host:   &fakeHost{modules: map[string]*fakeModule{}},
		pkg:    dirPkg{dir: t.TempDir()},
	}
	rep := log.NewReporter(log.NewNop())
	rep.Dialog = func(msg string) { rig.reports = append(rig.reports, msg) }
	rig.dl = NewDynamicLoader(rig.engine,
		rig.host.open,
		func(fn uintptr, args ...uint32) {
			rig.calls = append(rig.calls, nativeCall{fn: fn, args: args})
		},
		rig.pkg, rep)
	return rig
}

// write places a file inside the test package.
func (r *testRig) write(t *testing.T, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(r.pkg.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func (r *testRig) reported(substr string) bool {
	for _, msg := range r.reports {
		if len(substr) == 0 {
			continue
		}
		if containsString(msg, substr) {
			return true
		}
	}
	return false
}

func containsString(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
