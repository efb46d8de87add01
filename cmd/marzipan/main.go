package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/arch/arm/armasm"

	"github.com/blacktop/go-macho"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/marzipan/internal/bundle"
	"github.com/zboralski/marzipan/internal/config"
	"github.com/zboralski/marzipan/internal/emulator"
	"github.com/zboralski/marzipan/internal/hostdl"
	"github.com/zboralski/marzipan/internal/loader"
	mlog "github.com/zboralski/marzipan/internal/log"
	"github.com/zboralski/marzipan/internal/trace"
	"github.com/zboralski/marzipan/internal/ui/colorize"
)

var (
	verbose bool
	quiet   bool
	maxInsn int
	cfgPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marzipan [bundle-dir]",
		Short: "Run ARM iOS binaries on a foreign host under emulation",
		Long: `Marzipan loads an ARM iOS application and runs it under Unicorn Engine.

The loader maps the app's Mach-O images into the emulator, binds their
imports against host-native framework shims, and bridges every call across
the platform boundary through generated wrapper libraries. Native libraries
are mapped without execute permission, so each guest call into them traps
into the loader, which performs the equivalent native call and returns by
hand.

Examples:
  marzipan ./AppBundle            # run the bundle's executable with a trace
  marzipan ./AppBundle -q         # quiet mode - stats only
  marzipan ./AppBundle -v         # verbose debug output
  marzipan info ./AppBundle/ToDo  # show binary info`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runApp,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (stats only)")
	rootCmd.Flags().IntVarP(&maxInsn, "num", "n", 0, "max instructions to show (0 = config default)")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file")

	infoCmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type traceCollector struct {
	mu     sync.Mutex
	events []*trace.Event
}

func (tc *traceCollector) Add(e *trace.Event) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, e)
}

func (tc *traceCollector) GetAndClear() []*trace.Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	events := tc.events
	tc.events = nil
	return events
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func instructionTags(dis string) []string {
	upper := strings.ToUpper(dis)
	mnemonic := strings.Fields(upper)
	if len(mnemonic) == 0 {
		return nil
	}

	var tags []string
	switch mnemonic[0] {
	case "EOR", "EORS":
		tags = append(tags, "#xor")
	case "BL", "BLX":
		tags = append(tags, "#call")
	case "BX":
		tags = append(tags, "#br")
	case "SVC", "SWI":
		tags = append(tags, "#syscall")
	case "PUSH", "STMDB":
		tags = append(tags, "#prologue")
	case "POP", "LDMIA":
		tags = append(tags, "#epilogue")
	}
	return tags
}

func isBlockEnd(dis string) bool {
	upper := strings.ToUpper(dis)
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "B", "BX", "POP":
		return true
	}
	if strings.HasPrefix(fields[0], "B.") || strings.HasPrefix(fields[0], "BEQ") ||
		strings.HasPrefix(fields[0], "BNE") || strings.HasPrefix(fields[0], "BLT") ||
		strings.HasPrefix(fields[0], "BGT") {
		return true
	}
	return false
}

func formatLine(addr uint64, code []byte, dis string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	if len(code) >= 4 {
		hexBytes := fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])
		b.WriteString(colorize.HexBytes(hexBytes))
		b.WriteString("  ")
		visibleLen += 8 + 2
	}

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 50
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	var comments []string
	var allTags []string
	allTags = append(allTags, instructionTags(dis)...)
	for _, e := range events {
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
		allTags = append(allTags, e.Tags.Strings()...)
	}

	if len(comments) > 0 || len(allTags) > 0 {
		var commentParts []string
		if len(allTags) > 0 {
			commentParts = append(commentParts, strings.Join(allTags, " "))
		}
		if len(comments) > 0 {
			commentParts = append(commentParts, strings.Join(comments, ", "))
		}
		b.WriteString(colorize.Comment("; " + strings.Join(commentParts, " ")))
		b.WriteString("  ")
	}

	for _, e := range events {
		if e.Name != "" {
			b.WriteByte(' ')
			b.WriteString(colorize.FuncName(e.Name))
		}
	}

	return b.String()
}

func printHeader(w *outputWriter, runID, binary string, start, entry uint64) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			binary = rel
		}
	}

	w.Write("")
	w.Write(fmt.Sprintf("%s marzipan ─ iOS-on-host emulation bridge", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Run:"), runID))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Loading:"), binary))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(start),
		colorize.Detail("Entry:"), colorize.Address(entry)))
	w.Write("")
}

func printStats(stats loader.Stats) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s crossings  %s native  %s writes\n",
		colorize.FuncName(fmt.Sprintf("%d", stats.Instructions)),
		colorize.FuncName(fmt.Sprintf("%d", stats.Crossings)),
		colorize.FuncName(fmt.Sprintf("%d", stats.NativeCalls)),
		colorize.FuncName(fmt.Sprintf("%d", stats.Writes)))
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x",
			uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return armasm.GNUSyntax(inst)
}

func runApp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Bundle = args[0]
	}
	if maxInsn > 0 {
		cfg.MaxInstructions = maxInsn
	}

	mlog.Init(verbose)

	pkg, err := bundle.Open(cfg.Bundle)
	if err != nil {
		return err
	}
	pkg.SetExecutable(cfg.Executable)

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	rep := mlog.NewReporter(mlog.L)
	if !quiet {
		rep.Dialog = func(msg string) {
			fmt.Fprintln(os.Stderr, colorize.Error("Error occurred: "+msg))
		}
	}

	hostOpen := func(path string) (loader.HostModule, error) {
		return hostdl.Open(path)
	}
	dl := loader.NewDynamicLoader(emu, hostOpen, hostdl.Call, pkg, rep)

	runID := uuid.New().String()
	mlog.L.Info("run", zap.String("run", runID), mlog.Path(pkg.Dir), mlog.Sym(pkg.Executable()))

	app := dl.Load(pkg.Executable())
	if app == nil {
		return fmt.Errorf("cannot load %s", pkg.Abs(pkg.Executable()))
	}

	var out *outputWriter
	collector := &traceCollector{}
	count := 0
	entry := app.StartAddress()
	if d, ok := app.(*loader.DylibImage); ok {
		entry = d.EntryAddress()
	}
	if !quiet {
		out = newOutputWriter()
		printHeader(out, runID, pkg.Abs(pkg.Executable()), app.StartAddress(), entry)

		dl.OnEvent = func(ev *trace.Event) {
			collector.Add(ev)
		}
		dl.OnInstruction = func(addr uint64, size uint32) {
			count++
			if count > cfg.MaxInstructions {
				return
			}
			code, err := emu.MemRead(addr, 4)
			if err != nil {
				return
			}
			dis := disasm(code)
			out.Write(formatLine(addr, code, dis, collector.GetAndClear()))
			if isBlockEnd(dis) {
				out.Write("")
			}
		}
	}

	// Execute it. Emulation terminates via the sentinel return; loader
	// errors along the way have already been reported.
	dl.Execute(app)

	if out != nil {
		out.Close()
	}
	printStats(dl.Stats)
	mlog.L.Info("done")
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	m, err := macho.Open(path)
	if err != nil {
		return fmt.Errorf("parse binary: %w", err)
	}
	defer m.Close()

	fmt.Printf("Binary: %s\n", filepath.Base(path))
	fmt.Print(m.FileHeader.String())
	fmt.Println()

	fmt.Println("Segments:")
	for _, seg := range m.Segments() {
		fmt.Printf("  %-16s addr=0x%08x memsz=0x%08x %s\n",
			seg.Name, seg.Addr, seg.Memsz, seg.Prot)
	}

	libs := m.ImportedLibraries()
	if len(libs) > 0 {
		fmt.Println("\nLinked libraries:")
		for _, lib := range libs {
			fmt.Printf("  %s\n", lib)
		}
	}

	if names, err := m.ImportedSymbolNames(); err == nil && len(names) > 0 {
		fmt.Printf("\nImported symbols: %d\n", len(names))
	}
	return nil
}
