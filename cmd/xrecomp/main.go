package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/xrecomp/internal/config"
	"github.com/zboralski/xrecomp/internal/dispatch"
	"github.com/zboralski/xrecomp/internal/image"
	"github.com/zboralski/xrecomp/internal/kernel"
	glog "github.com/zboralski/xrecomp/internal/log"
	"github.com/zboralski/xrecomp/internal/recomp"
	"github.com/zboralski/xrecomp/internal/trace"
	"github.com/zboralski/xrecomp/internal/ui/colorize"
)

var (
	configPath string
	verbose    bool
	quiet      bool
	maxInsn    int
	callAddrs  []string
	callAll    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "xrecomp",
		Short: "Runtime substrate for statically recompiled console programs",
		Long: `xrecomp hosts translated routines of a 32-bit console program.

It maps the original image into a flat arena so every logical address the
translated code computes is one addition away from host memory, resolves the
kernel import table to bridge routines and dispatches indirect calls through
overrides, the translated routine table and the kernel bridge.

Examples:
  xrecomp info default.xbe                    # Header, sections and layout
  xrecomp thunks default.xbe                  # Kernel import table after resolution
  xrecomp resolve default.xbe 0x257000        # Dispatch tier and original code
  xrecomp map default.xbe                     # Arena placement
  xrecomp run default.xbe --call 0x257000 -v  # Invoke through the dispatcher`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "layout file (YAML); defaults to the built-in layout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")

	infoCmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Show image header, sections and layout",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}

	thunksCmd := &cobra.Command{
		Use:   "thunks <image>",
		Short: "Resolve the kernel import table and list every slot",
		Args:  cobra.ExactArgs(1),
		RunE:  showThunks,
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <image> <addr>",
		Short: "Show which tier resolves an address and disassemble the original code",
		Args:  cobra.ExactArgs(2),
		RunE:  showResolve,
	}
	resolveCmd.Flags().IntVarP(&maxInsn, "num", "n", 16, "instructions to disassemble")

	mapCmd := &cobra.Command{
		Use:   "map <image>",
		Short: "Map the image and report the arena placement",
		Args:  cobra.ExactArgs(1),
		RunE:  showMap,
	}

	runCmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Initialise a session and invoke addresses through the dispatcher",
		Args:  cobra.ExactArgs(1),
		RunE:  runCalls,
	}
	runCmd.Flags().StringSliceVar(&callAddrs, "call", nil, "address to call (repeatable)")
	runCmd.Flags().BoolVar(&callAll, "all", false, "call every translated routine in address order")

	rootCmd.AddCommand(infoCmd, thunksCmd, resolveCmd, mapCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) *glog.Logger {
	switch {
	case quiet:
		return glog.NewNop()
	case verbose:
		glog.Init(true)
		return glog.Default()
	}
	return glog.NewLevel(cfg.Log.Level)
}

func loadImage(path string) (*config.Config, *image.Image, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	img, err := image.Load(path, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load image: %w", err)
	}
	return cfg, img, nil
}

func openRuntime(path string, opts ...recomp.Option) (*recomp.Runtime, error) {
	cfg, img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	opts = append([]recomp.Option{recomp.WithLogger(newLogger(cfg))}, opts...)
	return recomp.New(img, cfg, opts...)
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uint32(v), nil
}

func displayPath(path string) string {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}

func printHeader(title, path string) {
	fmt.Println()
	fmt.Printf("%s xrecomp ─ %s\n", colorize.Header("▶"), title)
	fmt.Printf("  %s %s\n", colorize.Detail("Image:"), displayPath(path))
}

func showInfo(cmd *cobra.Command, args []string) error {
	cfg, img, err := loadImage(args[0])
	if err != nil {
		return err
	}

	printHeader("image info", img.Path)
	if img.Title != "" {
		fmt.Printf("  %s %s\n", colorize.Detail("Title:"), colorize.FuncName(img.Title))
	}
	fmt.Printf("  %s %s  %s %s\n",
		colorize.Detail("Base:"), colorize.Address(img.Base),
		colorize.Detail("Entry:"), colorize.Address(img.Entry))
	thunks, count := cfg.Kernel.ThunkTable.U32(), cfg.Kernel.ThunkCount
	if img.ThunkTable != 0 {
		thunks, count = img.ThunkTable, img.ThunkCount
	}
	fmt.Printf("  %s %s × %d\n", colorize.Detail("Thunks:"), colorize.Address(thunks), count)
	if img.Debug {
		fmt.Printf("  %s debug build\n", colorize.Detail("Kind:"))
	}

	fmt.Println()
	fmt.Println(colorize.Border("  name       kind     address   vsize     raw       raw size"))
	for _, s := range img.Sections {
		fmt.Printf("  %-10s %s %s  %08x  %08x  %08x\n",
			s.Name, colorize.Kind(fmt.Sprintf("%-7s", s.Kind)), colorize.Address(s.VirtualAddr),
			s.VirtualSize, s.RawOffset, s.RawSize)
	}

	fmt.Println()
	region := func(name string, base, size uint64) {
		fmt.Printf("  %-12s %s .. %s  %s\n", colorize.Detail(name),
			colorize.Address(uint32(base)), colorize.Address(uint32(base+size-1)), sizeString(size))
	}
	region("arena", uint64(cfg.Arena.LogicalBase), uint64(cfg.Arena.Size))
	region("stack", uint64(cfg.Stack.Base), uint64(cfg.Stack.Size))
	region("heap", uint64(cfg.Heap.Base), uint64(cfg.Heap.Size))
	region("kernel data", uint64(cfg.Kernel.DataBase), uint64(cfg.Kernel.DataSize))
	return nil
}

func sizeString(n uint64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}

func showThunks(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(args[0])
	if err != nil {
		return err
	}
	defer rt.Close()

	if !quiet {
		printHeader("kernel imports", rt.Image().Path)
		fmt.Println()
		fmt.Println(colorize.Border("  slot  ord  name                             kind      target    args  conv"))
	}
	for _, s := range rt.Bridge().Slots() {
		if quiet {
			continue
		}
		name := s.Export.Name
		if name == "" {
			name = "?"
		}
		line := fmt.Sprintf("  %4d  %3d  %-32s %-8s  %s",
			s.Index, s.Ordinal, name, s.Kind, colorize.Address(s.Target))
		if s.Kind == kernel.Function {
			line += fmt.Sprintf("  %4d  %-8s", s.ArgBytes, s.Export.Conv)
			if !s.Bridged() {
				line += "  " + colorize.Error("fallback")
			}
		}
		fmt.Println(line)
	}
	fmt.Println()
	fmt.Println(rt.Stats().String())
	return nil
}

func showResolve(cmd *cobra.Command, args []string) error {
	addr, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	rt, err := openRuntime(args[0])
	if err != nil {
		return err
	}
	defer rt.Close()

	t, ok := rt.Dispatcher().Resolve(addr)
	tier := dispatch.TierNone.String()
	if ok {
		tier = t.Tier.String()
	}
	fmt.Printf("%s  %s %s", colorize.Address(addr), colorize.Detail("tier"), colorize.Tag(tier))
	if t.Name != "" {
		fmt.Printf("  %s", colorize.FuncName(t.Name))
	}
	fmt.Println()

	if s, ok := rt.Image().SectionAt(addr); ok {
		fmt.Printf("%s  %s %s (%s)\n", colorize.Address(addr), colorize.Detail("section"), s.Name, s.Kind)
	}
	code, err := rt.Image().ReadAt(addr, maxInsn*15)
	if err != nil || len(code) == 0 {
		return nil
	}
	fmt.Println()
	for _, line := range disassemble(addr, code, maxInsn) {
		fmt.Println(line)
	}
	return nil
}

// disassemble decodes up to n 32-bit instructions from code, stopping at
// the first return.
func disassemble(pc uint32, code []byte, n int) []string {
	var out []string
	for i := 0; i < n && len(code) > 0; i++ {
		inst, err := x86asm.Decode(code, 32)
		if err != nil {
			out = append(out, fmt.Sprintf("%s  %s  %s", colorize.Address(pc),
				colorize.HexBytes(fmt.Sprintf("%02X", code[0])), colorize.Error("(bad)")))
			pc++
			code = code[1:]
			continue
		}
		text := x86asm.IntelSyntax(inst, uint64(pc), nil)
		out = append(out, fmt.Sprintf("%s  %s  %s", colorize.Address(pc),
			colorize.HexBytes(fmt.Sprintf("%-20X", code[:inst.Len])), colorize.Instruction(text)))
		pc += uint32(inst.Len)
		code = code[inst.Len:]
		if inst.Op == x86asm.RET {
			break
		}
	}
	return out
}

func showMap(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(args[0])
	if err != nil {
		return err
	}
	defer rt.Close()

	a := rt.Arena()
	p := a.Placement()
	printHeader("arena placement", rt.Image().Path)
	fmt.Printf("  %s %s  %s %s  %s %s\n",
		colorize.Detail("Logical:"), colorize.Address(a.LogicalBase()),
		colorize.Detail("Host:"), glog.Hex64(uint64(a.HostBase())),
		colorize.Detail("Size:"), sizeString(a.Size()))
	fmt.Printf("  %s %+#x  %s %d  %s %v  %s %v  %s %v\n",
		colorize.Detail("Offset:"), a.Offset(),
		colorize.Detail("Attempts:"), p.Attempts,
		colorize.Detail("OS chosen:"), p.OSChosen,
		colorize.Detail("Mapped:"), p.Mapped,
		colorize.Detail("Identity:"), a.Identity())
	return nil
}

func runCalls(cmd *cobra.Command, args []string) error {
	var addrs []uint32
	for _, s := range callAddrs {
		addr, err := parseAddr(s)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}

	rt, err := openRuntime(args[0], recomp.WithOnCall(func(pc uint32, category, name, detail string) {
		if quiet {
			return
		}
		e := trace.NewEvent(pc, category, name, detail)
		trace.DefaultEnricher(e)
		printEvent(e)
	}))
	if err != nil {
		return err
	}
	defer rt.Close()

	if !quiet {
		printHeader("run", rt.Image().Path)
		fmt.Printf("  %s %s  %s %s\n",
			colorize.Detail("Session:"), rt.Session(),
			colorize.Detail("Chain:"), strings.Join(rt.Dispatcher().Chain(), " → "))
		fmt.Printf("  %s %s\n\n", colorize.Detail("Thunks:"), rt.Stats())
	}

	var failed int
	for _, addr := range addrs {
		if err := rt.Call(addr); err != nil {
			failed++
			fmt.Println(colorize.Error(err.Error()))
		}
	}
	if callAll {
		done, err := rt.CallAll()
		fmt.Printf("%d/%d %s\n", done, rt.Table().Len(), colorize.Detail("routines completed"))
		if err != nil && verbose {
			fmt.Println(colorize.Error(err.Error()))
		}
	}

	printSummary(rt, failed)
	return nil
}

func printEvent(e *trace.Event) {
	line := fmt.Sprintf("%s  %s", colorize.Address(e.PC), colorize.FuncName(fmt.Sprintf("%-28s", e.Name)))
	if e.Detail != "" {
		line += " " + e.Detail
	}
	line += "  " + colorize.Tag(strings.Join(e.Tags.Strings(), " "))
	fmt.Println(line)
}

func printSummary(rt *recomp.Runtime, failed int) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s calls  %s bridged  %s misses",
		colorize.FuncName(strconv.FormatUint(rt.Dispatcher().Calls(), 10)),
		colorize.FuncName(strconv.FormatUint(rt.Bridge().Calls(), 10)),
		colorize.FuncName(strconv.Itoa(len(rt.Dispatcher().Misses()))))
	if failed > 0 {
		fmt.Printf("  %s", colorize.Error(fmt.Sprintf("%d faulted", failed)))
	}
	fmt.Println()

	if quiet {
		return
	}
	fmt.Println(colorize.Detail(rt.Context().Registers.String()))
	if verbose {
		fallbacks := rt.Bridge().Fallbacks()
		ords := make([]int, 0, len(fallbacks))
		for ord := range fallbacks {
			ords = append(ords, int(ord))
		}
		sort.Ints(ords)
		for _, ord := range ords {
			fmt.Printf("  %s ordinal %d × %d\n", colorize.Error("fallback"), ord, fallbacks[uint16(ord)])
		}
	}
}
