package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultValidates(t *testing.T) {
	for name, cfg := range map[string]*Config{"default": Default(), "small": Small()} {
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s: Validate() = %v", name, err)
		}
	}
}

func TestDefaultLayout(t *testing.T) {
	cfg := Default()
	if got := cfg.StackTop(); got != 0x0087FFF0 {
		t.Errorf("StackTop() = %#x, want 0x87FFF0", got)
	}
	if cfg.Heap.Base.U32() != uint32(cfg.Stack.End()) {
		t.Errorf("heap base %#x does not follow stack end %#x", cfg.Heap.Base, cfg.Stack.End())
	}
	if cfg.Kernel.ThunkTable != 0x0036B7C0 || cfg.Kernel.ThunkCount != 147 {
		t.Errorf("thunk table = %#x x %d", cfg.Kernel.ThunkTable, cfg.Kernel.ThunkCount)
	}
}

func TestLayoutsAreDisjoint(t *testing.T) {
	for name, cfg := range map[string]*Config{"default": Default(), "small": Small()} {
		regions := []namedRegion{
			{"stack", uint64(cfg.Stack.Base), cfg.Stack.End()},
			{"heap", uint64(cfg.Heap.Base), uint64(cfg.Heap.Base) + uint64(cfg.Heap.Size)},
			{"kernel data", uint64(cfg.Kernel.DataBase), uint64(cfg.Kernel.DataBase) + uint64(cfg.Kernel.DataSize)},
		}
		for _, s := range cfg.Sections {
			regions = append(regions, namedRegion{s.Name, uint64(s.VirtualAddr), uint64(s.VirtualAddr) + uint64(s.VirtualSize)})
		}
		for i, a := range regions {
			for _, b := range regions[i+1:] {
				if a.start < b.end && b.start < a.end {
					t.Errorf("%s: %s [%#x, %#x) overlaps %s [%#x, %#x)", name, a.name, a.start, a.end, b.name, b.start, b.end)
				}
			}
		}
		syn := uint64(cfg.Kernel.SyntheticBase)
		if syn < cfg.ArenaEnd() {
			t.Errorf("%s: synthetic base %#x inside arena", name, syn)
		}
	}
}

func TestDefaultKernelDataBetweenImageAndStack(t *testing.T) {
	cfg := Default()
	last := cfg.Sections[len(cfg.Sections)-1]
	lo := uint64(last.VirtualAddr) + uint64(last.VirtualSize)
	start := uint64(cfg.Kernel.DataBase)
	if start < lo || start+uint64(cfg.Kernel.DataSize) > uint64(cfg.Stack.Base) {
		t.Errorf("kernel data [%#x, %#x) not in gap [%#x, %#x)", start, start+uint64(cfg.Kernel.DataSize), lo, cfg.Stack.Base)
	}
}

func TestParseHex(t *testing.T) {
	doc := []byte(`
arena:
  logical_base: 0
  size: 0x400000
  fallbacks: [0x10000000, 268435456]
sections:
  - name: .rdata
    kind: rodata
    va: 0x11000
    vsize: 4096
    raw: 0x1000
    raw_size: 0x1000
stack:
  base: 0x100000
  size: 0x10000
heap:
  base: 0x200000
  size: 0x100000
  min_align: 8
kernel:
  thunk_table: 0x11000
  thunk_count: 4
  data_base: 0x180000
  data_size: 0x1000
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff([]Hex{0x10000000, 0x10000000}, cfg.Arena.Fallbacks); diff != "" {
		t.Errorf("fallbacks (-want +got):\n%s", diff)
	}
	want := []SectionConfig{{Name: ".rdata", Kind: KindReadOnly, VirtualAddr: 0x11000, VirtualSize: 4096, RawOffset: 0x1000, RawSize: 0x1000}}
	if diff := cmp.Diff(want, cfg.Sections); diff != "" {
		t.Errorf("sections (-want +got):\n%s", diff)
	}
	if cfg.Heap.MinAlign != 8 {
		t.Errorf("min_align = %d", cfg.Heap.MinAlign)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"heap overlaps stack", func(c *Config) { c.Heap.Base = c.Stack.Base + 0x100 }},
		{"heap outside arena", func(c *Config) { c.Heap.Size = c.Arena.Size }},
		{"bad alignment", func(c *Config) { c.Heap.MinAlign = 6 }},
		{"unknown kind", func(c *Config) { c.Sections[0].Kind = "bss" }},
		{"thunk table outside", func(c *Config) { c.Kernel.ThunkTable = Hex(c.ArenaEnd()) }},
		{"zero arena", func(c *Config) { c.Arena.Size = 0 }},
		{"kernel data inside .data", func(c *Config) { c.Kernel.DataBase = c.Sections[2].VirtualAddr + 0x1000 }},
		{"heap overlaps .rdata", func(c *Config) { c.Heap.Base = c.Sections[1].VirtualAddr }},
		{"zero heap base", func(c *Config) { c.Heap.Base = 0 }},
		{"synthetic slots inside arena", func(c *Config) { c.Kernel.SyntheticBase = 0x00300000 }},
		{"synthetic slots wrap", func(c *Config) { c.Kernel.SyntheticBase = 0xFFFFFFF0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Small()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidLayout) {
				t.Errorf("Validate() = %v, want ErrInvalidLayout", err)
			}
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	data, err := Small().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "layout.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Small(), cfg); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}
