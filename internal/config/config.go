// Package config describes the logical address-space layout and runtime
// settings of an xrecomp session. Layouts are plain YAML documents; every
// integer field accepts decimal or 0x-prefixed hex.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrInvalidLayout is returned by Validate when regions overlap or fall
// outside the arena.
var ErrInvalidLayout = errors.New("invalid layout")

// Hex is an integer that decodes from either decimal or 0x-prefixed YAML
// scalars and encodes back as hex.
type Hex uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected integer scalar", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*h = Hex(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (h Hex) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("0x%X", uint64(h)), nil
}

// U32 returns the value truncated to a logical address.
func (h Hex) U32() uint32 { return uint32(h) }

// Image format names.
const (
	FormatAuto = "auto"
	FormatRaw  = "raw"
	FormatXBE  = "xbe"
)

// Section kind names used in YAML.
const (
	KindHeader   = "header"
	KindCode     = "code"
	KindReadOnly = "rodata"
	KindData     = "data"
)

// Config is the complete runtime configuration.
type Config struct {
	Image     ImageConfig     `yaml:"image"`
	Arena     ArenaConfig     `yaml:"arena"`
	Sections  []SectionConfig `yaml:"sections"`
	Stack     Region          `yaml:"stack"`
	Heap      HeapConfig      `yaml:"heap"`
	Kernel    KernelConfig    `yaml:"kernel"`
	LowMemory LowMemoryConfig `yaml:"low_memory"`
	Host      HostConfig      `yaml:"host"`
	Log       LogConfig       `yaml:"log"`
}

// ImageConfig selects how the program image file is interpreted.
type ImageConfig struct {
	Format string `yaml:"format"` // auto, raw, xbe
	// Base is the logical address of file offset 0 in raw mode.
	Base Hex `yaml:"base"`
	// IncludeHeader maps the image header region (raw bytes 0..HeaderSize)
	// at Base.
	IncludeHeader bool `yaml:"include_header"`
	HeaderSize    Hex  `yaml:"header_size"`
}

// ArenaConfig controls placement of the host reservation.
type ArenaConfig struct {
	LogicalBase Hex `yaml:"logical_base"`
	Size        Hex `yaml:"size"`
	// Fallbacks are tried in order when the host cannot place the arena at
	// LogicalBase. The OS-chosen address is always the final attempt.
	Fallbacks       []Hex `yaml:"fallbacks"`
	ProtectReadOnly bool  `yaml:"protect_readonly"`
}

// SectionConfig describes one image section in raw mode.
type SectionConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	VirtualAddr Hex    `yaml:"va"`
	VirtualSize Hex    `yaml:"vsize"`
	RawOffset   Hex    `yaml:"raw"`
	RawSize     Hex    `yaml:"raw_size"`
}

// Region is a logical [Base, Base+Size) range.
type Region struct {
	Base Hex `yaml:"base"`
	Size Hex `yaml:"size"`
}

// End returns the exclusive end of the region.
func (r Region) End() uint64 { return uint64(r.Base) + uint64(r.Size) }

// HeapConfig configures the arena allocator.
type HeapConfig struct {
	Base     Hex `yaml:"base"`
	Size     Hex `yaml:"size"`
	MinAlign Hex `yaml:"min_align"`
}

// KernelConfig locates the thunk table and the kernel data region.
type KernelConfig struct {
	ThunkTable    Hex `yaml:"thunk_table"`
	ThunkCount    int `yaml:"thunk_count"`
	SyntheticBase Hex `yaml:"synthetic_base"`
	DataBase      Hex `yaml:"data_base"`
	DataSize      Hex `yaml:"data_size"`
	// ImageName is published through the XeImageFileName data export.
	ImageName string `yaml:"image_name"`
}

// LowMemoryConfig controls the thread-information block fixups written at
// logical address 0.
type LowMemoryConfig struct {
	Enabled      bool `yaml:"enabled"`
	SentinelAddr Hex  `yaml:"sentinel_addr"`
	SentinelSize Hex  `yaml:"sentinel_size"`
}

// HostConfig names the host directories behind the file service.
type HostConfig struct {
	GameDir string `yaml:"game_dir"`
	SaveDir string `yaml:"save_dir"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the layout of the shipped title: image base 0x10000,
// constants and initialized data at their original addresses, a 1 MB stack
// at 0x780000 and a 96 MB heap directly above it.
func Default() *Config {
	return &Config{
		Image: ImageConfig{
			Format:        FormatAuto,
			Base:          0x00010000,
			IncludeHeader: true,
			HeaderSize:    0x1000,
		},
		Arena: ArenaConfig{
			LogicalBase:     0,
			Size:            0x00880000 + 96<<20,
			Fallbacks:       []Hex{0x10000000, 0x40000000, 0x200000000},
			ProtectReadOnly: true,
		},
		Sections: []SectionConfig{
			{Name: ".text", Kind: KindCode, VirtualAddr: 0x00011000, VirtualSize: 2863616, RawOffset: 0x00001000, RawSize: 2863616},
			{Name: ".rdata", Kind: KindReadOnly, VirtualAddr: 0x0036B7C0, VirtualSize: 289684, RawOffset: 0x0035C000, RawSize: 289684},
			{Name: ".data", Kind: KindData, VirtualAddr: 0x003B2360, VirtualSize: 3904988, RawOffset: 0x003A3000, RawSize: 424960},
			{Name: "DOLBY", Kind: KindData, VirtualAddr: 0x0076B940, VirtualSize: 29056, RawOffset: 0x0040C000, RawSize: 29056},
			{Name: "XON_RD", Kind: KindReadOnly, VirtualAddr: 0x00772AC0, VirtualSize: 5416, RawOffset: 0x00414000, RawSize: 5416},
			{Name: ".data1", Kind: KindData, VirtualAddr: 0x00774000, VirtualSize: 224, RawOffset: 0x00416000, RawSize: 224},
		},
		Stack: Region{Base: 0x00780000, Size: 1 << 20},
		Heap:  HeapConfig{Base: 0x00880000, Size: 96 << 20, MinAlign: 4},
		Kernel: KernelConfig{
			ThunkTable:    0x0036B7C0,
			ThunkCount:    147,
			SyntheticBase: 0xFE000000,
			DataBase:      0x00775000,
			DataSize:      0x1000,
			ImageName:     `\Device\CdRom0\default.xbe`,
		},
		LowMemory: LowMemoryConfig{Enabled: true, SentinelAddr: 0x100, SentinelSize: 0x100},
		Host:      HostConfig{GameDir: ".", SaveDir: "save"},
		Log:       LogConfig{Level: "warn"},
	}
}

// Small returns a compact layout for tests and synthetic images: a 16 KB
// image at 0x10000 with a constant section at 0x11000, a 64 KB stack and a
// 1 MB heap inside a 4 MB arena.
func Small() *Config {
	return &Config{
		Image: ImageConfig{Format: FormatRaw, Base: 0x00010000},
		Arena: ArenaConfig{
			LogicalBase:     0,
			Size:            4 << 20,
			Fallbacks:       []Hex{0x10000000, 0x40000000, 0x200000000},
			ProtectReadOnly: true,
		},
		Sections: []SectionConfig{
			{Name: ".text", Kind: KindCode, VirtualAddr: 0x00010000, VirtualSize: 0x1000, RawOffset: 0x0000, RawSize: 0x1000},
			{Name: ".rdata", Kind: KindReadOnly, VirtualAddr: 0x00011000, VirtualSize: 0x1000, RawOffset: 0x1000, RawSize: 0x1000},
			{Name: ".data", Kind: KindData, VirtualAddr: 0x00012000, VirtualSize: 0x4000, RawOffset: 0x2000, RawSize: 0x2000},
		},
		Stack: Region{Base: 0x00100000, Size: 64 << 10},
		Heap:  HeapConfig{Base: 0x00200000, Size: 1 << 20, MinAlign: 4},
		Kernel: KernelConfig{
			ThunkTable:    0x00011000,
			ThunkCount:    16,
			SyntheticBase: 0xFE000000,
			DataBase:      0x00180000,
			DataSize:      0x1000,
			ImageName:     `\Device\CdRom0\default.xbe`,
		},
		LowMemory: LowMemoryConfig{Enabled: true, SentinelAddr: 0x100, SentinelSize: 0x100},
		Host:      HostConfig{GameDir: ".", SaveDir: "save"},
		Log:       LogConfig{Level: "warn"},
	}
}

// Load reads and validates a YAML configuration file. Fields absent from
// the file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// StackTop returns the initial stack pointer: 16 bytes below the end of the
// stack region.
func (c *Config) StackTop() uint32 {
	return uint32(c.Stack.End() - 16)
}

// ArenaEnd returns the exclusive logical end of the arena.
func (c *Config) ArenaEnd() uint64 {
	return uint64(c.Arena.LogicalBase) + uint64(c.Arena.Size)
}

type namedRegion struct {
	name       string
	start, end uint64
}

// checkOverlaps reports the first pair of regions that share an address.
func checkOverlaps(regions []namedRegion) error {
	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	for i := 1; i < len(regions); i++ {
		if regions[i].start < regions[i-1].end {
			return fmt.Errorf("%w: %s [0x%X, 0x%X) overlaps %s [0x%X, 0x%X)", ErrInvalidLayout,
				regions[i-1].name, regions[i-1].start, regions[i-1].end,
				regions[i].name, regions[i].start, regions[i].end)
		}
	}
	return nil
}

// Validate checks that every region lies inside the arena, that the stack,
// heap, kernel data region and non-code sections are pairwise disjoint,
// that the thunk table fits inside the arena and that synthetic slot
// addresses stay outside it.
func (c *Config) Validate() error {
	if c.Arena.Size == 0 {
		return fmt.Errorf("%w: arena size is zero", ErrInvalidLayout)
	}
	if c.ArenaEnd() > 1<<32 {
		return fmt.Errorf("%w: arena exceeds the 32-bit logical space", ErrInvalidLayout)
	}
	if c.Heap.MinAlign != 0 && c.Heap.MinAlign&(c.Heap.MinAlign-1) != 0 {
		return fmt.Errorf("%w: heap min_align %d is not a power of two", ErrInvalidLayout, c.Heap.MinAlign)
	}
	if c.Stack.Size < 64 {
		return fmt.Errorf("%w: stack too small", ErrInvalidLayout)
	}

	base := uint64(c.Arena.LogicalBase)
	end := c.ArenaEnd()
	within := func(name string, start, size uint64) error {
		if start < base || start+size > end {
			return fmt.Errorf("%w: %s [0x%X, 0x%X) outside arena [0x%X, 0x%X)",
				ErrInvalidLayout, name, start, start+size, base, end)
		}
		return nil
	}

	// A zero heap base would hand out the null pointer as its first block.
	if c.Heap.Base == 0 {
		return fmt.Errorf("%w: heap base is zero", ErrInvalidLayout)
	}

	regions := []namedRegion{
		{"stack", uint64(c.Stack.Base), c.Stack.End()},
		{"heap", uint64(c.Heap.Base), uint64(c.Heap.Base) + uint64(c.Heap.Size)},
		{"kernel data", uint64(c.Kernel.DataBase), uint64(c.Kernel.DataBase) + uint64(c.Kernel.DataSize)},
	}
	for _, r := range regions {
		if err := within(r.name, r.start, r.end-r.start); err != nil {
			return err
		}
	}

	for _, s := range c.Sections {
		switch s.Kind {
		case KindHeader, KindCode, KindReadOnly, KindData:
		default:
			return fmt.Errorf("%w: section %s has unknown kind %q", ErrInvalidLayout, s.Name, s.Kind)
		}
		if s.Kind == KindCode {
			continue
		}
		start := uint64(s.VirtualAddr)
		if err := within("section "+s.Name, start, uint64(s.VirtualSize)); err != nil {
			return err
		}
		if s.VirtualSize > 0 {
			regions = append(regions, namedRegion{"section " + s.Name, start, start + uint64(s.VirtualSize)})
		}
	}
	if err := checkOverlaps(regions); err != nil {
		return err
	}

	if c.Kernel.ThunkCount < 0 {
		return fmt.Errorf("%w: negative thunk count", ErrInvalidLayout)
	}
	if c.Kernel.ThunkCount > 0 {
		if err := within("thunk table", uint64(c.Kernel.ThunkTable), uint64(c.Kernel.ThunkCount)*4); err != nil {
			return err
		}
		// Synthetic slot addresses must never alias a real arena address.
		syn := uint64(c.Kernel.SyntheticBase)
		synEnd := syn + uint64(c.Kernel.ThunkCount)*4
		if synEnd > 1<<32 {
			return fmt.Errorf("%w: synthetic slots exceed the 32-bit logical space", ErrInvalidLayout)
		}
		if syn < end && base < synEnd {
			return fmt.Errorf("%w: synthetic slots [0x%X, 0x%X) intersect arena [0x%X, 0x%X)",
				ErrInvalidLayout, syn, synEnd, base, end)
		}
	}
	if c.LowMemory.Enabled {
		if err := within("low memory sentinel", uint64(c.LowMemory.SentinelAddr), uint64(c.LowMemory.SentinelSize)); err != nil {
			return err
		}
		if base != 0 {
			return fmt.Errorf("%w: low memory fixups need an arena at logical 0", ErrInvalidLayout)
		}
	}
	return nil
}
