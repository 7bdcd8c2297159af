// Package image holds the read-only program image handed to the runtime:
// the raw file bytes plus the section table that says where each byte range
// lives in the logical address space.
package image

import (
	"errors"
	"fmt"
	"os"

	"github.com/zboralski/xrecomp/internal/config"
)

// ErrMalformed reports a section whose raw range extends past the end of
// the file, or a header that cannot be decoded.
var ErrMalformed = errors.New("malformed image")

// Kind classifies a section for the mapper.
type Kind int

const (
	Header   Kind = iota // image headers, copied
	Code                 // original machine code, never copied
	ReadOnly             // constants, copied then protected
	Data                 // initialized data plus zero-filled tail
)

func (k Kind) String() string {
	switch k {
	case Header:
		return "header"
	case Code:
		return "code"
	case ReadOnly:
		return "rodata"
	case Data:
		return "data"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a configuration kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case config.KindHeader:
		return Header, nil
	case config.KindCode:
		return Code, nil
	case config.KindReadOnly:
		return ReadOnly, nil
	case config.KindData:
		return Data, nil
	}
	return 0, fmt.Errorf("unknown section kind %q", s)
}

// Section is one contiguous piece of the image.
type Section struct {
	Name        string
	Kind        Kind
	VirtualAddr uint32
	VirtualSize uint32
	RawOffset   uint32
	RawSize     uint32
}

// End returns the exclusive logical end of the section.
func (s Section) End() uint64 { return uint64(s.VirtualAddr) + uint64(s.VirtualSize) }

// Contains reports whether addr falls inside the section's virtual range.
func (s Section) Contains(addr uint32) bool {
	return addr >= s.VirtualAddr && uint64(addr) < s.End()
}

// CopySize is the number of file bytes the mapper copies: the smaller of
// the raw and virtual sizes. The remainder of the virtual range stays zero.
func (s Section) CopySize() uint32 {
	if s.RawSize < s.VirtualSize {
		return s.RawSize
	}
	return s.VirtualSize
}

// Image is an immutable program image.
type Image struct {
	Path     string
	Data     []byte
	Base     uint32
	Entry    uint32
	Sections []Section

	// ThunkTable and ThunkCount come from the XBE header when present;
	// zero means "use the configured table".
	ThunkTable uint32
	ThunkCount int
	Debug      bool
	Title      string
}

// FromBytes builds a raw image whose section table comes from configuration.
func FromBytes(data []byte, cfg *config.Config) (*Image, error) {
	img := &Image{Data: data, Base: cfg.Image.Base.U32()}
	if cfg.Image.IncludeHeader && cfg.Image.HeaderSize > 0 {
		size := uint32(cfg.Image.HeaderSize)
		if int(size) > len(data) {
			size = uint32(len(data))
		}
		img.Sections = append(img.Sections, Section{
			Name: "header", Kind: Header,
			VirtualAddr: img.Base, VirtualSize: size,
			RawOffset: 0, RawSize: size,
		})
	}
	for _, sc := range cfg.Sections {
		kind, err := ParseKind(sc.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		img.Sections = append(img.Sections, Section{
			Name:        sc.Name,
			Kind:        kind,
			VirtualAddr: sc.VirtualAddr.U32(),
			VirtualSize: sc.VirtualSize.U32(),
			RawOffset:   sc.RawOffset.U32(),
			RawSize:     sc.RawSize.U32(),
		})
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// Load reads path and interprets it according to cfg.Image.Format. In auto
// mode files starting with the XBE magic are parsed as XBE, anything else
// is treated as raw.
func Load(path string, cfg *config.Config) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	var img *Image
	switch cfg.Image.Format {
	case config.FormatXBE:
		img, err = ParseXBE(data)
	case config.FormatRaw:
		img, err = FromBytes(data, cfg)
	default:
		if IsXBE(data) {
			img, err = ParseXBE(data)
		} else {
			img, err = FromBytes(data, cfg)
		}
	}
	if err != nil {
		return nil, err
	}
	img.Path = path
	return img, nil
}

// Validate checks that every copied section's raw range lies inside the
// file. Code sections are exempt because they are never read by the mapper.
func (img *Image) Validate() error {
	for _, s := range img.Sections {
		if s.Kind == Code {
			continue
		}
		end := uint64(s.RawOffset) + uint64(s.CopySize())
		if end > uint64(len(img.Data)) {
			return fmt.Errorf("%w: section %s raw range [0x%X, 0x%X) exceeds file size 0x%X",
				ErrMalformed, s.Name, s.RawOffset, end, len(img.Data))
		}
	}
	return nil
}

// SectionAt returns the section containing the logical address.
func (img *Image) SectionAt(addr uint32) (Section, bool) {
	for _, s := range img.Sections {
		if s.Contains(addr) {
			return s, true
		}
	}
	return Section{}, false
}

// Section returns the first section with the given name.
func (img *Image) Section(name string) (Section, bool) {
	for _, s := range img.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// ReadAt returns up to n original file bytes backing the logical address.
// Bytes past the section's raw data are not returned.
func (img *Image) ReadAt(addr uint32, n int) ([]byte, error) {
	s, ok := img.SectionAt(addr)
	if !ok {
		return nil, fmt.Errorf("address 0x%08X not in any section", addr)
	}
	rel := addr - s.VirtualAddr
	if rel >= s.RawSize {
		return nil, fmt.Errorf("address 0x%08X is in the zero-filled tail of %s", addr, s.Name)
	}
	avail := int(s.RawSize - rel)
	if n > avail {
		n = avail
	}
	off := int(s.RawOffset) + int(rel)
	if off+n > len(img.Data) {
		return nil, fmt.Errorf("%w: section %s truncated", ErrMalformed, s.Name)
	}
	return img.Data[off : off+n], nil
}
