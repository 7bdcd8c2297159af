package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// XBE header field offsets.
const (
	xbeMagic          = "XBEH"
	offBaseAddr       = 0x104
	offHeadersSize    = 0x108
	offImageSize      = 0x10C
	offCertificate    = 0x118
	offNumSections    = 0x11C
	offSectionHeaders = 0x120
	offEntry          = 0x128
	offKernelThunk    = 0x158
	sectionHeaderSize = 56
	certTitleOffset   = 12
	certTitleBytes    = 80

	entryRetailXor = 0xA8FC57AB
	entryDebugXor  = 0x94859D4B
	thunkRetailXor = 0x5B6D40B6
	thunkDebugXor  = 0xEFB1F152

	sectionWritable   = 0x1
	sectionExecutable = 0x4
)

// IsXBE reports whether data starts with the XBE magic.
func IsXBE(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == xbeMagic
}

type reader struct {
	data []byte
	err  error
}

func (r *reader) u32(off uint32) uint32 {
	if r.err != nil {
		return 0
	}
	if uint64(off)+4 > uint64(len(r.data)) {
		r.err = fmt.Errorf("%w: read at 0x%X past end of file", ErrMalformed, off)
		return 0
	}
	return binary.LittleEndian.Uint32(r.data[off:])
}

func (r *reader) cstring(off uint32, max int) string {
	if r.err != nil || int(off) >= len(r.data) {
		return ""
	}
	b := r.data[off:]
	if len(b) > max {
		b = b[:max]
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// ParseXBE decodes an Xbox executable header and derives the section table.
// The entry point and kernel thunk address are XOR-encoded with either the
// retail or debug keys; the retail key is chosen unless only the debug key
// yields an entry point inside the image.
func ParseXBE(data []byte) (*Image, error) {
	if !IsXBE(data) {
		return nil, fmt.Errorf("%w: missing XBE magic", ErrMalformed)
	}
	r := &reader{data: data}
	base := r.u32(offBaseAddr)
	headersSize := r.u32(offHeadersSize)
	imageSize := r.u32(offImageSize)
	certAddr := r.u32(offCertificate)
	numSections := r.u32(offNumSections)
	sectionHeaders := r.u32(offSectionHeaders)
	entryRaw := r.u32(offEntry)
	thunkRaw := r.u32(offKernelThunk)
	if r.err != nil {
		return nil, r.err
	}

	img := &Image{Data: data, Base: base}

	inImage := func(va uint32) bool { return va >= base && uint64(va) < uint64(base)+uint64(imageSize) }
	retail := entryRaw ^ entryRetailXor
	debug := entryRaw ^ entryDebugXor
	switch {
	case inImage(retail):
		img.Entry = retail
	case inImage(debug):
		img.Entry, img.Debug = debug, true
	default:
		img.Entry = retail
	}
	if img.Debug {
		img.ThunkTable = thunkRaw ^ thunkDebugXor
	} else {
		img.ThunkTable = thunkRaw ^ thunkRetailXor
	}

	if headersSize > 0 {
		hs := headersSize
		if int(hs) > len(data) {
			return nil, fmt.Errorf("%w: headers size 0x%X exceeds file", ErrMalformed, hs)
		}
		img.Sections = append(img.Sections, Section{
			Name: "header", Kind: Header,
			VirtualAddr: base, VirtualSize: hs, RawOffset: 0, RawSize: hs,
		})
	}

	if sectionHeaders < base {
		return nil, fmt.Errorf("%w: section headers at 0x%X below base 0x%X", ErrMalformed, sectionHeaders, base)
	}
	off := sectionHeaders - base
	for i := uint32(0); i < numSections; i++ {
		h := off + i*sectionHeaderSize
		flags := r.u32(h + 0)
		s := Section{
			VirtualAddr: r.u32(h + 4),
			VirtualSize: r.u32(h + 8),
			RawOffset:   r.u32(h + 12),
			RawSize:     r.u32(h + 16),
		}
		nameAddr := r.u32(h + 20)
		if r.err != nil {
			return nil, r.err
		}
		if nameAddr >= base {
			s.Name = r.cstring(nameAddr-base, 32)
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("section%d", i)
		}
		switch {
		case flags&sectionExecutable != 0:
			s.Kind = Code
		case flags&sectionWritable != 0:
			s.Kind = Data
		default:
			s.Kind = ReadOnly
		}
		img.Sections = append(img.Sections, s)
	}

	if certAddr >= base {
		img.Title = readUTF16(data, certAddr-base+certTitleOffset, certTitleBytes)
	}
	img.ThunkCount = img.countThunks()

	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// countThunks walks the thunk table until its zero terminator.
func (img *Image) countThunks() int {
	if img.ThunkTable == 0 {
		return 0
	}
	n := 0
	for {
		b, err := img.ReadAt(img.ThunkTable+uint32(n*4), 4)
		if err != nil || len(b) < 4 {
			return n
		}
		v := binary.LittleEndian.Uint32(b)
		if v == 0 {
			return n
		}
		n++
	}
}

func readUTF16(data []byte, off uint32, n int) string {
	if uint64(off)+uint64(n) > uint64(len(data)) {
		return ""
	}
	b := data[off : off+uint32(n)]
	units := make([]uint16, 0, n/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
