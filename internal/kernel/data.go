package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/xrecomp/internal/arena"
	"github.com/zboralski/xrecomp/internal/heap"
)

// Offsets of the data export records inside the kernel data region.
const (
	DataHardwareInfo     = 0x000
	DataKrnlVersion      = 0x010
	DataTickCount        = 0x020
	DataLaunchDataPage   = 0x030
	DataThreadObjectType = 0x040
	DataEventObjectType  = 0x050
	DataXeImageFileName  = 0x060
	DataIoCompletionType = 0x070
	DataIoDeviceType     = 0x080
	DataHDKey            = 0x100
	DataSignatureKey     = 0x110
	DataLANKey           = 0x120
	DataAltSignatureKeys = 0x130
	DataXePublicKey      = 0x300
	DataImageNameBuffer  = 0x500

	dataRegionMin  = 0x600
	launchPageSize = 0x1000
)

// Reported console identity: a retail unit with the NV2A D2 and MCPX D4
// revisions, running kernel 1.0.5849.1.
const (
	hardwareFlags = 0x00000020
	gpuRevision   = 0xD2
	mcpRevision   = 0xD4

	kernelMajor = 1
	kernelMinor = 0
	kernelBuild = 5849
	kernelQfe   = 1
)

// dataOffsets maps each data ordinal to its record.
var dataOffsets = map[uint16]uint32{
	17:  DataEventObjectType,
	65:  DataIoCompletionType,
	71:  DataIoDeviceType,
	156: DataTickCount,
	164: DataLaunchDataPage,
	259: DataThreadObjectType,
	322: DataHardwareInfo,
	323: DataHDKey,
	324: DataKrnlVersion,
	325: DataSignatureKey,
	326: DataLANKey,
	327: DataAltSignatureKeys,
	328: DataXeImageFileName,
	355: DataLANKey,
	356: DataAltSignatureKeys,
	357: DataXePublicKey,
}

// typeTags name the placeholder object-type records. Each record holds a
// pointer to its own tag so that code comparing type pointers sees a
// stable, distinct value per type.
var typeTags = map[uint32]string{
	DataThreadObjectType: "Thrd",
	DataEventObjectType:  "Evnt",
	DataIoCompletionType: "IoCo",
	DataIoDeviceType:     "Devi",
}

// populateData writes every data export record. Keys and public key data
// stay zero. The launch data page is a zeroed page from the allocator.
func populateData(a *arena.Arena, h *heap.Heap, base, size uint32, imageName string) error {
	if size < dataRegionMin {
		return fmt.Errorf("kernel data region 0x%X bytes, need 0x%X", size, dataRegionMin)
	}
	if len(imageName)+1 > int(size-DataImageNameBuffer) {
		return fmt.Errorf("image name %q does not fit the data region", imageName)
	}
	region, err := a.MutView(base, size)
	if err != nil {
		return fmt.Errorf("kernel data region: %w", err)
	}
	clear(region)
	le := binary.LittleEndian

	le.PutUint32(region[DataHardwareInfo:], hardwareFlags)
	region[DataHardwareInfo+4] = gpuRevision
	region[DataHardwareInfo+5] = mcpRevision

	le.PutUint16(region[DataKrnlVersion+0:], kernelMajor)
	le.PutUint16(region[DataKrnlVersion+2:], kernelMinor)
	le.PutUint16(region[DataKrnlVersion+4:], kernelBuild)
	le.PutUint16(region[DataKrnlVersion+6:], kernelQfe)

	for off, tag := range typeTags {
		le.PutUint32(region[off:], base+off+8)
		copy(region[off+8:off+12], tag)
	}

	copy(region[DataImageNameBuffer:], imageName)
	le.PutUint16(region[DataXeImageFileName+0:], uint16(len(imageName)))
	le.PutUint16(region[DataXeImageFileName+2:], uint16(len(imageName)+1))
	le.PutUint32(region[DataXeImageFileName+4:], base+DataImageNameBuffer)

	if h != nil {
		page := h.Alloc(launchPageSize, launchPageSize)
		if page == 0 {
			return fmt.Errorf("allocate launch data page: heap exhausted")
		}
		if err := a.Zero(page, launchPageSize); err != nil {
			return fmt.Errorf("launch data page: %w", err)
		}
		le.PutUint32(region[DataLaunchDataPage:], page)
	}
	return nil
}
