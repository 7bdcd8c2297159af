package kernel

import "fmt"

// ExportKind says whether an ordinal names a variable or a routine.
type ExportKind int

const (
	Unknown ExportKind = iota
	Data
	Function
)

func (k ExportKind) String() string {
	switch k {
	case Data:
		return "data"
	case Function:
		return "function"
	}
	return "unknown"
}

// Convention is the calling convention of a function export.
type Convention int

const (
	Stdcall  Convention = iota // callee pops ArgBytes
	Fastcall                   // first two arguments in ECX and EDX
	Cdecl                      // caller pops
)

func (c Convention) String() string {
	switch c {
	case Fastcall:
		return "fastcall"
	case Cdecl:
		return "cdecl"
	}
	return "stdcall"
}

// Export describes one kernel ordinal the program imports.
type Export struct {
	Ordinal uint16
	Name    string
	Kind    ExportKind
	Conv    Convention
	// ArgBytes is the number of stack bytes the callee removes on return.
	// Zero for data exports, cdecl routines and register-only fastcalls.
	ArgBytes uint32
}

func (e Export) String() string {
	if e.Kind == Data {
		return fmt.Sprintf("%s (#%d, data)", e.Name, e.Ordinal)
	}
	return fmt.Sprintf("%s (#%d, %s, %d)", e.Name, e.Ordinal, e.Conv, e.ArgBytes)
}

// LookupExport returns the static description of an ordinal.
func LookupExport(ordinal uint16) (Export, bool) {
	e, ok := exports[ordinal]
	return e, ok
}

// ExportCount returns the number of ordinals the bridge knows about.
func ExportCount() int { return len(exports) }

// exports covers every ordinal the title imports. Argument byte counts
// follow the kernel prototypes; 64-bit by-value arguments count twice.
var exports = map[uint16]Export{
	1:   {Ordinal: 1, Name: "AvGetSavedDataAddress", Kind: Function, ArgBytes: 0},
	2:   {Ordinal: 2, Name: "AvSendTVEncoderOption", Kind: Function, ArgBytes: 16},
	3:   {Ordinal: 3, Name: "AvSetDisplayMode", Kind: Function, ArgBytes: 24},
	4:   {Ordinal: 4, Name: "AvSetSavedDataAddress", Kind: Function, ArgBytes: 4},
	8:   {Ordinal: 8, Name: "DbgPrint", Kind: Function, Conv: Cdecl},
	15:  {Ordinal: 15, Name: "ExAllocatePool", Kind: Function, ArgBytes: 4},
	16:  {Ordinal: 16, Name: "ExAllocatePoolWithTag", Kind: Function, ArgBytes: 8},
	17:  {Ordinal: 17, Name: "ExEventObjectType", Kind: Data},
	23:  {Ordinal: 23, Name: "Unknown_23", Kind: Function, ArgBytes: 0},
	24:  {Ordinal: 24, Name: "ExQueryPoolBlockSize", Kind: Function, ArgBytes: 4},
	40:  {Ordinal: 40, Name: "HalClearSoftwareInterrupt", Kind: Function, Conv: Fastcall},
	41:  {Ordinal: 41, Name: "HalDisableSystemInterrupt", Kind: Function, ArgBytes: 8},
	42:  {Ordinal: 42, Name: "Unknown_42", Kind: Function, ArgBytes: 0},
	44:  {Ordinal: 44, Name: "HalGetInterruptVector", Kind: Function, ArgBytes: 8},
	46:  {Ordinal: 46, Name: "HalReadSMCTrayState", Kind: Function, ArgBytes: 8},
	47:  {Ordinal: 47, Name: "HalReadWritePCISpace", Kind: Function, ArgBytes: 24},
	49:  {Ordinal: 49, Name: "HalRequestSoftwareInterrupt", Kind: Function, Conv: Fastcall},
	62:  {Ordinal: 62, Name: "IoBuildDeviceIoControlRequest", Kind: Function, ArgBytes: 36},
	65:  {Ordinal: 65, Name: "IoCompletionObjectType", Kind: Data},
	67:  {Ordinal: 67, Name: "IoCreateFile", Kind: Function, ArgBytes: 40},
	69:  {Ordinal: 69, Name: "IoDeleteDevice", Kind: Function, ArgBytes: 4},
	71:  {Ordinal: 71, Name: "IoDeviceObjectType", Kind: Data},
	74:  {Ordinal: 74, Name: "IoInitializeIrp", Kind: Function, ArgBytes: 12},
	81:  {Ordinal: 81, Name: "IoSetIoCompletion", Kind: Function, ArgBytes: 20},
	83:  {Ordinal: 83, Name: "IoStartNextPacket", Kind: Function, ArgBytes: 8},
	84:  {Ordinal: 84, Name: "IoStartNextPacketByKey", Kind: Function, ArgBytes: 12},
	85:  {Ordinal: 85, Name: "IoStartPacket", Kind: Function, ArgBytes: 16},
	86:  {Ordinal: 86, Name: "IoSynchronousDeviceIoControlRequest", Kind: Function, ArgBytes: 32},
	87:  {Ordinal: 87, Name: "IoSynchronousFsdRequest", Kind: Function, ArgBytes: 20},
	95:  {Ordinal: 95, Name: "KeAlertThread", Kind: Function, ArgBytes: 8},
	97:  {Ordinal: 97, Name: "KeBugCheck", Kind: Function, ArgBytes: 4},
	98:  {Ordinal: 98, Name: "KeBugCheckEx", Kind: Function, ArgBytes: 20},
	99:  {Ordinal: 99, Name: "KeCancelTimer", Kind: Function, ArgBytes: 4},
	100: {Ordinal: 100, Name: "KeConnectInterrupt", Kind: Function, ArgBytes: 4},
	107: {Ordinal: 107, Name: "KeInitializeDpc", Kind: Function, ArgBytes: 12},
	109: {Ordinal: 109, Name: "KeInitializeInterrupt", Kind: Function, ArgBytes: 28},
	113: {Ordinal: 113, Name: "KeInitializeTimerEx", Kind: Function, ArgBytes: 8},
	119: {Ordinal: 119, Name: "KeInsertQueueDpc", Kind: Function, ArgBytes: 12},
	124: {Ordinal: 124, Name: "KeQueryBasePriorityThread", Kind: Function, ArgBytes: 4},
	126: {Ordinal: 126, Name: "KeQueryPerformanceCounter", Kind: Function, ArgBytes: 0},
	127: {Ordinal: 127, Name: "KeQueryPerformanceFrequency", Kind: Function, ArgBytes: 0},
	128: {Ordinal: 128, Name: "KeQuerySystemTime", Kind: Function, ArgBytes: 4},
	129: {Ordinal: 129, Name: "KeRaiseIrqlToDpcLevel", Kind: Function, ArgBytes: 0},
	137: {Ordinal: 137, Name: "KeRemoveQueueDpc", Kind: Function, ArgBytes: 4},
	139: {Ordinal: 139, Name: "KeRestoreFloatingPointState", Kind: Function, ArgBytes: 4},
	142: {Ordinal: 142, Name: "KeSaveFloatingPointState", Kind: Function, ArgBytes: 4},
	143: {Ordinal: 143, Name: "KeSetBasePriorityThread", Kind: Function, ArgBytes: 8},
	145: {Ordinal: 145, Name: "KeSetEvent", Kind: Function, ArgBytes: 12},
	149: {Ordinal: 149, Name: "KeSetTimer", Kind: Function, ArgBytes: 16},
	150: {Ordinal: 150, Name: "KeSetTimerEx", Kind: Function, ArgBytes: 20},
	151: {Ordinal: 151, Name: "KeStallExecutionProcessor", Kind: Function, ArgBytes: 4},
	153: {Ordinal: 153, Name: "KeSynchronizeExecution", Kind: Function, ArgBytes: 12},
	156: {Ordinal: 156, Name: "KeTickCount", Kind: Data},
	158: {Ordinal: 158, Name: "KeWaitForMultipleObjects", Kind: Function, ArgBytes: 32},
	159: {Ordinal: 159, Name: "KeWaitForSingleObject", Kind: Function, ArgBytes: 20},
	160: {Ordinal: 160, Name: "KfRaiseIrql", Kind: Function, Conv: Fastcall},
	161: {Ordinal: 161, Name: "KfLowerIrql", Kind: Function, Conv: Fastcall},
	164: {Ordinal: 164, Name: "LaunchDataPage", Kind: Data},
	165: {Ordinal: 165, Name: "MmAllocateContiguousMemory", Kind: Function, ArgBytes: 4},
	166: {Ordinal: 166, Name: "MmAllocateContiguousMemoryEx", Kind: Function, ArgBytes: 20},
	168: {Ordinal: 168, Name: "MmClaimGpuInstanceMemory", Kind: Function, ArgBytes: 8},
	169: {Ordinal: 169, Name: "MmCreateKernelStack", Kind: Function, ArgBytes: 8},
	170: {Ordinal: 170, Name: "MmDeleteKernelStack", Kind: Function, ArgBytes: 8},
	171: {Ordinal: 171, Name: "MmFreeContiguousMemory", Kind: Function, ArgBytes: 4},
	173: {Ordinal: 173, Name: "MmGetPhysicalAddress", Kind: Function, ArgBytes: 4},
	175: {Ordinal: 175, Name: "MmLockUnlockBufferPages", Kind: Function, ArgBytes: 12},
	176: {Ordinal: 176, Name: "MmLockUnlockPhysicalPage", Kind: Function, ArgBytes: 8},
	178: {Ordinal: 178, Name: "MmPersistContiguousMemory", Kind: Function, ArgBytes: 12},
	179: {Ordinal: 179, Name: "MmQueryAddressProtect", Kind: Function, ArgBytes: 4},
	180: {Ordinal: 180, Name: "MmQueryAllocationSize", Kind: Function, ArgBytes: 4},
	181: {Ordinal: 181, Name: "MmQueryStatistics", Kind: Function, ArgBytes: 4},
	182: {Ordinal: 182, Name: "MmSetAddressProtect", Kind: Function, ArgBytes: 12},
	184: {Ordinal: 184, Name: "NtAllocateVirtualMemory", Kind: Function, ArgBytes: 20},
	187: {Ordinal: 187, Name: "NtClose", Kind: Function, ArgBytes: 4},
	189: {Ordinal: 189, Name: "NtCreateEvent", Kind: Function, ArgBytes: 16},
	190: {Ordinal: 190, Name: "NtCreateFile", Kind: Function, ArgBytes: 36},
	193: {Ordinal: 193, Name: "NtCreateSemaphore", Kind: Function, ArgBytes: 16},
	195: {Ordinal: 195, Name: "NtDeleteFile", Kind: Function, ArgBytes: 4},
	196: {Ordinal: 196, Name: "NtDeviceIoControlFile", Kind: Function, ArgBytes: 40},
	197: {Ordinal: 197, Name: "NtDuplicateObject", Kind: Function, ArgBytes: 12},
	198: {Ordinal: 198, Name: "NtFlushBuffersFile", Kind: Function, ArgBytes: 8},
	199: {Ordinal: 199, Name: "NtFreeVirtualMemory", Kind: Function, ArgBytes: 12},
	200: {Ordinal: 200, Name: "NtFsControlFile", Kind: Function, ArgBytes: 40},
	202: {Ordinal: 202, Name: "NtOpenFile", Kind: Function, ArgBytes: 24},
	203: {Ordinal: 203, Name: "NtOpenSymbolicLinkObject", Kind: Function, ArgBytes: 8},
	207: {Ordinal: 207, Name: "NtQueryDirectoryFile", Kind: Function, ArgBytes: 36},
	210: {Ordinal: 210, Name: "NtQueryFullAttributesFile", Kind: Function, ArgBytes: 8},
	211: {Ordinal: 211, Name: "NtQueryInformationFile", Kind: Function, ArgBytes: 20},
	215: {Ordinal: 215, Name: "NtQuerySymbolicLinkObject", Kind: Function, ArgBytes: 12},
	217: {Ordinal: 217, Name: "NtQueryVirtualMemory", Kind: Function, ArgBytes: 16},
	218: {Ordinal: 218, Name: "NtQueryVolumeInformationFile", Kind: Function, ArgBytes: 20},
	219: {Ordinal: 219, Name: "NtReadFile", Kind: Function, ArgBytes: 32},
	222: {Ordinal: 222, Name: "NtReleaseSemaphore", Kind: Function, ArgBytes: 12},
	225: {Ordinal: 225, Name: "NtSetEvent", Kind: Function, ArgBytes: 8},
	226: {Ordinal: 226, Name: "NtSetInformationFile", Kind: Function, ArgBytes: 20},
	228: {Ordinal: 228, Name: "NtSetSystemTime", Kind: Function, ArgBytes: 8},
	233: {Ordinal: 233, Name: "NtWaitForMultipleObjectsEx", Kind: Function, ArgBytes: 20},
	234: {Ordinal: 234, Name: "NtWaitForSingleObject", Kind: Function, ArgBytes: 12},
	236: {Ordinal: 236, Name: "NtWriteFile", Kind: Function, ArgBytes: 32},
	238: {Ordinal: 238, Name: "NtYieldExecution", Kind: Function, ArgBytes: 0},
	246: {Ordinal: 246, Name: "ObReferenceObjectByHandle", Kind: Function, ArgBytes: 12},
	247: {Ordinal: 247, Name: "ObReferenceObjectByName", Kind: Function, ArgBytes: 20},
	250: {Ordinal: 250, Name: "ObfDereferenceObject", Kind: Function, Conv: Fastcall},
	252: {Ordinal: 252, Name: "PhyGetLinkState", Kind: Function, ArgBytes: 4},
	253: {Ordinal: 253, Name: "PhyInitialize", Kind: Function, ArgBytes: 8},
	255: {Ordinal: 255, Name: "PsCreateSystemThreadEx", Kind: Function, ArgBytes: 40},
	256: {Ordinal: 256, Name: "KeDelayExecutionThread", Kind: Function, ArgBytes: 12},
	258: {Ordinal: 258, Name: "PsTerminateSystemThread", Kind: Function, ArgBytes: 4},
	259: {Ordinal: 259, Name: "PsThreadObjectType", Kind: Data},
	260: {Ordinal: 260, Name: "RtlAnsiStringToUnicodeString", Kind: Function, ArgBytes: 12},
	269: {Ordinal: 269, Name: "RtlCompareMemoryUlong", Kind: Function, ArgBytes: 12},
	277: {Ordinal: 277, Name: "RtlEnterCriticalSection", Kind: Function, ArgBytes: 4},
	279: {Ordinal: 279, Name: "RtlEqualString", Kind: Function, ArgBytes: 12},
	289: {Ordinal: 289, Name: "RtlInitAnsiString", Kind: Function, ArgBytes: 8},
	291: {Ordinal: 291, Name: "RtlInitializeCriticalSection", Kind: Function, ArgBytes: 4},
	294: {Ordinal: 294, Name: "RtlLeaveCriticalSection", Kind: Function, ArgBytes: 4},
	301: {Ordinal: 301, Name: "RtlNtStatusToDosError", Kind: Function, ArgBytes: 4},
	302: {Ordinal: 302, Name: "RtlRaiseException", Kind: Function, ArgBytes: 4},
	304: {Ordinal: 304, Name: "RtlTimeFieldsToTime", Kind: Function, ArgBytes: 8},
	305: {Ordinal: 305, Name: "RtlTimeToTimeFields", Kind: Function, ArgBytes: 8},
	308: {Ordinal: 308, Name: "RtlUnicodeStringToAnsiString", Kind: Function, ArgBytes: 12},
	312: {Ordinal: 312, Name: "RtlUnwind", Kind: Function, ArgBytes: 16},
	322: {Ordinal: 322, Name: "XboxHardwareInfo", Kind: Data},
	323: {Ordinal: 323, Name: "XboxHDKey", Kind: Data},
	324: {Ordinal: 324, Name: "XboxKrnlVersion", Kind: Data},
	325: {Ordinal: 325, Name: "XboxSignatureKey", Kind: Data},
	326: {Ordinal: 326, Name: "XboxLANKey", Kind: Data},
	327: {Ordinal: 327, Name: "XboxAlternateSignatureKeys", Kind: Data},
	328: {Ordinal: 328, Name: "XeImageFileName", Kind: Data},
	335: {Ordinal: 335, Name: "WRITE_PORT_BUFFER_USHORT", Kind: Function, ArgBytes: 12},
	336: {Ordinal: 336, Name: "WRITE_PORT_BUFFER_ULONG", Kind: Function, ArgBytes: 12},
	337: {Ordinal: 337, Name: "XcSHAInit", Kind: Function, ArgBytes: 4},
	338: {Ordinal: 338, Name: "XcSHAUpdate", Kind: Function, ArgBytes: 12},
	339: {Ordinal: 339, Name: "XcSHAFinal", Kind: Function, ArgBytes: 8},
	340: {Ordinal: 340, Name: "XcRC4Key", Kind: Function, ArgBytes: 12},
	344: {Ordinal: 344, Name: "XcPKDecPrivate", Kind: Function, ArgBytes: 12},
	345: {Ordinal: 345, Name: "XcPKGetKeyLen", Kind: Function, ArgBytes: 4},
	346: {Ordinal: 346, Name: "XcVerifyPKCS1Signature", Kind: Function, ArgBytes: 12},
	347: {Ordinal: 347, Name: "XcModExp", Kind: Function, ArgBytes: 20},
	349: {Ordinal: 349, Name: "XcKeyTable", Kind: Function, ArgBytes: 12},
	353: {Ordinal: 353, Name: "XcUpdateCrypto", Kind: Function, ArgBytes: 8},
	354: {Ordinal: 354, Name: "RtlRip", Kind: Function, ArgBytes: 12},
	355: {Ordinal: 355, Name: "XboxLANKey", Kind: Data},
	356: {Ordinal: 356, Name: "XboxAlternateSignatureKeys", Kind: Data},
	357: {Ordinal: 357, Name: "XePublicKeyData", Kind: Data},
	358: {Ordinal: 358, Name: "HalIsResetOrShutdownPending", Kind: Function, ArgBytes: 0},
	359: {Ordinal: 359, Name: "IoMarkIrpMustComplete", Kind: Function, ArgBytes: 4},
	360: {Ordinal: 360, Name: "HalInitiateShutdown", Kind: Function, ArgBytes: 0},
}
