package encoder

import (
	"encoding/binary"
	"fmt"

	"github.com/zekit/zecore/memory"
)

// Opcode identifies a command in the stream. It occupies the top byte of each command's header dword;
// the low bits of the header carry the command length in dwords.
type Opcode uint8

const (
	OpNoop             Opcode = 0x00
	OpBatchBufferEnd   Opcode = 0x0a
	OpSemaphoreWait    Opcode = 0x1c
	OpStoreDataImm     Opcode = 0x20
	OpAtomicAdd        Opcode = 0x2f
	OpLoadRegisterImm  Opcode = 0x22
	OpStoreRegisterMem Opcode = 0x24
	OpBatchBufferStart Opcode = 0x31
	OpStatePrefetch    Opcode = 0x3f
	OpMemCopy          Opcode = 0x5a
	OpMemSet           Opcode = 0x5b
	OpStateBaseAddress Opcode = 0x61
	OpComputeWalker    Opcode = 0x72
	OpPipeControl      Opcode = 0x7a
)

var opcodeMapping = map[Opcode]string{
	OpNoop:             "MI_NOOP",
	OpBatchBufferEnd:   "MI_BATCH_BUFFER_END",
	OpSemaphoreWait:    "MI_SEMAPHORE_WAIT",
	OpStoreDataImm:     "MI_STORE_DATA_IMM",
	OpAtomicAdd:        "MI_ATOMIC",
	OpLoadRegisterImm:  "MI_LOAD_REGISTER_IMM",
	OpStoreRegisterMem: "MI_STORE_REGISTER_MEM",
	OpBatchBufferStart: "MI_BATCH_BUFFER_START",
	OpStatePrefetch:    "STATE_PREFETCH",
	OpMemCopy:          "MEM_COPY",
	OpMemSet:           "MEM_SET",
	OpStateBaseAddress: "STATE_BASE_ADDRESS",
	OpComputeWalker:    "COMPUTE_WALKER",
	OpPipeControl:      "PIPE_CONTROL",
}

func (o Opcode) String() string {
	str, ok := opcodeMapping[o]
	if !ok {
		return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
	}
	return str
}

const (
	NoopSize             = 4
	BatchBufferEndSize   = 8
	BatchBufferStartSize = 16
	StateBaseAddressSize = 64
	PipeControlSize      = 32
	SemaphoreWaitSize    = 24
	StoreDataImmSize     = 24
	StoreRegisterMemSize = 16
	LoadRegisterImmSize  = 16
	MemSetSize           = 32
	MemCopySize          = 32
	StatePrefetchSize    = 16
	AtomicAddSize        = 24

	walkerHeaderSize = 96
)

// Field offsets that command lists record and patch after encoding
const (
	BatchBufferStartAddressOffset = 8

	PipeControlAddressOffset       = 16
	PipeControlImmediateDataOffset = 24

	SemaphoreWaitValueOffset   = 8
	SemaphoreWaitAddressOffset = 16

	StoreDataImmAddressOffset = 8
	StoreDataImmValueOffset   = 16

	StoreRegisterMemAddressOffset = 8

	LoadRegisterImmValueOffset = 8

	StatePrefetchSizeOffset    = 4
	StatePrefetchAddressOffset = 8

	AtomicAddAddressOffset = 8
	AtomicAddOperandOffset = 16

	WalkerBindingTablePointerOffset = 4
	WalkerKernelStartOffset         = 8
	WalkerIndirectDataStartOffset   = 16
	WalkerIndirectDataLengthOffset  = 24
	WalkerGroupCountOffset          = 28
	WalkerGroupSizeOffset           = 40
	WalkerSimdSizeOffset            = 52
	WalkerPartitionCountOffset      = 56
	WalkerFlagsOffset               = 60
	WalkerPostSyncOpOffset          = 64
	WalkerPostSyncAddressOffset     = 72
	WalkerPostSyncDataOffset        = 80
	WalkerSlmSizeOffset             = 88
	WalkerInlineDataOffset          = walkerHeaderSize
)

// Registers the command streamer exposes to register commands
const (
	RegisterGlobalTimestamp  uint32 = 0x2358
	RegisterContextTimestamp uint32 = 0x23a8
	RegisterSemaphoreData    uint32 = 0x2420
)

var le = binary.LittleEndian

func putHeader(dst []byte, op Opcode, size int) {
	le.PutUint32(dst[0:], uint32(op)<<24|uint32(size/4))
}

// DecodeHeader reads the opcode and byte length of the command at the start of src
func DecodeHeader(src []byte) (Opcode, int) {
	header := le.Uint32(src[0:])
	return Opcode(header >> 24), int(header&0xffff) * 4
}

// PatchUint64 overwrites one 8-byte field of an already-encoded command
func PatchUint64(cmd []byte, offset int, value uint64) {
	le.PutUint64(cmd[offset:], value)
}

// PatchUint32 overwrites one 4-byte field of an already-encoded command
func PatchUint32(cmd []byte, offset int, value uint32) {
	le.PutUint32(cmd[offset:], value)
}

// Noop fills dst with no-op dwords
func Noop(dst []byte) {
	for offset := 0; offset+NoopSize <= len(dst); offset += NoopSize {
		putHeader(dst[offset:], OpNoop, NoopSize)
	}
}

type BatchBufferStart struct {
	Address memory.GpuAddress
	// SecondLevel makes the matching BATCH_BUFFER_END return to the command after this one
	SecondLevel bool
}

func (c BatchBufferStart) Encode(dst []byte) {
	putHeader(dst, OpBatchBufferStart, BatchBufferStartSize)
	le.PutUint32(dst[4:], boolToUint32(c.SecondLevel))
	le.PutUint64(dst[8:], uint64(c.Address))
}

func DecodeBatchBufferStart(src []byte) BatchBufferStart {
	return BatchBufferStart{
		SecondLevel: le.Uint32(src[4:]) != 0,
		Address:     memory.GpuAddress(le.Uint64(src[8:])),
	}
}

func EncodeBatchBufferEnd(dst []byte) {
	putHeader(dst, OpBatchBufferEnd, BatchBufferEndSize)
	le.PutUint32(dst[4:], 0)
}

type StateBaseAddress struct {
	GeneralStateBase     memory.GpuAddress
	SurfaceStateBase     memory.GpuAddress
	DynamicStateBase     memory.GpuAddress
	IndirectObjectBase   memory.GpuAddress
	InstructionBase      memory.GpuAddress
	BindlessSurfaceBase  memory.GpuAddress
	SurfaceStateHeapSize uint32
	DynamicStateHeapSize uint32
}

func (c StateBaseAddress) Encode(dst []byte) {
	putHeader(dst, OpStateBaseAddress, StateBaseAddressSize)
	le.PutUint32(dst[4:], 0)
	le.PutUint64(dst[8:], uint64(c.GeneralStateBase))
	le.PutUint64(dst[16:], uint64(c.SurfaceStateBase))
	le.PutUint64(dst[24:], uint64(c.DynamicStateBase))
	le.PutUint64(dst[32:], uint64(c.IndirectObjectBase))
	le.PutUint64(dst[40:], uint64(c.InstructionBase))
	le.PutUint64(dst[48:], uint64(c.BindlessSurfaceBase))
	le.PutUint32(dst[56:], c.SurfaceStateHeapSize)
	le.PutUint32(dst[60:], c.DynamicStateHeapSize)
}

func DecodeStateBaseAddress(src []byte) StateBaseAddress {
	return StateBaseAddress{
		GeneralStateBase:     memory.GpuAddress(le.Uint64(src[8:])),
		SurfaceStateBase:     memory.GpuAddress(le.Uint64(src[16:])),
		DynamicStateBase:     memory.GpuAddress(le.Uint64(src[24:])),
		IndirectObjectBase:   memory.GpuAddress(le.Uint64(src[32:])),
		InstructionBase:      memory.GpuAddress(le.Uint64(src[40:])),
		BindlessSurfaceBase:  memory.GpuAddress(le.Uint64(src[48:])),
		SurfaceStateHeapSize: le.Uint32(src[56:]),
		DynamicStateHeapSize: le.Uint32(src[60:]),
	}
}

type PipeControlFlags uint32

const (
	PipeControlCommandStreamerStall PipeControlFlags = 1 << iota
	PipeControlDcFlush
	PipeControlStateCacheInvalidate
	PipeControlTextureCacheInvalidate
	PipeControlWorkloadPartitionWrite
)

type PostSyncOp uint32

const (
	PostSyncNone PostSyncOp = iota
	PostSyncWriteImmediate
	PostSyncWriteTimestamp
)

var postSyncOpMapping = map[PostSyncOp]string{
	PostSyncNone:           "PostSyncNone",
	PostSyncWriteImmediate: "PostSyncWriteImmediate",
	PostSyncWriteTimestamp: "PostSyncWriteTimestamp",
}

func (o PostSyncOp) String() string {
	return postSyncOpMapping[o]
}

type PipeControl struct {
	Flags    PipeControlFlags
	PostSync PostSyncOp
	// PartitionCount is the number of partitions writing the post-sync when
	// PipeControlWorkloadPartitionWrite is set
	PartitionCount uint32
	Address        memory.GpuAddress
	ImmediateData  uint64
}

func (c PipeControl) Encode(dst []byte) {
	putHeader(dst, OpPipeControl, PipeControlSize)
	le.PutUint32(dst[4:], uint32(c.Flags))
	le.PutUint32(dst[8:], uint32(c.PostSync))
	le.PutUint32(dst[12:], c.PartitionCount)
	le.PutUint64(dst[16:], uint64(c.Address))
	le.PutUint64(dst[24:], c.ImmediateData)
}

func DecodePipeControl(src []byte) PipeControl {
	return PipeControl{
		Flags:          PipeControlFlags(le.Uint32(src[4:])),
		PostSync:       PostSyncOp(le.Uint32(src[8:])),
		PartitionCount: le.Uint32(src[12:]),
		Address:        memory.GpuAddress(le.Uint64(src[16:])),
		ImmediateData:  le.Uint64(src[24:]),
	}
}

type CompareOp uint32

const (
	CompareGreaterOrEqual CompareOp = iota
	CompareEqual
	CompareNotEqual
)

type SemaphoreWait struct {
	Compare CompareOp
	// Qword compares 64 bits at Address rather than 32
	Qword bool
	// RegisterValue compares against RegisterSemaphoreData instead of Value
	RegisterValue bool
	Value         uint64
	Address       memory.GpuAddress
}

func (c SemaphoreWait) Encode(dst []byte) {
	putHeader(dst, OpSemaphoreWait, SemaphoreWaitSize)
	le.PutUint32(dst[4:], uint32(c.Compare)|boolToUint32(c.Qword)<<8|boolToUint32(c.RegisterValue)<<9)
	le.PutUint64(dst[8:], c.Value)
	le.PutUint64(dst[16:], uint64(c.Address))
}

func DecodeSemaphoreWait(src []byte) SemaphoreWait {
	mode := le.Uint32(src[4:])
	return SemaphoreWait{
		Compare:       CompareOp(mode & 0xff),
		Qword:         mode&(1<<8) != 0,
		RegisterValue: mode&(1<<9) != 0,
		Value:         le.Uint64(src[8:]),
		Address:       memory.GpuAddress(le.Uint64(src[16:])),
	}
}

type StoreDataImm struct {
	Address memory.GpuAddress
	Value   uint64
	Qword   bool
}

func (c StoreDataImm) Encode(dst []byte) {
	putHeader(dst, OpStoreDataImm, StoreDataImmSize)
	le.PutUint32(dst[4:], boolToUint32(c.Qword))
	le.PutUint64(dst[8:], uint64(c.Address))
	le.PutUint64(dst[16:], c.Value)
}

func DecodeStoreDataImm(src []byte) StoreDataImm {
	return StoreDataImm{
		Qword:   le.Uint32(src[4:]) != 0,
		Address: memory.GpuAddress(le.Uint64(src[8:])),
		Value:   le.Uint64(src[16:]),
	}
}

type StoreRegisterMem struct {
	Register uint32
	Address  memory.GpuAddress
}

func (c StoreRegisterMem) Encode(dst []byte) {
	putHeader(dst, OpStoreRegisterMem, StoreRegisterMemSize)
	le.PutUint32(dst[4:], c.Register)
	le.PutUint64(dst[8:], uint64(c.Address))
}

func DecodeStoreRegisterMem(src []byte) StoreRegisterMem {
	return StoreRegisterMem{
		Register: le.Uint32(src[4:]),
		Address:  memory.GpuAddress(le.Uint64(src[8:])),
	}
}

type LoadRegisterImm struct {
	Register uint32
	Value    uint32
}

func (c LoadRegisterImm) Encode(dst []byte) {
	putHeader(dst, OpLoadRegisterImm, LoadRegisterImmSize)
	le.PutUint32(dst[4:], c.Register)
	le.PutUint32(dst[8:], c.Value)
	le.PutUint32(dst[12:], 0)
}

func DecodeLoadRegisterImm(src []byte) LoadRegisterImm {
	return LoadRegisterImm{
		Register: le.Uint32(src[4:]),
		Value:    le.Uint32(src[8:]),
	}
}

type MemSet struct {
	Destination memory.GpuAddress
	Size        uint64
	// Pattern is replicated over the destination, PatternSize bytes at a time
	Pattern     uint32
	PatternSize uint32
}

func (c MemSet) Encode(dst []byte) {
	putHeader(dst, OpMemSet, MemSetSize)
	le.PutUint32(dst[4:], c.PatternSize)
	le.PutUint64(dst[8:], uint64(c.Destination))
	le.PutUint64(dst[16:], c.Size)
	le.PutUint32(dst[24:], c.Pattern)
	le.PutUint32(dst[28:], 0)
}

func DecodeMemSet(src []byte) MemSet {
	return MemSet{
		PatternSize: le.Uint32(src[4:]),
		Destination: memory.GpuAddress(le.Uint64(src[8:])),
		Size:        le.Uint64(src[16:]),
		Pattern:     le.Uint32(src[24:]),
	}
}

type MemCopy struct {
	Destination memory.GpuAddress
	Source      memory.GpuAddress
	Size        uint64
}

func (c MemCopy) Encode(dst []byte) {
	putHeader(dst, OpMemCopy, MemCopySize)
	le.PutUint32(dst[4:], 0)
	le.PutUint64(dst[8:], uint64(c.Destination))
	le.PutUint64(dst[16:], uint64(c.Source))
	le.PutUint64(dst[24:], c.Size)
}

func DecodeMemCopy(src []byte) MemCopy {
	return MemCopy{
		Destination: memory.GpuAddress(le.Uint64(src[8:])),
		Source:      memory.GpuAddress(le.Uint64(src[16:])),
		Size:        le.Uint64(src[24:]),
	}
}

// AtomicAdd adds Operand to the qword at Address
type AtomicAdd struct {
	Address memory.GpuAddress
	Operand uint64
}

func (c AtomicAdd) Encode(dst []byte) {
	putHeader(dst, OpAtomicAdd, AtomicAddSize)
	le.PutUint32(dst[4:], 0)
	le.PutUint64(dst[AtomicAddAddressOffset:], uint64(c.Address))
	le.PutUint64(dst[AtomicAddOperandOffset:], c.Operand)
}

func DecodeAtomicAdd(src []byte) AtomicAdd {
	return AtomicAdd{
		Address: memory.GpuAddress(le.Uint64(src[8:])),
		Operand: le.Uint64(src[16:]),
	}
}

type StatePrefetch struct {
	Address memory.GpuAddress
	Size    uint32
}

func (c StatePrefetch) Encode(dst []byte) {
	putHeader(dst, OpStatePrefetch, StatePrefetchSize)
	le.PutUint32(dst[4:], c.Size)
	le.PutUint64(dst[8:], uint64(c.Address))
}

func DecodeStatePrefetch(src []byte) StatePrefetch {
	return StatePrefetch{
		Size:    le.Uint32(src[4:]),
		Address: memory.GpuAddress(le.Uint64(src[8:])),
	}
}

type WalkerFlags uint32

const (
	// WalkerEmitInlineData means the inline data block carries the head of the payload
	WalkerEmitInlineData WalkerFlags = 1 << iota
	// WalkerIndirectDataAbsolute means IndirectDataStart is a GPU address rather than an offset
	// from the indirect object base
	WalkerIndirectDataAbsolute
	// WalkerL3FlushAfterPostSync means a cache flush follows the post-sync write
	WalkerL3FlushAfterPostSync
)

type WalkerPostSync struct {
	Op      PostSyncOp
	Address memory.GpuAddress
	Data    uint64
}

type ComputeWalker struct {
	// BindingTablePointer is the surface state heap offset of the kernel's binding table
	BindingTablePointer uint32
	KernelStartAddress  memory.GpuAddress
	IndirectDataStart   uint64
	IndirectDataLength  uint32
	GroupCount          [3]uint32
	GroupSize           [3]uint32
	SimdSize            uint32
	PartitionCount      uint32
	Flags               WalkerFlags
	PostSync            WalkerPostSync
	SlmSize             uint32
	// InlineData is copied into the walker and truncated or zero padded to the family's inline size
	InlineData []byte
}

func (f *Family) EncodeWalker(dst []byte, c *ComputeWalker) {
	size := f.WalkerSize()
	putHeader(dst, OpComputeWalker, size)
	le.PutUint32(dst[WalkerBindingTablePointerOffset:], c.BindingTablePointer)
	le.PutUint64(dst[WalkerKernelStartOffset:], uint64(c.KernelStartAddress))
	le.PutUint64(dst[WalkerIndirectDataStartOffset:], c.IndirectDataStart)
	le.PutUint32(dst[WalkerIndirectDataLengthOffset:], c.IndirectDataLength)
	for i := 0; i < 3; i++ {
		le.PutUint32(dst[WalkerGroupCountOffset+4*i:], c.GroupCount[i])
		le.PutUint32(dst[WalkerGroupSizeOffset+4*i:], c.GroupSize[i])
	}
	le.PutUint32(dst[WalkerSimdSizeOffset:], c.SimdSize)
	le.PutUint32(dst[WalkerPartitionCountOffset:], c.PartitionCount)
	le.PutUint32(dst[WalkerFlagsOffset:], uint32(c.Flags))
	le.PutUint32(dst[WalkerPostSyncOpOffset:], uint32(c.PostSync.Op))
	le.PutUint32(dst[WalkerPostSyncOpOffset+4:], 0)
	le.PutUint64(dst[WalkerPostSyncAddressOffset:], uint64(c.PostSync.Address))
	le.PutUint64(dst[WalkerPostSyncDataOffset:], c.PostSync.Data)
	le.PutUint32(dst[WalkerSlmSizeOffset:], c.SlmSize)
	le.PutUint32(dst[WalkerSlmSizeOffset+4:], 0)

	inline := dst[WalkerInlineDataOffset:size]
	n := copy(inline, c.InlineData)
	for i := n; i < len(inline); i++ {
		inline[i] = 0
	}
}

// DecodeWalker reads a walker of any family; the inline data length is derived from the header
func DecodeWalker(src []byte) ComputeWalker {
	_, size := DecodeHeader(src)
	c := ComputeWalker{
		BindingTablePointer: le.Uint32(src[WalkerBindingTablePointerOffset:]),
		KernelStartAddress:  memory.GpuAddress(le.Uint64(src[WalkerKernelStartOffset:])),
		IndirectDataStart:   le.Uint64(src[WalkerIndirectDataStartOffset:]),
		IndirectDataLength:  le.Uint32(src[WalkerIndirectDataLengthOffset:]),
		SimdSize:            le.Uint32(src[WalkerSimdSizeOffset:]),
		PartitionCount:      le.Uint32(src[WalkerPartitionCountOffset:]),
		Flags:               WalkerFlags(le.Uint32(src[WalkerFlagsOffset:])),
		PostSync: WalkerPostSync{
			Op:      PostSyncOp(le.Uint32(src[WalkerPostSyncOpOffset:])),
			Address: memory.GpuAddress(le.Uint64(src[WalkerPostSyncAddressOffset:])),
			Data:    le.Uint64(src[WalkerPostSyncDataOffset:]),
		},
		SlmSize: le.Uint32(src[WalkerSlmSizeOffset:]),
	}
	for i := 0; i < 3; i++ {
		c.GroupCount[i] = le.Uint32(src[WalkerGroupCountOffset+4*i:])
		c.GroupSize[i] = le.Uint32(src[WalkerGroupSizeOffset+4*i:])
	}
	c.InlineData = append([]byte(nil), src[WalkerInlineDataOffset:size]...)
	return c
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// SurfaceState describes one buffer a kernel accesses through its binding table. Only the leading
// bytes of the family's surface state size are defined; the rest stays zero.
type SurfaceState struct {
	Address memory.GpuAddress
	Size    uint32
}

// SurfaceStateEncodedSize is the number of leading bytes SurfaceState.Encode writes
const SurfaceStateEncodedSize = 16

func (s SurfaceState) Encode(dst []byte) {
	le.PutUint64(dst[0:], uint64(s.Address))
	le.PutUint32(dst[8:], s.Size)
	le.PutUint32(dst[12:], 0)
}

func DecodeSurfaceState(src []byte) SurfaceState {
	return SurfaceState{
		Address: memory.GpuAddress(le.Uint64(src[0:])),
		Size:    le.Uint32(src[8:]),
	}
}
