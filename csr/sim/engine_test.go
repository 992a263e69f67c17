package sim_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/csr"
	"github.com/zekit/zecore/csr/sim"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/ze"
)

type testBatch struct {
	alloc *memory.GraphicsAllocation
	used  int
}

func (b *testBatch) space(size int) []byte {
	data := b.alloc.Bytes()[b.used : b.used+size]
	b.used += size
	return data
}

func (b *testBatch) end() {
	encoder.EncodeBatchBufferEnd(b.space(encoder.BatchBufferEndSize))
}

func (b *testBatch) submission(residency ...*memory.GraphicsAllocation) csr.BatchBuffer {
	container := memory.NewResidencyContainer()
	container.Add(residency...)
	return csr.BatchBuffer{
		CommandBuffer: b.alloc,
		Used:          b.used,
		Residency:     container,
	}
}

type fixture struct {
	manager *memory.HostManager
	family  *encoder.Family
	engine  *sim.Engine
}

func newFixture(t *testing.T, options sim.Options) *fixture {
	family, err := encoder.LookupFamily(encoder.ProductXeHpc)
	require.NoError(t, err)

	manager := memory.NewHostManager(memory.HostManagerOptions{})
	options.Manager = manager
	options.Family = family
	if options.PollInterval == 0 {
		options.PollInterval = 10 * time.Microsecond
	}

	engine, err := sim.NewEngine(options)
	require.NoError(t, err)
	t.Cleanup(engine.Destroy)

	return &fixture{manager: manager, family: family, engine: engine}
}

func (f *fixture) allocate(t *testing.T, allocType memory.AllocationType, size int) *memory.GraphicsAllocation {
	alloc, err := f.manager.AllocateGraphicsMemory(memory.AllocationProperties{
		Size: size,
		Type: allocType,
		Pool: memory.MemoryPoolSystem,
	})
	require.NoError(t, err)
	return alloc
}

func (f *fixture) batch(t *testing.T) *testBatch {
	return &testBatch{alloc: f.allocate(t, memory.AllocationTypeCommandBuffer, memutils.PageSize)}
}

func (f *fixture) submit(t *testing.T, batch csr.BatchBuffer) uint64 {
	taskCount, status := f.engine.Submit(context.Background(), batch)
	require.Equal(t, csr.SubmissionSuccess, status)
	return taskCount
}

func TestEngineRunsWalker(t *testing.T) {
	kernels := sim.NewKernelRegistry()
	kernels.Register("scale", func(d *sim.Dispatch) error {
		dst := memory.GpuAddress(d.PayloadUint64(0))
		factor := d.PayloadUint32(8)
		global := d.GlobalSize()
		return d.Memory.Store64(dst, uint64(factor*global[0]*global[1]*global[2]))
	})
	f := newFixture(t, sim.Options{Kernels: kernels})

	isa := f.allocate(t, memory.AllocationTypeKernelIsa, memutils.PageSize)
	copy(isa.Bytes(), sim.Isa("scale"))
	buffer := f.allocate(t, memory.AllocationTypeBuffer, memutils.PageSize)
	payload := f.allocate(t, memory.AllocationTypeBuffer, memutils.PageSize)
	binary.LittleEndian.PutUint64(payload.Bytes()[0:], uint64(buffer.GpuAddress()))
	binary.LittleEndian.PutUint32(payload.Bytes()[8:], 3)

	batch := f.batch(t)
	encoder.StoreDataImm{Address: buffer.GpuAddress() + 8, Value: 7, Qword: true}.Encode(batch.space(encoder.StoreDataImmSize))
	f.family.EncodeWalker(batch.space(f.family.WalkerSize()), &encoder.ComputeWalker{
		KernelStartAddress: isa.GpuAddress(),
		IndirectDataStart:  uint64(payload.GpuAddress()),
		IndirectDataLength: 16,
		GroupCount:         [3]uint32{4, 3, 1},
		GroupSize:          [3]uint32{1, 2, 3},
		Flags:              encoder.WalkerIndirectDataAbsolute,
		PartitionCount:     2,
		PostSync: encoder.WalkerPostSync{
			Op:      encoder.PostSyncWriteImmediate,
			Address: buffer.GpuAddress() + 64,
			Data:    0xab,
		},
	})
	batch.end()

	taskCount := f.submit(t, batch.submission(isa, buffer, payload))
	require.Equal(t, uint64(1), taskCount)
	require.Equal(t, csr.WaitReady, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, false))

	require.Equal(t, uint64(3*4*6*3), buffer.Load64(0))
	require.Equal(t, uint64(7), buffer.Load64(8))
	require.Equal(t, uint64(0xab), buffer.Load64(64))
	require.Equal(t, uint64(0xab), buffer.Load64(64+f.family.Caps.PartitionAddressOffset))
	require.Equal(t, uint64(1), f.engine.CompletedTaskCount())
	require.False(t, f.engine.IsHangDetected())
}

func TestEngineFaultsOnNonResidentMemory(t *testing.T) {
	f := newFixture(t, sim.Options{})
	buffer := f.allocate(t, memory.AllocationTypeBuffer, memutils.PageSize)

	batch := f.batch(t)
	encoder.StoreDataImm{Address: buffer.GpuAddress(), Value: 5}.Encode(batch.space(encoder.StoreDataImmSize))
	batch.end()

	taskCount := f.submit(t, batch.submission())
	require.Equal(t, csr.WaitGpuHang, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, false))
	require.True(t, f.engine.IsHangDetected())
	require.Equal(t, uint32(0), buffer.Load32(0))

	_, status := f.engine.Submit(context.Background(), f.batch(t).submission())
	require.Equal(t, csr.SubmissionFailed, status)
}

func TestEngineFaultsOnUnknownKernel(t *testing.T) {
	f := newFixture(t, sim.Options{})

	isa := f.allocate(t, memory.AllocationTypeKernelIsa, memutils.PageSize)
	copy(isa.Bytes(), sim.Isa("missing"))

	batch := f.batch(t)
	f.family.EncodeWalker(batch.space(f.family.WalkerSize()), &encoder.ComputeWalker{
		KernelStartAddress: isa.GpuAddress(),
		GroupCount:         [3]uint32{1, 1, 1},
		GroupSize:          [3]uint32{1, 1, 1},
	})
	batch.end()

	taskCount := f.submit(t, batch.submission(isa))
	require.Equal(t, csr.WaitGpuHang, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, true))
}

func TestEngineSemaphoreStallsUntilSignaled(t *testing.T) {
	f := newFixture(t, sim.Options{})
	flag := f.allocate(t, memory.AllocationTypeTagBuffer, memutils.PageSize)
	flag.Store32(8, 1)

	batch := f.batch(t)
	encoder.SemaphoreWait{
		Compare: encoder.CompareNotEqual,
		Value:   1,
		Address: flag.GpuAddress() + 8,
	}.Encode(batch.space(encoder.SemaphoreWaitSize))
	encoder.StoreDataImm{Address: flag.GpuAddress() + 16, Value: 9}.Encode(batch.space(encoder.StoreDataImmSize))
	batch.end()

	taskCount := f.submit(t, batch.submission(flag))
	require.Equal(t, csr.WaitNotReady, f.engine.WaitForTaskCount(context.Background(), taskCount, 5*time.Millisecond, false))
	require.Equal(t, csr.WaitNotReady, f.engine.WaitForTaskCount(context.Background(), taskCount, 5*time.Millisecond, true))
	require.Equal(t, uint32(0), flag.Load32(16))

	flag.Store32(8, 0)
	require.Equal(t, csr.WaitReady, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, true))
	require.Equal(t, uint32(9), flag.Load32(16))
}

func TestEngineSemaphoreCompareAgainstRegister(t *testing.T) {
	f := newFixture(t, sim.Options{})
	counter := f.allocate(t, memory.AllocationTypeTagBuffer, memutils.PageSize)
	counter.Store64(0, 4)

	batch := f.batch(t)
	encoder.LoadRegisterImm{Register: encoder.RegisterSemaphoreData, Value: 5}.Encode(batch.space(encoder.LoadRegisterImmSize))
	encoder.LoadRegisterImm{Register: encoder.RegisterSemaphoreData + 4, Value: 0}.Encode(batch.space(encoder.LoadRegisterImmSize))
	encoder.SemaphoreWait{
		Compare:       encoder.CompareGreaterOrEqual,
		Qword:         true,
		RegisterValue: true,
		Address:       counter.GpuAddress(),
	}.Encode(batch.space(encoder.SemaphoreWaitSize))
	batch.end()

	taskCount := f.submit(t, batch.submission(counter))
	require.Equal(t, csr.WaitNotReady, f.engine.WaitForTaskCount(context.Background(), taskCount, 5*time.Millisecond, false))

	counter.Store64(0, 5)
	require.Equal(t, csr.WaitReady, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, false))
}

func TestEngineHangTimeout(t *testing.T) {
	f := newFixture(t, sim.Options{HangTimeout: 5 * time.Millisecond})
	flag := f.allocate(t, memory.AllocationTypeTagBuffer, memutils.PageSize)

	batch := f.batch(t)
	encoder.SemaphoreWait{Compare: encoder.CompareEqual, Value: 1, Address: flag.GpuAddress()}.Encode(batch.space(encoder.SemaphoreWaitSize))
	batch.end()

	taskCount := f.submit(t, batch.submission(flag))
	require.Equal(t, csr.WaitGpuHang, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, true))
}

func TestEngineDestroyAbandonsStalledWork(t *testing.T) {
	family, err := encoder.LookupFamily(encoder.ProductXeHpc)
	require.NoError(t, err)
	manager := memory.NewHostManager(memory.HostManagerOptions{})

	engine, err := sim.NewEngine(sim.Options{Manager: manager, Family: family})
	require.NoError(t, err)

	flag, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{Size: memutils.PageSize, Type: memory.AllocationTypeTagBuffer})
	require.NoError(t, err)
	buffer, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{Size: memutils.PageSize, Type: memory.AllocationTypeCommandBuffer})
	require.NoError(t, err)

	batch := &testBatch{alloc: buffer}
	encoder.SemaphoreWait{Compare: encoder.CompareEqual, Value: 1, Address: flag.GpuAddress()}.Encode(batch.space(encoder.SemaphoreWaitSize))
	batch.end()

	taskCount, status := engine.Submit(context.Background(), batch.submission(flag))
	require.Equal(t, csr.SubmissionSuccess, status)
	require.Equal(t, csr.WaitNotReady, engine.WaitForTaskCount(context.Background(), taskCount, time.Millisecond, false))

	engine.Destroy()
	_, status = engine.Submit(context.Background(), batch.submission(flag))
	require.Equal(t, csr.SubmissionFailed, status)
}

func TestEngineSecondLevelBatchReturns(t *testing.T) {
	f := newFixture(t, sim.Options{})
	buffer := f.allocate(t, memory.AllocationTypeBuffer, memutils.PageSize)

	secondary := f.batch(t)
	encoder.StoreDataImm{Address: buffer.GpuAddress(), Value: 1}.Encode(secondary.space(encoder.StoreDataImmSize))
	secondary.end()

	primary := f.batch(t)
	encoder.BatchBufferStart{Address: secondary.alloc.GpuAddress(), SecondLevel: true}.Encode(primary.space(encoder.BatchBufferStartSize))
	encoder.StoreDataImm{Address: buffer.GpuAddress() + 4, Value: 2}.Encode(primary.space(encoder.StoreDataImmSize))
	primary.end()

	taskCount := f.submit(t, primary.submission(buffer, secondary.alloc))
	require.Equal(t, csr.WaitReady, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, false))
	require.Equal(t, uint32(1), buffer.Load32(0))
	require.Equal(t, uint32(2), buffer.Load32(4))
}

func TestEngineTimestampsAndRegisters(t *testing.T) {
	f := newFixture(t, sim.Options{})
	packets := f.allocate(t, memory.AllocationTypeTimestampPacketTagBuffer, memutils.PageSize)

	batch := f.batch(t)
	encoder.PipeControl{
		Flags:    encoder.PipeControlCommandStreamerStall,
		PostSync: encoder.PostSyncWriteTimestamp,
		Address:  packets.GpuAddress(),
	}.Encode(batch.space(encoder.PipeControlSize))
	encoder.StoreRegisterMem{Register: encoder.RegisterContextTimestamp, Address: packets.GpuAddress() + 32}.Encode(batch.space(encoder.StoreRegisterMemSize))
	encoder.LoadRegisterImm{Register: 0x1000, Value: 0x1234}.Encode(batch.space(encoder.LoadRegisterImmSize))
	encoder.StoreRegisterMem{Register: 0x1000, Address: packets.GpuAddress() + 36}.Encode(batch.space(encoder.StoreRegisterMemSize))
	batch.end()

	taskCount := f.submit(t, batch.submission(packets))
	require.Equal(t, csr.WaitReady, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, false))

	contextStart := packets.Load32(0)
	globalStart := packets.Load32(4)
	contextEnd := packets.Load32(8)
	globalEnd := packets.Load32(12)
	require.LessOrEqual(t, contextStart, contextEnd)
	require.Greater(t, globalStart, contextStart)
	require.Equal(t, globalEnd-globalStart, contextEnd-contextStart)
	require.Greater(t, packets.Load32(32), contextEnd)
	require.Equal(t, uint32(0x1234), packets.Load32(36))
}

func TestEngineFillCopyAndAtomics(t *testing.T) {
	f := newFixture(t, sim.Options{})
	src := f.allocate(t, memory.AllocationTypeBuffer, memutils.PageSize)
	dst := f.allocate(t, memory.AllocationTypeBuffer, memutils.PageSize)
	dst.Store64(128, 10)

	batch := f.batch(t)
	encoder.MemSet{Destination: src.GpuAddress(), Size: 64, Pattern: 0x0201, PatternSize: 2}.Encode(batch.space(encoder.MemSetSize))
	encoder.MemCopy{Destination: dst.GpuAddress(), Source: src.GpuAddress(), Size: 64}.Encode(batch.space(encoder.MemCopySize))
	encoder.AtomicAdd{Address: dst.GpuAddress() + 128, Operand: 5}.Encode(batch.space(encoder.AtomicAddSize))
	batch.end()

	taskCount := f.submit(t, batch.submission(src, dst))
	require.Equal(t, csr.WaitReady, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, false))

	for i := 0; i < 64; i += 2 {
		require.Equal(t, []byte{1, 2}, dst.Bytes()[i:i+2])
	}
	require.Equal(t, byte(0), dst.Bytes()[64])
	require.Equal(t, uint64(15), dst.Load64(128))
}

func TestEngineKernelErrorHangs(t *testing.T) {
	kernels := sim.NewKernelRegistry()
	kernels.Register("broken", func(d *sim.Dispatch) error {
		return errors.New("bad dispatch")
	})
	f := newFixture(t, sim.Options{Kernels: kernels})

	isa := f.allocate(t, memory.AllocationTypeKernelIsa, memutils.PageSize)
	copy(isa.Bytes(), sim.Isa("broken"))

	batch := f.batch(t)
	f.family.EncodeWalker(batch.space(f.family.WalkerSize()), &encoder.ComputeWalker{KernelStartAddress: isa.GpuAddress()})
	batch.end()

	taskCount := f.submit(t, batch.submission(isa))
	require.Equal(t, csr.WaitGpuHang, f.engine.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, false))
	require.Equal(t, ze.ErrorDeviceLost, f.engine.WaitForTaskCount(context.Background(), taskCount, 0, false).Result())
}

func TestEngineContextAllocations(t *testing.T) {
	f := newFixture(t, sim.Options{ContextID: 3})

	require.Nil(t, f.engine.PreemptionAllocation())
	require.NoError(t, f.engine.CreatePreemptionAllocation())
	preemption := f.engine.PreemptionAllocation()
	require.NotNil(t, preemption)
	require.NoError(t, f.engine.CreatePreemptionAllocation())
	require.Same(t, preemption, f.engine.PreemptionAllocation())

	heap, err := f.engine.GlobalStatelessHeap()
	require.NoError(t, err)
	again, err := f.engine.GlobalStatelessHeap()
	require.NoError(t, err)
	require.Same(t, heap, again)

	buffer := f.allocate(t, memory.AllocationTypeBuffer, memutils.PageSize)
	require.False(t, f.engine.IsMadeResident(buffer))
	f.engine.MakeResident(buffer)
	require.True(t, f.engine.IsMadeResident(buffer))
	require.True(t, buffer.IsResident(3))
	require.Equal(t, uint32(3), f.engine.ContextID())
}
