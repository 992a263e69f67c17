package sim

import (
	"context"
	"time"

	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/memory"
)

// maxCallDepth bounds second level batch buffer nesting
const maxCallDepth = 8

func (e *Engine) execute(ctx context.Context, sub submission) error {
	e.executing = sub.taskCount

	addr := sub.batch.StartAddress()
	end := sub.batch.CommandBuffer.GpuAddress() + memory.GpuAddress(sub.batch.Used)
	var returns []memory.GpuAddress

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(returns) == 0 && addr == end {
			return nil
		}

		alloc, offset, err := e.resolveAligned(addr, 4)
		if err != nil {
			return err
		}
		op, size := encoder.DecodeHeader(alloc.Bytes()[offset:])
		if size == 0 || offset+size > alloc.Size() {
			return faultf("malformed %s at %s", op, addr)
		}
		cmd := alloc.Bytes()[offset : offset+size]
		next := addr + memory.GpuAddress(size)

		switch op {
		case encoder.OpNoop:
		case encoder.OpBatchBufferStart:
			start := encoder.DecodeBatchBufferStart(cmd)
			if start.SecondLevel {
				if len(returns) == maxCallDepth {
					return faultf("second level batch buffers nest deeper than %d", maxCallDepth)
				}
				returns = append(returns, next)
			}
			next = start.Address
		case encoder.OpBatchBufferEnd:
			if len(returns) == 0 {
				return nil
			}
			next = returns[len(returns)-1]
			returns = returns[:len(returns)-1]
		case encoder.OpStateBaseAddress:
			e.state = encoder.DecodeStateBaseAddress(cmd)
		case encoder.OpPipeControl:
			err = e.pipeControl(encoder.DecodePipeControl(cmd))
		case encoder.OpSemaphoreWait:
			err = e.semaphoreWait(ctx, encoder.DecodeSemaphoreWait(cmd))
		case encoder.OpStoreDataImm:
			store := encoder.DecodeStoreDataImm(cmd)
			if store.Qword {
				err = e.memory.Store64(store.Address, store.Value)
			} else {
				err = e.memory.Store32(store.Address, uint32(store.Value))
			}
		case encoder.OpAtomicAdd:
			add := encoder.DecodeAtomicAdd(cmd)
			var target *memory.GraphicsAllocation
			var targetOffset int
			target, targetOffset, err = e.resolveAligned(add.Address, 8)
			if err == nil {
				target.Add64(targetOffset, add.Operand)
			}
		case encoder.OpLoadRegisterImm:
			load := encoder.DecodeLoadRegisterImm(cmd)
			e.registers[load.Register] = load.Value
		case encoder.OpStoreRegisterMem:
			store := encoder.DecodeStoreRegisterMem(cmd)
			err = e.memory.Store32(store.Address, e.readRegister(store.Register))
		case encoder.OpMemSet:
			err = e.memSet(encoder.DecodeMemSet(cmd))
		case encoder.OpMemCopy:
			err = e.memCopy(encoder.DecodeMemCopy(cmd))
		case encoder.OpStatePrefetch:
			prefetch := encoder.DecodeStatePrefetch(cmd)
			_, _, err = e.resolve(prefetch.Address, int(prefetch.Size))
		case encoder.OpComputeWalker:
			err = e.walker(encoder.DecodeWalker(cmd))
		default:
			return faultf("unknown command %s at %s", op, addr)
		}
		if err != nil {
			return err
		}

		e.tick()
		addr = next
	}
}

func (e *Engine) readRegister(register uint32) uint32 {
	switch register {
	case encoder.RegisterContextTimestamp:
		return uint32(e.ticks.Load())
	case encoder.RegisterGlobalTimestamp:
		return uint32(e.ticks.Load() + globalTimestampBase)
	}
	return e.registers[register]
}

// writeTimestamp stores a {contextStart, globalStart, contextEnd, globalEnd} packet
func (e *Engine) writeTimestamp(addr memory.GpuAddress, start uint64, end uint64) error {
	alloc, offset, err := e.resolveAligned(addr, 16)
	if err != nil {
		return err
	}
	alloc.Store32(offset, uint32(start))
	alloc.Store32(offset+4, uint32(start+globalTimestampBase))
	alloc.Store32(offset+8, uint32(end))
	alloc.Store32(offset+12, uint32(end+globalTimestampBase))
	return nil
}

func (e *Engine) postSync(op encoder.PostSyncOp, addr memory.GpuAddress, data uint64, partitions uint32, start uint64) error {
	if partitions == 0 {
		partitions = 1
	}
	stride := memory.GpuAddress(e.family.Caps.PartitionAddressOffset)

	for partition := uint32(0); partition < partitions; partition++ {
		target := addr + memory.GpuAddress(partition)*stride
		var err error
		switch op {
		case encoder.PostSyncNone:
			return nil
		case encoder.PostSyncWriteImmediate:
			err = e.memory.Store64(target, data)
		case encoder.PostSyncWriteTimestamp:
			err = e.writeTimestamp(target, start, e.tick())
		default:
			err = faultf("unknown post-sync operation %d", op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pipeControl(cmd encoder.PipeControl) error {
	partitions := uint32(1)
	if cmd.Flags&encoder.PipeControlWorkloadPartitionWrite != 0 {
		partitions = cmd.PartitionCount
	}
	start := e.ticks.Load()
	return e.postSync(cmd.PostSync, cmd.Address, cmd.ImmediateData, partitions, start)
}

func (e *Engine) semaphoreValue(cmd encoder.SemaphoreWait) uint64 {
	if !cmd.RegisterValue {
		return cmd.Value
	}
	low := uint64(e.registers[encoder.RegisterSemaphoreData])
	if !cmd.Qword {
		return low
	}
	return low | uint64(e.registers[encoder.RegisterSemaphoreData+4])<<32
}

func (e *Engine) semaphoreWait(ctx context.Context, cmd encoder.SemaphoreWait) error {
	width := 4
	if cmd.Qword {
		width = 8
	}
	alloc, offset, err := e.resolveAligned(cmd.Address, width)
	if err != nil {
		return err
	}
	expected := e.semaphoreValue(cmd)

	satisfied := func() bool {
		var value uint64
		if cmd.Qword {
			value = alloc.Load64(offset)
		} else {
			value = uint64(alloc.Load32(offset))
		}

		switch cmd.Compare {
		case encoder.CompareGreaterOrEqual:
			return value >= expected
		case encoder.CompareEqual:
			return value == expected
		case encoder.CompareNotEqual:
			return value != expected
		}
		return false
	}

	var deadline time.Time
	if e.hangTimeout > 0 {
		deadline = time.Now().Add(e.hangTimeout)
	}
	interval := e.pollInterval
	if interval <= 0 {
		interval = time.Microsecond
	}

	for !satisfied() {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return faultf("semaphore at %s stalled for %s", cmd.Address, e.hangTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}

func (e *Engine) memSet(cmd encoder.MemSet) error {
	data, err := e.memory.Slice(cmd.Destination, int(cmd.Size))
	if err != nil {
		return err
	}

	patternSize := int(cmd.PatternSize)
	if patternSize != 1 && patternSize != 2 && patternSize != 4 {
		return faultf("invalid fill pattern size %d", patternSize)
	}
	for i := range data {
		data[i] = byte(cmd.Pattern >> (8 * (i % patternSize)))
	}
	return nil
}

func (e *Engine) memCopy(cmd encoder.MemCopy) error {
	src, err := e.memory.Slice(cmd.Source, int(cmd.Size))
	if err != nil {
		return err
	}
	dst, err := e.memory.Slice(cmd.Destination, int(cmd.Size))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// kernelName reads the NUL terminated name a kernel's instructions start with
func (e *Engine) kernelName(addr memory.GpuAddress) (string, error) {
	alloc, offset, err := e.resolve(addr, 1)
	if err != nil {
		return "", err
	}

	isa := alloc.Bytes()[offset:]
	for i, b := range isa {
		if b == 0 {
			return string(isa[:i]), nil
		}
	}
	return "", faultf("kernel at %s has no name", addr)
}

func (e *Engine) walker(cmd encoder.ComputeWalker) error {
	name, err := e.kernelName(cmd.KernelStartAddress)
	if err != nil {
		return err
	}
	fn, ok := e.kernels.lookup(name)
	if !ok {
		return faultf("no kernel function registered for %q", name)
	}

	payloadAddress := memory.GpuAddress(cmd.IndirectDataStart)
	if cmd.Flags&encoder.WalkerIndirectDataAbsolute == 0 {
		payloadAddress += e.state.IndirectObjectBase
	}
	var payload []byte
	if cmd.IndirectDataLength > 0 {
		payload, err = e.memory.Slice(payloadAddress, int(cmd.IndirectDataLength))
		if err != nil {
			return err
		}
	}

	partitions := cmd.PartitionCount
	if partitions == 0 {
		partitions = 1
	}

	start := e.tick()
	err = fn(&Dispatch{
		Name:           name,
		GroupCount:     cmd.GroupCount,
		GroupSize:      cmd.GroupSize,
		PartitionCount: partitions,
		SlmSize:        cmd.SlmSize,
		Payload:        append([]byte(nil), payload...),
		InlineData:     cmd.InlineData,
		Memory:         &e.memory,
	})
	if err != nil {
		return faultf("kernel %q failed: %v", name, err)
	}

	return e.postSync(cmd.PostSync.Op, cmd.PostSync.Address, cmd.PostSync.Data, partitions, start)
}
