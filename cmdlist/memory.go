package cmdlist

import (
	"context"

	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// resolveRange finds the allocation holding [ptr, ptr+size). Unified memory pointers are looked
// up first, then any allocation of the memory manager.
func (cl *CommandList) resolveRange(ptr memory.GpuAddress, size uint64, name string) (*memory.GraphicsAllocation, error) {
	alloc, ok := cl.device.USM().FindAllocation(ptr)
	if !ok {
		alloc, _, ok = cl.device.Manager().FindAllocation(ptr)
	}
	if !ok {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "%s %s is not a device accessible pointer", name, ptr)
	}

	end := alloc.GpuAddress() + memory.GpuAddress(alloc.Size())
	if uint64(end-ptr) < size {
		return nil, ze.Errorf(ze.ErrorInvalidSize, "%s range of %d bytes at %s exceeds %s", name, size, ptr, alloc)
	}
	return alloc, nil
}

// AppendMemoryFill replicates pattern over size bytes at dst
func (cl *CommandList) AppendMemoryFill(ctx context.Context, dst memory.GpuAddress, pattern []byte, size uint64, signal *event.Event, waits []*event.Event) (ze.Result, error) {
	cl.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandList::AppendMemoryFill",
		slog.String("dst", dst.String()),
		slog.Int("patternSize", len(pattern)),
		slog.Uint64("size", size))

	if err := cl.checkRecordable(); err != nil {
		return ze.Fail(err)
	}

	patternSize := len(pattern)
	if patternSize != 1 && patternSize != 2 && patternSize != 4 {
		return ze.Fail(ze.Errorf(ze.ErrorUnsupportedFeature, "fill patterns of %d bytes are not supported", patternSize))
	}
	if size == 0 || size%uint64(patternSize) != 0 {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidSize, "fill size %d is not a positive multiple of the pattern size %d", size, patternSize))
	}

	alloc, err := cl.resolveRange(dst, size, "fill destination")
	if err != nil {
		return ze.Fail(err)
	}

	var value uint32
	for i, b := range pattern {
		value |= uint32(b) << (8 * i)
	}

	return cl.appendCommand(ctx, commandOp{
		signal:  signal,
		waits:   waits,
		counted: true,
		body: func() error {
			cl.container.AddToResidencyContainer(alloc)
			set := encoder.MemSet{Destination: dst, Size: size, Pattern: value, PatternSize: uint32(patternSize)}
			_, err := cl.emit(encoder.MemSetSize, set.Encode)
			return err
		},
	})
}

// AppendMemoryCopy copies size bytes from src to dst
func (cl *CommandList) AppendMemoryCopy(ctx context.Context, dst memory.GpuAddress, src memory.GpuAddress, size uint64, signal *event.Event, waits []*event.Event) (ze.Result, error) {
	cl.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandList::AppendMemoryCopy",
		slog.String("dst", dst.String()),
		slog.String("src", src.String()),
		slog.Uint64("size", size))

	if err := cl.checkRecordable(); err != nil {
		return ze.Fail(err)
	}
	if size == 0 {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidSize, "copy size is zero"))
	}

	dstAlloc, err := cl.resolveRange(dst, size, "copy destination")
	if err != nil {
		return ze.Fail(err)
	}
	srcAlloc, err := cl.resolveRange(src, size, "copy source")
	if err != nil {
		return ze.Fail(err)
	}

	return cl.appendCommand(ctx, commandOp{
		signal:  signal,
		waits:   waits,
		counted: true,
		body: func() error {
			cl.container.AddToResidencyContainer(dstAlloc, srcAlloc)
			cpy := encoder.MemCopy{Destination: dst, Source: src, Size: size}
			_, err := cl.emit(encoder.MemCopySize, cpy.Encode)
			return err
		},
	})
}
