package event

import (
	"time"

	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
)

type InOrderOptions struct {
	Manager         memory.Manager
	Family          *encoder.Family
	RootDeviceIndex uint32
	PartitionCount  int
	// Regular lists are submitted repeatedly, so their counter values are relative to a base the
	// queue moves forward on every submission
	Regular bool
}

// InOrderExecInfo is the device counter an in-order command list advances once per appended
// operation. Each partition writes its own copy of the counter, PartitionStride bytes apart.
type InOrderExecInfo struct {
	manager         memory.Manager
	alloc           *memory.GraphicsAllocation
	partitionCount  int
	partitionStride int
	regular         bool

	counterValue uint64
	base         uint64
}

func NewInOrderExecInfo(options InOrderOptions) (*InOrderExecInfo, error) {
	partitionCount := options.PartitionCount
	if partitionCount < 1 {
		partitionCount = 1
	}
	stride := options.Family.Caps.PartitionAddressOffset

	alloc, err := options.Manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: options.RootDeviceIndex,
		Size:            partitionCount * stride,
		Type:            memory.AllocationTypeTagBuffer,
		Pool:            memory.MemoryPoolSystem,
	})
	if err != nil {
		return nil, err
	}

	return &InOrderExecInfo{
		manager:         options.Manager,
		alloc:           alloc,
		partitionCount:  partitionCount,
		partitionStride: stride,
		regular:         options.Regular,
	}, nil
}

func (i *InOrderExecInfo) Allocation() *memory.GraphicsAllocation { return i.alloc }
func (i *InOrderExecInfo) CounterAddress() memory.GpuAddress      { return i.alloc.GpuAddress() }
func (i *InOrderExecInfo) PartitionCount() int                    { return i.partitionCount }
func (i *InOrderExecInfo) PartitionStride() int                   { return i.partitionStride }
func (i *InOrderExecInfo) IsRegular() bool                        { return i.regular }
func (i *InOrderExecInfo) Base() uint64                           { return i.base }

// RelativeValue is the value the newest appended operation writes, before rebasing
func (i *InOrderExecInfo) RelativeValue() uint64 { return i.counterValue }

// CounterValue is the absolute value the newest appended operation writes
func (i *InOrderExecInfo) CounterValue() uint64 {
	return i.base + i.counterValue
}

// Advance reserves the counter value of a newly appended operation and returns it
func (i *InOrderExecInfo) Advance() uint64 {
	i.counterValue++
	return i.CounterValue()
}

// SetSubmissionBase moves the values of a regular list to the submission starting after base
func (i *InOrderExecInfo) SetSubmissionBase(base uint64) {
	if !i.regular {
		panic("immediate in-order counters are never rebased")
	}
	i.base = base
}

// DeviceValue is the lowest value any partition has written so far
func (i *InOrderExecInfo) DeviceValue() uint64 {
	value := i.alloc.Load64(0)
	for partition := 1; partition < i.partitionCount; partition++ {
		if v := i.alloc.Load64(partition * i.partitionStride); v < value {
			value = v
		}
	}
	return value
}

// IsCompleted reports whether every partition has reached target
func (i *InOrderExecInfo) IsCompleted(target uint64) bool {
	return i.DeviceValue() >= target
}

// Reset restarts the counter. The device must no longer be using it.
func (i *InOrderExecInfo) Reset() {
	i.counterValue = 0
	i.base = 0
	for partition := 0; partition < i.partitionCount; partition++ {
		i.alloc.Store64(partition*i.partitionStride, 0)
	}
}

func (i *InOrderExecInfo) Destroy() {
	i.manager.FreeGraphicsMemory(i.alloc)
	i.alloc = nil
}

type aggregatedStorage struct {
	alloc           *memory.GraphicsAllocation
	offset          int
	incrementValue  uint64
	completionValue uint64
	pollInterval    time.Duration
}

type AggregatedEventOptions struct {
	// Allocation holds the counter at Offset, which must be 8-byte aligned. The caller owns it.
	Allocation *memory.GraphicsAllocation
	Offset     int
	// IncrementValue is added to the counter by every signaling operation
	IncrementValue uint64
	// CompletionValue is the counter value at which the event is signaled
	CompletionValue uint64
	PollInterval    time.Duration
}

// NewAggregatedEvent creates a counter based event whose storage lives in a caller supplied
// allocation, so several producers can signal one event by each adding their increment
func NewAggregatedEvent(options AggregatedEventOptions) (*Event, error) {
	if options.Allocation == nil {
		return nil, ze.Errorf(ze.ErrorInvalidNullHandle, "aggregated events need external storage")
	}
	if options.Offset < 0 || options.Offset%8 != 0 || options.Offset+8 > options.Allocation.Size() {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "counter offset %d is misaligned or outside %s", options.Offset, options.Allocation)
	}
	if options.IncrementValue == 0 || options.CompletionValue == 0 {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "increment and completion values must be positive")
	}

	return &Event{
		maxPackets:   1,
		packetsInUse: 1,
		signalScope:  ScopeHost,
		aggregated: &aggregatedStorage{
			alloc:           options.Allocation,
			offset:          options.Offset,
			incrementValue:  options.IncrementValue,
			completionValue: options.CompletionValue,
			pollInterval:    options.PollInterval,
		},
	}, nil
}

// AggregatedValues returns the increment and completion values of an aggregated event
func (e *Event) AggregatedValues() (uint64, uint64) {
	if e.aggregated == nil {
		return 0, 0
	}
	return e.aggregated.incrementValue, e.aggregated.completionValue
}
