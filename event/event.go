package event

import (
	"time"

	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
)

// Event is a completion signal backed either by packets in a pool slot or by a counter. Host
// operations on one event must not race with each other; the device may write it concurrently.
type Event struct {
	pool        *Pool
	index       int
	offset      int
	signalScope Scope

	maxPackets   int
	packetsInUse int
	// timestampPackets is the number of leading packets that carry kernel timestamps
	timestampPackets int

	inOrder       *InOrderExecInfo
	inOrderTarget uint64
	aggregated    *aggregatedStorage

	destroyed bool
}

func (e *Event) Index() int         { return e.index }
func (e *Event) Pool() *Pool        { return e.pool }
func (e *Event) MaxPackets() int    { return e.maxPackets }
func (e *Event) PacketsInUse() int  { return e.packetsInUse }
func (e *Event) IsDestroyed() bool  { return e.destroyed }
func (e *Event) SignalScope() Scope { return e.signalScope }

func (e *Event) Allocation() *memory.GraphicsAllocation {
	if e.aggregated != nil {
		return e.aggregated.alloc
	}
	return e.pool.alloc
}

// GpuAddress is the address of the event's first packet, or of its counter
func (e *Event) GpuAddress() memory.GpuAddress {
	if e.aggregated != nil {
		return e.aggregated.alloc.GpuAddress() + memory.GpuAddress(e.aggregated.offset)
	}
	return e.pool.alloc.GpuAddress() + memory.GpuAddress(e.offset)
}

func (e *Event) PacketAddress(packet int) memory.GpuAddress {
	return e.GpuAddress() + memory.GpuAddress(packet*e.pool.family.Caps.EventPacketSize)
}

// CompletionAddress is the address of the completion field of packet
func (e *Event) CompletionAddress(packet int) memory.GpuAddress {
	return e.PacketAddress(packet) + ContextEndOffset
}

func (e *Event) IsTimestamp() bool {
	return e.pool != nil && e.pool.IsTimestamp()
}

// IsHostVisible reports whether signaling the event must make prior writes visible to the host
func (e *Event) IsHostVisible() bool {
	return e.signalScope == ScopeHost || (e.pool != nil && e.pool.IsHostVisible())
}

// IsCounterBased reports whether the event completes on a counter value rather than on packets
func (e *Event) IsCounterBased() bool {
	return e.aggregated != nil || (e.pool != nil && e.pool.IsCounterBased())
}

func (e *Event) IsAggregated() bool {
	return e.aggregated != nil
}

func (e *Event) packetOffset(packet int) int {
	return e.offset + packet*e.pool.family.Caps.EventPacketSize
}

// SetPacketsInUse records how many packets the operation now signaling the event writes
func (e *Event) SetPacketsInUse(packets int) {
	if packets < 1 || packets > e.maxPackets {
		panic("event packet count out of range")
	}
	e.packetsInUse = packets
}

// ApplySignal records the packet usage of plan, which an appended operation now signals
func (e *Event) ApplySignal(plan SignalPlan) {
	e.SetPacketsInUse(plan.PacketsInUse)
	e.timestampPackets = plan.TimestampPackets
	e.inOrder = nil
}

// AssignInOrder makes a counter based event complete when the in-order counter of info reaches
// target
func (e *Event) AssignInOrder(info *InOrderExecInfo, target uint64) {
	e.inOrder = info
	e.inOrderTarget = target
}

// InOrder returns the counter and value a counter based event completes on
func (e *Event) InOrder() (*InOrderExecInfo, uint64) {
	return e.inOrder, e.inOrderTarget
}

func (e *Event) resetPackets() {
	alloc := e.pool.alloc
	for packet := 0; packet < e.maxPackets; packet++ {
		offset := e.packetOffset(packet)
		for field := 0; field < e.pool.family.Caps.EventPacketSize; field += 4 {
			alloc.Store32(offset+field, StateCleared)
		}
	}
	e.packetsInUse = 1
	e.timestampPackets = 0
}

func (e *Event) checkAlive() error {
	if e.destroyed {
		return ze.Errorf(ze.ErrorInvalidNullHandle, "event was destroyed")
	}
	return nil
}

// HostSignal signals the event from the host
func (e *Event) HostSignal() (ze.Result, error) {
	if err := e.checkAlive(); err != nil {
		return ze.Fail(err)
	}

	switch {
	case e.aggregated != nil:
		e.aggregated.alloc.Store64(e.aggregated.offset, e.aggregated.completionValue)
	case e.inOrder != nil:
		return ze.Fail(ze.Errorf(ze.ErrorUnsupportedFeature, "an event bound to an in-order counter cannot be signaled from the host"))
	default:
		for packet := 0; packet < e.maxPackets; packet++ {
			e.pool.alloc.Store32(e.packetOffset(packet)+ContextEndOffset, StateSignaled)
		}
	}
	return ze.Success, nil
}

// HostReset returns the event to the cleared state
func (e *Event) HostReset() (ze.Result, error) {
	if err := e.checkAlive(); err != nil {
		return ze.Fail(err)
	}

	if e.aggregated != nil {
		e.aggregated.alloc.Store64(e.aggregated.offset, 0)
		return ze.Success, nil
	}

	e.inOrder = nil
	e.inOrderTarget = 0
	e.resetPackets()
	return ze.Success, nil
}

func (e *Event) isSignaled() bool {
	switch {
	case e.aggregated != nil:
		return e.aggregated.alloc.Load64(e.aggregated.offset) >= e.aggregated.completionValue
	case e.inOrder != nil:
		return e.inOrder.IsCompleted(e.inOrderTarget)
	}

	for packet := 0; packet < e.packetsInUse; packet++ {
		if e.pool.alloc.Load32(e.packetOffset(packet)+ContextEndOffset) == StateCleared {
			return false
		}
	}
	return true
}

// QueryStatus returns Success once the event is signaled and NotReady before
func (e *Event) QueryStatus() (ze.Result, error) {
	if err := e.checkAlive(); err != nil {
		return ze.Fail(err)
	}
	if e.isSignaled() {
		return ze.Success, nil
	}
	return ze.NotReady, nil
}

// HostSynchronize waits up to timeout for the event to be signaled. Running out of time returns
// NotReady; the caller may wait again.
func (e *Event) HostSynchronize(timeout time.Duration) (ze.Result, error) {
	if err := e.checkAlive(); err != nil {
		return ze.Fail(err)
	}

	interval := e.pollInterval()
	if utils.PollUntil(timeout, interval, e.isSignaled) {
		return ze.Success, nil
	}
	return ze.NotReady, nil
}

func (e *Event) pollInterval() time.Duration {
	if e.aggregated != nil {
		return e.aggregated.pollInterval
	}
	return e.pool.pollInterval
}

// TimestampRange is a start and end pair of timestamp ticks
type TimestampRange struct {
	Start uint64
	End   uint64
}

type KernelTimestampResult struct {
	Global  TimestampRange
	Context TimestampRange
}

// QueryKernelTimestamp reports the span covered by every timestamp packet the last signaling
// operation wrote
func (e *Event) QueryKernelTimestamp(result *KernelTimestampResult) (ze.Result, error) {
	if err := e.checkAlive(); err != nil {
		return ze.Fail(err)
	}
	if !e.IsTimestamp() {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "event pool was not created with PoolFlagKernelTimestamp"))
	}
	if !e.isSignaled() {
		return ze.NotReady, nil
	}
	if e.timestampPackets == 0 {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "event was not signaled by a timestamped operation"))
	}

	alloc := e.pool.alloc
	var out KernelTimestampResult
	for packet := 0; packet < e.timestampPackets; packet++ {
		offset := e.packetOffset(packet)
		contextStart := uint64(alloc.Load32(offset + ContextStartOffset))
		globalStart := uint64(alloc.Load32(offset + GlobalStartOffset))
		contextEnd := uint64(alloc.Load32(offset + ContextEndOffset))
		globalEnd := uint64(alloc.Load32(offset + GlobalEndOffset))

		if packet == 0 || contextStart < out.Context.Start {
			out.Context.Start = contextStart
		}
		if packet == 0 || globalStart < out.Global.Start {
			out.Global.Start = globalStart
		}
		if contextEnd > out.Context.End {
			out.Context.End = contextEnd
		}
		if globalEnd > out.Global.End {
			out.Global.End = globalEnd
		}
	}

	*result = out
	return ze.Success, nil
}

// Destroy releases the event's pool slot
func (e *Event) Destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true
	if e.pool != nil {
		e.pool.releaseEvent(e.index)
	}
}
