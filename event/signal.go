package event

import (
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/encoder"
)

// SignalPolicy is the per-family packet policy, resolved against debug overrides once
type SignalPolicy struct {
	// SignalAllPackets writes every packet of the event, not only the ones the operation uses
	SignalAllPackets bool
	// CompactL3Flush folds the cache flush write into a single packet instead of appending one
	// packet per partition after the operation's own
	CompactL3Flush bool
	// DcFlushRequired means host visible signals need a data cache flush first
	DcFlushRequired bool
}

func NewSignalPolicy(family *encoder.Family, settings config.Settings) SignalPolicy {
	caps := &family.Caps
	return SignalPolicy{
		SignalAllPackets: config.Override(settings.SignalAllEventPackets, caps.SignalAllEventPacketsDefault),
		CompactL3Flush:   config.Override(settings.CompactL3FlushEventPacket, caps.CompactL3FlushEventPacketEligible),
		DcFlushRequired:  caps.DcFlushRequired,
	}
}

type OperationKind uint8

const (
	// OperationKernel is a walker whose post-sync can write the event
	OperationKernel OperationKind = iota
	// OperationCommand is any other command signaling the event with an explicit write
	OperationCommand
)

// SignalPlan lists the packet writes one operation performs to signal an event
type SignalPlan struct {
	// OperationPackets is the number of packets, starting at packet 0, the operation itself
	// writes: one per partition
	OperationPackets int
	// FlushPacket is the first packet the trailing cache flush writes, one per partition, or -1
	// when no flush write follows
	FlushPacket int
	// Compact means the operation writes nothing and a single flush write to the last packet
	// completes the event
	Compact bool
	// FillFrom is the first packet written explicitly so that all packets end up signaled, or -1
	FillFrom int

	PacketsInUse int
	// TimestampPackets is the number of packets carrying timestamps for timestamp events
	TimestampPackets int
}

// LastPacket is the packet whose write completes the operation
func (p SignalPlan) LastPacket() int {
	return p.PacketsInUse - 1
}

// PlanSignal decides which packets of e an operation on partitionCount partitions writes
func (p SignalPolicy) PlanSignal(e *Event, kind OperationKind, partitionCount int) SignalPlan {
	if partitionCount < 1 {
		partitionCount = 1
	}

	plan := SignalPlan{
		OperationPackets: partitionCount,
		FlushPacket:      -1,
		FillFrom:         -1,
		PacketsInUse:     partitionCount,
	}

	if kind == OperationKernel && e.IsHostVisible() && p.DcFlushRequired {
		if p.CompactL3Flush {
			plan.Compact = true
			plan.OperationPackets = 0
			plan.FlushPacket = 0
			plan.PacketsInUse = 1
		} else {
			plan.FlushPacket = partitionCount
			plan.PacketsInUse = 2 * partitionCount
		}
	}

	if e.IsTimestamp() {
		plan.TimestampPackets = plan.OperationPackets
		if plan.Compact || kind == OperationCommand {
			plan.TimestampPackets = 1
		}
	}

	if plan.PacketsInUse > e.maxPackets {
		panic("operation needs more packets than the event has")
	}

	if p.SignalAllPackets && !plan.Compact && plan.PacketsInUse < e.maxPackets {
		plan.FillFrom = plan.PacketsInUse
		plan.PacketsInUse = e.maxPackets
	}

	return plan
}

// RequiredPackets is the number of packets PlanSignal needs e to have for the operation
func (p SignalPolicy) RequiredPackets(e *Event, kind OperationKind, partitionCount int) int {
	if partitionCount < 1 {
		partitionCount = 1
	}
	if kind == OperationKernel && e.IsHostVisible() && p.DcFlushRequired {
		if p.CompactL3Flush {
			return 1
		}
		return 2 * partitionCount
	}
	return partitionCount
}
