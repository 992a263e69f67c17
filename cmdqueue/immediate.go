package cmdqueue

import (
	"context"
	"time"

	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/device"
	"github.com/zekit/zecore/ze"
)

// ImmediateDesc configures NewImmediate
type ImmediateDesc struct {
	Desc
	InOrder        bool
	PartitionCount int
}

// ImmediateCommandList is a command list whose every append is submitted to its own queue
type ImmediateCommandList struct {
	*cmdlist.CommandList
	queue *CommandQueue
}

func NewImmediate(dev *device.Device, desc ImmediateDesc) (*ImmediateCommandList, error) {
	queue, err := New(dev, desc.Desc)
	if err != nil {
		return nil, err
	}

	list, err := cmdlist.New(dev, cmdlist.Desc{
		EngineOrdinal:  desc.EngineOrdinal,
		CopyOnly:       desc.CopyOnly,
		InOrder:        desc.InOrder,
		PartitionCount: desc.PartitionCount,
		Executor:       queue,
		SharedHeaps:    dev.Settings().EnableImmediateCmdListHeapSharing,
	})
	if err != nil {
		queue.Destroy()
		return nil, err
	}

	return &ImmediateCommandList{CommandList: list, queue: queue}, nil
}

func (l *ImmediateCommandList) Queue() *CommandQueue { return l.queue }

// HostSynchronize waits up to timeout for everything the list submitted
func (l *ImmediateCommandList) HostSynchronize(ctx context.Context, timeout time.Duration) (ze.Result, error) {
	return l.queue.Synchronize(ctx, timeout)
}

// Destroy waits for the list's submissions and releases the list and its queue
func (l *ImmediateCommandList) Destroy() {
	l.queue.Destroy()
	l.CommandList.Destroy()
}
