package csr

import (
	"context"
	"fmt"
	"time"

	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/ze"
)

//go:generate mockgen -source receiver.go -destination ./mocks/receiver.go

type SubmissionStatus uint8

const (
	SubmissionSuccess SubmissionStatus = iota
	SubmissionOutOfMemory
	SubmissionOutOfHostMemory
	SubmissionFailed
	SubmissionUnsupported
)

var submissionStatusMapping = map[SubmissionStatus]string{
	SubmissionSuccess:         "SubmissionSuccess",
	SubmissionOutOfMemory:     "SubmissionOutOfMemory",
	SubmissionOutOfHostMemory: "SubmissionOutOfHostMemory",
	SubmissionFailed:          "SubmissionFailed",
	SubmissionUnsupported:     "SubmissionUnsupported",
}

func (s SubmissionStatus) String() string {
	str, ok := submissionStatusMapping[s]
	if !ok {
		return fmt.Sprintf("SubmissionStatus(%d)", uint8(s))
	}
	return str
}

var submissionResults = map[SubmissionStatus]ze.Result{
	SubmissionSuccess:         ze.Success,
	SubmissionOutOfMemory:     ze.ErrorOutOfDeviceMemory,
	SubmissionOutOfHostMemory: ze.ErrorOutOfHostMemory,
	SubmissionFailed:          ze.ErrorDeviceLost,
	SubmissionUnsupported:     ze.ErrorUnsupportedFeature,
}

// Result maps the status onto the API result space
func (s SubmissionStatus) Result() ze.Result {
	result, ok := submissionResults[s]
	if !ok {
		return ze.ErrorUnknown
	}
	return result
}

type WaitStatus uint8

const (
	WaitReady WaitStatus = iota
	WaitNotReady
	WaitGpuHang
)

var waitStatusMapping = map[WaitStatus]string{
	WaitReady:    "WaitReady",
	WaitNotReady: "WaitNotReady",
	WaitGpuHang:  "WaitGpuHang",
}

func (s WaitStatus) String() string {
	return waitStatusMapping[s]
}

// Result maps the status onto the API result space. A wait that ran out of time is NotReady,
// which callers may retry; a hang is a lost device.
func (s WaitStatus) Result() ze.Result {
	switch s {
	case WaitReady:
		return ze.Success
	case WaitNotReady:
		return ze.NotReady
	}
	return ze.ErrorDeviceLost
}

// BatchBuffer is one submission: the command buffer execution starts in and everything it needs
// resident
type BatchBuffer struct {
	CommandBuffer *memory.GraphicsAllocation
	StartOffset   int
	// Used is the end of the submitted commands within CommandBuffer
	Used          int
	IsCooperative bool
	Residency     *memory.ResidencyContainer
}

// StartAddress is where the engine begins executing
func (b BatchBuffer) StartAddress() memory.GpuAddress {
	return b.CommandBuffer.GpuAddress() + memory.GpuAddress(b.StartOffset)
}

// Receiver is the command stream receiver of one engine context: it makes memory resident,
// submits batch buffers and reports progress through a monotonically increasing task count
type Receiver interface {
	ContextID() uint32

	// MakeResident marks alloc resident for the context until the next submission completes
	MakeResident(alloc *memory.GraphicsAllocation)
	IsMadeResident(alloc *memory.GraphicsAllocation) bool

	// Submit makes the batch's residency resident and queues it for execution. It returns the
	// task count the batch completes; the task count is only advanced on success.
	Submit(ctx context.Context, batch BatchBuffer) (uint64, SubmissionStatus)
	// TaskCount is the task count of the newest submission
	TaskCount() uint64
	// CompletedTaskCount reads the tag the engine writes as submissions complete
	CompletedTaskCount() uint64
	// WaitForTaskCount blocks until taskCount completes, timeout elapses, or the engine hangs.
	// useKmdWait waits on the kernel driver rather than polling the tag.
	WaitForTaskCount(ctx context.Context, taskCount uint64, timeout time.Duration, useKmdWait bool) WaitStatus
	TagAllocation() *memory.GraphicsAllocation

	CreatePreemptionAllocation() error
	PreemptionAllocation() *memory.GraphicsAllocation
	// GlobalStatelessHeap returns the context's heap for global heap address models, creating it
	// on first use
	GlobalStatelessHeap() (*memory.GraphicsAllocation, error)
	// SBATracker is the state base address programmed on the context
	SBATracker() *sba.Tracker

	// IsHangDetected reports whether the engine stopped making progress
	IsHangDetected() bool
	Destroy()
}
