package event

import (
	"context"
	"sync"
	"time"

	"github.com/dolthub/swiss"
	"github.com/rs/xid"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

type PoolFlags uint32

const (
	// PoolFlagHostVisible places the pool in system memory so the host can observe signals
	PoolFlagHostVisible PoolFlags = 1 << iota
	// PoolFlagKernelTimestamp makes every event record start and end timestamps
	PoolFlagKernelTimestamp
	// PoolFlagIPC allows the pool to be opened through an IpcHandle
	PoolFlagIPC
	// PoolFlagCounterBased makes events signaled by in-order lists track the list's counter
	PoolFlagCounterBased
)

// Packet layout. Each packet holds four dwords: context start, global start, context end and
// global end. The context end dword is the completion field.
const (
	ContextStartOffset = 0
	GlobalStartOffset  = 4
	ContextEndOffset   = 8
	GlobalEndOffset    = 12
)

const (
	StateSignaled uint32 = 0
	StateCleared  uint32 = 1
)

type PoolOptions struct {
	Logger          *slog.Logger
	Manager         memory.Manager
	Family          *encoder.Family
	Settings        config.Settings
	RootDeviceIndex uint32

	Flags PoolFlags
	Count int
	// ExternalSynchronization means the caller serializes every use of the pool, so it takes no lock
	ExternalSynchronization bool
}

// Pool is a block of event storage sliced into fixed-size event slots
type Pool struct {
	logger          *slog.Logger
	manager         memory.Manager
	family          *encoder.Family
	rootDeviceIndex uint32
	policy          SignalPolicy
	pollInterval    time.Duration

	flags     PoolFlags
	count     int
	eventSize int
	alloc     *memory.GraphicsAllocation
	// opened pools share the allocation of the pool that exported them and never free it
	opened bool
	ipcID  xid.ID

	mutex  utils.OptionalMutex
	events []*Event
}

func NewPool(options PoolOptions) (*Pool, error) {
	logger := options.Logger
	if logger == nil {
		logger = memory.DiscardLogger()
	}
	logger.Debug("Pool::NewPool")

	if options.Family == nil || options.Manager == nil {
		return nil, ze.Errorf(ze.ErrorInvalidNullHandle, "an event pool needs a family and a memory manager")
	}
	if options.Count <= 0 {
		return nil, ze.Errorf(ze.ErrorInvalidSize, "event pool count must be positive, got %d", options.Count)
	}
	if options.Flags&PoolFlagCounterBased != 0 && options.Flags&PoolFlagIPC != 0 {
		return nil, ze.Errorf(ze.ErrorUnsupportedFeature, "counter based event pools cannot be shared between processes")
	}

	caps := &options.Family.Caps
	eventSize := memutils.AlignUp(caps.MaxEventPackets*caps.EventPacketSize, 64)

	props := memory.AllocationProperties{
		RootDeviceIndex: options.RootDeviceIndex,
		Size:            eventSize * options.Count,
		Type:            memory.AllocationTypeTagBuffer,
		Pool:            memory.MemoryPoolLocal,
	}
	if options.Flags&PoolFlagKernelTimestamp != 0 {
		props.Type = memory.AllocationTypeTimestampPacketTagBuffer
	}
	if options.Flags&PoolFlagHostVisible != 0 {
		props.Pool = memory.MemoryPoolSystem
	}

	alloc, err := options.Manager.AllocateGraphicsMemory(props)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		logger:          logger,
		manager:         options.Manager,
		family:          options.Family,
		rootDeviceIndex: options.RootDeviceIndex,
		policy:          NewSignalPolicy(options.Family, options.Settings),
		pollInterval:    options.Settings.PollInterval,
		flags:           options.Flags,
		count:           options.Count,
		eventSize:       eventSize,
		alloc:           alloc,
		mutex:           utils.OptionalMutex{UseMutex: !options.ExternalSynchronization},
		events:          make([]*Event, options.Count),
	}

	for offset := 0; offset < len(alloc.Bytes()); offset += 4 {
		alloc.Store32(offset, StateCleared)
	}

	if options.Flags&PoolFlagIPC != 0 {
		p.ipcID = xid.New()
		ipcPools.register(p)
	}

	return p, nil
}

func (p *Pool) Allocation() *memory.GraphicsAllocation { return p.alloc }
func (p *Pool) Flags() PoolFlags                       { return p.flags }
func (p *Pool) Count() int                             { return p.count }
func (p *Pool) EventSize() int                         { return p.eventSize }
func (p *Pool) Family() *encoder.Family                { return p.family }
func (p *Pool) SignalPolicy() SignalPolicy             { return p.policy }

func (p *Pool) IsHostVisible() bool {
	return p.flags&PoolFlagHostVisible != 0
}

func (p *Pool) IsTimestamp() bool {
	return p.flags&PoolFlagKernelTimestamp != 0
}

func (p *Pool) IsCounterBased() bool {
	return p.flags&PoolFlagCounterBased != 0
}

type Scope uint8

const (
	ScopeDevice Scope = iota
	ScopeHost
)

type EventDesc struct {
	Index int
	// Signal is the widest scope that must observe memory written before the event is signaled
	Signal Scope
	Wait   Scope
}

// CreateEvent creates the event living in slot desc.Index of the pool
func (p *Pool) CreateEvent(desc EventDesc) (*Event, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if desc.Index < 0 || desc.Index >= p.count {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "event index %d is outside a pool of %d", desc.Index, p.count)
	}
	if p.events[desc.Index] != nil {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "event index %d is already in use", desc.Index)
	}

	e := &Event{
		pool:        p,
		index:       desc.Index,
		offset:      desc.Index * p.eventSize,
		signalScope: desc.Signal,
		maxPackets:  p.family.Caps.MaxEventPackets,
	}
	e.resetPackets()
	p.events[desc.Index] = e

	return e, nil
}

func (p *Pool) releaseEvent(index int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.events[index] == nil {
		panic("event released twice")
	}
	p.events[index] = nil
}

// LiveEventCount returns the number of events created and not yet destroyed
func (p *Pool) LiveEventCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	count := 0
	for _, e := range p.events {
		if e != nil {
			count++
		}
	}
	return count
}

// Destroy releases the pool storage. Events still alive are reported and become unusable.
func (p *Pool) Destroy() {
	p.mutex.Lock()
	for index, e := range p.events {
		if e == nil {
			continue
		}
		p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED EVENT]",
			slog.Int("index", index))
		e.destroyed = true
		p.events[index] = nil
	}
	p.mutex.Unlock()

	if p.opened {
		return
	}
	if p.flags&PoolFlagIPC != 0 {
		ipcPools.unregister(p.ipcID)
	}
	p.manager.FreeGraphicsMemory(p.alloc)
	p.alloc = nil
}

// IpcHandle identifies an exported pool
type IpcHandle struct {
	ID xid.ID
}

func (h IpcHandle) String() string {
	return h.ID.String()
}

// ParseIpcHandle decodes the text form of an IpcHandle
func ParseIpcHandle(text string) (IpcHandle, error) {
	id, err := xid.FromString(text)
	if err != nil {
		return IpcHandle{}, ze.Errorf(ze.ErrorInvalidArgument, "malformed event pool handle %q: %v", text, err)
	}
	return IpcHandle{ID: id}, nil
}

// IpcHandle returns the handle other users open the pool with
func (p *Pool) IpcHandle() (IpcHandle, error) {
	if p.flags&PoolFlagIPC == 0 {
		return IpcHandle{}, ze.Errorf(ze.ErrorUnsupportedFeature, "event pool was not created with PoolFlagIPC")
	}
	return IpcHandle{ID: p.ipcID}, nil
}

// OpenIpcPool opens an exported pool. The opened pool shares the exporter's storage; destroying it
// does not free that storage.
func OpenIpcPool(handle IpcHandle, logger *slog.Logger) (*Pool, error) {
	exporter, ok := ipcPools.lookup(handle.ID)
	if !ok {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "no exported event pool %s", handle)
	}
	if logger == nil {
		logger = exporter.logger
	}

	return &Pool{
		logger:          logger,
		manager:         exporter.manager,
		family:          exporter.family,
		rootDeviceIndex: exporter.rootDeviceIndex,
		policy:          exporter.policy,
		pollInterval:    exporter.pollInterval,
		flags:           exporter.flags,
		count:           exporter.count,
		eventSize:       exporter.eventSize,
		alloc:           exporter.alloc,
		opened:          true,
		ipcID:           exporter.ipcID,
		mutex:           utils.OptionalMutex{UseMutex: true},
		events:          make([]*Event, exporter.count),
	}, nil
}

type ipcRegistry struct {
	mutex sync.Mutex
	pools *swiss.Map[xid.ID, *Pool]
}

var ipcPools = &ipcRegistry{pools: swiss.NewMap[xid.ID, *Pool](8)}

func (r *ipcRegistry) register(p *Pool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.pools.Put(p.ipcID, p)
}

func (r *ipcRegistry) unregister(id xid.ID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.pools.Delete(id)
}

func (r *ipcRegistry) lookup(id xid.ID) (*Pool, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.pools.Get(id)
}
