package device

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/container"
	"github.com/zekit/zecore/csr"
	"github.com/zekit/zecore/csr/sim"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

const (
	// AssertBufferSize is the size of the device-wide assert buffer
	AssertBufferSize = memutils.PageSize
	// assertHeaderSize covers the hit flag dword and the message length dword
	assertHeaderSize = 8

	defaultBindingTableSlots = 64
)

// CreateOptions configures New. Zero values select defaults.
type CreateOptions struct {
	Logger  *slog.Logger
	Product encoder.ProductFamily
	// Settings defaults to config.Defaults
	Settings *config.Settings
	// Manager defaults to a HostManager owned by the device
	Manager         memory.Manager
	RootDeviceIndex uint32

	// EngineCount is the number of compute engines, one by default
	EngineCount int
	// Receivers replaces the software engines; there must be one per engine
	Receivers []csr.Receiver
	// Kernels resolves walkers on the software engines
	Kernels *sim.KernelRegistry
	// HangTimeout is passed to the software engines
	HangTimeout time.Duration
}

// Engine is one engine context of the device
type Engine struct {
	ordinal  int
	receiver csr.Receiver

	mutex  sync.Mutex
	shared *container.SharedHeaps

	submission sync.Mutex
}

func (e *Engine) Ordinal() int           { return e.ordinal }
func (e *Engine) Receiver() csr.Receiver { return e.receiver }

// LockSubmission serializes queues submitting to the engine, keeping the state base address the
// tracker records in step with the order batches reach the engine
func (e *Engine) LockSubmission()   { e.submission.Lock() }
func (e *Engine) UnlockSubmission() { e.submission.Unlock() }

// Device aggregates everything command lists and queues of one root device share
type Device struct {
	logger          *slog.Logger
	family          *encoder.Family
	settings        config.Settings
	manager         memory.Manager
	ownedManager    *memory.HostManager
	usm             *memory.UnifiedMemoryManager
	rootDeviceIndex uint32
	signalPolicy    event.SignalPolicy
	kernels         *sim.KernelRegistry

	engines     []*Engine
	simEngines  []*sim.Engine
	globalHeaps *sba.GlobalHeaps
	assert      *memory.GraphicsAllocation
	reusable    memory.ReusableList
}

func New(options CreateOptions) (*Device, error) {
	logger := options.Logger
	if logger == nil {
		logger = memory.DiscardLogger()
	}
	logger.Debug("Device::New")

	family, err := encoder.LookupFamily(options.Product)
	if err != nil {
		return nil, err
	}

	settings := config.Defaults()
	if options.Settings != nil {
		settings = *options.Settings
	}

	engineCount := options.EngineCount
	if engineCount <= 0 {
		engineCount = 1
	}
	if options.Receivers != nil && len(options.Receivers) != engineCount {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "%d receivers supplied for %d engines", len(options.Receivers), engineCount)
	}

	d := &Device{
		logger:          logger,
		family:          family,
		settings:        settings,
		manager:         options.Manager,
		rootDeviceIndex: options.RootDeviceIndex,
		signalPolicy:    event.NewSignalPolicy(family, settings),
		kernels:         options.Kernels,
	}
	if d.manager == nil {
		d.ownedManager = memory.NewHostManager(memory.HostManagerOptions{Logger: logger})
		d.manager = d.ownedManager
	}
	if d.kernels == nil {
		d.kernels = sim.NewKernelRegistry()
	}
	d.usm = memory.NewUnifiedMemoryManager(d.manager, logger)

	for ordinal := 0; ordinal < engineCount; ordinal++ {
		var receiver csr.Receiver
		if options.Receivers != nil {
			receiver = options.Receivers[ordinal]
		} else {
			engine, err := sim.NewEngine(sim.Options{
				Logger:          logger,
				Manager:         d.manager,
				Family:          family,
				ContextID:       uint32(ordinal),
				RootDeviceIndex: d.rootDeviceIndex,
				Kernels:         d.kernels,
				PollInterval:    settings.PollInterval,
				HangTimeout:     options.HangTimeout,
			})
			if err != nil {
				d.Destroy()
				return nil, err
			}
			d.simEngines = append(d.simEngines, engine)
			receiver = engine
		}
		d.engines = append(d.engines, &Engine{ordinal: ordinal, receiver: receiver})
	}

	d.globalHeaps, err = sba.NewGlobalHeaps(sba.GlobalHeapsOptions{
		Logger:            logger,
		Manager:           d.manager,
		RootDeviceIndex:   d.rootDeviceIndex,
		HeapSize:          family.Caps.DefaultHeapSize,
		BindingTableSlots: defaultBindingTableSlots,
		SurfaceStateSize:  family.Caps.SurfaceStateSize,
	})
	if err != nil {
		d.Destroy()
		return nil, err
	}

	d.assert, err = d.manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: d.rootDeviceIndex,
		Size:            AssertBufferSize,
		Type:            memory.AllocationTypeAssertBuffer,
		Pool:            memory.MemoryPoolSystem,
	})
	if err != nil {
		d.Destroy()
		return nil, err
	}

	return d, nil
}

func (d *Device) Logger() *slog.Logger                         { return d.logger }
func (d *Device) Family() *encoder.Family                      { return d.family }
func (d *Device) Settings() config.Settings                    { return d.settings }
func (d *Device) Manager() memory.Manager                      { return d.manager }
func (d *Device) USM() *memory.UnifiedMemoryManager            { return d.usm }
func (d *Device) RootDeviceIndex() uint32                      { return d.rootDeviceIndex }
func (d *Device) SignalPolicy() event.SignalPolicy             { return d.signalPolicy }
func (d *Device) Kernels() *sim.KernelRegistry                 { return d.kernels }
func (d *Device) GlobalHeaps() *sba.GlobalHeaps                { return d.globalHeaps }
func (d *Device) AssertAllocation() *memory.GraphicsAllocation { return d.assert }
func (d *Device) ReusableList() *memory.ReusableList           { return &d.reusable }
func (d *Device) EngineCount() int                             { return len(d.engines) }

// Engine returns the engine context with the given ordinal
func (d *Device) Engine(ordinal int) (*Engine, error) {
	if ordinal < 0 || ordinal >= len(d.engines) {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "engine ordinal %d is outside the device's %d engines", ordinal, len(d.engines))
	}
	return d.engines[ordinal], nil
}

// SharedHeaps returns the heaps the immediate lists of engine share, creating them on first use
func (d *Device) SharedHeaps(engine *Engine) (*container.SharedHeaps, error) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	if engine.shared != nil {
		return engine.shared, nil
	}

	heapSize := d.family.Caps.DefaultHeapSize
	if d.settings.DefaultHeapSize > 0 {
		heapSize = d.settings.DefaultHeapSize
	}

	receiver := engine.receiver
	shared, err := container.NewSharedHeaps(container.SharedHeapsOptions{
		Logger:             d.logger,
		Manager:            d.manager,
		RootDeviceIndex:    d.rootDeviceIndex,
		HeapSize:           heapSize,
		CompletedTaskCount: receiver.CompletedTaskCount,
		WaitForTaskCount: func(taskCount uint64) error {
			status := receiver.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, d.settings.UseKmdWaitFunction)
			if status != csr.WaitReady {
				return status.Result().ToError()
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	engine.shared = shared
	return shared, nil
}

// IsAllocationIdle reports whether every engine context that used alloc has completed that use
func (d *Device) IsAllocationIdle(alloc *memory.GraphicsAllocation) bool {
	idle := true
	alloc.VisitUsage(func(contextID uint32, taskCount uint64) {
		if int(contextID) >= len(d.engines) {
			return
		}
		if d.engines[contextID].receiver.CompletedTaskCount() < taskCount {
			idle = false
		}
	})
	return idle
}

// CreateModule builds a module whose allocations belong to the device
func (d *Device) CreateModule(ctx context.Context, options kernel.ModuleOptions) (*kernel.Module, error) {
	options.Logger = d.logger
	options.Manager = d.manager
	options.USM = d.usm
	options.RootDeviceIndex = d.rootDeviceIndex
	return kernel.NewModule(ctx, options)
}

// CreateEventPool creates an event pool whose storage belongs to the device
func (d *Device) CreateEventPool(flags event.PoolFlags, count int) (*event.Pool, error) {
	return event.NewPool(event.PoolOptions{
		Logger:          d.logger,
		Manager:         d.manager,
		Family:          d.family,
		Settings:        d.settings,
		RootDeviceIndex: d.rootDeviceIndex,
		Flags:           flags,
		Count:           count,
	})
}

// CheckAndClearAssert reports whether device code raised an assert since the last check, along
// with its message, and rearms the assert buffer
func (d *Device) CheckAndClearAssert() (bool, string) {
	if d.assert.Load32(0) == 0 {
		return false, ""
	}

	length := int(d.assert.Load32(4))
	if length > AssertBufferSize-assertHeaderSize {
		length = AssertBufferSize - assertHeaderSize
	}
	message := string(d.assert.Bytes()[assertHeaderSize : assertHeaderSize+length])

	d.logger.LogAttrs(context.Background(), slog.LevelError, "Device::CheckAndClearAssert device assert",
		slog.String("message", message))

	d.assert.Store32(4, 0)
	d.assert.Store32(0, 0)
	return true, message
}

// RaiseAssert records an assert in the assert buffer alloc the way device code does
func RaiseAssert(alloc *memory.GraphicsAllocation, message string) {
	data := alloc.Bytes()
	n := copy(data[assertHeaderSize:], message)
	binary.LittleEndian.PutUint32(data[4:], uint32(n))
	alloc.Store32(0, 1)
}

// Destroy releases the device's engines and allocations
func (d *Device) Destroy() {
	d.logger.Debug("Device::Destroy")

	for _, engine := range d.engines {
		if engine.shared != nil {
			engine.shared.Destroy()
			engine.shared = nil
		}
	}
	for _, engine := range d.simEngines {
		engine.Destroy()
	}
	d.simEngines = nil
	d.engines = nil

	if d.globalHeaps != nil {
		d.globalHeaps.Destroy()
		d.globalHeaps = nil
	}
	d.manager.FreeGraphicsMemory(d.assert)
	d.assert = nil
	d.reusable.FreeAll(d.manager)

	if d.ownedManager != nil {
		if count := d.ownedManager.AllocationCount(); count > 0 {
			d.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED ALLOCATIONS]",
				slog.Int("count", count),
				slog.String("stats", d.ownedManager.BuildStatsString(true)))
		}
		d.ownedManager.Destroy()
	}
}
