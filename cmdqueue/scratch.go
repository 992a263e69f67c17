package cmdqueue

import (
	"context"

	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"golang.org/x/exp/slog"
)

type retiredScratch struct {
	alloc     *memory.GraphicsAllocation
	taskCount uint64
}

// scratchController owns the scratch surface of one queue. The surface only grows; a replaced
// surface is freed once the submissions that used it have completed.
type scratchController struct {
	logger          *slog.Logger
	manager         memory.Manager
	rootDeviceIndex uint32

	alloc   *memory.GraphicsAllocation
	retired []retiredScratch
}

// ensure returns a scratch surface of at least size bytes. lastTaskCount is the newest submission
// that may still use the current surface.
func (s *scratchController) ensure(size uint32, lastTaskCount uint64) (*memory.GraphicsAllocation, error) {
	if size == 0 || (s.alloc != nil && s.alloc.Size() >= int(size)) {
		return s.alloc, nil
	}

	alloc, err := s.manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: s.rootDeviceIndex,
		Size:            memutils.AlignUp(int(size), memutils.PageSize),
		Type:            memory.AllocationTypeScratchSurface,
		Pool:            memory.MemoryPoolLocal,
	})
	if err != nil {
		return nil, err
	}

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "scratchController::ensure",
		slog.Uint64("required", uint64(size)),
		slog.Int("size", alloc.Size()))

	if s.alloc != nil {
		s.retired = append(s.retired, retiredScratch{alloc: s.alloc, taskCount: lastTaskCount})
	}
	s.alloc = alloc
	return alloc, nil
}

// reclaim frees replaced surfaces whose last use completed by completed
func (s *scratchController) reclaim(completed uint64) {
	remaining := s.retired[:0]
	for _, retired := range s.retired {
		if retired.taskCount > completed {
			remaining = append(remaining, retired)
			continue
		}
		s.manager.FreeGraphicsMemory(retired.alloc)
	}
	s.retired = remaining
}

func (s *scratchController) destroy() {
	s.reclaim(^uint64(0))
	if s.alloc != nil {
		s.manager.FreeGraphicsMemory(s.alloc)
		s.alloc = nil
	}
}
