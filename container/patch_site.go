package container

import (
	"fmt"

	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
)

// PatchSite locates bytes written into one of the container's command buffers or heaps. It is
// resolved to host memory only when a patch is applied.
type PatchSite struct {
	Allocation memory.AllocationID
	Offset     int
}

func (s PatchSite) String() string {
	return fmt.Sprintf("#%d+%d", s.Allocation, s.Offset)
}

// GetCommandSpace reserves size bytes in the command stream and reports where they live
func (c *CommandContainer) GetCommandSpace(size int) ([]byte, PatchSite, error) {
	data, err := c.commandStream.GetSpace(size)
	if err != nil {
		return nil, PatchSite{}, err
	}

	return data, PatchSite{
		Allocation: c.commandStream.Allocation().ID(),
		Offset:     c.commandStream.Used() - size,
	}, nil
}

// Resolve returns the size bytes at site
func (c *CommandContainer) Resolve(site PatchSite, size int) ([]byte, error) {
	alloc, ok := c.allocations.Get(site.Allocation)
	if !ok && c.shared != nil {
		alloc, ok = c.shared.allocation(site.Allocation)
	}
	if !ok {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "patch site %s does not belong to this container", site)
	}
	if site.Offset < 0 || site.Offset+size > alloc.Size() {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "patch site %s with %d bytes exceeds %s", site, size, alloc)
	}

	return alloc.Bytes()[site.Offset : site.Offset+size], nil
}

// SiteAddress returns the GPU address of site
func (c *CommandContainer) SiteAddress(site PatchSite) (memory.GpuAddress, error) {
	alloc, ok := c.allocations.Get(site.Allocation)
	if !ok && c.shared != nil {
		alloc, ok = c.shared.allocation(site.Allocation)
	}
	if !ok {
		return 0, ze.Errorf(ze.ErrorInvalidArgument, "patch site %s does not belong to this container", site)
	}
	return alloc.GpuAddress() + memory.GpuAddress(site.Offset), nil
}
