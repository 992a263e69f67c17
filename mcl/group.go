package mcl

import (
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/ze"
)

// KernelGroup is the set of kernels one mutable command may switch between. Space in the command
// buffer and heaps is reserved for the largest member.
type KernelGroup struct {
	kernels []*kernel.Kernel

	maxIsaSize      int
	maxPayloadSize  int
	maxSurfaceCount int
	usesScratch     bool
}

func NewKernelGroup(kernels ...*kernel.Kernel) (*KernelGroup, error) {
	if len(kernels) == 0 {
		return nil, ze.Errorf(ze.ErrorInvalidSize, "a kernel group needs at least one kernel")
	}

	g := &KernelGroup{}
	for i, k := range kernels {
		if k == nil {
			return nil, ze.Errorf(ze.ErrorInvalidNullHandle, "kernel %d of the group is nil", i)
		}
		if g.Contains(k) {
			continue
		}
		g.kernels = append(g.kernels, k)

		desc := k.Descriptor()
		g.maxIsaSize = max(g.maxIsaSize, k.IsaSize())
		g.maxPayloadSize = max(g.maxPayloadSize, k.PayloadSize())
		g.maxSurfaceCount = max(g.maxSurfaceCount, desc.SurfaceCount())
		g.usesScratch = g.usesScratch || desc.UsesScratch()
	}
	return g, nil
}

func (g *KernelGroup) Kernels() []*kernel.Kernel { return g.kernels }
func (g *KernelGroup) MaxIsaSize() int           { return g.maxIsaSize }
func (g *KernelGroup) MaxPayloadSize() int       { return g.maxPayloadSize }

func (g *KernelGroup) Contains(k *kernel.Kernel) bool {
	for _, member := range g.kernels {
		if member == k {
			return true
		}
	}
	return false
}
