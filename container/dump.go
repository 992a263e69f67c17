package container

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/zekit/zecore/stream"
)

// PrintDetailedMap returns a JSON description of the container's buffers, heaps and residency
func (c *CommandContainer) PrintDetailedMap() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("HeapModel").String(c.heapModel.String())
	obj.Name("Immediate").Bool(c.immediate)

	buffers := obj.Name("CommandBuffers").Array()
	for i, alloc := range c.cmdBuffers {
		buffer := buffers.Object()
		buffer.Name("Allocation").String(alloc.String())
		if i == len(c.cmdBuffers)-1 {
			buffer.Name("Used").Int(c.commandStream.Used())
		}
		buffer.End()
	}
	buffers.End()

	heaps := obj.Name("Heaps").Array()
	for heapType := stream.HeapType(0); heapType < stream.NumHeapTypes; heapType++ {
		heap := c.GetIndirectHeap(heapType)
		if heap == nil {
			continue
		}

		heapObj := heaps.Object()
		heapObj.Name("Type").String(heapType.String())
		heapObj.Name("Allocation").String(heap.Allocation().String())
		heapObj.Name("Shared").Bool(c.shared != nil)
		heapObj.Name("Used").Int(heap.Used())
		heapObj.Name("Dirty").Bool(c.IsHeapDirty(heapType))
		heapObj.End()
	}
	heaps.End()

	obj.Name("RetiredHeaps").Int(len(c.retiredHeaps))
	residency := obj.Name("Residency").Array()
	for _, alloc := range c.residency.Allocations() {
		residency.String(alloc.String())
	}
	residency.End()
	obj.Name("Deallocation").Int(len(c.deallocation))

	obj.End()
	return string(writer.Bytes())
}
