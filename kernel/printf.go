package kernel

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
)

const (
	// PrintfBufferSize is the size of the printf surface each printf-using kernel owns
	PrintfBufferSize = 64 * 1024
	// printfHeaderSize is the write offset qword at the start of the surface
	printfHeaderSize = 8
)

// printfBuffer is the device surface a kernel's printf calls append to. The first qword is the
// offset of the next free byte; each entry after it is a dword length followed by the message.
type printfBuffer struct {
	alloc *memory.GraphicsAllocation
}

func newPrintfBuffer(manager memory.Manager, rootDeviceIndex uint32) (*printfBuffer, error) {
	alloc, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: rootDeviceIndex,
		Size:            PrintfBufferSize,
		Type:            memory.AllocationTypePrintfSurface,
		Pool:            memory.MemoryPoolSystem,
	})
	if err != nil {
		return nil, err
	}

	buffer := &printfBuffer{alloc: alloc}
	buffer.clear()
	return buffer, nil
}

func (b *printfBuffer) allocation() *memory.GraphicsAllocation {
	if b == nil {
		return nil
	}
	return b.alloc
}

func (b *printfBuffer) clear() {
	b.alloc.Store64(0, printfHeaderSize)
}

func (b *printfBuffer) free(manager memory.Manager) {
	manager.FreeGraphicsMemory(b.alloc)
	b.alloc = nil
}

// AppendPrintf writes one message into the printf surface alloc the way device code does,
// reserving space with an atomic add on the write offset. Messages that do not fit are dropped.
func AppendPrintf(alloc *memory.GraphicsAllocation, message string) error {
	size := uint64(4 + len(message))
	end := alloc.Add64(0, size)
	if end > uint64(alloc.Size()) {
		return ze.Errorf(ze.ErrorOutOfDeviceMemory, "printf surface %s is full", alloc)
	}

	start := end - size
	data := alloc.Bytes()
	binary.LittleEndian.PutUint32(data[start:], uint32(len(message)))
	copy(data[start+4:], message)
	return nil
}

// FlushPrintf writes every message recorded in the kernel's printf surface to w and empties the
// surface. Kernels that do not use printf write nothing.
func (k *Kernel) FlushPrintf(w io.Writer) error {
	if k.printf == nil {
		return nil
	}

	data := k.printf.alloc.Bytes()
	end := k.printf.alloc.Load64(0)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	offset := uint64(printfHeaderSize)
	for offset+4 <= end {
		length := uint64(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if offset+length > end {
			k.printf.clear()
			return errors.Errorf("printf entry at offset %d overruns the surface", offset-4)
		}

		if _, err := w.Write(data[offset : offset+length]); err != nil {
			k.printf.clear()
			return errors.Wrap(err, "writing printf output")
		}
		offset += length
	}

	k.printf.clear()
	return nil
}
