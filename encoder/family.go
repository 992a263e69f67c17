package encoder

import (
	"fmt"

	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/ze"
)

// ProductFamily identifies a GPU product. It is the key the family registry is indexed by.
type ProductFamily uint32

const (
	ProductUnknown ProductFamily = iota
	ProductXeHpc
	ProductXe2Hpg
)

var productFamilyMapping = map[ProductFamily]string{
	ProductUnknown: "ProductUnknown",
	ProductXeHpc:   "ProductXeHpc",
	ProductXe2Hpg:  "ProductXe2Hpg",
}

func (p ProductFamily) String() string {
	str, ok := productFamilyMapping[p]
	if !ok {
		return fmt.Sprintf("ProductFamily(%d)", uint32(p))
	}
	return str
}

// CoreFamily identifies the command encoding generation a product uses
type CoreFamily uint32

const (
	CoreUnknown CoreFamily = iota
	CoreXeHpc
	CoreXe2Hpg
)

var coreFamilyMapping = map[CoreFamily]string{
	CoreUnknown: "CoreUnknown",
	CoreXeHpc:   "CoreXeHpc",
	CoreXe2Hpg:  "CoreXe2Hpg",
}

func (c CoreFamily) String() string {
	return coreFamilyMapping[c]
}

// Capabilities are the per-generation facts the command list pipeline depends on. They are
// hardware contracts and are never re-derived outside this package.
type Capabilities struct {
	// InlineDataSize is the number of payload bytes carried inside the compute walker itself
	InlineDataSize int
	// SBAHeapSize is the exact surface state heap size when the queue tracks state base address
	SBAHeapSize int
	// DefaultHeapSize is the size of a newly created indirect heap
	DefaultHeapSize int
	// CommandBufferSize is the size of a newly created command buffer, including the overfetch tail
	CommandBufferSize int
	// OverfetchSize is the tail of a command buffer the command streamer may prefetch past the
	// last command
	OverfetchSize int
	// IndirectDataAlignment is the alignment of a dispatch's cross thread data in the indirect
	// object heap
	IndirectDataAlignment int
	// SurfaceStateSize is the size of one surface state entry
	SurfaceStateSize int

	// HeaplessMode means walkers carry absolute indirect data addresses and scratch lives in
	// inline data, so lists default to a global heap address model
	HeaplessMode bool
	// SignalAllEventPacketsDefault is the default of the "signal all event packets" policy
	SignalAllEventPacketsDefault bool
	// CompactL3FlushEventPacketEligible means a trailing cache flush write can share the kernel's
	// completion packet
	CompactL3FlushEventPacketEligible bool
	// DcFlushRequired means host-visible signals need an extra cache flush write
	DcFlushRequired bool
	// InOrderWaitUsesRegister means counter waits load the compare value into a register first
	InOrderWaitUsesRegister bool

	// MaxPartitionCount is the number of tiles implicit scaling can spread one dispatch across
	MaxPartitionCount int
	// PartitionAddressOffset is the stride between per-partition post-sync writes
	PartitionAddressOffset int
	// EventPacketSize is the size of one event packet
	EventPacketSize int
	// EventCompletionOffset is the offset of the completion field inside a packet
	EventCompletionOffset int
	// MaxEventPackets is the number of packets an event of a kernel pool reserves
	MaxEventPackets int
}

// Family is the resolved encoding capability for one product. It is looked up once per device and
// stored as a typed pointer.
type Family struct {
	Product ProductFamily
	Core    CoreFamily
	Name    string
	Caps    Capabilities
}

// WalkerSize returns the size of the compute walker including its inline data
func (f *Family) WalkerSize() int {
	return walkerHeaderSize + f.Caps.InlineDataSize
}

// UsableCommandBufferSize returns the bytes of a command buffer that may hold commands: the
// overfetch tail and room for the chaining jump are reserved
func (f *Family) UsableCommandBufferSize(size int) int {
	return size - f.Caps.OverfetchSize - BatchBufferStartSize
}

var families = [...]Family{
	{
		Product: ProductXeHpc,
		Core:    CoreXeHpc,
		Name:    "XeHpc",
		Caps: Capabilities{
			InlineDataSize:                    32,
			SBAHeapSize:                       64 * memutils.KB,
			DefaultHeapSize:                   64 * memutils.KB,
			CommandBufferSize:                 64 * memutils.KB,
			OverfetchSize:                     memutils.PageSize,
			IndirectDataAlignment:             64,
			SurfaceStateSize:                  64,
			HeaplessMode:                      false,
			SignalAllEventPacketsDefault:      true,
			CompactL3FlushEventPacketEligible: true,
			DcFlushRequired:                   false,
			InOrderWaitUsesRegister:           false,
			MaxPartitionCount:                 2,
			PartitionAddressOffset:            16,
			EventPacketSize:                   16,
			EventCompletionOffset:             8,
			MaxEventPackets:                   8,
		},
	},
	{
		Product: ProductXe2Hpg,
		Core:    CoreXe2Hpg,
		Name:    "Xe2Hpg",
		Caps: Capabilities{
			InlineDataSize:                    64,
			SBAHeapSize:                       64 * memutils.KB,
			DefaultHeapSize:                   64 * memutils.KB,
			CommandBufferSize:                 64 * memutils.KB,
			OverfetchSize:                     memutils.PageSize,
			IndirectDataAlignment:             64,
			SurfaceStateSize:                  64,
			HeaplessMode:                      true,
			SignalAllEventPacketsDefault:      false,
			CompactL3FlushEventPacketEligible: false,
			DcFlushRequired:                   true,
			InOrderWaitUsesRegister:           true,
			MaxPartitionCount:                 1,
			PartitionAddressOffset:            16,
			EventPacketSize:                   16,
			EventCompletionOffset:             8,
			MaxEventPackets:                   4,
		},
	},
}

// LookupFamily resolves the encoding family registered for product
func LookupFamily(product ProductFamily) (*Family, error) {
	for i := range families {
		if families[i].Product == product {
			return &families[i], nil
		}
	}

	return nil, ze.Errorf(ze.ErrorUnsupportedFeature, "no encoder family is registered for %s", product)
}

// RegisteredProducts lists every product with a registered family, in registration order
func RegisteredProducts() []ProductFamily {
	products := make([]ProductFamily, 0, len(families))
	for i := range families {
		products = append(products, families[i].Product)
	}
	return products
}
