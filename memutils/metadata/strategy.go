package metadata

// AllocationStrategy exposes options for choosing the location of a new suballocation. If none is
// chosen, a balanced strategy is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest free region that fits, minimizing fragmentation
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first free region that is easy to find
	AllocationStrategyMinTime
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}
