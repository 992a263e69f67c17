package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Settings holds debug overrides. Integer overrides use -1 to mean "keep the per-family or
// per-object default".
type Settings struct {
	// DefaultHeapSize overrides the size of newly created indirect heaps, in bytes
	DefaultHeapSize int
	// DefaultCommandBufferSize overrides the size of newly created command buffers, in bytes
	DefaultCommandBufferSize int
	// SignalAllEventPackets forces (1) or suppresses (0) explicit writes to every event packet
	SignalAllEventPackets int
	// CompactL3FlushEventPacket forces (1) or suppresses (0) folding the cache flush write into
	// the kernel's own completion packet
	CompactL3FlushEventPacket int
	// SelectCmdListHeapAddressModel overrides the heap address model of new command lists
	SelectCmdListHeapAddressModel int
	// EnableStateBaseAddressTracking makes the queue, rather than the list, own SBA programming
	EnableStateBaseAddressTracking int
	// DispatchCmdListBatchBufferAsPrimary chains lists as primary batch buffers instead of calling
	// them as second level buffers
	DispatchCmdListBatchBufferAsPrimary int

	UseKmdWaitFunction                bool
	EnableImmediateCmdListHeapSharing bool
	EnableKernelPrefetch              bool
	UseCommandBufferReuse             bool
	PrintMutableCommandListPatches    bool

	// PollInterval bounds the sleep between two reads of a completion location
	PollInterval time.Duration
}

// Defaults returns settings with every override disabled
func Defaults() Settings {
	return Settings{
		DefaultHeapSize:                     -1,
		DefaultCommandBufferSize:            -1,
		SignalAllEventPackets:               -1,
		CompactL3FlushEventPacket:           -1,
		SelectCmdListHeapAddressModel:       -1,
		EnableStateBaseAddressTracking:      -1,
		DispatchCmdListBatchBufferAsPrimary: -1,
		UseCommandBufferReuse:               true,
		PollInterval:                        20 * time.Microsecond,
	}
}

// Override resolves an integer override against a boolean default
func Override(value int, defaultValue bool) bool {
	if value == -1 {
		return defaultValue
	}
	return value != 0
}

const envPrefix = "ZECORE_"

// LoadFromEnv starts from Defaults and applies every ZECORE_* variable that lookup returns.
// lookup is usually os.LookupEnv.
func LoadFromEnv(lookup func(key string) (string, bool)) (Settings, error) {
	settings := Defaults()

	ints := map[string]*int{
		"DefaultHeapSize":                     &settings.DefaultHeapSize,
		"DefaultCommandBufferSize":            &settings.DefaultCommandBufferSize,
		"SignalAllEventPackets":               &settings.SignalAllEventPackets,
		"CompactL3FlushEventPacket":           &settings.CompactL3FlushEventPacket,
		"SelectCmdListHeapAddressModel":       &settings.SelectCmdListHeapAddressModel,
		"EnableStateBaseAddressTracking":      &settings.EnableStateBaseAddressTracking,
		"DispatchCmdListBatchBufferAsPrimary": &settings.DispatchCmdListBatchBufferAsPrimary,
	}
	bools := map[string]*bool{
		"UseKmdWaitFunction":                &settings.UseKmdWaitFunction,
		"EnableImmediateCmdListHeapSharing": &settings.EnableImmediateCmdListHeapSharing,
		"EnableKernelPrefetch":              &settings.EnableKernelPrefetch,
		"UseCommandBufferReuse":             &settings.UseCommandBufferReuse,
		"PrintMutableCommandListPatches":    &settings.PrintMutableCommandListPatches,
	}

	for name, dst := range ints {
		raw, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return settings, errors.Wrapf(err, "parsing %s%s", envPrefix, name)
		}
		*dst = value
	}

	for name, dst := range bools {
		raw, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		value, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return settings, errors.Wrapf(err, "parsing %s%s", envPrefix, name)
		}
		*dst = value
	}

	if raw, ok := lookup(envPrefix + "PollInterval"); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return settings, errors.Wrapf(err, "parsing %sPollInterval", envPrefix)
		}
		settings.PollInterval = interval
	}

	return settings, nil
}
