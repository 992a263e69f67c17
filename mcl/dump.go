package mcl

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// PrintPatchTable returns a JSON description of the mutable commands and the patch entries they own
func (m *CommandList) PrintPatchTable() string {
	writer := jwriter.NewWriter()
	commands := writer.Array()

	for _, id := range m.order {
		cmd, _ := m.commands.Get(id)
		launch := cmd.launch

		obj := commands.Object()
		obj.Name("ID").Int(int(id))
		obj.Name("Flags").Int(int(cmd.flags))
		obj.Name("Kernel").String(launch.Kernel.Name())
		groupCount := obj.Name("GroupCount").Array()
		for _, count := range launch.GroupCount {
			groupCount.Int(int(count))
		}
		groupCount.End()

		var indices []int
		indices = append(indices, launch.SignalPatches...)
		for _, slots := range launch.WaitPatches {
			indices = append(indices, slots...)
		}
		for _, index := range []int{launch.ScratchPatch, launch.PrefetchPatch, launch.CounterPatch} {
			if index >= 0 {
				indices = append(indices, index)
			}
		}

		patches := obj.Name("Patches").Array()
		for _, index := range indices {
			p := m.Patch(index)
			entry := patches.Object()
			entry.Name("Index").Int(index)
			entry.Name("Kind").String(p.Kind.String())
			entry.Name("Site").String(p.Site.String())
			if p.Event != nil {
				entry.Name("Event").String(p.Event.GpuAddress().String())
				entry.Name("Packet").Int(p.Packet)
			}
			entry.Name("Value").Float64(float64(p.Value))
			entry.End()
		}
		patches.End()

		obj.Name("Residency").Int(len(cmd.kernelAllocations) + len(cmd.eventAllocations))
		obj.End()
	}

	commands.End()
	return string(writer.Bytes())
}

func (m *CommandList) printPatches() {
	if !m.Device().Settings().PrintMutableCommandListPatches {
		return
	}
	m.logger.LogAttrs(context.Background(), slog.LevelInfo, "MutableCommandList::PatchTable",
		slog.String("commands", m.PrintPatchTable()))
}
