// Package boot wires the device-tree reader to the physical frame
// allocator at startup: it locates the first /memory node a flattened
// device tree describes and seeds an allocator with the frames its reg
// entries cover. Further /memory nodes are not read.
package boot

import (
	"fmt"

	"rvkernel/internal/fdt"
	"rvkernel/internal/mem"
)

// DiscoverMemory reads blob, finds /memory, and adds every frame its
// reg property covers to alloc. It returns the total number of frames
// added.
func DiscoverMemory(blob []byte, alloc *mem.Allocator) (int, error) {
	r, err := fdt.NewReader(blob)
	if err != nil {
		return 0, fmt.Errorf("boot: reading device tree: %w", err)
	}
	node, ok := r.FindNode("/memory")
	if !ok {
		return 0, fmt.Errorf("boot: no /memory node in device tree")
	}
	regions, err := node.Reg()
	if err != nil {
		return 0, fmt.Errorf("boot: decoding /memory reg property: %w", err)
	}

	total := 0
	for _, reg := range regions {
		if reg.Size%mem.PageSize != 0 {
			return 0, fmt.Errorf("boot: memory region size %#x is not page-aligned", reg.Size)
		}
		nframes := int(reg.Size / mem.PageSize)
		alloc.AddRegion(nframes)
		total += nframes
	}
	return total, nil
}
