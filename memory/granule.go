package memory

import (
	"sort"

	"github.com/bobuhiro11/golwk/lwk"
)

// granule is one atomic unit obtained from the host.
type granule struct {
	Range
	order uint
	node  lwk.Node
}

// granuleTable tracks every granule the allocator holds, sorted by base.
type granuleTable []granule

// find returns the index of the granule containing addr.
func (t granuleTable) find(addr lwk.PhysAddr) (int, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].Base > addr }) - 1
	if i < 0 || addr >= t[i].End() {
		return -1, false
	}

	return i, true
}

func (t *granuleTable) add(gs []granule) {
	*t = append(*t, gs...)
	sort.Slice(*t, func(i, j int) bool { return (*t)[i].Base < (*t)[j].Base })
}

// aligned reports whether r starts and ends on granule boundaries.
func (t granuleTable) aligned(r Range) bool {
	first, ok := t.find(r.Base)
	if !ok || t[first].Base != r.Base {
		return false
	}

	last, ok := t.find(r.End() - 1)

	return ok && t[last].End() == r.End()
}

// ceil pushes addr to the end of the granule containing it, unless addr
// already sits on a granule boundary.
func (t granuleTable) ceil(addr lwk.PhysAddr) lwk.PhysAddr {
	i, ok := t.find(addr)
	if !ok || t[i].Base == addr {
		return addr
	}

	return t[i].End()
}

// coalesce merges same-node contiguous granules into chunks.
func coalesce(gs []granule) []Chunk {
	sorted := make([]granule, len(gs))
	copy(sorted, gs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	var chunks []Chunk

	for _, g := range sorted {
		if n := len(chunks); n > 0 && chunks[n-1].Node == g.node && chunks[n-1].Precedes(g.Range) {
			chunks[n-1].Size += g.Size

			continue
		}

		chunks = append(chunks, Chunk{Range: g.Range, Node: g.node})
	}

	return chunks
}

func totalSize(gs []granule) uint64 {
	var n uint64
	for _, g := range gs {
		n += g.Size
	}

	return n
}
