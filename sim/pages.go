package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
)

// NodeMemory is the physical memory of one node.
type NodeMemory struct {
	Node lwk.Node
	Base lwk.PhysAddr
	Size uint64
}

// Pages is a page allocator handing out naturally aligned granules.
type Pages struct {
	mu     sync.Mutex
	free   map[lwk.Node][]memory.Range
	allocs map[lwk.PhysAddr]granule
}

type granule struct {
	order uint
	node  lwk.Node
}

func NewPages(nodes ...NodeMemory) *Pages {
	p := &Pages{
		free:   make(map[lwk.Node][]memory.Range),
		allocs: make(map[lwk.PhysAddr]granule),
	}

	for _, n := range nodes {
		p.insert(n.Node, memory.Range{Base: n.Base, Size: n.Size})
	}

	return p
}

func (p *Pages) AllocContig(order uint, node lwk.Node) (memory.Range, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := memory.OrderSize(order)
	list := p.free[node]

	for i, r := range list {
		start := lwk.PhysAddr((uint64(r.Base) + size - 1) &^ (size - 1))
		if start.Add(size) > r.End() {
			continue
		}

		var pieces []memory.Range
		if start > r.Base {
			pieces = append(pieces, memory.Range{Base: r.Base, Size: uint64(start - r.Base)})
		}

		if end := start.Add(size); end < r.End() {
			pieces = append(pieces, memory.Range{Base: end, Size: uint64(r.End() - end)})
		}

		rest := append([]memory.Range{}, list[:i]...)
		rest = append(rest, pieces...)
		rest = append(rest, list[i+1:]...)
		p.free[node] = rest
		p.allocs[start] = granule{order: order, node: node}

		return memory.Range{Base: start, Size: size}, true
	}

	return memory.Range{}, false
}

func (p *Pages) FreeContig(r memory.Range, order uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.allocs[r.Base]
	if !ok || g.order != order || r.Size != memory.OrderSize(order) {
		panic(fmt.Sprintf("sim: bad free of %s order %d", r, order))
	}

	delete(p.allocs, r.Base)
	p.insert(g.node, r)
}

func (p *Pages) insert(node lwk.Node, r memory.Range) {
	list := append(p.free[node], r)
	sort.Slice(list, func(i, j int) bool { return list[i].Base < list[j].Base })

	out := list[:1]

	for _, c := range list[1:] {
		if last := &out[len(out)-1]; last.Precedes(c) {
			last.Size += c.Size

			continue
		}

		out = append(out, c)
	}

	p.free[node] = out
}

func (p *Pages) FreeBytes(node lwk.Node) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n uint64
	for _, r := range p.free[node] {
		n += r.Size
	}

	return n
}

// Outstanding returns the number of granules not yet freed.
func (p *Pages) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.allocs)
}
