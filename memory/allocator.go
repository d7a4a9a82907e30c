package memory

import (
	"context"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	// DefaultMaxOrder asks the host for 4 MiB granules first.
	DefaultMaxOrder = 10

	defaultRetryInterval = 100 * time.Millisecond
)

// Config tunes an Allocator.
type Config struct {
	// MaxOrder is the largest granule order requested from the host.
	MaxOrder uint

	// RetryInterval is the pause between attempts of a fixed-size
	// reservation that did not complete.
	RetryInterval time.Duration
}

// ReserveRequest describes memory to take from the host.
type ReserveRequest struct {
	Node lwk.Node
	Size Amount

	// MinChunkSize is the smallest granule worth taking.
	MinChunkSize uint64

	// MaxRatio caps an All request to this percentage of the memory the
	// host has free on Node when the request starts.
	MaxRatio int

	// Timeout bounds how long a fixed-size request keeps retrying.
	Timeout time.Duration
}

// Stats are byte totals of an allocator.
type Stats struct {
	Reserved uint64
	Free     uint64
	Used     uint64
}

// Allocator is a NUMA-aware allocator over physical memory reserved from the
// host. Reserved memory sits in the free pool until it is assigned to an
// instance; assigned memory sits in the used pool until it is unassigned.
// Free chunks of one node never touch each other.
type Allocator struct {
	mu sync.Mutex

	pages PageAllocator
	topo  lwk.Topology
	cfg   Config

	granules granuleTable
	free     map[lwk.Node][]Chunk
	used     []Assignment
}

func NewAllocator(pages PageAllocator, topo lwk.Topology, cfg Config) *Allocator {
	if cfg.MaxOrder == 0 {
		cfg.MaxOrder = DefaultMaxOrder
	}

	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	return &Allocator{
		pages: pages,
		topo:  topo,
		cfg:   cfg,
		free:  make(map[lwk.Node][]Chunk),
	}
}

func (a *Allocator) checkNode(node lwk.Node) error {
	if node >= lwk.MaxNodes {
		return errors.Wrapf(lwk.ErrInvalidArgument, "numa node %d exceeds the %d node limit", node, lwk.MaxNodes)
	}

	if !lwk.OnlineMask(a.topo).Has(node) {
		return errors.Wrapf(lwk.ErrInvalidArgument, "numa node %d is not online", node)
	}

	return nil
}

func checkSize(size uint64) error {
	if size == 0 || size%PageSize != 0 {
		return errors.Wrapf(lwk.ErrInvalidArgument, "size %#x is not a positive multiple of the page size", size)
	}

	return nil
}

// minOrder returns the order of the smallest granule not below size.
func minOrder(size uint64) uint {
	pages := (size + PageSize - 1) / PageSize
	if pages <= 1 {
		return 0
	}

	return uint(bits.Len64(pages - 1))
}

// Reserve takes memory from the host into the free pool and returns the
// chunks it took, merged per node.
func (a *Allocator) Reserve(ctx context.Context, req ReserveRequest) ([]Chunk, error) {
	if err := a.checkNode(req.Node); err != nil {
		return nil, err
	}

	if req.MinChunkSize == 0 || req.MinChunkSize%PageSize != 0 {
		return nil, errors.Wrapf(lwk.ErrInvalidArgument, "min chunk size %#x", req.MinChunkSize)
	}

	lowest := minOrder(req.MinChunkSize)
	if lowest > a.cfg.MaxOrder {
		return nil, errors.Wrapf(lwk.ErrInvalidArgument,
			"min chunk size %#x exceeds the largest granule %#x", req.MinChunkSize, OrderSize(a.cfg.MaxOrder))
	}

	var (
		got []granule
		err error
	)

	if req.Size.IsAll() {
		if req.MaxRatio <= 0 || req.MaxRatio > 100 {
			return nil, errors.Wrapf(lwk.ErrInvalidArgument, "max ratio %d%%", req.MaxRatio)
		}

		got = a.takeAll(req.Node, lowest, req.MaxRatio)
		if len(got) == 0 {
			return nil, errors.Wrapf(lwk.ErrOutOfMemory, "no memory reservable on node %d", req.Node)
		}
	} else {
		if err := checkSize(req.Size.Bytes()); err != nil {
			return nil, err
		}

		got, err = a.takeFixed(ctx, req.Node, req.Size.Bytes(), lowest, req.Timeout)
		if err != nil {
			return nil, err
		}
	}

	chunks := coalesce(got)

	a.mu.Lock()
	a.granules.add(got)

	for _, c := range chunks {
		a.insertFree(c)
	}

	a.mu.Unlock()

	lwk.Logger().WithFields(logrus.Fields{
		"node":   req.Node,
		"size":   req.Size,
		"bytes":  totalSize(got),
		"chunks": len(chunks),
	}).Debug("memory reserved")

	return chunks, nil
}

// takeAll collects granules in decreasing order until the ratio limit or
// the smallest acceptable order is reached.
func (a *Allocator) takeAll(node lwk.Node, lowest uint, ratio int) []granule {
	limit := a.pages.FreeBytes(node) / 100 * uint64(ratio)

	var (
		got   []granule
		total uint64
	)

	for order := int(a.cfg.MaxOrder); order >= int(lowest); order-- {
		size := OrderSize(uint(order))

		for total+size <= limit {
			r, ok := a.pages.AllocContig(uint(order), node)
			if !ok {
				break
			}

			got = append(got, granule{Range: r, order: uint(order), node: node})
			total += size
		}
	}

	return got
}

// takeFixed collects exactly size bytes, retrying until timeout. On failure
// everything taken is handed back to the host.
func (a *Allocator) takeFixed(ctx context.Context, node lwk.Node, size uint64,
	lowest uint, timeout time.Duration,
) ([]granule, error) {
	var (
		got       []granule
		remaining = size
	)

	pass := func(context.Context) (bool, error) {
		for order := int(a.cfg.MaxOrder); order >= 0 && remaining > 0; order-- {
			// Orders below the minimum only complete a tail that is
			// itself smaller than the minimum chunk.
			if uint(order) < lowest && remaining >= OrderSize(lowest) {
				break
			}

			gsize := OrderSize(uint(order))

			for remaining >= gsize {
				r, ok := a.pages.AllocContig(uint(order), node)
				if !ok {
					break
				}

				got = append(got, granule{Range: r, order: uint(order), node: node})
				remaining -= gsize
			}
		}

		return remaining == 0, nil
	}

	var err error

	if timeout <= 0 {
		if done, _ := pass(ctx); !done {
			err = context.DeadlineExceeded
		}
	} else {
		err = wait.PollUntilContextTimeout(ctx, a.cfg.RetryInterval, timeout, true, pass)
	}

	if err != nil {
		for _, g := range got {
			a.pages.FreeContig(g.Range, g.order)
		}

		lwk.Logger().WithFields(logrus.Fields{
			"node":      node,
			"size":      size,
			"remaining": remaining,
		}).Warn("memory reservation rolled back")

		return nil, errors.Wrapf(lwk.ErrOutOfMemory,
			"reserving %#x bytes on node %d: %#x bytes missing: %v", size, node, remaining, err)
	}

	return got, nil
}

// insertFree adds c to the free pool and merges adjacent chunks of its node.
func (a *Allocator) insertFree(c Chunk) {
	list := a.free[c.Node]
	i := sort.Search(len(list), func(i int) bool { return list[i].Base > c.Base })

	list = append(list, Chunk{})
	copy(list[i+1:], list[i:])
	list[i] = c

	a.free[c.Node] = mergeAdjacent(list)
}

// mergeAdjacent combines base-adjacent chunks of a sorted same-node list
// until no pair is left to combine.
func mergeAdjacent(list []Chunk) []Chunk {
	if len(list) < 2 {
		return list
	}

	out := list[:1]

	for _, c := range list[1:] {
		last := &out[len(out)-1]
		if last.Precedes(c.Range) {
			last.Size += c.Size

			continue
		}

		out = append(out, c)
	}

	return out
}

func (a *Allocator) removeFree(node lwk.Node, i int) Chunk {
	list := a.free[node]
	c := list[i]

	list = append(list[:i], list[i+1:]...)
	if len(list) == 0 {
		delete(a.free, node)
	} else {
		a.free[node] = list
	}

	return c
}

func (a *Allocator) insertUsed(u Assignment) {
	i := sort.Search(len(a.used), func(i int) bool { return a.used[i].Base > u.Base })

	a.used = append(a.used, Assignment{})
	copy(a.used[i+1:], a.used[i:])
	a.used[i] = u
}

// Assign gives id a chunk of at least size bytes from node. An exactly
// sized free chunk is preferred; otherwise the largest free chunk is split
// and the remainder stays free. A split never cuts a host granule: the
// split point moves to the end of the granule it falls in.
func (a *Allocator) Assign(id lwk.ID, size uint64, node lwk.Node) ([]Chunk, error) {
	if !id.Valid() {
		return nil, errors.Wrapf(lwk.ErrInvalidArgument, "instance %s", id)
	}

	if err := a.checkNode(node); err != nil {
		return nil, err
	}

	if err := checkSize(size); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	list := a.free[node]
	pick := -1

	for i, c := range list {
		if c.Size == size {
			pick = i

			break
		}
	}

	if pick < 0 {
		for i, c := range list {
			if pick < 0 || c.Size > list[pick].Size {
				pick = i
			}
		}
	}

	if pick < 0 || list[pick].Size < size {
		return nil, errors.Wrapf(lwk.ErrOutOfMemory, "no free chunk of %#x bytes on node %d", size, node)
	}

	c := a.removeFree(node, pick)
	split := a.granules.ceil(c.Base.Add(size))

	taken := Chunk{Range: Range{Base: c.Base, Size: uint64(split - c.Base)}, Node: node}
	if split < c.End() {
		a.insertFree(Chunk{Range: Range{Base: split, Size: uint64(c.End() - split)}, Node: node})
	}

	a.insertUsed(Assignment{Chunk: taken, Owner: id})

	lwk.Logger().WithFields(logrus.Fields{
		"instance": id,
		"chunk":    taken,
	}).Debug("memory assigned")

	return []Chunk{taken}, nil
}

// AssignAll gives id every free chunk on the nodes of mask.
func (a *Allocator) AssignAll(id lwk.ID, mask lwk.NodeMask) ([]Chunk, error) {
	if !id.Valid() {
		return nil, errors.Wrapf(lwk.ErrInvalidArgument, "instance %s", id)
	}

	if off := mask &^ lwk.OnlineMask(a.topo); off != 0 {
		return nil, errors.Wrapf(lwk.ErrInvalidArgument, "numa nodes %s are not online", off)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var taken []Chunk

	for _, node := range mask.Nodes() {
		for _, c := range a.free[node] {
			a.insertUsed(Assignment{Chunk: c, Owner: id})
			taken = append(taken, c)
		}

		delete(a.free, node)
	}

	sortChunks(taken)

	return taken, nil
}

// Unassign returns every chunk of id to the free pool.
func (a *Allocator) Unassign(id lwk.ID) []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		released []Chunk
		kept     = a.used[:0]
	)

	for _, u := range a.used {
		if u.Owner == id {
			released = append(released, u.Chunk)

			continue
		}

		kept = append(kept, u)
	}

	a.used = kept

	for _, c := range released {
		a.insertFree(c)
	}

	if len(released) > 0 {
		lwk.Logger().WithFields(logrus.Fields{
			"instance": id,
			"chunks":   len(released),
		}).Debug("memory unassigned")
	}

	return released
}

// Release hands chunks back to the host. Every chunk must lie inside one
// free chunk and start and end on granule boundaries; otherwise nothing is
// released.
func (a *Allocator) Release(chunks []Chunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sortChunks(sorted)

	for i, c := range sorted {
		if i > 0 && sorted[i-1].Overlaps(c.Range) {
			return errors.Wrapf(lwk.ErrInvalidArgument, "chunks %s and %s overlap", sorted[i-1], c)
		}

		if c.Size == 0 {
			return errors.Wrapf(lwk.ErrInvalidArgument, "empty chunk %s", c)
		}

		if _, ok := a.findFree(c); !ok {
			return errors.Wrapf(lwk.ErrInvalidArgument, "chunk %s is not free in this allocator", c)
		}

		if !a.granules.aligned(c.Range) {
			return errors.Wrapf(lwk.ErrInvalidArgument, "chunk %s splits a host granule", c)
		}
	}

	for _, c := range sorted {
		a.releaseLocked(c)
	}

	return nil
}

// findFree returns the index of the free chunk containing c.
func (a *Allocator) findFree(c Chunk) (int, bool) {
	for i, f := range a.free[c.Node] {
		if f.Contains(c.Range) {
			return i, true
		}
	}

	return -1, false
}

// releaseLocked carves c out of the free pool and frees its granules.
func (a *Allocator) releaseLocked(c Chunk) {
	i, _ := a.findFree(c)
	f := a.removeFree(c.Node, i)

	if f.Base < c.Base {
		a.insertFree(Chunk{Range: Range{Base: f.Base, Size: uint64(c.Base - f.Base)}, Node: f.Node})
	}

	if c.End() < f.End() {
		a.insertFree(Chunk{Range: Range{Base: c.End(), Size: uint64(f.End() - c.End())}, Node: f.Node})
	}

	first, _ := a.granules.find(c.Base)
	last := first

	for ; last < len(a.granules) && a.granules[last].Base < c.End(); last++ {
		g := a.granules[last]
		a.pages.FreeContig(g.Range, g.order)
	}

	a.granules = append(a.granules[:first], a.granules[last:]...)

	lwk.Logger().WithField("chunk", c).Debug("memory released")
}

// PartialRelease hands up to amount bytes of node's free memory back to the
// host, smallest chunks first. A chunk larger than what is left is released
// from its start one granule at a time; when even its first granule is too
// large the chunk is skipped. It returns the number of bytes released.
func (a *Allocator) PartialRelease(node lwk.Node, amount uint64) (uint64, error) {
	if err := a.checkNode(node); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	candidates := make([]Chunk, len(a.free[node]))
	copy(candidates, a.free[node])
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Size < candidates[j].Size })

	var released uint64

	for _, c := range candidates {
		remaining := amount - released
		if remaining < PageSize {
			break
		}

		if c.Size <= remaining {
			a.releaseLocked(c)
			released += c.Size

			continue
		}

		var n uint64

		i, _ := a.granules.find(c.Base)
		for ; i < len(a.granules) && a.granules[i].Base < c.End(); i++ {
			if n+a.granules[i].Size > remaining {
				break
			}

			n += a.granules[i].Size
		}

		if n == 0 {
			lwk.Logger().WithField("chunk", c).Debug("partial release skips chunk")

			continue
		}

		a.releaseLocked(Chunk{Range: Range{Base: c.Base, Size: n}, Node: node})
		released += n
	}

	return released, nil
}

// Free returns the free chunks of node sorted by base.
func (a *Allocator) Free(node lwk.Node) []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Chunk, len(a.free[node]))
	copy(out, a.free[node])

	return out
}

// FreeAll returns every free chunk sorted by base.
func (a *Allocator) FreeAll() []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Chunk
	for _, list := range a.free {
		out = append(out, list...)
	}

	sortChunks(out)

	return out
}

// Largest returns the largest free chunk of node.
func (a *Allocator) Largest(node lwk.Node) (Chunk, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		best  Chunk
		found bool
	)

	for _, c := range a.free[node] {
		if !found || c.Size > best.Size {
			best, found = c, true
		}
	}

	return best, found
}

// Used returns the chunks assigned to id sorted by base.
func (a *Allocator) Used(id lwk.ID) []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Chunk

	for _, u := range a.used {
		if u.Owner == id {
			out = append(out, u.Chunk)
		}
	}

	return out
}

// Assignments returns the whole used pool sorted by base.
func (a *Allocator) Assignments() []Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Assignment, len(a.used))
	copy(out, a.used)

	return out
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats

	for _, g := range a.granules {
		s.Reserved += g.Size
	}

	for _, list := range a.free {
		for _, c := range list {
			s.Free += c.Size
		}
	}

	for _, u := range a.used {
		s.Used += u.Size
	}

	return s
}

// Verify checks the pool invariants: no two chunks overlap, no two free
// chunks of one node touch, and every reserved byte is either free or used.
func (a *Allocator) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var all []Chunk

	for node, list := range a.free {
		for i, c := range list {
			if c.Node != node {
				return errors.Newf("free chunk %s filed under node %d", c, node)
			}

			if i > 0 && list[i-1].Precedes(c.Range) {
				return errors.Newf("free chunks %s and %s are adjacent", list[i-1], c)
			}
		}

		all = append(all, list...)
	}

	for _, u := range a.used {
		all = append(all, u.Chunk)
	}

	sortChunks(all)

	var inPools uint64

	for i, c := range all {
		if i > 0 && all[i-1].Overlaps(c.Range) {
			return errors.Newf("chunks %s and %s overlap", all[i-1], c)
		}

		if !a.granules.aligned(c.Range) {
			return errors.Newf("chunk %s splits a host granule", c)
		}

		inPools += c.Size
	}

	var reserved uint64
	for _, g := range a.granules {
		reserved += g.Size
	}

	if inPools != reserved {
		return errors.Newf("pools hold %#x bytes, %#x reserved", inPools, reserved)
	}

	return nil
}

func sortChunks(cs []Chunk) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Base < cs[j].Base })
}
