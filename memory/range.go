package memory

import (
	"fmt"

	"github.com/bobuhiro11/golwk/lwk"
)

const (
	PageShift = 12
	PageSize  = uint64(1) << PageShift
)

// OrderSize returns the size in bytes of a host granule of the given order.
func OrderSize(order uint) uint64 {
	return PageSize << order
}

// Range is a contiguous range of host physical memory.
type Range struct {
	Base lwk.PhysAddr
	Size uint64
}

func (r Range) End() lwk.PhysAddr {
	return r.Base.Add(r.Size)
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// Contains reports whether o lies entirely inside r.
func (r Range) Contains(o Range) bool {
	return r.Base <= o.Base && o.End() <= r.End()
}

// Precedes reports whether o starts exactly where r ends.
func (r Range) Precedes(o Range) bool {
	return r.End() == o.Base
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x)", uint64(r.Base), uint64(r.End()))
}

// Chunk is a contiguous physical range tagged with its NUMA node.
type Chunk struct {
	Range
	Node lwk.Node
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s@%d", c.Range, c.Node)
}

// Assignment is a chunk in use by an instance.
type Assignment struct {
	Chunk
	Owner lwk.ID
}

// Amount is a reservation size. All is policy-distinct from every concrete
// byte count, including the largest one.
type Amount struct {
	bytes uint64
	all   bool
}

// All requests every reservable byte.
var All = Amount{all: true}

// Bytes returns a concrete amount of n bytes.
func Bytes(n uint64) Amount {
	return Amount{bytes: n}
}

func (a Amount) IsAll() bool {
	return a.all
}

// Bytes returns the concrete byte count. It is zero for All.
func (a Amount) Bytes() uint64 {
	if a.all {
		return 0
	}

	return a.bytes
}

func (a Amount) String() string {
	if a.all {
		return "all"
	}

	return fmt.Sprintf("%d", a.bytes)
}

// PageAllocator is the host's free page allocator.
type PageAllocator interface {
	// AllocContig takes a naturally sized granule of 2^order pages from
	// node. The granule is atomic: it must be returned whole.
	AllocContig(order uint, node lwk.Node) (Range, bool)

	// FreeContig returns a granule obtained from AllocContig.
	FreeContig(r Range, order uint)

	// FreeBytes returns the memory currently free on node.
	FreeBytes(node lwk.Node) uint64
}
