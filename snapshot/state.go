// Package snapshot captures the partitioning state of a host so it can be
// saved to a file and inspected later.
package snapshot

import (
	"time"

	"github.com/bobuhiro11/golwk/host"
	"github.com/bobuhiro11/golwk/ikc"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
)

// Chunk is a memory chunk. Owner is lwk.NoOwner for free chunks.
type Chunk struct {
	Base  uint64
	Size  uint64
	Node  uint16
	Owner int32
}

// CPU is one row of the cpu table.
type CPU struct {
	LogicalID uint32
	HWID      uint32
	Node      uint16
	State     string
	Owner     int32
}

type Instance struct {
	ID     int32
	State  string
	Status string
	Kargs  string
	Image  string
	CPUs   []uint32
	Chunks []Chunk
	IKC    string // ikc map syntax, empty for the default routes
}

// Node is the topology and memory totals of one host node.
type Node struct {
	ID       uint16
	Distance []uint32 // to every node, in Nodes order
	Free     uint64   // bytes reserved and not assigned
	Largest  uint64   // size of the largest free chunk
}

// Snapshot is the state of a host at one point in time.
type Snapshot struct {
	Taken     time.Time
	Reserved  uint64
	Free      uint64
	Used      uint64
	Nodes     []Node
	Chunks    []Chunk
	CPUs      []CPU
	Instances []Instance
}

// Capture reads the current state of h.
func Capture(h *host.Host) *Snapshot {
	mem := h.Memory()
	stats := mem.Stats()

	s := &Snapshot{
		Taken:    time.Now(),
		Reserved: stats.Reserved,
		Free:     stats.Free,
		Used:     stats.Used,
	}

	topo := h.Topology()
	nodes := topo.OnlineNodes()

	for _, n := range nodes {
		node := Node{ID: uint16(n)}

		for _, m := range nodes {
			node.Distance = append(node.Distance, topo.Distance(n, m))
		}

		for _, c := range mem.Free(n) {
			node.Free += c.Size
		}

		if c, ok := mem.Largest(n); ok {
			node.Largest = c.Size
		}

		s.Nodes = append(s.Nodes, node)
	}

	for _, c := range mem.FreeAll() {
		s.Chunks = append(s.Chunks, chunk(c, lwk.NoOwner))
	}

	for _, a := range mem.Assignments() {
		s.Chunks = append(s.Chunks, chunk(a.Chunk, a.Owner))
	}

	for _, r := range h.CPUs().Records() {
		s.CPUs = append(s.CPUs, CPU{
			LogicalID: r.Core.LogicalID,
			HWID:      r.Core.HWID,
			Node:      uint16(r.Core.Node),
			State:     r.State.String(),
			Owner:     int32(r.Owner),
		})
	}

	for _, id := range h.Instances() {
		info, err := h.Describe(id)
		if err != nil {
			continue
		}

		inst := Instance{
			ID:     int32(id),
			State:  info.State.String(),
			Status: info.Status.String(),
			Kargs:  info.Kargs,
			Image:  info.Image,
			IKC:    ikc.Format(info.Routes),
		}

		for _, c := range info.CPUs {
			inst.CPUs = append(inst.CPUs, c.LogicalID)
		}

		for _, c := range info.Chunks {
			inst.Chunks = append(inst.Chunks, chunk(c, id))
		}

		s.Instances = append(s.Instances, inst)
	}

	return s
}

func chunk(c memory.Chunk, owner lwk.ID) Chunk {
	return Chunk{Base: uint64(c.Base), Size: c.Size, Node: uint16(c.Node), Owner: int32(owner)}
}
