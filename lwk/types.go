package lwk

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ID identifies one light-weight kernel instance.
type ID int32

const (
	// NoOwner marks a resource that is not owned by any instance.
	NoOwner ID = -1

	// HostOwner marks a resource in a transient host maintenance state.
	HostOwner ID = -2
)

func (id ID) String() string {
	switch id {
	case NoOwner:
		return "none"
	case HostOwner:
		return "host"
	}

	return strconv.Itoa(int(id))
}

// Valid reports whether id can name an instance.
func (id ID) Valid() bool {
	return id >= 0
}

// PhysAddr is a host physical address.
type PhysAddr uint64

func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// Add returns the address size bytes after p.
func (p PhysAddr) Add(size uint64) PhysAddr {
	return p + PhysAddr(size)
}

// Node is a host NUMA node number.
type Node uint16

// MaxNodes is the number of nodes a NodeMask can describe.
const MaxNodes = 64

// NodeMask is a set of NUMA nodes.
type NodeMask uint64

// MaskOf returns the mask containing nodes.
func MaskOf(nodes ...Node) NodeMask {
	var m NodeMask

	for _, n := range nodes {
		m = m.Set(n)
	}

	return m
}

// Set returns m with n added.
func (m NodeMask) Set(n Node) NodeMask {
	if n >= MaxNodes {
		return m
	}

	return m | 1<<n
}

// Has reports whether n is in m.
func (m NodeMask) Has(n Node) bool {
	return n < MaxNodes && m&(1<<n) != 0
}

// Len returns the number of nodes in m.
func (m NodeMask) Len() int {
	return bits.OnesCount64(uint64(m))
}

// Nodes returns the nodes of m in increasing order.
func (m NodeMask) Nodes() []Node {
	nodes := make([]Node, 0, m.Len())

	for v := uint64(m); v != 0; v &= v - 1 {
		nodes = append(nodes, Node(bits.TrailingZeros64(v)))
	}

	return nodes
}

func (m NodeMask) String() string {
	nodes := m.Nodes()
	s := make([]string, len(nodes))

	for i, n := range nodes {
		s[i] = strconv.Itoa(int(n))
	}

	return strings.Join(s, ",")
}

// Topology answers NUMA questions about the host. Node ids must be below
// MaxNodes; see CheckTopology.
type Topology interface {
	// OnlineNodes returns the online nodes in increasing order.
	OnlineNodes() []Node

	// Distance returns the host's node distance between a and b.
	Distance(a, b Node) uint32
}

// OnlineMask returns the online nodes of t as a mask.
func OnlineMask(t Topology) NodeMask {
	return MaskOf(t.OnlineNodes()...)
}

// CheckTopology rejects a topology with a node a NodeMask cannot hold.
func CheckTopology(t Topology) error {
	for _, n := range t.OnlineNodes() {
		if n >= MaxNodes {
			return errors.Wrapf(ErrInvalidArgument, "numa node %d exceeds the %d node limit", n, MaxNodes)
		}
	}

	return nil
}
