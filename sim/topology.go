package sim

import (
	"sort"

	"github.com/bobuhiro11/golwk/lwk"
)

const (
	localDistance  = 10
	remoteDistance = 20
)

// Topology is a static NUMA topology. Distances is indexed by the position
// of a node in Nodes; when it is empty the usual 10/20 table applies.
type Topology struct {
	Nodes     []lwk.Node
	Distances [][]uint32
}

func (t *Topology) OnlineNodes() []lwk.Node {
	nodes := append([]lwk.Node{}, t.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	return nodes
}

func (t *Topology) Distance(a, b lwk.Node) uint32 {
	i, j := t.index(a), t.index(b)
	if i >= 0 && j >= 0 && i < len(t.Distances) && j < len(t.Distances[i]) {
		return t.Distances[i][j]
	}

	if a == b {
		return localDistance
	}

	return remoteDistance
}

func (t *Topology) index(n lwk.Node) int {
	for i, m := range t.Nodes {
		if m == n {
			return i
		}
	}

	return -1
}
