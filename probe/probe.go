// Package probe prints what the host offers for partitioning.
package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"k8s.io/utils/cpuset"
)

// Topology prints every online node with its cpus, the memory the host has
// free on it, and the node distance matrix.
func Topology(w io.Writer, topo lwk.Topology, pages memory.PageAllocator, cores []cpu.Core) {
	nodes := topo.OnlineNodes()

	byNode := make(map[lwk.Node][]int)
	for _, c := range cores {
		byNode[c.Node] = append(byNode[c.Node], int(c.LogicalID))
	}

	for _, n := range nodes {
		fmt.Fprintf(w, "node %d: cpus %s, free %d MiB\n",
			n, cpuset.New(byNode[n]...), pages.FreeBytes(n)>>20)
	}

	fmt.Fprintf(w, "\ndistances:\n")
	printRow(w, "", nodes)

	for _, a := range nodes {
		d := make([]uint32, len(nodes))
		for j, b := range nodes {
			d[j] = topo.Distance(a, b)
		}

		printRow(w, fmt.Sprint(a), d)
	}
}

func printRow[T lwk.Node | uint32](w io.Writer, head string, cells []T) {
	fmt.Fprintf(w, "%4s", head)

	for _, c := range cells {
		fmt.Fprintf(w, " %4d", c)
	}

	fmt.Fprintln(w)
}
