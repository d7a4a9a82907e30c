package snapshot

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"k8s.io/utils/cpuset"
)

func owner(o int32) string {
	if o < 0 {
		return "-"
	}

	return strconv.Itoa(int(o))
}

func cpuList(ids []uint32) string {
	ints := make([]int, len(ids))
	for i, id := range ids {
		ints[i] = int(id)
	}

	return cpuset.New(ints...).String()
}

// Print writes s as tables.
func (s *Snapshot) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "taken %s: reserved %#x free %#x used %#x\n\n",
		s.Taken.Format("2006-01-02 15:04:05"), s.Reserved, s.Free, s.Used)

	fmt.Fprintln(tw, "NODE\tFREE\tLARGEST\tDISTANCE")

	for _, n := range s.Nodes {
		fmt.Fprintf(tw, "%d\t%#x\t%#x\t%v\n", n.ID, n.Free, n.Largest, n.Distance)
	}

	fmt.Fprintln(tw, "\nCPU\tHWID\tNODE\tSTATE\tOWNER")

	for _, c := range s.CPUs {
		fmt.Fprintf(tw, "%d\t%#x\t%d\t%s\t%s\n", c.LogicalID, c.HWID, c.Node, c.State, owner(c.Owner))
	}

	fmt.Fprintln(tw, "\nBASE\tSIZE\tNODE\tOWNER")

	for _, c := range s.Chunks {
		fmt.Fprintf(tw, "%#x\t%#x\t%d\t%s\n", c.Base, c.Size, c.Node, owner(c.Owner))
	}

	fmt.Fprintln(tw, "\nINSTANCE\tSTATE\tSTATUS\tCPUS\tCHUNKS\tIKC\tIMAGE")

	for _, i := range s.Instances {
		ikcMap := i.IKC
		if ikcMap == "" {
			ikcMap = "default"
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			i.ID, i.State, i.Status, cpuList(i.CPUs), len(i.Chunks), ikcMap, i.Image)
	}

	return tw.Flush()
}
