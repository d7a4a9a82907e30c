package probe_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/probe"
	"github.com/bobuhiro11/golwk/sim"
)

func TestTopology(t *testing.T) {
	t.Parallel()

	env := sim.NewEnv(sim.Machine{
		Memory: []sim.NodeMemory{
			{Node: 0, Base: 0x1_0000_0000, Size: 1 << 30},
			{Node: 1, Base: 0x2_0000_0000, Size: 512 << 20},
		},
		CoresPerNode: 2,
		Distances:    [][]uint32{{10, 21}, {21, 10}},
	})

	var out bytes.Buffer
	probe.Topology(&out, env.Topology, env.Pages, env.Layout)

	for _, want := range []string{
		"node 0: cpus 0-1, free 1024 MiB",
		"node 1: cpus 2-3, free 512 MiB",
		"   0   10   21",
		"   1   21   10",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}

	if got := lwk.OnlineMask(env.Topology).String(); got != "0,1" {
		t.Fatalf("online mask %s", got)
	}
}
