package lwk_test

import (
	"fmt"
	"testing"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/cockroachdb/errors"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	all := map[string]error{
		"ErrInvalidArgument":  lwk.ErrInvalidArgument,
		"ErrBusy":             lwk.ErrBusy,
		"ErrOutOfMemory":      lwk.ErrOutOfMemory,
		"ErrOutOfCPUs":        lwk.ErrOutOfCPUs,
		"ErrNotFound":         lwk.ErrNotFound,
		"ErrPermissionDenied": lwk.ErrPermissionDenied,
		"ErrTimeout":          lwk.ErrTimeout,
		"ErrHungup":           lwk.ErrHungup,
	}

	for name, kind := range all {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			wrapped := errors.Wrapf(kind, "instance %d", 3)
			if got := lwk.KindOf(wrapped); got != kind {
				t.Fatalf("KindOf(%v) = %v, want %v", wrapped, got, kind)
			}

			stdWrapped := fmt.Errorf("outer: %w", wrapped)
			if !errors.Is(stdWrapped, kind) {
				t.Fatalf("errors.Is through fmt wrap failed for %s", name)
			}

			for other, otherKind := range all {
				if other != name && errors.Is(wrapped, otherKind) {
					t.Errorf("%s matches %s", name, other)
				}
			}
		})
	}
}

func TestMark(t *testing.T) {
	t.Parallel()

	cause := errors.New("core did not answer")

	err := lwk.Mark(cause, lwk.ErrBusy, "offline cpu 3")
	if !errors.Is(err, lwk.ErrBusy) {
		t.Fatalf("marked error %v is not ErrBusy", err)
	}

	if !errors.Is(err, cause) {
		t.Fatalf("marked error %v lost its cause", err)
	}

	already := errors.Wrap(lwk.ErrTimeout, "reset")
	if got := lwk.KindOf(lwk.Mark(already, lwk.ErrBusy, "x")); got != lwk.ErrTimeout {
		t.Fatalf("Mark replaced an existing kind: got %v", got)
	}

	if lwk.Mark(nil, lwk.ErrBusy, "x") != nil {
		t.Fatal("Mark(nil) must be nil")
	}
}

func TestNodeMask(t *testing.T) {
	t.Parallel()

	m := lwk.MaskOf(3, 0, 5)

	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}

	if !m.Has(5) || m.Has(4) {
		t.Fatalf("unexpected membership in %s", m)
	}

	nodes := m.Nodes()
	want := []lwk.Node{0, 3, 5}

	for i := range want {
		if nodes[i] != want[i] {
			t.Fatalf("Nodes() = %v, want %v", nodes, want)
		}
	}

	if m.String() != "0,3,5" {
		t.Fatalf("String() = %q", m.String())
	}

	if lwk.MaskOf(lwk.MaxNodes) != 0 {
		t.Fatal("out-of-range node must be ignored")
	}
}

type nodes []lwk.Node

func (n nodes) OnlineNodes() []lwk.Node { return n }
func (nodes) Distance(a, b lwk.Node) uint32 { return 10 }

func TestCheckTopology(t *testing.T) {
	t.Parallel()

	if err := lwk.CheckTopology(nodes{0, lwk.MaxNodes - 1}); err != nil {
		t.Fatalf("CheckTopology = %v", err)
	}

	if err := lwk.CheckTopology(nodes{0, lwk.MaxNodes}); !errors.Is(err, lwk.ErrInvalidArgument) {
		t.Fatalf("CheckTopology with node %d = %v, want ErrInvalidArgument", lwk.MaxNodes, err)
	}
}
