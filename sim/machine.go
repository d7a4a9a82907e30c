package sim

import (
	"debug/elf"
	"time"

	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/host"
	"github.com/bobuhiro11/golwk/image"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"github.com/cockroachdb/errors"
)

// Machine describes a simulated host.
type Machine struct {
	Memory       []NodeMemory
	CoresPerNode int
	Distances    [][]uint32

	// Step is the pause between two status words of a booting kernel.
	Step time.Duration
}

// Env holds the collaborators of a simulated host.
type Env struct {
	Pages    *Pages
	Cores    *Cores
	Layout   []cpu.Core
	Topology *Topology
	Monitor  *Monitor
	Peer     *Peer
}

func NewEnv(m Machine) *Env {
	nodes := make([]lwk.Node, len(m.Memory))
	for i, n := range m.Memory {
		nodes[i] = n.Node
	}

	cores := NewCores()

	return &Env{
		Pages:    NewPages(m.Memory...),
		Cores:    cores,
		Layout:   Layout(m.CoresPerNode, nodes...),
		Topology: &Topology{Nodes: nodes, Distances: m.Distances},
		Monitor:  NewMonitor(),
		Peer:     NewPeer(cores, m.Step),
	}
}

// Deps returns the collaborators for host.New. loader may be nil to load
// images with Loader.
func (e *Env) Deps(loader image.Loader) host.Deps {
	if loader == nil {
		loader = Loader{}
	}

	return host.Deps{
		Pages:    e.Pages,
		Cores:    e.Cores,
		Layout:   e.Layout,
		Topology: e.Topology,
		Loader:   loader,
		Monitor:  e.Monitor,
		Handoff:  e.Peer,
	}
}

// Loader pretends to load a one page x86-64 image at the start of the
// lowest chunk, whatever the path.
type Loader struct{}

func (Loader) Load(path string, chunks []memory.Chunk) (*image.Image, error) {
	if len(chunks) == 0 {
		return nil, errors.Wrap(lwk.ErrInvalidArgument, "no memory to load the image into")
	}

	low := chunks[0]
	for _, c := range chunks[1:] {
		if c.Base < low.Base {
			low = c
		}
	}

	return &image.Image{
		Path:     path,
		Machine:  elf.EM_X86_64,
		Entry:    low.Base,
		Segments: []memory.Range{{Base: low.Base, Size: memory.PageSize}},
	}, nil
}
