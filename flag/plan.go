package flag

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bobuhiro11/golwk/host"
	"github.com/bobuhiro11/golwk/ikc"
	"github.com/bobuhiro11/golwk/image"
	"github.com/bobuhiro11/golwk/instance"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"github.com/bobuhiro11/golwk/sim"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
	"sigs.k8s.io/yaml"
)

// Plan is a simulated host and what to do with it.
type Plan struct {
	Machine   MachinePlan    `json:"machine"`
	Reserve   ReservePlan    `json:"reserve"`
	Instances []InstancePlan `json:"instances"`
}

type MachinePlan struct {
	Nodes        []NodePlan `json:"nodes"`
	CoresPerNode int        `json:"coresPerNode"`
	Distances    [][]uint32 `json:"distances,omitempty"`

	// Step is the pause between the status words of a booting kernel.
	Step string `json:"step,omitempty"`
}

type NodePlan struct {
	Node uint16 `json:"node"`
	Base string `json:"base"`
	Size string `json:"size"`
}

type ReservePlan struct {
	CPUs   string    `json:"cpus"`
	Memory []MemPlan `json:"memory"`
}

// MemPlan is an amount of memory on a node. Size is "all" or a size in
// megabytes by default.
type MemPlan struct {
	Node uint16 `json:"node"`
	Size string `json:"size"`
}

type InstancePlan struct {
	CPUs     string    `json:"cpus"`
	Memory   []MemPlan `json:"memory"`
	IKC      string    `json:"ikc,omitempty"`
	Image    string    `json:"image,omitempty"`
	Kargs    string    `json:"kargs,omitempty"`
	Boot     bool      `json:"boot"`
	Shutdown bool      `json:"shutdown"`
}

func LoadPlan(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p := &Plan{}
	if err := yaml.UnmarshalStrict(b, p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return p, nil
}

// Sim returns the simulated machine of p.
func (p *Plan) Sim() (sim.Machine, error) {
	m := sim.Machine{
		CoresPerNode: p.Machine.CoresPerNode,
		Distances:    p.Machine.Distances,
	}

	if p.Machine.Step != "" {
		step, err := time.ParseDuration(p.Machine.Step)
		if err != nil {
			return m, fmt.Errorf("step: %w", err)
		}

		m.Step = step
	}

	for _, n := range p.Machine.Nodes {
		base, err := strconv.ParseUint(n.Base, 0, 64)
		if err != nil {
			return m, fmt.Errorf("node %d base: %w", n.Node, err)
		}

		size, err := ParseSize(n.Size, "m")
		if err != nil {
			return m, fmt.Errorf("node %d size: %w", n.Node, err)
		}

		m.Memory = append(m.Memory, sim.NodeMemory{
			Node: lwk.Node(n.Node),
			Base: lwk.PhysAddr(base),
			Size: uint64(size),
		})
	}

	return m, nil
}

// loader loads images named in a plan from disk and pretends to load the
// unnamed ones.
type loader struct{}

func (loader) Load(path string, chunks []memory.Chunk) (*image.Image, error) {
	if path == "" {
		return sim.Loader{}.Load("(simulated)", chunks)
	}

	return image.ELFLoader{}.Load(path, chunks)
}

// Apply reserves the resources of p on h and brings up its instances in
// order. It returns the ids of the instances created.
func (p *Plan) Apply(ctx context.Context, h *host.Host) ([]lwk.ID, error) {
	if p.Reserve.CPUs != "" {
		cpus, err := cpuset.Parse(p.Reserve.CPUs)
		if err != nil {
			return nil, fmt.Errorf("reserve cpus: %w", err)
		}

		if err := h.ReserveCPUs(cpus); err != nil {
			return nil, err
		}
	}

	for _, m := range p.Reserve.Memory {
		amount, err := ParseAmount(m.Size)
		if err != nil {
			return nil, fmt.Errorf("reserve memory on node %d: %w", m.Node, err)
		}

		chunks, err := h.ReserveMem(ctx, lwk.Node(m.Node), amount)
		if err != nil {
			return nil, err
		}

		lwk.Logger().WithFields(logrus.Fields{
			"node":   m.Node,
			"size":   amount,
			"chunks": len(chunks),
		}).Info("memory reserved")
	}

	var ids []lwk.ID

	for _, ip := range p.Instances {
		id := h.CreateInstance()
		ids = append(ids, id)

		if err := ip.apply(ctx, h, id); err != nil {
			return ids, fmt.Errorf("instance %s: %w", id, err)
		}
	}

	return ids, nil
}

func (ip *InstancePlan) apply(ctx context.Context, h *host.Host, id lwk.ID) error {
	if ip.CPUs != "" {
		cpus, err := cpuset.Parse(ip.CPUs)
		if err != nil {
			return fmt.Errorf("cpus: %w", err)
		}

		if err := h.AssignCPUs(id, cpus); err != nil {
			return err
		}
	}

	for _, m := range ip.Memory {
		amount, err := ParseAmount(m.Size)
		if err != nil {
			return fmt.Errorf("memory on node %d: %w", m.Node, err)
		}

		if amount.IsAll() {
			_, err = h.AssignAllMem(id, lwk.MaskOf(lwk.Node(m.Node)))
		} else {
			_, err = h.AssignMem(id, amount.Bytes(), lwk.Node(m.Node))
		}

		if err != nil {
			return err
		}
	}

	if ip.IKC != "" {
		routes, err := ikc.Parse(ip.IKC)
		if err != nil {
			return err
		}

		if err := h.SetIKCMap(id, routes); err != nil {
			return err
		}
	}

	if ip.Kargs != "" {
		if err := h.SetKargs(id, ip.Kargs); err != nil {
			return err
		}
	}

	if !ip.Boot {
		return nil
	}

	if err := h.LoadImage(id, ip.Image); err != nil {
		return err
	}

	if err := h.Boot(id); err != nil {
		return err
	}

	if err := h.WaitStatus(ctx, id, instance.StatusRunning); err != nil {
		return err
	}

	if ip.Shutdown {
		return h.Shutdown(id)
	}

	return nil
}
