// Package host partitions the cpus and memory of the machine between the
// host and light-weight kernel instances and drives the instances through
// their lifecycle.
package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bobuhiro11/golwk/bootparam"
	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/ikc"
	"github.com/bobuhiro11/golwk/image"
	"github.com/bobuhiro11/golwk/instance"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"github.com/bobuhiro11/golwk/shm"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMinChunkSize   = 128 << 10
	DefaultMaxRatioAll    = 90
	DefaultReserveTimeout = 5 * time.Second
	DefaultStatusInterval = 10 * time.Millisecond
	DefaultStatusTimeout  = 10 * time.Second
	DefaultIKCVectors     = 16
)

type Config struct {
	Memory memory.Config
	CPU    cpu.Config

	// MinChunkSize is the smallest granule a memory reservation takes.
	MinChunkSize uint64

	// MaxRatioAll caps a reservation of all memory to this percentage of
	// the memory the host has free on the node.
	MaxRatioAll int

	ReserveTimeout time.Duration

	StatusInterval time.Duration
	StatusTimeout  time.Duration

	// IKCVectors is the number of host interrupt vectors available for
	// inter-kernel communication.
	IKCVectors int

	// DescriptorCapacity is the byte budget of a boot descriptor.
	DescriptorCapacity int
}

func (c *Config) setDefaults() {
	if c.MinChunkSize == 0 {
		c.MinChunkSize = DefaultMinChunkSize
	}

	if c.MaxRatioAll == 0 {
		c.MaxRatioAll = DefaultMaxRatioAll
	}

	if c.ReserveTimeout == 0 {
		c.ReserveTimeout = DefaultReserveTimeout
	}

	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}

	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}

	if c.IKCVectors <= 0 {
		c.IKCVectors = DefaultIKCVectors
	}

	if c.DescriptorCapacity <= 0 {
		c.DescriptorCapacity = bootparam.DefaultCapacity
	}
}

// Handoff delivers a boot descriptor and status page to the kernel about to
// start, and takes them back when it stops.
type Handoff interface {
	Place(id lwk.ID, desc []byte, page *shm.Page) error
	Retract(id lwk.ID)
}

// Deps are the collaborators of a Host.
type Deps struct {
	Pages    memory.PageAllocator
	Cores    cpu.Ops
	Layout   []cpu.Core
	Topology lwk.Topology
	Loader   image.Loader
	Monitor  instance.Monitor
	Handoff  Handoff
}

// Host owns the cpu table, the memory allocator and the instances. mu
// serializes every change to cpus and memory.
type Host struct {
	mu sync.Mutex

	cfg    Config
	deps   Deps
	cpus   *cpu.Table
	mem    *memory.Allocator
	router *ikc.Router

	imu       sync.Mutex
	instances map[lwk.ID]*instance.Instance
}

func New(cfg Config, deps Deps) (*Host, error) {
	if deps.Pages == nil || deps.Cores == nil || deps.Topology == nil || deps.Handoff == nil {
		return nil, errors.Wrap(lwk.ErrInvalidArgument, "missing host collaborator")
	}

	if err := lwk.CheckTopology(deps.Topology); err != nil {
		return nil, err
	}

	if deps.Loader == nil {
		deps.Loader = image.ELFLoader{}
	}

	cfg.setDefaults()

	cpus, err := cpu.NewTable(deps.Cores, deps.Layout, cfg.CPU)
	if err != nil {
		return nil, err
	}

	return &Host{
		cfg:       cfg,
		deps:      deps,
		cpus:      cpus,
		mem:       memory.NewAllocator(deps.Pages, deps.Topology, cfg.Memory),
		router:    ikc.NewRouter(cfg.IKCVectors),
		instances: make(map[lwk.ID]*instance.Instance),
	}, nil
}

func (h *Host) Config() Config {
	return h.cfg
}

// CPUs returns the cpu table for inspection.
func (h *Host) CPUs() *cpu.Table {
	return h.cpus
}

// Memory returns the allocator for inspection.
func (h *Host) Memory() *memory.Allocator {
	return h.mem
}

func (h *Host) Topology() lwk.Topology {
	return h.deps.Topology
}

func (h *Host) lookup(id lwk.ID) (*instance.Instance, error) {
	h.imu.Lock()
	defer h.imu.Unlock()

	i, ok := h.instances[id]
	if !ok {
		return nil, errors.Wrapf(lwk.ErrNotFound, "instance %s", id)
	}

	return i, nil
}

// Instances returns the ids of every instance in increasing order.
func (h *Host) Instances() []lwk.ID {
	h.imu.Lock()
	defer h.imu.Unlock()

	ids := make([]lwk.ID, 0, len(h.instances))
	for id := range h.instances {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// CreateInstance registers an empty instance under the lowest free id.
func (h *Host) CreateInstance() lwk.ID {
	h.imu.Lock()
	defer h.imu.Unlock()

	id := lwk.ID(0)
	for ; ; id++ {
		if _, taken := h.instances[id]; !taken {
			break
		}
	}

	h.instances[id] = instance.New(id, h.deps.Monitor)

	lwk.Logger().WithField("instance", id).Info("instance created")

	return id
}

// DestroyInstance returns every resource of id to the pools and forgets it.
// A booting or running instance must be shut down first.
func (h *Host) DestroyInstance(id lwk.ID) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	return i.Exclusive(func() error {
		if err := i.Check(instance.Initial, instance.Loaded, instance.Shutdown, instance.Hungup); err != nil {
			return err
		}

		h.teardown(i)

		h.imu.Lock()
		delete(h.instances, id)
		h.imu.Unlock()

		lwk.Logger().WithField("instance", id).Info("instance destroyed")

		return nil
	})
}

// teardown stops the peer, drops the status page and returns cpus and
// memory to the pools. The caller holds the instance exclusively.
func (h *Host) teardown(i *instance.Instance) {
	id := i.ID()

	h.deps.Handoff.Retract(id)

	if page := i.Attach(nil); page != nil {
		if err := page.Close(); err != nil {
			lwk.Logger().WithField("instance", id).WithError(err).Warn("closing status page")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cores := h.cpus.Unassign(id)
	chunks := h.mem.Unassign(id)
	h.router.Clear(id)

	lwk.Logger().WithFields(logrus.Fields{
		"instance": id,
		"cpus":     len(cores),
		"chunks":   len(chunks),
	}).Debug("instance resources released")
}

// Close destroys every instance, shutting down the ones still running, and
// gives every reserved cpu and byte back to the host.
func (h *Host) Close() error {
	var g errgroup.Group

	for _, id := range h.Instances() {
		g.Go(func() error {
			if err := h.Shutdown(id); err != nil && !errors.Is(err, lwk.ErrBusy) && !errors.Is(err, lwk.ErrHungup) {
				return err
			}

			return h.DestroyInstance(id)
		})
	}

	err := g.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	if avail := h.cpus.InState(cpu.Available); !avail.IsEmpty() {
		err = errors.CombineErrors(err, h.cpus.Release(avail))
	}

	if free := h.mem.FreeAll(); len(free) > 0 {
		err = errors.CombineErrors(err, h.mem.Release(free))
	}

	return err
}

// WaitStatus polls the status of id with the configured interval until it
// is want or the configured timeout passes.
func (h *Host) WaitStatus(ctx context.Context, id lwk.ID, want instance.Status) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	return i.WaitStatus(ctx, want, h.cfg.StatusInterval, h.cfg.StatusTimeout)
}
