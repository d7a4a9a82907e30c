package host

import (
	"context"

	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/instance"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"k8s.io/utils/cpuset"
)

// Resources can change hands only while an instance is not booted.
var assignable = []instance.State{instance.Initial, instance.Loaded}

// ReserveCPUs takes cpus away from the host scheduler.
func (h *Host) ReserveCPUs(cpus cpuset.CPUSet) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cpus.Reserve(cpus)
}

// ReleaseCPUs gives reserved cpus back to the host scheduler.
func (h *Host) ReleaseCPUs(cpus cpuset.CPUSet) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cpus.Release(cpus)
}

// AssignCPUs gives reserved cpus to id.
func (h *Host) AssignCPUs(id lwk.ID, cpus cpuset.CPUSet) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}

	return i.Exclusive(func() error {
		if err := i.Check(assignable...); err != nil {
			return err
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		return h.cpus.Assign(id, cpus)
	})
}

// ReleaseCPUsFrom takes every cpu back from id. The cpus stay reserved.
func (h *Host) ReleaseCPUsFrom(id lwk.ID) ([]cpu.Core, error) {
	i, err := h.lookup(id)
	if err != nil {
		return nil, err
	}

	var cores []cpu.Core

	err = i.Exclusive(func() error {
		if err := i.Check(instance.Initial, instance.Loaded, instance.Hungup); err != nil {
			return err
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		cores = h.cpus.Unassign(id)
		h.router.Clear(id)

		return nil
	})

	return cores, err
}

// OfflineCPUs takes cpus out of service for maintenance.
func (h *Host) OfflineCPUs(cpus cpuset.CPUSet) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cpus.Offline(cpus)
}

// OnlineCPUs puts cpus taken out by OfflineCPUs back in service.
func (h *Host) OnlineCPUs(cpus cpuset.CPUSet) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cpus.Online(cpus)
}

// ReserveMem takes size bytes, or memory.All, from the host on node.
func (h *Host) ReserveMem(ctx context.Context, node lwk.Node, size memory.Amount) ([]memory.Chunk, error) {
	req := memory.ReserveRequest{
		Node:         node,
		Size:         size,
		MinChunkSize: h.cfg.MinChunkSize,
		MaxRatio:     h.cfg.MaxRatioAll,
		Timeout:      h.cfg.ReserveTimeout,
	}

	// Reserve runs without h.mu; the allocator locks itself to insert what
	// it took.
	return h.mem.Reserve(ctx, req)
}

// ReleaseMem gives reserved chunks back to the host.
func (h *Host) ReleaseMem(chunks []memory.Chunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.mem.Release(chunks)
}

// PartialRelease gives up to amount free bytes of node back to the host.
func (h *Host) PartialRelease(node lwk.Node, amount uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.mem.PartialRelease(node, amount)
}

// AssignMem gives id size bytes of reserved memory on node.
func (h *Host) AssignMem(id lwk.ID, size uint64, node lwk.Node) ([]memory.Chunk, error) {
	return h.assignMem(id, func() ([]memory.Chunk, error) {
		return h.mem.Assign(id, size, node)
	})
}

// AssignAllMem gives id every reserved chunk on the nodes of mask.
func (h *Host) AssignAllMem(id lwk.ID, mask lwk.NodeMask) ([]memory.Chunk, error) {
	return h.assignMem(id, func() ([]memory.Chunk, error) {
		return h.mem.AssignAll(id, mask)
	})
}

func (h *Host) assignMem(id lwk.ID, assign func() ([]memory.Chunk, error)) ([]memory.Chunk, error) {
	i, err := h.lookup(id)
	if err != nil {
		return nil, err
	}

	var chunks []memory.Chunk

	err = i.Exclusive(func() error {
		if err := i.Check(instance.Initial); err != nil {
			return err
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		c, err := assign()
		chunks = c

		return err
	})

	return chunks, err
}

// ReleaseMemFrom takes every chunk back from id. The memory stays reserved.
func (h *Host) ReleaseMemFrom(id lwk.ID) ([]memory.Chunk, error) {
	i, err := h.lookup(id)
	if err != nil {
		return nil, err
	}

	var chunks []memory.Chunk

	err = i.Exclusive(func() error {
		if err := i.Check(instance.Initial, instance.Hungup); err != nil {
			return err
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		chunks = h.mem.Unassign(id)

		return nil
	})

	return chunks, err
}
