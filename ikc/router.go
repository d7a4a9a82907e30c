// Package ikc keeps the inter-kernel communication map: for every cpu of an
// instance, the host cpu its interrupts are delivered to.
package ikc

import (
	"sort"
	"sync"

	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Route delivers the interrupts of instance cpu Src to host cpu Dst.
type Route struct {
	Src uint32
	Dst uint32
}

// CPUs is the part of the cpu table routes are checked against.
type CPUs interface {
	Record(cpu uint32) (cpu.Record, bool)
	LowestOnline() (uint32, bool)
}

// Router stores one explicit route table per instance.
type Router struct {
	mu      sync.Mutex
	vectors int
	tables  map[lwk.ID][]Route
}

// NewRouter returns a router for a host with vectors interrupt vectors
// available for delivery.
func NewRouter(vectors int) *Router {
	return &Router{
		vectors: vectors,
		tables:  make(map[lwk.ID][]Route),
	}
}

func validate(id lwk.ID, routes []Route, cpus CPUs) error {
	seen := make(map[uint32]bool, len(routes))

	for _, rt := range routes {
		if seen[rt.Src] {
			return errors.Wrapf(lwk.ErrInvalidArgument, "cpu %d routed twice", rt.Src)
		}

		seen[rt.Src] = true

		src, ok := cpus.Record(rt.Src)
		if !ok || src.State != cpu.Assigned || src.Owner != id {
			return errors.Wrapf(lwk.ErrInvalidArgument, "cpu %d is not assigned to instance %s", rt.Src, id)
		}

		dst, ok := cpus.Record(rt.Dst)
		if !ok || (dst.State != cpu.Online && dst.State != cpu.Available) {
			return errors.Wrapf(lwk.ErrInvalidArgument, "cpu %d cannot receive interrupts", rt.Dst)
		}
	}

	return nil
}

// SetRoutes replaces the route table of id. The table is checked as a
// whole first; a rejected table leaves the previous one in place.
func (r *Router) SetRoutes(id lwk.ID, routes []Route, cpus CPUs) error {
	if err := validate(id, routes, cpus); err != nil {
		return err
	}

	table := append([]Route{}, routes...)
	sortRoutes(table)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(table) == 0 {
		delete(r.tables, id)

		return nil
	}

	r.tables[id] = table

	return nil
}

// Routes returns the explicit table of id.
func (r *Router) Routes(id lwk.ID) ([]Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[id]

	return append([]Route{}, t...), ok
}

// Clear forgets the table of id.
func (r *Router) Clear(id lwk.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tables, id)
}

// DefaultRoutes routes every cpu of assigned to the lowest numbered online
// host cpu.
func DefaultRoutes(assigned []cpu.Core, cpus CPUs) ([]Route, error) {
	dst, ok := cpus.LowestOnline()
	if !ok {
		return nil, errors.Wrap(lwk.ErrOutOfCPUs, "no online host cpu to deliver interrupts")
	}

	routes := make([]Route, 0, len(assigned))
	for _, c := range assigned {
		routes = append(routes, Route{Src: c.LogicalID, Dst: dst})
	}

	sortRoutes(routes)

	return routes, nil
}

// Targets returns the number of distinct destinations of routes.
func Targets(routes []Route) int {
	dsts := make(map[uint32]bool)
	for _, rt := range routes {
		dsts[rt.Dst] = true
	}

	return len(dsts)
}

// CheckBalance reports whether targets destinations fit the host's vectors.
func (r *Router) CheckBalance(targets int) bool {
	if targets > r.vectors {
		lwk.Logger().WithFields(logrus.Fields{
			"targets": targets,
			"vectors": r.vectors,
		}).Warn("ikc map uses more host cpus than interrupt vectors")

		return false
	}

	return true
}

// Resolve returns the routes id boots with. The explicit table is used
// when it is still valid and balanced, with unrouted cpus added on the
// default destination; otherwise every cpu gets the default route.
func (r *Router) Resolve(id lwk.ID, assigned []cpu.Core, cpus CPUs) ([]Route, error) {
	def, err := DefaultRoutes(assigned, cpus)
	if err != nil {
		return nil, err
	}

	explicit, ok := r.Routes(id)
	if !ok {
		return def, nil
	}

	if err := validate(id, explicit, cpus); err != nil {
		lwk.Logger().WithField("instance", id).WithError(err).Warn("ikc map no longer valid, using default")

		return def, nil
	}

	routed := make(map[uint32]bool, len(explicit))
	for _, rt := range explicit {
		routed[rt.Src] = true
	}

	routes := explicit
	for _, rt := range def {
		if !routed[rt.Src] {
			routes = append(routes, rt)
		}
	}

	sortRoutes(routes)

	if !r.CheckBalance(Targets(routes)) {
		return def, nil
	}

	return routes, nil
}

func sortRoutes(routes []Route) {
	sort.Slice(routes, func(i, j int) bool { return routes[i].Src < routes[j].Src })
}
