// Package cpu tracks which host cores are owned by the host, reserved for
// light-weight kernels, or assigned to one instance.
package cpu

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/cpuset"
)

// State is the lifecycle state of a core.
type State int

const (
	Online State = iota
	Available
	Assigned
	PendingOffline
	Offlined
	PendingOnline
)

var stateNames = [...]string{
	Online:         "online",
	Available:      "available",
	Assigned:       "assigned",
	PendingOffline: "pending-offline",
	Offlined:       "offlined",
	PendingOnline:  "pending-online",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// Core names a physical core. HWID is the architecture wake-up handle and
// is opaque here.
type Core struct {
	LogicalID uint32
	HWID      uint32
	Node      lwk.Node
}

// Record is the state of one core.
type Record struct {
	Core  Core
	State State
	Owner lwk.ID
}

// Valid reports whether the state and owner of r agree: free states have
// no owner, Assigned has an instance, and pending states belong to the host.
func (r Record) Valid() bool {
	switch r.State {
	case Online, Available, Offlined:
		return r.Owner == lwk.NoOwner
	case Assigned:
		return r.Owner.Valid()
	case PendingOffline, PendingOnline:
		return r.Owner == lwk.HostOwner
	}

	return false
}

// Ops are the host's core operations.
type Ops interface {
	// Offline removes c from the host scheduler.
	Offline(c Core) error

	// Online returns c to the host scheduler.
	Online(c Core) error

	// ResetCore evicts whatever runs on the core. It returns an error
	// when the core does not answer in time.
	ResetCore(hwID uint32) error

	// WakeSecondary starts the core at entry.
	WakeSecondary(hwID uint32, entry lwk.PhysAddr) error
}

const (
	defaultResetRetries = 3
	defaultResetBackoff = 10 * time.Millisecond
)

// Config tunes a Table.
type Config struct {
	// ResetRetries is how many times a core reset is retried before the
	// core is released anyway.
	ResetRetries int

	ResetBackoff time.Duration
}

// Table is the fixed set of cores of the host.
type Table struct {
	mu sync.Mutex

	ops     Ops
	cfg     Config
	records []Record
	index   map[uint32]int
}

func NewTable(ops Ops, cores []Core, cfg Config) (*Table, error) {
	if cfg.ResetRetries <= 0 {
		cfg.ResetRetries = defaultResetRetries
	}

	if cfg.ResetBackoff <= 0 {
		cfg.ResetBackoff = defaultResetBackoff
	}

	t := &Table{
		ops:   ops,
		cfg:   cfg,
		index: make(map[uint32]int, len(cores)),
	}

	sorted := append([]Core{}, cores...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LogicalID < sorted[j].LogicalID })

	for _, c := range sorted {
		if _, dup := t.index[c.LogicalID]; dup {
			return nil, errors.Wrapf(lwk.ErrInvalidArgument, "cpu %d listed twice", c.LogicalID)
		}

		t.index[c.LogicalID] = len(t.records)
		t.records = append(t.records, Record{Core: c, State: Online, Owner: lwk.NoOwner})
	}

	return t, nil
}

// lookup resolves cpus to record indexes.
func (t *Table) lookup(cpus cpuset.CPUSet) ([]int, error) {
	if cpus.IsEmpty() {
		return nil, errors.Wrap(lwk.ErrInvalidArgument, "empty cpu list")
	}

	idx := make([]int, 0, cpus.Size())

	for _, id := range cpus.List() {
		i, ok := t.index[uint32(id)]
		if id < 0 || !ok {
			return nil, errors.Wrapf(lwk.ErrInvalidArgument, "cpu %d does not exist", id)
		}

		idx = append(idx, i)
	}

	return idx, nil
}

func (t *Table) require(idx []int, want State) error {
	for _, i := range idx {
		if r := t.records[i]; r.State != want {
			return errors.Wrapf(lwk.ErrBusy, "cpu %d is %s, want %s", r.Core.LogicalID, r.State, want)
		}
	}

	return nil
}

// step describes one all-or-nothing batch transition.
type step struct {
	name              string
	from, pending, to State
	do, undo          func(Core) error
	undoPending       State
}

func (t *Table) batch(cpus cpuset.CPUSet, s step) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, err := t.lookup(cpus)
	if err != nil {
		return err
	}

	if err := t.require(idx, s.from); err != nil {
		return err
	}

	for n, i := range idx {
		r := &t.records[i]
		r.State, r.Owner = s.pending, lwk.HostOwner

		if err := s.do(r.Core); err != nil {
			r.State, r.Owner = s.from, lwk.NoOwner
			t.rollback(idx[:n], s)

			return lwk.Mark(err, lwk.ErrBusy, fmt.Sprintf("%s cpu %d", s.name, r.Core.LogicalID))
		}

		r.State, r.Owner = s.to, lwk.NoOwner
	}

	lwk.Logger().WithFields(logrus.Fields{
		"cpus":  cpus.String(),
		"state": s.to,
	}).Debug("cpu batch " + s.name)

	return nil
}

// rollback undoes the completed part of a failed batch, newest first.
func (t *Table) rollback(idx []int, s step) {
	for n := len(idx) - 1; n >= 0; n-- {
		r := &t.records[idx[n]]
		r.State, r.Owner = s.undoPending, lwk.HostOwner

		if err := s.undo(r.Core); err != nil {
			r.State, r.Owner = s.to, lwk.NoOwner

			lwk.Logger().WithFields(logrus.Fields{
				"cpu":   r.Core.LogicalID,
				"state": r.State,
			}).WithError(err).Error("cpu rollback failed")

			continue
		}

		r.State, r.Owner = s.from, lwk.NoOwner
	}

	lwk.Logger().WithField("cpus", len(idx)).Warn(s.name + " rolled back")
}

// Reserve takes cpus away from the host. Every core must be Online.
func (t *Table) Reserve(cpus cpuset.CPUSet) error {
	return t.batch(cpus, step{
		name: "reserve", from: Online, pending: PendingOffline, to: Available,
		do: t.ops.Offline, undo: t.ops.Online, undoPending: PendingOnline,
	})
}

// Release gives reserved cpus back to the host. Every core must be Available.
func (t *Table) Release(cpus cpuset.CPUSet) error {
	return t.batch(cpus, step{
		name: "release", from: Available, pending: PendingOnline, to: Online,
		do: t.ops.Online, undo: t.ops.Offline, undoPending: PendingOffline,
	})
}

// Offline takes cpus out of service for maintenance.
func (t *Table) Offline(cpus cpuset.CPUSet) error {
	return t.batch(cpus, step{
		name: "offline", from: Online, pending: PendingOffline, to: Offlined,
		do: t.ops.Offline, undo: t.ops.Online, undoPending: PendingOnline,
	})
}

// Online returns cpus taken out by Offline.
func (t *Table) Online(cpus cpuset.CPUSet) error {
	return t.batch(cpus, step{
		name: "online", from: Offlined, pending: PendingOnline, to: Online,
		do: t.ops.Online, undo: t.ops.Offline, undoPending: PendingOffline,
	})
}

// Assign gives reserved cpus to id. Every core must be Available; a core
// that was never reserved cannot be assigned.
func (t *Table) Assign(id lwk.ID, cpus cpuset.CPUSet) error {
	if !id.Valid() {
		return errors.Wrapf(lwk.ErrInvalidArgument, "instance %s", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx, err := t.lookup(cpus)
	if err != nil {
		return err
	}

	if err := t.require(idx, Available); err != nil {
		return err
	}

	for _, i := range idx {
		t.records[i].State, t.records[i].Owner = Assigned, id
	}

	lwk.Logger().WithFields(logrus.Fields{
		"instance": id,
		"cpus":     cpus.String(),
	}).Debug("cpus assigned")

	return nil
}

// Unassign resets every core of id and makes it Available again. A core
// that does not answer its reset is released anyway.
func (t *Table) Unassign(id lwk.ID) []Core {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx []int

	for i, r := range t.records {
		if r.State == Assigned && r.Owner == id {
			idx = append(idx, i)
		}
	}

	var g errgroup.Group

	for _, i := range idx {
		c := t.records[i].Core
		g.Go(func() error {
			t.reset(c)

			return nil
		})
	}

	_ = g.Wait()

	cores := make([]Core, 0, len(idx))

	for _, i := range idx {
		t.records[i].State, t.records[i].Owner = Available, lwk.NoOwner
		cores = append(cores, t.records[i].Core)
	}

	return cores
}

func (t *Table) reset(c Core) {
	var err error

	for attempt := 0; attempt < t.cfg.ResetRetries; attempt++ {
		if err = t.ops.ResetCore(c.HWID); err == nil {
			return
		}

		time.Sleep(t.cfg.ResetBackoff)
	}

	lwk.Logger().WithFields(logrus.Fields{
		"cpu":  c.LogicalID,
		"hwid": c.HWID,
	}).WithError(err).Warn("core did not reset, releasing it anyway")
}

// Wake starts an assigned core of id at entry.
func (t *Table) Wake(id lwk.ID, cpu uint32, entry lwk.PhysAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[cpu]
	if !ok {
		return errors.Wrapf(lwk.ErrInvalidArgument, "cpu %d does not exist", cpu)
	}

	r := t.records[i]
	if r.State != Assigned || r.Owner != id {
		return errors.Wrapf(lwk.ErrBusy, "cpu %d is not assigned to instance %s", cpu, id)
	}

	return lwk.Mark(t.ops.WakeSecondary(r.Core.HWID, entry), lwk.ErrBusy,
		fmt.Sprintf("wake cpu %d (hwid %#x)", cpu, r.Core.HWID))
}

// Record returns the record of the logical cpu.
func (t *Table) Record(cpu uint32) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[cpu]
	if !ok {
		return Record{}, false
	}

	return t.records[i], true
}

// Records returns every record ordered by logical id.
func (t *Table) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Record{}, t.records...)
}

// InState returns the cpus currently in state s.
func (t *Table) InState(s State) cpuset.CPUSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int

	for _, r := range t.records {
		if r.State == s {
			ids = append(ids, int(r.Core.LogicalID))
		}
	}

	return cpuset.New(ids...)
}

// AssignedTo returns the cores of id ordered by logical id.
func (t *Table) AssignedTo(id lwk.ID) []Core {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cores []Core

	for _, r := range t.records {
		if r.State == Assigned && r.Owner == id {
			cores = append(cores, r.Core)
		}
	}

	return cores
}

// LowestOnline returns the lowest numbered Online cpu.
func (t *Table) LowestOnline() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.records {
		if r.State == Online {
			return r.Core.LogicalID, true
		}
	}

	return 0, false
}

// Verify checks that every record is in a valid (state, owner) pair.
func (t *Table) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.records {
		if !r.Valid() {
			return errors.Newf("cpu %d: state %s with owner %s", r.Core.LogicalID, r.State, r.Owner)
		}
	}

	return nil
}
