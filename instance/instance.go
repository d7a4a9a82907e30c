// Package instance is the lifecycle of one light-weight kernel instance.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobuhiro11/golwk/image"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/shm"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

type State int

const (
	Initial State = iota
	Loading
	Loaded
	Booting
	Running
	Freezing
	Frozen
	Hungup
	Shutdown
)

var stateNames = [...]string{
	Initial:  "initial",
	Loading:  "loading",
	Loaded:   "loaded",
	Booting:  "booting",
	Running:  "running",
	Freezing: "freezing",
	Frozen:   "frozen",
	Hungup:   "hungup",
	Shutdown: "shutdown",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// Status is what a status query reports.
type Status int

const (
	StatusIdle Status = iota
	StatusBooting
	StatusBooted
	StatusReady
	StatusRunning
	StatusFreezing
	StatusFrozen
	StatusHungup
	StatusShutdown
)

var statusNames = [...]string{
	StatusIdle:     "idle",
	StatusBooting:  "booting",
	StatusBooted:   "booted",
	StatusReady:    "ready",
	StatusRunning:  "running",
	StatusFreezing: "freezing",
	StatusFrozen:   "frozen",
	StatusHungup:   "hungup",
	StatusShutdown: "shutdown",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}

	return statusNames[s]
}

// PeerStatus maps a raw status word. ok is false for values the peer does
// not define.
func PeerStatus(word uint32) (Status, bool) {
	switch word {
	case shm.StatusBooted:
		return StatusBooted, true
	case shm.StatusReady:
		return StatusReady, true
	case shm.StatusRunning:
		return StatusRunning, true
	}

	return StatusIdle, false
}

// Observation is what the per-core monitor block reports.
type Observation int

const (
	ObserveNone Observation = iota
	ObserveFreezing
	ObserveFrozen
	ObserveFailed
)

// Monitor reads the monitor block of an instance.
type Monitor interface {
	Observe(id lwk.ID) Observation
}

// Instance is one light-weight kernel. Lifecycle operations are serialized
// by the caller through Exclusive; state reads may run concurrently.
type Instance struct {
	op sync.Mutex

	mu      sync.Mutex
	id      lwk.ID
	state   State
	kargs   string
	image   *image.Image
	page    *shm.Page
	monitor Monitor
	last    Status
}

func New(id lwk.ID, monitor Monitor) *Instance {
	return &Instance{id: id, monitor: monitor}
}

func (i *Instance) ID() lwk.ID {
	return i.id
}

// Exclusive runs f with every other lifecycle operation of i excluded.
func (i *Instance) Exclusive(f func() error) error {
	i.op.Lock()
	defer i.op.Unlock()

	return f()
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state
}

func (i *Instance) guard(from []State) error {
	for _, s := range from {
		if i.state == s {
			return nil
		}
	}

	if i.state == Hungup {
		return errors.Wrapf(lwk.ErrHungup, "instance %s", i.id)
	}

	return errors.Wrapf(lwk.ErrBusy, "instance %s is %s", i.id, i.state)
}

// Check returns nil when i is in one of from. Otherwise it fails with
// ErrHungup for a hung instance and ErrBusy for any other state.
func (i *Instance) Check(from ...State) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.guard(from)
}

// Transition moves i to to if it is in one of from.
func (i *Instance) Transition(to State, from ...State) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.guard(from); err != nil {
		return err
	}

	i.set(to)

	return nil
}

func (i *Instance) set(to State) {
	if i.state == to {
		return
	}

	lwk.Logger().WithFields(logrus.Fields{
		"instance": i.id,
		"from":     i.state,
		"to":       to,
	}).Debug("instance state")

	i.state = to
}

// SetKargs stores the kernel command line. It is accepted before and after
// the image is loaded.
func (i *Instance) SetKargs(kargs string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.guard([]State{Initial, Loaded}); err != nil {
		return err
	}

	i.kargs = kargs

	return nil
}

func (i *Instance) Kargs() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.kargs
}

func (i *Instance) SetImage(img *image.Image) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.image = img
}

func (i *Instance) Image() *image.Image {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.image
}

// Attach hands i the status page the peer writes to. Attach(nil) detaches
// and returns the previous page.
func (i *Instance) Attach(page *shm.Page) *shm.Page {
	i.mu.Lock()
	defer i.mu.Unlock()

	old := i.page
	i.page = page
	i.last = StatusIdle

	return old
}

// Hangup marks i failed. Only destroying it is possible afterwards.
func (i *Instance) Hangup() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != Hungup {
		lwk.Logger().WithField("instance", i.id).Warn("instance hung up")
	}

	i.set(Hungup)
}

// Reset forgets everything but the id, leaving i Initial.
func (i *Instance) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.set(Initial)
	i.kargs = ""
	i.image = nil
	i.page = nil
	i.last = StatusIdle
}

// Status polls the monitor and the status word once and reports the result.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.observe()

	switch i.state {
	case Booting:
		return StatusBooting
	case Running:
		return i.last
	case Freezing:
		return StatusFreezing
	case Frozen:
		return StatusFrozen
	case Hungup:
		return StatusHungup
	case Shutdown:
		return StatusShutdown
	}

	return StatusIdle
}

func (i *Instance) observe() {
	if i.monitor != nil {
		switch i.monitor.Observe(i.id) {
		case ObserveFailed:
			if i.state != Hungup && i.state != Shutdown && i.state != Initial {
				lwk.Logger().WithField("instance", i.id).Warn("monitor reports failure")
				i.set(Hungup)
			}
		case ObserveFreezing:
			if i.state == Running || i.state == Frozen {
				i.set(Freezing)
			}
		case ObserveFrozen:
			if i.state == Running || i.state == Freezing {
				i.set(Frozen)
			}
		case ObserveNone:
			if i.state == Freezing || i.state == Frozen {
				i.set(Running)
			}
		}
	}

	if i.page == nil || (i.state != Booting && i.state != Running) {
		return
	}

	if s, ok := PeerStatus(i.page.Load()); ok {
		i.last = s
		i.set(Running)
	}
}

// WaitStatus polls Status every interval until it reports want. It fails
// with ErrTimeout when timeout passes first and with ErrHungup as soon as
// the instance hangs up.
func (i *Instance) WaitStatus(ctx context.Context, want Status, interval, timeout time.Duration) error {
	var got Status

	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true,
		func(context.Context) (bool, error) {
			got = i.Status()
			if got == StatusHungup && want != StatusHungup {
				return false, errors.Wrapf(lwk.ErrHungup, "instance %s", i.id)
			}

			return got == want, nil
		})

	switch {
	case err == nil:
		return nil
	case wait.Interrupted(err):
		return lwk.Mark(err, lwk.ErrTimeout,
			fmt.Sprintf("instance %s: waiting for %s, last status %s", i.id, want, got))
	}

	return err
}
