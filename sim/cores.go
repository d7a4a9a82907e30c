package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/lwk"
)

var (
	errInjected     = errors.New("injected failure")
	errNotResponded = errors.New("core did not respond")
)

// Layout returns perNode cores on each node, numbered consecutively. The
// hardware id is twice the logical id, like APIC ids on SMT-less parts.
func Layout(perNode int, nodes ...lwk.Node) []cpu.Core {
	var cores []cpu.Core

	for _, n := range nodes {
		for i := 0; i < perNode; i++ {
			id := uint32(len(cores))
			cores = append(cores, cpu.Core{LogicalID: id, HWID: id * 2, Node: n})
		}
	}

	return cores
}

// Wake records one WakeSecondary call.
type Wake struct {
	HWID  uint32
	Entry lwk.PhysAddr
}

// Cores implements cpu.Ops with failure injection.
type Cores struct {
	mu sync.Mutex

	offline      map[uint32]bool
	failOffline  map[uint32]bool
	failOnline   map[uint32]bool
	unresponsive map[uint32]bool
	failWake     map[uint32]bool
	resets       map[uint32]int
	wakes        []Wake

	// onWake runs after a successful wake, outside the lock.
	onWake func(hwID uint32, entry lwk.PhysAddr)
}

func NewCores() *Cores {
	return &Cores{
		offline:      make(map[uint32]bool),
		failOffline:  make(map[uint32]bool),
		failOnline:   make(map[uint32]bool),
		unresponsive: make(map[uint32]bool),
		failWake:     make(map[uint32]bool),
		resets:       make(map[uint32]int),
	}
}

// FailOffline makes Offline fail for the logical cpu.
func (c *Cores) FailOffline(cpu uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failOffline[cpu] = true
}

// FailOnline makes Online fail for the logical cpu.
func (c *Cores) FailOnline(cpu uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failOnline[cpu] = true
}

// Hang makes every reset of hwID time out.
func (c *Cores) Hang(hwID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unresponsive[hwID] = true
}

// FailWake makes WakeSecondary fail for hwID.
func (c *Cores) FailWake(hwID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failWake[hwID] = true
}

func (c *Cores) Offline(core cpu.Core) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failOffline[core.LogicalID] {
		return fmt.Errorf("offline cpu %d: %w", core.LogicalID, errInjected)
	}

	c.offline[core.LogicalID] = true

	return nil
}

func (c *Cores) Online(core cpu.Core) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failOnline[core.LogicalID] {
		return fmt.Errorf("online cpu %d: %w", core.LogicalID, errInjected)
	}

	delete(c.offline, core.LogicalID)

	return nil
}

// IsOffline reports whether the host scheduler has given up the cpu.
func (c *Cores) IsOffline(cpu uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.offline[cpu]
}

func (c *Cores) ResetCore(hwID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resets[hwID]++

	if c.unresponsive[hwID] {
		return fmt.Errorf("reset hwid %#x: %w", hwID, errNotResponded)
	}

	return nil
}

// Resets returns how many times hwID was reset.
func (c *Cores) Resets(hwID uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.resets[hwID]
}

func (c *Cores) WakeSecondary(hwID uint32, entry lwk.PhysAddr) error {
	c.mu.Lock()

	if c.failWake[hwID] {
		c.mu.Unlock()

		return fmt.Errorf("wake hwid %#x: %w", hwID, errInjected)
	}

	c.wakes = append(c.wakes, Wake{HWID: hwID, Entry: entry})
	onWake := c.onWake
	c.mu.Unlock()

	if onWake != nil {
		onWake(hwID, entry)
	}

	return nil
}

// Wakes returns every successful wake so far.
func (c *Cores) Wakes() []Wake {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Wake{}, c.wakes...)
}

func (c *Cores) setOnWake(f func(uint32, lwk.PhysAddr)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onWake = f
}
