package sim

import (
	"sync"

	"github.com/bobuhiro11/golwk/instance"
	"github.com/bobuhiro11/golwk/lwk"
)

// Monitor is a settable monitor block per instance.
type Monitor struct {
	mu  sync.Mutex
	obs map[lwk.ID]instance.Observation
}

func NewMonitor() *Monitor {
	return &Monitor{obs: make(map[lwk.ID]instance.Observation)}
}

func (m *Monitor) Set(id lwk.ID, o instance.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.obs[id] = o
}

func (m *Monitor) Clear(id lwk.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.obs, id)
}

func (m *Monitor) Observe(id lwk.ID) instance.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.obs[id]
}
