package sim

import (
	"context"
	"sync"
	"time"

	"github.com/bobuhiro11/golwk/bootparam"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/shm"
	"github.com/sirupsen/logrus"
)

// Peer plays the booted kernel. It takes the descriptor placed for an
// instance and, once the boot cpu is woken, reports booted, ready and
// running through the status word, Step apart.
type Peer struct {
	mu sync.Mutex
	wg sync.WaitGroup

	step    time.Duration
	pending map[uint32]*boot
	booted  map[lwk.ID]*boot
	stalled map[lwk.ID]bool
}

type boot struct {
	id     lwk.ID
	desc   *bootparam.Descriptor
	page   *shm.Page
	cancel context.CancelFunc
}

// NewPeer returns a peer woken through cores.
func NewPeer(cores *Cores, step time.Duration) *Peer {
	p := &Peer{
		step:    step,
		pending: make(map[uint32]*boot),
		booted:  make(map[lwk.ID]*boot),
		stalled: make(map[lwk.ID]bool),
	}
	cores.setOnWake(p.wake)

	return p
}

// Stall makes the kernel of id never report a status.
func (p *Peer) Stall(id lwk.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stalled[id] = true
}

// Place parses the descriptor and waits for its first cpu to be woken.
func (p *Peer) Place(id lwk.ID, desc []byte, page *shm.Page) error {
	d, err := bootparam.Parse(desc)
	if err != nil {
		return err
	}

	if len(d.CPUs) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[d.CPUs[0].HWID] = &boot{id: id, desc: d, page: page}

	return nil
}

// Retract stops the kernel of id, booted or not.
func (p *Peer) Retract(id lwk.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for hwid, b := range p.pending {
		if b.id == id {
			delete(p.pending, hwid)
		}
	}

	if b, ok := p.booted[id]; ok {
		b.cancel()
		delete(p.booted, id)
	}
}

// Descriptor returns the descriptor the kernel of id booted with.
func (p *Peer) Descriptor(id lwk.ID) (*bootparam.Descriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.booted[id]
	if !ok {
		return nil, false
	}

	return b.desc, true
}

func (p *Peer) wake(hwID uint32, entry lwk.PhysAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.pending[hwID]
	if !ok {
		return
	}

	delete(p.pending, hwID)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	p.booted[b.id] = b

	lwk.Logger().WithFields(logrus.Fields{
		"instance": b.id,
		"hwid":     hwID,
		"entry":    entry,
		"cpus":     len(b.desc.CPUs),
	}).Debug("peer kernel started")

	if p.stalled[b.id] {
		return
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		p.run(ctx, b)
	}()
}

func (p *Peer) run(ctx context.Context, b *boot) {
	for _, word := range []uint32{shm.StatusBooted, shm.StatusReady, shm.StatusRunning} {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.step):
		}

		if err := b.page.Store(word); err != nil {
			return
		}
	}
}

// Close stops every kernel and waits for them.
func (p *Peer) Close() {
	p.mu.Lock()

	for id, b := range p.booted {
		b.cancel()
		delete(p.booted, id)
	}

	p.mu.Unlock()
	p.wg.Wait()
}
