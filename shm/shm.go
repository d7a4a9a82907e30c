// Package shm is the page shared with a booted kernel. Its first word is the
// status the kernel reports while it comes up.
package shm

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Peer status values written to the status word.
const (
	StatusNone    = 0
	StatusBooted  = 1
	StatusReady   = 2
	StatusRunning = 3
)

var ErrorClosed = errors.New("status page closed")

type Page struct {
	mu  sync.RWMutex
	mem []byte
}

// New maps one anonymous shared page.
func New() (*Page, error) {
	mem, err := unix.Mmap(-1, 0, unix.Getpagesize(),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, lwk.Mark(err, lwk.ErrOutOfMemory, "map status page")
	}

	return &Page{mem: mem}, nil
}

func (p *Page) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&p.mem[0]))
}

// Load reads the status word. A closed page reads as StatusNone.
func (p *Page) Load() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.mem == nil {
		return StatusNone
	}

	return atomic.LoadUint32(p.word())
}

// Store writes the status word on behalf of the peer.
func (p *Page) Store(v uint32) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.mem == nil {
		return ErrorClosed
	}

	atomic.StoreUint32(p.word(), v)

	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return nil
	}

	err := unix.Munmap(p.mem)
	p.mem = nil

	return err
}
