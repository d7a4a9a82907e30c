package shm_test

import (
	"sync"
	"testing"

	"github.com/bobuhiro11/golwk/shm"
	"github.com/cockroachdb/errors"
)

func TestLoadStore(t *testing.T) {
	t.Parallel()

	p, err := shm.New()
	if err != nil {
		t.Fatal(err)
	}

	if v := p.Load(); v != shm.StatusNone {
		t.Fatalf("fresh page reads %d", v)
	}

	var wg sync.WaitGroup

	for _, v := range []uint32{shm.StatusBooted, shm.StatusReady, shm.StatusRunning} {
		wg.Add(1)

		go func(v uint32) {
			defer wg.Done()

			if err := p.Store(v); err != nil {
				t.Error(err)
			}
		}(v)
	}

	wg.Wait()

	if v := p.Load(); v < shm.StatusBooted || v > shm.StatusRunning {
		t.Fatalf("status word %d", v)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if v := p.Load(); v != shm.StatusNone {
		t.Fatalf("closed page reads %d", v)
	}

	if err := p.Store(shm.StatusBooted); !errors.Is(err, shm.ErrorClosed) {
		t.Fatalf("Store after Close = %v", err)
	}
}
