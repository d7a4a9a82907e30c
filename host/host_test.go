package host_test

import (
	"context"
	"testing"
	"time"

	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/host"
	"github.com/bobuhiro11/golwk/ikc"
	"github.com/bobuhiro11/golwk/instance"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"github.com/bobuhiro11/golwk/sim"
	"github.com/cockroachdb/errors"
	"k8s.io/utils/cpuset"
)

const mib = 1 << 20

func newHost(t *testing.T, tune func(*host.Config)) (*host.Host, *sim.Env) {
	t.Helper()

	env := sim.NewEnv(sim.Machine{
		Memory: []sim.NodeMemory{
			{Node: 0, Base: 0x1_0000_0000, Size: 2048 * mib},
			{Node: 1, Base: 0x2_0000_0000, Size: 1024 * mib},
		},
		CoresPerNode: 4,
		Step:         time.Millisecond,
	})
	t.Cleanup(env.Peer.Close)

	cfg := host.Config{
		Memory:         memory.Config{RetryInterval: time.Millisecond},
		CPU:            cpu.Config{ResetBackoff: time.Millisecond},
		ReserveTimeout: 20 * time.Millisecond,
		StatusInterval: time.Millisecond,
		StatusTimeout:  5 * time.Second,
	}

	if tune != nil {
		tune(&cfg)
	}

	h, err := host.New(cfg, env.Deps(nil))
	if err != nil {
		t.Fatal(err)
	}

	return h, env
}

// loaded returns an instance with cpus 2-3 and 64 MiB on node 0 and its
// image loaded.
func loaded(t *testing.T, h *host.Host) lwk.ID {
	t.Helper()

	if err := h.ReserveCPUs(cpuset.New(2, 3)); err != nil {
		t.Fatal(err)
	}

	if _, err := h.ReserveMem(context.Background(), 0, memory.Bytes(256*mib)); err != nil {
		t.Fatal(err)
	}

	id := h.CreateInstance()

	if err := h.AssignCPUs(id, cpuset.New(2, 3)); err != nil {
		t.Fatal(err)
	}

	if _, err := h.AssignMem(id, 64*mib, 0); err != nil {
		t.Fatal(err)
	}

	if err := h.LoadImage(id, "mckernel.img"); err != nil {
		t.Fatal(err)
	}

	return id
}

func running(t *testing.T, h *host.Host) lwk.ID {
	t.Helper()

	id := loaded(t, h)

	if err := h.Boot(id); err != nil {
		t.Fatal(err)
	}

	if err := h.WaitStatus(context.Background(), id, instance.StatusRunning); err != nil {
		t.Fatal(err)
	}

	return id
}

func state(t *testing.T, h *host.Host, id lwk.ID) instance.State {
	t.Helper()

	s, err := h.State(id)
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	h, env := newHost(t, nil)
	id := loaded(t, h)

	if err := h.SetKargs(id, "hidos"); err != nil {
		t.Fatal(err)
	}

	if err := h.Boot(id); err != nil {
		t.Fatal(err)
	}

	if err := h.WaitStatus(context.Background(), id, instance.StatusRunning); err != nil {
		t.Fatal(err)
	}

	if s := state(t, h, id); s != instance.Running {
		t.Fatalf("state %s, want running", s)
	}

	wakes := env.Cores.Wakes()
	if len(wakes) != 1 || wakes[0].HWID != 4 {
		t.Fatalf("wakes %+v, want only the first cpu (hwid 4)", wakes)
	}

	info, err := h.Describe(id)
	if err != nil {
		t.Fatal(err)
	}

	if len(info.Chunks) != 1 || wakes[0].Entry != info.Chunks[0].Base || info.Kargs != "hidos" {
		t.Fatalf("info %+v, wake %+v", info, wakes[0])
	}

	desc, ok := env.Peer.Descriptor(id)
	if !ok {
		t.Fatal("peer got no descriptor")
	}

	if len(desc.CPUs) != 2 || desc.CPUs[1].HWID != 6 || len(desc.Nodes) != 1 || desc.Nodes[0].HostNode != 0 {
		t.Fatalf("descriptor %+v", desc)
	}

	if desc.Chunks[0].End-desc.Chunks[0].Start != 64*mib {
		t.Fatalf("descriptor chunk %+v", desc.Chunks[0])
	}

	if err := h.Shutdown(id); err != nil {
		t.Fatal(err)
	}

	if s := state(t, h, id); s != instance.Initial {
		t.Fatalf("state after shutdown %s", s)
	}

	if !h.CPUs().InState(cpu.Available).Equals(cpuset.New(2, 3)) {
		t.Fatalf("available cpus %s", h.CPUs().InState(cpu.Available))
	}

	if st := h.Memory().Stats(); st.Used != 0 || st.Free != 256*mib {
		t.Fatalf("memory after shutdown %+v", st)
	}

	if err := h.DestroyInstance(id); err != nil {
		t.Fatal(err)
	}

	if _, err := h.Status(id); !errors.Is(err, lwk.ErrNotFound) {
		t.Fatalf("Status of a destroyed instance = %v, want ErrNotFound", err)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	if n := env.Pages.Outstanding(); n != 0 {
		t.Fatalf("%d granules not returned to the host", n)
	}

	for _, c := range []uint32{2, 3} {
		if env.Cores.IsOffline(c) {
			t.Fatalf("cpu %d not returned to the host", c)
		}
	}
}

func TestBootWithoutCPUs(t *testing.T) {
	t.Parallel()

	h, _ := newHost(t, nil)

	if _, err := h.ReserveMem(context.Background(), 1, memory.Bytes(64*mib)); err != nil {
		t.Fatal(err)
	}

	id := h.CreateInstance()

	if _, err := h.AssignMem(id, 64*mib, 1); err != nil {
		t.Fatal(err)
	}

	if err := h.LoadImage(id, "mckernel.img"); err != nil {
		t.Fatal(err)
	}

	if err := h.Boot(id); !errors.Is(err, lwk.ErrInvalidArgument) {
		t.Fatalf("Boot without cpus = %v, want ErrInvalidArgument", err)
	}

	if s := state(t, h, id); s != instance.Loaded {
		t.Fatalf("state %s, want loaded", s)
	}
}

func TestLoadWithoutMemory(t *testing.T) {
	t.Parallel()

	h, _ := newHost(t, nil)
	id := h.CreateInstance()

	if err := h.LoadImage(id, "mckernel.img"); !errors.Is(err, lwk.ErrInvalidArgument) {
		t.Fatalf("LoadImage without memory = %v, want ErrInvalidArgument", err)
	}

	if s := state(t, h, id); s != instance.Initial {
		t.Fatalf("state %s, want initial", s)
	}
}

func TestWrongStateIsBusy(t *testing.T) {
	t.Parallel()

	h, _ := newHost(t, nil)

	fresh := h.CreateInstance()
	if err := h.Boot(fresh); !errors.Is(err, lwk.ErrBusy) {
		t.Fatalf("Boot of an empty instance = %v, want ErrBusy", err)
	}

	id := running(t, h)

	cases := map[string]func() error{
		"load":    func() error { return h.LoadImage(id, "again.img") },
		"boot":    func() error { return h.Boot(id) },
		"kargs":   func() error { return h.SetKargs(id, "quiet") },
		"destroy": func() error { return h.DestroyInstance(id) },
		"cpus":    func() error { _, err := h.ReleaseCPUsFrom(id); return err },
		"memory":  func() error { _, err := h.AssignMem(id, mib, 0); return err },
		"ikc":     func() error { return h.SetIKCMap(id, nil) },
	}

	for name, f := range cases {
		if err := f(); !errors.Is(err, lwk.ErrBusy) {
			t.Errorf("%s on a running instance = %v, want ErrBusy", name, err)
		}
	}

	if s := state(t, h, id); s != instance.Running {
		t.Fatalf("state %s", s)
	}
}

func TestUnknownInstance(t *testing.T) {
	t.Parallel()

	h, _ := newHost(t, nil)

	if err := h.Boot(42); !errors.Is(err, lwk.ErrNotFound) {
		t.Fatalf("Boot = %v, want ErrNotFound", err)
	}

	if _, err := h.GetIKCMap(42); !errors.Is(err, lwk.ErrNotFound) {
		t.Fatalf("GetIKCMap = %v, want ErrNotFound", err)
	}

	if err := h.NotifyCrash(42); !errors.Is(err, lwk.ErrNotFound) {
		t.Fatalf("NotifyCrash = %v, want ErrNotFound", err)
	}
}

func TestCrash(t *testing.T) {
	t.Parallel()

	h, _ := newHost(t, nil)
	id := running(t, h)

	if err := h.NotifyCrash(id); err != nil {
		t.Fatal(err)
	}

	if s, _ := h.Status(id); s != instance.StatusHungup {
		t.Fatalf("status %s, want hungup", s)
	}

	if err := h.Shutdown(id); !errors.Is(err, lwk.ErrHungup) {
		t.Fatalf("Shutdown of a hung instance = %v, want ErrHungup", err)
	}

	if err := h.DestroyInstance(id); err != nil {
		t.Fatal(err)
	}

	if !h.CPUs().InState(cpu.Available).Equals(cpuset.New(2, 3)) {
		t.Fatalf("available cpus %s", h.CPUs().InState(cpu.Available))
	}

	if err := h.Memory().Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestMonitorFailure(t *testing.T) {
	t.Parallel()

	h, env := newHost(t, nil)
	id := running(t, h)

	env.Monitor.Set(id, instance.ObserveFrozen)

	if err := h.WaitStatus(context.Background(), id, instance.StatusFrozen); err != nil {
		t.Fatal(err)
	}

	env.Monitor.Set(id, instance.ObserveFailed)

	err := h.WaitStatus(context.Background(), id, instance.StatusRunning)
	if !errors.Is(err, lwk.ErrHungup) {
		t.Fatalf("WaitStatus after a failure = %v, want ErrHungup", err)
	}
}

func TestStatusTimeout(t *testing.T) {
	t.Parallel()

	h, env := newHost(t, func(c *host.Config) { c.StatusTimeout = 20 * time.Millisecond })

	id := loaded(t, h)
	env.Peer.Stall(id)

	if err := h.Boot(id); err != nil {
		t.Fatal(err)
	}

	err := h.WaitStatus(context.Background(), id, instance.StatusRunning)
	if !errors.Is(err, lwk.ErrTimeout) {
		t.Fatalf("WaitStatus = %v, want ErrTimeout", err)
	}

	if s, _ := h.Status(id); s != instance.StatusBooting {
		t.Fatalf("status %s, want booting", s)
	}

	if err := h.Shutdown(id); err != nil {
		t.Fatal(err)
	}
}

func TestWakeFailure(t *testing.T) {
	t.Parallel()

	h, env := newHost(t, nil)
	id := loaded(t, h)

	env.Cores.FailWake(4)

	if err := h.Boot(id); !errors.Is(err, lwk.ErrBusy) {
		t.Fatalf("Boot = %v, want ErrBusy", err)
	}

	if s := state(t, h, id); s != instance.Loaded {
		t.Fatalf("state %s, want loaded", s)
	}

	if s, _ := h.Status(id); s != instance.StatusIdle {
		t.Fatalf("status %s, want idle", s)
	}
}

func TestIKCMap(t *testing.T) {
	t.Parallel()

	h, env := newHost(t, nil)
	id := loaded(t, h)

	routes, err := h.GetIKCMap(id)
	if err != nil {
		t.Fatal(err)
	}

	if ikc.Format(routes) != "2-3:0" {
		t.Fatalf("default map %s", ikc.Format(routes))
	}

	other := h.CreateInstance()

	if err := h.ReserveCPUs(cpuset.New(6)); err != nil {
		t.Fatal(err)
	}

	if err := h.AssignCPUs(other, cpuset.New(6)); err != nil {
		t.Fatal(err)
	}

	explicit, _ := ikc.Parse("2:1+3:5")
	if err := h.SetIKCMap(id, explicit); err != nil {
		t.Fatal(err)
	}

	stolen, _ := ikc.Parse("2:6+3:5")
	if err := h.SetIKCMap(id, stolen); !errors.Is(err, lwk.ErrInvalidArgument) {
		t.Fatalf("SetIKCMap to another instance's cpu = %v, want ErrInvalidArgument", err)
	}

	if routes, _ = h.GetIKCMap(id); ikc.Format(routes) != "2:1+3:5" {
		t.Fatalf("map after a rejected update %s", ikc.Format(routes))
	}

	if err := h.Boot(id); err != nil {
		t.Fatal(err)
	}

	desc, ok := env.Peer.Descriptor(id)
	if !ok {
		t.Fatal("peer got no descriptor")
	}

	if desc.CPUs[0].IKCDest != 1 || desc.CPUs[1].IKCDest != 5 {
		t.Fatalf("descriptor routes %+v", desc.CPUs)
	}
}

func TestReserveAll(t *testing.T) {
	t.Parallel()

	h, env := newHost(t, nil)

	before := env.Pages.FreeBytes(1)

	chunks, err := h.ReserveMem(context.Background(), 1, memory.All)
	if err != nil {
		t.Fatal(err)
	}

	var total uint64
	for _, c := range chunks {
		total += c.Size
	}

	if total == 0 || total > before/100*90 {
		t.Fatalf("reserved %d of %d bytes", total, before)
	}

	id := h.CreateInstance()

	got, err := h.AssignAllMem(id, lwk.MaskOf(1))
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != len(h.Memory().Used(id)) || h.Memory().Stats().Free != 0 {
		t.Fatalf("AssignAllMem left %+v", h.Memory().Stats())
	}

	if _, err := h.ReleaseMemFrom(id); err != nil {
		t.Fatal(err)
	}

	released, err := h.PartialRelease(1, 64*mib)
	if err != nil {
		t.Fatal(err)
	}

	if released != 64*mib {
		t.Fatalf("partial release returned %d bytes", released)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	if n := env.Pages.Outstanding(); n != 0 {
		t.Fatalf("%d granules not returned", n)
	}
}

func TestReserveRetryDoesNotBlockHost(t *testing.T) {
	t.Parallel()

	h, env := newHost(t, func(cfg *host.Config) {
		cfg.ReserveTimeout = 2 * time.Second
	})

	done := make(chan error, 1)

	go func() {
		_, err := h.ReserveMem(context.Background(), 1, memory.Bytes(4096*mib))
		done <- err
	}()

	// The first pass takes all of node 1 and keeps retrying for the rest.
	deadline := time.Now().Add(time.Second)
	for env.Pages.FreeBytes(1) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("reservation never started")
		}

		time.Sleep(time.Millisecond)
	}

	start := time.Now()

	if err := h.ReserveCPUs(cpuset.New(4, 5)); err != nil {
		t.Fatal(err)
	}

	id := h.CreateInstance()

	if err := h.AssignCPUs(id, cpuset.New(4, 5)); err != nil {
		t.Fatal(err)
	}

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("cpu operations took %s while a reservation retried", elapsed)
	}

	if err := <-done; !errors.Is(err, lwk.ErrOutOfMemory) {
		t.Fatalf("ReserveMem = %v, want ErrOutOfMemory", err)
	}

	if free := env.Pages.FreeBytes(1); free != 1024*mib {
		t.Fatalf("node 1 has %d free bytes after the failed reservation", free)
	}
}

func TestNewRejectsWideTopology(t *testing.T) {
	t.Parallel()

	env := sim.NewEnv(sim.Machine{
		Memory:       []sim.NodeMemory{{Node: 0, Base: 0x1_0000_0000, Size: 64 * mib}},
		CoresPerNode: 1,
	})
	t.Cleanup(env.Peer.Close)

	deps := env.Deps(nil)
	deps.Topology = &sim.Topology{Nodes: []lwk.Node{0, lwk.MaxNodes}}

	if _, err := host.New(host.Config{}, deps); !errors.Is(err, lwk.ErrInvalidArgument) {
		t.Fatalf("New = %v, want ErrInvalidArgument", err)
	}
}
