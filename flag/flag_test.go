package flag_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/golwk/flag"
	"github.com/bobuhiro11/golwk/host"
	"github.com/bobuhiro11/golwk/instance"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/sim"
	"github.com/cockroachdb/errors"
)

const plan = `
machine:
  nodes:
  - node: 0
    base: "0x100000000"
    size: 1G
  coresPerNode: 4
  step: 1ms
reserve:
  cpus: "2-3"
  memory:
  - node: 0
    size: "256"
instances:
- cpus: "2-3"
  memory:
  - node: 0
    size: "64"
  ikc: "2:0+3:1"
  kargs: hidos
  boot: true
`

func writePlan(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in, unit string
		want     int
	}{
		{"1G", "", 1 << 30},
		{"2m", "", 2 << 20},
		{"4", "k", 4 << 10},
		{"0x10", "", 16},
		{"64", "m", 64 << 20},
	} {
		got, err := flag.ParseSize(tt.in, tt.unit)
		if err != nil {
			t.Fatal(err)
		}

		if got != tt.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.in, tt.unit, got, tt.want)
		}
	}

	for _, in := range []string{"", "G", "1x"} {
		if _, err := flag.ParseSize(in, ""); err == nil {
			t.Errorf("ParseSize(%q) succeeded", in)
		}
	}

	if got, err := flag.ParseSize("8589934591G", ""); err != nil || got != 8589934591<<30 {
		t.Fatalf("ParseSize of the largest gigabyte count = %d, %v", got, err)
	}

	for _, in := range []string{"8589934592G", "0x800000000000M", "0xffffffffffffffffk"} {
		if n, err := flag.ParseSize(in, ""); !errors.Is(err, strconv.ErrRange) {
			t.Errorf("ParseSize(%q) = %d, %v, want ErrRange", in, n, err)
		}
	}
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	all, err := flag.ParseAmount("ALL")
	if err != nil {
		t.Fatal(err)
	}

	if !all.IsAll() {
		t.Fatal("ALL is not All")
	}

	n, err := flag.ParseAmount("128")
	if err != nil {
		t.Fatal(err)
	}

	if n.IsAll() || n.Bytes() != 128<<20 {
		t.Fatalf("ParseAmount(128) = %s", n)
	}

	if a, err := flag.ParseAmount("17592186044416"); err == nil {
		t.Fatalf("ParseAmount of 2^64 bytes = %s", a)
	}
}

func TestHostConfig(t *testing.T) {
	t.Parallel()

	c := flag.Config{
		MaxOrder:           8,
		MinChunkSize:       "256",
		MaxRatioAll:        80,
		ReserveTimeout:     time.Second,
		IKCVectors:         4,
		DescriptorCapacity: "16",
	}

	cfg, err := c.HostConfig()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.MinChunkSize != 256<<10 || cfg.DescriptorCapacity != 16<<10 {
		t.Fatalf("sizes: %d %d", cfg.MinChunkSize, cfg.DescriptorCapacity)
	}

	if cfg.Memory.MaxOrder != 8 || cfg.MaxRatioAll != 80 || cfg.IKCVectors != 4 {
		t.Fatalf("config: %+v", cfg)
	}

	c.MinChunkSize = "lots"
	if _, err := c.HostConfig(); err == nil {
		t.Fatal("bad min chunk size accepted")
	}
}

func TestLoadPlan(t *testing.T) {
	t.Parallel()

	p, err := flag.LoadPlan(writePlan(t, plan))
	if err != nil {
		t.Fatal(err)
	}

	m, err := p.Sim()
	if err != nil {
		t.Fatal(err)
	}

	if len(m.Memory) != 1 || m.Memory[0].Base != 0x1_0000_0000 || m.Memory[0].Size != 1<<30 {
		t.Fatalf("memory: %+v", m.Memory)
	}

	if m.Step != time.Millisecond || m.CoresPerNode != 4 {
		t.Fatalf("machine: %+v", m)
	}

	if _, err := flag.LoadPlan(writePlan(t, "machine:\n  cores: 4\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func newHost(t *testing.T, p *flag.Plan) *host.Host {
	t.Helper()

	m, err := p.Sim()
	if err != nil {
		t.Fatal(err)
	}

	env := sim.NewEnv(m)
	t.Cleanup(env.Peer.Close)

	h, err := host.New(host.Config{StatusInterval: time.Millisecond}, env.Deps(nil))
	if err != nil {
		t.Fatal(err)
	}

	return h
}

func TestApply(t *testing.T) {
	t.Parallel()

	p, err := flag.LoadPlan(writePlan(t, plan))
	if err != nil {
		t.Fatal(err)
	}

	h := newHost(t, p)

	ids, err := p.Apply(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}

	if len(ids) != 1 {
		t.Fatalf("ids = %v", ids)
	}

	if st, _ := h.Status(ids[0]); st != instance.StatusRunning {
		t.Fatalf("status = %s", st)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestApplyUnreservedCPUs(t *testing.T) {
	t.Parallel()

	p, err := flag.LoadPlan(writePlan(t, plan))
	if err != nil {
		t.Fatal(err)
	}

	p.Reserve.CPUs = ""
	h := newHost(t, p)

	ids, err := p.Apply(context.Background(), h)
	if !errors.Is(err, lwk.ErrBusy) {
		t.Fatalf("Apply = %v, want ErrBusy", err)
	}

	if len(ids) != 1 {
		t.Fatalf("ids = %v", ids)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	planPath := writePlan(t, plan)
	snapPath := filepath.Join(dir, "state.snap")
	descPath := filepath.Join(dir, "boot.desc")

	var out bytes.Buffer
	if err := flag.Run([]string{
		"--log-level", "warn", "simulate",
		"--plan", planPath, "--save", snapPath, "--descriptor", descPath,
	}, &out); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out.String(), "running") {
		t.Fatalf("simulate printed:\n%s", out.String())
	}

	out.Reset()

	if err := flag.Run([]string{"show", snapPath}, &out); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out.String(), "2:0+3:1") {
		t.Fatalf("show printed:\n%s", out.String())
	}

	out.Reset()

	if err := flag.Run([]string{"decode", descPath}, &out); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"version 1: 2 cpus, 1 nodes",
		"cpu 0: hwid 0x4 node 0 ikc 0",
		"cpu 1: hwid 0x6 node 0 ikc 1",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("decode printed:\n%s\nwant %q", out.String(), want)
		}
	}

	out.Reset()

	if err := flag.Run([]string{"probe", "--plan", planPath}, &out); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out.String(), "node 0: cpus 0-3") {
		t.Fatalf("probe printed:\n%s", out.String())
	}
}
