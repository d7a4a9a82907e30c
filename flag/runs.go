package flag

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/golwk/bootparam"
	"github.com/bobuhiro11/golwk/host"
	"github.com/bobuhiro11/golwk/image"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"github.com/bobuhiro11/golwk/probe"
	"github.com/bobuhiro11/golwk/sim"
	"github.com/bobuhiro11/golwk/snapshot"
	"github.com/sirupsen/logrus"
)

type CLI struct {
	LogLevel string `help:"log level" enum:"debug,info,warn,error" default:"info"`

	Simulate SimulateCMD `cmd:"" help:"Partition a simulated host as a plan says and boot its instances."`
	Show     ShowCMD     `cmd:"" help:"Print a saved snapshot."`
	Probe    ProbeCMD    `cmd:"" help:"Print the topology and free memory of a simulated host."`
	Image    ImageCMD    `cmd:"" help:"Print the entry point of a kernel image."`
	Decode   DecodeCMD   `cmd:"" help:"Print a boot descriptor."`
}

type SimulateCMD struct {
	Config `embed:""`

	Plan       string `help:"plan file" type:"existingfile" required:""`
	Save       string `help:"write a snapshot of the final state to this file"`
	Descriptor string `help:"write the boot descriptor of the first booted instance to this file"`
}

type ShowCMD struct {
	File string `arg:"" help:"snapshot file" type:"existingfile"`
}

type ProbeCMD struct {
	Plan string `help:"plan file" type:"existingfile" required:""`
}

type ImageCMD struct {
	Path  string `arg:"" help:"ELF image" type:"existingfile"`
	Base  string `help:"physical address the image is placed at" default:"0x100000000"`
	Count int    `help:"number of entry instructions to print" default:"8"`
}

type DecodeCMD struct {
	File string `arg:"" help:"boot descriptor file" type:"existingfile"`
}

// Parse runs the command line of the process.
func Parse() error {
	return Run(os.Args[1:], os.Stdout)
}

// Run parses args and runs the selected command, printing to w.
func Run(args []string, w io.Writer) error {
	c := CLI{}

	programName := "golwk"
	programDesc := "golwk partitions cpus and memory between the host and light-weight kernels"

	parser, err := kong.New(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.BindTo(w, (*io.Writer)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	return ctx.Run()
}

func (s *SimulateCMD) Run(w io.Writer) error {
	plan, err := LoadPlan(s.Plan)
	if err != nil {
		return err
	}

	m, err := plan.Sim()
	if err != nil {
		return err
	}

	cfg, err := s.HostConfig()
	if err != nil {
		return err
	}

	env := sim.NewEnv(m)
	defer env.Peer.Close()

	h, err := host.New(cfg, env.Deps(loader{}))
	if err != nil {
		return err
	}

	ctx := context.Background()

	ids, applyErr := plan.Apply(ctx, h)

	snap := snapshot.Capture(h)
	if err := snap.Print(w); err != nil {
		return err
	}

	if s.Descriptor != "" {
		if err := writeDescriptor(s.Descriptor, env.Peer, ids); err != nil {
			return err
		}
	}

	if s.Save != "" {
		if err := snapshot.Save(ctx, s.Save, snap); err != nil {
			return err
		}
	}

	if applyErr != nil {
		_ = h.Close()

		return applyErr
	}

	return h.Close()
}

func writeDescriptor(path string, peer *sim.Peer, ids []lwk.ID) error {
	for _, id := range ids {
		d, ok := peer.Descriptor(id)
		if !ok {
			continue
		}

		raw, err := d.Bytes()
		if err != nil {
			return err
		}

		return os.WriteFile(path, raw, 0o600)
	}

	return fmt.Errorf("no instance is running to take a descriptor from: %w", lwk.ErrNotFound)
}

func (s *ShowCMD) Run(w io.Writer) error {
	snap, err := snapshot.Load(context.Background(), s.File)
	if err != nil {
		return err
	}

	return snap.Print(w)
}

func (p *ProbeCMD) Run(w io.Writer) error {
	plan, err := LoadPlan(p.Plan)
	if err != nil {
		return err
	}

	m, err := plan.Sim()
	if err != nil {
		return err
	}

	env := sim.NewEnv(m)
	defer env.Peer.Close()

	probe.Topology(w, env.Topology, env.Pages, env.Layout)

	return nil
}

func (i *ImageCMD) Run(w io.Writer) error {
	base, err := strconv.ParseUint(i.Base, 0, 64)
	if err != nil {
		return fmt.Errorf("base: %w", err)
	}

	// A chunk as large as the address space left above base.
	chunk := memory.Chunk{Range: memory.Range{Base: lwk.PhysAddr(base), Size: 1 << 40}}

	img, err := image.ELFLoader{}.Load(i.Path, []memory.Chunk{chunk})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s: %s entry %s\n", img.Path, img.Machine, img.Entry)

	for _, s := range img.Segments {
		fmt.Fprintf(w, "  segment %s\n", s)
	}

	insts, err := img.Disassemble(i.Count)
	if err != nil {
		fmt.Fprintf(w, "  (%v)\n", err)

		return nil
	}

	for _, inst := range insts {
		fmt.Fprintf(w, "  %s\n", inst)
	}

	return nil
}

func (d *DecodeCMD) Run(w io.Writer) error {
	raw, err := os.ReadFile(d.File)
	if err != nil {
		return err
	}

	desc, err := bootparam.Parse(raw)
	if err != nil {
		return err
	}

	h := desc.Header
	fmt.Fprintf(w, "version %d: %d cpus, %d nodes, %d chunks (%d bytes)\n",
		h.Version, h.NrCPUs, h.NrNodes, h.NrChunks, desc.Len())

	for i, c := range desc.CPUs {
		fmt.Fprintf(w, "cpu %d: hwid %#x node %d ikc %d\n", i, c.HWID, c.Node, c.IKCDest)
	}

	for i, n := range desc.Nodes {
		fmt.Fprintf(w, "node %d: host node %d type %d\n", i, n.HostNode, n.Type)
	}

	for i, c := range desc.Chunks {
		fmt.Fprintf(w, "chunk %d: [%#x-%#x) node %d\n", i, c.Start, c.End, c.Node)
	}

	for i := range desc.Nodes {
		row := make([]uint32, len(desc.Nodes))
		for j := range row {
			row[j] = desc.NodeDistance(i, j)
		}

		fmt.Fprintf(w, "distance %d: %v\n", i, row)
	}

	return nil
}
