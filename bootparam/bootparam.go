// Package bootparam builds the boot descriptor handed to a light-weight
// kernel: its cpus, NUMA nodes, memory chunks and node distances, in one
// little-endian buffer.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/bobuhiro11/golwk/cpu"
	"github.com/bobuhiro11/golwk/ikc"
	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"github.com/cockroachdb/errors"
)

const (
	Magic   = 0x4C574B44 // "LWKD"
	Version = 1

	// DefaultCapacity is the size of the buffer reserved for a descriptor.
	DefaultCapacity = 64 << 10

	NodeMemCPU = 1

	HeaderSize = 24
	CPUSize    = 16
	NodeSize   = 8
	ChunkSize  = 24
)

var (
	ErrorMagicNotMatch = errors.New("magic not match in boot descriptor")
	ErrorVersion       = errors.New("unsupported boot descriptor version")
	ErrorTruncated     = errors.New("boot descriptor truncated")
)

type Header struct {
	Magic    uint32
	Version  uint32
	NrCPUs   uint32
	NrNodes  uint32
	NrChunks uint32
	_        uint32
}

// CPU describes one instance cpu. Node is the instance node number.
type CPU struct {
	HWID    uint32
	Node    uint32
	IKCDest uint32
	_       uint32
}

// Node maps an instance node to the host node it stands for.
type Node struct {
	HostNode uint32
	Type     uint32
}

// Chunk is the memory range [Start, End) on instance node Node.
type Chunk struct {
	Start uint64
	End   uint64
	Node  uint32
	_     uint32
}

type Descriptor struct {
	Header   Header
	CPUs     []CPU
	Nodes    []Node
	Chunks   []Chunk
	Distance []uint32
}

// Size returns the encoded length of a descriptor with the given counts.
func Size(cpus, nodes, chunks int) int {
	return HeaderSize + cpus*CPUSize + nodes*NodeSize + chunks*ChunkSize + nodes*nodes*4
}

// Resources are the resources of the instance being booted.
type Resources struct {
	CPUs   []cpu.Core
	Routes []ikc.Route
	Chunks []memory.Chunk
}

// New builds the descriptor of res. The instance sees the host nodes it has
// cpus or memory on, renumbered from 0 in increasing host order.
func New(res Resources, topo lwk.Topology, capacity int) (*Descriptor, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	var mask lwk.NodeMask
	for _, c := range res.CPUs {
		mask = mask.Set(c.Node)
	}

	for _, c := range res.Chunks {
		mask = mask.Set(c.Node)
	}

	hostNodes := mask.Nodes()

	if n := Size(len(res.CPUs), len(hostNodes), len(res.Chunks)); n > capacity {
		return nil, errors.Wrapf(lwk.ErrInvalidArgument,
			"descriptor of %d cpus, %d nodes, %d chunks needs %d bytes, capacity %d",
			len(res.CPUs), len(hostNodes), len(res.Chunks), n, capacity)
	}

	local := make(map[lwk.Node]uint32, len(hostNodes))
	for i, n := range hostNodes {
		local[n] = uint32(i)
	}

	dest := make(map[uint32]uint32, len(res.Routes))
	for _, rt := range res.Routes {
		dest[rt.Src] = rt.Dst
	}

	d := &Descriptor{
		Header: Header{
			Magic:    Magic,
			Version:  Version,
			NrCPUs:   uint32(len(res.CPUs)),
			NrNodes:  uint32(len(hostNodes)),
			NrChunks: uint32(len(res.Chunks)),
		},
	}

	for _, c := range res.CPUs {
		dst, ok := dest[c.LogicalID]
		if !ok {
			return nil, errors.Wrapf(lwk.ErrInvalidArgument, "cpu %d has no ikc route", c.LogicalID)
		}

		d.CPUs = append(d.CPUs, CPU{HWID: c.HWID, Node: local[c.Node], IKCDest: dst})
	}

	for _, n := range hostNodes {
		d.Nodes = append(d.Nodes, Node{HostNode: uint32(n), Type: NodeMemCPU})
	}

	chunks := append([]memory.Chunk{}, res.Chunks...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Base < chunks[j].Base })

	for _, c := range chunks {
		d.Chunks = append(d.Chunks, Chunk{
			Start: uint64(c.Base),
			End:   uint64(c.End()),
			Node:  local[c.Node],
		})
	}

	for _, a := range hostNodes {
		for _, b := range hostNodes {
			d.Distance = append(d.Distance, topo.Distance(a, b))
		}
	}

	return d, nil
}

// Len returns the encoded length of d.
func (d *Descriptor) Len() int {
	return Size(len(d.CPUs), len(d.Nodes), len(d.Chunks))
}

func (d *Descriptor) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(d.Len())

	for _, v := range []any{&d.Header, d.CPUs, d.Nodes, d.Chunks, d.Distance} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return []byte{}, err
		}
	}

	return buf.Bytes(), nil
}

// NodeDistance returns the distance between instance nodes i and j.
func (d *Descriptor) NodeDistance(i, j int) uint32 {
	return d.Distance[i*len(d.Nodes)+j]
}

// Parse decodes a descriptor written by Bytes.
func Parse(b []byte) (*Descriptor, error) {
	d := &Descriptor{}
	reader := bytes.NewReader(b)

	if err := binary.Read(reader, binary.LittleEndian, &d.Header); err != nil {
		return nil, lwk.Mark(ErrorTruncated, lwk.ErrInvalidArgument, "parse header")
	}

	if d.Header.Magic != Magic {
		return nil, lwk.Mark(ErrorMagicNotMatch, lwk.ErrInvalidArgument, "parse header")
	}

	if d.Header.Version != Version {
		return nil, lwk.Mark(ErrorVersion, lwk.ErrInvalidArgument, "parse header")
	}

	h := d.Header
	if !fits(h, uint64(len(b))) {
		return nil, lwk.Mark(ErrorTruncated, lwk.ErrInvalidArgument, "parse records")
	}

	nodes := int(h.NrNodes)

	d.CPUs = make([]CPU, h.NrCPUs)
	d.Nodes = make([]Node, nodes)
	d.Chunks = make([]Chunk, h.NrChunks)
	d.Distance = make([]uint32, nodes*nodes)

	for _, v := range []any{d.CPUs, d.Nodes, d.Chunks, d.Distance} {
		if err := binary.Read(reader, binary.LittleEndian, v); err != nil {
			return nil, lwk.Mark(err, lwk.ErrInvalidArgument, "parse records")
		}
	}

	return d, nil
}

// fits reports whether the records counted by h fit in n bytes. Each count
// is bounded by n before any product is formed.
func fits(h Header, n uint64) bool {
	cpus, nodes, chunks := uint64(h.NrCPUs), uint64(h.NrNodes), uint64(h.NrChunks)

	if cpus > n/CPUSize || nodes > n/NodeSize || chunks > n/ChunkSize {
		return false
	}

	size := HeaderSize + cpus*CPUSize + nodes*NodeSize + chunks*ChunkSize + nodes*nodes*4

	return size <= n
}
