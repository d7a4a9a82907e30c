// Package image places a kernel image into the memory of an instance.
package image

import (
	"debug/elf"
	"fmt"
	"io"
	"sort"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/bobuhiro11/golwk/memory"
	"github.com/cockroachdb/errors"
	"golang.org/x/arch/x86/x86asm"
)

// codeWindow is how many bytes at the entry point are kept for Disassemble.
const codeWindow = 64

var (
	ErrorNotExecutable = errors.New("not an executable ELF image")
	ErrorMachine       = errors.New("unsupported ELF machine")
	ErrorNoEntry       = errors.New("entry point outside loadable segments")
	ErrorNotX86        = errors.New("image is not x86-64")
)

// Image is a kernel image placed in instance memory.
type Image struct {
	Path    string
	Machine elf.Machine

	// Entry is the physical address the boot cpu starts at.
	Entry lwk.PhysAddr

	// Segments are the physical ranges the loadable segments occupy.
	Segments []memory.Range

	code []byte
}

// Loader places the image at path into chunks.
type Loader interface {
	Load(path string, chunks []memory.Chunk) (*Image, error)
}

// ELFLoader loads statically linked ELF images. The image is relocated as a
// whole to the lowest assigned chunk, which must hold every segment.
type ELFLoader struct{}

func (ELFLoader) Load(path string, chunks []memory.Chunk) (*Image, error) {
	if len(chunks) == 0 {
		return nil, errors.Wrap(lwk.ErrInvalidArgument, "no memory to load the image into")
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, lwk.Mark(err, lwk.ErrInvalidArgument, "open image "+path)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC {
		return nil, lwk.Mark(ErrorNotExecutable, lwk.ErrInvalidArgument, path)
	}

	if f.Machine != elf.EM_X86_64 && f.Machine != elf.EM_AARCH64 {
		return nil, lwk.Mark(ErrorMachine, lwk.ErrInvalidArgument, fmt.Sprintf("%s: %s", path, f.Machine))
	}

	var loads []*elf.Prog

	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Memsz > 0 {
			loads = append(loads, p)
		}
	}

	if len(loads) == 0 {
		return nil, lwk.Mark(ErrorNoEntry, lwk.ErrInvalidArgument, path)
	}

	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })

	low := loads[0].Vaddr &^ (memory.PageSize - 1)
	high := low

	for _, p := range loads {
		if end := p.Vaddr + p.Memsz; end > high {
			high = end
		}
	}

	sorted := append([]memory.Chunk{}, chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	dst := sorted[0]

	if high-low > dst.Size {
		return nil, errors.Wrapf(lwk.ErrOutOfMemory, "%s needs %d bytes, first chunk %s holds %d",
			path, high-low, dst.Range, dst.Size)
	}

	img := &Image{Path: path, Machine: f.Machine}
	reloc := func(v uint64) lwk.PhysAddr { return dst.Base.Add(v - low) }

	for _, p := range loads {
		img.Segments = append(img.Segments, memory.Range{Base: reloc(p.Vaddr), Size: p.Memsz})

		if f.Entry < p.Vaddr || f.Entry >= p.Vaddr+p.Filesz {
			continue
		}

		img.Entry = reloc(f.Entry)
		img.code = make([]byte, min(codeWindow, p.Vaddr+p.Filesz-f.Entry))

		if _, err := p.ReadAt(img.code, int64(f.Entry-p.Vaddr)); err != nil && !errors.Is(err, io.EOF) {
			return nil, lwk.Mark(err, lwk.ErrInvalidArgument, "read entry of "+path)
		}
	}

	if img.code == nil {
		return nil, lwk.Mark(ErrorNoEntry, lwk.ErrInvalidArgument, path)
	}

	return img, nil
}

// Disassemble decodes at most n instructions at the entry point in GNU
// syntax.
func (img *Image) Disassemble(n int) ([]string, error) {
	if img.Machine != elf.EM_X86_64 {
		return nil, ErrorNotX86
	}

	var out []string

	code, pc := img.code, uint64(img.Entry)

	for len(out) < n && len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			if len(out) == 0 {
				return nil, fmt.Errorf("decoding %#02x: %w", code, err)
			}

			break
		}

		out = append(out, x86asm.GNUSyntax(inst, pc, nil))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}

	return out, nil
}
