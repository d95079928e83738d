// Package layout assembles a patch object's allocatable sections into one
// contiguous staging image in the spec's five-pass order — jump table,
// text, rodata, ro-after-init, rw, tail — then finds somewhere in the
// target's address space to put it and commits it there. It replaces the
// teacher pack's codegen_elf_writer.go fixed single-segment layout with
// the PlacedSection table spec.md §9's REDESIGN FLAGS call for, since a
// patch here is placed into someone else's running address space rather
// than written out as a new standalone ELF file.
package layout

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/xyproto/upatch-manage/internal/elfmodel"
	"github.com/xyproto/upatch-manage/internal/reloc"
)

// PlacedSection records where one patch section ended up: its bytes in
// the staging blob, and (once placement is final) its remote address.
type PlacedSection struct {
	Index  int
	Name   string
	Staging []byte
	Offset  uint64 // offset within the staging blob
	Remote  uint64 // filled in by PlaceAt
	Len     uint64
	Prot    Prot
}

// Prot is the final memory protection a placed section needs once the
// patch is live, independent of how it's initially mmap'd (always RW so
// its bytes/relocations can be written, then tightened).
type Prot int

const (
	ProtRX Prot = iota
	ProtR
	ProtRW
)

// Layout is the result of one Plan() call: a staging blob plus the
// per-section placement table, and (after PlaceAt) the jump table and
// info trailer's remote addresses.
type Layout struct {
	Staging []byte
	Sections []*PlacedSection // in final blob order
	byIndex  map[int]*PlacedSection

	JumpTableOffset uint64
	JumpTableLen    uint64
	InfoOffset      uint64
	InfoLen         uint64

	RemoteBase uint64
}

// SectionAddr resolves a patch section index to its final remote address,
// satisfying resolve.SectionAddr once PlaceAt has run.
func (l *Layout) SectionAddr(shndx int) (uint64, bool) {
	ps, ok := l.byIndex[shndx]
	if !ok {
		return 0, false
	}
	return ps.Remote, true
}

// SectionByIndex returns the PlacedSection for a patch section index, for
// callers (package upatch's relocation pass) that need its Offset/Remote
// pair rather than just the resolved address.
func (l *Layout) SectionByIndex(shndx int) (*PlacedSection, bool) {
	ps, ok := l.byIndex[shndx]
	return ps, ok
}

func align(v uint64, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// classify buckets one SHF_ALLOC section into one of the five passes:
// executable code first, then read-only data, then the ro-after-init
// class glibc/gcc mark with a distinct section name, then writable data,
// then zero-fill tail.
func classify(name string, flags uint64) int {
	const (
		write = uint64(elf.SHF_WRITE)
		exec  = uint64(elf.SHF_EXECINSTR)
	)
	switch {
	case flags&exec != 0:
		return 0 // text
	case name == ".data.rel.ro" || name == ".data.rel.ro.local":
		return 2 // ro-after-init
	case flags&write == 0:
		return 1 // rodata
	default:
		return 3 // rw (tail/NOBITS sections are pulled out separately below)
	}
}

// Plan lays out every SHF_ALLOC section of patch, in five-pass order, and
// reserves room at the front for jt's current contents and at the back for
// an 8-byte-aligned info block of infoLen bytes. The patch's symtab and
// strtab are not copied into the blob.
func Plan(patch *elfmodel.PatchObject, jt *reloc.JumpTable, infoLen int) (*Layout, error) {
	l := &Layout{byIndex: map[int]*PlacedSection{}}

	type bucketed struct {
		idx   int
		name  string
		data  []byte
		align uint64
		size  uint64
		pass  int
		nobits bool
	}
	var items []bucketed

	for i, sh := range patch.Sections() {
		if sh.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		name := patch.SectionName(i)
		data, err := patch.SectionData(i)
		if err != nil {
			return nil, err
		}
		nobits := sh.Type == uint32(elf.SHT_NOBITS)
		pass := classify(name, sh.Flags)
		if nobits {
			pass = 4 // tail, placed after rw regardless of its own flags
		}
		al := sh.Addralign
		if al == 0 {
			al = 1
		}
		items = append(items, bucketed{idx: i, name: name, data: data, align: al, size: sh.Size, pass: pass, nobits: nobits})
	}

	sort.SliceStable(items, func(a, b int) bool { return items[a].pass < items[b].pass })

	var blob []byte
	// Jump table first.
	if jt.Len() > 0 {
		blob = append(blob, jt.Bytes()...)
	}
	l.JumpTableOffset = 0
	l.JumpTableLen = uint64(len(blob))

	for _, it := range items {
		off := align(uint64(len(blob)), it.align)
		for uint64(len(blob)) < off {
			blob = append(blob, 0)
		}
		ps := &PlacedSection{Index: it.idx, Name: it.name, Offset: off, Len: it.size, Prot: protFor(it.pass)}
		if it.nobits {
			blob = append(blob, make([]byte, it.size)...)
		} else {
			ps.Staging = it.data
			blob = append(blob, it.data...)
			if uint64(len(it.data)) < it.size {
				blob = append(blob, make([]byte, it.size-uint64(len(it.data)))...)
			}
		}
		l.Sections = append(l.Sections, ps)
		l.byIndex[it.idx] = ps
	}

	l.InfoOffset = align(uint64(len(blob)), 8)
	for uint64(len(blob)) < l.InfoOffset {
		blob = append(blob, 0)
	}
	blob = append(blob, make([]byte, infoLen)...)
	l.InfoLen = uint64(infoLen)

	l.Staging = blob
	return l, nil
}

func protFor(pass int) Prot {
	switch pass {
	case 0:
		return ProtRX
	case 1, 2:
		return ProtR
	default:
		return ProtRW
	}
}

// PlaceAt fixes the layout's remote base address, filling in every
// section's Remote field.
func (l *Layout) PlaceAt(base uint64) {
	l.RemoteBase = base
	for _, ps := range l.Sections {
		ps.Remote = base + ps.Offset
	}
}

// JumpTableBase returns the jump table's remote address once PlaceAt has
// run.
func (l *Layout) JumpTableBase() uint64 { return l.RemoteBase + l.JumpTableOffset }

// InfoBase returns the info-block trailer's remote address.
func (l *Layout) InfoBase() uint64 { return l.RemoteBase + l.InfoOffset }

// Len is the total staging blob size, what must be mmap'd remotely.
func (l *Layout) Len() uint64 { return uint64(len(l.Staging)) }

// SectionRemote returns the remote address inSectionOffset bytes into
// placed section shndx, or an error if that section was not placed (used
// to translate a .upatch.funcs NewAddr, which is section-relative in the
// object file, into a final remote address).
func (l *Layout) SectionRemote(shndx int, inSectionOffset uint64) (uint64, error) {
	ps, ok := l.byIndex[shndx]
	if !ok {
		return 0, fmt.Errorf("section %d was not placed", shndx)
	}
	return ps.Remote + inSectionOffset, nil
}
