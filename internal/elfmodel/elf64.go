// Package elfmodel parses the two ELF objects this patcher ever has to
// understand: the relocatable patch (.o, ET_REL) and the target binary or
// shared library the patch is aimed at. It never uses debug/elf's File
// parser — like the teacher's own elf.go/elf_complete.go, it reads the
// structures by hand so that section offsets can be repurposed later
// (see PlacedSection in package layout) the way the relocator needs.
package elfmodel

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// MalformedElfError reports that section/program header data falls outside
// the bounds of the file, or some other structural invariant was violated.
type MalformedElfError struct {
	Reason string
}

func (e *MalformedElfError) Error() string {
	return fmt.Sprintf("malformed ELF: %s", e.Reason)
}

// Ehdr64 mirrors Elf64_Ehdr. Field widths match the on-disk layout exactly,
// so it can be read directly with encoding/binary.
type Ehdr64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Shdr64 mirrors Elf64_Shdr.
type Shdr64 struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Phdr64 mirrors Elf64_Phdr.
type Phdr64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Sym64 mirrors Elf64_Sym.
type Sym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func (s Sym64) Type() elf.SymType { return elf.SymType(s.Info & 0xf) }
func (s Sym64) Bind() elf.SymBind { return elf.SymBind(s.Info >> 4) }

// Rela64 mirrors Elf64_Rela.
type Rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (r Rela64) Sym() uint32  { return uint32(r.Info >> 32) }
func (r Rela64) Type() uint32 { return uint32(r.Info) }

// Dyn64 mirrors Elf64_Dyn.
type Dyn64 struct {
	Tag int64
	Val uint64
}

// SHN_LIVEPATCH is a custom reserved section index used by patch symbol
// tables to mark a symbol as pre-resolved (spec.md §4.E).
const SHN_LIVEPATCH = 0xff20

const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relaSize = 24
	phdrSize = 56
)

// rawELF holds the raw bytes and the decoded top-level tables common to
// both PatchObject and TargetObject.
type rawELF struct {
	data  []byte
	ehdr  Ehdr64
	shdrs []Shdr64
	phdrs []Phdr64

	shstrtab []byte
}

func parseRawELF(data []byte) (*rawELF, error) {
	if len(data) < ehdrSize {
		return nil, &MalformedElfError{"file shorter than ELF header"}
	}
	if !bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, &MalformedElfError{"bad magic"}
	}
	if data[4] != 2 {
		return nil, &MalformedElfError{"not ELFCLASS64"}
	}

	r := &rawELF{data: data}
	if err := binary.Read(bytes.NewReader(data[:ehdrSize]), binary.LittleEndian, &r.ehdr); err != nil {
		return nil, &MalformedElfError{"cannot decode ELF header: " + err.Error()}
	}

	if err := r.checkRange(r.ehdr.Shoff, uint64(r.ehdr.Shnum)*uint64(r.ehdr.Shentsize)); err != nil {
		return nil, err
	}
	r.shdrs = make([]Shdr64, r.ehdr.Shnum)
	for i := range r.shdrs {
		off := r.ehdr.Shoff + uint64(i)*uint64(r.ehdr.Shentsize)
		if err := binary.Read(bytes.NewReader(data[off:off+shdrSize]), binary.LittleEndian, &r.shdrs[i]); err != nil {
			return nil, &MalformedElfError{"cannot decode section header"}
		}
	}

	if err := r.checkRange(r.ehdr.Phoff, uint64(r.ehdr.Phnum)*uint64(r.ehdr.Phentsize)); err != nil {
		return nil, err
	}
	r.phdrs = make([]Phdr64, r.ehdr.Phnum)
	for i := range r.phdrs {
		off := r.ehdr.Phoff + uint64(i)*uint64(r.ehdr.Phentsize)
		if err := binary.Read(bytes.NewReader(data[off:off+phdrSize]), binary.LittleEndian, &r.phdrs[i]); err != nil {
			return nil, &MalformedElfError{"cannot decode program header"}
		}
	}

	if int(r.ehdr.Shstrndx) >= len(r.shdrs) {
		return nil, &MalformedElfError{"shstrndx out of range"}
	}
	shstrtabHdr := r.shdrs[r.ehdr.Shstrndx]
	if err := r.checkRange(shstrtabHdr.Offset, shstrtabHdr.Size); err != nil {
		return nil, err
	}
	r.shstrtab = data[shstrtabHdr.Offset : shstrtabHdr.Offset+shstrtabHdr.Size]

	return r, nil
}

// checkRange validates that [off, off+size) lies inside the file.
func (r *rawELF) checkRange(off, size uint64) error {
	if off > uint64(len(r.data)) || size > uint64(len(r.data))-off {
		return &MalformedElfError{"section/program header data out of file bounds"}
	}
	return nil
}

func (r *rawELF) sectionName(s Shdr64) string {
	return cstr(r.shstrtab, s.Name)
}

func (r *rawELF) sectionData(s Shdr64) ([]byte, error) {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil, nil
	}
	if err := r.checkRange(s.Offset, s.Size); err != nil {
		return nil, err
	}
	return r.data[s.Offset : s.Offset+s.Size], nil
}

func (r *rawELF) findSectionByName(name string) (int, *Shdr64) {
	for i := range r.shdrs {
		if r.sectionName(r.shdrs[i]) == name {
			return i, &r.shdrs[i]
		}
	}
	return -1, nil
}

func (r *rawELF) findSectionByType(t elf.SectionType) (int, *Shdr64) {
	for i := range r.shdrs {
		if elf.SectionType(r.shdrs[i].Type) == t {
			return i, &r.shdrs[i]
		}
	}
	return -1, nil
}

func cstr(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return string(b[off:])
	}
	return string(b[off : int(off)+end])
}

// readSyms decodes a SYMTAB-shaped section's raw bytes into Sym64 records.
func readSyms(data []byte) ([]Sym64, error) {
	if len(data)%symSize != 0 {
		return nil, &MalformedElfError{"symbol table size not a multiple of entry size"}
	}
	n := len(data) / symSize
	out := make([]Sym64, n)
	for i := 0; i < n; i++ {
		if err := binary.Read(bytes.NewReader(data[i*symSize:(i+1)*symSize]), binary.LittleEndian, &out[i]); err != nil {
			return nil, &MalformedElfError{"cannot decode symbol"}
		}
	}
	return out, nil
}

// readRelas decodes an SHT_RELA section's raw bytes into Rela64 records.
func readRelas(data []byte) ([]Rela64, error) {
	if len(data)%relaSize != 0 {
		return nil, &MalformedElfError{"rela table size not a multiple of entry size"}
	}
	n := len(data) / relaSize
	out := make([]Rela64, n)
	for i := 0; i < n; i++ {
		if err := binary.Read(bytes.NewReader(data[i*relaSize:(i+1)*relaSize]), binary.LittleEndian, &out[i]); err != nil {
			return nil, &MalformedElfError{"cannot decode rela entry"}
		}
	}
	return out, nil
}

// StripVersion removes a "@version" or "@@version" suffix from a dynamic
// symbol name, per spec.md §4.E's resolver matching rule. It is a pure
// view, not an in-place mutation of the backing string (spec.md §9).
func StripVersion(name string) string {
	if i := bytes.IndexByte([]byte(name), '@'); i >= 0 {
		return name[:i]
	}
	return name
}
