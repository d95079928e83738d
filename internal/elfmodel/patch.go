package elfmodel

import (
	"debug/elf"
	"fmt"
)

// UpatchFunc is one record of the patch's .upatch.funcs section, in file
// order: { new_addr, new_size, old_addr, old_size, sympos, name_ptr }.
// name_ptr is an offset into .upatch.strings, resolved to Name below.
type UpatchFunc struct {
	NewAddr uint64
	NewSize uint64
	OldAddr uint64
	OldSize uint64
	Sympos  uint64
	Name    string
}

const upatchFuncRecSize = 6 * 8

// PatchObject is the parsed, indexed relocatable patch object (spec.md §3,
// component A). It is mutated in place as layout/relocation proceed; a
// successful apply transfers ownership of its remote region to the
// target Process.
type PatchObject struct {
	raw *rawELF

	SymtabIdx int
	StrtabIdx int
	Symtab    []Sym64
	Strtab    []byte

	UpatchFuncsIdx   int
	UpatchStringsIdx int
	Funcs            []UpatchFunc

	// Layout is filled in by package layout once placement has run; it
	// starts nil and is a *layout.Layout in practice, but elfmodel can't
	// import layout (would cycle), so callers stash an opaque pointer.
	Layout any
}

// LoadPatchObject parses data, the patch file's bytes, as an ET_REL patch
// object per spec.md §4.A.
func LoadPatchObject(data []byte) (*PatchObject, error) {
	raw, err := parseRawELF(data)
	if err != nil {
		return nil, err
	}
	if elf.Type(raw.ehdr.Type) != elf.ET_REL {
		return nil, &MalformedElfError{"patch object is not ET_REL"}
	}

	p := &PatchObject{raw: raw}

	symIdx, symHdr := raw.findSectionByType(elf.SHT_SYMTAB)
	if symHdr == nil {
		return nil, &MalformedElfError{"patch object has no SYMTAB section"}
	}
	symData, err := raw.sectionData(*symHdr)
	if err != nil {
		return nil, err
	}
	syms, err := readSyms(symData)
	if err != nil {
		return nil, err
	}
	p.SymtabIdx = symIdx
	p.Symtab = syms
	p.StrtabIdx = int(symHdr.Link)
	if p.StrtabIdx < 0 || p.StrtabIdx >= len(raw.shdrs) {
		return nil, &MalformedElfError{"symtab sh_link out of range"}
	}
	p.Strtab, err = raw.sectionData(raw.shdrs[p.StrtabIdx])
	if err != nil {
		return nil, err
	}

	funcsIdx, funcsHdr := raw.findSectionByName(".upatch.funcs")
	if funcsHdr == nil {
		return nil, &MalformedElfError{"patch object missing .upatch.funcs"}
	}
	if funcsHdr.Size == 0 || funcsHdr.Size%upatchFuncRecSize != 0 {
		return nil, &MalformedElfError{fmt.Sprintf(".upatch.funcs size %d is not a positive multiple of %d", funcsHdr.Size, upatchFuncRecSize)}
	}
	funcsData, err := raw.sectionData(*funcsHdr)
	if err != nil {
		return nil, err
	}

	stringsIdx, stringsHdr := raw.findSectionByName(".upatch.strings")
	if stringsHdr == nil {
		return nil, &MalformedElfError{"patch object missing .upatch.strings"}
	}
	stringsData, err := raw.sectionData(*stringsHdr)
	if err != nil {
		return nil, err
	}

	p.UpatchFuncsIdx = funcsIdx
	p.UpatchStringsIdx = stringsIdx
	p.Funcs, err = decodeUpatchFuncs(funcsData, stringsData)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func decodeUpatchFuncs(funcsData, stringsData []byte) ([]UpatchFunc, error) {
	n := len(funcsData) / upatchFuncRecSize
	out := make([]UpatchFunc, n)
	for i := 0; i < n; i++ {
		rec := funcsData[i*upatchFuncRecSize : (i+1)*upatchFuncRecSize]
		out[i] = UpatchFunc{
			NewAddr: le64(rec[0:8]),
			NewSize: le64(rec[8:16]),
			OldAddr: le64(rec[16:24]),
			OldSize: le64(rec[24:32]),
			Sympos:  le64(rec[32:40]),
			Name:    cstr(stringsData, uint32(le64(rec[40:48]))),
		}
	}
	return out, nil
}

func le64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// Sections returns every section header, in file order, for layout to
// pick the SHF_ALLOC ones from (spec.md §4.G); SectionName gives names.
func (p *PatchObject) Sections() []Shdr64 { return p.raw.shdrs }

// SectionName returns the name of section index i.
func (p *PatchObject) SectionName(i int) string { return p.raw.sectionName(p.raw.shdrs[i]) }

// SectionData returns the raw file bytes of section index i (nil for
// SHT_NOBITS).
func (p *PatchObject) SectionData(i int) ([]byte, error) { return p.raw.sectionData(p.raw.shdrs[i]) }

// NumSections returns the section header count.
func (p *PatchObject) NumSections() int { return len(p.raw.shdrs) }

// RelaSections returns the indices of every SHT_RELA section together with
// the section index they apply to (sh_info).
func (p *PatchObject) RelaSections() map[int]int {
	out := map[int]int{}
	for i, s := range p.raw.shdrs {
		if elf.SectionType(s.Type) == elf.SHT_RELA {
			out[i] = int(s.Info)
		}
	}
	return out
}

// RelasFor decodes the SHT_RELA section at index i.
func (p *PatchObject) RelasFor(i int) ([]Rela64, error) {
	data, err := p.raw.sectionData(p.raw.shdrs[i])
	if err != nil {
		return nil, err
	}
	return readRelas(data)
}

// SymbolName returns the (version-stripped-on-demand) name of symbol i.
func (p *PatchObject) SymbolName(i int) string {
	if i < 0 || i >= len(p.Symtab) {
		return ""
	}
	return cstr(p.Strtab, p.Symtab[i].Name)
}

// Machine reports e_machine.
func (p *PatchObject) Machine() elf.Machine { return elf.Machine(p.raw.ehdr.Machine) }
