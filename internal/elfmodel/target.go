package elfmodel

import (
	"bytes"
	"debug/elf"
)

// DF_1_PIE is not exported by debug/elf; it is bit 0x08000000 of the
// DT_FLAGS_1 dynamic tag, per the psABI gABI extensions.
const dfPIE = 0x08000000

// BuildIDMismatchError reports that the on-disk target's .note.gnu.build-id
// does not match the build-id of the file the target process has mapped,
// as read back from that mapping's path on disk — a guard against the
// binary given for patching not being the build the process runs (see
// SPEC_FULL.md §6, grounded on upatch-elf.c's
// check_build_id).
type BuildIDMismatchError struct{}

func (e *BuildIDMismatchError) Error() string { return "target build-id mismatch" }

// TargetObject is the parsed on-disk binary or shared library the patch is
// aimed at (spec.md §3, component B). It is immutable once constructed;
// LoadBias/LoadStart are filled in from the process's maps at attach time.
type TargetObject struct {
	raw *rawELF

	Type    elf.Type
	PIE     bool
	Machine elf.Machine

	SymtabIdx, StrtabIdx   int
	Symtab                 []Sym64
	Strtab                 []byte
	DynsymIdx, DynstrIdx   int
	Dynsym                 []Sym64
	Dynstr                 []byte
	RelaDynIdx, RelaPltIdx int
	RelaDyn, RelaPlt       []Rela64

	TLSMemsz, TLSAlign uint64
	BuildID            []byte

	// LoadBias/LoadStart are set by procview once the process's maps
	// have been read: LoadBias = loaded_start - min_p_vaddr.
	LoadBias  uint64
	LoadStart uint64
}

// LoadTargetObject parses the on-disk ELF file for a target binary or
// shared library (spec.md §4.B).
func LoadTargetObject(data []byte) (*TargetObject, error) {
	raw, err := parseRawELF(data)
	if err != nil {
		return nil, err
	}

	t := &TargetObject{raw: raw, SymtabIdx: -1, StrtabIdx: -1, DynsymIdx: -1, DynstrIdx: -1, RelaDynIdx: -1, RelaPltIdx: -1}
	t.Type = elf.Type(raw.ehdr.Type)
	t.Machine = elf.Machine(raw.ehdr.Machine)

	if idx, hdr := raw.findSectionByType(elf.SHT_SYMTAB); hdr != nil {
		data, err := raw.sectionData(*hdr)
		if err != nil {
			return nil, err
		}
		syms, err := readSyms(data)
		if err != nil {
			return nil, err
		}
		t.SymtabIdx = idx
		t.Symtab = syms
		t.StrtabIdx = int(hdr.Link)
		if t.StrtabIdx >= 0 && t.StrtabIdx < len(raw.shdrs) {
			t.Strtab, err = raw.sectionData(raw.shdrs[t.StrtabIdx])
			if err != nil {
				return nil, err
			}
		}
	}

	if idx, hdr := raw.findSectionByType(elf.SHT_DYNSYM); hdr != nil {
		data, err := raw.sectionData(*hdr)
		if err != nil {
			return nil, err
		}
		syms, err := readSyms(data)
		if err != nil {
			return nil, err
		}
		t.DynsymIdx = idx
		t.Dynsym = syms
		t.DynstrIdx = int(hdr.Link)
		if t.DynstrIdx >= 0 && t.DynstrIdx < len(raw.shdrs) {
			t.Dynstr, err = raw.sectionData(raw.shdrs[t.DynstrIdx])
			if err != nil {
				return nil, err
			}
		}
	}

	if idx, hdr := raw.findSectionByName(".rela.dyn"); hdr != nil {
		data, err := raw.sectionData(*hdr)
		if err != nil {
			return nil, err
		}
		relas, err := readRelas(data)
		if err != nil {
			return nil, err
		}
		t.RelaDynIdx = idx
		t.RelaDyn = relas
	}

	if idx, hdr := raw.findSectionByName(".rela.plt"); hdr != nil {
		data, err := raw.sectionData(*hdr)
		if err != nil {
			return nil, err
		}
		relas, err := readRelas(data)
		if err != nil {
			return nil, err
		}
		t.RelaPltIdx = idx
		t.RelaPlt = relas
	}

	for _, ph := range raw.phdrs {
		if elf.ProgType(ph.Type) == elf.PT_TLS {
			t.TLSMemsz = ph.Memsz
			t.TLSAlign = ph.Align
		}
	}

	if err := t.parseDynamicFlags(); err != nil {
		return nil, err
	}

	if _, hdr := raw.findSectionByName(".note.gnu.build-id"); hdr != nil {
		noteData, err := raw.sectionData(*hdr)
		if err == nil {
			t.BuildID = parseBuildIDNote(noteData)
		}
	}

	return t, nil
}

func (t *TargetObject) parseDynamicFlags() error {
	_, hdr := t.raw.findSectionByType(elf.SHT_DYNAMIC)
	if hdr == nil {
		return nil
	}
	data, err := t.raw.sectionData(*hdr)
	if err != nil {
		return err
	}
	n := len(data) / 16
	for i := 0; i < n; i++ {
		tag := int64(le64(data[i*16 : i*16+8]))
		val := le64(data[i*16+8 : i*16+16])
		if elf.DynTag(tag) == elf.DT_FLAGS_1 {
			if val&dfPIE != 0 {
				t.PIE = true
			}
		}
	}
	return nil
}

// parseBuildIDNote extracts the raw build-id bytes from a .note.gnu.build-id
// section's ELF note record.
func parseBuildIDNote(note []byte) []byte {
	if len(note) < 12 {
		return nil
	}
	namesz := le32(note[0:4])
	descsz := le32(note[4:8])
	// name is padded to a 4-byte boundary.
	nameEnd := 12 + align4(namesz)
	descEnd := nameEnd + descsz
	if uint32(len(note)) < descEnd {
		return nil
	}
	return note[nameEnd:descEnd]
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(v uint32) uint32 { return (v + 3) &^ 3 }

// VerifyBuildID compares t's build-id against liveBuildID, which the
// caller reads from the file at the path the process's maps record for
// this object (not from the process's memory). A missing build-id on
// either side is not treated as a mismatch — not all binaries are built
// with --build-id.
func (t *TargetObject) VerifyBuildID(liveBuildID []byte) error {
	if len(t.BuildID) == 0 || len(liveBuildID) == 0 {
		return nil
	}
	if !bytes.Equal(t.BuildID, liveBuildID) {
		return &BuildIDMismatchError{}
	}
	return nil
}

// MinLoadVaddr returns the minimum p_vaddr among PT_LOAD segments,
// optionally restricted to executable (PF_X) segments, per spec.md §4.B.
func (t *TargetObject) MinLoadVaddr(execOnly bool) (uint64, bool) {
	var min uint64
	found := false
	for _, ph := range t.raw.phdrs {
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if execOnly && ph.Flags&uint32(elf.PF_X) == 0 {
			continue
		}
		if !found || ph.Vaddr < min {
			min = ph.Vaddr
			found = true
		}
	}
	return min, found
}

// DynsymName returns the (raw, version-suffixed) name of dynamic symbol i.
func (t *TargetObject) DynsymName(i int) string {
	if i < 0 || i >= len(t.Dynsym) {
		return ""
	}
	return cstr(t.Dynstr, t.Dynsym[i].Name)
}

// SymtabName returns the name of .symtab symbol i.
func (t *TargetObject) SymtabName(i int) string {
	if i < 0 || i >= len(t.Symtab) {
		return ""
	}
	return cstr(t.Strtab, t.Symtab[i].Name)
}
