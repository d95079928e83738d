// Package reloc applies a patch object's RELA entries against resolved
// symbol values, routing calls that land outside the architecture's direct
// branch/PC-relative reach through a small PLT/GOT-style jump table
// (spec.md §4.F). It is grounded on the pack's plt_got.go table builder,
// generalized from its fixed x86_64 shape to the three-architecture
// internal/arch.Arch interface.
package reloc

import "github.com/xyproto/upatch-manage/internal/arch"

// JmpTableFullError is returned once a JumpTable has filled all of its
// fixed entry slots (spec.md §4.F, JMP_TABLE_MAX_ENTRY).
type JmpTableFullError struct{}

func (e *JmpTableFullError) Error() string { return "jump table is full" }

// JmpTableMaxEntry bounds the number of PLT+GOT slots one patch may use.
const JmpTableMaxEntry = 100

// EntryKind distinguishes an executable far-jump thunk (PLT-style) from a
// pure-data address slot pair read by a GOT-relative load (GOT-style).
type EntryKind int

const (
	KindPLT EntryKind = iota
	KindGOT
)

// entry records one jump-table slot's origin, for diagnostics and for the
// info-block emitted later by package trampoline.
type entry struct {
	kind EntryKind
	sym  string
	off  int // byte offset within the table
}

// JumpTable accumulates PLT/GOT entries for one patch object. It is built
// before layout finalizes placement, then its Bytes() are placed as a
// dedicated section prepended to .text (spec.md §4.G).
type JumpTable struct {
	a       arch.Arch
	buf     []byte
	entries []entry
	byKey   map[string]int // "P:sym" or "G:sym" -> byte offset, for reuse
}

// NewJumpTable returns an empty table for architecture a.
func NewJumpTable(a arch.Arch) *JumpTable {
	return &JumpTable{a: a, byKey: map[string]int{}}
}

// Len reports how many entries have been allocated.
func (t *JumpTable) Len() int { return len(t.entries) }

// Bytes returns the table's current byte image, ready to be placed as one
// contiguous section.
func (t *JumpTable) Bytes() []byte { return t.buf }

// EntrySize is the architecture's fixed per-entry size.
func (t *JumpTable) EntrySize() int { return t.a.JumpTableEntrySize() }

// AddPLT allocates (or reuses) a far-jump thunk to jmpAddr for sym,
// returning the entry's byte offset within the table.
func (t *JumpTable) AddPLT(sym string, jmpAddr uint64) (int, error) {
	key := "P:" + sym
	if off, ok := t.byKey[key]; ok {
		return off, nil
	}
	if len(t.entries) >= JmpTableMaxEntry {
		return 0, &JmpTableFullError{}
	}
	off := len(t.buf)
	t.buf = append(t.buf, t.a.EncodePLTEntry(jmpAddr)...)
	t.entries = append(t.entries, entry{kind: KindPLT, sym: sym, off: off})
	t.byKey[key] = off
	return off, nil
}

// AddGOT allocates (or reuses) a data-style (jmpAddr, tlsAddr) slot pair
// for sym.
func (t *JumpTable) AddGOT(sym string, jmpAddr, tlsAddr uint64) (int, error) {
	key := "G:" + sym
	if off, ok := t.byKey[key]; ok {
		return off, nil
	}
	if len(t.entries) >= JmpTableMaxEntry {
		return 0, &JmpTableFullError{}
	}
	off := len(t.buf)
	t.buf = append(t.buf, t.a.EncodeGOTEntry(jmpAddr, tlsAddr)...)
	t.entries = append(t.entries, entry{kind: KindGOT, sym: sym, off: off})
	t.byKey[key] = off
	return off, nil
}
