package reloc

import "github.com/xyproto/upatch-manage/internal/arch"

// MaxDistance bounds how far a direct PC-relative relocation may reach
// before the relocator must route it through the jump table instead
// (spec.md §4.G's MAX_DISTANCE placement constraint applies here too: if
// layout kept everything within 2^32 of the target, direct relocations
// never need rerouting except for always-indirect kinds like TLS GOT
// loads).
const MaxDistance = uint64(1) << 32

// Request is one relocation to apply: the architecture relocation type,
// the staging-side bytes to mutate, the remote address those bytes will
// live at, the resolved symbol value, and the addend from the RELA entry.
// Jump-table entries are allocated by package resolve as a side effect of
// resolution (it alone knows which tier matched and, for a TLS GOT slot,
// the target's own relocation type); Relocator only ever reads the
// resulting offset back out.
type Request struct {
	Type    uint32
	Loc     []byte
	ULoc    uint64
	SymAddr uint64
	Addend  int64
	// Indirect means SymAddr is not the final value: the symbol resolved
	// to a jump-table entry at JTOffset, whose absolute address is
	// JTBase+JTOffset.
	Indirect bool
	JTOffset int
	// JTBase is the jump table's remote base address, filled in by layout
	// once placement is final.
	JTBase uint64
}

// Relocator applies a patch object's relocations against already-resolved
// symbol values (spec.md §4.F).
type Relocator struct {
	A  arch.Arch
	JT *JumpTable
}

// NewRelocator builds a Relocator for architecture a, backed by jt.
func NewRelocator(a arch.Arch, jt *JumpTable) *Relocator {
	return &Relocator{A: a, JT: jt}
}

// Apply performs one relocation.
func (r *Relocator) Apply(req Request) error {
	val := req.SymAddr
	if req.Indirect {
		// The jump table is placed immediately before .text by layout
		// (spec.md §4.G); JTBase is its resolved remote address.
		val = req.JTBase + uint64(req.JTOffset)
	}
	val += uint64(req.Addend)

	return r.A.ApplyReloc(arch.RelocInput{
		Type: req.Type,
		Loc:  req.Loc,
		ULoc: req.ULoc,
		Val:  val,
	})
}
