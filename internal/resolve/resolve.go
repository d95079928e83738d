// Package resolve implements the five-tier symbol lookup a patch object's
// undefined symbols go through against a running target process: the
// target's already-bound GOT/PLT slots first (cheapest and always correct
// for anything the dynamic linker touched), then its symbol tables, and
// finally the patch's own symbol table for symbols it defines itself. It
// is grounded on upatch-resolve.c's resolve_symbol order and
// arch/x86_64/resolve.c's insert_got_table/insert_plt_table, generalized
// from a single C switch plus a fixed x86_64 table layout into a small
// ordered pipeline over the architecture-neutral internal/reloc.JumpTable.
package resolve

import (
	"debug/elf"
	"fmt"

	"github.com/xyproto/upatch-manage/internal/arch"
	"github.com/xyproto/upatch-manage/internal/elfmodel"
	"github.com/xyproto/upatch-manage/internal/reloc"
)

// UnresolvedSymbolError reports that none of the five tiers could resolve
// a symbol the patch references (spec.md §7, SymbolUnresolved).
type UnresolvedSymbolError struct {
	Name string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("unresolved symbol %q", e.Name)
}

// UnsupportedSymbolError reports a symbol binding resolve.go has no
// defined behavior for, per spec.md §4.E: SHN_COMMON imports are rejected
// outright rather than silently zero-resolved.
type UnsupportedSymbolError struct {
	Name   string
	Reason string
}

func (e *UnsupportedSymbolError) Error() string {
	return fmt.Sprintf("unsupported symbol %q: %s", e.Name, e.Reason)
}

// Tier names which lookup stage produced a resolution, kept mainly for -v
// diagnostics. TierRelaDyn/TierRelaPlt/TierDynsymDirect/TierSymtabDirect/
// TierPatchSymbol are the five numbered tiers resolve_symbol tries in
// order; TierPatchLocal and TierLivepatch are the other two st_shndx
// dispositions simplify_symbols handles outside that chain entirely.
type Tier int

const (
	TierRelaDyn Tier = iota
	TierRelaPlt
	TierDynsymDirect
	TierSymtabDirect
	TierPatchSymbol
	TierPatchLocal
	TierLivepatch
)

func (t Tier) String() string {
	switch t {
	case TierRelaDyn:
		return "rela.dyn"
	case TierRelaPlt:
		return "rela.plt"
	case TierDynsymDirect:
		return "dynsym"
	case TierSymtabDirect:
		return "symtab"
	case TierPatchSymbol:
		return "patch-symtab"
	case TierPatchLocal:
		return "patch-local"
	case TierLivepatch:
		return "livepatch"
	default:
		return "unknown"
	}
}

// tlsSentinel is the second GOT data word for a slot that never goes
// through the TLS dual-read path (insert_got_table's default tls_addr
// before it maybe gets overwritten).
const tlsSentinel = 0xffffffff

// Result is the outcome of resolving one patch symbol. When Indirect is
// set, the final address is JTBase+JTOffset, which only exists once
// layout has placed the jump table; Value is meaningless in that case.
// GOT distinguishes a data-style JT slot from a PLT-style far-jump thunk.
type Result struct {
	Value    uint64
	Tier     Tier
	Indirect bool
	GOT      bool
	JTOffset int
}

// MemReader is the minimal read access resolve needs into the running
// target's address space, satisfied by *rtrace.MemIO.
type MemReader interface {
	ReadAt(addr uint64, n int) ([]byte, error)
}

// SectionAddr resolves a patch-local section index to the address layout
// placed it at. It returns ok=false before layout has run, in which case
// Resolver defers patch-local symbols until the caller retries after
// placement.
type SectionAddr func(shndx int) (addr uint64, ok bool)

// Resolver resolves one patch object's undefined symbols against one
// running target. JT must be the same jump table layout is about to
// place, since tiers 1-3 allocate their thunks/slots into it as a side
// effect of resolution.
type Resolver struct {
	Target   *elfmodel.TargetObject
	Patch    *elfmodel.PatchObject
	Mem      MemReader
	LoadBias uint64
	ID       arch.ID
	JT       *reloc.JumpTable
}

// Resolve looks up patch symbol index symIdx, stopping at the first tier
// that produces a match.
func (r *Resolver) Resolve(symIdx int, sectionAddr SectionAddr) (Result, error) {
	if symIdx < 0 || symIdx >= len(r.Patch.Symtab) {
		return Result{}, fmt.Errorf("symbol index %d out of range", symIdx)
	}
	sym := r.Patch.Symtab[symIdx]
	name := elfmodel.StripVersion(r.Patch.SymbolName(symIdx))

	if int(sym.Shndx) == elfmodel.SHN_LIVEPATCH {
		// Pre-resolved by whoever built the patch: st_value is an offset
		// from the target's own load bias, not yet an absolute address.
		return Result{Value: sym.Value + r.LoadBias, Tier: TierLivepatch}, nil
	}

	if elf.SectionIndex(sym.Shndx) == elf.SHN_COMMON {
		return Result{}, &UnsupportedSymbolError{name, "tentative SHN_COMMON definitions cannot be resolved against a running target"}
	}

	if elf.SectionIndex(sym.Shndx) == elf.SHN_ABS {
		return Result{Value: sym.Value, Tier: TierSymtabDirect}, nil
	}

	if sym.Shndx != 0 {
		// Defined within the patch object itself, at whatever address
		// layout places its section at; unrelated to the five SHN_UNDEF
		// resolution tiers below.
		if sectionAddr == nil {
			return Result{}, &UnresolvedSymbolError{name}
		}
		base, ok := sectionAddr(int(sym.Shndx))
		if !ok {
			return Result{}, &UnresolvedSymbolError{name}
		}
		return Result{Value: base + sym.Value, Tier: TierPatchLocal}, nil
	}

	patchSymValue := int64(sym.Value)

	if res, ok, err := r.resolveRelaDyn(name, patchSymValue); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}
	if res, ok, err := r.resolveRelaPlt(name, patchSymValue); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}
	if res, ok, err := r.resolveDynsymDirect(name); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}
	if res, ok := r.resolveSymtabDirect(name); ok {
		return res, nil
	}
	// Tier 5: the patch's own (otherwise SHN_UNDEF) symbol table entry,
	// tried only as a last resort and only when the toolchain actually
	// gave it a nonzero value (resolve_patch_sym).
	if sym.Value != 0 {
		return Result{Value: r.LoadBias + sym.Value, Tier: TierPatchSymbol}, nil
	}

	return Result{}, &UnresolvedSymbolError{name}
}

// relaMatches reports whether rel names name via its dynsym entry, or,
// when its symbol index is 0, whether its addend equals the patch
// symbol's own st_value. The latter covers relocations that carry no
// symbol at all (e.g. R_*_IRELATIVE), matched the same way
// resolve_rela_dyn/resolve_rela_plt do.
func (r *Resolver) relaMatches(rel elfmodel.Rela64, name string, patchSymValue int64) bool {
	symIdx := int(rel.Sym())
	if symIdx == 0 {
		return rel.Addend == patchSymValue
	}
	if symIdx >= len(r.Target.Dynsym) {
		return false
	}
	return elfmodel.StripVersion(r.Target.DynsymName(symIdx)) == name
}

// resolveRelaDyn is tier 1: a matching .rela.dyn entry installs a
// GOT-style JT slot holding the value the dynamic linker already placed
// at that slot (insert_got_table).
func (r *Resolver) resolveRelaDyn(name string, patchSymValue int64) (Result, bool, error) {
	for _, rel := range r.Target.RelaDyn {
		if !r.relaMatches(rel, name, patchSymValue) {
			continue
		}
		slot := r.LoadBias + rel.Offset
		raw, err := r.Mem.ReadAt(slot, 8)
		if err != nil || len(raw) < 8 {
			continue
		}
		jmpAddr := leU64(raw)
		off, err := r.JT.AddGOT(name, jmpAddr, r.tlsPairWord(rel))
		if err != nil {
			return Result{}, false, err
		}
		return Result{Tier: TierRelaDyn, Indirect: true, GOT: true, JTOffset: off}, true, nil
	}
	return Result{}, false, nil
}

// resolveRelaPlt is tier 2: same shape as tier 1 but restricted to
// STT_FUNC/STT_TLS dynsym entries, installing a PLT-style far-jump thunk
// instead of a data slot (insert_plt_table).
func (r *Resolver) resolveRelaPlt(name string, patchSymValue int64) (Result, bool, error) {
	for _, rel := range r.Target.RelaPlt {
		symIdx := int(rel.Sym())
		if symIdx != 0 {
			if symIdx >= len(r.Target.Dynsym) {
				continue
			}
			t := r.Target.Dynsym[symIdx].Type()
			if t != elf.STT_FUNC && t != elf.STT_TLS {
				continue
			}
		}
		if !r.relaMatches(rel, name, patchSymValue) {
			continue
		}
		slot := r.LoadBias + rel.Offset
		raw, err := r.Mem.ReadAt(slot, 8)
		if err != nil || len(raw) < 8 {
			continue
		}
		jmpAddr := leU64(raw)
		off, err := r.JT.AddPLT(name, jmpAddr)
		if err != nil {
			return Result{}, false, err
		}
		return Result{Tier: TierRelaPlt, Indirect: true, JTOffset: off}, true, nil
	}
	return Result{}, false, nil
}

// resolveDynsymDirect is tier 3: any dynsym entry with a nonzero st_value
// whose stripped name matches, also routed through a GOT-style JT slot
// (resolve_dynsym calls insert_got_table with a literal r_type of 0, so
// the TLS dual-read never triggers here).
func (r *Resolver) resolveDynsymDirect(name string) (Result, bool, error) {
	for i, s := range r.Target.Dynsym {
		if s.Value == 0 {
			continue
		}
		if elfmodel.StripVersion(r.Target.DynsymName(i)) != name {
			continue
		}
		symAddr := r.LoadBias + s.Value
		off, err := r.JT.AddGOT(name, symAddr, tlsSentinel)
		if err != nil {
			return Result{}, false, err
		}
		return Result{Tier: TierDynsymDirect, Indirect: true, GOT: true, JTOffset: off}, true, nil
	}
	return Result{}, false, nil
}

// resolveSymtabDirect is tier 4: any defined .symtab entry whose stripped
// name matches, resolved directly with no jump-table indirection
// (resolve_sym).
func (r *Resolver) resolveSymtabDirect(name string) (Result, bool) {
	for i, s := range r.Target.Symtab {
		if s.Shndx == 0 {
			continue
		}
		if elfmodel.StripVersion(r.Target.SymtabName(i)) != name {
			continue
		}
		return Result{Value: r.LoadBias + s.Value, Tier: TierSymtabDirect}, true
	}
	return Result{}, false
}

// tlsPairWord returns the second GOT data word for a tier-1 slot: when
// the target's own relocation at this slot is the architecture's TLS
// module-id type, the dynamic linker paired it with a module-offset word
// immediately following it in memory, which a TLS access sequence needs
// alongside the first word (insert_got_table's r_type == DTPMOD64 case).
// Any other relocation type leaves the slot at its sentinel default.
func (r *Resolver) tlsPairWord(rel elfmodel.Rela64) uint64 {
	if !isTLSModuleReloc(r.ID, rel.Type()) {
		return tlsSentinel
	}
	raw, err := r.Mem.ReadAt(r.LoadBias+rel.Offset+8, 8)
	if err != nil || len(raw) < 8 {
		return tlsSentinel
	}
	return leU64(raw)
}

// isTLSModuleReloc reports whether relType is the per-architecture
// relocation the dynamic linker uses to bind a GOT slot to a TLS module
// ID, the one case insert_got_table reads a second adjacent word for.
func isTLSModuleReloc(id arch.ID, relType uint32) bool {
	switch id {
	case arch.X86_64:
		return elf.R_X86_64(relType) == elf.R_X86_64_DTPMOD64
	case arch.ARM64:
		return elf.R_AARCH64(relType) == elf.R_AARCH64_TLS_DTPMOD64
	case arch.RISCV64:
		return elf.R_RISCV(relType) == elf.R_RISCV_TLS_DTPMOD64
	}
	return false
}

func leU64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
