package reloc

import (
	"debug/elf"
	"testing"

	"github.com/xyproto/upatch-manage/internal/arch"
)

func TestRelocatorDirect(t *testing.T) {
	a, err := arch.New(arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	jt := NewJumpTable(a)
	r := NewRelocator(a, jt)

	loc := make([]byte, 8)
	if err := r.Apply(Request{
		Type:    uint32(elf.R_X86_64_64),
		Loc:     loc,
		SymAddr: 0x4000,
		Addend:  0x10,
	}); err != nil {
		t.Fatal(err)
	}
	if jt.Len() != 0 {
		t.Errorf("direct relocation should not touch the jump table, Len() = %d", jt.Len())
	}
	if got := getLE64(loc); got != 0x4010 {
		t.Errorf("applied value = 0x%x, want 0x4010", got)
	}
}

// TestRelocatorIndirectUsesTableOffset exercises the shape package resolve
// now produces: the jump-table entry is already allocated by the time
// Relocator sees the request, and Relocator's only job is to point the
// relocation at JTBase+JTOffset (plus the addend) instead of SymAddr.
func TestRelocatorIndirectUsesTableOffset(t *testing.T) {
	a, err := arch.New(arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	jt := NewJumpTable(a)
	r := NewRelocator(a, jt)

	off, err := jt.AddGOT("tls_var", 0x5000, 0x42)
	if err != nil {
		t.Fatal(err)
	}

	loc := make([]byte, 8)
	req := Request{
		Type:     uint32(elf.R_X86_64_DTPMOD64),
		Loc:      loc,
		SymAddr:  0x5000, // must be ignored: Indirect routes through JTBase+JTOffset
		Addend:   4,
		Indirect: true,
		JTOffset: off,
		JTBase:   0x80000000,
	}
	if err := r.Apply(req); err != nil {
		t.Fatal(err)
	}

	want := uint64(0x80000000) + uint64(off) + 4
	if got := getLE64(loc); got != want {
		t.Errorf("applied value = 0x%x, want 0x%x", got, want)
	}
}

func getLE64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
