package arch

import (
	"debug/elf"
	"testing"
)

func TestFromELFMachine(t *testing.T) {
	cases := []struct {
		machine elf.Machine
		want    ID
		wantErr bool
	}{
		{elf.EM_X86_64, X86_64, false},
		{elf.EM_AARCH64, ARM64, false},
		{elf.EM_RISCV, RISCV64, false},
		{elf.EM_386, 0, true},
	}
	for _, c := range cases {
		got, err := FromELFMachine(c.machine)
		if c.wantErr {
			if err == nil {
				t.Errorf("FromELFMachine(%s): expected error", c.machine)
			}
			continue
		}
		if err != nil {
			t.Fatalf("FromELFMachine(%s): unexpected error %v", c.machine, err)
		}
		if got != c.want {
			t.Errorf("FromELFMachine(%s) = %v, want %v", c.machine, got, c.want)
		}
	}
}

func TestNewEveryID(t *testing.T) {
	for _, id := range []ID{X86_64, ARM64, RISCV64} {
		a, err := New(id)
		if err != nil {
			t.Fatalf("New(%v): %v", id, err)
		}
		if a.ID() != id {
			t.Errorf("New(%v).ID() = %v", id, a.ID())
		}
		if a.Name() == "" {
			t.Errorf("New(%v).Name() is empty", id)
		}
	}
	if _, err := New(ID(99)); err == nil {
		t.Error("New(99): expected error for unknown id")
	}
}

func TestJumpTableEntrySizes(t *testing.T) {
	cases := []struct {
		id   ID
		want int
	}{
		{X86_64, 16},
		{ARM64, 32},
		{RISCV64, 32},
	}
	for _, c := range cases {
		a, _ := New(c.id)
		if got := a.JumpTableEntrySize(); got != c.want {
			t.Errorf("%v.JumpTableEntrySize() = %d, want %d", c.id, got, c.want)
		}
		entry := a.EncodePLTEntry(0x1000)
		if len(entry) != c.want {
			t.Errorf("%v.EncodePLTEntry len = %d, want %d", c.id, len(entry), c.want)
		}
		got := a.EncodeGOTEntry(0x2000, 0x3000)
		if len(got) != c.want {
			t.Errorf("%v.EncodeGOTEntry len = %d, want %d", c.id, len(got), c.want)
		}
	}
}

func TestX86_64TrampolineRoundTrip(t *testing.T) {
	a, _ := New(X86_64)
	insn, err := a.TrampolineInsn(0x1000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(insn) != a.UpatchInsnLen() {
		t.Errorf("insn len = %d, want %d", len(insn), a.UpatchInsnLen())
	}
	addrBytes := a.TrampolineAddr(0x2000)
	if len(addrBytes) != a.UpatchAddrLen() {
		t.Errorf("addr slot len = %d, want %d", len(addrBytes), a.UpatchAddrLen())
	}
	if got := getLE64(addrBytes); got != 0x2000 {
		t.Errorf("addr slot = 0x%x, want 0x2000", got)
	}
}

func TestX86_64ApplyRelocOverflow(t *testing.T) {
	a, _ := New(X86_64)
	loc := make([]byte, 8)
	err := a.ApplyReloc(RelocInput{
		Type: uint32(elf.R_X86_64_32),
		Loc:  loc,
		Val:  0x1_0000_0001, // overflows uint32
	})
	if err == nil {
		t.Fatal("expected overflow error")
	}
	if _, ok := err.(*RelocOverflowError); !ok {
		t.Errorf("got %T, want *RelocOverflowError", err)
	}
}

func TestX86_64ApplyRelocPC32InRange(t *testing.T) {
	a, _ := New(X86_64)
	loc := make([]byte, 4)
	err := a.ApplyReloc(RelocInput{
		Type: uint32(elf.R_X86_64_PC32),
		Loc:  loc,
		ULoc: 0x1000,
		Val:  0x1010,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := int32(getLE32(loc)); got != 0x10 {
		t.Errorf("PC32 rel = %d, want 16", got)
	}
}

func TestX86_64ApplyRelocUnsupported(t *testing.T) {
	a, _ := New(X86_64)
	err := a.ApplyReloc(RelocInput{Type: 0xffff, Loc: make([]byte, 8)})
	if _, ok := err.(*UnsupportedRelocError); !ok {
		t.Errorf("got %T, want *UnsupportedRelocError", err)
	}
}

func TestRiscv64TrampolineOverflow(t *testing.T) {
	a, _ := New(RISCV64)
	// A delta larger than signed 32-bit range must be rejected.
	_, err := a.TrampolineInsn(0, 1<<33)
	if err == nil {
		t.Fatal("expected TrampolineFitError")
	}
	if _, ok := err.(*TrampolineFitError); !ok {
		t.Errorf("got %T, want *TrampolineFitError", err)
	}
}

func TestRiscv64BranchOverflowBoundary(t *testing.T) {
	a, _ := New(RISCV64)
	base := make([]byte, 4)
	// Exactly at the boundary (4095) must succeed...
	if err := a.ApplyReloc(RelocInput{
		Type: uint32(elf.R_RISCV_BRANCH),
		Loc:  append([]byte(nil), base...),
		ULoc: 0,
		Val:  4095,
	}); err != nil {
		t.Errorf("rel=4095 should be in range, got %v", err)
	}
	// ...but 4096 must overflow (spec.md's documented ±4096 boundary).
	err := a.ApplyReloc(RelocInput{
		Type: uint32(elf.R_RISCV_BRANCH),
		Loc:  append([]byte(nil), base...),
		ULoc: 0,
		Val:  4096,
	})
	if err == nil {
		t.Fatal("rel=4096 should overflow")
	}
	if _, ok := err.(*RelocOverflowError); !ok {
		t.Errorf("got %T, want *RelocOverflowError", err)
	}
}

func TestArm64TrampolineAndReloc(t *testing.T) {
	a, _ := New(ARM64)
	insn, err := a.TrampolineInsn(0x1000, 0x404000)
	if err != nil {
		t.Fatal(err)
	}
	if len(insn) != a.UpatchInsnLen() {
		t.Errorf("insn len = %d, want %d", len(insn), a.UpatchInsnLen())
	}
}
