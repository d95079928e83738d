package reloc

import (
	"testing"

	"github.com/xyproto/upatch-manage/internal/arch"
)

func newX86Table(t *testing.T) *JumpTable {
	t.Helper()
	a, err := arch.New(arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	return NewJumpTable(a)
}

func TestJumpTableDedup(t *testing.T) {
	jt := newX86Table(t)
	off1, err := jt.AddPLT("foo", 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	off2, err := jt.AddPLT("foo", 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if off1 != off2 {
		t.Errorf("AddPLT for the same symbol twice gave different offsets: %d != %d", off1, off2)
	}
	if jt.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after deduped insert", jt.Len())
	}
}

func TestJumpTablePLTAndGOTAreDistinctKeys(t *testing.T) {
	jt := newX86Table(t)
	pltOff, err := jt.AddPLT("bar", 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	gotOff, err := jt.AddGOT("bar", 0x2000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pltOff == gotOff {
		t.Error("PLT and GOT entries for the same symbol name collapsed onto one slot")
	}
	if jt.Len() != 2 {
		t.Errorf("Len() = %d, want 2", jt.Len())
	}
}

func TestJumpTableBytesGrowByEntrySize(t *testing.T) {
	jt := newX86Table(t)
	if _, err := jt.AddPLT("a", 0x10); err != nil {
		t.Fatal(err)
	}
	if _, err := jt.AddPLT("b", 0x20); err != nil {
		t.Fatal(err)
	}
	want := 2 * jt.EntrySize()
	if got := len(jt.Bytes()); got != want {
		t.Errorf("Bytes() len = %d, want %d", got, want)
	}
}

func TestJumpTableFullError(t *testing.T) {
	jt := newX86Table(t)
	for i := 0; i < JmpTableMaxEntry; i++ {
		sym := string(rune('a')) + string(rune(i))
		if _, err := jt.AddPLT(sym, uint64(i)); err != nil {
			t.Fatalf("unexpected error filling table at entry %d: %v", i, err)
		}
	}
	if _, err := jt.AddPLT("one-too-many", 0xffff); err == nil {
		t.Fatal("expected JmpTableFullError once capacity is exhausted")
	} else if _, ok := err.(*JmpTableFullError); !ok {
		t.Errorf("got %T, want *JmpTableFullError", err)
	}
}
