package elfmodel

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// buildMinimalELF assembles a tiny valid ET_REL ELF64 image: a NULL section
// and a .shstrtab section, enough to exercise parseRawELF without needing
// debug/elf's own reader.
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()

	shstrtab := append([]byte{0x00}, []byte(".shstrtab\x00")...)
	const shOff = uint64(ehdrSize)
	shstrtabOff := shOff
	shdrsOff := shstrtabOff + uint64(len(shstrtab))

	ehdr := Ehdr64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Shoff:     shdrsOff,
		Ehsize:    ehdrSize,
		Shentsize: shdrSize,
		Shnum:     2,
		Shstrndx:  1,
	}
	ehdr.Ident[0], ehdr.Ident[1], ehdr.Ident[2], ehdr.Ident[3] = 0x7f, 'E', 'L', 'F'
	ehdr.Ident[4] = 2

	nullShdr := Shdr64{}
	shstrShdr := Shdr64{
		Name:   1,
		Type:   uint32(elf.SHT_STRTAB),
		Offset: shstrtabOff,
		Size:   uint64(len(shstrtab)),
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &ehdr)
	buf.Write(shstrtab)
	binary.Write(&buf, binary.LittleEndian, &nullShdr)
	binary.Write(&buf, binary.LittleEndian, &shstrShdr)

	return buf.Bytes()
}

func TestParseRawELFMinimal(t *testing.T) {
	data := buildMinimalELF(t)
	r, err := parseRawELF(data)
	if err != nil {
		t.Fatalf("parseRawELF: %v", err)
	}
	if len(r.shdrs) != 2 {
		t.Fatalf("got %d section headers, want 2", len(r.shdrs))
	}
	if r.sectionName(r.shdrs[1]) != ".shstrtab" {
		t.Errorf("section 1 name = %q, want .shstrtab", r.sectionName(r.shdrs[1]))
	}
	idx, sh := r.findSectionByName(".shstrtab")
	if idx != 1 || sh == nil {
		t.Errorf("findSectionByName(.shstrtab) = (%d, %v)", idx, sh)
	}
	if idx, _ := r.findSectionByName(".nonexistent"); idx != -1 {
		t.Errorf("findSectionByName(.nonexistent) = %d, want -1", idx)
	}
	typeIdx, _ := r.findSectionByType(elf.SHT_STRTAB)
	if typeIdx != 1 {
		t.Errorf("findSectionByType(SHT_STRTAB) = %d, want 1", typeIdx)
	}
}

func TestParseRawELFRejectsShortFile(t *testing.T) {
	if _, err := parseRawELF([]byte{0x7f, 'E', 'L', 'F'}); err == nil {
		t.Error("expected an error for a file shorter than the ELF header")
	}
}

func TestParseRawELFRejectsBadMagic(t *testing.T) {
	data := buildMinimalELF(t)
	data[0] = 0x00
	if _, err := parseRawELF(data); err == nil {
		t.Error("expected an error for bad magic")
	}
}

func TestParseRawELFRejectsNon64Bit(t *testing.T) {
	data := buildMinimalELF(t)
	data[4] = 1 // ELFCLASS32
	if _, err := parseRawELF(data); err == nil {
		t.Error("expected an error for a non-ELFCLASS64 file")
	}
}

func TestCheckRangeOutOfBounds(t *testing.T) {
	data := buildMinimalELF(t)
	r, err := parseRawELF(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.checkRange(uint64(len(data)), 1); err == nil {
		t.Error("checkRange past end of file should error")
	}
	if err := r.checkRange(0, uint64(len(data))); err != nil {
		t.Errorf("checkRange spanning the whole file should succeed: %v", err)
	}
}

func TestReadSymsRoundTrip(t *testing.T) {
	syms := []Sym64{
		{Name: 0, Info: uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC), Value: 0x10, Size: 8},
		{Name: 5, Info: uint8(elf.STB_LOCAL)<<4 | uint8(elf.STT_OBJECT), Shndx: 3, Value: 0x20},
	}
	var buf bytes.Buffer
	for _, s := range syms {
		binary.Write(&buf, binary.LittleEndian, &s)
	}
	got, err := readSyms(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d syms, want 2", len(got))
	}
	if got[0].Type() != elf.STT_FUNC || got[0].Bind() != elf.STB_GLOBAL {
		t.Errorf("sym[0] type/bind decoded wrong: %+v", got[0])
	}
	if got[1].Type() != elf.STT_OBJECT || got[1].Bind() != elf.STB_LOCAL {
		t.Errorf("sym[1] type/bind decoded wrong: %+v", got[1])
	}
}

func TestReadSymsRejectsMisalignedLength(t *testing.T) {
	if _, err := readSyms(make([]byte, symSize+1)); err == nil {
		t.Error("expected an error for a length not a multiple of symSize")
	}
}

func TestReadRelasRoundTrip(t *testing.T) {
	relas := []Rela64{
		{Offset: 0x100, Info: uint64(7)<<32 | uint64(elf.R_X86_64_64), Addend: -8},
	}
	var buf bytes.Buffer
	for _, r := range relas {
		binary.Write(&buf, binary.LittleEndian, &r)
	}
	got, err := readRelas(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d relas, want 1", len(got))
	}
	if got[0].Sym() != 7 || got[0].Type() != uint32(elf.R_X86_64_64) || got[0].Addend != -8 {
		t.Errorf("rela decoded wrong: %+v", got[0])
	}
}

func TestCstr(t *testing.T) {
	tab := []byte("\x00foo\x00bar\x00")
	if got := cstr(tab, 1); got != "foo" {
		t.Errorf("cstr(1) = %q, want foo", got)
	}
	if got := cstr(tab, 5); got != "bar" {
		t.Errorf("cstr(5) = %q, want bar", got)
	}
	if got := cstr(tab, 999); got != "" {
		t.Errorf("cstr(out of range) = %q, want empty", got)
	}
}

func TestStripVersion(t *testing.T) {
	cases := map[string]string{
		"malloc":        "malloc",
		"pthread@GLIBC": "pthread",
		"foo@@GLIBC_2.17": "foo",
		"":              "",
	}
	for in, want := range cases {
		if got := StripVersion(in); got != want {
			t.Errorf("StripVersion(%q) = %q, want %q", in, got, want)
		}
	}
}
