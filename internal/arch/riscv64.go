package arch

import (
	"debug/elf"
	"math"
)

type riscv64Arch struct{}

func (a *riscv64Arch) ID() ID       { return RISCV64 }
func (a *riscv64Arch) Name() string { return "riscv64" }

// OriginInsnLen saves 16 bytes of original prologue for rollback room, even
// though only the first 8 are ever overwritten by auipc+jalr.
func (a *riscv64Arch) OriginInsnLen() int { return 16 }
func (a *riscv64Arch) UpatchInsnLen() int { return 8 }

// UpatchAddrLen is 0: the riscv64 trampoline encodes its target entirely
// PC-relatively (auipc+jalr), with no trailing absolute-address slot.
func (a *riscv64Arch) UpatchAddrLen() int { return 0 }

// SyscallStub is "ecall; ebreak".
func (a *riscv64Arch) SyscallStub() []byte {
	return []byte{0x73, 0x00, 0x00, 0x00, 0x73, 0x00, 0x10, 0x00}
}

const jmpTableEntrySizeRiscv64 = 32

func (a *riscv64Arch) JumpTableEntrySize() int { return jmpTableEntrySizeRiscv64 }

// EncodePLTEntry lays out a 32-byte far-jump thunk:
//
//	auipc t6, 0
//	ld    t6, 16(t6)   ; t6 <- addr0
//	jr    t6
//	<reserved>
//	addr0, addr1
func (a *riscv64Arch) EncodePLTEntry(jmpAddr uint64) []byte {
	out := make([]byte, jmpTableEntrySizeRiscv64)
	putLE32(out[0:4], 0x00000f97) // auipc t6, 0
	putLE32(out[4:8], 0x010fbf83) // ld t6, 16(t6)
	putLE32(out[8:12], 0x000f8067) // jr t6 (jalr x0, 0(t6))
	copy(out[16:24], le64(jmpAddr))
	return out
}

// EncodeGOTEntry lays down a pure-data slot pair: the resolved address,
// then the TLS word (or a 0xffffffff sentinel for non-TLS entries).
func (a *riscv64Arch) EncodeGOTEntry(jmpAddr, tlsAddr uint64) []byte {
	out := make([]byte, jmpTableEntrySizeRiscv64)
	copy(out[0:8], le64(jmpAddr))
	copy(out[8:16], le64(tlsAddr))
	return out
}

// TrampolineInsn computes the standard RISC-V far-call sequence
// "auipc t6, hi20(delta); jalr x0, lo12(delta)(t6)" from the displacement
// between old and new function, failing if it exceeds the signed 32-bit
// range auipc+jalr can encode.
func (a *riscv64Arch) TrampolineInsn(oldAddr, newAddr uint64) ([]byte, error) {
	delta := int64(newAddr) - int64(oldAddr)
	if delta > math.MaxInt32 || delta < math.MinInt32 {
		return nil, &TrampolineFitError{delta}
	}
	hi, lo := splitHiLo(int32(delta))
	out := make([]byte, 8)
	putLE32(out[0:4], (uint32(hi)<<12)|(31<<7)|0x17)                     // auipc t6, hi20
	putLE32(out[4:8], (uint32(lo&0xfff)<<20)|(31<<15)|(0<<12)|(0<<7)|0x67) // jalr x0, lo12(t6)
	return out, nil
}

func (a *riscv64Arch) TrampolineAddr(newAddr uint64) []byte { return nil }

// splitHiLo splits a signed 32-bit displacement into the (hi20, lo12) pair
// the auipc+jalr/auipc+load idiom uses, with the lo12 sign-extension
// rounding folded into hi20 per the standard RISC-V relocation convention.
func splitHiLo(delta int32) (hi20 uint32, lo12 int32) {
	adj := int64(delta) + 0x800
	hi20 = uint32(adj>>12) & 0xfffff
	lo12 = delta - int32(hi20<<12)
	return hi20, lo12
}

// ApplyReloc implements the RISC-V relocation subset the relocator needs.
// R_RISCV_BRANCH's overflow boundary (|val| >= 4096) is the one place the
// generic psABI range check doesn't apply uniformly across architectures,
// so it is checked explicitly here per the per-arch overflow rule.
func (a *riscv64Arch) ApplyReloc(in RelocInput) error {
	switch elf.R_RISCV(in.Type) {
	case elf.R_RISCV_64:
		if len(in.Loc) < 8 {
			return &UnsupportedRelocError{in.Type}
		}
		copy(in.Loc[:8], le64(in.Val))
		return nil
	case elf.R_RISCV_32:
		if in.Val > math.MaxUint32 {
			return &RelocOverflowError{in.Type, int64(in.Val)}
		}
		putLE32(in.Loc[:4], uint32(in.Val))
		return nil
	case elf.R_RISCV_RELATIVE:
		copy(in.Loc[:8], le64(in.Val))
		return nil
	case elf.R_RISCV_JUMP_SLOT:
		copy(in.Loc[:8], le64(in.Val))
		return nil
	case elf.R_RISCV_TLS_DTPMOD64, elf.R_RISCV_TLS_DTPREL64:
		copy(in.Loc[:8], le64(in.Val))
		return nil
	case elf.R_RISCV_32_PCREL:
		rel := int64(in.Val) - int64(in.ULoc)
		if rel > math.MaxInt32 || rel < math.MinInt32 {
			return &RelocOverflowError{in.Type, rel}
		}
		putLE32(in.Loc[:4], uint32(int32(rel)))
		return nil
	case elf.R_RISCV_BRANCH:
		rel := int64(in.Val) - int64(in.ULoc)
		if rel >= 4096 || rel < -4096 {
			return &RelocOverflowError{in.Type, rel}
		}
		return encodeBTypeImm(in.Loc, int32(rel))
	default:
		return &UnsupportedRelocError{in.Type}
	}
}

// encodeBTypeImm scatters a signed 13-bit branch offset across a RISC-V
// B-type instruction's imm[12|10:5|4:1|11] fields, leaving opcode/funct3/
// rs1/rs2 untouched.
func encodeBTypeImm(loc []byte, rel int32) error {
	if len(loc) < 4 {
		return &UnsupportedRelocError{0}
	}
	insn := getLE32(loc)
	u := uint32(rel)
	imm12 := (u >> 12) & 1
	imm11 := (u >> 11) & 1
	imm10_5 := (u >> 5) & 0x3f
	imm4_1 := (u >> 1) & 0xf
	insn &^= 0xfe000f80
	insn |= imm12 << 31
	insn |= imm10_5 << 25
	insn |= imm4_1 << 8
	insn |= imm11 << 7
	putLE32(loc[:4], insn)
	return nil
}
