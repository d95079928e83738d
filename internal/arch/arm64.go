package arch

import (
	"debug/elf"
	"math"
)

type arm64Arch struct{}

func (a *arm64Arch) ID() ID       { return ARM64 }
func (a *arm64Arch) Name() string { return "aarch64" }

// OriginInsnLen: two 4-byte instructions ("ldr x17,#8; br x17") plus an
// 8-byte absolute address slot.
func (a *arm64Arch) OriginInsnLen() int { return 16 }
func (a *arm64Arch) UpatchInsnLen() int { return 8 }
func (a *arm64Arch) UpatchAddrLen() int { return 8 }

// SyscallStub is "svc #0; brk #0": run one syscall, then trap so the
// tracer regains control.
func (a *arm64Arch) SyscallStub() []byte {
	return []byte{0x01, 0x00, 0x00, 0xd4, 0xa0, 0x00, 0x20, 0xd4}
}

const jmpTableEntrySizeArm64 = 32

func (a *arm64Arch) JumpTableEntrySize() int { return jmpTableEntrySizeArm64 }

func ldrLiteral(rt uint32, byteOffset int32) uint32 {
	imm19 := uint32(byteOffset/4) & 0x7ffff
	return 0x58000000 | (imm19 << 5) | rt
}

func brInsn(rn uint32) uint32 {
	return 0xd61f0000 | (rn << 5)
}

// EncodePLTEntry lays out a 32-byte far-jump thunk:
//
//	ldr x16, [pc, #24]   ; x16 <- addr1 (unused for a plain PLT entry)
//	ldr x17, [pc, #12]   ; x17 <- addr0 (the resolved jump target)
//	br  x17
//	<reserved>
//	addr0, addr1
func (a *arm64Arch) EncodePLTEntry(jmpAddr uint64) []byte {
	out := make([]byte, jmpTableEntrySizeArm64)
	putLE32(out[0:4], ldrLiteral(16, 24))
	putLE32(out[4:8], ldrLiteral(17, 12))
	putLE32(out[8:12], brInsn(17))
	copy(out[16:24], le64(jmpAddr))
	return out
}

// EncodeGOTEntry lays down a pure-data slot pair: the resolved address,
// then the TLS word (or a 0xffffffff sentinel for non-TLS entries).
func (a *arm64Arch) EncodeGOTEntry(jmpAddr, tlsAddr uint64) []byte {
	out := make([]byte, jmpTableEntrySizeArm64)
	copy(out[0:8], le64(jmpAddr))
	copy(out[8:16], le64(tlsAddr))
	return out
}

func (a *arm64Arch) TrampolineInsn(oldAddr, newAddr uint64) ([]byte, error) {
	return []byte{0x51, 0x00, 0x00, 0x58, 0x20, 0x02, 0x1f, 0xd6}, nil
}

func (a *arm64Arch) TrampolineAddr(newAddr uint64) []byte {
	return le64(newAddr)
}

// ApplyReloc implements the AArch64 relocation subset the relocator needs
// (ELF for the ARM 64-bit Architecture psABI): ABS64/GLOB_DAT/JUMP_SLOT/
// RELATIVE as 64-bit stores, PREL32 as a PC-relative 32-bit store, and the
// TLS module-id/offset pair the resolver's GOT builder produces.
func (a *arm64Arch) ApplyReloc(in RelocInput) error {
	switch elf.R_AARCH64(in.Type) {
	case elf.R_AARCH64_ABS64, elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT, elf.R_AARCH64_RELATIVE,
		elf.R_AARCH64_TLS_DTPMOD64, elf.R_AARCH64_TLS_DTPREL64:
		if len(in.Loc) < 8 {
			return &UnsupportedRelocError{in.Type}
		}
		copy(in.Loc[:8], le64(in.Val))
		return nil
	case elf.R_AARCH64_ABS32:
		if in.Val > math.MaxUint32 {
			return &RelocOverflowError{in.Type, int64(in.Val)}
		}
		putLE32(in.Loc[:4], uint32(in.Val))
		return nil
	case elf.R_AARCH64_PREL32:
		rel := int64(in.Val) - int64(in.ULoc)
		if rel > math.MaxInt32 || rel < math.MinInt32 {
			return &RelocOverflowError{in.Type, rel}
		}
		putLE32(in.Loc[:4], uint32(int32(rel)))
		return nil
	case elf.R_AARCH64_PREL64:
		rel := uint64(int64(in.Val) - int64(in.ULoc))
		copy(in.Loc[:8], le64(rel))
		return nil
	default:
		return &UnsupportedRelocError{in.Type}
	}
}
