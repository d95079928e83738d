package arch

import (
	"debug/elf"
	"math"
)

type x86_64Arch struct{}

func (a *x86_64Arch) ID() ID     { return X86_64 }
func (a *x86_64Arch) Name() string { return "x86_64" }

// OriginInsnLen: a 6-byte "jmp [rip+0]" plus an 8-byte absolute address
// slot, matching the teacher pack's x86_64 backend.go far-jump stub.
func (a *x86_64Arch) OriginInsnLen() int { return 14 }
func (a *x86_64Arch) UpatchInsnLen() int { return 6 }
func (a *x86_64Arch) UpatchAddrLen() int { return 8 }

// SyscallStub is "syscall; int3": execute one syscall, then trap back to
// the tracer so ExecRemote can recover the result registers.
func (a *x86_64Arch) SyscallStub() []byte { return []byte{0x0f, 0x05, 0xcc} }

const jmpTableEntrySizeAmd64 = 16

func (a *x86_64Arch) JumpTableEntrySize() int { return jmpTableEntrySizeAmd64 }

// EncodePLTEntry writes the teacher pack's jump-table magic
// "jmp qword ptr [rip+0x2]; nop; nop" (encoded as the little-endian
// constant 0x90900000000225ff) immediately followed by the 8-byte
// absolute target, for a 16-byte far-jump thunk.
func (a *x86_64Arch) EncodePLTEntry(jmpAddr uint64) []byte {
	const jmpMagic uint64 = 0x90900000000225ff
	out := make([]byte, jmpTableEntrySizeAmd64)
	copy(out[0:8], le64(jmpMagic))
	copy(out[8:16], le64(jmpAddr))
	return out
}

// EncodeGOTEntry lays down a pure-data slot pair: the resolved address,
// then the TLS module/offset word (or the resolver's 0xffffffff sentinel
// when this entry isn't a TLS pair).
func (a *x86_64Arch) EncodeGOTEntry(jmpAddr, tlsAddr uint64) []byte {
	out := make([]byte, jmpTableEntrySizeAmd64)
	copy(out[0:8], le64(jmpAddr))
	copy(out[8:16], le64(tlsAddr))
	return out
}

func (a *x86_64Arch) TrampolineInsn(oldAddr, newAddr uint64) ([]byte, error) {
	return []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, nil
}

func (a *x86_64Arch) TrampolineAddr(newAddr uint64) []byte {
	return le64(newAddr)
}

// ApplyReloc implements the x86_64 relocation subset the relocator needs,
// grounded on the pack's x86_64 relocation table (R_X86_64_64/PC32/PLT32/
// GLOB_DAT/JUMP_SLOT/RELATIVE/32/32S and the TLS DTPMOD64/DTPOFF64 pair
// the resolver produces GOT slots for).
func (a *x86_64Arch) ApplyReloc(in RelocInput) error {
	switch elf.R_X86_64(in.Type) {
	case elf.R_X86_64_64, elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT, elf.R_X86_64_RELATIVE, elf.R_X86_64_DTPMOD64, elf.R_X86_64_DTPOFF64:
		if len(in.Loc) < 8 {
			return &UnsupportedRelocError{in.Type}
		}
		copy(in.Loc[:8], le64(in.Val))
		return nil
	case elf.R_X86_64_32:
		if in.Val > math.MaxUint32 {
			return &RelocOverflowError{in.Type, int64(in.Val)}
		}
		putLE32(in.Loc[:4], uint32(in.Val))
		return nil
	case elf.R_X86_64_32S:
		sv := int64(in.Val)
		if sv > math.MaxInt32 || sv < math.MinInt32 {
			return &RelocOverflowError{in.Type, sv}
		}
		putLE32(in.Loc[:4], uint32(int32(sv)))
		return nil
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		rel := int64(in.Val) - int64(in.ULoc)
		if rel > math.MaxInt32 || rel < math.MinInt32 {
			return &RelocOverflowError{in.Type, rel}
		}
		putLE32(in.Loc[:4], uint32(int32(rel)))
		return nil
	default:
		return &UnsupportedRelocError{in.Type}
	}
}
