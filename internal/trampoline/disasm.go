package trampoline

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/xyproto/upatch-manage/internal/arch"
)

// Disassemble renders the bytes about to be overwritten (or just written)
// as a human-readable instruction listing for verbose/debug logging. It
// never fails the caller's operation: an undecodable instruction is shown
// as a "<bad>" line (x86_64 stops there, arm64 moves on to the next
// 4-byte word), and riscv64 is always shown as a raw hex dump (x/arch
// carries no riscv64 decoder).
func Disassemble(id arch.ID, code []byte, addr uint64) string {
	switch id {
	case arch.X86_64:
		return disasmX86(code, addr)
	case arch.ARM64:
		return disasmARM64(code, addr)
	default:
		return hexDump(code, addr)
	}
}

func disasmX86(code []byte, addr uint64) string {
	var out string
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			out += fmt.Sprintf("0x%x: <bad>\n", addr+uint64(off))
			break
		}
		out += fmt.Sprintf("0x%x: %s\n", addr+uint64(off), x86asm.GNUSyntax(inst, addr+uint64(off), nil))
		off += inst.Len
	}
	return out
}

func disasmARM64(code []byte, addr uint64) string {
	var out string
	for off := 0; off+4 <= len(code); off += 4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			out += fmt.Sprintf("0x%x: <bad>\n", addr+uint64(off))
			continue
		}
		out += fmt.Sprintf("0x%x: %s\n", addr+uint64(off), inst.String())
	}
	return out
}

func hexDump(code []byte, addr uint64) string {
	out := fmt.Sprintf("0x%x: ", addr)
	for _, b := range code {
		out += fmt.Sprintf("%02x ", b)
	}
	return out
}
