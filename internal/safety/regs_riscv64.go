//go:build linux && riscv64

package safety

import "golang.org/x/sys/unix"

func frameRegsFrom(r *unix.PtraceRegs) frameRegs {
	return frameRegs{FP: r.S0, PC: r.Pc} // s0 doubles as fp per the RISC-V calling convention
}
