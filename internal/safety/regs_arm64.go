//go:build linux && arm64

package safety

import "golang.org/x/sys/unix"

func frameRegsFrom(r *unix.PtraceRegs) frameRegs {
	return frameRegs{FP: r.Regs[29], PC: r.Pc} // x29 is the frame-pointer register per AAPCS64
}
