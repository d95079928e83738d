//go:build linux && amd64

package safety

import "golang.org/x/sys/unix"

func frameRegsFrom(r *unix.PtraceRegs) frameRegs {
	return frameRegs{FP: r.Rbp, PC: r.Rip}
}
