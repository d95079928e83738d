//go:build linux && arm64

package rtrace

import "golang.org/x/sys/unix"

func pcOf(r *unix.PtraceRegs) uint64       { return r.Pc }
func setPC(r *unix.PtraceRegs, pc uint64)  { r.Pc = pc }
func spOf(r *unix.PtraceRegs) uint64       { return r.Sp }

func setSyscall(r *unix.PtraceRegs, nr uint64, args [6]uint64) {
	r.Regs[8] = nr // x8
	r.Regs[0] = args[0]
	r.Regs[1] = args[1]
	r.Regs[2] = args[2]
	r.Regs[3] = args[3]
	r.Regs[4] = args[4]
	r.Regs[5] = args[5]
}

func resultOf(r *unix.PtraceRegs) uint64 { return r.Regs[0] }

// Syscall numbers per the generic Linux syscall table
// (include/uapi/asm-generic/unistd.h), which aarch64 uses directly.
const (
	sysMmap     = 222
	sysMprotect = 226
	sysMunmap   = 215
)
