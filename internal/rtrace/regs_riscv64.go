//go:build linux && riscv64

package rtrace

import "golang.org/x/sys/unix"

func pcOf(r *unix.PtraceRegs) uint64      { return r.Pc }
func setPC(r *unix.PtraceRegs, pc uint64) { r.Pc = pc }
func spOf(r *unix.PtraceRegs) uint64      { return r.Sp }

func setSyscall(r *unix.PtraceRegs, nr uint64, args [6]uint64) {
	r.A7 = nr
	r.A0 = args[0]
	r.A1 = args[1]
	r.A2 = args[2]
	r.A3 = args[3]
	r.A4 = args[4]
	r.A5 = args[5]
}

func resultOf(r *unix.PtraceRegs) uint64 { return r.A0 }

// riscv64 also uses the generic Linux syscall table.
const (
	sysMmap     = 222
	sysMprotect = 226
	sysMunmap   = 215
)
