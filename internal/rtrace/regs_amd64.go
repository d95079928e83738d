//go:build linux && amd64

package rtrace

import "golang.org/x/sys/unix"

func pcOf(r *unix.PtraceRegs) uint64 { return r.Rip }
func setPC(r *unix.PtraceRegs, pc uint64) { r.Rip = pc }
func spOf(r *unix.PtraceRegs) uint64 { return r.Rsp }

func setSyscall(r *unix.PtraceRegs, nr uint64, args [6]uint64) {
	r.Rax = nr
	r.Rdi = args[0]
	r.Rsi = args[1]
	r.Rdx = args[2]
	r.R10 = args[3]
	r.R8 = args[4]
	r.R9 = args[5]
}

func resultOf(r *unix.PtraceRegs) uint64 { return r.Rax }

// Syscall numbers for the x86_64 table (arch/x86/entry/syscalls/syscall_64.tbl).
const (
	sysMmap     = 9
	sysMprotect = 10
	sysMunmap   = 11
)
