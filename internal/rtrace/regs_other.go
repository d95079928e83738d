//go:build linux && !amd64 && !arm64 && !riscv64

package rtrace

import "golang.org/x/sys/unix"

// This build of upatch-manage targets none of the three architectures it
// understands; the register accessors are present only so the package
// still compiles for tooling (vet, doc) run on an unsupported host.

func pcOf(r *unix.PtraceRegs) uint64       { return 0 }
func setPC(r *unix.PtraceRegs, pc uint64)  {}
func spOf(r *unix.PtraceRegs) uint64       { return 0 }
func setSyscall(r *unix.PtraceRegs, nr uint64, args [6]uint64) {}
func resultOf(r *unix.PtraceRegs) uint64 { return 0 }

const (
	sysMmap     = 0
	sysMprotect = 0
	sysMunmap   = 0
)
