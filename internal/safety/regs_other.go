//go:build linux && !amd64 && !arm64 && !riscv64

package safety

import "golang.org/x/sys/unix"

func frameRegsFrom(r *unix.PtraceRegs) frameRegs { return frameRegs{} }
