//go:build linux

// Package rtrace drives a target process through ptrace: attaching every
// thread, reading and writing its memory, and executing syscalls on its
// behalf by hijacking a thread's registers to run a short code stub. It
// generalizes the teacher pack's hotreload_unix.go ptrace plumbing from a
// single always-amd64 ABI to the three architectures internal/arch knows
// about.
package rtrace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MemIO reads and writes a target process's memory via /proc/<pid>/mem,
// independent of whether any thread is currently ptrace-attached (reading
// requires only ptrace_may_access permission, not an active attach).
type MemIO struct {
	pid int
	f   *os.File
}

// OpenMemIO opens /proc/<pid>/mem for read/write.
func OpenMemIO(pid int) (*MemIO, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		f, err = os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open /proc/%d/mem: %w", pid, err)
		}
	}
	return &MemIO{pid: pid, f: f}, nil
}

func (m *MemIO) Close() error { return m.f.Close() }

// ReadAt reads n bytes from the target's address space at addr.
func (m *MemIO) ReadAt(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := m.f.ReadAt(buf, int64(addr))
	if err != nil {
		return nil, fmt.Errorf("pread target mem at 0x%x: %w", addr, err)
	}
	return buf[:got], nil
}

// WriteAt writes data to the target's address space at addr, falling back
// to word-at-a-time PTRACE_POKEDATA when the pwrite is rejected (some
// kernels refuse a /proc/<pid>/mem write unless the writer is the
// tracer of a currently-stopped tracee).
func (m *MemIO) WriteAt(addr uint64, data []byte) error {
	if _, err := m.f.WriteAt(data, int64(addr)); err == nil {
		return nil
	}
	return m.pokeWords(addr, data)
}

func (m *MemIO) pokeWords(addr uint64, data []byte) error {
	const word = 8
	off := uint64(0)
	for off < uint64(len(data)) {
		chunk := data[off:]
		var buf [word]byte
		n := copy(buf[:], chunk)
		if n < word {
			// Preserve the tail bytes beyond data by reading the existing
			// word first (PTRACE_POKEDATA always writes a full word).
			existing, err := m.ReadAt(addr+off, word)
			if err == nil {
				copy(buf[n:], existing[n:])
			}
		}
		if _, err := unix.PtracePokeData(m.pid, uintptr(addr+off), buf[:]); err != nil {
			return fmt.Errorf("PTRACE_POKEDATA at 0x%x: %w", addr+off, err)
		}
		off += word
	}
	return nil
}
