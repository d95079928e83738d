// Package trampoline overwrites a function's prologue with a far jump to
// its replacement, keeping a rollback journal of what it overwrote so a
// failed multi-function patch can be undone atomically. It is grounded on
// the pack's hotreload_unix.go prologue-patching helper, generalized
// across internal/arch's three architectures and given the journal/replay
// step spec.md §4.I's rollback requirement asks for.
package trampoline

import (
	"fmt"

	"github.com/xyproto/upatch-manage/internal/arch"
	"github.com/xyproto/upatch-manage/internal/rtrace"
)

// JournalEntry records one overwritten prologue, enough to restore it.
type JournalEntry struct {
	Addr     uint64
	Original []byte
}

// Journal accumulates a JournalEntry each time Installer.Install has saved
// a prologue (before it overwrites it), so a partially-applied patch can
// be rolled back in reverse order.
type Journal struct {
	entries []JournalEntry
}

// Replay writes every recorded entry's original bytes back, most recent
// first, and stops at the first write error (best-effort: callers that
// need to keep rolling back regardless should call Replay per entry
// themselves).
func (j *Journal) Replay(mem *rtrace.MemIO) error {
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if err := mem.WriteAt(e.Addr, e.Original); err != nil {
			return fmt.Errorf("rollback prologue at 0x%x: %w", e.Addr, err)
		}
	}
	return nil
}

// Installer overwrites function prologues with far jumps to their
// replacement, journaling what it overwrites.
type Installer struct {
	A       arch.Arch
	Mem     *rtrace.MemIO
	Journal Journal
}

// Install redirects oldAddr to newAddr: it saves OriginInsnLen() bytes of
// the current prologue into the journal, then writes the architecture's
// trampoline instruction sequence (and address slot, where the
// architecture uses one). It returns the bytes it saved so the caller can
// persist them into the patch's info block for a future unpatch.
func (in *Installer) Install(oldAddr, newAddr uint64) ([]byte, error) {
	saved, err := in.Mem.ReadAt(oldAddr, in.A.OriginInsnLen())
	if err != nil {
		return nil, fmt.Errorf("read original prologue at 0x%x: %w", oldAddr, err)
	}
	in.Journal.entries = append(in.Journal.entries, JournalEntry{Addr: oldAddr, Original: saved})

	insn, err := in.A.TrampolineInsn(oldAddr, newAddr)
	if err != nil {
		return nil, err
	}
	if err := in.Mem.WriteAt(oldAddr, insn); err != nil {
		return nil, fmt.Errorf("write trampoline at 0x%x: %w", oldAddr, err)
	}
	if addrBytes := in.A.TrampolineAddr(newAddr); len(addrBytes) > 0 {
		if err := in.Mem.WriteAt(oldAddr+uint64(in.A.UpatchInsnLen()), addrBytes); err != nil {
			return nil, fmt.Errorf("write trampoline address slot at 0x%x: %w", oldAddr, err)
		}
	}

	return saved, nil
}

// Remove restores a previously installed trampoline's original bytes
// directly (used by the "unpatch" operation, which doesn't go through the
// same-session journal Install built).
func (in *Installer) Remove(oldAddr uint64, original []byte) error {
	return in.Mem.WriteAt(oldAddr, original)
}
