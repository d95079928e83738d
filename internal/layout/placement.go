package layout

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/xyproto/upatch-manage/internal/procview"
	"github.com/xyproto/upatch-manage/internal/rtrace"
)

// MaxDistance bounds how far from the target image a patch may be placed,
// so PC-relative relocations and the fixed-width jump-table thunks stay
// within reach (spec.md §4.G).
const MaxDistance = uint64(1) << 32

// ErrHoleTooSmall reports that every candidate gap within MaxDistance of
// the anchor was smaller than the patch's staging image.
type ErrHoleTooSmall struct {
	Need uint64
}

func (e *ErrHoleTooSmall) Error() string {
	return fmt.Sprintf("no hole near target large enough for %d bytes", e.Need)
}

// FindSpace performs the two-sided scan spec.md §4.G describes: candidate
// holes are considered both below and above anchor, out to MaxDistance in
// either direction, and the first one big enough (page-aligned) wins. Gaps
// closer to the anchor are preferred, since that maximizes headroom for
// relocations that might otherwise clip the MaxDistance boundary.
func FindSpace(proc *procview.Process, anchor uint64, length uint64) (uint64, error) {
	length = alignUp(length, procview.PageSize)

	lo := uint64(0)
	if anchor > MaxDistance {
		lo = anchor - MaxDistance
	}
	hi := anchor + MaxDistance

	holes := proc.FindHoles(lo, hi)
	sortHolesByDistance(holes, anchor)

	for _, h := range holes {
		start := alignUp(h.Start, procview.PageSize)
		if h.End > start && h.End-start >= length {
			return start, nil
		}
	}
	return 0, &ErrHoleTooSmall{length}
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

func sortHolesByDistance(holes []procview.VmHole, anchor uint64) {
	dist := func(h procview.VmHole) uint64 {
		if h.Start >= anchor {
			return h.Start - anchor
		}
		return anchor - h.End
	}
	for i := 1; i < len(holes); i++ {
		for j := i; j > 0 && dist(holes[j]) < dist(holes[j-1]); j-- {
			holes[j], holes[j-1] = holes[j-1], holes[j]
		}
	}
}

// Commit mmaps the layout's staging image into the target at its placed
// remote address, writes every section's bytes, then tightens each
// section's final protection (spec.md §4.G step 3).
func (l *Layout) Commit(d *rtrace.Driver) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED
	got, err := d.MmapRemote(l.RemoteBase, l.Len(), prot, flags, -1, 0)
	if err != nil {
		return fmt.Errorf("remote mmap: %w", err)
	}
	if got != l.RemoteBase {
		return fmt.Errorf("remote mmap landed at 0x%x, wanted 0x%x", got, l.RemoteBase)
	}

	if err := d.Mem.WriteAt(l.RemoteBase, l.Staging); err != nil {
		return fmt.Errorf("write staging image: %w", err)
	}

	for _, ps := range l.Sections {
		if ps.Len == 0 {
			continue
		}
		if err := d.MprotectRemote(pageFloor(ps.Remote), pageCeil(ps.Remote+ps.Len)-pageFloor(ps.Remote), protFlags(ps.Prot)); err != nil {
			return fmt.Errorf("mprotect section %s: %w", ps.Name, err)
		}
	}
	return nil
}

func pageFloor(v uint64) uint64 { return v &^ (procview.PageSize - 1) }
func pageCeil(v uint64) uint64  { return alignUp(v, procview.PageSize) }

func protFlags(p Prot) int {
	switch p {
	case ProtRX:
		return unix.PROT_READ | unix.PROT_EXEC
	case ProtR:
		return unix.PROT_READ
	default:
		return unix.PROT_READ | unix.PROT_WRITE
	}
}

// Remove unmaps a previously committed layout (or any [start,end) range
// rediscovered from an AppliedPatch's info block) from the target.
func Remove(d *rtrace.Driver, start, end uint64) error {
	return d.MunmapRemote(pageFloor(start), pageCeil(end)-pageFloor(start))
}
