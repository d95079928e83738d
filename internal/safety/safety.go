//go:build linux

// Package safety checks that no attached thread has a return address
// sitting inside the code range a trampoline install/removal is about to
// rewrite, retrying with backoff since the danger window is usually
// transient (a thread mid-call in the target function will normally
// return out of it within milliseconds). It is grounded on the pack's
// stack_validator.go frame-walking approach, generalized to the two
// danger-range modes spec.md §4.H defines.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"golang.org/x/sys/unix"

	"github.com/xyproto/upatch-manage/internal/rtrace"
)

// Mode selects which address range is dangerous to have a live return
// address inside of.
type Mode int

const (
	// Active: installing a trampoline. The danger range is the original
	// function being overwritten — a thread returning into the middle of
	// a half-rewritten prologue would execute garbage.
	Active Mode = iota
	// Deactive: removing a trampoline. The danger range is the
	// replacement function, which is about to be unmapped.
	Deactive
)

// ActiveFunctionError reports that after every retry, some thread still
// had a return address inside the danger range (spec.md §7,
// ActiveFunction).
type ActiveFunctionError struct {
	Tid  int
	Addr uint64
}

func (e *ActiveFunctionError) Error() string {
	return fmt.Sprintf("thread %d has a return address 0x%x inside the function being patched", e.Tid, e.Addr)
}

// Range is the danger window: [Start, Start+Size).
type Range struct {
	Start uint64
	Size  uint64
}

func (r Range) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.Start+r.Size
}

// DangerRange computes the address range that must not appear as a live
// return address, per spec.md §4.H: Active mode watches the old function
// being overwritten, Deactive mode watches the new function being
// unmapped.
func DangerRange(mode Mode, oldAddr, oldSize, newAddr, newSize uint64) Range {
	if mode == Active {
		return Range{oldAddr, oldSize}
	}
	return Range{newAddr, newSize}
}

// MaxUnwindDepth bounds how many frames the chained-return-address walk
// will follow before giving up on a thread, avoiding an unbounded loop on
// a corrupted or cyclic stack.
const MaxUnwindDepth = 256

// RetryTimes and RetryInterval are the stack-check retry parameters
// (spec.md §4.H).
const RetryTimes = 3

var RetryInterval = time.Second

// Checker walks every attached thread's stack and compares each frame's
// return address against a danger range.
type Checker struct {
	D *rtrace.Driver
}

// Check performs one pass over every attached thread and returns an
// *ActiveFunctionError if any thread's PC or unwound return addresses
// fall inside r.
func (c *Checker) Check(r Range) error {
	for _, tid := range c.tids() {
		regs, err := getRegs(tid)
		if err != nil {
			return fmt.Errorf("get regs for thread %d: %w", tid, err)
		}
		if r.contains(regs.PC) {
			return &ActiveFunctionError{tid, regs.PC}
		}
		frames, err := c.unwind(tid, regs)
		if err != nil {
			return fmt.Errorf("unwind thread %d: %w", tid, err)
		}
		for _, ra := range frames {
			if r.contains(ra) {
				return &ActiveFunctionError{tid, ra}
			}
		}
	}
	return nil
}

// CheckWithRetry retries Check up to RetryTimes times with RetryInterval
// backoff, since a thread captured mid-call usually returns out of the
// danger range on its own shortly (spec.md §4.H,
// STACK_CHECK_RETRY_TIMES).
func (c *Checker) CheckWithRetry(ctx context.Context, r Range) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(RetryInterval), RetryTimes-1)
	return backoff.Retry(func() error {
		return c.Check(r)
	}, backoff.WithContext(b, ctx))
}

// tids exposes the driver's attached thread ids; kept as a method so a
// future per-thread filtering policy has one place to live.
func (c *Checker) tids() []int { return c.D.AttachedTids() }

// unwind walks the chain of saved return addresses starting from the
// thread's current frame: the classic frame-pointer walk of following
// [rbp] -> saved rbp, [rbp+8] -> return address, stopping at a null frame
// pointer, the stack's top, or MaxUnwindDepth frames.
func (c *Checker) unwind(tid int, regs frameRegs) ([]uint64, error) {
	var out []uint64
	fp := regs.FP
	for depth := 0; fp != 0 && depth < MaxUnwindDepth; depth++ {
		word, err := c.D.Mem.ReadAt(fp+8, 8)
		if err != nil || len(word) < 8 {
			break
		}
		ra := leU64(word)
		if ra == 0 {
			break
		}
		out = append(out, ra)

		next, err := c.D.Mem.ReadAt(fp, 8)
		if err != nil || len(next) < 8 {
			break
		}
		nfp := leU64(next)
		if nfp <= fp {
			break // not monotonically growing away from the leaf; corrupt or non-FP-chained frame
		}
		fp = nfp
	}
	return out, nil
}

func leU64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// frameRegs is the minimal register state the unwinder needs: frame
// pointer and return address register (architecture-specific, filled in
// by getRegs).
type frameRegs struct {
	FP uint64
	PC uint64
}

func getRegs(tid int) (frameRegs, error) {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &r); err != nil {
		return frameRegs{}, err
	}
	return frameRegsFrom(&r), nil
}
