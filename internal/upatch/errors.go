// Package upatch wires components A through I together into the three
// operations a caller actually invokes: Apply, Remove, and Info. It owns
// no machine-code or ptrace knowledge of its own — that all lives in
// internal/elfmodel, internal/arch, internal/rtrace, internal/procview,
// internal/resolve, internal/reloc, internal/layout, internal/safety, and
// internal/trampoline — and is grounded on the teacher pack's main.go
// command dispatch, generalized from a flat sequence of function calls
// into a small pipeline with a single error taxonomy.
package upatch

import (
	"errors"
	"fmt"

	"github.com/xyproto/upatch-manage/internal/arch"
	"github.com/xyproto/upatch-manage/internal/elfmodel"
	"github.com/xyproto/upatch-manage/internal/layout"
	"github.com/xyproto/upatch-manage/internal/procview"
	"github.com/xyproto/upatch-manage/internal/reloc"
	"github.com/xyproto/upatch-manage/internal/resolve"
	"github.com/xyproto/upatch-manage/internal/safety"
)

// Kind classifies every way an Apply/Remove/Info call can fail, so a CLI
// can map it to an exit code (spec.md §6) without string matching.
type Kind int

const (
	KindIO Kind = iota
	KindMalformedElf
	KindSymbolUnresolved
	KindSymbolUnsupported
	KindRelocOverflow
	KindRelocUnsupported
	KindJmpTableFull
	KindMemoryMap
	KindNoPatchRegion
	KindActiveFunction
	KindLibcNotFound
	KindJumpRangeExceeded
	KindAlreadyApplied
	KindNotFound
	KindBuildIDMismatch
	KindInvalidUUID
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindMalformedElf:
		return "malformed-elf"
	case KindSymbolUnresolved:
		return "symbol-unresolved"
	case KindSymbolUnsupported:
		return "symbol-unsupported"
	case KindRelocOverflow:
		return "reloc-overflow"
	case KindRelocUnsupported:
		return "reloc-unsupported"
	case KindJmpTableFull:
		return "jmp-table-full"
	case KindMemoryMap:
		return "memory-map"
	case KindNoPatchRegion:
		return "no-patch-region"
	case KindActiveFunction:
		return "active-function"
	case KindLibcNotFound:
		return "libc-not-found"
	case KindJumpRangeExceeded:
		return "jump-range-exceeded"
	case KindAlreadyApplied:
		return "already-applied"
	case KindNotFound:
		return "not-found"
	case KindBuildIDMismatch:
		return "build-id-mismatch"
	case KindInvalidUUID:
		return "invalid-uuid"
	default:
		return "unknown"
	}
}

// ExitCode maps a Kind to the errno-shaped exit code spec.md §6 requires
// (`exit code = |errno|`): upatch.Kind classifies failures at a coarser
// grain than a syscall errno ever could, so this picks the nearest
// conventional errno for each kind rather than inventing a private
// numbering.
func (k Kind) ExitCode() int {
	switch k {
	case KindIO:
		return 5 // EIO
	case KindMalformedElf:
		return 22 // EINVAL
	case KindSymbolUnresolved:
		return 8 // ENOEXEC
	case KindSymbolUnsupported:
		return 95 // EOPNOTSUPP
	case KindRelocOverflow:
		return 34 // ERANGE
	case KindRelocUnsupported:
		return 38 // ENOSYS
	case KindJmpTableFull:
		return 28 // ENOSPC
	case KindMemoryMap:
		return 12 // ENOMEM
	case KindNoPatchRegion:
		return 28 // ENOSPC
	case KindActiveFunction:
		return 16 // EBUSY
	case KindLibcNotFound:
		return 2 // ENOENT
	case KindJumpRangeExceeded:
		return 34 // ERANGE
	case KindAlreadyApplied:
		return 17 // EEXIST
	case KindNotFound:
		return 2 // ENOENT
	case KindBuildIDMismatch:
		return 116 // ESTALE
	case KindInvalidUUID:
		return 22 // EINVAL
	default:
		return 1
	}
}

// Error is the one error type every exported upatch function returns,
// carrying enough for a CLI to pick an exit code and a human message.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// classify maps an error surfaced by a lower package to the Kind a caller
// should see, falling back to KindIO for anything it doesn't recognize
// (plain filesystem/ptrace-syscall failures mostly land there).
func classify(err error) error {
	if err == nil {
		return nil
	}
	var alreadyTyped *Error
	if errors.As(err, &alreadyTyped) {
		return err
	}

	var unresolved *resolve.UnresolvedSymbolError
	if errors.As(err, &unresolved) {
		return wrap(KindSymbolUnresolved, err)
	}
	var unsupportedSym *resolve.UnsupportedSymbolError
	if errors.As(err, &unsupportedSym) {
		return wrap(KindSymbolUnsupported, err)
	}
	var overflow *arch.RelocOverflowError
	if errors.As(err, &overflow) {
		return wrap(KindRelocOverflow, err)
	}
	var unsupportedReloc *arch.UnsupportedRelocError
	if errors.As(err, &unsupportedReloc) {
		return wrap(KindRelocUnsupported, err)
	}
	var fit *arch.TrampolineFitError
	if errors.As(err, &fit) {
		return wrap(KindJumpRangeExceeded, err)
	}
	var full *reloc.JmpTableFullError
	if errors.As(err, &full) {
		return wrap(KindJmpTableFull, err)
	}
	var hole *layout.ErrHoleTooSmall
	if errors.As(err, &hole) {
		return wrap(KindMemoryMap, err)
	}
	var noLibc *procview.LibcNotFoundError
	if errors.As(err, &noLibc) {
		return wrap(KindLibcNotFound, err)
	}
	var active *safety.ActiveFunctionError
	if errors.As(err, &active) {
		return wrap(KindActiveFunction, err)
	}
	var malformed *elfmodel.MalformedElfError
	if errors.As(err, &malformed) {
		return wrap(KindMalformedElf, err)
	}
	var buildID *elfmodel.BuildIDMismatchError
	if errors.As(err, &buildID) {
		return wrap(KindBuildIDMismatch, err)
	}
	return wrap(KindIO, err)
}
