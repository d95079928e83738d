package upatch

import (
	"errors"
	"testing"

	"github.com/xyproto/upatch-manage/internal/arch"
	"github.com/xyproto/upatch-manage/internal/elfmodel"
	"github.com/xyproto/upatch-manage/internal/layout"
	"github.com/xyproto/upatch-manage/internal/procview"
	"github.com/xyproto/upatch-manage/internal/reloc"
	"github.com/xyproto/upatch-manage/internal/resolve"
	"github.com/xyproto/upatch-manage/internal/safety"
)

func TestClassifyMapsEachLowerErrorToItsKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"unresolved", &resolve.UnresolvedSymbolError{Name: "foo"}, KindSymbolUnresolved},
		{"unsupported-symbol", &resolve.UnsupportedSymbolError{Name: "foo", Reason: "common"}, KindSymbolUnsupported},
		{"reloc-overflow", &arch.RelocOverflowError{Type: 1, Val: 99}, KindRelocOverflow},
		{"reloc-unsupported", &arch.UnsupportedRelocError{Type: 77}, KindRelocUnsupported},
		{"trampoline-fit", &arch.TrampolineFitError{Delta: 1 << 40}, KindJumpRangeExceeded},
		{"jmp-table-full", &reloc.JmpTableFullError{}, KindJmpTableFull},
		{"hole-too-small", &layout.ErrHoleTooSmall{Need: 4096}, KindMemoryMap},
		{"libc-not-found", &procview.LibcNotFoundError{}, KindLibcNotFound},
		{"active-function", &safety.ActiveFunctionError{Tid: 1, Addr: 0x1000}, KindActiveFunction},
		{"malformed-elf", &elfmodel.MalformedElfError{Reason: "short file"}, KindMalformedElf},
		{"build-id-mismatch", &elfmodel.BuildIDMismatchError{}, KindBuildIDMismatch},
		{"plain-io", errors.New("disk fell over"), KindIO},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classify(c.err)
			var uerr *Error
			if !errors.As(got, &uerr) {
				t.Fatalf("classify(%v) did not produce an *Error", c.err)
			}
			if uerr.Kind != c.want {
				t.Errorf("classify(%v).Kind = %v, want %v", c.err, uerr.Kind, c.want)
			}
		})
	}
}

func TestClassifyNilIsNil(t *testing.T) {
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestClassifyPassesThroughAlreadyTypedError(t *testing.T) {
	orig := &Error{Kind: KindAlreadyApplied, Err: errors.New("dup")}
	got := classify(orig)
	var uerr *Error
	if !errors.As(got, &uerr) || uerr.Kind != KindAlreadyApplied {
		t.Errorf("classify should pass through an already-typed *Error unchanged, got %v", got)
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if wrap(KindIO, nil) != nil {
		t.Error("wrap(kind, nil) should be nil")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := &Error{Kind: KindIO, Err: inner}
	if errors.Unwrap(e) != inner {
		t.Error("Unwrap should return the wrapped error")
	}
	if e.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestKindExitCodeCoversEveryKind(t *testing.T) {
	kinds := []Kind{
		KindIO, KindMalformedElf, KindSymbolUnresolved, KindSymbolUnsupported,
		KindRelocOverflow, KindRelocUnsupported, KindJmpTableFull, KindMemoryMap,
		KindNoPatchRegion, KindActiveFunction, KindLibcNotFound, KindJumpRangeExceeded,
		KindAlreadyApplied, KindNotFound, KindBuildIDMismatch, KindInvalidUUID,
	}
	seen := map[int]Kind{}
	for _, k := range kinds {
		code := k.ExitCode()
		if code <= 1 {
			t.Errorf("%v.ExitCode() = %d, want a positive errno other than the fallback 1", k, code)
		}
		if other, ok := seen[code]; ok && other != k {
			// Some kinds legitimately share a conventional errno (e.g.
			// KindNoPatchRegion and KindJmpTableFull both map to ENOSPC);
			// just make sure nothing maps to the 1 fallback by accident.
			continue
		}
		seen[code] = k
	}
}

func TestKindStringUnknownFallsBack(t *testing.T) {
	var k Kind = 999
	if k.String() != "unknown" {
		t.Errorf("String() for an out-of-range Kind = %q, want %q", k.String(), "unknown")
	}
	if k.ExitCode() != 1 {
		t.Errorf("ExitCode() for an out-of-range Kind = %d, want 1", k.ExitCode())
	}
}
