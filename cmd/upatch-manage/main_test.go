package main

import (
	"errors"
	"testing"

	"github.com/xyproto/upatch-manage/internal/upatch"
)

func TestRunUnknownCommand(t *testing.T) {
	if got := run([]string{"bogus"}); got != 1 {
		t.Errorf("run([bogus]) = %d, want 1", got)
	}
}

func TestRunNoArgs(t *testing.T) {
	if got := run(nil); got != 1 {
		t.Errorf("run(nil) = %d, want 1", got)
	}
}

func TestRunHelpAndVersion(t *testing.T) {
	if got := run([]string{"help"}); got != 0 {
		t.Errorf("run([help]) = %d, want 0", got)
	}
	if got := run([]string{"version"}); got != 0 {
		t.Errorf("run([version]) = %d, want 0", got)
	}
}

func TestCmdPatchMissingFlags(t *testing.T) {
	if got := cmdPatch(nil); got != 1 {
		t.Errorf("cmdPatch(nil) = %d, want 1", got)
	}
}

func TestCmdUnpatchMissingFlags(t *testing.T) {
	if got := cmdUnpatch([]string{"--pid", "0"}); got != 1 {
		t.Errorf("cmdUnpatch with no pid/uuid = %d, want 1", got)
	}
}

func TestCmdInfoMissingPid(t *testing.T) {
	if got := cmdInfo(nil); got != 1 {
		t.Errorf("cmdInfo(nil) = %d, want 1", got)
	}
}

func TestExitForNil(t *testing.T) {
	if got := exitFor(nil); got != 0 {
		t.Errorf("exitFor(nil) = %d, want 0", got)
	}
}

func TestExitForUpatchError(t *testing.T) {
	err := &upatch.Error{Kind: upatch.KindAlreadyApplied, Err: errors.New("dup")}
	if got := exitFor(err); got != upatch.KindAlreadyApplied.ExitCode() {
		t.Errorf("exitFor(upatch.Error) = %d, want %d", got, upatch.KindAlreadyApplied.ExitCode())
	}
}

func TestExitForPlainError(t *testing.T) {
	if got := exitFor(errors.New("generic failure")); got != 1 {
		t.Errorf("exitFor(plain error) = %d, want 1", got)
	}
}

func TestStartProfileNoPathIsNoop(t *testing.T) {
	stop, err := startProfile("")
	if err != nil {
		t.Fatalf("startProfile(\"\"): %v", err)
	}
	stop()
}
