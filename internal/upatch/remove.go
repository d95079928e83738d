//go:build linux

package upatch

import (
	"context"
	"debug/elf"
	"fmt"
	"log/slog"
	"os"

	guuid "github.com/google/uuid"

	"github.com/xyproto/upatch-manage/internal/arch"
	"github.com/xyproto/upatch-manage/internal/layout"
	"github.com/xyproto/upatch-manage/internal/procview"
	"github.com/xyproto/upatch-manage/internal/rtrace"
	"github.com/xyproto/upatch-manage/internal/safety"
	"github.com/xyproto/upatch-manage/internal/trampoline"
)

// RemoveOptions configures one Remove call.
type RemoveOptions struct {
	Logger *slog.Logger
}

func (o RemoveOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Remove undoes a previously applied patch identified by uuid: it
// rediscovers the patch purely by rescanning the target's memory (spec.md
// §4.I), restores every redirected function's original prologue from the
// bytes its info block recorded at apply time, and unmaps the patch's
// staging image.
func Remove(ctx context.Context, pid int, uuid string, opts RemoveOptions) error {
	log := opts.logger().With("pid", pid, "uuid", uuid)

	if _, err := guuid.Parse(uuid); err != nil {
		return wrap(KindInvalidUUID, err)
	}

	proc, err := procview.Open(pid)
	if err != nil {
		return classify(err)
	}

	var target *procview.AppliedPatch
	for i := range proc.Patches {
		if proc.Patches[i].UUID == uuid {
			target = &proc.Patches[i]
			break
		}
	}
	if target == nil {
		return wrap(KindNotFound, fmt.Errorf("no applied patch with uuid %s in pid %d", uuid, pid))
	}

	a, err := detectRunningArch(pid)
	if err != nil {
		return wrap(KindIO, err)
	}

	driver, err := rtrace.Attach(pid, a, proc.LibcBase)
	if err != nil {
		return wrap(KindIO, err)
	}
	defer driver.Detach()
	if err := driver.InstallSyscallStub(); err != nil {
		return wrap(KindMemoryMap, err)
	}

	checker := &safety.Checker{D: driver}
	install := &trampoline.Installer{A: a, Mem: driver.Mem}

	for _, f := range target.Funcs {
		dr := safety.DangerRange(safety.Deactive, f.OldAddr, f.OldSize, f.NewAddr, f.NewSize)
		if err := checker.CheckWithRetry(ctx, dr); err != nil {
			return classify(err)
		}
	}

	for _, f := range target.Funcs {
		if len(f.Origin) == 0 {
			return wrap(KindNotFound, fmt.Errorf("function %s has no recorded original prologue to restore", f.Name))
		}
		if err := install.Remove(f.OldAddr, f.Origin); err != nil {
			return wrap(KindMemoryMap, err)
		}
	}

	if err := layout.Remove(driver, target.Start, target.End); err != nil {
		return wrap(KindMemoryMap, err)
	}

	log.Info("patch removed", "functions", len(target.Funcs))
	return nil
}

// detectRunningArch infers the target's architecture from its own
// /proc/<pid>/exe ELF header, needed because Remove (unlike Apply) has no
// patch object of its own to read e_machine from.
func detectRunningArch(pid int) (arch.Arch, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, fmt.Errorf("open /proc/%d/exe: %w", pid, err)
	}
	defer f.Close()

	var ident [20]byte
	if _, err := f.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("read ELF header of /proc/%d/exe: %w", pid, err)
	}
	machine := elf.Machine(uint16(ident[18]) | uint16(ident[19])<<8)

	id, err := arch.FromELFMachine(machine)
	if err != nil {
		return nil, err
	}
	return arch.New(id)
}
