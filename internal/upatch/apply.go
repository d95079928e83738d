//go:build linux

package upatch

import (
	"context"
	"debug/elf"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/xyproto/upatch-manage/internal/arch"
	"github.com/xyproto/upatch-manage/internal/elfmodel"
	"github.com/xyproto/upatch-manage/internal/layout"
	"github.com/xyproto/upatch-manage/internal/procview"
	"github.com/xyproto/upatch-manage/internal/reloc"
	"github.com/xyproto/upatch-manage/internal/resolve"
	"github.com/xyproto/upatch-manage/internal/rtrace"
	"github.com/xyproto/upatch-manage/internal/safety"
	"github.com/xyproto/upatch-manage/internal/trampoline"
)

// ApplyOptions configures one Apply call; the zero value is usable and
// picks the package defaults everywhere. Stack-safety retry pacing is
// configured globally via safety.RetryInterval, not per call, since it's
// an operator-wide tuning knob (spec.md §4.H), not a per-patch one.
type ApplyOptions struct {
	Logger *slog.Logger
}

func (o ApplyOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// pendingReloc is one RELA entry queued for the second, address-aware pass
// once layout has placed the patch somewhere in the target.
type pendingReloc struct {
	rel        elfmodel.Rela64
	targetSect int
	deferred   bool // symbol is patch-local; must resolve after PlaceAt
	result     resolve.Result
}

// Apply attaches to pid, places patch's code/data into its address space,
// and atomically redirects every function .upatch.funcs names (spec.md
// §4, the whole A-through-I pipeline in one call).
func Apply(ctx context.Context, pid int, targetPath string, patchData []byte, opts ApplyOptions) (*procview.AppliedPatch, error) {
	log := opts.logger().With("pid", pid, "target", targetPath)

	patch, err := elfmodel.LoadPatchObject(patchData)
	if err != nil {
		return nil, classify(err)
	}

	targetData, err := os.ReadFile(targetPath)
	if err != nil {
		return nil, wrap(KindIO, err)
	}
	target, err := elfmodel.LoadTargetObject(targetData)
	if err != nil {
		return nil, classify(err)
	}

	id, err := arch.FromELFMachine(patch.Machine())
	if err != nil {
		return nil, wrap(KindMalformedElf, err)
	}
	a, err := arch.New(id)
	if err != nil {
		return nil, wrap(KindMalformedElf, err)
	}

	proc, err := procview.Open(pid)
	if err != nil {
		return nil, classify(err)
	}

	patchUUID := uuid.NewSHA1(uuid.NameSpaceOID, patchData).String()
	for _, applied := range proc.Patches {
		if applied.UUID == patchUUID {
			return nil, wrap(KindAlreadyApplied, fmt.Errorf("patch %s is already applied to pid %d", patchUUID, pid))
		}
	}

	objectFile, err := proc.TargetObjectFor(targetPath, target)
	if err != nil {
		return nil, wrap(KindNotFound, err)
	}
	if err := verifyLiveBuildID(target, objectFile.Path); err != nil {
		return nil, classify(err)
	}

	log.Debug("attaching", "threads", proc.Threads, "libc_base", fmt.Sprintf("0x%x", proc.LibcBase))
	driver, err := rtrace.Attach(pid, a, proc.LibcBase)
	if err != nil {
		return nil, wrap(KindIO, err)
	}
	defer driver.Detach()
	if err := driver.InstallSyscallStub(); err != nil {
		return nil, wrap(KindMemoryMap, err)
	}

	jt := reloc.NewJumpTable(a)
	resolver := &resolve.Resolver{Target: target, Patch: patch, Mem: driver.Mem, LoadBias: target.LoadBias, ID: id, JT: jt}

	pending, err := resolveExternalPass(resolver, patch)
	if err != nil {
		return nil, classify(err)
	}

	const infoHeaderLen = 7 + 1 + 36 + 8 + 8 + 8 + 4 // mirrors procview's private header layout
	const infoFuncRecLen = 2*8 + 2*8 + 1 + 16 + 64 // mirrors procview's private PatchFunc record layout
	l, err := layout.Plan(patch, jt, infoHeaderLen+len(patch.Funcs)*infoFuncRecLen)
	if err != nil {
		return nil, classify(err)
	}

	anchor := target.LoadStart
	base, err := layout.FindSpace(proc, anchor, l.Len())
	if err != nil {
		return nil, classify(err)
	}
	l.PlaceAt(base)
	log.Debug("placed patch", "base", fmt.Sprintf("0x%x", base), "len", l.Len())

	if err := resolvePatchLocalPass(resolver, l, pending); err != nil {
		return nil, classify(err)
	}

	relocator := reloc.NewRelocator(a, jt)
	if err := applyAllRelocs(relocator, l, pending); err != nil {
		return nil, classify(err)
	}

	if err := l.Commit(driver); err != nil {
		return nil, wrap(KindMemoryMap, err)
	}

	checker := &safety.Checker{D: driver}
	install := &trampoline.Installer{A: a, Mem: driver.Mem}

	funcs := make([]procview.PatchFunc, 0, len(patch.Funcs))
	for _, f := range patch.Funcs {
		newAddr, err := l.SectionRemote(newAddrSection(patch, f), f.NewAddr)
		if err != nil {
			// The section NewAddr is relative to was not placed; fall
			// back to using NewAddr unchanged, as an absolute address.
			newAddr = f.NewAddr
		}
		dr := safety.DangerRange(safety.Active, f.OldAddr, f.OldSize, newAddr, f.NewSize)
		if err := checker.CheckWithRetry(ctx, dr); err != nil {
			rollback(install, driver, l, base)
			return nil, classify(err)
		}
		origin, err := install.Install(f.OldAddr, newAddr)
		if err != nil {
			rollback(install, driver, l, base)
			return nil, wrap(KindMemoryMap, err)
		}
		log.Debug("overwrote prologue", "func", f.Name, "original", trampoline.Disassemble(id, origin, f.OldAddr))
		funcs = append(funcs, procview.PatchFunc{
			OldAddr: f.OldAddr, OldSize: f.OldSize,
			NewAddr: newAddr, NewSize: f.NewSize,
			Name:    f.Name,
			Origin:  origin,
		})
	}

	ap := procview.AppliedPatch{
		UUID:           patchUUID,
		Start:          base,
		End:            base + l.Len(),
		ChangedFuncNum: uint32(len(funcs)),
		Funcs:          funcs,
	}
	infoBlock := procview.EncodeInfoBlock(ap)
	if err := driver.Mem.WriteAt(l.InfoBase(), infoBlock); err != nil {
		rollback(install, driver, l, base)
		return nil, wrap(KindIO, err)
	}

	log.Info("patch applied", "uuid", patchUUID, "functions", len(funcs))
	return &ap, nil
}

// rollback best-effort unwinds a failed apply: it replays every trampoline
// already installed and unmaps the staging image, swallowing secondary
// errors since the original failure is what the caller needs to see.
func rollback(install *trampoline.Installer, d *rtrace.Driver, l *layout.Layout, base uint64) {
	_ = install.Journal.Replay(d.Mem)
	_ = layout.Remove(d, base, base+l.Len())
}

// verifyLiveBuildID re-parses the mapped file's own on-disk bytes and
// compares its build-id against the one already loaded for target, to
// catch a binary replaced on disk after the process started.
func verifyLiveBuildID(target *elfmodel.TargetObject, livePath string) error {
	liveData, err := os.ReadFile(livePath)
	if err != nil {
		return nil // unreadable (e.g. deleted-but-running binary); not our call to block on
	}
	live, err := elfmodel.LoadTargetObject(liveData)
	if err != nil {
		return nil
	}
	return target.VerifyBuildID(live.BuildID)
}

// resolveExternalPass resolves every RELA entry whose symbol is external
// to the patch (anything patch-local is deferred to the second pass,
// since its address is only known after layout has run). Any symbol tiers
// 1-3 match allocates its jump-table entry as a side effect of Resolve,
// so the table's final size is settled before layout.Plan is called.
func resolveExternalPass(r *resolve.Resolver, patch *elfmodel.PatchObject) ([]pendingReloc, error) {
	var out []pendingReloc
	for relaIdx, targetSect := range patch.RelaSections() {
		relas, err := patch.RelasFor(relaIdx)
		if err != nil {
			return nil, err
		}
		for _, rel := range relas {
			symIdx := int(rel.Sym())
			if symIdx < 0 || symIdx >= len(patch.Symtab) {
				return nil, fmt.Errorf("relocation references out-of-range symbol %d", symIdx)
			}
			sym := patch.Symtab[symIdx]
			deferred := sym.Shndx != 0 &&
				int(sym.Shndx) != elfmodel.SHN_LIVEPATCH &&
				elf.SectionIndex(sym.Shndx) != elf.SHN_ABS &&
				elf.SectionIndex(sym.Shndx) != elf.SHN_COMMON

			pr := pendingReloc{rel: rel, targetSect: targetSect, deferred: deferred}
			if !deferred {
				res, err := r.Resolve(symIdx, nil)
				if err != nil {
					return nil, err
				}
				pr.result = res
			}
			out = append(out, pr)
		}
	}
	return out, nil
}

// resolvePatchLocalPass fills in the Result for every deferred relocation
// now that l.SectionAddr can answer for patch-local symbols.
func resolvePatchLocalPass(r *resolve.Resolver, l *layout.Layout, pending []pendingReloc) error {
	for i := range pending {
		if !pending[i].deferred {
			continue
		}
		symIdx := int(pending[i].rel.Sym())
		res, err := r.Resolve(symIdx, l.SectionAddr)
		if err != nil {
			return err
		}
		pending[i].result = res
	}
	return nil
}

// applyAllRelocs mutates the staging blob in place for every queued
// relocation, now that every symbol has a final value and the blob has a
// final remote address.
func applyAllRelocs(relocator *reloc.Relocator, l *layout.Layout, pending []pendingReloc) error {
	for _, pr := range pending {
		ps, ok := l.SectionByIndex(pr.targetSect)
		if !ok {
			return fmt.Errorf("relocation targets unplaced section %d", pr.targetSect)
		}
		start := ps.Offset + pr.rel.Offset
		end := start + 8
		if end > uint64(len(l.Staging)) {
			end = uint64(len(l.Staging))
		}
		if end <= start {
			return fmt.Errorf("relocation offset 0x%x falls outside section %q", pr.rel.Offset, ps.Name)
		}

		req := reloc.Request{
			Type:     pr.rel.Type(),
			Loc:      l.Staging[start:end],
			ULoc:     ps.Remote + pr.rel.Offset,
			SymAddr:  pr.result.Value,
			Addend:   pr.rel.Addend,
			Indirect: pr.result.Indirect,
			JTOffset: pr.result.JTOffset,
			JTBase:   l.JumpTableBase(),
		}
		if err := relocator.Apply(req); err != nil {
			return err
		}
	}
	return nil
}

// newAddrSection finds which patch section a .upatch.funcs record's
// NewAddr is relative to, by locating the patch symbol of the same name
// and reading its section index. Falling back to the first text section
// covers patch objects whose replacement function was emitted as a local
// symbol the toolchain stripped the name from.
func newAddrSection(patch *elfmodel.PatchObject, f elfmodel.UpatchFunc) int {
	for i, sym := range patch.Symtab {
		if sym.Shndx == 0 {
			continue
		}
		if patch.SymbolName(i) == f.Name {
			return int(sym.Shndx)
		}
	}
	for i := 0; i < patch.NumSections(); i++ {
		if patch.SectionName(i) == ".upatch.text" || patch.SectionName(i) == ".text" {
			return i
		}
	}
	return 0
}
