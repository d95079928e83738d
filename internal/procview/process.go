//go:build linux

package procview

import (
	"debug/elf"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/xyproto/upatch-manage/internal/elfmodel"
)

// Process is a snapshot of one running target: its memory map, the object
// files backing that map, any upatch-manage patches already resident in
// it, and the libc scratch address the ptrace driver needs. It is
// immutable once built; call Refresh to rescan after the process's
// mappings have changed (e.g. after a successful apply).
type Process struct {
	Pid       int
	Areas     []VmArea
	Objects   []*ObjectFile
	Patches   []AppliedPatch
	LibcBase  uint64
	Threads   []int

	// Supplementary info from gopsutil, used only for diagnostics (spec.md
	// §4.C names this as a nice-to-have, not load-bearing for correctness).
	Comm string
}

// Open builds a Process snapshot by reading /proc/<pid>/{maps,task} and
// rescanning memory for already-applied patches.
func Open(pid int) (*Process, error) {
	areas, err := readMaps(pid)
	if err != nil {
		return nil, err
	}
	objects := groupObjects(areas)
	libcBase, err := findLibcBase(objects)
	if err != nil {
		return nil, err
	}
	patches, err := ScanAppliedPatches(pid, areas)
	if err != nil {
		return nil, err
	}
	threads, err := listTasks(pid)
	if err != nil {
		return nil, err
	}

	p := &Process{
		Pid: pid, Areas: areas, Objects: objects,
		Patches: patches, LibcBase: libcBase, Threads: threads,
	}

	if proc, err := process.NewProcess(int32(pid)); err == nil {
		if name, err := proc.Name(); err == nil {
			p.Comm = name
		}
	}

	return p, nil
}

// Refresh rereads /proc/<pid>/maps and redoes patch/thread discovery,
// leaving the Process's identity (Pid) unchanged.
func (p *Process) Refresh() error {
	fresh, err := Open(p.Pid)
	if err != nil {
		return err
	}
	*p = *fresh
	return nil
}

// TargetObjectFor finds the ObjectFile backing targetPath (matched by
// basename, since the path recorded in maps may differ from the one the
// CLI was given if it's a relative path or a symlink) and binds a parsed
// TargetObject's LoadBias/LoadStart to that mapping (spec.md §4.B).
func (p *Process) TargetObjectFor(targetPath string, t *elfmodel.TargetObject) (*ObjectFile, error) {
	for _, o := range p.Objects {
		if o.Path == targetPath || sameBasename(o.Path, targetPath) {
			area, ok := o.ExecArea()
			if !ok {
				area = o.Areas[0]
			}
			minVaddr, found := t.MinLoadVaddr(false)
			if !found {
				minVaddr = 0
			}
			loadStart := o.MinStart()
			t.LoadStart = loadStart
			if t.PIE || t.Type == elf.ET_DYN {
				t.LoadBias = loadStart - minVaddr
			} else {
				t.LoadBias = 0
			}
			_ = area
			return o, nil
		}
	}
	return nil, fmt.Errorf("target %q is not mapped into process %d", targetPath, p.Pid)
}

// FindHoles returns the unmapped gaps within [lo, hi], guard-shrunk by one
// page on each side, for package layout's placement scan (spec.md §4.G).
func (p *Process) FindHoles(lo, hi uint64) []VmHole {
	return findHoles(p.Areas, lo, hi)
}

func sameBasename(a, b string) bool {
	ba, bb := base(a), base(b)
	return ba != "" && ba == bb
}

func base(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
