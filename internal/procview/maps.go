//go:build linux

// Package procview builds a structural model of a running process from
// /proc/<pid>/maps: its mapped regions, the holes between them available
// for a patch to land in, the object files (by device/inode) backing
// those regions, and any upatch-manage patches already applied to it. It
// is grounded on the teacher pack's /proc scanning style in
// hotreload_unix.go, generalized to the richer maps model spec.md §4.C
// needs.
package procview

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// VmArea is one parsed line of /proc/<pid>/maps.
type VmArea struct {
	Start, End uint64
	Read, Write, Exec, Private bool
	Offset     uint64
	Dev        string
	Inode      uint64
	Path       string
}

func (a VmArea) Len() uint64 { return a.End - a.Start }

// PageSize is assumed 4KiB; the hole scanner guards each side of a
// candidate hole by one page to avoid landing a placement directly
// against a neighboring mapping (spec.md §4.G).
const PageSize = uint64(4096)

// VmHole is an unmapped gap between two consecutive VmAreas, already
// guard-shrunk by one page on each side.
type VmHole struct {
	Start, End uint64
}

func (h VmHole) Len() uint64 {
	if h.End <= h.Start {
		return 0
	}
	return h.End - h.Start
}

// parseMapsLine decodes one line of /proc/<pid>/maps, e.g.:
// "55a1a2b4b000-55a1a2b4c000 r--p 00000000 08:01 123456  /usr/bin/foo"
func parseMapsLine(line string) (VmArea, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return VmArea{}, fmt.Errorf("malformed maps line: %q", line)
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return VmArea{}, fmt.Errorf("malformed address range: %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return VmArea{}, err
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return VmArea{}, err
	}
	perms := fields[1]
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return VmArea{}, err
	}
	dev := fields[3]
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return VmArea{}, err
	}
	path := ""
	if len(fields) > 5 {
		path = strings.Join(fields[5:], " ")
	}
	return VmArea{
		Start: start, End: end,
		Read:  len(perms) > 0 && perms[0] == 'r',
		Write: len(perms) > 1 && perms[1] == 'w',
		Exec:  len(perms) > 2 && perms[2] == 'x',
		Private: len(perms) > 3 && perms[3] == 'p',
		Offset: offset, Dev: dev, Inode: inode, Path: path,
	}, nil
}

// readMaps parses every line of /proc/<pid>/maps, in ascending address
// order (the kernel already emits them sorted).
func readMaps(pid int) ([]VmArea, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("open /proc/%d/maps: %w", pid, err)
	}
	defer f.Close()

	var areas []VmArea
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		a, err := parseMapsLine(line)
		if err != nil {
			return nil, err
		}
		areas = append(areas, a)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read /proc/%d/maps: %w", pid, err)
	}
	return areas, nil
}

// listTasks lists the thread ids currently in /proc/<pid>/task.
func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("list /proc/%d/task: %w", pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// findHoles computes the unmapped gaps within [lo, hi]: the leading gap
// from lo to the first area, the gaps between consecutive areas, and the
// trailing gap after the last area up to hi. Each gap is shrunk by one
// guard page on both sides, except the trailing gap, which runs all the
// way to hi (spec.md §4.G's two-sided scan: candidates both before and
// after the target image).
func findHoles(areas []VmArea, lo, hi uint64) []VmHole {
	var holes []VmHole
	prevEnd := lo
	for _, a := range areas {
		if a.Start > lo && a.Start < hi && a.Start > prevEnd {
			gStart := prevEnd + PageSize
			gEnd := a.Start - PageSize
			if gEnd > gStart {
				holes = append(holes, VmHole{gStart, gEnd})
			}
		}
		if a.End > prevEnd {
			prevEnd = a.End
		}
	}
	if prevEnd < hi {
		gStart := prevEnd + PageSize
		if hi > gStart {
			holes = append(holes, VmHole{gStart, hi})
		}
	}
	return holes
}
