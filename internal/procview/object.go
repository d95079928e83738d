//go:build linux

package procview

import (
	"path/filepath"
	"strconv"
)

// ObjectFile groups every VmArea backed by the same (dev, inode) pair —
// typically the several r-xp/r--p/rw-p mappings the kernel creates for one
// ELF file — so the rest of the patcher can reason about "the target
// binary" or "libc" as a single entity instead of per-segment mappings.
type ObjectFile struct {
	Key   string // "dev:inode", or the raw path for anonymous/special maps
	Path  string
	Areas []VmArea
}

// MinStart returns the lowest VmArea.Start among this object's mappings.
func (o *ObjectFile) MinStart() uint64 {
	min := o.Areas[0].Start
	for _, a := range o.Areas[1:] {
		if a.Start < min {
			min = a.Start
		}
	}
	return min
}

// ExecArea returns the first PF_X mapping belonging to this object, if any.
func (o *ObjectFile) ExecArea() (VmArea, bool) {
	for _, a := range o.Areas {
		if a.Exec {
			return a, true
		}
	}
	return VmArea{}, false
}

func objectKey(a VmArea) string {
	if a.Inode == 0 || a.Path == "" {
		return a.Path // anonymous mappings ([heap], [stack], "", ...) stand alone
	}
	return a.Dev + ":" + strconv.FormatUint(a.Inode, 10)
}

// groupObjects buckets areas by backing file, preserving first-seen order
// so callers that want "the object the target binary maps to" can just
// take the first group whose path matches.
func groupObjects(areas []VmArea) []*ObjectFile {
	index := map[string]*ObjectFile{}
	var order []*ObjectFile
	for _, a := range areas {
		key := objectKey(a)
		obj, ok := index[key]
		if !ok {
			obj = &ObjectFile{Key: key, Path: a.Path}
			index[key] = obj
			order = append(order, obj)
		}
		obj.Areas = append(obj.Areas, a)
	}
	return order
}

// LibcNotFoundError reports that no mapped object looked like libc.
type LibcNotFoundError struct{}

func (e *LibcNotFoundError) Error() string { return "no libc mapping found in target process" }

// findLibcBase locates the first executable VMA belonging to an object
// whose basename starts with "libc" (spec.md §4.C): the scratch address
// where the ptrace driver writes its syscall stub.
func findLibcBase(objects []*ObjectFile) (uint64, error) {
	for _, o := range objects {
		base := filepath.Base(o.Path)
		if len(base) >= 4 && base[:4] == "libc" {
			if area, ok := o.ExecArea(); ok {
				return area.Start, nil
			}
		}
	}
	return 0, &LibcNotFoundError{}
}
