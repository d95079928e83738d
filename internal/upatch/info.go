//go:build linux

package upatch

import "github.com/xyproto/upatch-manage/internal/procview"

// Info reports every upatch-manage patch currently resident in pid,
// rediscovered by rescanning its memory exactly the way Remove does
// (spec.md §4.I) — no daemon or bookkeeping file is consulted.
func Info(pid int) ([]procview.AppliedPatch, error) {
	proc, err := procview.Open(pid)
	if err != nil {
		return nil, classify(err)
	}
	return proc.Patches, nil
}
