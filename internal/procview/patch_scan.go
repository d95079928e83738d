//go:build linux

package procview

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/upatch-manage/internal/rtrace"
)

// InfoMagic marks the start of a self-describing header upatch-manage
// writes into the target's address space alongside a patch's code/data, so
// a later "info" or "unpatch" invocation can rediscover it purely by
// rescanning /proc/<pid>/maps (spec.md §4.I).
var InfoMagic = [7]byte{'U', 'P', 'A', 'T', 'C', 'H', 0}

// maxOriginLen bounds how many original-prologue bytes a PatchFunc record
// carries; the widest architecture's OriginInsnLen (arm64/riscv64, 16) sets
// the ceiling, x86_64's 14 bytes pad out the rest with zero.
const maxOriginLen = 16

// PatchFunc is one redirected function recorded in an applied patch's
// info block: the original site that was overwritten, the replacement
// that was jumped to, and the bytes that were there before the trampoline
// went in, so a later "unpatch" invocation — potentially run from a
// different process entirely — can restore them without needing any
// in-memory rollback journal from the apply that installed them.
type PatchFunc struct {
	OldAddr uint64
	OldSize uint64
	NewAddr uint64
	NewSize uint64
	Name    string
	Origin  []byte // the OriginInsnLen() bytes overwritten at OldAddr
}

// AppliedPatch is one upatch-manage patch currently resident in a target
// process, reconstructed by rescanning its memory.
type AppliedPatch struct {
	UUID           string
	Start, End     uint64
	ChangedFuncNum uint32
	Funcs          []PatchFunc
}

const (
	uuidFieldLen = 36 // canonical "xxxxxxxx-xxxx-...-xxxxxxxxxxxx" text form
	headerLen    = len(InfoMagic) + 1 /*pad*/ + uuidFieldLen + 8 /*size*/ + 8 /*start*/ + 8 /*end*/ + 4 /*changed_func_num*/
)

// ScanAppliedPatches rescans every candidate region of the process for an
// info-block header and decodes each one it finds. Candidate regions are
// anonymous, readable mappings (a patch's staging image is never backed by
// a file) — this mirrors how the original implementation rediscovers live
// patches without any separate bookkeeping file.
func ScanAppliedPatches(pid int, areas []VmArea) ([]AppliedPatch, error) {
	mem, err := rtrace.OpenMemIO(pid)
	if err != nil {
		return nil, err
	}
	defer mem.Close()

	var out []AppliedPatch
	for _, a := range areas {
		if !a.Read || a.Inode != 0 {
			continue
		}
		if a.Len() < uint64(headerLen) {
			continue
		}
		head, err := mem.ReadAt(a.Start, headerLen)
		if err != nil {
			continue // unreadable region, e.g. guard page; skip
		}
		if !bytes.Equal(head[:len(InfoMagic)], InfoMagic[:]) {
			continue
		}
		ap, err := decodeHeader(head)
		if err != nil {
			continue
		}
		if ap.ChangedFuncNum > 0 {
			recSize := 2*8 + 2*8 + 1 + maxOriginLen + nameFieldLen
			funcsBuf, err := mem.ReadAt(a.Start+uint64(headerLen), int(ap.ChangedFuncNum)*recSize)
			if err == nil {
				ap.Funcs = decodeFuncs(funcsBuf, int(ap.ChangedFuncNum))
			}
		}
		out = append(out, ap)
	}
	return out, nil
}

func decodeHeader(head []byte) (AppliedPatch, error) {
	if len(head) < headerLen {
		return AppliedPatch{}, fmt.Errorf("info block header truncated")
	}
	off := len(InfoMagic) + 1
	uuidBytes := head[off : off+uuidFieldLen]
	off += uuidFieldLen
	size := binary.LittleEndian.Uint64(head[off : off+8])
	off += 8
	start := binary.LittleEndian.Uint64(head[off : off+8])
	off += 8
	end := binary.LittleEndian.Uint64(head[off : off+8])
	off += 8
	changed := binary.LittleEndian.Uint32(head[off : off+4])
	_ = size
	return AppliedPatch{
		UUID:           string(bytes.TrimRight(uuidBytes, "\x00")),
		Start:          start,
		End:            end,
		ChangedFuncNum: changed,
	}, nil
}

const nameFieldLen = 64

func patchFuncRecSize() int { return 2*8 + 2*8 + 1 + maxOriginLen + nameFieldLen }

func decodeFuncs(buf []byte, n int) []PatchFunc {
	recSize := patchFuncRecSize()
	out := make([]PatchFunc, 0, n)
	for i := 0; i < n; i++ {
		if (i+1)*recSize > len(buf) {
			break
		}
		rec := buf[i*recSize : (i+1)*recSize]
		originLen := int(rec[32])
		if originLen > maxOriginLen {
			originLen = maxOriginLen
		}
		origin := append([]byte(nil), rec[33:33+originLen]...)
		name := string(bytes.TrimRight(rec[33+maxOriginLen:33+maxOriginLen+nameFieldLen], "\x00"))
		out = append(out, PatchFunc{
			OldAddr: binary.LittleEndian.Uint64(rec[0:8]),
			OldSize: binary.LittleEndian.Uint64(rec[8:16]),
			NewAddr: binary.LittleEndian.Uint64(rec[16:24]),
			NewSize: binary.LittleEndian.Uint64(rec[24:32]),
			Name:    name,
			Origin:  origin,
		})
	}
	return out
}

// EncodeInfoBlock serializes ap into the on-disk header+records layout
// ScanAppliedPatches expects, for package upatch to write alongside a
// newly applied patch.
func EncodeInfoBlock(ap AppliedPatch) []byte {
	recSize := patchFuncRecSize()
	buf := make([]byte, headerLen+len(ap.Funcs)*recSize)
	copy(buf[0:], InfoMagic[:])
	off := len(InfoMagic) + 1
	copy(buf[off:off+uuidFieldLen], []byte(ap.UUID))
	off += uuidFieldLen
	binary.LittleEndian.PutUint64(buf[off:off+8], ap.End-ap.Start)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], ap.Start)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], ap.End)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(ap.Funcs)))
	off = headerLen
	for _, f := range ap.Funcs {
		rec := buf[off : off+recSize]
		binary.LittleEndian.PutUint64(rec[0:8], f.OldAddr)
		binary.LittleEndian.PutUint64(rec[8:16], f.OldSize)
		binary.LittleEndian.PutUint64(rec[16:24], f.NewAddr)
		binary.LittleEndian.PutUint64(rec[24:32], f.NewSize)
		originLen := len(f.Origin)
		if originLen > maxOriginLen {
			originLen = maxOriginLen
		}
		rec[32] = byte(originLen)
		copy(rec[33:33+originLen], f.Origin)
		copy(rec[33+maxOriginLen:33+maxOriginLen+nameFieldLen], f.Name)
		off += recSize
	}
	return buf
}
