//go:build linux

package procview

import (
	"bytes"
	"testing"
)

func TestInfoBlockRoundTrip(t *testing.T) {
	ap := AppliedPatch{
		UUID:  "550e8400-e29b-41d4-a716-446655440000",
		Start: 0x700000000000,
		End:   0x700000001000,
		Funcs: []PatchFunc{
			{
				OldAddr: 0x401000,
				OldSize: 32,
				NewAddr: 0x700000000100,
				NewSize: 48,
				Name:    "do_work",
				Origin:  []byte{0x55, 0x48, 0x89, 0xe5, 0x41, 0x57},
			},
			{
				OldAddr: 0x402000,
				OldSize: 16,
				NewAddr: 0x700000000200,
				NewSize: 16,
				Name:    "helper",
				Origin:  bytes.Repeat([]byte{0x90}, maxOriginLen), // exercise the full-width case
			},
		},
	}

	block := EncodeInfoBlock(ap)
	if !bytes.Equal(block[:len(InfoMagic)], InfoMagic[:]) {
		t.Fatal("encoded block is missing the magic prefix")
	}

	decoded, err := decodeHeader(block[:headerLen])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.UUID != ap.UUID {
		t.Errorf("UUID round-trip: got %q, want %q", decoded.UUID, ap.UUID)
	}
	if decoded.Start != ap.Start || decoded.End != ap.End {
		t.Errorf("region round-trip: got [0x%x,0x%x), want [0x%x,0x%x)", decoded.Start, decoded.End, ap.Start, ap.End)
	}
	if int(decoded.ChangedFuncNum) != len(ap.Funcs) {
		t.Errorf("ChangedFuncNum = %d, want %d", decoded.ChangedFuncNum, len(ap.Funcs))
	}

	funcsBuf := block[headerLen:]
	funcs := decodeFuncs(funcsBuf, len(ap.Funcs))
	if len(funcs) != len(ap.Funcs) {
		t.Fatalf("decoded %d funcs, want %d", len(funcs), len(ap.Funcs))
	}
	for i, want := range ap.Funcs {
		got := funcs[i]
		if got.OldAddr != want.OldAddr || got.NewAddr != want.NewAddr || got.Name != want.Name {
			t.Errorf("func[%d] = %+v, want %+v", i, got, want)
		}
		if !bytes.Equal(got.Origin, want.Origin) {
			t.Errorf("func[%d].Origin = %x, want %x", i, got.Origin, want.Origin)
		}
	}
}

func TestInfoBlockOriginTruncatesAtMaxLen(t *testing.T) {
	ap := AppliedPatch{
		UUID: "00000000-0000-0000-0000-000000000000",
		Funcs: []PatchFunc{
			{Name: "f", Origin: bytes.Repeat([]byte{0xcc}, maxOriginLen+8)},
		},
	}
	block := EncodeInfoBlock(ap)
	funcs := decodeFuncs(block[headerLen:], 1)
	if len(funcs[0].Origin) != maxOriginLen {
		t.Errorf("Origin len = %d, want %d (truncated to the record's ceiling)", len(funcs[0].Origin), maxOriginLen)
	}
}
