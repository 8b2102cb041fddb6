package firmware

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/vxd/internal/pvdec"
)

func TestDecode(t *testing.T) {
	raw := []byte{0x78, 0x56, 0x34, 0x12, 0xEF, 0xBE, 0xAD, 0xDE}
	blob, err := Decode(bytes.NewReader(raw), Placement{DevVirtAddr: 0x4000, Version: "v2.0.0"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(blob.Words) != 2 || blob.Words[0] != 0x12345678 || blob.Words[1] != 0xDEADBEEF {
		t.Fatalf("words = %x", blob.Words)
	}
	if blob.CoreWords != 2 || blob.DevVirtAddr != 0x4000 || blob.Version != "v2.0.0" {
		t.Fatalf("blob = %+v", blob)
	}

	blob, err = Decode(bytes.NewReader(raw), Placement{CoreWords: 1})
	if err != nil || blob.CoreWords != 1 {
		t.Fatalf("core words = %d, %v", blob.CoreWords, err)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(bytes.NewReader(nil), Placement{}); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("empty: %v", err)
	}
	if _, err := Decode(bytes.NewReader(make([]byte, 6)), Placement{}); !errors.Is(err, ErrUnalignedImage) {
		t.Fatalf("unaligned: %v", err)
	}
	if _, err := Decode(bytes.NewReader(make([]byte, 8)), Placement{CoreWords: 3}); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("oversized core: %v", err)
	}
	if _, err := Decode(bytes.NewReader(make([]byte, MaxImageSize+4)), Placement{}); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("too large: %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	want := pvdec.FirmwareBlob{Words: []uint32{1, 2, 3, 0xFFFFFFFF}}
	var buf bytes.Buffer
	if err := Encode(&buf, want); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path, Placement{DevVirtAddr: 0x1000})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := range want.Words {
		if got.Words[i] != want.Words[i] {
			t.Fatalf("word %d = 0x%x", i, got.Words[i])
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.bin"), Placement{}); err == nil {
		t.Fatalf("missing image accepted")
	}
}
