package codec

import (
	"bytes"
	"testing"
)

func TestRoundTripAllCodecs(t *testing.T) {
	raw := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	for _, id := range []ID{None, LZ4, Snappy, Zstd} {
		t.Run(id.String(), func(t *testing.T) {
			compressed, err := Compress(id, raw)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}

			got, err := Decompress(id, compressed, len(raw))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}

			if !bytes.Equal(got, raw) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestParseName(t *testing.T) {
	tests := map[string]ID{
		"none":   None,
		"lz4":    LZ4,
		"":       LZ4,
		"snappy": Snappy,
		"zstd":   Zstd,
	}

	for name, want := range tests {
		got, err := ParseName(name)
		if err != nil {
			t.Fatalf("ParseName(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("ParseName(%q) = %v, want %v", name, got, want)
		}
	}

	if _, err := ParseName("bogus"); err == nil {
		t.Fatal("expected error for unknown codec name")
	}
}
