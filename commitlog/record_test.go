package commitlog

import (
	"bytes"
	"io"
	"testing"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"small", Record{Sequence: 1, Op: OpInsert, Payload: []byte("hello")}},
		{"empty-payload", Record{Sequence: 2, Op: OpDeleteRow, Payload: []byte{}}},
		{"binary", Record{Sequence: 3, Op: OpUpsertCell, Payload: []byte{0, 1, 2, 255}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, tt.rec); err != nil {
				t.Fatal(err)
			}

			got, err := Decode(&buf)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			if got.Sequence != tt.rec.Sequence || got.Op != tt.rec.Op || !bytes.Equal(got.Payload, tt.rec.Payload) {
				t.Fatalf("mismatch: got %+v, want %+v", got, tt.rec)
			}
		})
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	rec := Record{Sequence: 1, Op: OpInsert, Payload: []byte("payload")}
	if err := Encode(&buf, rec); err != nil {
		t.Fatal(err)
	}

	data := buf.Bytes()
	data[len(data)-5] ^= 0xFF // flip a payload byte, leaving the frame intact

	if _, err := Decode(bytes.NewReader(data)); err == nil {
		t.Fatal("expected corruption error")
	}
}

func TestDecodeDetectsTruncation(t *testing.T) {
	var buf bytes.Buffer
	rec := Record{Sequence: 1, Op: OpInsert, Payload: []byte("payload")}
	if err := Encode(&buf, rec); err != nil {
		t.Fatal(err)
	}

	full := buf.Bytes()
	for i := 1; i < len(full); i++ {
		if _, err := Decode(bytes.NewReader(full[:i])); err != io.EOF {
			t.Fatalf("truncation at %d: expected io.EOF, got %v", i, err)
		}
	}
}

func TestDecodeMultipleRecords(t *testing.T) {
	var buf bytes.Buffer
	records := []Record{
		{Sequence: 1, Op: OpInsert, Payload: []byte("a")},
		{Sequence: 2, Op: OpInsert, Payload: []byte("b")},
		{Sequence: 3, Op: OpDeleteRow, Payload: []byte("c")},
	}

	for _, r := range records {
		if err := Encode(&buf, r); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range records {
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got.Sequence != want.Sequence || got.Op != want.Op || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("record %d mismatch", i)
		}
	}

	if _, err := Decode(&buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
