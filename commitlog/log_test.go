package commitlog

import (
	"os"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	cl, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	seqs := make([]uint64, 0, 10)
	for i := 0; i < 10; i++ {
		seq, err := cl.Append(OpInsert, []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, seq)
	}

	if err := cl.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	var got []uint64
	for rec, err := range reopened.Replay(0) {
		if err != nil {
			t.Fatalf("replay error: %v", err)
		}
		got = append(got, rec.Sequence)
	}

	if len(got) != len(seqs) {
		t.Fatalf("expected %d records, got %d", len(seqs), len(got))
	}
	for i := range got {
		if got[i] != seqs[i] {
			t.Fatalf("record %d: expected seq %d, got %d", i, seqs[i], got[i])
		}
	}
}

func TestSequenceNumbersSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	cl, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	var last uint64
	for i := 0; i < 5; i++ {
		last, err = cl.Append(OpInsert, []byte("x"))
		if err != nil {
			t.Fatal(err)
		}
	}
	cl.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	next, err := reopened.Append(OpInsert, []byte("y"))
	if err != nil {
		t.Fatal(err)
	}
	if next <= last {
		t.Fatalf("expected sequence to keep increasing across restart, got %d after %d", next, last)
	}
}

func TestReplaySkipsTruncatedTailRecord(t *testing.T) {
	dir := t.TempDir()

	cl, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := cl.Append(OpInsert, []byte("complete")); err != nil {
			t.Fatal(err)
		}
	}
	if err := cl.Close(); err != nil {
		t.Fatal(err)
	}

	ids, err := segmentFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 segment file, got %d", len(ids))
	}

	fi, err := os.Stat(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(ids[0], fi.Size()-3); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	count := 0
	for _, err := range reopened.Replay(0) {
		if err != nil {
			t.Fatalf("expected no error for truncated tail, got %v", err)
		}
		count++
	}
	if count != 4 {
		t.Fatalf("expected 4 readable records before the truncated one, got %d", count)
	}
}

func TestBatchedFsyncPolicy(t *testing.T) {
	dir := t.TempDir()

	cl, err := Open(dir, WithFsyncPolicy(BatchedPolicy(5)))
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	for i := 0; i < 20; i++ {
		if _, err := cl.Append(OpInsert, []byte("batched")); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()

	cl, err := Open(dir, WithMaxSegmentBytes(64))
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	for i := 0; i < 50; i++ {
		if _, err := cl.Append(OpInsert, []byte("payload-bytes-to-force-rotation")); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := cl.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) < 2 {
		t.Fatalf("expected multiple segments after rotation, got %d", len(ids))
	}
}
