package bloomfilter

import (
	"fmt"
	"testing"
)

func TestEmptyFilterNeverContains(t *testing.T) {
	f := New(100, 0.01)

	if f.MightContain([]byte("nonexistent")) {
		t.Fatal("expected empty filter to report absence")
	}
}

func TestInsertedKeysAlwaysFound(t *testing.T) {
	f := New(1000, 0.01)

	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%d", i)))
	}

	for _, k := range keys {
		f.Insert(k)
	}

	for _, k := range keys {
		if !f.MightContain(k) {
			t.Fatalf("false negative for %q", k)
		}
	}
}

func TestFalsePositiveRateIsBounded(t *testing.T) {
	f := New(1000, 0.01)

	for i := 0; i < 1000; i++ {
		f.Insert([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	trials := 5000
	for i := 0; i < trials; i++ {
		if f.MightContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(trials)
	if rate > 0.05 {
		t.Fatalf("false positive rate too high: %f", rate)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := New(500, 0.01)
	for i := 0; i < 500; i++ {
		f.Insert([]byte(fmt.Sprintf("k%d", i)))
	}

	data := f.Serialize()

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if !got.MightContain(key) {
			t.Fatalf("round-tripped filter lost key %q", key)
		}
	}
}

func TestDeserializeRejectsLengthMismatch(t *testing.T) {
	f := New(100, 0.01)
	data := f.Serialize()

	truncated := data[:len(data)-1]
	if _, err := Deserialize(truncated); err == nil {
		t.Fatal("expected corruption error for truncated payload")
	}
}

func TestDeserializeRejectsShortHeader(t *testing.T) {
	if _, err := Deserialize([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected corruption error for short header")
	}
}
