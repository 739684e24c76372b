package bloom

import (
	"fmt"
	"testing"
)

func TestAddAndContains(t *testing.T) {
	f := New(1000, 0.01)
	keys := make([][]byte, 500)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Add(keys[i])
	}

	for _, k := range keys {
		if !f.Contains(k) {
			t.Fatalf("expected %q to be present", k)
		}
	}
}

func TestContainsFalseNegativeFree(t *testing.T) {
	f := New(100, 0.01)
	present := []byte("the-one-key")
	f.Add(present)
	if !f.Contains(present) {
		t.Fatal("added key must never report absent")
	}
}

func TestFalsePositiveRateIsBounded(t *testing.T) {
	const n = 2000
	f := New(n, 0.01)
	for i := 0; i < n; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	const trials = 5000
	for i := 0; i < trials; i++ {
		if f.Contains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(trials)
	if rate > 0.05 {
		t.Fatalf("false positive rate %.4f exceeds tolerance for target 0.01", rate)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	f.Add([]byte("alpha"))
	f.Add([]byte("beta"))

	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := &Filter{}
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !restored.Contains([]byte("alpha")) || !restored.Contains([]byte("beta")) {
		t.Fatal("restored filter lost entries")
	}
	if restored.NumBits() != f.NumBits() || restored.NumHashes() != f.NumHashes() {
		t.Fatalf("restored filter parameters mismatch: bits %d/%d hashes %d/%d",
			restored.NumBits(), f.NumBits(), restored.NumHashes(), f.NumHashes())
	}
}

func TestUnmarshalTruncatedData(t *testing.T) {
	f := &Filter{}
	if err := f.UnmarshalBinary([]byte{1, 2, 3}); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
