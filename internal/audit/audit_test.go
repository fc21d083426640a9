package audit

import (
	"errors"
	"testing"
	"time"
)

func chain(n int) []Entry {
	var out []Entry
	prev := ""
	at := time.Date(2102, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		e := Seal(prev, Entry{Seq: int64(i + 1), At: at.Add(time.Duration(i) * time.Second), Kind: "travel", Subject: "t1", Payload: "authorized"})
		out = append(out, e)
		prev = e.Hash
	}
	return out
}

func TestVerifyIntactChain(t *testing.T) {
	entries := chain(5)
	if entries[0].PrevHash != Genesis {
		t.Fatalf("first entry prev = %q", entries[0].PrevHash)
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	entries := chain(4)
	entries[2].Payload = "completed"
	if err := Verify(entries); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("edited payload: err = %v", err)
	}

	entries = chain(4)
	entries = append(entries[:1], entries[2:]...)
	if err := Verify(entries); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("dropped entry: err = %v", err)
	}
}

func TestDigestFieldBoundaries(t *testing.T) {
	at := time.Unix(0, 0)
	a := Seal("", Entry{At: at, Kind: "ab", Subject: "c"})
	b := Seal("", Entry{At: at, Kind: "a", Subject: "bc"})
	if a.Hash == b.Hash {
		t.Fatal("field boundaries are ambiguous")
	}
}
