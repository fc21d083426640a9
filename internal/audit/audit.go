// Package audit keeps a tamper-evident log: each entry's hash covers the
// previous entry's hash, so editing or dropping a row breaks the chain.
package audit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lukechampine.com/blake3"
)

var ErrBrokenChain = errors.New("audit: chain broken")

// Genesis is the previous-hash of the first entry.
const Genesis = "GENESIS"

type Entry struct {
	Seq      int64     `json:"seq"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Subject  string    `json:"subject"`
	Payload  string    `json:"payload"`
	PrevHash string    `json:"prevHash"`
	Hash     string    `json:"hash"`
}

// Seal links e after prev and computes its hash. prevHash is Genesis for the
// first entry.
func Seal(prevHash string, e Entry) Entry {
	if prevHash == "" {
		prevHash = Genesis
	}
	e.PrevHash = prevHash
	e.Hash = digest(e)
	return e
}

func digest(e Entry) string {
	h := blake3.New(32, nil)
	for _, part := range []string{
		e.PrevHash,
		strconv.FormatInt(e.At.UTC().UnixNano(), 10),
		e.Kind,
		e.Subject,
		e.Payload,
	} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks entries in order and checks every link.
func Verify(entries []Entry) error {
	prev := Genesis
	for _, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, want %s", ErrBrokenChain, e.Seq, short(e.PrevHash), short(prev))
		}
		if want := digest(e); e.Hash != want {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrBrokenChain, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
