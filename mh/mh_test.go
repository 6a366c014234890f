package mh

import (
	"strings"
	"testing"
)

func TestDeliverAndKeys(t *testing.T) {
	dir := t.TempDir()
	f := NewFolder(dir, false)

	for i := 0; i < 3; i++ {
		if _, err := f.Deliver(strings.NewReader("hello")); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := f.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 || keys[0] != 1 || keys[2] != 3 {
		t.Fatalf("keys = %v", keys)
	}
}

func TestSequencesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := NewFolder(dir, false)

	seqs := Sequences{
		"unseen": {1: true, 2: true, 3: true, 7: true},
		"flagged": {2: true},
	}
	if err := f.WriteSequences(seqs); err != nil {
		t.Fatal(err)
	}
	got, err := f.ReadSequences()
	if err != nil {
		t.Fatal(err)
	}
	if len(got["unseen"]) != 4 || !got["unseen"][7] {
		t.Fatalf("unseen = %v", got["unseen"])
	}
	if len(got["flagged"]) != 1 || !got["flagged"][2] {
		t.Fatalf("flagged = %v", got["flagged"])
	}
}

func TestFormatKeySetRanges(t *testing.T) {
	got := formatKeySet(map[int]bool{1: true, 2: true, 3: true, 5: true})
	if got != "1-3 5" {
		t.Fatalf("formatKeySet = %q", got)
	}
}
