package trace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write("sess1", "C", []byte("a001 LOGIN alice secret\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Write("sess1", "S", []byte("a001 OK logged in\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	sessions, err := loadSessions(filepath.Join(dir, "alice-asimapd.trace"))
	if err != nil {
		t.Fatal(err)
	}
	recs := sessions["sess1"]
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Dir != "C" || recs[1].Dir != "S" {
		t.Errorf("dirs = %q, %q, want C, S", recs[0].Dir, recs[1].Dir)
	}
}

func TestWriterRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// Force a rotation without waiting to actually fill maxBytes.
	big := make([]byte, maxBytes)
	if err := w.Write("sess1", "C", big); err != nil {
		t.Fatal(err)
	}
	if err := w.Write("sess1", "C", []byte("next")); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "bob-asimapd.trace")
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated backup %s.1 to exist: %v", path, err)
	}
}
