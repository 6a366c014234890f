package trace

import (
	"io"
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestMultiFileConcatenatesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carol-asimapd.trace")

	if err := ioutil.WriteFile(path+".2", []byte("oldest\n"), 0660); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(path+".1", []byte("middle\n"), 0660); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(path, []byte("newest\n"), 0660); err != nil {
		t.Fatal(err)
	}

	mf, err := newMultiFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer mf.Close()

	got, err := io.ReadAll(mf)
	if err != nil {
		t.Fatal(err)
	}
	want := "oldest\nmiddle\nnewest\n"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMultiFileMissingBase(t *testing.T) {
	dir := t.TempDir()
	if _, err := newMultiFile(filepath.Join(dir, "nope")); err == nil {
		t.Fatalf("expected an error for a nonexistent trace file")
	}
}
