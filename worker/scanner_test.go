package worker

import (
	"os"
	"path/filepath"
	"testing"

	"crawshaw.io/iox"

	"asimapd/mailstore"
	"asimapd/userdb"
)

func TestIsMHKeyName(t *testing.T) {
	cases := map[string]bool{
		"1":        true,
		"42":       true,
		"":         false,
		"cur":      false,
		".mh_info": false,
		"1a":       false,
	}
	for name, want := range cases {
		if got := isMHKeyName(name); got != want {
			t.Errorf("isMHKeyName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsHiddenMHEntry(t *testing.T) {
	if !isHiddenMHEntry(".mh_sequences") {
		t.Errorf(".mh_sequences should be hidden")
	}
	if isHiddenMHEntry("Drafts") {
		t.Errorf("Drafts should not be hidden")
	}
}

func TestLooksLikeMHFolder(t *testing.T) {
	dir := t.TempDir()
	if looksLikeMHFolder(dir) {
		t.Errorf("an empty directory should not look like an MH folder")
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if looksLikeMHFolder(dir) {
		t.Errorf("a directory with only non-numeric files should not look like an MH folder")
	}
	if err := os.WriteFile(filepath.Join(dir, "1"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !looksLikeMHFolder(dir) {
		t.Errorf("a directory with a numeric message file should look like an MH folder")
	}
}

func TestLooksLikeMHFolderBySequencesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".mh_sequences"), []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	if !looksLikeMHFolder(dir) {
		t.Errorf("a directory with .mh_sequences should look like an MH folder")
	}
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store.sqlite3")
	db, err := userdb.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	maildir := t.TempDir()
	store := &mailstore.Store{
		UserID:   1,
		Username: "scanner-test",
		Root:     maildir,
		DB:       db,
		Filer:    iox.NewFiler(0),
	}

	return &Worker{
		Username:    "scanner-test",
		MaildirRoot: maildir,
		Store:       store,
	}
}

func TestScanOnceRegistersNewFolder(t *testing.T) {
	w := newTestWorker(t)

	folder := filepath.Join(w.MaildirRoot, "Archive")
	if err := os.MkdirAll(folder, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(folder, "1"), []byte("msg"), 0644); err != nil {
		t.Fatal(err)
	}

	w.scanOnce()

	session := w.Store.NewSession()
	defer session.Close()
	summaries, err := session.Mailboxes()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range summaries {
		if s.Name == "Archive" {
			found = true
		}
	}
	if !found {
		t.Errorf("scanOnce should have registered the Archive folder, got %+v", summaries)
	}
}

func TestScanOnceIgnoresNonMHDirectories(t *testing.T) {
	w := newTestWorker(t)

	dir := filepath.Join(w.MaildirRoot, "not-a-mailbox")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}

	w.scanOnce()

	session := w.Store.NewSession()
	defer session.Close()
	summaries, err := session.Mailboxes()
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range summaries {
		if s.Name == "not-a-mailbox" {
			t.Errorf("scanOnce should not register a directory with no MH contents")
		}
	}
}
