package passwd

import (
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

func writePBKDF2(user, password, maildir string) string {
	salt := "testsalt"
	iter := 1000
	digest := pbkdf2.Key([]byte(password), []byte(salt), iter, 32, sha256.New)
	hash := "pbkdf2_sha256$1000$" + salt + "$" + base64.StdEncoding.EncodeToString(digest)
	return user + ":" + hash + ":" + maildir
}

func TestAuthenticate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "passwd")
	line := writePBKDF2("fred", "sekret", "/home/fred/Mail")
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	f := NewFile(path)
	entry, err := f.Authenticate("fred", "sekret")
	if err != nil {
		t.Fatal(err)
	}
	if entry.MaildirRoot != "/home/fred/Mail" {
		t.Fatalf("MaildirRoot = %q", entry.MaildirRoot)
	}

	if _, err := f.Authenticate("fred", "wrong"); err == nil {
		t.Fatal("expected error for wrong password")
	}
	if _, err := f.Authenticate("nobody", "sekret"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}
