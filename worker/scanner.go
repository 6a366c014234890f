package worker

import (
	"os"
	"path/filepath"
	"time"

	"asimapd/mh"
)

// scanLoop periodically walks the maildir root for directories that look
// like MH folders but aren't yet registered in userdb, registering each one
// found. This is distinct from the per-mailbox resync every command already
// triggers: resync only ever looks at a mailbox a client has already
// referenced, so a folder created by some other means (an MH tool running
// directly against the maildir, a restored backup) would otherwise never
// show up in LIST until something else noticed it.
func (w *Worker) scanLoop(stop <-chan struct{}) {
	w.scanOnce()
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.scanOnce()
		}
	}
}

func (w *Worker) scanOnce() {
	session := w.Store.NewSession()
	defer session.Close()

	known := make(map[string]bool)
	summaries, err := session.Mailboxes()
	if err != nil {
		w.logf("worker: folder scan: list known mailboxes: %v", err)
		return
	}
	for _, s := range summaries {
		known[s.Name] = true
	}
	known["INBOX"] = true

	entries, err := os.ReadDir(w.MaildirRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logf("worker: folder scan: read maildir root: %v", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() || isHiddenMHEntry(e.Name()) || known[e.Name()] {
			continue
		}
		if !looksLikeMHFolder(filepath.Join(w.MaildirRoot, e.Name())) {
			continue
		}
		if err := session.CreateMailbox([]byte(e.Name()), 0); err != nil {
			w.logf("worker: folder scan: register %q: %v", e.Name(), err)
			continue
		}
		w.logf("worker: folder scan: registered new mailbox %q", e.Name())
	}
}

func isHiddenMHEntry(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

// looksLikeMHFolder reports whether dir contains at least one message file
// (a name that parses as a plain decimal MH key) or the .mh_sequences
// control file, distinguishing a real mailbox directory from an unrelated
// subdirectory a user might have created under the maildir root.
func looksLikeMHFolder(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, mh.SequencesFile)); err == nil {
		return true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isMHKeyName(e.Name()) {
			return true
		}
	}
	return false
}

func isMHKeyName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
