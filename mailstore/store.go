// Package mailstore is the MH-backed imap.Session/imap.Mailbox
// implementation used by a per-user worker process: mailbox names map to
// mh.Folder directories under a user's maildir root, the UID-to-message-key
// map and mailbox metadata are persisted in userdb, and MH sequences carry
// the IMAP flags.
package mailstore

import (
	"fmt"
	"path/filepath"
	"sync"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"

	"asimapd/imap"
	"asimapd/imap/imapserver"
	"asimapd/mh"
)

// Store is the per-user backend: one Store exists per worker process.
type Store struct {
	UserID   int64
	Username string
	Root     string // maildir root, e.g. /home/alice/Mail
	DB       *sqlitex.Pool
	Filer    *iox.Filer
	Lock     bool // ENABLE_MH_FILE_LOCKING
	Logf     func(format string, v ...interface{})

	mu        sync.Mutex
	notifiers []imap.Notifier
}

var _ imapserver.DataStore = (*Store)(nil)

// Login ignores username/password: the worker process belongs to exactly
// one user, already authenticated by the dispatcher before this process was
// ever spawned. It exists so Store satisfies imapserver.DataStore for the
// standalone/test ServeTLS path; the dispatcher/worker handoff uses
// imapserver.Server.ServeHandoff instead and never calls Login.
func (s *Store) Login(c *imapserver.Conn, username, password []byte) (int64, imap.Session, error) {
	return s.UserID, s.newSession(), nil
}

func (s *Store) newSession() *session {
	return &session{
		store:     s,
		mailboxes: make(map[int64]*mailbox),
	}
}

// NewSession returns a Session for this worker's sole user, for use by
// ServeHandoff which bypasses Login entirely (the dispatcher already
// authenticated the connection).
func (s *Store) NewSession() imap.Session {
	return s.newSession()
}

func (s *Store) RegisterNotifier(n imap.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

func (s *Store) notify(mailboxID int64, name string) {
	s.mu.Lock()
	notifiers := append([]imap.Notifier(nil), s.notifiers...)
	s.mu.Unlock()
	for _, n := range notifiers {
		n.Notify(mailboxID, name)
	}
}

// notifyDeleted reports that mailboxID no longer exists, so every session
// with it selected gets disconnected (RFC 2180 Section 3.3).
func (s *Store) notifyDeleted(mailboxID int64, name string) {
	s.mu.Lock()
	notifiers := append([]imap.Notifier(nil), s.notifiers...)
	s.mu.Unlock()
	for _, n := range notifiers {
		n.Deleted(mailboxID, name)
	}
}

// folderPath maps an IMAP mailbox name to its MH directory on disk. The
// hierarchy separator is "/", matching the name already used for path
// components, so no translation is needed beyond joining onto Root.
func (s *Store) folderPath(name string) string {
	return filepath.Join(s.Root, filepath.FromSlash(name))
}

func (s *Store) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
	}
}

func attrsForName(name string) imap.ListAttrFlag {
	switch name {
	case "Archive":
		return imap.AttrArchive
	case "Drafts":
		return imap.AttrDrafts
	case "Sent":
		return imap.AttrSent
	case "Spam", "Junk":
		return imap.AttrJunk
	case "Trash":
		return imap.AttrTrash
	}
	return imap.AttrNone
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("mailstore: %s: %v", op, err)
}

func newFolder(s *Store, path string) *mh.Folder {
	return mh.NewFolder(path, s.Lock)
}
