package mailstore

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"asimapd/imap"
	"asimapd/userdb"
)

type session struct {
	store *Store

	mu        sync.Mutex
	mailboxes map[int64]*mailbox
}

var _ imap.Session = (*session)(nil)

func (s *session) withConn(fn func(conn *sqlite.Conn) error) error {
	conn := s.store.DB.Get(nil)
	if conn == nil {
		return fmt.Errorf("mailstore: userdb pool closed")
	}
	defer s.store.DB.Put(conn)
	return fn(conn)
}

func (s *session) Mailboxes() (summaries []imap.MailboxSummary, err error) {
	err = s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Exec(conn, `SELECT Path, Attrs FROM Mailboxes ORDER BY Path;`,
			func(stmt *sqlite.Stmt) error {
				summaries = append(summaries, imap.MailboxSummary{
					Name:  stmt.GetText("Path"),
					Attrs: imap.ListAttrFlag(stmt.GetInt64("Attrs")),
				})
				return nil
			})
	})
	if err != nil {
		return nil, wrapErr("Mailboxes", err)
	}
	sort.Slice(summaries, func(i, j int) bool {
		ni, nj := summaries[i].Name, summaries[j].Name
		if ni == "INBOX" {
			ni = ""
		}
		if nj == "INBOX" {
			nj = ""
		}
		return ni < nj
	})
	return summaries, nil
}

func (s *session) Mailbox(name []byte) (imap.Mailbox, error) {
	path := string(name)
	var row *userdb.Mailbox
	err := s.withConn(func(conn *sqlite.Conn) (err error) {
		row, err = userdb.GetMailbox(conn, path)
		return err
	})
	if err != nil {
		return nil, wrapErr("Mailbox", err)
	}
	if row == nil {
		return nil, fmt.Errorf("mailstore: no such mailbox %q", path)
	}
	return s.getMailbox(row), nil
}

func (s *session) getMailbox(row *userdb.Mailbox) *mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.mailboxes[row.MailboxID]
	if m == nil {
		m = &mailbox{
			store:     s.store,
			mailboxID: row.MailboxID,
			name:      row.Path,
			attrs:     imap.ListAttrFlag(row.Attrs),
			folder:    newFolder(s.store, s.store.folderPath(row.Path)),
		}
		s.mailboxes[row.MailboxID] = m
	}
	return m
}

func (s *session) CreateMailbox(name []byte, attr imap.ListAttrFlag) error {
	path := string(name)
	dir := s.store.folderPath(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return wrapErr("CreateMailbox", err)
	}
	if attr == 0 {
		attr = attrsForName(path)
	}
	return s.withConn(func(conn *sqlite.Conn) error {
		_, err := userdb.GetOrCreateMailbox(conn, path, time.Now().Unix())
		if err != nil {
			return err
		}
		return sqlitex.Exec(conn, `UPDATE Mailboxes SET Attrs = ? WHERE Path = ?;`, nil, int64(attr), path)
	})
}

func (s *session) DeleteMailbox(name []byte) error {
	path := string(name)
	if path == "INBOX" {
		return fmt.Errorf("mailstore: cannot delete INBOX")
	}
	var deletedID int64 = -1
	err := s.withConn(func(conn *sqlite.Conn) error {
		row, err := userdb.GetMailbox(conn, path)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("mailstore: no such mailbox %q", path)
		}
		if err := sqlitex.Exec(conn, `DELETE FROM UIDs WHERE MailboxID = ?;`, nil, row.MailboxID); err != nil {
			return err
		}
		if err := sqlitex.Exec(conn, `DELETE FROM Sequences WHERE MailboxID = ?;`, nil, row.MailboxID); err != nil {
			return err
		}
		if err := sqlitex.Exec(conn, `DELETE FROM Mailboxes WHERE MailboxID = ?;`, nil, row.MailboxID); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.mailboxes, row.MailboxID)
		s.mu.Unlock()
		deletedID = row.MailboxID
		return os.RemoveAll(s.store.folderPath(path))
	})
	if err != nil {
		return err
	}
	// RFC 2180 Section 3.3: every other session with path selected gets
	// "* BYE Mailbox deleted" and is disconnected.
	s.store.notifyDeleted(deletedID, path)
	return nil
}

func (s *session) RenameMailbox(old, new []byte) error {
	oldPath, newPath := string(old), string(new)
	if err := os.Rename(s.store.folderPath(oldPath), s.store.folderPath(newPath)); err != nil {
		return wrapErr("RenameMailbox", err)
	}
	var mailboxID int64 = -1
	err := s.withConn(func(conn *sqlite.Conn) error {
		row, err := userdb.GetMailbox(conn, oldPath)
		if err != nil {
			return err
		}
		if row != nil {
			mailboxID = row.MailboxID
		}
		return sqlitex.Exec(conn, `UPDATE Mailboxes SET Path = ? WHERE Path = ?;`, nil, newPath, oldPath)
	})
	if err != nil {
		return wrapErr("RenameMailbox", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mailboxes[mailboxID]; ok {
		m.mu.Lock()
		m.name = newPath
		m.folder = newFolder(s.store, s.store.folderPath(newPath))
		m.loaded = false
		m.mu.Unlock()
	}
	return nil
}

func (s *session) Subscribe(name []byte) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		return userdb.Subscribe(conn, string(name))
	})
}

func (s *session) Unsubscribe(name []byte) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		return userdb.Unsubscribe(conn, string(name))
	})
}

func (s *session) Namespaces() []imap.Namespace {
	return []imap.Namespace{{Prefix: "", Separator: '/'}}
}

func (s *session) Close() {
}
