// Package userdb is the per-user embedded database: persisted mailbox
// metadata (UIDVALIDITY, next-UID, attributes), the UID-to-message-key
// map, named flag sequences, and subscriptions. One worker process opens
// exactly one of these, for exactly one user.
package userdb

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const createSQL = `
CREATE TABLE IF NOT EXISTS Mailboxes (
	MailboxID   INTEGER PRIMARY KEY,
	Path        TEXT NOT NULL UNIQUE,
	UIDValidity INTEGER NOT NULL,
	NextUID     INTEGER NOT NULL,
	Attrs       INTEGER NOT NULL DEFAULT 0,
	LastResync  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS UIDs (
	MailboxID    INTEGER NOT NULL,
	UID          INTEGER NOT NULL,
	MsgKey       INTEGER NOT NULL,
	Size         INTEGER NOT NULL,
	InternalDate INTEGER NOT NULL,
	PRIMARY KEY (MailboxID, UID)
);
CREATE INDEX IF NOT EXISTS UIDs_MsgKey ON UIDs(MailboxID, MsgKey);

CREATE TABLE IF NOT EXISTS Sequences (
	MailboxID INTEGER NOT NULL,
	Flag      TEXT NOT NULL,
	UIDSet    BLOB NOT NULL,
	PRIMARY KEY (MailboxID, Flag)
);

CREATE TABLE IF NOT EXISTS Subscriptions (
	Path TEXT PRIMARY KEY
);
`

// Open opens (creating if necessary) the per-user sqlite database at
// path, following the same init-connection-then-pool shape as
// spilldb/db.Open: a throwaway connection runs the schema/pragmas, then
// a pool is opened for concurrent use.
func Open(path string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		return nil, fmt.Errorf("userdb.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("userdb.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("userdb.Open: init close: %v", err)
	}
	pool, err := sqlitex.Open(path, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("userdb.Open: pool: %v", err)
	}
	return pool, nil
}

func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA foreign_keys=ON;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

// Mailbox is the persisted row for one mailbox.
type Mailbox struct {
	MailboxID   int64
	Path        string
	UIDValidity uint32
	NextUID     uint32
	Attrs       int64
	LastResync  int64
}

// GetOrCreateMailbox returns the persisted row for path, creating it
// with a fresh UIDVALIDITY (the current time, per the spec's
// UIDVALIDITY-change rule for never-before-seen mailboxes) if absent.
func GetOrCreateMailbox(conn *sqlite.Conn, path string, now int64) (*Mailbox, error) {
	mb, err := GetMailbox(conn, path)
	if err != nil {
		return nil, err
	}
	if mb != nil {
		return mb, nil
	}

	stmt := conn.Prep(`INSERT INTO Mailboxes (Path, UIDValidity, NextUID, Attrs, LastResync)
		VALUES ($path, $uidvalidity, 1, 0, 0);`)
	stmt.SetText("$path", path)
	stmt.SetInt64("$uidvalidity", now)
	if _, err := stmt.Step(); err != nil {
		return nil, err
	}
	return GetMailbox(conn, path)
}

func GetMailbox(conn *sqlite.Conn, path string) (*Mailbox, error) {
	stmt := conn.Prep(`SELECT MailboxID, UIDValidity, NextUID, Attrs, LastResync
		FROM Mailboxes WHERE Path = $path;`)
	stmt.SetText("$path", path)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		stmt.Reset()
		return nil, nil
	}
	mb := &Mailbox{
		Path:        path,
		MailboxID:   stmt.GetInt64("MailboxID"),
		UIDValidity: uint32(stmt.GetInt64("UIDValidity")),
		NextUID:     uint32(stmt.GetInt64("NextUID")),
		Attrs:       stmt.GetInt64("Attrs"),
		LastResync:  stmt.GetInt64("LastResync"),
	}
	stmt.Reset()
	return mb, nil
}

// ResetUIDValidity rebuilds a mailbox's identity: a fresh UIDVALIDITY,
// NextUID reset to 1, and every persisted UID/sequence row dropped. Used
// when on-disk state can no longer be reconciled (spec's UIDVALIDITY
// change rule).
func ResetUIDValidity(conn *sqlite.Conn, mailboxID int64, now int64) error {
	stmt := conn.Prep(`UPDATE Mailboxes SET UIDValidity = $now, NextUID = 1 WHERE MailboxID = $id;`)
	stmt.SetInt64("$now", now)
	stmt.SetInt64("$id", mailboxID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	if err := sqlitex.Exec(conn, `DELETE FROM UIDs WHERE MailboxID = ?;`, nil, mailboxID); err != nil {
		return err
	}
	return sqlitex.Exec(conn, `DELETE FROM Sequences WHERE MailboxID = ?;`, nil, mailboxID)
}

// AllocUID returns the next UID for mailboxID and persists the
// increment, so concurrently-running commands never observe the same
// value twice.
func AllocUID(conn *sqlite.Conn, mailboxID int64) (uint32, error) {
	stmt := conn.Prep(`SELECT NextUID FROM Mailboxes WHERE MailboxID = $id;`)
	stmt.SetInt64("$id", mailboxID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		stmt.Reset()
		return 0, fmt.Errorf("userdb: no such mailbox %d", mailboxID)
	}
	uid := uint32(stmt.GetInt64("NextUID"))
	stmt.Reset()

	upd := conn.Prep(`UPDATE Mailboxes SET NextUID = $next WHERE MailboxID = $id;`)
	upd.SetInt64("$next", int64(uid)+1)
	upd.SetInt64("$id", mailboxID)
	if _, err := upd.Step(); err != nil {
		return 0, err
	}
	return uid, nil
}

// PutUID records the UID-to-message-key mapping for a newly observed
// message.
func PutUID(conn *sqlite.Conn, mailboxID int64, uid uint32, msgKey int, size int64, internalDate int64) error {
	stmt := conn.Prep(`INSERT OR REPLACE INTO UIDs (MailboxID, UID, MsgKey, Size, InternalDate)
		VALUES ($mailboxID, $uid, $msgKey, $size, $internalDate);`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$uid", int64(uid))
	stmt.SetInt64("$msgKey", int64(msgKey))
	stmt.SetInt64("$size", size)
	stmt.SetInt64("$internalDate", internalDate)
	_, err := stmt.Step()
	return err
}

// DeleteUID removes a UID's mapping, called when its message has been
// expunged or moved out of the mailbox.
func DeleteUID(conn *sqlite.Conn, mailboxID int64, uid uint32) error {
	stmt := conn.Prep(`DELETE FROM UIDs WHERE MailboxID = $mailboxID AND UID = $uid;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$uid", int64(uid))
	_, err := stmt.Step()
	return err
}

// UIDEntry is one row of the UID map.
type UIDEntry struct {
	UID          uint32
	MsgKey       int
	Size         int64
	InternalDate int64
}

// LoadUIDs returns every persisted UID entry for mailboxID, ordered by
// UID ascending.
func LoadUIDs(conn *sqlite.Conn, mailboxID int64) ([]UIDEntry, error) {
	var entries []UIDEntry
	stmt := conn.Prep(`SELECT UID, MsgKey, Size, InternalDate FROM UIDs
		WHERE MailboxID = $id ORDER BY UID;`)
	stmt.SetInt64("$id", mailboxID)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		entries = append(entries, UIDEntry{
			UID:          uint32(stmt.GetInt64("UID")),
			MsgKey:       int(stmt.GetInt64("MsgKey")),
			Size:         stmt.GetInt64("Size"),
			InternalDate: stmt.GetInt64("InternalDate"),
		})
	}
	return entries, nil
}

// PutSequence persists the set of UIDs carrying flag for mailboxID.
func PutSequence(conn *sqlite.Conn, mailboxID int64, flag string, uidSet []byte) error {
	stmt := conn.Prep(`INSERT OR REPLACE INTO Sequences (MailboxID, Flag, UIDSet)
		VALUES ($mailboxID, $flag, $uidSet);`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetText("$flag", flag)
	stmt.SetBytes("$uidSet", uidSet)
	_, err := stmt.Step()
	return err
}

func LoadSequence(conn *sqlite.Conn, mailboxID int64, flag string) ([]byte, error) {
	stmt := conn.Prep(`SELECT UIDSet FROM Sequences WHERE MailboxID = $mailboxID AND Flag = $flag;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetText("$flag", flag)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		stmt.Reset()
		return nil, nil
	}
	buf := make([]byte, stmt.GetLen("UIDSet"))
	stmt.GetBytes("UIDSet", buf)
	stmt.Reset()
	return buf, nil
}

func Subscribe(conn *sqlite.Conn, path string) error {
	return sqlitex.Exec(conn, `INSERT OR IGNORE INTO Subscriptions (Path) VALUES (?);`, nil, path)
}

func Unsubscribe(conn *sqlite.Conn, path string) error {
	return sqlitex.Exec(conn, `DELETE FROM Subscriptions WHERE Path = ?;`, nil, path)
}

func IsSubscribed(conn *sqlite.Conn, path string) (bool, error) {
	found := false
	err := sqlitex.Exec(conn, `SELECT 1 FROM Subscriptions WHERE Path = ?;`, func(stmt *sqlite.Stmt) error {
		found = true
		return nil
	}, path)
	return found, err
}
