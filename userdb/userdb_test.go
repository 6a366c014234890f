package userdb

import (
	"path/filepath"
	"testing"

	"crawshaw.io/sqlite"
)

func open(t *testing.T) (*sqlite.Conn, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user.db")
	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := Init(conn); err != nil {
		t.Fatal(err)
	}
	return conn, func() { conn.Close() }
}

func TestGetOrCreateMailbox(t *testing.T) {
	conn, closeFn := open(t)
	defer closeFn()

	mb, err := GetOrCreateMailbox(conn, "INBOX", 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	if mb.UIDValidity != 1700000000 || mb.NextUID != 1 {
		t.Fatalf("mb = %+v", mb)
	}

	again, err := GetOrCreateMailbox(conn, "INBOX", 1800000000)
	if err != nil {
		t.Fatal(err)
	}
	if again.MailboxID != mb.MailboxID || again.UIDValidity != mb.UIDValidity {
		t.Fatalf("GetOrCreateMailbox not idempotent: %+v vs %+v", mb, again)
	}
}

func TestAllocUIDMonotonic(t *testing.T) {
	conn, closeFn := open(t)
	defer closeFn()

	mb, err := GetOrCreateMailbox(conn, "INBOX", 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	var uids []uint32
	for i := 0; i < 3; i++ {
		uid, err := AllocUID(conn, mb.MailboxID)
		if err != nil {
			t.Fatal(err)
		}
		uids = append(uids, uid)
	}
	if uids[0] != 1 || uids[1] != 2 || uids[2] != 3 {
		t.Fatalf("uids = %v", uids)
	}
}

func TestUIDMapRoundTrip(t *testing.T) {
	conn, closeFn := open(t)
	defer closeFn()

	mb, err := GetOrCreateMailbox(conn, "INBOX", 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	if err := PutUID(conn, mb.MailboxID, 1, 42, 100, 1700000001); err != nil {
		t.Fatal(err)
	}
	if err := PutUID(conn, mb.MailboxID, 2, 43, 200, 1700000002); err != nil {
		t.Fatal(err)
	}
	entries, err := LoadUIDs(conn, mb.MailboxID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].MsgKey != 42 || entries[1].MsgKey != 43 {
		t.Fatalf("entries = %+v", entries)
	}

	if err := DeleteUID(conn, mb.MailboxID, 1); err != nil {
		t.Fatal(err)
	}
	entries, err = LoadUIDs(conn, mb.MailboxID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].UID != 2 {
		t.Fatalf("entries after delete = %+v", entries)
	}
}

func TestSubscriptions(t *testing.T) {
	conn, closeFn := open(t)
	defer closeFn()

	if err := Subscribe(conn, "Archive"); err != nil {
		t.Fatal(err)
	}
	ok, err := IsSubscribed(conn, "Archive")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected Archive to be subscribed")
	}
	if err := Unsubscribe(conn, "Archive"); err != nil {
		t.Fatal(err)
	}
	ok, err = IsSubscribed(conn, "Archive")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected Archive to be unsubscribed")
	}
}
