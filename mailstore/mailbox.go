package mailstore

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"

	"asimapd/email"
	"asimapd/email/msgcleaver"
	"asimapd/imap"
	"asimapd/imap/imapparser"
	"asimapd/mh"
	"asimapd/userdb"
)

// mailbox is the MH-backed imap.Mailbox. Every public method resyncs
// against disk first: this approximates the three resync triggers of a
// mailbox (on SELECT, on a stat-detected change, and from the periodic
// folder scanner) by never trusting the in-memory cache unless .Stat()
// says nothing changed since the last look.
type mailbox struct {
	store     *Store
	mailboxID int64
	name      string
	attrs     imap.ListAttrFlag
	folder    *mh.Folder

	mu          sync.Mutex
	loaded      bool
	lastStat    mh.Stat
	uidValidity uint32
	uidNext     uint32
	seqs        mh.Sequences
	entries     []*cacheEntry
	byKey       map[int]*cacheEntry
	modSeqNext  int64
}

var _ imap.Mailbox = (*mailbox)(nil)

type cacheEntry struct {
	key          int
	uid          uint32
	modSeq       int64
	size         int64
	internalDate int64
}

func (m *mailbox) ID() int64 { return m.mailboxID }

func (m *mailbox) Close() error { return nil }

// standardFlags is the sequence-name vocabulary reported in a SELECT's
// FLAGS response; flags outside this list are free-form keywords and
// still round-trip through MH sequences named after them.
var standardFlags = []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`}

func flagToSeqName(flag string) string {
	if len(flag) > 0 && flag[0] == '\\' {
		return flag[1:]
	}
	return flag
}

func seqNameToFlag(name string) string {
	for _, f := range standardFlags {
		if f[1:] == name {
			return f
		}
	}
	if name == "Recent" {
		return `\Recent`
	}
	return name
}

func (m *mailbox) withConn(fn func(conn *sqlite.Conn) error) error {
	conn := m.store.DB.Get(nil)
	if conn == nil {
		return fmt.Errorf("mailstore: userdb pool closed")
	}
	defer m.store.DB.Put(conn)
	return fn(conn)
}

// resync brings the in-memory UID cache up to date with the folder's MH
// files and sequences file, reconciling against the persisted UID map in
// userdb. It is idempotent and cheap when nothing on disk has changed.
func (m *mailbox) resync() error {
	stat, err := m.folder.Stat()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mailstore: mailbox %q missing on disk", m.name)
		}
		return wrapErr("resync stat", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded && stat == m.lastStat {
		return nil
	}

	keys, err := m.folder.Keys()
	if err != nil {
		return wrapErr("resync keys", err)
	}
	seqs, err := m.folder.ReadSequences()
	if err != nil {
		return wrapErr("resync sequences", err)
	}

	var row *userdb.Mailbox
	var uidEntries []userdb.UIDEntry
	err = m.withConn(func(conn *sqlite.Conn) (err error) {
		row, err = userdb.GetOrCreateMailbox(conn, m.name, time.Now().Unix())
		if err != nil {
			return err
		}
		uidEntries, err = userdb.LoadUIDs(conn, row.MailboxID)
		return err
	})
	if err != nil {
		return wrapErr("resync userdb", err)
	}

	byKey := make(map[int]userdb.UIDEntry, len(uidEntries))
	for _, e := range uidEntries {
		byKey[e.MsgKey] = e
	}

	keySet := make(map[int]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	uidValidity := row.UIDValidity
	reset := false
	for k := range byKey {
		if !keySet[k] {
			continue
		}
		fi, err := os.Stat(m.folder.MessagePath(k))
		if err == nil && fi.Size() != byKey[k].Size {
			// The same MH key now names different content: the
			// UID map can no longer be trusted.
			reset = true
			break
		}
	}
	if reset {
		if err := m.withConn(func(conn *sqlite.Conn) error {
			return userdb.ResetUIDValidity(conn, row.MailboxID, time.Now().Unix())
		}); err != nil {
			return wrapErr("resync reset", err)
		}
		uidValidity = uint32(time.Now().Unix())
		byKey = map[int]userdb.UIDEntry{}
	}

	entries := make([]*cacheEntry, 0, len(keys))
	newKeys := make([]int, 0)
	for _, k := range keys {
		if e, ok := byKey[k]; ok {
			entries = append(entries, &cacheEntry{key: k, uid: e.UID, size: e.Size, internalDate: e.InternalDate})
		} else {
			newKeys = append(newKeys, k)
		}
	}

	var uidNext uint32
	err = m.withConn(func(conn *sqlite.Conn) error {
		mb, err := userdb.GetMailbox(conn, m.name)
		if err != nil {
			return err
		}
		uidNext = mb.NextUID
		for _, k := range newKeys {
			uid, err := userdb.AllocUID(conn, row.MailboxID)
			if err != nil {
				return err
			}
			fi, err := os.Stat(m.folder.MessagePath(k))
			var size int64
			var mtime int64
			if err == nil {
				size = fi.Size()
				mtime = fi.ModTime().Unix()
			}
			if err := userdb.PutUID(conn, row.MailboxID, uid, k, size, mtime); err != nil {
				return err
			}
			entries = append(entries, &cacheEntry{key: k, uid: uid, size: size, internalDate: mtime})
			if seqs["Recent"] == nil {
				seqs["Recent"] = map[int]bool{}
			}
			seqs["Recent"][k] = true
			uidNext = uid + 1
		}
		return nil
	})
	if err != nil {
		return wrapErr("resync alloc", err)
	}

	// Drop UID rows whose MH key vanished (expunged outside this process).
	for k, e := range byKey {
		if !keySet[k] {
			if err := m.withConn(func(conn *sqlite.Conn) error {
				return userdb.DeleteUID(conn, row.MailboxID, e.UID)
			}); err != nil {
				return wrapErr("resync prune", err)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].uid < entries[j].uid })

	byKeyCache := make(map[int]*cacheEntry, len(entries))
	modSeqNext := m.modSeqNext
	if modSeqNext == 0 {
		modSeqNext = 1
	}
	for _, e := range entries {
		if old, ok := m.byKey[e.key]; ok {
			e.modSeq = old.modSeq
		} else {
			e.modSeq = modSeqNext
			modSeqNext++
		}
		byKeyCache[e.key] = e
	}

	if len(newKeys) > 0 {
		if err := m.folder.WriteSequences(seqs); err != nil {
			return wrapErr("resync write sequences", err)
		}
		if stat, err = m.folder.Stat(); err != nil {
			return wrapErr("resync restat", err)
		}
	}

	m.uidValidity = uidValidity
	m.uidNext = uidNext
	m.seqs = seqs
	m.entries = entries
	m.byKey = byKeyCache
	m.modSeqNext = modSeqNext
	m.lastStat = stat
	m.loaded = true
	return nil
}

func (m *mailbox) flagsForKey(key int) []string {
	var flags []string
	for name, set := range m.seqs {
		if name == "Recent" {
			continue
		}
		if set[key] {
			flags = append(flags, seqNameToFlag(name))
		}
	}
	if m.seqs["Recent"] != nil && m.seqs["Recent"][key] {
		flags = append(flags, `\Recent`)
	}
	sort.Strings(flags)
	return flags
}

func (m *mailbox) setFlagsForKey(key int, flags []string) {
	want := make(map[string]bool, len(flags))
	for _, f := range flags {
		want[flagToSeqName(f)] = true
	}
	for name := range want {
		if m.seqs[name] == nil {
			m.seqs[name] = map[int]bool{}
		}
		m.seqs[name][key] = true
	}
	for name, set := range m.seqs {
		if name == "Recent" {
			continue
		}
		if !want[name] {
			delete(set, key)
		}
	}
}

func (m *mailbox) Info() (imap.MailboxInfo, error) {
	if err := m.resync(); err != nil {
		return imap.MailboxInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	info := imap.MailboxInfo{
		Summary:     imap.MailboxSummary{Name: m.name, Attrs: m.attrs},
		NumMessages: uint32(len(m.entries)),
		UIDNext:     m.uidNext,
		UIDValidity: m.uidValidity,
	}
	for i, e := range m.entries {
		flags := m.flagsForKey(e.key)
		unseen := !hasFlag(flags, `\Seen`)
		if unseen && info.FirstUnseenSeqNum == 0 {
			info.FirstUnseenSeqNum = uint32(i + 1)
		}
		if unseen {
			info.NumUnseen++
		}
		if hasFlag(flags, `\Recent`) {
			info.NumRecent++
		}
		if e.modSeq > info.HighestModSequence {
			info.HighestModSequence = e.modSeq
		}
	}
	return info, nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (m *mailbox) Append(flags [][]byte, date time.Time, data *iox.BufferFile) (uint32, error) {
	if err := m.resync(); err != nil {
		return 0, err
	}

	data.Seek(0, 0)
	key, err := m.folder.Deliver(data)
	if err != nil {
		return 0, wrapErr("Append deliver", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var uid uint32
	err = m.withConn(func(conn *sqlite.Conn) error {
		var err error
		uid, err = userdb.AllocUID(conn, m.mailboxID)
		if err != nil {
			return err
		}
		fi, statErr := os.Stat(m.folder.MessagePath(key))
		var size, mtime int64
		if statErr == nil {
			size = fi.Size()
			mtime = fi.ModTime().Unix()
		} else {
			mtime = date.Unix()
		}
		return userdb.PutUID(conn, m.mailboxID, uid, key, size, mtime)
	})
	if err != nil {
		return 0, wrapErr("Append", err)
	}

	if m.seqs == nil {
		m.seqs = mh.Sequences{}
	}
	flagNames := make([]string, 0, len(flags))
	for _, f := range flags {
		flagNames = append(flagNames, string(f))
	}
	m.setFlagsForKey(key, flagNames)
	if err := m.folder.WriteSequences(m.seqs); err != nil {
		return 0, wrapErr("Append write sequences", err)
	}

	entry := &cacheEntry{key: key, uid: uid, modSeq: m.modSeqNext}
	m.modSeqNext++
	m.entries = append(m.entries, entry)
	m.byKey[key] = entry
	m.uidNext = uid + 1
	m.loaded = false // force a Stat-based resync next time to pick up mtime

	m.store.notify(m.mailboxID, m.name)
	return uid, nil
}

func (m *mailbox) loadMessage(e *cacheEntry) (*email.Msg, error) {
	f, err := m.folder.Open(e.key)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	msg, err := msgcleaver.Cleave(m.store.Filer, f)
	if err != nil {
		return nil, err
	}
	msg.MailboxID = m.mailboxID
	msg.Date = time.Unix(e.internalDate, 0)
	msg.Flags = m.flagsForKey(e.key)
	return msg, nil
}

func (m *mailbox) Search(op *imapparser.SearchOp, fn func(imap.MessageSummary)) error {
	if err := m.resync(); err != nil {
		return err
	}
	matcher, err := imapparser.NewMatcher(op)
	if err != nil {
		return err
	}

	m.mu.Lock()
	entries := append([]*cacheEntry(nil), m.entries...)
	m.mu.Unlock()

	for i, e := range entries {
		msg, err := m.loadMessage(e)
		if err != nil {
			return wrapErr("Search load", err)
		}
		sm := &message{mailbox: m, entry: e, seqNum: uint32(i + 1), msg: msg}
		matched := matcher.Match(sm)
		msg.Close()
		if matched {
			fn(imap.MessageSummary{SeqNum: sm.seqNum, UID: e.uid, ModSeq: e.modSeq})
		}
	}
	return nil
}

func (m *mailbox) Fetch(uid bool, seqsArg []imapparser.SeqRange, changedSince int64, fn func(imap.Message)) error {
	if err := m.resync(); err != nil {
		return err
	}

	m.mu.Lock()
	entries := append([]*cacheEntry(nil), m.entries...)
	m.mu.Unlock()

	for i, e := range entries {
		id := uint32(i + 1)
		if uid {
			id = e.uid
		}
		if !imapparser.SeqContains(seqsArg, id) {
			continue
		}
		if changedSince != 0 && e.modSeq <= changedSince {
			continue
		}
		msg, err := m.loadMessage(e)
		if err != nil {
			return wrapErr("Fetch load", err)
		}
		rm := &message{mailbox: m, entry: e, seqNum: uint32(i + 1), msg: msg}
		fn(rm)
		msg.Close()
	}
	return nil
}

func (m *mailbox) Expunge(uidSeqs []imapparser.SeqRange, fn func(seqNum uint32)) error {
	if err := m.resync(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	delta := uint32(0)
	for i < len(m.entries) {
		e := m.entries[i]
		seqNum := uint32(i+1) - delta
		if uidSeqs != nil && !imapparser.SeqContains(uidSeqs, e.uid) {
			i++
			continue
		}
		if !hasFlag(m.flagsForKey(e.key), `\Deleted`) {
			i++
			continue
		}

		if err := m.folder.Remove(e.key); err != nil {
			return wrapErr("Expunge remove", err)
		}
		if err := m.withConn(func(conn *sqlite.Conn) error {
			return userdb.DeleteUID(conn, m.mailboxID, e.uid)
		}); err != nil {
			return wrapErr("Expunge delete uid", err)
		}
		for name, set := range m.seqs {
			_ = name
			delete(set, e.key)
		}
		delete(m.byKey, e.key)
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		delta++
		if fn != nil {
			fn(seqNum)
		}
	}
	if err := m.folder.WriteSequences(m.seqs); err != nil {
		return wrapErr("Expunge write sequences", err)
	}
	m.store.notify(m.mailboxID, m.name)
	return nil
}

func (m *mailbox) Store(uid bool, seqsArg []imapparser.SeqRange, store *imapparser.Store) (res imap.StoreResults, err error) {
	if err := m.resync(); err != nil {
		return res, err
	}

	var flags []string
	for _, f := range store.Flags {
		flags = append(flags, string(f))
	}
	var removeSet map[string]bool
	if store.Mode == imapparser.StoreRemove {
		removeSet = make(map[string]bool, len(flags))
		for _, f := range flags {
			removeSet[f] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changedAny := false
	for i, e := range m.entries {
		id := uint32(i + 1)
		if uid {
			id = e.uid
		}
		if !imapparser.SeqContains(seqsArg, id) {
			continue
		}
		if store.Mode == imapparser.StoreReplace && store.UnchangedSince != 0 && e.modSeq > store.UnchangedSince {
			res.FailedModified = imapparser.AppendSeqRange(res.FailedModified, id)
			continue
		}

		cur := m.flagsForKey(e.key)
		var next []string
		changed := false
		switch store.Mode {
		case imapparser.StoreAdd:
			next = append([]string{}, cur...)
			for _, f := range flags {
				if !hasFlag(next, f) {
					changed = true
					next = append(next, f)
				}
			}
		case imapparser.StoreRemove:
			for _, f := range cur {
				if removeSet[f] {
					changed = true
					continue
				}
				next = append(next, f)
			}
		case imapparser.StoreReplace:
			recent := hasFlag(cur, `\Recent`)
			next = append([]string{}, flags...)
			if recent {
				next = append(next, `\Recent`)
			}
			changed = !sameFlags(cur, next)
		}
		sort.Strings(next)

		if !changed {
			if store.UnchangedSince != 0 {
				res.Stored = append(res.Stored, imap.StoreResult{SeqNum: uint32(i + 1), UID: e.uid, Flags: cur, ModSequence: e.modSeq})
			}
			continue
		}

		m.setFlagsForKey(e.key, next)
		e.modSeq = m.modSeqNext
		m.modSeqNext++
		changedAny = true

		if !store.Silent {
			res.Stored = append(res.Stored, imap.StoreResult{SeqNum: uint32(i + 1), UID: e.uid, Flags: next, ModSequence: e.modSeq})
		}
	}

	if changedAny {
		if err := m.folder.WriteSequences(m.seqs); err != nil {
			return res, wrapErr("Store write sequences", err)
		}
		m.store.notify(m.mailboxID, m.name)
	}
	return res, nil
}

func sameFlags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[string]bool, len(a))
	for _, f := range a {
		am[f] = true
	}
	for _, f := range b {
		if !am[f] {
			return false
		}
	}
	return true
}

func (m *mailbox) Move(uid bool, seqsArg []imapparser.SeqRange, dstMbox imap.Mailbox, fn func(seqNum, srcUID, dstUID uint32)) error {
	dst, ok := dstMbox.(*mailbox)
	if !ok {
		return fmt.Errorf("mailstore: Move: destination is not a mailstore mailbox")
	}
	if dst == m {
		return fmt.Errorf("mailstore: Move: source and destination are the same mailbox")
	}
	if err := m.resync(); err != nil {
		return err
	}
	if err := dst.resync(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	i := 0
	delta := uint32(0)
	for i < len(m.entries) {
		e := m.entries[i]
		seqNum := uint32(i+1) - delta
		id := seqNum
		if uid {
			id = e.uid
		}
		if !imapparser.SeqContains(seqsArg, id) {
			i++
			continue
		}

		srcFile, err := m.folder.Open(e.key)
		if err != nil {
			return wrapErr("Move open", err)
		}
		dstKey, err := dst.folder.Deliver(srcFile)
		srcFile.Close()
		if err != nil {
			return wrapErr("Move deliver", err)
		}

		var dstUID uint32
		flags := m.flagsForKey(e.key)
		err = m.withConn(func(conn *sqlite.Conn) error {
			var err error
			dstUID, err = userdb.AllocUID(conn, dst.mailboxID)
			if err != nil {
				return err
			}
			return userdb.PutUID(conn, dst.mailboxID, dstUID, dstKey, e.size, e.internalDate)
		})
		if err != nil {
			return wrapErr("Move alloc", err)
		}
		dst.setFlagsForKey(dstKey, flags)
		dstEntry := &cacheEntry{key: dstKey, uid: dstUID, modSeq: dst.modSeqNext}
		dst.modSeqNext++
		dst.entries = append(dst.entries, dstEntry)
		dst.byKey[dstKey] = dstEntry
		dst.uidNext = dstUID + 1

		if err := m.folder.Remove(e.key); err != nil {
			return wrapErr("Move remove", err)
		}
		if err := m.withConn(func(conn *sqlite.Conn) error {
			return userdb.DeleteUID(conn, m.mailboxID, e.uid)
		}); err != nil {
			return wrapErr("Move delete uid", err)
		}
		delete(m.byKey, e.key)
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		delta++

		if fn != nil {
			fn(seqNum, e.uid, dstUID)
		}
	}

	if err := dst.folder.WriteSequences(dst.seqs); err != nil {
		return wrapErr("Move write dst sequences", err)
	}
	if err := m.folder.WriteSequences(m.seqs); err != nil {
		return wrapErr("Move write src sequences", err)
	}
	m.store.notify(m.mailboxID, m.name)
	dst.store.notify(dst.mailboxID, dst.name)
	return nil
}

func (m *mailbox) Copy(uid bool, seqsArg []imapparser.SeqRange, dstMbox imap.Mailbox, fn func(srcUID, dstUID uint32)) error {
	dst, ok := dstMbox.(*mailbox)
	if !ok {
		return fmt.Errorf("mailstore: Copy: destination is not a mailstore mailbox")
	}
	if dst == m {
		return fmt.Errorf("mailstore: Copy: source and destination are the same mailbox")
	}
	if err := m.resync(); err != nil {
		return err
	}
	if err := dst.resync(); err != nil {
		return err
	}

	m.mu.Lock()
	entries := append([]*cacheEntry(nil), m.entries...)
	flagsByKey := make(map[int][]string, len(entries))
	for _, e := range entries {
		flagsByKey[e.key] = m.flagsForKey(e.key)
	}
	m.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()

	for i, e := range entries {
		id := uint32(i + 1)
		if uid {
			id = e.uid
		}
		if !imapparser.SeqContains(seqsArg, id) {
			continue
		}

		srcFile, err := m.folder.Open(e.key)
		if err != nil {
			return wrapErr("Copy open", err)
		}
		dstKey, err := dst.folder.Deliver(srcFile)
		srcFile.Close()
		if err != nil {
			return wrapErr("Copy deliver", err)
		}

		var dstUID uint32
		err = m.withConn(func(conn *sqlite.Conn) error {
			var err error
			dstUID, err = userdb.AllocUID(conn, dst.mailboxID)
			if err != nil {
				return err
			}
			return userdb.PutUID(conn, dst.mailboxID, dstUID, dstKey, e.size, e.internalDate)
		})
		if err != nil {
			return wrapErr("Copy alloc", err)
		}
		dst.setFlagsForKey(dstKey, flagsByKey[e.key])
		dstEntry := &cacheEntry{key: dstKey, uid: dstUID, modSeq: dst.modSeqNext}
		dst.modSeqNext++
		dst.entries = append(dst.entries, dstEntry)
		dst.byKey[dstKey] = dstEntry
		dst.uidNext = dstUID + 1

		if fn != nil {
			fn(e.uid, dstUID)
		}
	}

	if err := dst.folder.WriteSequences(dst.seqs); err != nil {
		return wrapErr("Copy write sequences", err)
	}
	dst.store.notify(dst.mailboxID, dst.name)
	return nil
}

func (m *mailbox) HighestModSequence() (int64, error) {
	if err := m.resync(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, e := range m.entries {
		if e.modSeq > max {
			max = e.modSeq
		}
	}
	return max, nil
}
