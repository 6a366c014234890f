package mailstore

import (
	"io"
	"net/mail"
	"strings"
	"time"

	"asimapd/email"
	"asimapd/imap"
	"asimapd/imap/imapparser"
)

// message wraps one cleaved message plus its mailbox position, serving as
// both the imap.Message handed to Fetch's callback and the
// imapparser.MatchMessage/SortMessage a Matcher or Sort compares against.
type message struct {
	mailbox *mailbox
	entry   *cacheEntry
	seqNum  uint32
	msg     *email.Msg
}

var _ imap.Message = (*message)(nil)
var _ imapparser.MatchMessage = (*message)(nil)
var _ imapparser.SortMessage = (*message)(nil)

func (msg *message) Summary() imap.MessageSummary {
	return imap.MessageSummary{SeqNum: msg.seqNum, UID: msg.entry.uid, ModSeq: msg.entry.modSeq}
}

func (msg *message) Msg() *email.Msg { return msg.msg }

// LoadPart is a no-op: msgcleaver.Cleave already loads every part's
// content eagerly, so there is nothing left to fetch on demand.
func (msg *message) LoadPart(partNum int) error { return nil }

func (msg *message) SetSeen() error {
	m := msg.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	flags := m.flagsForKey(msg.entry.key)
	if hasFlag(flags, `\Seen`) {
		return nil
	}
	flags = append(flags, `\Seen`)
	m.setFlagsForKey(msg.entry.key, flags)
	msg.entry.modSeq = m.modSeqNext
	m.modSeqNext++
	msg.msg.Flags = m.flagsForKey(msg.entry.key)
	if err := m.folder.WriteSequences(m.seqs); err != nil {
		return wrapErr("SetSeen", err)
	}
	return nil
}

// Methods implementing imapparser.MatchMessage / SortMessage.

func (msg *message) UID() uint32     { return msg.entry.uid }
func (msg *message) SeqNum() uint32  { return msg.seqNum }
func (msg *message) ModSeq() int64   { return msg.entry.modSeq }
func (msg *message) Date() time.Time { return msg.msg.Date }

func (msg *message) Flag(name string) bool {
	for _, f := range msg.msg.Flags {
		if f == name {
			return true
		}
	}
	return false
}

func (msg *message) Header(name string) string {
	key := email.CanonicalKey([]byte(name))
	return string(msg.msg.Headers.Get(key))
}

func (msg *message) RFC822Size() int64 {
	return msg.msg.EncodedSize
}

// SentDate is the Date: header value, distinct from Date() which this
// package fills in with the mailbox's own internal-date bookkeeping.
func (msg *message) SentDate() time.Time {
	if t, err := mail.ParseDate(msg.Header("Date")); err == nil {
		return t
	}
	return msg.msg.Date
}

// Body concatenates the text of every body part, for the BODY and TEXT
// search keys.
func (msg *message) Body() string {
	var sb strings.Builder
	for _, p := range msg.msg.Parts {
		if !p.IsBody || p.Content == nil {
			continue
		}
		if _, err := p.Content.Seek(0, io.SeekStart); err != nil {
			continue
		}
		io.Copy(&sb, p.Content)
	}
	return sb.String()
}

// SortSubject implements RFC 5256 section 2.2's base-subject algorithm via
// the shared imapparser.StripSubjectPrefixes helper.
func (msg *message) SortSubject() string {
	return imapparser.StripSubjectPrefixes(msg.Header("Subject"))
}
