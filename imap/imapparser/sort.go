package imapparser

import (
	"sort"
	"strings"
)

// SortMessage is the subset of message data the SORT command (RFC 5256)
// needs beyond what MatchMessage already exposes for SEARCH.
type SortMessage interface {
	MatchMessage

	// SortSubject is Subject with a leading "Re:"/"Fwd:" (and surrounding
	// whitespace or brackets) stripped, per RFC 5256 Section 2.2.
	SortSubject() string
}

// Sort orders msgs according to criteria, applying each criterion in turn
// as a tie-breaker for the ones before it, and returns the SeqNums (or
// UIDs, chosen by the caller's SeqNum()/UID() implementation) in order.
//
// The sort is stable: messages with equal keys keep their relative order,
// which for the final (left-most unresolved) tie is ascending by
// arrival, matching RFC 5256's requirement that SORT results are always
// well-defined.
func Sort(msgs []SortMessage, criteria []SortCriterion) []SortMessage {
	out := append([]SortMessage(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		for _, c := range criteria {
			less, equal := sortLess(a, b, c.Key)
			if equal {
				continue
			}
			if c.Reverse {
				return !less
			}
			return less
		}
		return false
	})
	return out
}

func sortLess(a, b SortMessage, key SortKey) (less, equal bool) {
	switch key {
	case SortArrival:
		ta, tb := a.Date(), b.Date()
		if ta.Equal(tb) {
			return false, true
		}
		return ta.Before(tb), false
	case SortDate:
		ta, tb := a.SentDate(), b.SentDate()
		if ta.Equal(tb) {
			return false, true
		}
		return ta.Before(tb), false
	case SortSize:
		sa, sb := a.RFC822Size(), b.RFC822Size()
		if sa == sb {
			return false, true
		}
		return sa < sb, false
	case SortSubject:
		sa, sb := a.SortSubject(), b.SortSubject()
		if sa == sb {
			return false, true
		}
		return sa < sb, false
	case SortFrom:
		return addressLess(a.Header("From"), b.Header("From"))
	case SortTo:
		return addressLess(a.Header("To"), b.Header("To"))
	case SortCc:
		return addressLess(a.Header("Cc"), b.Header("Cc"))
	}
	return false, true
}

func addressLess(a, b string) (less, equal bool) {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return false, true
	}
	return a < b, false
}

// StripSubjectPrefixes removes the "Re:"/"Fwd:" reply/forward markers and
// any trailing/leading blank bracketed tags, following the trimming
// algorithm described in RFC 5256 Section 2.2.
func StripSubjectPrefixes(subject string) string {
	s := subject
	for {
		trimmed := strings.TrimSpace(s)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = trimmed[3:]
		case strings.HasPrefix(lower, "fwd:"):
			s = trimmed[4:]
		case strings.HasPrefix(lower, "fw:"):
			s = trimmed[3:]
		default:
			return trimmed
		}
	}
}
