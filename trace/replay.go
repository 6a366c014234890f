package trace

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"regexp"
	"time"
)

// Replay reads the JSON-lines trace file at path, then, for every session it
// finds, dials a fresh connection with dial and replays that session's "C"
// frames against it, asserting each subsequent "S" frame from the trace
// matches what the live server actually sends back.
//
// Tag numbers, INTERNALDATE of newly-appended messages, and UID values are
// normalized before comparison since a replay against a fresh server
// produces fresh values for all three.
func Replay(path string, dial func() (net.Conn, error)) error {
	sessions, err := loadSessions(path)
	if err != nil {
		return err
	}
	for id, frames := range sessions {
		if err := replaySession(id, frames, dial); err != nil {
			return fmt.Errorf("trace: replay session %s: %v", id, err)
		}
	}
	return nil
}

func loadSessions(path string) (map[string][]Record, error) {
	f, err := openAnyRotation(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sessions := make(map[string][]Record)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("trace: parse record: %v", err)
		}
		sessions[rec.Session] = append(sessions[rec.Session], rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// openAnyRotation opens path, falling back to the oldest-to-newest rotated
// backups concatenated, so a replay can be pointed at a rotated set.
func openAnyRotation(path string) (io.ReadCloser, error) {
	return newMultiFile(path)
}

func replaySession(id string, frames []Record, dial func() (net.Conn, error)) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	for _, rec := range frames {
		data, err := base64.StdEncoding.DecodeString(rec.DataB64)
		if err != nil {
			return fmt.Errorf("decode frame: %v", err)
		}
		switch rec.Dir {
		case "C":
			conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := conn.Write(data); err != nil {
				return fmt.Errorf("write client frame: %v", err)
			}
		case "S":
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			got := make([]byte, len(data)+256)
			n, err := io.ReadAtLeast(br, got, 1)
			if err != nil && err != io.ErrUnexpectedEOF {
				return fmt.Errorf("read server frame: %v", err)
			}
			got = got[:n]
			if !framingEqual(normalize(data), normalize(got)) {
				return fmt.Errorf("server frame mismatch:\nwant %q\ngot  %q", data, got)
			}
		default:
			return fmt.Errorf("unknown frame direction %q", rec.Dir)
		}
	}
	return nil
}

// framingEqual compares two normalized frames ignoring a trailing partial
// read boundary: the recorded frame is a prefix match against what came
// back, since a live read may return less than the full original write in
// one Read call but will have at least the same leading bytes.
func framingEqual(want, got []byte) bool {
	if len(got) < len(want) {
		return false
	}
	return bytes.Equal(want, got[:len(want)])
}

var (
	tagRe          = regexp.MustCompile(`^[A-Za-z0-9.]+ `)
	internalDateRe = regexp.MustCompile(`INTERNALDATE "[^"]*"`)
	uidRe          = regexp.MustCompile(`UID \d+`)
	appenduidRe    = regexp.MustCompile(`APPENDUID \d+ [0-9:,]+`)
)

// normalize blanks out the fields that are expected to differ between the
// original recording and a fresh replay: the command tag, INTERNALDATE, and
// any UID/APPENDUID value.
func normalize(b []byte) []byte {
	s := tagRe.ReplaceAll(b, []byte("TAG "))
	s = internalDateRe.ReplaceAll(s, []byte(`INTERNALDATE "NORMALIZED"`))
	s = appenduidRe.ReplaceAll(s, []byte("APPENDUID N N"))
	s = uidRe.ReplaceAll(s, []byte("UID N"))
	return s
}
