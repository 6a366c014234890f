// Package mh implements the on-disk primitives of an MH-style maildir: a
// directory of numerically-named message files plus a .mh_sequences file
// naming flag-like message sets.
package mh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const SequencesFile = ".mh_sequences"

// Folder is a single MH directory: a set of numerically-named message
// files and a sequences file grouping them into named sets.
type Folder struct {
	Path string

	// Lock, when true, takes an OS advisory lock around every
	// .mh_sequences read and rewrite. It corresponds to the
	// ENABLE_MH_FILE_LOCKING environment variable; off by default to
	// avoid fd exhaustion under many concurrently open folders.
	Lock bool
}

func NewFolder(path string, lock bool) *Folder {
	return &Folder{Path: path, Lock: lock}
}

// Stat reports the current mtime/size of the directory and of
// .mh_sequences, used by the resync engine to decide whether a folder
// needs a full rescan.
type Stat struct {
	DirModTime  int64
	DirSize     int64
	SeqModTime  int64
	SeqSize     int64
}

func (f *Folder) Stat() (Stat, error) {
	var st Stat
	di, err := os.Stat(f.Path)
	if err != nil {
		return st, err
	}
	st.DirModTime = di.ModTime().UnixNano()
	st.DirSize = di.Size()

	si, err := os.Stat(filepath.Join(f.Path, SequencesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	st.SeqModTime = si.ModTime().UnixNano()
	st.SeqSize = si.Size()
	return st, nil
}

// Keys returns the sorted list of numeric message filenames present in
// the folder. Non-numeric entries (subfolders, dotfiles) are ignored.
func (f *Folder) Keys() ([]int, error) {
	entries, err := os.ReadDir(f.Path)
	if err != nil {
		return nil, err
	}
	var keys []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		k, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys, nil
}

// MessagePath returns the path to the message file named by key. The
// file need not exist.
func (f *Folder) MessagePath(key int) string {
	return filepath.Join(f.Path, strconv.Itoa(key))
}

// Open opens the message named by key for reading.
func (f *Folder) Open(key int) (*os.File, error) {
	return os.Open(f.MessagePath(key))
}

// Remove deletes the message named by key.
func (f *Folder) Remove(key int) error {
	err := os.Remove(f.MessagePath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// NextKey returns the first key value to use for a new message: the
// highest existing key across the folder's message files plus one (not
// necessarily dense, MH keys may have gaps from prior expunges).
func (f *Folder) NextKey() (int, error) {
	keys, err := f.Keys()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 1, nil
	}
	return keys[len(keys)-1] + 1, nil
}

// Deliver writes the content of r to a new message file, choosing the
// next key, via a temp-file-then-rename so a partially written message
// is never visible at its final key.
func (f *Folder) Deliver(r io.Reader) (key int, err error) {
	key, err = f.NextKey()
	if err != nil {
		return 0, err
	}
	dst := f.MessagePath(key)
	tmp, err := os.CreateTemp(f.Path, ".deliver-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, err
	}
	return key, nil
}

// Sequences is the parsed content of a .mh_sequences file: a set of
// named message-key sets.
type Sequences map[string]map[int]bool

// ReadSequences parses .mh_sequences. A missing file is treated as an
// empty set of sequences, not an error.
func (f *Folder) ReadSequences() (Sequences, error) {
	unlock, err := f.lockSequences()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return f.readSequencesLocked()
}

func (f *Folder) readSequencesLocked() (Sequences, error) {
	file, err := os.Open(filepath.Join(f.Path, SequencesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Sequences{}, nil
		}
		return nil, err
	}
	defer file.Close()

	seqs := Sequences{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(line[:i])
		keys, err := parseKeySet(line[i+1:])
		if err != nil {
			return nil, fmt.Errorf("mh: bad %s line %q: %v", SequencesFile, line, err)
		}
		seqs[name] = keys
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return seqs, nil
}

// WriteSequences rewrites .mh_sequences atomically (write to a temp file
// in the same directory, then rename into place), so a reader never
// observes a partial file.
func (f *Folder) WriteSequences(seqs Sequences) error {
	unlock, err := f.lockSequences()
	if err != nil {
		return err
	}
	defer unlock()

	names := make([]string, 0, len(seqs))
	for name := range seqs {
		names = append(names, name)
	}
	sort.Strings(names)

	tmp, err := os.CreateTemp(f.Path, ".mh_sequences-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, formatKeySet(seqs[name]))
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(f.Path, SequencesFile)); err != nil {
		return err
	}
	ok = true
	return nil
}

func parseKeySet(s string) (map[int]bool, error) {
	set := map[int]bool{}
	for _, field := range strings.Fields(s) {
		if i := strings.IndexByte(field, '-'); i > 0 {
			lo, err := strconv.Atoi(field[:i])
			if err != nil {
				return nil, err
			}
			hi, err := strconv.Atoi(field[i+1:])
			if err != nil {
				return nil, err
			}
			for k := lo; k <= hi; k++ {
				set[k] = true
			}
			continue
		}
		k, err := strconv.Atoi(field)
		if err != nil {
			return nil, err
		}
		set[k] = true
	}
	return set, nil
}

func formatKeySet(set map[int]bool) string {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var b strings.Builder
	for i := 0; i < len(keys); {
		start := keys[i]
		end := start
		j := i + 1
		for j < len(keys) && keys[j] == end+1 {
			end = keys[j]
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		if start == end {
			fmt.Fprintf(&b, "%d", start)
		} else {
			fmt.Fprintf(&b, "%d-%d", start, end)
		}
		i = j
	}
	return b.String()
}
