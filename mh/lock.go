package mh

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockSequences takes an advisory lock on .mh_sequences for the duration
// of a read or rewrite, when Folder.Lock is enabled. With locking
// disabled (the default), callers instead rely on rename-atomicity and a
// post-write re-read to detect interference, per the external-MH-
// concurrency policy.
func (f *Folder) lockSequences() (unlock func(), err error) {
	if !f.Lock {
		return func() {}, nil
	}

	path := filepath.Join(f.Path, SequencesFile)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}
