package trace

import (
	"fmt"
	"io"
	"os"
)

// multiFile concatenates a base trace file with any rotated backups
// (path.N, oldest numbered last) so the replayer can read a whole rotated
// set as one stream, oldest data first.
type multiFile struct {
	files []*os.File
	i     int
}

func newMultiFile(path string) (*multiFile, error) {
	var paths []string
	for n := backupCount; n >= 1; n-- {
		p := fmt.Sprintf("%s.%d", path, n)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	paths = append(paths, path)

	mf := &multiFile{}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			mf.Close()
			return nil, err
		}
		mf.files = append(mf.files, f)
	}
	if len(mf.files) == 0 {
		return nil, fmt.Errorf("trace: no trace files found for %q", path)
	}
	return mf, nil
}

func (mf *multiFile) Read(p []byte) (int, error) {
	for mf.i < len(mf.files) {
		n, err := mf.files[mf.i].Read(p)
		if err == io.EOF {
			mf.i++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
	return 0, io.EOF
}

func (mf *multiFile) Close() error {
	var first error
	for _, f := range mf.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
