package joblock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
)

// File locks one file per job under dir. Suitable when the API, worker and CLI share a host.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "create lock dir %s", dir)
	}
	return &File{dir: dir}, nil
}

func (f *File) Acquire(_ context.Context, jobID string) (Lease, error) {
	lock := flock.New(filepath.Join(f.dir, "job-"+sanitize(jobID)+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "lock %s", lock.Path())
	}
	if !ok {
		return nil, eris.Wrapf(ErrHeld, "job %s", jobID)
	}
	return &fileLease{lock: lock}, nil
}

type fileLease struct {
	lock *flock.Flock
	once sync.Once
}

func (l *fileLease) Release(context.Context) error {
	var err error
	l.once.Do(func() {
		if unlockErr := l.lock.Unlock(); unlockErr != nil {
			err = eris.Wrapf(unlockErr, "unlock %s", l.lock.Path())
		}
	})
	return err
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
