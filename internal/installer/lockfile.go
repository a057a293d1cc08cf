package installer

import (
	"fmt"
	"os"
	"strconv"

	"github.com/apexpm/apex/internal/errs"
)

// globalLock is the transaction-serializing O_EXCL lockfile: at most one
// Apply across the whole system may hold it, so Commit's backup-then-
// rename sequence never races a concurrent transaction.
type globalLock struct {
	path string
}

// acquireLock creates path exclusively, failing if another process
// already holds it, and writes the current pid for diagnosability.
func acquireLock(path string) (*globalLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.Config("acquire transaction lock", fmt.Errorf("another transaction holds %s", path))
		}

		return nil, errs.Filesystem("acquire transaction lock", path, err)
	}

	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, errs.Filesystem("write transaction lock", path, err)
	}

	return &globalLock{path: path}, nil
}

func (l *globalLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errs.Filesystem("release transaction lock", l.path, err)
	}

	return nil
}
