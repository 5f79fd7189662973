package mailbox

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/roach88/flbridge/internal/command"
)

// LockName is the advisory lock file a Store holds in each mailbox
// directory for its lifetime.
const LockName = ".flbridge.lock"

// lockDirs takes an exclusive lock in every distinct mailbox directory.
// A directory already held by another Store, in this process or another,
// fails with a TRANSPORT error and releases whatever was taken so far.
func lockDirs(layouts map[command.Channel]Layout) ([]*flock.Flock, error) {
	var (
		locks []*flock.Flock
		seen  = make(map[string]bool, len(layouts))
	)
	for _, ch := range command.Channels() {
		l, ok := layouts[ch]
		if !ok {
			continue
		}
		dir := filepath.Clean(l.Dir)
		if seen[dir] {
			continue
		}
		seen[dir] = true

		fl := flock.New(filepath.Join(dir, LockName))
		locked, err := fl.TryLock()
		if err != nil {
			_ = unlockAll(locks)
			return nil, command.NewTransportError(ch, "lock mailbox", err)
		}
		if !locked {
			_ = unlockAll(locks)
			return nil, command.NewTransportError(ch,
				fmt.Sprintf("mailbox in use by another bridge (%s)", fl.Path()), nil)
		}
		locks = append(locks, fl)
	}
	return locks, nil
}

func unlockAll(locks []*flock.Flock) error {
	var errs []error
	for _, fl := range locks {
		if err := fl.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("unlock %s: %w", fl.Path(), err))
		}
	}
	return errors.Join(errs...)
}
