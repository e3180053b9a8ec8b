package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/memerr"
)

// LockInfo is the content of the lock file.
type LockInfo struct {
	PID        int       `json:"pid"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held single-writer lock.
type Lock struct {
	path string
	info LockInfo
}

const (
	lockAttempts = 10
	lockBackoff  = 20 * time.Millisecond

	// A lock file still unreadable after this long was abandoned between
	// create and write.
	unreadableLockAge = 10 * time.Second
)

// AcquireLock creates path exclusively. An existing lock whose recorded
// process is no longer running is stale and replaced; a live one fails with
// memerr.Locked. A lock file that cannot be parsed may be mid-write, so it is
// retried briefly and only replaced once it is older than a grace period.
func AcquireLock(path string, logger *zap.Logger) (*Lock, error) {
	info := LockInfo{PID: os.Getpid(), Token: ulid.Make().String(), AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < lockAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr = errors.Join(werr, cerr); werr != nil {
				os.Remove(path)
				return nil, memerr.Wrap(memerr.StorageFailed, "lock", werr)
			}
			return &Lock{path: path, info: info}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, memerr.Wrap(memerr.StorageFailed, "lock", err)
		}

		holder, rerr := readLock(path)
		switch {
		case errors.Is(rerr, os.ErrNotExist):
			continue
		case rerr != nil:
			if !lockOlderThan(path, unreadableLockAge) {
				time.Sleep(lockBackoff)
				continue
			}
			logger.Warn("removing unreadable lock", zap.String("path", path), zap.Error(rerr))
		case processAlive(holder.PID):
			return nil, memerr.New(memerr.Locked, "lock", "store is locked by pid %d since %s",
				holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		default:
			// Another opener may have replaced the stale lock already.
			if again, err := readLock(path); err != nil || again.Token != holder.Token {
				continue
			}
			logger.Warn("removing stale lock", zap.String("path", path), zap.Int("pid", holder.PID))
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, memerr.Wrap(memerr.StorageFailed, "lock", err)
		}
	}
	return nil, memerr.New(memerr.Locked, "lock", "could not acquire %s", path)
}

func lockOlderThan(path string, age time.Duration) bool {
	st, err := os.Stat(path)
	return err == nil && time.Since(st.ModTime()) > age
}

// Info returns the lock's recorded owner.
func (l *Lock) Info() LockInfo { return l.info }

// Release removes the lock file if it still carries this lock's token.
func (l *Lock) Release() error {
	holder, err := readLock(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && holder.Token != l.info.Token {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func readLock(path string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse lock: %w", err)
	}
	return info, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
