package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrInstanceLocked means another run holds the state directory.
var ErrInstanceLocked = errors.New("instance lock held")

const lockFileName = ".instance.lock"

type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID      string
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

// LockOwner is what a lock file says about its holder.
type LockOwner struct {
	PID        int
	InstanceID string
	StartedAt  time.Time
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	path := filepath.Join(root, lockFileName)
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	for attempts := 0; attempts < 3; attempts++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := LockOwner{PID: os.Getpid(), InstanceID: opts.InstanceID, StartedAt: nowFn().UTC()}
			if writeErr := writeLockFile(f, owner); writeErr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, writeErr
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("%w: %s", ErrInstanceLocked, path)
		}
		stale, reason, staleErr := shouldTakeoverLock(path, nowFn().UTC(), opts.StaleAfter)
		if staleErr != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrInstanceLocked, path, staleErr)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrInstanceLocked, path, reason)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, removeErr
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInstanceLocked, path)
}

// ReadLockOwner reports the current holder of root's lock, if any.
func ReadLockOwner(root string) (LockOwner, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, lockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return LockOwner{}, false, nil
		}
		return LockOwner{}, false, err
	}
	owner, err := parseLockOwner(data)
	if err != nil {
		return LockOwner{}, false, err
	}
	return owner, true, nil
}

func writeLockFile(f *os.File, owner LockOwner) error {
	if f == nil {
		return errors.New("lock file is nil")
	}
	var b strings.Builder
	b.WriteString("pid=" + strconv.Itoa(owner.PID) + "\n")
	if owner.InstanceID != "" {
		b.WriteString("instance_id=" + owner.InstanceID + "\n")
	}
	b.WriteString("started_at=" + owner.StartedAt.UTC().Format(time.RFC3339) + "\n")
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}

func shouldTakeoverLock(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	owner, err := parseLockOwner(data)
	if err != nil {
		return false, "", err
	}

	if owner.PID > 0 {
		alive, err := isProcessAlive(owner.PID)
		if err != nil {
			return false, "", err
		}
		if alive {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}

	if owner.StartedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.UTC().Sub(owner.StartedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func parseLockOwner(data []byte) (LockOwner, error) {
	owner := LockOwner{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				owner.PID = pid
			}
		case "instance_id":
			owner.InstanceID = value
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				owner.StartedAt = ts.UTC()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return LockOwner{}, err
	}
	return owner, nil
}

func isProcessAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, nil
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
