package connector

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrLockHeld is the cause of CreateLockFile failures on a held lock.
var ErrLockHeld = errors.New("lock file held")

// DefaultLockWait bounds how long a waiting CreateLockFile retries.
var DefaultLockWait = 5 * time.Minute

// DefaultAbortTimeout is the delay between SIGTERM and SIGKILL.
var DefaultAbortTimeout = 10 * time.Second

// Local runs jobs on this host.
type Local struct {
	id   string
	base string
	host string
}

var _ Connector = (*Local)(nil)

// NewLocal creates a connector resolving relative paths against base.
func NewLocal(id, base string) *Local {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if base == "" {
		base = "/"
	}
	return &Local{id: id, base: base, host: host}
}

func (c *Local) ID() string       { return c.id }
func (c *Local) HostName() string { return c.host }
func (c *Local) Close() error     { return nil }

func (c *Local) Resolve(path string) (string, error) {
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return "", errors.New("empty path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.base, path)
	}
	return filepath.Clean(path), nil
}

func (c *Local) ProcessBuilder() ProcessBuilder {
	return &localBuilder{abortTimeout: DefaultAbortTimeout}
}

func (c *Local) TemporaryDirectory() (string, error) {
	return os.TempDir(), nil
}

func (c *Local) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (c *Local) ReadFile(path string) ([]byte, error) {
	return ioutil.ReadFile(path)
}

func (c *Local) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := ioutil.WriteFile(path, data, perm); err != nil {
		return err
	}
	// WriteFile keeps the mode of existing files
	return os.Chmod(path, perm)
}

func (c *Local) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (c *Local) MkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

func (c *Local) IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := unix.Kill(pid, 0)
	switch err {
	case nil, unix.EPERM:
		return true, nil
	case unix.ESRCH:
		return false, nil
	default:
		return false, err
	}
}

// Kill sends SIGTERM to the process group of pid, or to pid alone when it
// does not lead a group.
func (c *Local) Kill(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err == nil {
		return nil
	}
	err := unix.Kill(pid, unix.SIGTERM)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

// CreateLockFile creates path exclusively and writes our pid into it. The
// lock is the file itself, so it outlives this process.
func (c *Local) CreateLockFile(path string, wait bool) (Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "creating directory of %s", path)
	}
	if !wait {
		return tryLock(path)
	}

	return waitLock(path, tryLock)
}

// waitLock retries try with exponential backoff while the lock is held.
func waitLock(path string, try func(string) (Lock, error)) (Lock, error) {
	var lock Lock
	var fatal error
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = DefaultLockWait
	err := backoff.Retry(func() error {
		var err error
		lock, err = try(path)
		if err != nil && errors.Cause(err) != ErrLockHeld {
			fatal = err
			return nil
		}
		return err
	}, b)
	if fatal != nil {
		return nil, fatal
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func tryLock(path string) (Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		return nil, errors.Wrapf(ErrLockHeld, "%s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "creating lock %s", path)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, errors.Wrapf(werr, "writing lock %s", path)
	}
	log.WithFields(log.Fields{"path": path}).Debug("Lock acquired")
	return &fileLock{path: path}, nil
}

// fileLock owns its file until released or detached. A detached lock
// leaves the file to whoever removes it next.
type fileLock struct {
	mu       sync.Mutex
	path     string
	detached bool
}

func (l *fileLock) Path() string { return l.path }

func (l *fileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return nil
	}
	l.detached = true
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		err = nil
	}
	return err
}

func (l *fileLock) Detach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detached = true
	return nil
}
