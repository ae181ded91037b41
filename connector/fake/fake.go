// Package fake provides an in-memory connector whose processes are driven
// by the test: a started run script stays alive until Finish or Kill.
package fake

import (
	"os"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/connector"
)

// Connector simulates a host. Files live in a map.
type Connector struct {
	id string

	mu      sync.Mutex
	files   map[string][]byte
	locks   map[string]bool
	procs   map[string]*Process
	alive   map[int]bool
	nextPid int
	started chan *Process

	// StartErr, when set, makes every launch fail.
	StartErr error
}

var _ connector.Connector = (*Connector)(nil)

func New(id string) *Connector {
	return &Connector{
		id:      id,
		files:   map[string][]byte{},
		locks:   map[string]bool{},
		procs:   map[string]*Process{},
		alive:   map[int]bool{},
		nextPid: 1000,
		started: make(chan *Process, 100),
	}
}

func (c *Connector) ID() string       { return c.id }
func (c *Connector) HostName() string { return "fake-" + c.id }
func (c *Connector) Close() error     { return nil }

func (c *Connector) Resolve(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	return path.Clean(p), nil
}

func (c *Connector) ProcessBuilder() connector.ProcessBuilder {
	return builder{c}
}

func (c *Connector) TemporaryDirectory() (string, error) {
	return "/tmp", nil
}

func (c *Connector) Exists(p string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.files[p]
	return ok, nil
}

func (c *Connector) ReadFile(p string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[p]
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "%s", p)
	}
	return data, nil
}

func (c *Connector) WriteFile(p string, data []byte, perm os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[p] = append([]byte(nil), data...)
	return nil
}

func (c *Connector) Remove(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, p)
	return nil
}

func (c *Connector) MkdirAll(p string) error {
	return nil
}

func (c *Connector) IsAlive(pid int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive[pid], nil
}

func (c *Connector) Kill(pid int) error {
	c.mu.Lock()
	var target *Process
	for _, p := range c.procs {
		if p.pid == pid {
			target = p
		}
	}
	c.mu.Unlock()
	if target != nil {
		return target.Kill()
	}
	return nil
}

// CreateLockFile fails when the file exists, waiting or not.
func (c *Connector) CreateLockFile(p string, wait bool) (connector.Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.files[p]; ok {
		return nil, errors.Wrapf(connector.ErrLockHeld, "%s", p)
	}
	c.files[p] = []byte(strconv.Itoa(os.Getpid()))
	c.locks[p] = true
	return &lock{c: c, path: p}, nil
}

// File returns the content of p.
func (c *Connector) File(p string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[p]
	return string(data), ok
}

// Files lists every file, sorted.
func (c *Connector) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for name := range c.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Process returns the last process started for locator.
func (c *Connector) Process(locator string) *Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.procs[locator]
}

// WaitStarted waits for the next launch.
func (c *Connector) WaitStarted(timeout time.Duration) (*Process, error) {
	select {
	case p := <-c.started:
		return p, nil
	case <-time.After(timeout):
		return nil, errors.New("no process started")
	}
}

type lock struct {
	c    *Connector
	path string
}

func (l *lock) Path() string { return l.path }

func (l *lock) Release() error {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	delete(l.c.files, l.path)
	delete(l.c.locks, l.path)
	return nil
}

func (l *lock) Detach() error {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	delete(l.c.locks, l.path)
	return nil
}

type builder struct {
	c *Connector
}

// Start behaves like the run script prologue: it exits with the missing
// lock code when a lock file is absent, otherwise it removes the start lock
// and writes the pid file.
func (b builder) Start(spec *connector.ProcessSpec) (connector.Process, error) {
	c := b.c
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	c.mu.Lock()
	if _, ok := c.files[spec.RunScript]; !ok {
		c.mu.Unlock()
		return nil, errors.Errorf("run script %s missing", spec.RunScript)
	}
	c.nextPid++
	p := &Process{c: c, pid: c.nextPid, Spec: spec, done: make(chan struct{})}
	c.procs[spec.Locator] = p
	c.alive[p.pid] = true
	missing := false
	for _, l := range append([]string{spec.Files.Lock}, spec.Locks...) {
		if _, ok := c.files[l]; !ok {
			missing = true
		}
	}
	delete(c.files, spec.Files.StartLock)
	c.files[spec.Files.Pid] = []byte(strconv.Itoa(p.pid))
	c.mu.Unlock()

	if missing {
		p.Finish(xpmerrors.LockMissingExitCode)
	}
	c.started <- p
	return p, nil
}

// Process is a simulated run script.
type Process struct {
	c    *Connector
	pid  int
	Spec *connector.ProcessSpec

	once     sync.Once
	doneOnce sync.Once
	done     chan struct{}
	code     int
	waitErr  error
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Wait() (int, error) {
	<-p.done
	return p.code, p.waitErr
}

func (p *Process) release(code int, err error) {
	p.doneOnce.Do(func() {
		p.code = code
		p.waitErr = err
		close(p.done)
	})
}

// Lose makes Wait fail with err while the process keeps running, as when
// the connection to its host drops.
func (p *Process) Lose(err error) {
	p.release(-1, err)
}

// Finish ends the process like the run script epilogue.
func (p *Process) Finish(code int) {
	p.once.Do(func() {
		c := p.c
		c.mu.Lock()
		f := p.Spec.Files
		c.files[f.Code] = []byte(strconv.Itoa(code) + "\n")
		if code == 0 {
			c.files[f.Done] = nil
		}
		delete(c.files, f.Lock)
		c.alive[p.pid] = false
		c.mu.Unlock()
		p.release(code, nil)
	})
}

// Crash ends the process without writing any status file.
func (p *Process) Crash() {
	p.once.Do(func() {
		p.c.mu.Lock()
		p.c.alive[p.pid] = false
		p.c.mu.Unlock()
		p.release(-1, nil)
	})
}

func (p *Process) Kill() error {
	p.Finish(xpmerrors.KilledExitCode)
	return nil
}
