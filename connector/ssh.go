package connector

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPollInterval is how often remote processes are checked.
var DefaultPollInterval = 5 * time.Second

// DefaultProbeRetry bounds how long a failing liveness check of a remote
// process is retried before Wait gives up.
var DefaultProbeRetry = 2 * time.Minute

// SSHConfig describes a remote host.
type SSHConfig struct {
	User     string
	Host     string
	Port     int
	Base     string
	Password string
	// Private key files tried in order.
	IdentityFiles []string
	// known_hosts file; host keys are not checked when empty.
	KnownHosts  string
	DialTimeout time.Duration
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSH runs jobs on a remote host. File operations are remote shell commands.
type SSH struct {
	id     string
	cfg    SSHConfig
	client *ssh.ClientConfig

	mu   sync.Mutex
	conn *ssh.Client
}

var _ Connector = (*SSH)(nil)

func NewSSH(id string, cfg SSHConfig) (*SSH, error) {
	var auth []ssh.AuthMethod
	var signers []ssh.Signer
	for _, file := range cfg.IdentityFiles {
		key, err := ioutil.ReadFile(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "reading identity %s", file)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing identity %s", file)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.Errorf("no authentication method for %s", cfg.addr())
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, errors.Wrapf(err, "loading known hosts %s", cfg.KnownHosts)
		}
		hostKeys = cb
	} else {
		log.WithFields(log.Fields{"host": cfg.Host}).Warn("No known_hosts file, host key is not verified")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.Base == "" {
		cfg.Base = "/"
	}
	return &SSH{
		id:  id,
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

func (c *SSH) ID() string       { return c.id }
func (c *SSH) HostName() string { return c.cfg.Host }

func (c *SSH) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// connect dials once per connector, retrying with exponential backoff.
func (c *SSH) connect() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	err := backoff.Retry(func() error {
		conn, err := ssh.Dial("tcp", c.cfg.addr(), c.client)
		if err != nil {
			log.WithFields(log.Fields{"host": c.cfg.Host, "err": err}).Warn("SSH dial failed")
			return err
		}
		c.conn = conn
		return nil
	}, b)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", c.cfg.addr())
	}
	log.WithFields(log.Fields{"host": c.cfg.Host, "connector": c.id}).Info("SSH connection established")
	return c.conn, nil
}

func (c *SSH) dropConn(conn *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

// run executes a shell command and returns its stdout. A non-zero exit
// status is returned as *ssh.ExitError.
func (c *SSH) run(cmd string, stdin []byte) ([]byte, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		c.dropConn(conn)
		return nil, errors.Wrapf(err, "opening session on %s", c.cfg.Host)
	}
	defer session.Close()
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr
	out, err := session.Output(cmd)
	if err != nil {
		if _, ok := err.(*ssh.ExitError); ok {
			return out, err
		}
		return out, errors.Wrapf(err, "running %q on %s: %s", cmd, c.cfg.Host, stderr.String())
	}
	return out, nil
}

func exitStatus(err error) (int, bool) {
	if e, ok := err.(*ssh.ExitError); ok {
		return e.ExitStatus(), true
	}
	return 0, false
}

func (c *SSH) Resolve(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	if !path.IsAbs(p) {
		p = path.Join(c.cfg.Base, p)
	}
	return path.Clean(p), nil
}

func (c *SSH) ProcessBuilder() ProcessBuilder {
	return &sshBuilder{c: c}
}

func (c *SSH) TemporaryDirectory() (string, error) {
	out, err := c.run("mktemp -d", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *SSH) Exists(p string) (bool, error) {
	_, err := c.run("test -e "+Quote(p), nil)
	if code, ok := exitStatus(err); ok && code == 1 {
		return false, nil
	}
	return err == nil, err
}

func (c *SSH) ReadFile(p string) ([]byte, error) {
	out, err := c.run("cat "+Quote(p), nil)
	if _, ok := exitStatus(err); ok {
		return nil, errors.Wrapf(os.ErrNotExist, "reading %s on %s", p, c.cfg.Host)
	}
	return out, err
}

func (c *SSH) WriteFile(p string, data []byte, perm os.FileMode) error {
	_, err := c.run(fmt.Sprintf("cat > %s && chmod %o %s", Quote(p), perm.Perm(), Quote(p)), data)
	return errors.Wrapf(err, "writing %s on %s", p, c.cfg.Host)
}

func (c *SSH) Remove(p string) error {
	_, err := c.run("rm -f "+Quote(p), nil)
	return err
}

func (c *SSH) MkdirAll(p string) error {
	_, err := c.run("mkdir -p "+Quote(p), nil)
	return err
}

func (c *SSH) IsAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	_, err := c.run(fmt.Sprintf("kill -0 %d", pid), nil)
	if _, ok := exitStatus(err); ok {
		return false, nil
	}
	return err == nil, err
}

func (c *SSH) Kill(pid int) error {
	_, err := c.run(fmt.Sprintf("kill -TERM -- -%d 2>/dev/null || kill -TERM %d", pid, pid), nil)
	if _, ok := exitStatus(err); ok {
		return nil
	}
	return err
}

// CreateLockFile relies on bash noclobber for atomic creation.
func (c *SSH) CreateLockFile(p string, wait bool) (Lock, error) {
	try := func(p string) (Lock, error) {
		_, err := c.run(fmt.Sprintf("mkdir -p %s && set -o noclobber && echo $$ > %s", Quote(path.Dir(p)), Quote(p)), nil)
		if _, ok := exitStatus(err); ok {
			return nil, errors.Wrapf(ErrLockHeld, "%s on %s", p, c.cfg.Host)
		}
		if err != nil {
			return nil, err
		}
		return &sshLock{c: c, path: p}, nil
	}
	if !wait {
		return try(p)
	}
	return waitLock(p, try)
}

type sshLock struct {
	c    *SSH
	path string
}

func (l *sshLock) Path() string  { return l.path }
func (l *sshLock) Release() error { return l.c.Remove(l.path) }
func (l *sshLock) Detach() error  { return nil }

type sshBuilder struct {
	c *SSH
}

// Start detaches the run script from the SSH session.
func (b *sshBuilder) Start(spec *ProcessSpec) (Process, error) {
	cmd := fmt.Sprintf("cd %s && nohup setsid /bin/bash %s > /dev/null 2>&1 < /dev/null & echo $!",
		Quote(spec.WorkDir), Quote(spec.RunScript))
	out, err := b.c.run(cmd, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "starting %s on %s", spec.RunScript, b.c.cfg.Host)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing pid of %s", spec.RunScript)
	}
	log.WithFields(log.Fields{
		"pid":     pid,
		"host":    b.c.cfg.Host,
		"locator": spec.Locator,
	}).Info("Started remote run script")
	return newRemoteProcess(b.c, pid, spec.Files.Code), nil
}

// remoteProcess polls a detached process. Its exit code comes from the
// code file written by the run script.
type remoteProcess struct {
	c        Connector
	pid      int
	codeFile string
	interval time.Duration
	retry    time.Duration

	killOnce sync.Once
	killErr  error
}

func (p *remoteProcess) Pid() int { return p.pid }

func newRemoteProcess(c Connector, pid int, codeFile string) *remoteProcess {
	return &remoteProcess{c: c, pid: pid, codeFile: codeFile, interval: DefaultPollInterval, retry: DefaultProbeRetry}
}

// Wait polls until the process is gone. Probe failures are retried with
// backoff; an error means the process state is unknown, not that it died.
func (p *remoteProcess) Wait() (int, error) {
	for {
		alive, err := p.probe()
		if err != nil {
			return -1, err
		}
		if !alive {
			break
		}
		time.Sleep(p.interval)
	}
	var code int
	err := p.retrying(func() error {
		var err error
		code, err = ReadExitCode(p.c, p.codeFile)
		return err
	})
	return code, err
}

func (p *remoteProcess) probe() (bool, error) {
	var alive bool
	err := p.retrying(func() error {
		var err error
		alive, err = p.c.IsAlive(p.pid)
		return err
	})
	return alive, err
}

func (p *remoteProcess) retrying(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval / 10
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.MaxElapsedTime = p.retry
	return backoff.Retry(func() error {
		err := op()
		if err != nil {
			log.WithFields(log.Fields{"pid": p.pid, "host": p.c.HostName(), "err": err}).Warn("Remote process check failed")
		}
		return err
	}, b)
}

func (p *remoteProcess) Kill() error {
	p.killOnce.Do(func() {
		p.killErr = p.c.Kill(p.pid)
	})
	return p.killErr
}
