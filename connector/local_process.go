package connector

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type localBuilder struct {
	abortTimeout time.Duration
}

// Start runs the run script with bash in its own process group.
func (b *localBuilder) Start(spec *ProcessSpec) (Process, error) {
	cmd := exec.Command("/bin/bash", spec.RunScript)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", spec.RunScript)
	}
	log.WithFields(log.Fields{
		"pid":     cmd.Process.Pid,
		"locator": spec.Locator,
	}).Info("Started run script")
	return &process{
		cmd:          cmd,
		locator:      spec.Locator,
		abortTimeout: b.abortTimeout,
		done:         make(chan struct{}),
	}, nil
}

type process struct {
	cmd          *exec.Cmd
	locator      string
	abortTimeout time.Duration

	waitOnce sync.Once
	done     chan struct{}
	code     int
	err      error

	killOnce sync.Once
	killErr  error
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait returns the script exit code. A script killed by a signal reports
// 128 plus the signal number, like bash does.
func (p *process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		defer close(p.done)
		err := p.cmd.Wait()
		log.WithFields(log.Fields{
			"pid":     p.Pid(),
			"locator": p.locator,
		}).Info("Finished waiting for process")
		if err == nil {
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if status.Signaled() {
					p.code = 128 + int(status.Signal())
				} else {
					p.code = status.ExitStatus()
				}
				return
			}
		}
		p.code = -1
		p.err = err
	})
	<-p.done
	return p.code, p.err
}

// Kill sends SIGTERM to the process group, then SIGKILL after the abort
// timeout if the script is still running.
func (p *process) Kill() error {
	p.killOnce.Do(func() {
		pid := p.Pid()
		fields := log.Fields{"pid": pid, "locator": p.locator}
		if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			log.WithFields(fields).Errorf("Error aborting command via SIGTERM: %v", err)
			p.killErr = p.killGroup(pid)
			return
		}
		log.WithFields(fields).Info("Aborting process via SIGTERM")

		go p.Wait()
		select {
		case <-p.done:
		case <-time.After(p.abortTimeout):
			log.WithFields(fields).Errorf("%s timeout exceeded, killing command", p.abortTimeout)
			p.killErr = p.killGroup(pid)
		}
	})
	return p.killErr
}

func (p *process) killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
