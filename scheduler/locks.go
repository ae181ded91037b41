package scheduler

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/resource"
)

// Lock references persisted with a dependency. Exclusive locks are stored
// as the path of their lock file.
const (
	readRefPrefix  = "read:"
	tokenRefPrefix = "token:"
)

// ErrTokenExhausted is returned when a token has no unit left at dispatch.
var ErrTokenExhausted = errors.New("token exhausted")

// lockDependenciesLocked locks every ingoing dependency of job for run
// runID. On failure, the locks already taken are released and nothing is
// persisted. The caller holds the graph lock and the monitor of job.
func (s *Scheduler) lockDependenciesLocked(job *resource.Resource, conn connector.Connector, runID string) error {
	if err := s.loadDependencies(job); err != nil {
		return err
	}
	var taken []*resource.Dependency
	var err error
	for _, d := range job.Dependencies() {
		if err = s.lockDependency(d, conn, runID); err != nil {
			break
		}
		taken = append(taken, d)
		if err = s.store.UpdateDependency(d); err != nil {
			break
		}
	}
	if err == nil {
		return nil
	}
	for _, d := range taken {
		if rerr := s.releaseDependency(d, conn); rerr != nil {
			log.WithFields(log.Fields{"dependency": d.String(), "err": rerr}).Error("Cannot release dependency lock")
		}
		d.SetStatus(resource.DepOK)
		if uerr := s.store.UpdateDependency(d); uerr != nil {
			log.WithFields(log.Fields{"dependency": d.String(), "err": uerr}).Error("Cannot persist dependency")
		}
	}
	return err
}

func (s *Scheduler) lockDependency(d *resource.Dependency, conn connector.Connector, runID string) error {
	if st := d.Status(); st != resource.DepOK {
		return errors.Errorf("dependency %s->%s is %s", d.From(), d.To(), st)
	}
	switch d.Kind() {
	case resource.DepReadAccess:
		return d.Locked(readRefPrefix+runID, nil)

	case resource.DepExclusive:
		up, err := s.Resource(d.From())
		if err != nil {
			return err
		}
		path, err := conn.Resolve(up.Locator())
		if err != nil {
			return err
		}
		lk, err := conn.CreateLockFile(path+resource.LockExt, false)
		if err != nil {
			return errors.Wrapf(err, "locking %s", up.Locator())
		}
		if err := d.Locked(lk.Path(), lk); err != nil {
			lk.Release()
			return err
		}
		return nil

	case resource.DepToken:
		token, err := s.Resource(d.From())
		if err != nil {
			return err
		}
		token.Lock()
		defer token.Unlock()
		ok, err := token.AcquireToken()
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrTokenExhausted, "%s", token.Locator())
		}
		if err := s.store.UpdatePayload(token); err != nil {
			token.ReleaseToken()
			return err
		}
		if err := d.Locked(tokenRefPrefix+runID, nil); err != nil {
			s.giveBackToken(token)
			return err
		}
		s.deferLocked(token)
		return nil

	default:
		return xpmerrors.Unsupported("locking dependency kind %d", int(d.Kind()))
	}
}

// releaseDependency unlocks d and releases what its lock holds: the handle
// when this process took it, otherwise whatever its reference names.
func (s *Scheduler) releaseDependency(d *resource.Dependency, conn connector.Connector) error {
	ref, handle, err := d.Unlock()
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(ref, readRefPrefix):
		return nil
	case strings.HasPrefix(ref, tokenRefPrefix):
		token, err := s.Resource(d.From())
		if err != nil {
			return err
		}
		token.Lock()
		defer token.Unlock()
		return s.giveBackToken(token)
	case handle != nil:
		return handle.Release()
	default:
		return conn.Remove(ref)
	}
}

// giveBackToken releases one unit and queues the token for propagation.
// The caller holds the monitor of token.
func (s *Scheduler) giveBackToken(token *resource.Resource) error {
	if err := token.ReleaseToken(); err != nil {
		return err
	}
	s.deferLocked(token)
	return s.store.UpdatePayload(token)
}

// releaseDependenciesLocked releases every lock held by the ingoing
// dependencies of r and returns how many there were. With simulate, locks
// are only counted. The caller holds the graph lock and the monitor of r.
func (s *Scheduler) releaseDependenciesLocked(r *resource.Resource, simulate bool) (int, error) {
	if err := s.loadDependencies(r); err != nil {
		return 0, err
	}
	conn, err := s.connectorOf(r)
	if err != nil {
		return 0, err
	}
	n := 0
	var first error
	for _, d := range r.Dependencies() {
		if !d.IsLocked() {
			continue
		}
		n++
		fields := logFields(r)
		fields["dependency"] = d.String()
		fields["lock"] = d.LockRef()
		if simulate {
			log.WithFields(fields).Info("Would release dependency lock")
			continue
		}
		if err := s.releaseDependency(d, conn); err != nil {
			fields["err"] = err
			log.WithFields(fields).Error("Cannot release dependency lock")
			if first == nil {
				first = err
			}
		}
		if err := s.store.UpdateDependency(d); err != nil && first == nil {
			first = err
		}
		log.WithFields(fields).Debug("Released dependency lock")
	}
	return n, first
}

// connectorOf returns the connector a job runs on, the default one for
// other kinds.
func (s *Scheduler) connectorOf(r *resource.Resource) (connector.Connector, error) {
	if job := r.Job(); job != nil {
		return s.connectors.Get(job.Launcher.Connector)
	}
	return s.connectors.Get("")
}

// CleanupLocks releases the dependency locks held by resources that are not
// RUNNING, left behind by a crash. With simulate, nothing is released. It
// returns the number of locks found.
func (s *Scheduler) CleanupLocks(simulate bool) (int, error) {
	s.graph.Lock()
	defer s.graph.Unlock()
	return s.cleanupLocksLocked(simulate)
}

func (s *Scheduler) cleanupLocksLocked(simulate bool) (int, error) {
	locked, err := s.store.LockedResources(resource.MaskForState(resource.RUNNING))
	if err != nil {
		return 0, err
	}
	total := 0
	var first error
	for _, stored := range locked {
		r, err := s.Resource(stored.ID())
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		r.Lock()
		if r.State() == resource.RUNNING {
			r.Unlock()
			continue
		}
		if !simulate {
			r.InvalidateDependencies()
		}
		n, err := s.releaseDependenciesLocked(r, simulate)
		if err == nil && !simulate && r.State().IsWaiting() {
			_, err = s.refreshLocked(r)
		}
		r.Unlock()
		total += n
		if err != nil && first == nil {
			first = err
		}
	}
	s.propagateLocked()
	if !simulate {
		s.stat.Counter(stats.SchedCleanedLocksCounter).Inc(int64(total))
	}
	log.WithFields(log.Fields{"locks": total, "simulate": simulate}).Info("Cleaned up dependency locks")
	return total, first
}
