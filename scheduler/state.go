package scheduler

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/resource"
)

// SetState moves r to st and propagates the change to its dependents. It
// returns false when r was already in st.
func (s *Scheduler) SetState(r *resource.Resource, st resource.State) (bool, error) {
	s.graph.Lock()
	defer s.graph.Unlock()
	if r.IsStored() {
		var err error
		if r, err = s.current(r); err != nil {
			return false, err
		}
	}
	r.Lock()
	changed, err := s.setStateLocked(r, st)
	r.Unlock()
	s.propagateLocked(changedRoots(changed, r)...)
	return changed, err
}

// setStateLocked persists then applies a transition. The caller holds the
// monitor of r. Nothing is published when the store write fails.
func (s *Scheduler) setStateLocked(r *resource.Resource, st resource.State) (bool, error) {
	if !st.IsValid() {
		return false, xpmerrors.Invariant("invalid state %d for %s", int(st), r)
	}
	old := r.State()
	if old == st {
		return false, nil
	}
	now := s.now()
	stored := r.IsStored()
	if stored {
		readyAt := r.ReadyAt()
		if st == resource.READY {
			readyAt = now
		}
		if err := s.store.UpdateState(r.ID(), st, old, readyAt); err != nil {
			return false, errors.Wrapf(err, "persisting state %s of %s", st, r)
		}
	}
	r.Transition(st, now)
	s.stat.Counter(stats.SchedStateChangeCounter).Inc(1)
	fields := logFields(r)
	fields["old"] = old
	fields["new"] = st
	log.WithFields(fields).Info("State changed")

	if stored {
		if st == resource.READY {
			s.wake()
		}
		s.bus.Notify(resource.ResourceChanged{ID: r.ID(), Locator: r.Locator(), Old: old, New: st})
	}
	return true, nil
}

// UpdateStatus refreshes the state of r from its host. Any failure puts r
// ON_HOLD. It returns whether the state changed.
func (s *Scheduler) UpdateStatus(r *resource.Resource) bool {
	s.graph.Lock()
	defer s.graph.Unlock()
	if live, err := s.current(r); err == nil {
		r = live
	}
	r.Lock()
	changed := s.updateStatusLocked(r)
	r.Unlock()
	s.propagateLocked(changedRoots(changed, r)...)
	return changed
}

func (s *Scheduler) updateStatusLocked(r *resource.Resource) bool {
	changed, err := s.doUpdateStatus(r)
	if err == nil {
		return changed
	}
	s.stat.Counter(stats.SchedStatusUpdateFailureCounter).Inc(1)
	fields := logFields(r)
	fields["err"] = err
	log.WithFields(fields).Error("Status update failed, putting resource on hold")
	changed, err = s.setStateLocked(r, resource.ON_HOLD)
	if err != nil {
		fields["err"] = err
		log.WithFields(fields).Error("Cannot put resource on hold")
	}
	return changed
}

func (s *Scheduler) doUpdateStatus(r *resource.Resource) (bool, error) {
	switch r.Kind() {
	case resource.KindData, resource.KindToken:
		return false, nil
	case resource.KindCommandLine:
		return s.updateJobStatus(r)
	default:
		return false, xpmerrors.Unsupported("status update of kind %d", int(r.Kind()))
	}
}

// updateJobStatus inspects the run files of a job. A done file makes any
// job DONE. A RUNNING job with an exit code file is DONE or ERROR. A
// RUNNING job this scheduler does not track goes to ERROR once its process
// is gone.
func (s *Scheduler) updateJobStatus(r *resource.Resource) (bool, error) {
	if r.State() == resource.DONE {
		return false, nil
	}
	job := r.Job()
	if job == nil {
		return false, errors.Errorf("job %s has no payload", r)
	}
	conn, err := s.connectors.Get(job.Launcher.Connector)
	if err != nil {
		return false, err
	}
	files, err := jobFiles(conn, r.Locator(), job)
	if err != nil {
		return false, err
	}

	done, err := conn.Exists(files.Done)
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", files.Done)
	}
	if done {
		return s.finishLocked(r, 0)
	}
	if r.State() != resource.RUNNING {
		return false, nil
	}

	code, err := connector.ReadExitCode(conn, files.Code)
	if err != nil {
		return false, err
	}
	if code >= 0 {
		return s.finishLocked(r, code)
	}
	if s.isRunning(r.ID()) {
		return false, nil
	}
	pid, err := readPid(conn, files.Pid, job)
	if err != nil {
		return false, err
	}
	if pid > 0 {
		alive, err := conn.IsAlive(pid)
		if err != nil {
			return false, err
		}
		if alive {
			return false, nil
		}
	}
	log.WithFields(logFields(r)).Warn("Job process vanished without an exit code")
	return s.finishLocked(r, -1)
}

// finishLocked records the exit code of a job and moves it to DONE or
// ERROR. The dependency locks of a job this scheduler does not wait on are
// released here; tracked runs release them on completion.
func (s *Scheduler) finishLocked(r *resource.Resource, code int) (bool, error) {
	if err := r.UpdateJob(func(job *resource.JobData) { job.ExitCode = code }); err != nil {
		return false, err
	}
	if err := s.store.UpdatePayload(r); err != nil {
		return false, err
	}
	next := resource.ERROR
	if code == 0 {
		next = resource.DONE
	}
	changed, err := s.setStateLocked(r, next)
	if err != nil || !changed {
		return changed, err
	}
	if next == resource.DONE {
		s.stat.Counter(stats.SchedJobDoneCounter).Inc(1)
	} else {
		s.stat.Counter(stats.SchedJobErrorCounter).Inc(1)
	}
	if !s.isRunning(r.ID()) {
		if _, err := s.releaseDependenciesLocked(r, false); err != nil {
			return changed, err
		}
		s.removeRunLocks(r)
	}
	return changed, nil
}

// jobFiles resolves the run files of a job on conn.
// removeRunLocks drops the lock files of a finished run the run script
// did not get to remove.
func (s *Scheduler) removeRunLocks(r *resource.Resource) {
	job := r.Job()
	conn, err := s.connectorOf(r)
	if err != nil || job == nil {
		return
	}
	files, err := jobFiles(conn, r.Locator(), job)
	if err != nil {
		return
	}
	for _, p := range []string{files.Lock, files.StartLock} {
		if err := conn.Remove(p); err != nil {
			log.WithFields(log.Fields{"path": p, "err": err}).Warn("Cannot remove run lock")
		}
	}
}

func jobFiles(conn connector.Connector, locator string, job *resource.JobData) (resource.Files, error) {
	path, err := conn.Resolve(locator)
	if err != nil {
		return resource.Files{}, errors.Wrapf(err, "resolving %s on %s", locator, conn.ID())
	}
	return resource.JobFiles(path, job), nil
}

// readPid reads the pid file, falling back on the pid recorded at launch.
func readPid(conn connector.Connector, path string, job *resource.JobData) (int, error) {
	ok, err := conn.Exists(path)
	if err != nil {
		return 0, err
	}
	if !ok {
		return job.ProcessID, nil
	}
	data, err := conn.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing pid file %s", path)
	}
	return pid, nil
}

func changedRoots(changed bool, r *resource.Resource) []*resource.Resource {
	if !changed {
		return nil
	}
	return []*resource.Resource{r}
}
