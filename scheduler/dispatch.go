package scheduler

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/resource"
)

// run tracks a job launched by this scheduler.
type run struct {
	job  *resource.Resource
	conn connector.Connector
	id   string
	// proc and killed are guarded by the scheduler runMu.
	proc   connector.Process
	killed bool
	done   chan struct{}
}

// loop wakes on READY transitions and on the sweep ticker. Passes are rate
// limited so that bursts of transitions collapse into one pass.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
		case <-ctx.Done():
		}
		cancel()
	}()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
		case <-ticker.C:
			s.sweep()
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.dispatch()
	}
}

// sweep refreshes the RUNNING jobs this scheduler does not wait on, such as
// jobs adopted after a restart.
func (s *Scheduler) sweep() {
	rs, err := s.store.Resources(resource.MaskForState(resource.RUNNING))
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Error("Cannot list running jobs")
		return
	}
	for _, stored := range rs {
		if s.isRunning(stored.ID()) {
			continue
		}
		r, err := s.Resource(stored.ID())
		if err != nil {
			log.WithFields(log.Fields{"resource": stored.ID(), "err": err}).Error("Cannot load running job")
			continue
		}
		s.UpdateStatus(r)
	}
}

// dispatch launches READY jobs while slots are free, by decreasing
// priority, then by age in the READY state.
func (s *Scheduler) dispatch() {
	defer s.stat.Precision(time.Millisecond).Latency(stats.SchedDispatchLatency_ms).Time().Stop()
	stored, err := s.store.Resources(resource.MaskForState(resource.READY))
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Error("Cannot list ready jobs")
		return
	}
	s.stat.Gauge(stats.SchedReadyJobsGauge).Update(int64(len(stored)))

	var candidates []*resource.Resource
	for _, st := range stored {
		r, err := s.Resource(st.ID())
		if err != nil {
			log.WithFields(log.Fields{"resource": st.ID(), "err": err}).Error("Cannot load ready job")
			continue
		}
		if r.Kind().IsJob() {
			candidates = append(candidates, r)
		}
	}
	sortCandidates(candidates)

	for _, r := range candidates {
		select {
		case <-s.stopCh:
			return
		default:
		}
		conn, err := s.connectorOf(r)
		if err != nil {
			s.failLaunch(r, err)
			continue
		}
		full, connFull := s.slots(conn.ID())
		if full {
			return
		}
		if connFull {
			continue
		}
		s.launch(r, conn)
	}
}

func sortCandidates(rs []*resource.Resource) {
	priority := make(map[resource.ID]int, len(rs))
	for _, r := range rs {
		if job := r.Job(); job != nil {
			priority[r.ID()] = job.Priority
		}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if pa, pb := priority[a.ID()], priority[b.ID()]; pa != pb {
			return pa > pb
		}
		if ta, tb := a.ReadyAt(), b.ReadyAt(); !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID() < b.ID()
	})
}

// slots reports whether the global limit, and the limit of connector
// connID, are reached.
func (s *Scheduler) slots(connID string) (full, connFull bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.config.MaxRunning > 0 && len(s.running) >= s.config.MaxRunning {
		return true, true
	}
	if max, ok := s.config.ConnectorSlots[connID]; ok && max > 0 && s.perConnector[connID] >= max {
		return false, true
	}
	return false, false
}

func (s *Scheduler) isRunning(id resource.ID) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[id]
	return ok
}

func (s *Scheduler) register(rn *run) {
	s.runMu.Lock()
	s.running[rn.job.ID()] = rn
	s.perConnector[rn.conn.ID()]++
	n := len(s.running)
	s.runMu.Unlock()
	s.pin(rn.job)
	s.stat.Gauge(stats.SchedRunningJobsGauge).Update(int64(n))
}

func (s *Scheduler) unregister(rn *run) {
	s.runMu.Lock()
	if s.running[rn.job.ID()] == rn {
		delete(s.running, rn.job.ID())
		s.perConnector[rn.conn.ID()]--
	}
	n := len(s.running)
	s.runMu.Unlock()
	s.unpin(rn.job)
	s.stat.Gauge(stats.SchedRunningJobsGauge).Update(int64(n))
}

// launch starts one READY job. A job whose dependencies cannot all be
// locked stays READY for the next pass.
func (s *Scheduler) launch(r *resource.Resource, conn connector.Connector) {
	s.graph.Lock()
	defer s.graph.Unlock()
	r.Lock()
	changed := s.launchLocked(r, conn)
	r.Unlock()
	s.propagateLocked(changedRoots(changed, r)...)
}

func (s *Scheduler) launchLocked(r *resource.Resource, conn connector.Connector) bool {
	if r.State() != resource.READY {
		return false
	}
	fields := logFields(r)
	fields["connector"] = conn.ID()

	u, err := uuid.NewV4()
	if err != nil {
		return s.failLaunchLocked(r, conn, errors.Wrap(err, "generating run id"))
	}
	runID := u.String()
	fields["run"] = runID

	if err := s.lockDependenciesLocked(r, conn, runID); err != nil {
		s.stat.Counter(stats.SchedLockContentionCounter).Inc(1)
		fields["err"] = err
		log.WithFields(fields).Info("Cannot lock dependencies, job stays ready")
		return false
	}

	spec, jobLock, err := s.prepareRun(r, conn, runID)
	if err != nil {
		return s.failLaunchLocked(r, conn, err)
	}

	rn := &run{job: r, conn: conn, id: runID, done: make(chan struct{})}
	s.register(rn)
	if _, err := s.setStateLocked(r, resource.RUNNING); err != nil {
		jobLock.Release()
		s.unregister(rn)
		return s.failLaunchLocked(r, conn, err)
	}

	proc, err := conn.ProcessBuilder().Start(spec)
	if err != nil {
		jobLock.Release()
		s.unregister(rn)
		s.failLaunchLocked(r, conn, errors.Wrapf(err, "starting %s", spec.RunScript))
		return true
	}
	if err := jobLock.Detach(); err != nil {
		fields["err"] = err
		log.WithFields(fields).Warn("Cannot detach job lock")
		delete(fields, "err")
	}
	if err := r.UpdateJob(func(job *resource.JobData) { job.ProcessID = proc.Pid() }); err == nil {
		if err := s.store.UpdatePayload(r); err != nil {
			fields["err"] = err
			log.WithFields(fields).Warn("Cannot record process id")
			delete(fields, "err")
		}
	}

	s.runMu.Lock()
	rn.proc = proc
	killed := rn.killed
	s.runMu.Unlock()
	if killed {
		proc.Kill()
	}

	s.stat.Counter(stats.SchedJobLaunchCounter).Inc(1)
	fields["pid"] = proc.Pid()
	log.WithFields(fields).Info("Launched job")
	go s.wait(rn)
	return true
}

// prepareRun writes the run files and takes the job lock. The start lock
// tells the run script it was launched by this run.
func (s *Scheduler) prepareRun(r *resource.Resource, conn connector.Connector, runID string) (*connector.ProcessSpec, connector.Lock, error) {
	job := r.Job()
	if job == nil {
		return nil, nil, errors.Errorf("job %s has no payload", r)
	}
	if err := job.Validate(); err != nil {
		return nil, nil, errors.Wrapf(err, "job %s", r.Locator())
	}
	base, err := conn.Resolve(r.Locator())
	if err != nil {
		return nil, nil, err
	}
	files := resource.JobFiles(base, job)
	if err := conn.MkdirAll(path.Dir(files.Run)); err != nil {
		return nil, nil, err
	}
	for _, stale := range []string{files.Done, files.Code} {
		if err := conn.Remove(stale); err != nil {
			return nil, nil, errors.Wrapf(err, "removing %s", stale)
		}
	}

	var locks []string
	for _, d := range r.Dependencies() {
		if d.Kind() == resource.DepExclusive && d.IsLocked() {
			locks = append(locks, d.LockRef())
		}
	}
	spec := &connector.ProcessSpec{
		Locator:         r.Locator(),
		RunScript:       files.Run,
		Files:           files,
		WorkDir:         job.WorkDir(base),
		Env:             job.Env(),
		Locks:           locks,
		Commands:        job.Commands,
		NotificationURL: s.notificationURL(r, job),
	}

	jobLock, err := conn.CreateLockFile(files.Lock, false)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "locking job %s", r.Locator())
	}
	write := func(p string, data string, perm os.FileMode) error {
		return conn.WriteFile(p, []byte(data), perm)
	}
	err = write(files.StartLock, runID+"\n", 0644)
	if err == nil && job.Input != "" {
		err = write(files.Input, job.Input, 0644)
	}
	if err == nil {
		err = write(files.Run, connector.RunScript(spec), connector.RunScriptPerm)
	}
	if err == nil {
		err = r.UpdateJob(func(j *resource.JobData) {
			j.RunID = runID
			j.ProcessID = 0
			j.ExitCode = 0
		})
	}
	if err == nil {
		err = s.store.UpdatePayload(r)
	}
	if err != nil {
		jobLock.Release()
		return nil, nil, err
	}
	return spec, jobLock, nil
}

func (s *Scheduler) notificationURL(r *resource.Resource, job *resource.JobData) string {
	if job.Launcher.NotificationURL != "" {
		return job.Launcher.NotificationURL
	}
	if s.config.NotifyURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/notify/%d", strings.TrimRight(s.config.NotifyURL, "/"), int64(r.ID()))
}

// failLaunch puts a job that cannot be launched ON_HOLD.
func (s *Scheduler) failLaunch(r *resource.Resource, err error) {
	s.graph.Lock()
	defer s.graph.Unlock()
	r.Lock()
	changed := s.failLaunchLocked(r, nil, err)
	r.Unlock()
	s.propagateLocked(changedRoots(changed, r)...)
}

func (s *Scheduler) failLaunchLocked(r *resource.Resource, conn connector.Connector, cause error) bool {
	s.stat.Counter(stats.SchedJobLaunchFailureCounter).Inc(1)
	fields := logFields(r)
	fields["err"] = cause
	log.WithFields(fields).Error("Cannot launch job, putting it on hold")
	if conn != nil {
		if _, err := s.releaseDependenciesLocked(r, false); err != nil {
			fields["err"] = err
			log.WithFields(fields).Error("Cannot release dependency locks")
		}
	}
	changed, err := s.setStateLocked(r, resource.ON_HOLD)
	if err != nil {
		fields["err"] = err
		log.WithFields(fields).Error("Cannot put job on hold")
	}
	return changed
}

// wait blocks on the process then completes the run.
func (s *Scheduler) wait(rn *run) {
	code, err := rn.proc.Wait()
	fields := logFields(rn.job)
	fields["run"] = rn.id
	fields["code"] = code
	if err != nil {
		fields["err"] = err
		log.WithFields(fields).Warn("Waiting for job failed")
	} else {
		log.WithFields(fields).Info("Job process exited")
	}
	s.complete(rn, code, err)
}

// complete moves a finished run to DONE or ERROR, releases its dependency
// locks and its slot, then wakes the dispatcher. A run whose wait failed
// keeps its job RUNNING and its locks; only the slot is given back.
func (s *Scheduler) complete(rn *run, code int, waitErr error) {
	defer close(rn.done)
	r := rn.job

	s.graph.Lock()
	defer s.graph.Unlock()
	r.Lock()
	s.runMu.Lock()
	killed := rn.killed
	s.runMu.Unlock()

	fields := logFields(r)
	fields["run"] = rn.id
	if waitErr != nil && !killed && r.State() == resource.RUNNING {
		// The process may still run: hand the job to the sweep, which
		// adopts it through its pid and run files.
		r.Unlock()
		s.unregister(rn)
		fields["err"] = waitErr
		log.WithFields(fields).Warn("Lost track of job process, adopting it")
		s.wake()
		return
	}
	if r.State() == resource.RUNNING {
		s.updateStatusLocked(r)
	}
	if r.State() == resource.RUNNING {
		switch {
		case killed:
			code = xpmerrors.KilledExitCode
		case waitErr != nil || code == 0:
			// A zero exit without a done file is not a success.
			code = -1
		}
		if _, err := s.finishLocked(r, code); err != nil {
			fields["err"] = err
			log.WithFields(fields).Error("Cannot record job completion")
			delete(fields, "err")
		}
	}
	if _, err := s.releaseDependenciesLocked(r, false); err != nil {
		fields["err"] = err
		log.WithFields(fields).Error("Cannot release dependency locks")
		delete(fields, "err")
	}
	s.removeRunLocks(r)
	r.Unlock()

	s.unregister(rn)
	s.propagateLocked(r)
	s.wake()
	fields["state"] = r.State()
	log.WithFields(fields).Info("Job completed")
}

// Kill stops a RUNNING job. The job ends in ERROR once its process is gone.
// Killing a job that is not running, or a second time, does nothing and
// returns false.
func (s *Scheduler) Kill(id resource.ID) (bool, error) {
	s.runMu.Lock()
	rn, tracked := s.running[id]
	if tracked && rn.killed {
		s.runMu.Unlock()
		return false, nil
	}
	var proc connector.Process
	if tracked {
		rn.killed = true
		proc = rn.proc
	}
	s.runMu.Unlock()

	if tracked {
		s.stat.Counter(stats.SchedJobKillCounter).Inc(1)
		log.WithFields(logFields(rn.job)).Info("Killing job")
		if proc == nil {
			return true, nil
		}
		return true, errors.Wrapf(proc.Kill(), "killing %s", rn.job)
	}

	r, err := s.Resource(id)
	if err != nil {
		return false, err
	}
	if r.State() != resource.RUNNING {
		return false, nil
	}
	job := r.Job()
	if job == nil || job.ProcessID <= 0 {
		return false, errors.Errorf("running job %s has no process id", r)
	}
	conn, err := s.connectorOf(r)
	if err != nil {
		return false, err
	}
	s.stat.Counter(stats.SchedJobKillCounter).Inc(1)
	log.WithFields(logFields(r)).Info("Killing adopted job")
	if err := conn.Kill(job.ProcessID); err != nil {
		return false, errors.Wrapf(err, "killing %s", r)
	}
	s.UpdateStatus(r)
	return true, nil
}
