package scheduler

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/resource"
)

// propagateLocked delivers the state of roots, and of every resource queued
// with deferLocked, to their dependents, transitively. The caller holds the
// graph lock and no monitor. A failure on one dependent is logged and does
// not stop the others.
func (s *Scheduler) propagateLocked(roots ...*resource.Resource) {
	queue := append(append([]*resource.Resource{}, roots...), s.deferred...)
	s.deferred = nil
	if len(queue) == 0 {
		return
	}
	defer s.stat.Precision(time.Millisecond).Latency(stats.SchedPropagationLatency_ms).Time().Stop()

	for len(queue) > 0 {
		from := queue[0]
		queue = queue[1:]
		if !from.IsStored() {
			continue
		}
		deps, err := s.store.OutgoingDependencies(from.ID())
		if err != nil {
			fields := logFields(from)
			fields["err"] = err
			log.WithFields(fields).Error("Cannot list dependents")
			continue
		}
		for _, d := range deps {
			to, changed, err := s.notifyDependent(from, d.To())
			if err != nil {
				log.WithFields(log.Fields{
					"from": from.String(),
					"to":   d.To(),
					"err":  err,
				}).Error("Cannot notify dependent")
				continue
			}
			if changed {
				queue = append(queue, to)
			}
		}
		queue = append(queue, s.deferred...)
		s.deferred = nil
	}
}

// deferLocked queues r for the next propagation. The caller holds the graph
// lock; it is used where a monitor prevents propagating right away.
func (s *Scheduler) deferLocked(r *resource.Resource) {
	s.deferred = append(s.deferred, r)
}

// notifyDependent re-evaluates the dependency of toID on from and returns
// whether the state of the dependent changed.
func (s *Scheduler) notifyDependent(from *resource.Resource, toID resource.ID) (*resource.Resource, bool, error) {
	to, err := s.Resource(toID)
	if err != nil {
		return nil, false, err
	}
	to.Lock()
	defer to.Unlock()
	d, err := s.dependency(to, from.ID())
	if err != nil {
		return to, false, err
	}
	if _, err := s.updateDependency(d, from); err != nil {
		return to, false, err
	}
	changed, err := s.reevaluateLocked(to)
	return to, changed, err
}

// updateDependency recomputes d against its upstream, persisting and
// publishing a change.
func (s *Scheduler) updateDependency(d *resource.Dependency, from *resource.Resource) (bool, error) {
	changed, old := d.Update(from)
	if !changed {
		return false, nil
	}
	if err := s.store.UpdateDependency(d); err != nil {
		d.SetStatus(old)
		return false, err
	}
	s.stat.Counter(stats.SchedDependencyChangeCounter).Inc(1)
	log.WithFields(log.Fields{
		"from": d.From(),
		"to":   d.To(),
		"old":  old,
		"new":  d.Status(),
	}).Debug("Dependency changed")
	s.bus.Notify(resource.DependencyChanged{From: d.From(), To: d.To(), Kind: d.Kind(), Old: old, New: d.Status()})
	return true, nil
}

// reevaluateLocked applies the readiness rule to a waiting job: any held
// dependency puts it ON_HOLD, all dependencies OK make it READY, anything
// else keeps it WAITING. The caller holds the monitor of r.
func (s *Scheduler) reevaluateLocked(r *resource.Resource) (bool, error) {
	if !r.Kind().IsJob() {
		return false, nil
	}
	st := r.State()
	if st != resource.WAITING && st != resource.READY {
		return false, nil
	}
	if err := s.loadDependencies(r); err != nil {
		return false, err
	}
	next := resource.WAITING
	switch {
	case r.Held():
		next = resource.ON_HOLD
	case r.Ready():
		next = resource.READY
	}
	return s.setStateLocked(r, next)
}

// refreshLocked recomputes every ingoing dependency of r then re-evaluates
// it. The caller holds the monitor of r.
func (s *Scheduler) refreshLocked(r *resource.Resource) (bool, error) {
	if err := s.loadDependencies(r); err != nil {
		return false, err
	}
	for _, d := range r.Dependencies() {
		from, err := s.Resource(d.From())
		if err != nil {
			return false, err
		}
		if _, err := s.updateDependency(d, from); err != nil {
			return false, err
		}
	}
	return s.reevaluateLocked(r)
}

func (s *Scheduler) loadDependencies(r *resource.Resource) error {
	if r.DependenciesLoaded() || !r.IsStored() {
		return nil
	}
	deps, err := s.store.IngoingDependencies(r.ID())
	if err != nil {
		return errors.Wrapf(err, "loading dependencies of %s", r)
	}
	r.SetDependencies(deps)
	return nil
}

// dependency returns the ingoing dependency of to on from, reloading the
// dependencies once when it is unknown.
func (s *Scheduler) dependency(to *resource.Resource, from resource.ID) (*resource.Dependency, error) {
	if err := s.loadDependencies(to); err != nil {
		return nil, err
	}
	if d := to.Dependency(from); d != nil {
		return d, nil
	}
	to.InvalidateDependencies()
	if err := s.loadDependencies(to); err != nil {
		return nil, err
	}
	if d := to.Dependency(from); d != nil {
		return d, nil
	}
	return nil, xpmerrors.Invariant("%s has no dependency on %s", to, from)
}
