package scheduler

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/resource"
)

// recover brings the persisted graph back in line with the hosts after a
// restart: stale locks are dropped, RUNNING jobs are checked, waiting jobs
// are re-evaluated and READY jobs are queued.
func (s *Scheduler) recover(ctx context.Context) error {
	s.graph.Lock()
	defer s.graph.Unlock()

	if s.config.CleanupLocksOnStartup {
		if _, err := s.cleanupLocksLocked(false); err != nil {
			log.WithFields(log.Fields{"err": err}).Error("Lock cleanup failed")
		}
	}

	mask := resource.MaskForState(resource.RUNNING, resource.WAITING, resource.READY)
	if s.config.RecheckOnHold {
		mask |= resource.MaskForState(resource.ON_HOLD)
	}
	stored, err := s.store.Resources(mask)
	if err != nil {
		return err
	}
	counts := map[resource.State]int{}
	for _, st := range stored {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r, err := s.Resource(st.ID())
		if err != nil {
			log.WithFields(log.Fields{"resource": st.ID(), "err": err}).Error("Cannot load resource")
			continue
		}
		r.Lock()
		changed := s.recoverLocked(r)
		r.Unlock()
		counts[r.State()]++
		s.propagateLocked(changedRoots(changed, r)...)
	}
	log.WithFields(log.Fields{
		"running": counts[resource.RUNNING],
		"ready":   counts[resource.READY],
		"waiting": counts[resource.WAITING],
		"onHold":  counts[resource.ON_HOLD],
	}).Info("Recovered scheduler state")
	s.wake()
	return nil
}

func (s *Scheduler) recoverLocked(r *resource.Resource) bool {
	changed := s.updateStatusLocked(r)
	switch r.State() {
	case resource.RUNNING, resource.DONE, resource.ERROR:
		return changed
	case resource.ON_HOLD:
		if !s.config.RecheckOnHold {
			return changed
		}
		// Held jobs get a fresh look at their dependencies.
		held, err := s.setStateLocked(r, resource.WAITING)
		if err != nil {
			fields := logFields(r)
			fields["err"] = err
			log.WithFields(fields).Error("Cannot re-check held job")
			return changed
		}
		changed = changed || held
	}
	refreshed, err := s.refreshLocked(r)
	if err != nil {
		fields := logFields(r)
		fields["err"] = err
		log.WithFields(fields).Error("Cannot re-evaluate dependencies")
	}
	return changed || refreshed
}
