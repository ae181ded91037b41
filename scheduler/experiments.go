package scheduler

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/resource"
	"github.com/experimaestro/xpm/store"
)

// NewExperiment records a new run of the experiment called name.
func (s *Scheduler) NewExperiment(ctx context.Context, name string) (*store.Experiment, error) {
	if name == "" {
		return nil, errors.New("experiment name is empty")
	}
	e := &store.Experiment{Name: name, Timestamp: s.now()}
	if err := s.store.Update(ctx, func(q store.Queries) error {
		_, err := q.InsertExperiment(e)
		return err
	}); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"experiment": e.ID, "name": name}).Info("Created experiment")
	return e, nil
}

// AddTask links a stored resource to an experiment.
func (s *Scheduler) AddTask(ctx context.Context, exp *store.Experiment, r *resource.Resource, identifier string) error {
	if !r.IsStored() {
		return errors.Wrapf(xpmerrors.ErrUnknownResource, "%s is not stored", r.Locator())
	}
	return s.store.Update(ctx, func(q store.Queries) error {
		return q.AddExperimentTask(store.ExperimentTask{Experiment: exp.ID, Resource: r.ID(), Identifier: identifier})
	})
}

// HoldExperiment puts the WAITING and READY jobs of an experiment ON_HOLD.
// It returns how many were held.
func (s *Scheduler) HoldExperiment(ctx context.Context, id store.ExperimentID) (int, error) {
	tasks, err := s.store.ExperimentTasks(id)
	if err != nil {
		return 0, err
	}
	ids := make([]resource.ID, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.Resource)
	}
	return s.hold(ctx, ids)
}

// RestartExperiment restarts every job of an experiment.
func (s *Scheduler) RestartExperiment(ctx context.Context, id store.ExperimentID, opts RestartOptions) (int, error) {
	tasks, err := s.store.ExperimentTasks(id)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tasks {
		r, err := s.Resource(t.Resource)
		if err != nil {
			return total, err
		}
		if !r.Kind().IsJob() || r.State() == resource.RUNNING {
			continue
		}
		n, err := s.Restart(ctx, r, opts)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Supersede holds the waiting jobs of older runs of the experiment name
// that its newest run does not reference. It returns how many were held.
func (s *Scheduler) Supersede(ctx context.Context, name string) (int, error) {
	exps, err := s.store.Experiments(name)
	if err != nil {
		return 0, err
	}
	if len(exps) < 2 {
		return 0, nil
	}
	current, err := s.store.ExperimentTasks(exps[0].ID)
	if err != nil {
		return 0, err
	}
	keep := map[resource.ID]bool{}
	for _, t := range current {
		keep[t.Resource] = true
	}
	var stale []resource.ID
	for _, e := range exps[1:] {
		tasks, err := s.store.ExperimentTasks(e.ID)
		if err != nil {
			return 0, err
		}
		for _, t := range tasks {
			if !keep[t.Resource] {
				keep[t.Resource] = true
				stale = append(stale, t.Resource)
			}
		}
	}
	n, err := s.hold(ctx, stale)
	log.WithFields(log.Fields{"experiment": name, "held": n}).Info("Superseded older experiment runs")
	return n, err
}

// hold moves the jobs in WAITING or READY among ids to ON_HOLD.
func (s *Scheduler) hold(ctx context.Context, ids []resource.ID) (int, error) {
	s.graph.Lock()
	defer s.graph.Unlock()
	var roots []*resource.Resource
	var first error
	for _, id := range ids {
		if ctx.Err() != nil {
			first = ctx.Err()
			break
		}
		r, err := s.Resource(id)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		if !r.Kind().IsJob() {
			continue
		}
		r.Lock()
		var changed bool
		if st := r.State(); st == resource.WAITING || st == resource.READY {
			changed, err = s.setStateLocked(r, resource.ON_HOLD)
		}
		r.Unlock()
		if err != nil && first == nil {
			first = err
		}
		if changed {
			roots = append(roots, r)
		}
	}
	s.propagateLocked(roots...)
	return len(roots), first
}
