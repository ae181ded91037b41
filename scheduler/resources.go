package scheduler

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/resource"
	"github.com/experimaestro/xpm/store"
)

// DependencySpec names an upstream resource by locator.
type DependencySpec struct {
	Locator string                  `json:"locator"`
	Kind    resource.DependencyKind `json:"kind"`
}

// Submit stores a new resource with its dependencies, in one transaction.
//
// A resource with the same locator is replaced when its state allows it.
// A DONE resource is kept and returned instead. Jobs are stored WAITING
// and evaluated against their dependencies once committed.
func (s *Scheduler) Submit(ctx context.Context, r *resource.Resource, deps []DependencySpec) (*resource.Resource, error) {
	if r.IsStored() {
		return nil, errors.Wrapf(xpmerrors.ErrAlreadyStored, "%s", r.Locator())
	}
	if job := r.Job(); job != nil {
		if err := job.Validate(); err != nil {
			return nil, errors.Wrapf(err, "job %s", r.Locator())
		}
	}

	if r.Kind().IsJob() && r.State() != resource.WAITING {
		r.Transition(resource.WAITING, s.now())
	}

	s.graph.Lock()
	defer s.graph.Unlock()

	var (
		id       resource.ID
		existing resource.ID
		replaced bool
		ingoing  []*resource.Dependency
	)
	err := s.store.Update(ctx, func(q store.Queries) error {
		old, err := q.ResourceByLocator(r.Locator())
		if err != nil {
			return err
		}
		if old != nil {
			switch st := old.State(); {
			case st == resource.DONE:
				existing = old.ID()
				return nil
			case !st.CanBeReplaced():
				return errors.Wrapf(xpmerrors.ErrCannotOverwrite, "%s is %s", r.Locator(), st)
			}
		}

		seen := map[resource.ID]bool{}
		for _, spec := range deps {
			if spec.Locator == r.Locator() {
				return errors.Wrapf(xpmerrors.ErrInvalid, "%s depends on itself", r.Locator())
			}
			up, err := q.ResourceByLocator(spec.Locator)
			if err != nil {
				return err
			}
			if up == nil {
				return errors.Wrapf(xpmerrors.ErrUnknownResource, "dependency %s of %s", spec.Locator, r.Locator())
			}
			if seen[up.ID()] {
				continue
			}
			seen[up.ID()] = true
			ingoing = append(ingoing, resource.NewDependency(up.ID(), 0, spec.Kind))
		}

		if old != nil {
			id, replaced = old.ID(), true
			if err := r.Stored(id); err != nil {
				return err
			}
			if err := q.UpdateResource(r); err != nil {
				return err
			}
			stale, err := q.IngoingDependencies(id)
			if err != nil {
				return err
			}
			for _, d := range stale {
				if err := q.DeleteDependency(d.From(), id); err != nil {
					return err
				}
			}
		} else if id, err = q.InsertResource(r); err != nil {
			return err
		}
		for _, d := range ingoing {
			d.Attach(id)
			if err := q.InsertDependency(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if replaced {
			r.Stored(0)
		}
		return nil, errors.Wrapf(err, "submitting %s", r.Locator())
	}
	if existing != 0 {
		log.WithFields(log.Fields{"resource": existing, "locator": r.Locator()}).Info("Resource already done, keeping it")
		return s.Resource(existing)
	}

	if err := r.Stored(id); err != nil {
		return nil, err
	}
	r.SetDependencies(ingoing)
	s.cached(r)
	fields := logFields(r)
	fields["kind"] = r.Kind()
	fields["replaced"] = replaced
	fields["dependencies"] = len(ingoing)
	log.WithFields(fields).Info("Stored resource")
	s.bus.Notify(resource.ResourceAdded{ID: id, Locator: r.Locator(), State: r.State()})

	r.Lock()
	s.updateStatusLocked(r)
	if _, err := s.refreshLocked(r); err != nil {
		fields["err"] = err
		log.WithFields(fields).Error("Cannot evaluate dependencies")
	}
	r.Unlock()
	s.propagateLocked(r)
	return r, nil
}

// Delete removes r. Without recursive, a resource with dependents is left
// untouched; with it, the dependents are removed first. Nothing is removed
// when one of the resources is RUNNING.
func (s *Scheduler) Delete(ctx context.Context, r *resource.Resource, recursive bool) error {
	s.graph.Lock()
	defer s.graph.Unlock()

	r, err := s.current(r)
	if err != nil {
		return err
	}
	order, err := s.deletionOrder(r, recursive)
	if err != nil {
		return err
	}
	err = s.store.Update(ctx, func(q store.Queries) error {
		for _, victim := range order {
			if err := q.DeleteResource(victim.ID()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "deleting %s", r)
	}
	for _, victim := range order {
		s.forget(victim.ID())
		log.WithFields(logFields(victim)).Info("Deleted resource")
		s.bus.Notify(resource.ResourceRemoved{ID: victim.ID(), Locator: victim.Locator()})
	}
	return nil
}

// deletionOrder lists r and, when recursive, its transitive dependents,
// dependents first.
func (s *Scheduler) deletionOrder(r *resource.Resource, recursive bool) ([]*resource.Resource, error) {
	var order []*resource.Resource
	visited := map[resource.ID]bool{}
	var visit func(r *resource.Resource) error
	visit = func(r *resource.Resource) error {
		if visited[r.ID()] {
			return nil
		}
		visited[r.ID()] = true
		if r.State() == resource.RUNNING {
			return errors.Wrapf(xpmerrors.ErrRunning, "cannot delete %s", r.Locator())
		}
		out, err := s.store.OutgoingDependencies(r.ID())
		if err != nil {
			return err
		}
		if len(out) > 0 && !recursive {
			return errors.Wrapf(xpmerrors.ErrHasDependents, "%s has %d dependents", r.Locator(), len(out))
		}
		for _, d := range out {
			to, err := s.Resource(d.To())
			if err != nil {
				return err
			}
			if err := visit(to); err != nil {
				return err
			}
		}
		order = append(order, r)
		return nil
	}
	return order, visit(r)
}

// RestartOptions select what Restart puts back to WAITING.
type RestartOptions struct {
	// Restart DONE jobs as well as failed and held ones.
	Done bool
	// Restart the dependents blocked by the restarted jobs.
	Recursive bool
}

// Restart puts a failed or held job back to WAITING and re-evaluates it. It
// returns the number of restarted jobs.
func (s *Scheduler) Restart(ctx context.Context, r *resource.Resource, opts RestartOptions) (int, error) {
	if !r.Kind().IsJob() {
		return 0, xpmerrors.Unsupported("restarting a %s resource", r.Kind())
	}
	s.graph.Lock()
	defer s.graph.Unlock()

	r, err := s.current(r)
	if err != nil {
		return 0, err
	}
	if st := r.State(); st == resource.RUNNING {
		return 0, errors.Wrapf(xpmerrors.ErrRunning, "cannot restart %s", r.Locator())
	}

	var roots []*resource.Resource
	visited := map[resource.ID]bool{}
	var restart func(r *resource.Resource) error
	restart = func(r *resource.Resource) error {
		if visited[r.ID()] || ctx.Err() != nil {
			return ctx.Err()
		}
		visited[r.ID()] = true
		r.Lock()
		changed, err := s.restartLocked(r, opts)
		r.Unlock()
		if err != nil {
			return err
		}
		if changed {
			roots = append(roots, r)
		}
		if !opts.Recursive {
			return nil
		}
		out, err := s.store.OutgoingDependencies(r.ID())
		if err != nil {
			return err
		}
		for _, d := range out {
			to, err := s.Resource(d.To())
			if err != nil {
				return err
			}
			if !to.Kind().IsJob() {
				continue
			}
			if err := restart(to); err != nil {
				return err
			}
		}
		return nil
	}
	err = restart(r)
	s.propagateLocked(roots...)
	return len(roots), err
}

func (s *Scheduler) restartLocked(r *resource.Resource, opts RestartOptions) (bool, error) {
	switch st := r.State(); {
	case st.IsBlocking():
	case st == resource.DONE && opts.Done:
	default:
		return false, nil
	}
	job := r.Job()
	conn, err := s.connectorOf(r)
	if err != nil {
		return false, err
	}
	files, err := jobFiles(conn, r.Locator(), job)
	if err != nil {
		return false, err
	}
	for _, p := range []string{files.Done, files.Code} {
		if err := conn.Remove(p); err != nil {
			return false, errors.Wrapf(err, "removing %s", p)
		}
	}
	if _, err := s.setStateLocked(r, resource.WAITING); err != nil {
		return false, err
	}
	log.WithFields(logFields(r)).Info("Restarted job")
	if _, err := s.refreshLocked(r); err != nil {
		return true, err
	}
	return true, nil
}

// Clean removes the run files of a job that is not running. With
// removeFiles, its output, error and input files go too.
func (s *Scheduler) Clean(ctx context.Context, r *resource.Resource, removeFiles bool) error {
	if !r.Kind().IsJob() {
		return nil
	}
	s.graph.Lock()
	defer s.graph.Unlock()
	r, err := s.current(r)
	if err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	if r.State() == resource.RUNNING {
		return errors.Wrapf(xpmerrors.ErrRunning, "cannot clean %s", r.Locator())
	}
	conn, err := s.connectorOf(r)
	if err != nil {
		return err
	}
	files, err := jobFiles(conn, r.Locator(), r.Job())
	if err != nil {
		return err
	}
	victims := []string{files.Run, files.Pid, files.Lock, files.StartLock}
	if removeFiles {
		victims = files.All()
	}
	for _, p := range victims {
		if p == "" {
			continue
		}
		if err := conn.Remove(p); err != nil {
			return errors.Wrapf(err, "removing %s", p)
		}
	}
	log.WithFields(logFields(r)).Info("Cleaned job files")
	return nil
}

// SetTag attaches a tag to a stored resource.
func (s *Scheduler) SetTag(r *resource.Resource, tag, value string) error {
	if !r.IsStored() {
		return errors.Wrapf(xpmerrors.ErrUnknownResource, "%s is not stored", r.Locator())
	}
	return s.store.SetTag(r.ID(), tag, value)
}

// Tags returns the tags of a stored resource.
func (s *Scheduler) Tags(r *resource.Resource) (map[string]string, error) {
	return s.store.Tags(r.ID())
}
