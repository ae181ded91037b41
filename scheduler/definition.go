package scheduler

import (
	"context"

	"github.com/pkg/errors"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/resource"
	"github.com/experimaestro/xpm/store"
)

// Definition is a resource as submitted by clients.
type Definition struct {
	Type    string `json:"type"`
	Locator string `json:"locator"`

	// Initial state of a data resource, DONE when unset.
	State *resource.State   `json:"state,omitempty"`
	Limit int               `json:"limit,omitempty"`
	Job   *resource.JobData `json:"job,omitempty"`

	Dependencies []DependencySpec  `json:"dependencies,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`

	// Experiment run the resource is a task of, with its identifier there.
	Experiment store.ExperimentID `json:"experiment,omitempty"`
	Identifier string             `json:"identifier,omitempty"`
}

// Resource builds the unsaved resource described by d.
func (d *Definition) Resource() (*resource.Resource, error) {
	if d.Locator == "" {
		return nil, errors.New("definition has no locator")
	}
	kind, err := resource.ParseKind(d.Type)
	if err != nil {
		return nil, err
	}
	switch kind {
	case resource.KindCommandLine:
		if d.Job == nil {
			return nil, errors.Errorf("job %s has no job section", d.Locator)
		}
		return resource.NewJob(d.Locator, d.Job), nil
	case resource.KindToken:
		if d.Limit <= 0 {
			return nil, errors.Errorf("token %s needs a positive limit", d.Locator)
		}
		return resource.NewToken(d.Locator, d.Limit), nil
	default:
		st := resource.DONE
		if d.State != nil {
			st = *d.State
		}
		if st == resource.RUNNING {
			return nil, xpmerrors.Unsupported("data resource %s in state %s", d.Locator, st)
		}
		return resource.NewData(d.Locator, st), nil
	}
}

// SubmitDefinition builds, submits and tags the resource described by d.
func (s *Scheduler) SubmitDefinition(ctx context.Context, d *Definition) (*resource.Resource, error) {
	r, err := d.Resource()
	if err != nil {
		return nil, err
	}
	r, err = s.Submit(ctx, r, d.Dependencies)
	if err != nil {
		return nil, err
	}
	for tag, value := range d.Tags {
		if err := s.SetTag(r, tag, value); err != nil {
			return r, err
		}
	}
	if d.Experiment != 0 {
		exp, err := s.store.ExperimentByID(d.Experiment)
		if err != nil {
			return r, err
		}
		if err := s.AddTask(ctx, exp, r, d.Identifier); err != nil {
			return r, err
		}
	}
	return r, nil
}
