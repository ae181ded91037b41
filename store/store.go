// Package store defines persistence for resources, dependencies, tags and
// experiments. The store is the source of truth for resource states.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/experimaestro/xpm/resource"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a locator is already taken.
	ErrConflict = errors.New("conflict")
)

// ExperimentID is assigned by the store.
type ExperimentID int64

// Experiment groups the tasks of a named, timestamped run.
type Experiment struct {
	ID        ExperimentID `json:"id"`
	Name      string       `json:"name"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e Experiment) String() string {
	return fmt.Sprintf("Experiment{%d %s %s}", e.ID, e.Name, e.Timestamp.Format(time.RFC3339))
}

// ExperimentTask links a resource to an experiment.
type ExperimentTask struct {
	Experiment ExperimentID `json:"experiment"`
	Resource   resource.ID  `json:"resource"`
	Identifier string       `json:"identifier"`
}

// Queries is the statement set available directly on a Store and inside a
// transaction. Implementations return fresh Resource instances; caching is
// the scheduler's concern.
type Queries interface {
	InsertResource(r *resource.Resource) (resource.ID, error)
	// UpdateResource writes every column of a stored resource.
	UpdateResource(r *resource.Resource) error
	// UpdateState fails with ErrNotFound unless exactly one row is updated.
	UpdateState(id resource.ID, state, old resource.State, readyAt time.Time) error
	UpdatePayload(r *resource.Resource) error
	// DeleteResource removes the resource, its ingoing dependencies and its tags.
	DeleteResource(id resource.ID) error

	ResourceByID(id resource.ID) (*resource.Resource, error)
	// ResourceByLocator returns nil, nil when no resource has this locator.
	ResourceByLocator(locator string) (*resource.Resource, error)
	// Resources lists matching resources ordered by ready time then id.
	Resources(mask resource.StateMask) ([]*resource.Resource, error)
	// LoadData fills the payload of a restored resource.
	LoadData(r *resource.Resource) error

	InsertDependency(d *resource.Dependency) error
	UpdateDependency(d *resource.Dependency) error
	DeleteDependency(from, to resource.ID) error
	IngoingDependencies(to resource.ID) ([]*resource.Dependency, error)
	OutgoingDependencies(from resource.ID) ([]*resource.Dependency, error)
	// LockedResources lists resources outside of mask holding a lock on
	// one of their ingoing dependencies.
	LockedResources(exclude resource.StateMask) ([]*resource.Resource, error)

	SetTag(id resource.ID, tag, value string) error
	Tags(id resource.ID) (map[string]string, error)

	InsertExperiment(e *Experiment) (ExperimentID, error)
	ExperimentByID(id ExperimentID) (*Experiment, error)
	// Experiments lists experiments with this name, newest first.
	Experiments(name string) ([]*Experiment, error)
	AddExperimentTask(task ExperimentTask) error
	ExperimentTasks(id ExperimentID) ([]ExperimentTask, error)
}

// Store adds transactions to Queries. fn runs inside one transaction that
// is committed when it returns nil and rolled back otherwise. Store calls
// must not be made from within fn.
type Store interface {
	Queries
	Update(ctx context.Context, fn func(q Queries) error) error
	Close() error
}
