package scheduler

import (
	"github.com/experimaestro/xpm/resource"
)

// StatusInfo is the structured dump of a resource served to clients.
type StatusInfo struct {
	ID               resource.ID         `json:"id"`
	Locator          string              `json:"locator"`
	Type             string              `json:"type"`
	State            resource.State      `json:"status"`
	OldState         resource.State      `json:"oldStatus"`
	Tags             map[string]string   `json:"tags,omitempty"`
	Command          [][]string          `json:"command,omitempty"`
	WorkingDirectory string              `json:"working-directory,omitempty"`
	Environment      []string            `json:"environment,omitempty"`
	Connector        string              `json:"connector,omitempty"`
	Priority         int                 `json:"priority,omitempty"`
	RunID            string              `json:"runID,omitempty"`
	ProcessID        int                 `json:"pid,omitempty"`
	ExitCode         *int                `json:"exitCode,omitempty"`
	Token            *resource.TokenData `json:"token,omitempty"`
	Dependencies     []DependencyInfo    `json:"dependencies,omitempty"`
}

// DependencyInfo describes one ingoing dependency in a StatusInfo.
type DependencyInfo struct {
	From    resource.ID               `json:"from"`
	Locator string                    `json:"locator,omitempty"`
	Kind    resource.DependencyKind   `json:"kind"`
	Status  resource.DependencyStatus `json:"status"`
	Lock    string                    `json:"lock,omitempty"`
}

// Status returns the dump of r, its tags and its ingoing dependencies.
func (s *Scheduler) Status(r *resource.Resource) (*StatusInfo, error) {
	info := &StatusInfo{
		ID:       r.ID(),
		Locator:  r.Locator(),
		Type:     r.Kind().String(),
		State:    r.State(),
		OldState: r.OldState(),
	}
	if !r.IsStored() {
		return info, nil
	}
	tags, err := s.store.Tags(r.ID())
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		info.Tags = tags
	}

	if job := r.Job(); job != nil {
		info.Command = job.Commands
		info.WorkingDirectory = job.WorkDir(r.Locator())
		info.Environment = job.Env()
		info.Connector = job.Launcher.Connector
		info.Priority = job.Priority
		info.RunID = job.RunID
		info.ProcessID = job.ProcessID
		if st := r.State(); st == resource.DONE || st == resource.ERROR {
			code := job.ExitCode
			info.ExitCode = &code
		}
	}
	info.Token = r.Token()

	deps, err := s.store.IngoingDependencies(r.ID())
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		di := DependencyInfo{From: d.From(), Kind: d.Kind(), Status: d.Status(), Lock: d.LockRef()}
		if up, err := s.Resource(d.From()); err == nil {
			di.Locator = up.Locator()
		}
		info.Dependencies = append(info.Dependencies, di)
	}
	return info, nil
}
