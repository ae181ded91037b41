package resource

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// File extensions appended to a job locator.
const (
	RunExt       = ".xpm.run"
	PidExt       = ".pid"
	LockExt      = ".lock"
	StartLockExt = ".lock.start"
	DoneExt      = ".done"
	CodeExt      = ".code"
	OutExt       = ".out"
	ErrExt       = ".err"
	InputExt     = ".xpm.input"
)

// LauncherSpec binds a job to a host launching policy.
type LauncherSpec struct {
	// Connector id, empty for the default connector.
	Connector string `json:"connector,omitempty"`
	// Called by the run script when the job exits. Jobs without a
	// notification URL are polled.
	NotificationURL string            `json:"notificationURL,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
}

// JobData is the payload of a command line job.
type JobData struct {
	// Commands run in sequence; each one is an argv.
	Commands         [][]string        `json:"commands"`
	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`

	// Literal standard input, written to the input file before launch.
	Input string `json:"input,omitempty"`
	// Standard input read from a file, ignored when Input is set.
	InputPath string `json:"inputPath,omitempty"`
	// Redirection targets, default to <locator>.out and <locator>.err.
	OutputPath string `json:"outputPath,omitempty"`
	ErrorPath  string `json:"errorPath,omitempty"`

	Launcher LauncherSpec `json:"launcher"`
	// Higher priorities are dispatched first.
	Priority int `json:"priority,omitempty"`

	// Run bookkeeping, set at launch.
	RunID     string `json:"runID,omitempty"`
	ProcessID int    `json:"processID,omitempty"`
	ExitCode  int    `json:"exitCode,omitempty"`
}

// Files are the paths used by one run of a job, on the connector file system.
type Files struct {
	Run       string
	Pid       string
	Lock      string
	StartLock string
	Done      string
	Code      string
	Out       string
	Err       string
	Input     string
}

// JobFiles derives the run files of a job from its locator.
func JobFiles(locator string, job *JobData) Files {
	f := Files{
		Run:       locator + RunExt,
		Pid:       locator + PidExt,
		Lock:      locator + LockExt,
		StartLock: locator + StartLockExt,
		Done:      locator + DoneExt,
		Code:      locator + CodeExt,
		Out:       locator + OutExt,
		Err:       locator + ErrExt,
	}
	if job == nil {
		return f
	}
	if job.OutputPath != "" {
		f.Out = job.OutputPath
	}
	if job.ErrorPath != "" {
		f.Err = job.ErrorPath
	}
	if job.Input != "" {
		f.Input = locator + InputExt
	} else {
		f.Input = job.InputPath
	}
	return f
}

// All lists every file that clean may remove.
func (f Files) All() []string {
	all := []string{f.Run, f.Pid, f.Lock, f.StartLock, f.Done, f.Code, f.Out, f.Err}
	if strings.HasSuffix(f.Input, InputExt) {
		all = append(all, f.Input)
	}
	return all
}

// WorkDir returns the working directory, defaulting to the locator's parent.
func (j *JobData) WorkDir(locator string) string {
	if j.WorkingDirectory != "" {
		return j.WorkingDirectory
	}
	return path.Dir(locator)
}

// Env merges the launcher environment with the job environment, the job
// taking precedence, as sorted KEY=VALUE pairs.
func (j *JobData) Env() []string {
	merged := map[string]string{}
	for k, v := range j.Launcher.Environment {
		merged[k] = v
	}
	for k, v := range j.Environment {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return env
}

// Validate checks that the job can be launched.
func (j *JobData) Validate() error {
	if len(j.Commands) == 0 {
		return fmt.Errorf("job has no command")
	}
	for i, c := range j.Commands {
		if len(c) == 0 {
			return fmt.Errorf("command %d is empty", i)
		}
	}
	return nil
}

// TokenData is the payload of a token resource.
type TokenData struct {
	Limit int `json:"limit"`
	Used  int `json:"used"`
}

// Available reports whether a new holder can take the token.
func (t *TokenData) Available() bool {
	return t.Used < t.Limit
}
