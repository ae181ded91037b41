// Package connector abstracts the hosts jobs run on: their file system,
// lock files and process execution.
package connector

//go:generate mockgen -source=connector.go -package=connector -destination=connector_mock.go

import (
	"os"

	"github.com/experimaestro/xpm/resource"
)

// Lock is a lock file held on a connector file system.
type Lock interface {
	resource.Releaser
	// Path of the lock file.
	Path() string
	// Detach gives up the handle but leaves the file in place, handing
	// ownership to the process that will remove it.
	Detach() error
}

// ProcessSpec describes one run of a job. Every path is already resolved
// on the connector.
type ProcessSpec struct {
	// Locator of the job, for logs.
	Locator   string
	RunScript string
	Files     resource.Files
	WorkDir   string
	// KEY=VALUE pairs exported by the run script.
	Env []string
	// Lock files that must exist when the script starts.
	Locks           []string
	Commands        [][]string
	NotificationURL string
}

// Process is a launched run script.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Kill stops the process group. It is safe to call more than once.
	Kill() error
}

// ProcessBuilder launches run scripts.
type ProcessBuilder interface {
	Start(spec *ProcessSpec) (Process, error)
}

// Connector is a host file system plus process execution.
type Connector interface {
	ID() string
	HostName() string
	// Resolve maps a locator to a path on this connector.
	Resolve(path string) (string, error)
	ProcessBuilder() ProcessBuilder
	// CreateLockFile creates path exclusively. When wait is false and the
	// lock is held, it fails with an error whose cause is ErrLockHeld.
	CreateLockFile(path string, wait bool) (Lock, error)
	TemporaryDirectory() (string, error)

	Exists(path string) (bool, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Remove(path string) error
	MkdirAll(path string) error

	IsAlive(pid int) (bool, error)
	Kill(pid int) error
	Close() error
}
