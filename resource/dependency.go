package resource

import (
	"fmt"
	"sync"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
)

// DependencyKind is the kind of access a downstream resource requests.
type DependencyKind int

const (
	// Read access to a DONE resource, shared with any number of readers.
	DepReadAccess DependencyKind = iota
	// Exclusive access, enforced by a lock file next to the upstream locator.
	DepExclusive
	// One unit of a token resource.
	DepToken
)

func (k DependencyKind) String() string {
	switch k {
	case DepReadAccess:
		return "read"
	case DepExclusive:
		return "exclusive"
	case DepToken:
		return "token"
	default:
		panic(fmt.Sprintf("Unknown DependencyKind: %d", k))
	}
}

func (k DependencyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DependencyKind) UnmarshalText(b []byte) error {
	kind, err := ParseDependencyKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

func ParseDependencyKind(s string) (DependencyKind, error) {
	switch s {
	case "", "read":
		return DepReadAccess, nil
	case "exclusive":
		return DepExclusive, nil
	case "token":
		return DepToken, nil
	}
	return DepReadAccess, fmt.Errorf("unknown dependency kind %q", s)
}

// Releaser releases a lock taken for a dependency.
type Releaser interface {
	Release() error
}

// Dependency records that To needs From. Exactly one exists per (From, To).
//
// Status and lock reference are guarded by mu so that Update is atomic with
// respect to concurrent readers.
type Dependency struct {
	from ID
	to   ID
	kind DependencyKind

	mu      sync.RWMutex
	status  DependencyStatus
	lockRef string
	handle  Releaser
}

func NewDependency(from, to ID, kind DependencyKind) *Dependency {
	return &Dependency{from: from, to: to, kind: kind, status: DepUnknown}
}

// RestoreDependency rebuilds a stored dependency.
func RestoreDependency(from, to ID, kind DependencyKind, status DependencyStatus, lockRef string) *Dependency {
	return &Dependency{from: from, to: to, kind: kind, status: status, lockRef: lockRef}
}

func (d *Dependency) From() ID             { return d.from }
func (d *Dependency) To() ID               { return d.to }
func (d *Dependency) Kind() DependencyKind { return d.kind }

// Attach sets the downstream id once the owner has been stored.
func (d *Dependency) Attach(to ID) {
	d.to = to
}

func (d *Dependency) Status() DependencyStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// LockRef is the persisted reference of the held lock, empty when unlocked.
func (d *Dependency) LockRef() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lockRef
}

func (d *Dependency) IsLocked() bool {
	return d.LockRef() != ""
}

func (d *Dependency) String() string {
	return fmt.Sprintf("%s -[%s]-> %s (%s)", d.from, d.kind, d.to, d.Status())
}

// Accept computes the status this dependency should have given the
// current state of its upstream resource.
func (d *Dependency) Accept(from *Resource) DependencyStatus {
	switch from.State() {
	case ERROR, ON_HOLD:
		return DepHold
	case DONE:
		return d.acceptDone(from)
	default:
		return DepWait
	}
}

// acceptDone is the kind specific check for a DONE upstream resource.
func (d *Dependency) acceptDone(from *Resource) DependencyStatus {
	switch d.kind {
	case DepReadAccess, DepExclusive:
		return DepOK
	case DepToken:
		token := from.Token()
		if token == nil {
			return DepError
		}
		if d.IsLocked() || token.Available() {
			return DepOK
		}
		return DepWait
	default:
		return DepError
	}
}

// Update recomputes the status and reports whether it changed.
func (d *Dependency) Update(from *Resource) (changed bool, old DependencyStatus) {
	status := d.Accept(from)
	d.mu.Lock()
	defer d.mu.Unlock()
	old = d.status
	if old == status {
		return false, old
	}
	d.status = status
	return true, old
}

// SetStatus forces the status, used when restoring or unlocking.
func (d *Dependency) SetStatus(s DependencyStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

// Locked records a lock taken for a run. Locking again with the same
// reference is a no-op.
func (d *Dependency) Locked(ref string, handle Releaser) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ref == "" {
		return xpmerrors.Invariant("empty lock reference for %s", d.from)
	}
	if d.lockRef == ref {
		return nil
	}
	if d.lockRef != "" {
		return xpmerrors.Invariant("dependency %s->%s already locked by %s", d.from, d.to, d.lockRef)
	}
	if d.status != DepOK {
		return xpmerrors.Invariant("locking dependency %s->%s with status %s", d.from, d.to, d.status)
	}
	d.lockRef = ref
	d.handle = handle
	return nil
}

// Unlock clears the held lock and sets the status to UNACTIVE. The caller
// releases the returned handle, or the reference when the handle was lost
// across a restart. Unlocking without a lock is an invariant violation.
func (d *Dependency) Unlock() (ref string, handle Releaser, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lockRef == "" {
		return "", nil, xpmerrors.Invariant("unlocking dependency %s->%s which holds no lock", d.from, d.to)
	}
	ref, handle = d.lockRef, d.handle
	d.lockRef = ""
	d.handle = nil
	d.status = DepUnactive
	return ref, handle, nil
}
