// Package resource defines the resources tracked by the scheduler: their
// lifecycle states, kind specific payloads and the dependencies linking them.
//
// A Resource owns its ingoing dependencies by value. Upstream and downstream
// resources are referenced by ID only; resolving an ID into a Resource is the
// job of the store and the scheduler cache.
package resource

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
)

// ID is assigned by the store. Zero means not persisted yet.
type ID int64

func (id ID) String() string {
	return fmt.Sprintf("R%d", int64(id))
}

// Kind discriminates the resource payload.
type Kind int

const (
	// A plain artifact, for instance a file produced outside of xpm.
	KindData Kind = iota
	// A job running a command line through a connector.
	KindCommandLine
	// A counting semaphore limiting concurrent holders.
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCommandLine:
		return "command-line"
	case KindToken:
		return "token"
	default:
		panic(fmt.Sprintf("Unknown Kind: %d", k))
	}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindData, KindCommandLine, KindToken} {
		if k.String() == s {
			return k, nil
		}
	}
	return KindData, fmt.Errorf("unknown resource kind %q", s)
}

// IsJob reports whether resources of this kind are dispatched.
func (k Kind) IsJob() bool {
	return k == KindCommandLine
}

// Resource is an artifact or job tracked by the scheduler.
//
// Two locks guard a Resource. The monitor (Lock/Unlock) serializes state
// transitions and dependency re-evaluation for this resource; it is held by
// the scheduler across store calls. mu only protects field access.
type Resource struct {
	monitor sync.Mutex

	mu         sync.RWMutex
	id         ID
	locator    string
	kind       Kind
	state      State
	oldState   State
	readyAt    time.Time
	dataLoaded bool
	job        *JobData
	token      *TokenData
	ingoing    map[ID]*Dependency
}

// NewResource creates an unsaved resource in the WAITING state.
func NewResource(kind Kind, locator string) *Resource {
	return &Resource{
		locator:    locator,
		kind:       kind,
		state:      WAITING,
		oldState:   WAITING,
		dataLoaded: true,
	}
}

// NewJob creates an unsaved command line job.
func NewJob(locator string, job *JobData) *Resource {
	r := NewResource(KindCommandLine, locator)
	r.job = job
	return r
}

// NewToken creates an unsaved token. Tokens are always DONE.
func NewToken(locator string, limit int) *Resource {
	r := NewResource(KindToken, locator)
	r.token = &TokenData{Limit: limit}
	r.state = DONE
	return r
}

// NewData creates an unsaved data resource in the given state.
func NewData(locator string, state State) *Resource {
	r := NewResource(KindData, locator)
	r.state = state
	return r
}

// Restore rebuilds a stored resource. Its payload is loaded lazily.
func Restore(id ID, kind Kind, locator string, state, oldState State, readyAt time.Time) *Resource {
	return &Resource{
		id:       id,
		locator:  locator,
		kind:     kind,
		state:    state,
		oldState: oldState,
		readyAt:  readyAt,
	}
}

// Lock acquires the per resource monitor.
func (r *Resource) Lock() { r.monitor.Lock() }

// Unlock releases the per resource monitor.
func (r *Resource) Unlock() { r.monitor.Unlock() }

func (r *Resource) ID() ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

func (r *Resource) IsStored() bool {
	return r.ID() != 0
}

// Stored records the id assigned by the store. Zero forgets it after a
// failed write.
func (r *Resource) Stored(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != 0 && r.id != 0 && r.id != id {
		return errors.Errorf("resource %s already stored as %s", r.locator, r.id)
	}
	r.id = id
	return nil
}

func (r *Resource) Locator() string {
	return r.locator
}

func (r *Resource) Kind() Kind {
	return r.kind
}

func (r *Resource) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Resource) OldState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.oldState
}

// ReadyAt is the time of the last transition to READY.
func (r *Resource) ReadyAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readyAt
}

// Transition sets the in-memory state and returns the previous one. It does
// not persist anything; the scheduler writes the store first.
func (r *Resource) Transition(s State, now time.Time) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.state
	r.oldState = old
	r.state = s
	if s == READY && old != READY {
		r.readyAt = now
	}
	return old
}

// Equal compares locators, the natural key of a resource.
func (r *Resource) Equal(o *Resource) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.locator == o.locator
}

func (r *Resource) String() string {
	id := r.ID()
	if id == 0 {
		return "R-"
	}
	return id.String()
}

// DataLoaded reports whether the payload is in memory.
func (r *Resource) DataLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dataLoaded
}

// Job returns a copy of the job payload, nil for other kinds or when not
// loaded.
func (r *Resource) Job() *JobData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.job == nil {
		return nil
	}
	job := *r.job
	return &job
}

// UpdateJob applies fn to the job payload. The caller persists it.
func (r *Resource) UpdateJob(fn func(job *JobData)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job == nil {
		return errors.Errorf("%s has no job payload", r.locator)
	}
	fn(r.job)
	return nil
}

// Token returns a copy of the token payload, nil for other kinds or when
// not loaded.
func (r *Resource) Token() *TokenData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.token == nil {
		return nil
	}
	token := *r.token
	return &token
}

// AcquireToken takes one unit of the token. It returns false when the
// token is exhausted.
func (r *Resource) AcquireToken() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == nil {
		return false, errors.Errorf("%s has no token payload", r.locator)
	}
	if !r.token.Available() {
		return false, nil
	}
	r.token.Used++
	return true, nil
}

// ReleaseToken gives back one unit of the token.
func (r *Resource) ReleaseToken() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == nil {
		return errors.Errorf("%s has no token payload", r.locator)
	}
	if r.token.Used == 0 {
		return xpmerrors.Invariant("releasing token %s which has no holder", r.locator)
	}
	r.token.Used--
	return nil
}

// MarshalPayload encodes the kind specific payload.
func (r *Resource) MarshalPayload() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch r.kind {
	case KindData:
		return nil, nil
	case KindCommandLine:
		if r.job == nil {
			return nil, errors.Errorf("job %s has no payload", r.locator)
		}
		return json.Marshal(r.job)
	case KindToken:
		if r.token == nil {
			return nil, errors.Errorf("token %s has no payload", r.locator)
		}
		return json.Marshal(r.token)
	default:
		return nil, errors.Errorf("unknown kind %d", r.kind)
	}
}

// LoadPayload decodes a payload produced by MarshalPayload.
func (r *Resource) LoadPayload(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.kind {
	case KindData:
	case KindCommandLine:
		job := &JobData{}
		if err := json.Unmarshal(raw, job); err != nil {
			return errors.Wrapf(err, "decoding job %s", r.locator)
		}
		r.job = job
	case KindToken:
		token := &TokenData{}
		if err := json.Unmarshal(raw, token); err != nil {
			return errors.Wrapf(err, "decoding token %s", r.locator)
		}
		r.token = token
	default:
		return errors.Errorf("unknown kind %d", r.kind)
	}
	r.dataLoaded = true
	return nil
}

// DependenciesLoaded reports whether the ingoing dependencies are in memory.
func (r *Resource) DependenciesLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ingoing != nil
}

// SetDependencies replaces the ingoing dependencies. Only the scheduler and
// the store call it, once per load.
func (r *Resource) SetDependencies(deps []*Dependency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingoing = make(map[ID]*Dependency, len(deps))
	for _, d := range deps {
		r.ingoing[d.From()] = d
	}
}

// AddDependency attaches an ingoing dependency to an unsaved resource.
func (r *Resource) AddDependency(d *Dependency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ingoing == nil {
		r.ingoing = map[ID]*Dependency{}
	}
	r.ingoing[d.From()] = d
}

// InvalidateDependencies forces the next access to reload from the store.
func (r *Resource) InvalidateDependencies() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingoing = nil
}

// Dependency returns the ingoing dependency on from, if loaded.
func (r *Resource) Dependency(from ID) *Dependency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ingoing[from]
}

// Dependencies returns the ingoing dependencies sorted by upstream id.
func (r *Resource) Dependencies() []*Dependency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deps := make([]*Dependency, 0, len(r.ingoing))
	for _, d := range r.ingoing {
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].From() < deps[j].From() })
	return deps
}

// Ready reports whether every ingoing dependency is OK.
func (r *Resource) Ready() bool {
	for _, d := range r.Dependencies() {
		if !d.Status().IsOK() {
			return false
		}
	}
	return true
}

// Held reports whether some ingoing dependency is on HOLD.
func (r *Resource) Held() bool {
	for _, d := range r.Dependencies() {
		if d.Status() == DepHold {
			return true
		}
	}
	return false
}
