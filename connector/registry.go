package connector

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultID is the id of the connector used by jobs that name none.
const DefaultID = "local"

// Registry holds the connectors known to the scheduler.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	def        string
}

// NewRegistry creates a registry whose default connector is def.
func NewRegistry(def Connector) *Registry {
	r := &Registry{connectors: map[string]Connector{}, def: def.ID()}
	r.connectors[def.ID()] = def
	return r
}

func (r *Registry) Add(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.ID()] = c
}

// Get returns the connector with this id, the default one for "".
func (r *Registry) Get(id string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.def
	}
	c, ok := r.connectors[id]
	if !ok {
		return nil, errors.Errorf("unknown connector %q", id)
	}
	return c, nil
}

func (r *Registry) Default() Connector {
	c, _ := r.Get("")
	return c
}

// IDs lists the registered connectors, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.connectors {
		if err := c.Close(); err != nil {
			log.WithFields(log.Fields{"connector": id, "err": err}).Error("Cannot close connector")
		}
	}
}
