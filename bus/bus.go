// Package bus delivers resource lifecycle messages to in-process listeners.
package bus

import (
	"fmt"
	"sync"

	"github.com/luci/go-render/render"
	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/resource"
)

// Listener receives every message published on the bus.
type Listener interface {
	Notify(msg resource.Message) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(msg resource.Message) error

func (f ListenerFunc) Notify(msg resource.Message) error {
	return f(msg)
}

// Bus delivers messages synchronously, in listener registration order.
// A failing listener is logged and does not stop delivery to the others.
type Bus struct {
	mu        sync.RWMutex
	listeners []*registration
	stat      stats.StatsReceiver
}

type registration struct {
	l Listener
}

func New(stat stats.StatsReceiver) *Bus {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Bus{stat: stat.Scope("bus")}
}

// AddListener registers l and returns a handle for RemoveListener.
func (b *Bus) AddListener(l Listener) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := &registration{l}
	b.listeners = append(b.listeners, reg)
	return reg
}

// RemoveListener unregisters the listener added under handle.
func (b *Bus) RemoveListener(handle interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, reg := range b.listeners {
		if reg == handle {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Notify publishes msg to every listener.
func (b *Bus) Notify(msg resource.Message) {
	b.mu.RLock()
	listeners := make([]*registration, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	b.stat.Counter(stats.BusMessageCounter).Inc(1)
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Publishing %s %s", msg.Type(), render.Render(msg))
	}
	for _, reg := range listeners {
		if err := deliver(reg.l, msg); err != nil {
			b.stat.Counter(stats.BusListenerFailureCounter).Inc(1)
			log.WithFields(log.Fields{
				"message":  msg.Type(),
				"resource": msg.Subject(),
				"err":      err,
			}).Error("Listener failed")
		}
	}
}

func deliver(l Listener, msg resource.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()
	return l.Notify(msg)
}
