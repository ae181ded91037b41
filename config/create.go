package config

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/bus"
	"github.com/experimaestro/xpm/common/endpoints"
	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/store/sqlstore"
)

// CreateStore opens the configured store.
func (c *JSONConfigs) CreateStore(stat stats.StatsReceiver) (*sqlstore.SQLStore, error) {
	switch c.Store.Type {
	case "memory":
		return sqlstore.Open(sqlstore.MemoryPath, stat)
	case "sqlite":
		if c.Store.Path == "" {
			return nil, fmt.Errorf("sqlite store needs a Path")
		}
		if err := os.MkdirAll(filepath.Dir(c.Store.Path), 0755); err != nil {
			return nil, err
		}
		return sqlstore.Open(c.Store.Path, stat)
	default:
		return nil, fmt.Errorf("unknown Store type %q", c.Store.Type)
	}
}

// CreateConnectors builds every configured connector. The default one must
// be among them.
func (c *JSONConfigs) CreateConnectors() (*connector.Registry, error) {
	cc := c.Connectors
	if cc.Type != "static" {
		return nil, fmt.Errorf("unknown Connectors type %q", cc.Type)
	}
	def := cc.Default
	if def == "" {
		def = connector.DefaultID
	}
	defCfg, ok := cc.Connectors[def]
	if !ok {
		return nil, fmt.Errorf("default connector %q is not configured", def)
	}
	defConn, err := connector.Create(def, defCfg.URI)
	if err != nil {
		return nil, err
	}
	registry := connector.NewRegistry(defConn)
	for id, cfg := range cc.Connectors {
		if id == def {
			continue
		}
		conn, err := connector.Create(id, cfg.URI)
		if err != nil {
			registry.Close()
			return nil, err
		}
		registry.Add(conn)
	}
	log.WithFields(log.Fields{"connectors": registry.IDs(), "default": def}).Info("Created connectors")
	return registry, nil
}

// CreateBus builds the message bus and its webhook listener, returned so
// that it can be closed on shutdown. The listener is nil without webhooks.
func (c *JSONConfigs) CreateBus(stat stats.StatsReceiver) (*bus.Bus, *bus.WebhookListener, error) {
	b := bus.New(stat)
	n := c.Notifications
	switch n.Type {
	case "", "none":
		return b, nil, nil
	case "webhook":
		timeout, err := n.WebhookTimeout()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid Notifications Timeout %q: %v", n.Timeout, err)
		}
		tries := n.Tries
		if tries <= 0 {
			tries = bus.DefaultWebhookTries
		}
		if timeout <= 0 {
			timeout = bus.DefaultWebhookTimeout
		}
		w := bus.NewWebhookListener(n.URLs, bus.MakePesterClient(tries, timeout), n.QueueSize, stat)
		b.AddListener(w)
		return b, w, nil
	default:
		return nil, nil, fmt.Errorf("unknown Notifications type %q", n.Type)
	}
}

// CreateGRPCConfig returns the grpc endpoint settings, nil when disabled.
func (c *JSONConfigs) CreateGRPCConfig() *endpoints.GRPCConfig {
	e := c.Endpoints
	if e.GRPCAddr == "" {
		return nil
	}
	return &endpoints.GRPCConfig{
		GRPCAddr:         e.GRPCAddr,
		ListenerMaxConns: e.ListenerMaxConns,
		RateLimitPerSec:  e.RateLimitPerSec,
		BurstLimitPerSec: e.BurstLimitPerSec,
		MaxConnIdleMins:  e.MaxConnIdleMins,
	}
}
