// Package config holds the JSON configuration of the xpm daemon.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/scheduler"
)

// JSONConfigs is the top level configuration. Sections whose Type is empty
// take the values of the "default" configuration.
type JSONConfigs struct {
	Scheduler     SchedulerJSONConfig     `json:"Scheduler"`
	Store         StoreJSONConfig         `json:"Store"`
	Connectors    ConnectorsJSONConfig    `json:"Connectors"`
	Notifications NotificationsJSONConfig `json:"Notifications"`
	Endpoints     EndpointsJSONConfig     `json:"Endpoints"`
}

func (s JSONConfigs) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s\n%s\n%s", s.Scheduler, s.Store, s.Connectors, s.Notifications, s.Endpoints)
}

type SchedulerJSONConfig struct {
	Type                  string  `json:"Type"`                  // default
	MaxRunning            int     `json:"MaxRunning"`            // 0 is unlimited
	SweepInterval         string  `json:"SweepInterval"`         // default to 10s
	MaxSweepsPerSec       float64 `json:"MaxSweepsPerSec"`       // default to 2
	CacheSize             int     `json:"CacheSize"`             // default to 10000
	CleanupLocksOnStartup bool    `json:"CleanupLocksOnStartup"` // default to true
	RecheckOnHold         bool    `json:"RecheckOnHold"`         // default to false
}

func (sc SchedulerJSONConfig) String() string {
	return fmt.Sprintf("SchedulerJSONConfig: Type: %s, MaxRunning: %d, SweepInterval: %s, MaxSweepsPerSec: %g, "+
		"CacheSize: %d, CleanupLocksOnStartup: %t, RecheckOnHold: %t",
		sc.Type, sc.MaxRunning, sc.SweepInterval, sc.MaxSweepsPerSec, sc.CacheSize, sc.CleanupLocksOnStartup, sc.RecheckOnHold)
}

type StoreJSONConfig struct {
	Type string `json:"Type"` // sqlite, memory
	Path string `json:"Path"` // default to .xpmdata/xpm.db
}

func (s StoreJSONConfig) String() string {
	return fmt.Sprintf("StoreJSONConfig: Type: %s, Path: %s", s.Type, s.Path)
}

type ConnectorJSONConfig struct {
	URI        string `json:"URI"`        // local:, file:/base, ssh://user@host/base
	MaxRunning int    `json:"MaxRunning"` // 0 is unlimited
}

type ConnectorsJSONConfig struct {
	Type       string                         `json:"Type"`    // static
	Default    string                         `json:"Default"` // default to local
	Connectors map[string]ConnectorJSONConfig `json:"Connectors"`
}

func (c ConnectorsJSONConfig) String() string {
	ids := make([]string, 0, len(c.Connectors))
	for id, cc := range c.Connectors {
		ids = append(ids, fmt.Sprintf("%s=%s(%d)", id, cc.URI, cc.MaxRunning))
	}
	sort.Strings(ids)
	return fmt.Sprintf("ConnectorsJSONConfig: Type: %s, Default: %s, Connectors: [%s]",
		c.Type, c.Default, strings.Join(ids, " "))
}

type NotificationsJSONConfig struct {
	Type      string   `json:"Type"` // none, webhook
	URLs      []string `json:"URLs"`
	QueueSize int      `json:"QueueSize"`
	Tries     int      `json:"Tries"`
	Timeout   string   `json:"Timeout"`
}

func (n NotificationsJSONConfig) String() string {
	return fmt.Sprintf("NotificationsJSONConfig: Type: %s, URLs: %v, QueueSize: %d, Tries: %d, Timeout: %s",
		n.Type, n.URLs, n.QueueSize, n.Tries, n.Timeout)
}

type EndpointsJSONConfig struct {
	Type     string `json:"Type"`     // http
	HTTPAddr string `json:"HTTPAddr"` // default to localhost:9091
	GRPCAddr string `json:"GRPCAddr"` // empty disables the grpc health service
	// Base URL given to run scripts for completion callbacks, empty to poll.
	NotifyURL         string `json:"NotifyURL"`
	ListenerMaxConns  int    `json:"ListenerMaxConns"`
	RateLimitPerSec   int    `json:"RateLimitPerSec"`
	BurstLimitPerSec  int    `json:"BurstLimitPerSec"`
	MaxConnIdleMins   int    `json:"MaxConnIdleMins"`
}

func (e EndpointsJSONConfig) String() string {
	return fmt.Sprintf("EndpointsJSONConfig: Type: %s, HTTPAddr: %s, GRPCAddr: %s, NotifyURL: %s, "+
		"ListenerMaxConns: %d, RateLimitPerSec: %d, BurstLimitPerSec: %d, MaxConnIdleMins: %d",
		e.Type, e.HTTPAddr, e.GRPCAddr, e.NotifyURL, e.ListenerMaxConns, e.RateLimitPerSec, e.BurstLimitPerSec, e.MaxConnIdleMins)
}

// GetConfigText accepts a configuration name, a JSON file or JSON text.
func GetConfigText(configSelector string) ([]byte, error) {
	if configText, ok := Configs[configSelector]; ok {
		return []byte(configText), nil
	}
	if strings.HasPrefix(strings.TrimSpace(configSelector), "{") {
		return []byte(configSelector), nil
	}
	if _, err := os.Stat(configSelector); err == nil {
		return ioutil.ReadFile(configSelector)
	}
	keys := make([]string, 0, len(Configs))
	for k := range Configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return nil, fmt.Errorf("invalid configuration %s, supported values are %v, a JSON file or JSON text", configSelector, keys)
}

// GetConfig parses the selected configuration over the defaults.
func GetConfig(configSelector string) (*JSONConfigs, error) {
	defaultConfig := &JSONConfigs{}
	if err := json.Unmarshal([]byte(Configs["default"]), defaultConfig); err != nil {
		return nil, fmt.Errorf("couldn't parse the default config: %v", err)
	}

	configText, err := GetConfigText(configSelector)
	if err != nil {
		return nil, err
	}
	config := &JSONConfigs{}
	if err := json.Unmarshal(configText, config); err != nil {
		return nil, fmt.Errorf("couldn't parse top-level config: %v", err)
	}

	if config.Scheduler.Type == "" {
		log.Infof("using default Scheduler config")
		config.Scheduler = defaultConfig.Scheduler
	}
	if config.Store.Type == "" {
		log.Infof("using default Store config")
		config.Store = defaultConfig.Store
	}
	if config.Connectors.Type == "" {
		log.Infof("using default Connectors config")
		config.Connectors = defaultConfig.Connectors
	}
	if config.Notifications.Type == "" {
		log.Infof("using default Notifications config")
		config.Notifications = defaultConfig.Notifications
	}
	if config.Endpoints.Type == "" {
		log.Infof("using default Endpoints config")
		config.Endpoints = defaultConfig.Endpoints
	}
	return config, nil
}

// CreateSchedulerConfig converts the JSON section and the per connector
// slot limits into a scheduler configuration.
func (c *JSONConfigs) CreateSchedulerConfig() (*scheduler.Config, error) {
	jc := c.Scheduler
	cfg := &scheduler.Config{
		MaxRunning:            jc.MaxRunning,
		MaxSweepsPerSec:       jc.MaxSweepsPerSec,
		CacheSize:             jc.CacheSize,
		CleanupLocksOnStartup: jc.CleanupLocksOnStartup,
		RecheckOnHold:         jc.RecheckOnHold,
		NotifyURL:             c.Endpoints.NotifyURL,
		ConnectorSlots:        map[string]int{},
	}
	if jc.SweepInterval != "" {
		d, err := time.ParseDuration(jc.SweepInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid SweepInterval %q: %v", jc.SweepInterval, err)
		}
		cfg.SweepInterval = d
	}
	for id, cc := range c.Connectors.Connectors {
		if cc.MaxRunning > 0 {
			cfg.ConnectorSlots[id] = cc.MaxRunning
		}
	}
	return cfg, nil
}

// WebhookTimeout parses the notification timeout, zero when unset.
func (n NotificationsJSONConfig) WebhookTimeout() (time.Duration, error) {
	if n.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(n.Timeout)
}
