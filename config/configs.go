package config

// Configs are the named configurations accepted by -config.
// !!! add new configurations to this map !!!
var Configs = map[string]string{
	"default":      defaultConfig,
	"local.sqlite": localSqlite,
	"local.memory": localMemory,
}

// defaultConfig provides the sections missing from other configurations.
const defaultConfig = `{
	"Scheduler": {
		"Type": "default",
		"MaxRunning": 0,
		"SweepInterval": "10s",
		"MaxSweepsPerSec": 2,
		"CacheSize": 10000,
		"CleanupLocksOnStartup": true,
		"RecheckOnHold": false
	},
	"Store": {
		"Type": "sqlite",
		"Path": ".xpmdata/xpm.db"
	},
	"Connectors": {
		"Type": "static",
		"Default": "local",
		"Connectors": {
			"local": {"URI": "local:", "MaxRunning": 0}
		}
	},
	"Notifications": {
		"Type": "none"
	},
	"Endpoints": {
		"Type": "http",
		"HTTPAddr": "localhost:9091",
		"GRPCAddr": "localhost:9092",
		"ListenerMaxConns": 100,
		"RateLimitPerSec": 100,
		"BurstLimitPerSec": 200,
		"MaxConnIdleMins": 10
	}
}`

// localSqlite keeps state in a file and calls back the daemon on job exit.
const localSqlite = `{
	"Scheduler": {
		"Type": "default",
		"MaxRunning": 8,
		"SweepInterval": "5s",
		"MaxSweepsPerSec": 2,
		"CacheSize": 10000,
		"CleanupLocksOnStartup": true,
		"RecheckOnHold": true
	},
	"Store": {
		"Type": "sqlite",
		"Path": ".xpmdata/xpm.db"
	},
	"Endpoints": {
		"Type": "http",
		"HTTPAddr": "localhost:9091",
		"GRPCAddr": "localhost:9092",
		"NotifyURL": "http://localhost:9091"
	}
}`

// localMemory forgets everything on exit, for tests and demos.
const localMemory = `{
	"Scheduler": {
		"Type": "default",
		"MaxRunning": 4,
		"SweepInterval": "1s",
		"MaxSweepsPerSec": 10,
		"CacheSize": 1000,
		"CleanupLocksOnStartup": false
	},
	"Store": {
		"Type": "memory"
	}
}`
