package sqlstore

var dbDefs = []string{
	`CREATE TABLE IF NOT EXISTS Resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type INTEGER NOT NULL,
		path TEXT NOT NULL UNIQUE,
		status INTEGER NOT NULL,
		oldStatus INTEGER NOT NULL,
		readyTime INTEGER NOT NULL DEFAULT 0,
		data BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS resources_status ON Resources (status)`,
	`CREATE TABLE IF NOT EXISTS Dependencies (
		fromId INTEGER NOT NULL REFERENCES Resources(id),
		toId INTEGER NOT NULL REFERENCES Resources(id) ON DELETE CASCADE,
		type INTEGER NOT NULL,
		status INTEGER NOT NULL,
		lockRef TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (fromId, toId)
	)`,
	`CREATE INDEX IF NOT EXISTS dependencies_to ON Dependencies (toId)`,
	`CREATE TABLE IF NOT EXISTS ResourceTags (
		resource INTEGER NOT NULL REFERENCES Resources(id) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (resource, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS Experiments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS experiments_name ON Experiments (name)`,
	`CREATE TABLE IF NOT EXISTS ExperimentTasks (
		experiment INTEGER NOT NULL REFERENCES Experiments(id) ON DELETE CASCADE,
		resource INTEGER NOT NULL REFERENCES Resources(id) ON DELETE CASCADE,
		identifier TEXT NOT NULL,
		PRIMARY KEY (experiment, resource)
	)`,
	`CREATE TABLE IF NOT EXISTS _meta (
		version UINT64 NOT NULL UNIQUE
	)`,
	`INSERT OR IGNORE INTO _meta (version) VALUES (1)`,
}

var dbPragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA journal_mode = WAL",
}

const resourceColumns = "id, type, path, status, oldStatus, readyTime"

const (
	dbqInsertResource    = "INSERT INTO Resources (type, path, status, oldStatus, readyTime, data) VALUES (?, ?, ?, ?, ?, ?)"
	dbqUpdateResource    = "UPDATE Resources SET type = ?, status = ?, oldStatus = ?, readyTime = ?, data = ? WHERE id = ?"
	dbqUpdateState       = "UPDATE Resources SET status = ?, oldStatus = ?, readyTime = ? WHERE id = ?"
	dbqUpdatePayload     = "UPDATE Resources SET data = ? WHERE id = ?"
	dbqDeleteResource    = "DELETE FROM Resources WHERE id = ?"
	dbqResourceByID      = "SELECT " + resourceColumns + " FROM Resources WHERE id = ?"
	dbqResourceByLocator = "SELECT " + resourceColumns + " FROM Resources WHERE path = ?"
	dbqResourcesByStatus = "SELECT " + resourceColumns + " FROM Resources WHERE status IN (%s) ORDER BY readyTime, id"
	dbqResourceData      = "SELECT data FROM Resources WHERE id = ?"
	dbqLockedResources   = "SELECT DISTINCT r.id, r.type, r.path, r.status, r.oldStatus, r.readyTime FROM Resources r " +
		"JOIN Dependencies d ON d.toId = r.id WHERE d.lockRef <> '' ORDER BY r.id"

	dbqInsertDependency    = "INSERT INTO Dependencies (fromId, toId, type, status, lockRef) VALUES (?, ?, ?, ?, ?)"
	dbqUpdateDependency    = "UPDATE Dependencies SET status = ?, lockRef = ? WHERE fromId = ? AND toId = ?"
	dbqDeleteDependency    = "DELETE FROM Dependencies WHERE fromId = ? AND toId = ?"
	dbqDeleteIngoing       = "DELETE FROM Dependencies WHERE toId = ?"
	dbqIngoingDependencies = "SELECT fromId, toId, type, status, lockRef FROM Dependencies WHERE toId = ? ORDER BY fromId"
	dbqOutgoingDependencies = "SELECT fromId, toId, type, status, lockRef FROM Dependencies WHERE fromId = ? ORDER BY toId"

	dbqSetTag     = "INSERT OR REPLACE INTO ResourceTags (resource, tag, value) VALUES (?, ?, ?)"
	dbqTags       = "SELECT tag, value FROM ResourceTags WHERE resource = ?"
	dbqDeleteTags = "DELETE FROM ResourceTags WHERE resource = ?"

	dbqInsertExperiment   = "INSERT INTO Experiments (name, timestamp) VALUES (?, ?)"
	dbqExperimentByID     = "SELECT id, name, timestamp FROM Experiments WHERE id = ?"
	dbqExperimentsByName  = "SELECT id, name, timestamp FROM Experiments WHERE name = ? ORDER BY timestamp DESC, id DESC"
	dbqAddExperimentTask  = "INSERT OR REPLACE INTO ExperimentTasks (experiment, resource, identifier) VALUES (?, ?, ?)"
	dbqExperimentTasks    = "SELECT experiment, resource, identifier FROM ExperimentTasks WHERE experiment = ? ORDER BY resource"
	dbqDeleteTaskRefs     = "DELETE FROM ExperimentTasks WHERE resource = ?"
)
