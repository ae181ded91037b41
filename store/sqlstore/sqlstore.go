// Package sqlstore implements store.Store on top of SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/resource"
	"github.com/experimaestro/xpm/store"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore is a store.Store backed by a single SQLite connection. Every
// query drains its rows before returning so that the connection is free
// for the next statement.
type SQLStore struct {
	queries
	db   *sql.DB
	stat stats.StatsReceiver
}

var _ store.Store = (*SQLStore)(nil)

// Open opens or creates the database at path, MemoryPath for a throwaway one.
func Open(path string, stat stats.StatsReceiver) (*SQLStore, error) {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating store directory for %s", path)
		}
		dsn = "file:" + path
	}
	dsn += "?_foreign_keys=1&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening store %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := prepareDB(db, path != MemoryPath); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "preparing store %s", path)
	}
	log.WithFields(log.Fields{"path": path}).Info("Opened resource store")
	return &SQLStore{queries: queries{db}, db: db, stat: stat.Scope("store")}, nil
}

func prepareDB(db *sql.DB, file bool) error {
	if file {
		for _, pragma := range dbPragmas {
			if _, err := db.Exec(pragma); err != nil {
				return errors.Wrapf(err, "executing %q", pragma)
			}
		}
	}
	for _, def := range dbDefs {
		if _, err := db.Exec(def); err != nil {
			return errors.Wrapf(err, "executing %q", def)
		}
	}
	return nil
}

// Update runs fn in a transaction.
func (s *SQLStore) Update(ctx context.Context, fn func(q store.Queries) error) (err error) {
	defer s.stat.Precision(time.Millisecond).Latency(stats.StoreTxLatency_ms).Time().Stop()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(queries{tx}); err != nil {
		s.stat.Counter(stats.StoreTxRollbackCounter).Inc(1)
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithFields(log.Fields{"err": rbErr}).Error("Rollback failed")
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type queries struct {
	ex execer
}

func isUnique(err error) bool {
	if e, ok := err.(sqlite3.Error); ok {
		return e.ExtendedCode == sqlite3.ErrConstraintUnique || e.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (q queries) InsertResource(r *resource.Resource) (resource.ID, error) {
	if r.IsStored() {
		return 0, errors.Errorf("resource %s already has id %s", r.Locator(), r.ID())
	}
	data, err := r.MarshalPayload()
	if err != nil {
		return 0, err
	}
	res, err := q.ex.ExecContext(context.Background(), dbqInsertResource,
		int(r.Kind()), r.Locator(), int(r.State()), int(r.OldState()), unixNano(r.ReadyAt()), data)
	if isUnique(err) {
		return 0, errors.Wrapf(store.ErrConflict, "locator %s", r.Locator())
	}
	if err != nil {
		return 0, errors.Wrapf(err, "inserting %s", r.Locator())
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return resource.ID(id), nil
}

func (q queries) UpdateResource(r *resource.Resource) error {
	data, err := r.MarshalPayload()
	if err != nil {
		return err
	}
	res, err := q.ex.ExecContext(context.Background(), dbqUpdateResource,
		int(r.Kind()), int(r.State()), int(r.OldState()), unixNano(r.ReadyAt()), data, int64(r.ID()))
	return checkOne(res, err, "updating %s", r)
}

func (q queries) UpdateState(id resource.ID, state, old resource.State, readyAt time.Time) error {
	res, err := q.ex.ExecContext(context.Background(), dbqUpdateState, int(state), int(old), unixNano(readyAt), int64(id))
	return checkOne(res, err, "updating state of %s", id)
}

func (q queries) UpdatePayload(r *resource.Resource) error {
	data, err := r.MarshalPayload()
	if err != nil {
		return err
	}
	res, err := q.ex.ExecContext(context.Background(), dbqUpdatePayload, data, int64(r.ID()))
	return checkOne(res, err, "updating payload of %s", r)
}

func checkOne(res sql.Result, err error, format string, arg interface{}) error {
	if err != nil {
		return errors.Wrapf(err, format, arg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, format, arg)
	}
	if n != 1 {
		return errors.Wrapf(store.ErrNotFound, format, arg)
	}
	return nil
}

func (q queries) DeleteResource(id resource.ID) error {
	ctx := context.Background()
	for _, stmt := range []string{dbqDeleteIngoing, dbqDeleteTags, dbqDeleteTaskRefs} {
		if _, err := q.ex.ExecContext(ctx, stmt, int64(id)); err != nil {
			return errors.Wrapf(err, "deleting %s", id)
		}
	}
	res, err := q.ex.ExecContext(ctx, dbqDeleteResource, int64(id))
	return checkOne(res, err, "deleting %s", id)
}

func scanResource(scan func(dest ...interface{}) error) (*resource.Resource, error) {
	var id, readyTime int64
	var kind, status, oldStatus int
	var path string
	if err := scan(&id, &kind, &path, &status, &oldStatus, &readyTime); err != nil {
		return nil, err
	}
	return resource.Restore(resource.ID(id), resource.Kind(kind), path,
		resource.State(status), resource.State(oldStatus), fromUnixNano(readyTime)), nil
}

func (q queries) queryResources(query string, args ...interface{}) ([]*resource.Resource, error) {
	rows, err := q.ex.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rs []*resource.Resource
	for rows.Next() {
		r, err := scanResource(rows.Scan)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

func (q queries) ResourceByID(id resource.ID) (*resource.Resource, error) {
	r, err := scanResource(q.ex.QueryRowContext(context.Background(), dbqResourceByID, int64(id)).Scan)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(store.ErrNotFound, "resource %s", id)
	}
	return r, errors.Wrapf(err, "loading %s", id)
}

func (q queries) ResourceByLocator(locator string) (*resource.Resource, error) {
	r, err := scanResource(q.ex.QueryRowContext(context.Background(), dbqResourceByLocator, locator).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, errors.Wrapf(err, "loading %s", locator)
}

func (q queries) Resources(mask resource.StateMask) ([]*resource.Resource, error) {
	states := mask.States()
	if len(states) == 0 {
		return nil, nil
	}
	marks := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, s := range states {
		marks[i] = "?"
		args[i] = int(s)
	}
	rs, err := q.queryResources(fmt.Sprintf(dbqResourcesByStatus, strings.Join(marks, ", ")), args...)
	return rs, errors.Wrapf(err, "listing resources in %s", mask)
}

func (q queries) LoadData(r *resource.Resource) error {
	var data []byte
	err := q.ex.QueryRowContext(context.Background(), dbqResourceData, int64(r.ID())).Scan(&data)
	if err == sql.ErrNoRows {
		return errors.Wrapf(store.ErrNotFound, "payload of %s", r)
	}
	if err != nil {
		return errors.Wrapf(err, "loading payload of %s", r)
	}
	return r.LoadPayload(data)
}

func (q queries) InsertDependency(d *resource.Dependency) error {
	_, err := q.ex.ExecContext(context.Background(), dbqInsertDependency,
		int64(d.From()), int64(d.To()), int(d.Kind()), int(d.Status()), d.LockRef())
	if isUnique(err) {
		return errors.Wrapf(store.ErrConflict, "dependency %s->%s", d.From(), d.To())
	}
	return errors.Wrapf(err, "inserting dependency %s->%s", d.From(), d.To())
}

func (q queries) UpdateDependency(d *resource.Dependency) error {
	res, err := q.ex.ExecContext(context.Background(), dbqUpdateDependency,
		int(d.Status()), d.LockRef(), int64(d.From()), int64(d.To()))
	return checkOne(res, err, "updating dependency %s", d)
}

func (q queries) DeleteDependency(from, to resource.ID) error {
	_, err := q.ex.ExecContext(context.Background(), dbqDeleteDependency, int64(from), int64(to))
	return errors.Wrapf(err, "deleting dependency %s->%s", from, to)
}

func (q queries) queryDependencies(query string, id resource.ID) ([]*resource.Dependency, error) {
	rows, err := q.ex.QueryContext(context.Background(), query, int64(id))
	if err != nil {
		return nil, errors.Wrapf(err, "listing dependencies of %s", id)
	}
	defer rows.Close()
	var deps []*resource.Dependency
	for rows.Next() {
		var from, to int64
		var kind, status int
		var lockRef string
		if err := rows.Scan(&from, &to, &kind, &status, &lockRef); err != nil {
			return nil, err
		}
		deps = append(deps, resource.RestoreDependency(resource.ID(from), resource.ID(to),
			resource.DependencyKind(kind), resource.DependencyStatus(status), lockRef))
	}
	return deps, rows.Err()
}

func (q queries) IngoingDependencies(to resource.ID) ([]*resource.Dependency, error) {
	return q.queryDependencies(dbqIngoingDependencies, to)
}

func (q queries) OutgoingDependencies(from resource.ID) ([]*resource.Dependency, error) {
	return q.queryDependencies(dbqOutgoingDependencies, from)
}

func (q queries) LockedResources(exclude resource.StateMask) ([]*resource.Resource, error) {
	rs, err := q.queryResources(dbqLockedResources)
	if err != nil {
		return nil, errors.Wrap(err, "listing locked resources")
	}
	out := rs[:0]
	for _, r := range rs {
		if !exclude.Matches(r.State()) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q queries) SetTag(id resource.ID, tag, value string) error {
	_, err := q.ex.ExecContext(context.Background(), dbqSetTag, int64(id), tag, value)
	return errors.Wrapf(err, "tagging %s", id)
}

func (q queries) Tags(id resource.ID) (map[string]string, error) {
	rows, err := q.ex.QueryContext(context.Background(), dbqTags, int64(id))
	if err != nil {
		return nil, errors.Wrapf(err, "listing tags of %s", id)
	}
	defer rows.Close()
	tags := map[string]string{}
	for rows.Next() {
		var tag, value string
		if err := rows.Scan(&tag, &value); err != nil {
			return nil, err
		}
		tags[tag] = value
	}
	return tags, rows.Err()
}

func (q queries) InsertExperiment(e *store.Experiment) (store.ExperimentID, error) {
	res, err := q.ex.ExecContext(context.Background(), dbqInsertExperiment, e.Name, e.Timestamp.UnixNano())
	if err != nil {
		return 0, errors.Wrapf(err, "inserting experiment %s", e.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = store.ExperimentID(id)
	return e.ID, nil
}

func scanExperiment(scan func(dest ...interface{}) error) (*store.Experiment, error) {
	var id, ts int64
	var name string
	if err := scan(&id, &name, &ts); err != nil {
		return nil, err
	}
	return &store.Experiment{ID: store.ExperimentID(id), Name: name, Timestamp: time.Unix(0, ts)}, nil
}

func (q queries) ExperimentByID(id store.ExperimentID) (*store.Experiment, error) {
	e, err := scanExperiment(q.ex.QueryRowContext(context.Background(), dbqExperimentByID, int64(id)).Scan)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(store.ErrNotFound, "experiment %d", id)
	}
	return e, errors.Wrapf(err, "loading experiment %d", id)
}

func (q queries) Experiments(name string) ([]*store.Experiment, error) {
	rows, err := q.ex.QueryContext(context.Background(), dbqExperimentsByName, name)
	if err != nil {
		return nil, errors.Wrapf(err, "listing experiments %s", name)
	}
	defer rows.Close()
	var exps []*store.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows.Scan)
		if err != nil {
			return nil, err
		}
		exps = append(exps, e)
	}
	return exps, rows.Err()
}

func (q queries) AddExperimentTask(task store.ExperimentTask) error {
	_, err := q.ex.ExecContext(context.Background(), dbqAddExperimentTask,
		int64(task.Experiment), int64(task.Resource), task.Identifier)
	return errors.Wrapf(err, "adding %s to experiment %d", task.Resource, task.Experiment)
}

func (q queries) ExperimentTasks(id store.ExperimentID) ([]store.ExperimentTask, error) {
	rows, err := q.ex.QueryContext(context.Background(), dbqExperimentTasks, int64(id))
	if err != nil {
		return nil, errors.Wrapf(err, "listing tasks of experiment %d", id)
	}
	defer rows.Close()
	var tasks []store.ExperimentTask
	for rows.Next() {
		var exp, res int64
		var ident string
		if err := rows.Scan(&exp, &res, &ident); err != nil {
			return nil, err
		}
		tasks = append(tasks, store.ExperimentTask{
			Experiment: store.ExperimentID(exp), Resource: resource.ID(res), Identifier: ident})
	}
	return tasks, rows.Err()
}
