// Package testdb is a recording database/sql driver for tests. Each Recorder
// registers under its own DSN so tests can run side by side.
package testdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

const DriverName = "testdb"

var (
	registry sync.Map
	seq      atomic.Int64
)

func init() {
	sql.Register(DriverName, drv{})
}

// Rows is a canned result set returned for a query.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Stats is a snapshot of what a Recorder has seen.
type Stats struct {
	Opens     int
	Closes    int
	Commits   int
	Rollbacks int
	Execs     []string
}

type Recorder struct {
	DSN string

	mu      sync.Mutex
	stats   Stats
	failOn  map[string]error
	rows    map[string]Rows
	openErr     error
	beginErr    error
	commitErr   error
	rollbackErr error
}

func New() *Recorder {
	r := &Recorder{
		DSN:    fmt.Sprintf("recorder-%d", seq.Add(1)),
		failOn: map[string]error{},
		rows:   map[string]Rows{},
	}
	registry.Store(r.DSN, r)
	return r
}

// FailOn makes the exec of stmt (compared after trimming) return err.
func (r *Recorder) FailOn(stmt string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[strings.TrimSpace(stmt)] = err
	return r
}

// FailOpen makes every connection attempt return err.
func (r *Recorder) FailOpen(err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openErr = err
	return r
}

// FailBegin makes every BeginTx return err.
func (r *Recorder) FailBegin(err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beginErr = err
	return r
}

// FailCommit makes every Commit return err. Failed commits are not counted.
func (r *Recorder) FailCommit(err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitErr = err
	return r
}

// FailRollback makes every Rollback return err. Failed rollbacks are still
// counted.
func (r *Recorder) FailRollback(err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbackErr = err
	return r
}

// OnQuery serves rows for query. An exact match after trimming wins,
// otherwise any query containing it matches.
func (r *Recorder) OnQuery(query string, rows Rows) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[strings.TrimSpace(query)] = rows
	return r
}

// Open returns a *sql.DB backed by this recorder.
func (r *Recorder) Open() (*sql.DB, error) {
	return sql.Open(DriverName, r.DSN)
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Execs = append([]string(nil), r.stats.Execs...)
	return s
}

type drv struct{}

func (drv) Open(name string) (driver.Conn, error) {
	v, ok := registry.Load(name)
	if !ok {
		return nil, fmt.Errorf("testdb: unknown dsn %q", name)
	}
	r := v.(*Recorder)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return nil, r.openErr
	}
	r.stats.Opens++
	return &conn{r: r}, nil
}

type conn struct {
	r *Recorder
}

func (c *conn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("testdb: prepare not supported")
}

func (c *conn) Close() error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.r.stats.Closes++
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.r.beginErr != nil {
		return nil, c.r.beginErr
	}
	return tx{r: c.r}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.r.stats.Execs = append(c.r.stats.Execs, query)
	if err, ok := c.r.failOn[strings.TrimSpace(query)]; ok {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (c *conn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if rs, ok := c.r.rows[strings.TrimSpace(query)]; ok {
		return &rows{cols: rs.Columns, data: rs.Values}, nil
	}
	for key, rs := range c.r.rows {
		if strings.Contains(query, key) {
			return &rows{cols: rs.Columns, data: rs.Values}, nil
		}
	}
	return nil, fmt.Errorf("testdb: no rows for query %q", query)
}

func (c *conn) CheckNamedValue(*driver.NamedValue) error { return nil }

type tx struct {
	r *Recorder
}

func (t tx) Commit() error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.r.commitErr != nil {
		return t.r.commitErr
	}
	t.r.stats.Commits++
	return nil
}

func (t tx) Rollback() error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	t.r.stats.Rollbacks++
	return t.r.rollbackErr
}

type rows struct {
	cols []string
	data [][]driver.Value
	i    int
}

func (r *rows) Columns() []string { return r.cols }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.i >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.i])
	r.i++
	return nil
}
