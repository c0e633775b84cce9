package schema

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schema_applier/internal/testdb"
)

const threeTables = `
CREATE TABLE customers (id INT PRIMARY KEY);
CREATE TABLE items (id INT PRIMARY KEY);

CREATE TABLE sales (id INT PRIMARY KEY);
`

func writeSchema(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "database.sql")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newApplier(rec *testdb.Recorder, opts Options, out *bytes.Buffer) *Applier {
	a := &Applier{
		Connect: func(context.Context) (*sql.DB, error) { return rec.Open() },
		Options: opts,
		Logger:  zerolog.Nop(),
	}
	if out != nil {
		a.Out = out
	}
	return a
}

func bothVariants() map[string]Options {
	return map[string]Options{
		"checked":   {CheckFileExists: true, RollbackOnFailure: true},
		"unchecked": {},
	}
}

func TestApplyExecutesEveryStatementInOrder(t *testing.T) {
	for name, opts := range bothVariants() {
		t.Run(name, func(t *testing.T) {
			rec := testdb.New()
			var out bytes.Buffer
			path := writeSchema(t, threeTables)

			res, err := newApplier(rec, opts, &out).Apply(context.Background(), path)
			require.NoError(t, err)

			stats := rec.Stats()
			assert.Equal(t, []string{
				"CREATE TABLE customers (id INT PRIMARY KEY)",
				"CREATE TABLE items (id INT PRIMARY KEY)",
				"CREATE TABLE sales (id INT PRIMARY KEY)",
			}, stats.Execs)
			assert.Equal(t, 1, stats.Commits)
			assert.Equal(t, 0, stats.Rollbacks)
			assert.Equal(t, 1, stats.Opens)
			assert.Equal(t, 1, stats.Closes)

			assert.Equal(t, 3, res.Statements)
			assert.Equal(t, 3, res.Executed)
			assert.NotEmpty(t, res.RunID)
			assert.Equal(t, "Schema from "+path+" applied successfully.\n", out.String())
		})
	}
}

func TestApplyCommitsOnceForManyStatements(t *testing.T) {
	rec := testdb.New()
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("INSERT INTO items VALUES (1);\n")
	}

	res, err := newApplier(rec, Options{RollbackOnFailure: true}, nil).Apply(context.Background(), writeSchema(t, b.String()))
	require.NoError(t, err)

	stats := rec.Stats()
	assert.Len(t, stats.Execs, 50)
	assert.Equal(t, 1, stats.Commits)
	assert.Equal(t, 1, stats.Closes)
	assert.Equal(t, 50, res.Executed)
}

func TestApplyStopsAtFailingStatementAndRollsBack(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1050, Message: "Table 'items' already exists"}
	rec := testdb.New().FailOn("CREATE TABLE items (id INT PRIMARY KEY)", dup)
	var out bytes.Buffer

	res, err := newApplier(rec, Options{CheckFileExists: true, RollbackOnFailure: true}, &out).
		Apply(context.Background(), writeSchema(t, threeTables))
	require.Error(t, err)

	var stmtErr *StatementExecutionError
	require.ErrorAs(t, err, &stmtErr)
	assert.Equal(t, 2, stmtErr.Index)
	assert.Equal(t, "CREATE TABLE items (id INT PRIMARY KEY)", stmtErr.Statement)
	assert.ErrorIs(t, err, dup)
	code, ok := stmtErr.MySQLCode()
	assert.True(t, ok)
	assert.Equal(t, uint16(1050), code)

	stats := rec.Stats()
	assert.Equal(t, []string{
		"CREATE TABLE customers (id INT PRIMARY KEY)",
		"CREATE TABLE items (id INT PRIMARY KEY)",
	}, stats.Execs)
	assert.Equal(t, 0, stats.Commits)
	assert.Equal(t, 1, stats.Rollbacks)
	assert.Equal(t, 1, stats.Closes)

	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 3, res.Statements)
	assert.True(t, res.RolledBack)
	assert.True(t, strings.HasPrefix(out.String(), "Error: statement 2 (CREATE TABLE items"), out.String())
	assert.Contains(t, out.String(), "1050")
}

func TestApplyWithoutRollbackLeavesTransactionToDriver(t *testing.T) {
	rec := testdb.New().FailOn("CREATE TABLE items (id INT PRIMARY KEY)", errors.New("boom"))

	res, err := newApplier(rec, Options{}, nil).Apply(context.Background(), writeSchema(t, threeTables))

	var stmtErr *StatementExecutionError
	require.ErrorAs(t, err, &stmtErr)
	assert.Equal(t, 2, stmtErr.Index)
	_, ok := stmtErr.MySQLCode()
	assert.False(t, ok)
	assert.False(t, res.RolledBack)

	stats := rec.Stats()
	assert.Len(t, stats.Execs, 2)
	assert.Equal(t, 0, stats.Commits)
	assert.Equal(t, 1, stats.Rollbacks, "released with the connection")
	assert.Equal(t, 1, stats.Closes)
}

func TestApplyMissingFileChecked(t *testing.T) {
	rec := testdb.New()
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "missing.sql")

	_, err := newApplier(rec, Options{CheckFileExists: true}, &out).Apply(context.Background(), path)

	var nf *FileNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, path, nf.Path)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, 0, rec.Stats().Opens)
	assert.Equal(t, "Error: schema file not found at "+path+"\n", out.String())
}

func TestApplyMissingFileUnchecked(t *testing.T) {
	rec := testdb.New()
	path := filepath.Join(t.TempDir(), "missing.sql")

	_, err := newApplier(rec, Options{}, nil).Apply(context.Background(), path)
	require.Error(t, err)

	var nf *FileNotFoundError
	assert.False(t, errors.As(err, &nf))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	stats := rec.Stats()
	assert.Equal(t, 1, stats.Opens)
	assert.Equal(t, 1, stats.Closes)
	assert.Empty(t, stats.Execs)
}

func TestApplyConnectionFailure(t *testing.T) {
	refused := errors.New("dial tcp 127.0.0.1:3306: connect: connection refused")
	rec := testdb.New().FailOpen(refused)
	a := newApplier(rec, Options{CheckFileExists: true, RollbackOnFailure: true}, nil)
	a.Target = "pos@localhost:3306/pos_system"

	_, err := a.Apply(context.Background(), writeSchema(t, threeTables))

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, refused)
	assert.Contains(t, err.Error(), "pos@localhost:3306/pos_system")
	assert.Empty(t, rec.Stats().Execs)
}

func TestApplyConnectorError(t *testing.T) {
	a := &Applier{
		Connect: func(context.Context) (*sql.DB, error) { return nil, errors.New("invalid mysql dsn") },
		Logger:  zerolog.Nop(),
	}

	_, err := a.Apply(context.Background(), writeSchema(t, threeTables))

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "connect: invalid mysql dsn", err.Error())
}

func TestApplyQuotedSplitMode(t *testing.T) {
	rec := testdb.New()
	script := "INSERT INTO notes VALUES ('a;b');\n-- the customer's table\nCREATE TABLE c (id INT);\nINSERT INTO notes VALUES ('c');\n-- done\n"

	res, err := newApplier(rec, Options{SplitMode: SplitQuoted}, nil).Apply(context.Background(), writeSchema(t, script))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Statements)
	assert.Equal(t, []string{
		"INSERT INTO notes VALUES ('a;b')",
		"-- the customer's table\nCREATE TABLE c (id INT)",
		"INSERT INTO notes VALUES ('c')",
	}, rec.Stats().Execs)
}

func TestApplyScriptOnExistingConnection(t *testing.T) {
	rec := testdb.New()
	db, err := rec.Open()
	require.NoError(t, err)
	defer db.Close()
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	a := &Applier{Logger: zerolog.Nop()}
	res, err := a.ApplyScript(context.Background(), conn, "CREATE TABLE t (id INT);  \n\n ;")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, []string{"CREATE TABLE t (id INT)"}, rec.Stats().Execs)
	assert.Equal(t, 1, rec.Stats().Commits)
	assert.Equal(t, 0, rec.Stats().Closes)
}

func TestStatementExecutionErrorAbbreviates(t *testing.T) {
	long := "CREATE TABLE t (\n  " + strings.Repeat("c INT, ", 30) + "id INT)"
	err := &StatementExecutionError{Index: 4, Statement: long, Err: errors.New("syntax")}

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "statement 4 (CREATE TABLE t ( c INT,"), msg)
	assert.Contains(t, msg, "...): syntax")
}

func TestApplyPOSSchema(t *testing.T) {
	rec := testdb.New()

	res, err := newApplier(rec, Options{CheckFileExists: true, RollbackOnFailure: true}, nil).
		Apply(context.Background(), filepath.Join("testdata", "pos_system.sql"))
	require.NoError(t, err)

	execs := rec.Stats().Execs
	require.Len(t, execs, 7)
	assert.Equal(t, 7, res.Executed)
	assert.True(t, strings.HasPrefix(execs[0], "CREATE TABLE IF NOT EXISTS items ("))
	assert.True(t, strings.HasPrefix(execs[5], "CREATE TABLE IF NOT EXISTS audit_trail ("))
	assert.Equal(t, "CREATE INDEX idx_sales_transactions_sale_date ON sales_transactions (sale_date)", execs[6])
}

func TestApplyRollbackFailureIsJoined(t *testing.T) {
	boom := errors.New("boom")
	lost := errors.New("connection lost during rollback")
	rec := testdb.New().
		FailOn("CREATE TABLE items (id INT PRIMARY KEY)", boom).
		FailRollback(lost)

	res, err := newApplier(rec, Options{RollbackOnFailure: true}, nil).Apply(context.Background(), writeSchema(t, threeTables))
	require.Error(t, err)

	var stmtErr *StatementExecutionError
	require.ErrorAs(t, err, &stmtErr)
	assert.Equal(t, 2, stmtErr.Index)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, lost)
	assert.Contains(t, err.Error(), "rollback: connection lost during rollback")
	assert.False(t, res.RolledBack)

	stats := rec.Stats()
	assert.Equal(t, 1, stats.Rollbacks)
	assert.Equal(t, 0, stats.Commits)
	assert.Equal(t, 1, stats.Closes)
}

func TestApplyCommitFailure(t *testing.T) {
	full := errors.New("disk full")
	rec := testdb.New().FailCommit(full)

	res, err := newApplier(rec, Options{RollbackOnFailure: true}, nil).Apply(context.Background(), writeSchema(t, threeTables))
	require.Error(t, err)

	assert.ErrorIs(t, err, full)
	assert.True(t, strings.HasPrefix(err.Error(), "commit: "), err.Error())
	var stmtErr *StatementExecutionError
	assert.False(t, errors.As(err, &stmtErr))
	assert.Equal(t, 3, res.Executed)

	stats := rec.Stats()
	assert.Len(t, stats.Execs, 3)
	assert.Equal(t, 0, stats.Commits)
	assert.Equal(t, 1, stats.Closes)
}

func TestApplyBeginFailure(t *testing.T) {
	refused := errors.New("transactions disabled")
	rec := testdb.New().FailBegin(refused)

	res, err := newApplier(rec, Options{RollbackOnFailure: true}, nil).Apply(context.Background(), writeSchema(t, threeTables))
	require.Error(t, err)

	assert.ErrorIs(t, err, refused)
	assert.Equal(t, "begin transaction: transactions disabled", err.Error())
	assert.Equal(t, 3, res.Statements)
	assert.Equal(t, 0, res.Executed)

	stats := rec.Stats()
	assert.Empty(t, stats.Execs)
	assert.Equal(t, 1, stats.Opens)
	assert.Equal(t, 1, stats.Closes)
}
