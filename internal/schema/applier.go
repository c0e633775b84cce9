package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Connector returns a fresh database handle. The applier owns the handle and
// closes it.
type Connector func(ctx context.Context) (*sql.DB, error)

// Options folds the two historical behaviours of the tool into one routine.
type Options struct {
	// CheckFileExists stats the schema file before connecting.
	CheckFileExists bool
	// RollbackOnFailure rolls back as part of failure handling and reports
	// the outcome. Otherwise the failed transaction is only released with the
	// connection and what survives is up to the driver and server.
	RollbackOnFailure bool
	SplitMode         SplitMode
}

// Result describes one apply run. On failure Executed counts the statements
// that ran before the failing one. MySQL commits DDL implicitly, so those
// statements may have taken effect even after a rollback.
type Result struct {
	RunID      string
	Path       string
	Statements int
	Executed   int
	RolledBack bool
}

// Applier runs a schema file against one connection inside one transaction.
type Applier struct {
	Connect Connector
	Options Options
	Logger  zerolog.Logger
	// Out receives the single result line of each Apply. Nil disables it.
	Out io.Writer
	// Target names the database in connection errors.
	Target string
}

// Apply executes the statements of the file at schemaPath in file order and
// commits once when all of them succeed. The first failing statement stops
// the run. The connection is released on every path after it was opened.
func (a *Applier) Apply(ctx context.Context, schemaPath string) (Result, error) {
	res := Result{RunID: uuid.NewString(), Path: schemaPath}
	log := a.Logger.With().Str("run_id", res.RunID).Str("schema", schemaPath).Logger()

	err := a.apply(ctx, schemaPath, &res, log)
	if err != nil {
		ev := log.Error().Err(err).Int("executed", res.Executed).Int("statements", res.Statements)
		var stmtErr *StatementExecutionError
		if errors.As(err, &stmtErr) {
			ev = ev.Int("statement", stmtErr.Index)
			if code, ok := stmtErr.MySQLCode(); ok {
				ev = ev.Uint16("mysql_code", code)
			}
		}
		ev.Bool("rolled_back", res.RolledBack).Msg("schema apply failed")
		a.printf("Error: %v\n", err)
		return res, err
	}

	log.Info().Int("statements", res.Statements).Msg("schema applied")
	a.printf("Schema from %s applied successfully.\n", schemaPath)
	return res, nil
}

func (a *Applier) apply(ctx context.Context, schemaPath string, res *Result, log zerolog.Logger) error {
	split, err := Splitter(a.Options.SplitMode)
	if err != nil {
		return err
	}

	if a.Options.CheckFileExists {
		if _, err := os.Stat(schemaPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return &FileNotFoundError{Path: schemaPath, Err: err}
			}
			return fmt.Errorf("stat schema %s: %w", schemaPath, err)
		}
	}

	db, err := a.Connect(ctx)
	if err != nil {
		return &ConnectionError{Target: a.Target, Err: err}
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close database handle")
		}
	}()

	conn, err := db.Conn(ctx)
	if err != nil {
		return &ConnectionError{Target: a.Target, Err: err}
	}
	defer conn.Close()
	if err := conn.PingContext(ctx); err != nil {
		return &ConnectionError{Target: a.Target, Err: err}
	}
	log.Debug().Msg("connected")

	body, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", schemaPath, err)
	}

	return a.run(ctx, conn, split(string(body)), res, log)
}

// ApplyScript runs script on an already acquired connection. The caller keeps
// ownership of conn.
func (a *Applier) ApplyScript(ctx context.Context, conn *sql.Conn, script string) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	split, err := Splitter(a.Options.SplitMode)
	if err != nil {
		return res, err
	}
	log := a.Logger.With().Str("run_id", res.RunID).Logger()
	err = a.run(ctx, conn, split(script), &res, log)
	return res, err
}

func (a *Applier) run(ctx context.Context, conn *sql.Conn, statements []string, res *Result, log zerolog.Logger) error {
	res.Statements = len(statements)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	// database/sql holds the conn until the transaction ends, so a transaction
	// left open must be ended here before conn.Close can release it. Without
	// RollbackOnFailure this still sends ROLLBACK to the server. After Commit
	// or an explicit Rollback it returns sql.ErrTxDone and does nothing.
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range statements {
		log.Debug().Int("statement", i+1).Int("of", len(statements)).Msg("executing")
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			execErr := &StatementExecutionError{Index: i + 1, Statement: stmt, Err: err}
			if !a.Options.RollbackOnFailure {
				return execErr
			}
			if rbErr := tx.Rollback(); rbErr != nil {
				return errors.Join(execErr, fmt.Errorf("rollback: %w", rbErr))
			}
			res.RolledBack = true
			return execErr
		}
		res.Executed++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (a *Applier) printf(format string, args ...any) {
	if a.Out == nil {
		return
	}
	fmt.Fprintf(a.Out, format, args...)
}
