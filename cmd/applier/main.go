package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"schema_applier/internal/config"
	"schema_applier/internal/db"
	"schema_applier/internal/logging"
	"schema_applier/internal/schema"
)

// openDB is swapped in tests.
var openDB = db.Open

// errReported marks failures whose message was already printed.
var errReported = errors.New("reported")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	cmd := "apply"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "apply":
		err = applyCmd(args, stdout)
	case "split":
		err = splitCmd(args, stdout)
	case "ping":
		err = pingCmd(args, stdout)
	case "tables":
		err = tablesCmd(args, stdout)
	case "init-config":
		err = initConfigCmd(args, stdout)
	case "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stdout, "unknown command %s\n", cmd)
		usage(stdout)
		return 1
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if !errors.Is(err, errReported) {
		fmt.Fprintln(stdout, "Error:", err)
	}
	return 1
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `schema_applier commands:
  apply         - execute a schema file against the database (default)
  split         - print the statements a schema file splits into
  ping          - check that the database is reachable
  tables        - list the tables of the target database
  init-config   - write a starter .env file

Connection settings come from DB_USER, DB_PASSWORD, DB_HOST and DB_NAME.
Flags are command specific; run "<cmd> -h" for details.

Exit status is 0 on success and 1 on any failure. The result line, either
"Schema from <path> applied successfully." or "Error: <reason>", goes to stdout.`)
}

func applyCmd(args []string, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := flagSet("apply", stdout)
	schemaPath := fs.String("schema", cfg.SchemaPath, "path to the schema file")
	checkExists := fs.Bool("check-exists", cfg.CheckFileExists, "fail before connecting when the schema file is missing")
	rollback := fs.Bool("rollback-on-failure", cfg.RollbackOnFailure, "roll back explicitly when a statement fails")
	splitMode := fs.String("split", cfg.SplitMode, "statement split mode: naive or quoted")
	literal := fs.Bool("literal", cfg.Source == config.SourceLiteral, "use the built-in connection settings instead of DB_* variables")
	timeout := fs.Duration("timeout", 0, "abort after this long; 0 waits for the driver")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *literal {
		cfg.Connection = config.Literal()
	}

	log := logging.NewLogger(cfg.LogLevel)
	log.Debug().Str("target", cfg.Connection.String()).Str("schema", *schemaPath).Msg("config loaded")

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	applier := schema.Applier{
		Connect: func(context.Context) (*sql.DB, error) { return openDB(cfg.Connection) },
		Options: schema.Options{
			CheckFileExists:   *checkExists,
			RollbackOnFailure: *rollback,
			SplitMode:         schema.SplitMode(*splitMode),
		},
		Logger: log,
		Out:    stdout,
		Target: cfg.Connection.String(),
	}
	if _, err := applier.Apply(ctx, *schemaPath); err != nil {
		return fmt.Errorf("%w: %w", errReported, err)
	}
	return nil
}

func splitCmd(args []string, stdout io.Writer) error {
	fs := flagSet("split", stdout)
	schemaPath := fs.String("schema", getenv("SCHEMA_PATH", config.DefaultSchemaPath), "path to the schema file")
	splitMode := fs.String("split", getenv("APPLIER_SPLIT_MODE", config.SplitNaive), "statement split mode: naive or quoted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	split, err := schema.Splitter(schema.SplitMode(*splitMode))
	if err != nil {
		return err
	}
	body, err := os.ReadFile(*schemaPath)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", *schemaPath, err)
	}
	statements := split(string(body))
	for i, stmt := range statements {
		fmt.Fprintf(stdout, "-- statement %d\n%s;\n", i+1, stmt)
	}
	fmt.Fprintf(stdout, "%d statements in %s\n", len(statements), *schemaPath)
	return nil
}

func pingCmd(args []string, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := flagSet("ping", stdout)
	timeout := fs.Duration("timeout", 10*time.Second, "connection timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	handle, err := openDB(cfg.Connection)
	if err != nil {
		return err
	}
	defer handle.Close()
	if err := db.Ping(ctx, handle); err != nil {
		return &schema.ConnectionError{Target: cfg.Connection.String(), Err: err}
	}
	version, err := db.ServerVersion(ctx, handle)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Connected to %s (server %s)\n", cfg.Connection, version)
	return nil
}

func tablesCmd(args []string, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := flagSet("tables", stdout)
	timeout := fs.Duration("timeout", 30*time.Second, "query timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext(*timeout)
	defer cancel()

	handle, err := openDB(cfg.Connection)
	if err != nil {
		return err
	}
	defer handle.Close()
	tables, err := db.ListTables(ctx, handle)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		fmt.Fprintln(stdout, "no tables in", cfg.Connection.Database)
		return nil
	}
	for _, t := range tables {
		fmt.Fprintf(stdout, "%s (%d columns)\n", t.Name, t.Columns)
	}
	return nil
}

func initConfigCmd(args []string, stdout io.Writer) error {
	fs := flagSet("init-config", stdout)
	path := fs.String("path", ".env", "where to write the sample config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil {
		return fmt.Errorf("%s already exists", *path)
	}

	lit := config.Literal()
	content := fmt.Sprintf(`DB_USER=%s
DB_PASSWORD=%s
DB_HOST=%s
DB_NAME=%s
SCHEMA_PATH=%s
APPLIER_CHECK_FILE_EXISTS=true
APPLIER_ROLLBACK_ON_FAILURE=true
APPLIER_SPLIT_MODE=%s
APPLIER_LOG_LEVEL=info
`, lit.User, lit.Password, lit.Host, lit.Database, config.DefaultSchemaPath, config.SplitNaive)
	if err := os.WriteFile(*path, []byte(content), 0o600); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "sample config written to", *path)
	return nil
}

func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func flagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}
