package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ConnectionError is returned when the database cannot be reached or refuses
// the credentials.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("connect: %v", e.Err)
	}
	return fmt.Sprintf("connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FileNotFoundError is returned before connecting when the schema file is
// missing and the existence check is enabled.
type FileNotFoundError struct {
	Path string
	Err  error
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("schema file not found at %s", e.Path)
}

func (e *FileNotFoundError) Unwrap() error { return e.Err }

// StatementExecutionError wraps the driver error of the first statement that
// failed. Index is 1-based.
type StatementExecutionError struct {
	Index     int
	Statement string
	Err       error
}

func (e *StatementExecutionError) Error() string {
	return fmt.Sprintf("statement %d (%s): %v", e.Index, abbreviate(e.Statement, 80), e.Err)
}

func (e *StatementExecutionError) Unwrap() error { return e.Err }

// MySQLCode returns the server error number when the failure came from MySQL.
func (e *StatementExecutionError) MySQLCode() (uint16, bool) {
	var myErr *mysql.MySQLError
	if errors.As(e.Err, &myErr) {
		return myErr.Number, true
	}
	return 0, false
}

func abbreviate(stmt string, max int) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	runes := []rune(stmt)
	if len(runes) <= max {
		return stmt
	}
	return string(runes[:max-3]) + "..."
}
