package db

import (
	"context"
	"database/sql"
)

// Table is a base table of the connected schema.
type Table struct {
	Name    string
	Columns int
}

const listTablesQuery = `
SELECT t.table_name, COUNT(c.column_name)
FROM information_schema.tables t
LEFT JOIN information_schema.columns c
 ON c.table_schema = t.table_schema
 AND c.table_name = t.table_name
WHERE t.table_schema = DATABASE() AND t.table_type = 'BASE TABLE'
GROUP BY t.table_name
ORDER BY t.table_name`

// ListTables returns the base tables of the current database with their
// column counts, ordered by name.
func ListTables(ctx context.Context, db *sql.DB) ([]Table, error) {
	rows, err := db.QueryContext(ctx, listTablesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Name, &t.Columns); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
