package tools

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	_ "modernc.org/sqlite"

	"github.com/fennelabs/dialect/internal/log"
)

// Tool names of the SQL toolkit. sql_db_query is the gated one: the
// orchestrator requires human approval before it runs.
const (
	SQLListTablesTool   = "sql_db_list_tables"
	SQLSchemaTool       = "sql_db_schema"
	SQLQueryCheckerTool = "sql_db_query_checker"
	SQLQueryTool        = "sql_db_query"
)

// writeStatement matches mutating statements the toolkit refuses to run.
var writeStatement = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|REPLACE|TRUNCATE|ATTACH|DETACH|PRAGMA|VACUUM)\b`)

// SQLToolkit exposes a read-only SQLite database to the model through four
// tools: list tables, describe schema, check a query, run a query.
type SQLToolkit struct {
	db      *sql.DB
	maxRows int
	logger  log.Logger
}

// OpenDatabase opens the SQLite database at dbPath, creating the parent
// directory if needed.
func OpenDatabase(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// NewSQLToolkit creates a toolkit over db. maxRows caps result rows for
// sql_db_query; values below 1 default to 10.
func NewSQLToolkit(db *sql.DB, maxRows int, logger log.Logger) *SQLToolkit {
	if maxRows < 1 {
		maxRows = 10
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &SQLToolkit{db: db, maxRows: maxRows, logger: logger}
}

// Register adds the four SQL tools to the registry. None of them is
// single-use or external; gating of sql_db_query is the classifier's job.
func (k *SQLToolkit) Register(r *Registry) error {
	toolkit := []Tool{
		{
			Name:        SQLListTablesTool,
			Description: "List every table available in the database, comma separated.",
			InputSchema: &jsonschema.Schema{Type: "object"},
			Handler:     k.listTables,
		},
		{
			Name:        SQLSchemaTool,
			Description: "Return the CREATE TABLE statements for the given comma-separated table names.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"table_names": {Type: "string", Description: "Comma-separated table names"},
				},
				Required: []string{"table_names"},
			},
			Handler: k.tableSchema,
		},
		{
			Name:        SQLQueryCheckerTool,
			Description: "Validate a SQL query before execution. Returns the query if it looks safe, or a description of the problem.",
			InputSchema: querySchema(),
			Handler:     k.checkQuery,
		},
		{
			Name:        SQLQueryTool,
			Description: "Execute a read-only SQL query and return the result rows.",
			InputSchema: querySchema(),
			Handler:     k.runQuery,
		},
	}

	for _, t := range toolkit {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func querySchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {Type: "string", Description: "The SQL query to process"},
		},
		Required: []string{"query"},
	}
}

func (k *SQLToolkit) listTables(ctx context.Context, _ map[string]any) (string, error) {
	rows, err := k.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("list tables: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	return strings.Join(names, ", "), nil
}

func (k *SQLToolkit) tableSchema(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["table_names"].(string)
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("table_names is required")
	}

	var parts []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var ddl sql.NullString
		err := k.db.QueryRowContext(ctx,
			`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&ddl)
		switch {
		case err == sql.ErrNoRows:
			parts = append(parts, fmt.Sprintf("-- table %q not found", name))
		case err != nil:
			return "", fmt.Errorf("schema for %q: %w", name, err)
		case ddl.Valid:
			parts = append(parts, ddl.String)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func (k *SQLToolkit) checkQuery(_ context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	if writeStatement.MatchString(query) {
		return "Error: mutating statements (INSERT/UPDATE/DELETE/DDL) are not permitted.", nil
	}
	if strings.Count(query, "'")%2 != 0 {
		return "Error: unbalanced quotes in query.", nil
	}
	return query, nil
}

func (k *SQLToolkit) runQuery(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	if writeStatement.MatchString(query) {
		return "", fmt.Errorf("mutating statements are not permitted")
	}

	rows, err := k.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, " | "))
	sb.WriteString("\n")

	count := 0
	values := make([]any, len(cols))
	scanTargets := make([]any, len(cols))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if count >= k.maxRows {
			sb.WriteString(fmt.Sprintf("... (truncated at %d rows)\n", k.maxRows))
			break
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return "", fmt.Errorf("scan row: %w", err)
		}
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = renderValue(v)
		}
		sb.WriteString(strings.Join(fields, " | "))
		sb.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}

	k.logger.Debug("query executed", "rows", count)
	if count == 0 {
		return "(no rows)", nil
	}
	return sb.String(), nil
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
