package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// RunnerConfig holds report database settings
type RunnerConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// Runner executes rendered report queries against the MariaDB reporting
// database. The pool is long-lived and shared by every session; it is the
// connection whose death a session rebuild recovers from.
type Runner struct {
	db     *sql.DB
	store  *TemplateStore
	logger zerolog.Logger
}

// NewRunner opens the report database pool. The pool connects lazily; a
// wrong DSN surfaces on first query, not here.
func NewRunner(cfg RunnerConfig, store *TemplateStore, logger zerolog.Logger) (*Runner, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("tools: report database DSN is required")
	}
	if store == nil {
		return nil, fmt.Errorf("tools: template store is required")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("tools: failed to open report database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	logger.Info().Msg("Report database pool initialized")
	return &Runner{db: db, store: store, logger: logger}, nil
}

// Run renders a named template with overrides and executes it, returning
// rows as column-keyed maps.
func (r *Runner) Run(ctx context.Context, name string, overrides map[string]interface{}) ([]map[string]interface{}, error) {
	query, _, err := r.store.Render(name, overrides)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tools: query %q failed: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("tools: failed to read columns: %w", err)
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanTargets := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("tools: failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeCell(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tools: row iteration failed: %w", err)
	}

	r.logger.Debug().
		Str("query", name).
		Int("rows", len(results)).
		Msg("Report query executed")
	return results, nil
}

// Store exposes the template store for listing.
func (r *Runner) Store() *TemplateStore {
	return r.store
}

// Close closes the database pool.
func (r *Runner) Close() error {
	return r.db.Close()
}

// normalizeCell converts driver values to JSON-friendly ones. The MySQL
// driver returns []byte for text columns.
func normalizeCell(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	default:
		return val
	}
}

// QueryTool exposes the report runner to the data agent as
// run_report_query. It owns the runner and closes the pool with the set.
type QueryTool struct {
	runner *Runner
}

// NewQueryTool wraps a runner as a tool.
func NewQueryTool(runner *Runner) *QueryTool {
	return &QueryTool{runner: runner}
}

func (t *QueryTool) Name() string { return "run_report_query" }

func (t *QueryTool) Description() string {
	return "Run a pre-configured read-only report query against the contact-center database. " +
		"Pass query_name 'list' to see the available reports and their parameters."
}

func (t *QueryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query_name": map[string]interface{}{
				"type":        "string",
				"description": "Name of the report query, or 'list' to enumerate reports",
			},
			"start_date": map[string]interface{}{
				"type":        "string",
				"description": "Override start of the date range (YYYY-MM-DD HH:MM:SS)",
			},
			"end_date": map[string]interface{}{
				"type":        "string",
				"description": "Override end of the date range (YYYY-MM-DD HH:MM:SS)",
			},
			"agent_id": map[string]interface{}{
				"type":        "integer",
				"description": "Filter by a specific agent ID",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Cap the number of returned rows",
			},
		},
		"required": []interface{}{"query_name"},
	}
}

// Execute runs the named query and hands the model a row count plus a top-5
// sample; the full result set travels as structured data.
func (t *QueryTool) Execute(ctx context.Context, params map[string]interface{}, ec ExecContext) (Outcome, error) {
	name, _ := params["query_name"].(string)
	if name == "" {
		return Outcome{}, fmt.Errorf("tools: query_name is required")
	}
	if name == "list" {
		return Outcome{Output: t.runner.Store().Describe()}, nil
	}

	overrides := overridesFromParams(params)
	rows, err := t.runner.Run(ctx, name, overrides)
	if err != nil {
		return Outcome{}, err
	}
	if limit, ok := intParam(params, "limit"); ok && limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	if len(rows) == 0 {
		return Outcome{
			Output: fmt.Sprintf("Query %q returned no rows. Try widening the date range or removing filters.", name),
		}, nil
	}

	sample := rows
	if len(sample) > 5 {
		sample = sample[:5]
	}
	sampleJSON, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return Outcome{}, fmt.Errorf("tools: failed to render sample: %w", err)
	}

	output := fmt.Sprintf(
		"Report %q returned %d rows.\n\nTop %d rows:\n```json\n%s\n```",
		name, len(rows), len(sample), sampleJSON,
	)
	return Outcome{Output: output, Data: rows}, nil
}

// Close closes the underlying database pool.
func (t *QueryTool) Close() error {
	return t.runner.Close()
}

// overridesFromParams lifts the tool parameters that map onto template
// placeholders.
func overridesFromParams(params map[string]interface{}) map[string]interface{} {
	overrides := make(map[string]interface{})
	for _, key := range []string{"start_date", "end_date", "agent_id", "sme_id"} {
		if v, ok := params[key]; ok && v != nil {
			overrides[key] = v
		}
	}
	return overrides
}

func intParam(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
