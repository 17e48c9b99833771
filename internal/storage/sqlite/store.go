package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/davidbz/ember/internal/domain"
)

// Store is a SQLite implementation of domain.ColumnarStore.
// Every table is append-only; one row per inference artifact.
type Store struct {
	db      *sql.DB
	columns map[string][]string
}

var _ domain.ColumnarStore = (*Store)(nil)

var inferenceColumns = []string{
	"id", "episode_id", "function_name", "variant_name", "input", "output",
	"inference_params", "processing_time_ms", "tags", "status", "error", "status_code",
	"finish_reason", "extra_body", "project_id", "endpoint_id", "model_id", "api_key_id",
	"user_id", "gateway_request", "gateway_response", "created_at",
}

var modelInferenceColumns = []string{
	"id", "inference_id", "model_name", "model_provider_name", "raw_request", "raw_response",
	"input_tokens", "output_tokens", "cost", "response_time_ms", "ttft_ms", "cached",
	"finish_reason", "guardrail_scan", "created_at",
}

var guardrailScanColumns = []string{
	"id", "inference_id", "profile_name", "guard_type", "scan_mode", "window_index",
	"flagged", "category_scores", "provider_results", "latency_ms", "created_at",
}

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, columns: tableColumns()}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func tableColumns() map[string][]string {
	columns := map[string][]string{
		"model_inference": modelInferenceColumns,
		"guardrail_scan":  guardrailScanColumns,
	}
	for _, m := range domain.Modalities {
		columns[m.TableName()] = inferenceColumns
	}
	return columns
}

func (s *Store) initSchema() error {
	statements := make([]string, 0, len(s.columns)+4)
	for _, m := range domain.Modalities {
		statements = append(statements, createTable(m.TableName(), inferenceColumns))
	}
	statements = append(statements,
		createTable("model_inference", modelInferenceColumns),
		createTable("guardrail_scan", guardrailScanColumns),
		`CREATE INDEX IF NOT EXISTS idx_model_inference_inference ON model_inference(inference_id)`,
		`CREATE INDEX IF NOT EXISTS idx_guardrail_scan_inference ON guardrail_scan(inference_id)`,
	)

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// createTable declares id as primary key; every other column is untyped so
// SQLite keeps whatever affinity the value carries.
func createTable(table string, columns []string) string {
	defs := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == "id" {
			defs = append(defs, "id TEXT PRIMARY KEY")
			continue
		}
		defs = append(defs, c)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
}

// Write inserts rows into table in a single transaction.
func (s *Store) Write(ctx context.Context, table string, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}
	allowed, ok := s.columns[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, row := range rows {
		columns := make([]string, 0, len(row))
		for column := range row {
			if !slices.Contains(allowed, column) {
				return fmt.Errorf("unknown column %q for table %s", column, table)
			}
			columns = append(columns, column)
		}
		slices.Sort(columns)

		args := make([]any, len(columns))
		for i, column := range columns {
			args[i] = row[column]
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), placeholders(len(columns)))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", table, err)
	}
	return nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if _, ok := s.columns[table]; !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
