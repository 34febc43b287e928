package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nexushq/gateway/internal/apierr"
)

// hexID32 matches the 32-hex content-hash identifier shape every
// domain.*.ComputeID() mints. User-provided IDs interpolated into a raw
// query must match this before interpolation; anything else is bound as a
// parameter instead (spec §4.6's identifier discipline).
var hexID32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

// SanitizeIdentifier validates id against the 32-hex shape, returning a
// *apierr.APIError (BadRequest) rather than silently passing through a
// value unsafe to interpolate.
func SanitizeIdentifier(id string) (string, error) {
	if !hexID32.MatchString(id) {
		return "", apierr.BadRequest("identifier %q is not a valid 32-hex id", id)
	}
	return id, nil
}

// orderByCreatedAtDesc matches the literal clause the sanitizer rewrites.
var orderByCreatedAtDesc = regexp.MustCompile(`(?i)ORDER\s+BY\s+created_at\s+DESC`)

// RewriteOrderBy exploits the UUIDv7 primary key's embedded timestamp the
// way spec §4.6 describes for the ClickHouse original ("ORDER BY
// created_at DESC" becomes a rewrite keyed on the id column): since a
// RelationalStore has no independently-stored created_at to sort on in the
// first place (spec §3: extracted from the id, never stored), the
// Postgres-backed equivalent sorts on id directly, which is lexically
// time-ordered for UUIDv7.
func RewriteOrderBy(sqlText string) string {
	return orderByCreatedAtDesc.ReplaceAllString(sqlText, "ORDER BY id DESC")
}

// ReadOnlyQueryConfig bounds raw_query execution, standing in for
// ClickHouse's max_memory_usage/max_execution_time/readonly query settings
// (spec §4.6) on top of a Postgres-backed relational store.
type ReadOnlyQueryConfig struct {
	StatementTimeout time.Duration
	WorkMemKB        int
}

// DefaultReadOnlyQueryConfig mirrors spec §4.6's stated limits
// (max_execution_time=60s, max_memory_usage=3GB).
func DefaultReadOnlyQueryConfig() ReadOnlyQueryConfig {
	return ReadOnlyQueryConfig{
		StatementTimeout: 60 * time.Second,
		WorkMemKB:        3 * 1024 * 1024,
	}
}

// QueryClient is the second, read-only client cloned from the relational
// store's admin connection that spec §4.6's raw_query is exposed through:
// bound to a role restricted to SELECT plus the tenant_uid row policy, with
// its own execution limits.
type QueryClient struct {
	db  *sql.DB
	cfg ReadOnlyQueryConfig
}

// NewQueryClient opens dsn, which must name a role with SELECT-only grants
// under the row policies RelationalStore's migration installs.
func NewQueryClient(dsn string, cfg ReadOnlyQueryConfig) (*QueryClient, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("query client: open: %w", err)
	}
	return &QueryClient{db: db, cfg: cfg}, nil
}

func (q *QueryClient) Close() error { return q.db.Close() }

// Row is one result row from RawQuery, column name to scanned value.
type Row map[string]any

// RawQuery executes a user-supplied SELECT, scoped to tenantUID by the row
// policy, enforcing the read-only client's execution limits. Database
// errors never reach the caller verbatim: they are unwrapped into an
// *apierr.APIError carrying a code and error_type (spec §4.6).
func (q *QueryClient) RawQuery(ctx context.Context, tenantUID, sqlText string) ([]Row, error) {
	if err := ensureSelectOnly(sqlText); err != nil {
		return nil, err
	}
	rewritten := RewriteOrderBy(sqlText)

	rows, err := q.execReadOnly(ctx, tenantUID, rewritten)
	if err != nil && isInsufficientPrivilege(err) {
		// A table was added to the schema since this role's grants were
		// last applied. Re-apply grants and retry exactly once.
		if grantErr := q.regrant(ctx); grantErr == nil {
			rows, err = q.execReadOnly(ctx, tenantUID, rewritten)
		}
	}
	if err != nil {
		return nil, translateQueryError(err)
	}
	return rows, nil
}

func ensureSelectOnly(sqlText string) error {
	trimmed := strings.TrimSpace(strings.ToUpper(sqlText))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "WITH") {
		return apierr.BadRequest("raw_query only accepts read-only SELECT statements")
	}
	return nil
}

func (q *QueryClient) execReadOnly(ctx context.Context, tenantUID, sqlText string) ([]Row, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", q.cfg.StatementTimeout.Milliseconds())); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL work_mem = '%dkB'", q.cfg.WorkMemKB)); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.tenant_uid', $1, true)`, tenantUID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (q *QueryClient) regrant(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `GRANT SELECT ON ALL TABLES IN SCHEMA public TO CURRENT_USER`)
	return err
}

func isInsufficientPrivilege(err error) bool {
	return err != nil && strings.Contains(err.Error(), "permission denied")
}

func translateQueryError(err error) error {
	switch {
	case isInsufficientPrivilege(err):
		return apierr.InvalidQuery("insufficient_privilege", "permission_error", err)
	case strings.Contains(err.Error(), "syntax error"):
		return apierr.InvalidQuery("syntax_error", "bad_request", err)
	case strings.Contains(err.Error(), "context deadline exceeded"):
		return apierr.InvalidQuery("timeout", "timeout", err)
	default:
		return apierr.InvalidQuery("query_failed", "internal", err)
	}
}
