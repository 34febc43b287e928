package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexushq/gateway/internal/domain"
)

// sqliteSchema is the dev-mode equivalent of relationalSchema: same table
// shapes, SQLite dialect (TEXT instead of JSONB, no row-level security —
// SQLite has none, so tenant scoping is enforced in application code via an
// explicit WHERE tenant_uid = ? on every statement instead of a session
// variable).
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	uid TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	org_id TEXT NOT NULL DEFAULT '',
	org_slug TEXT NOT NULL DEFAULT '',
	synthetic INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE TABLE IF NOT EXISTS api_keys (
	key_hash TEXT PRIMARY KEY,
	tenant_uid TEXT NOT NULL REFERENCES tenants(uid)
);
CREATE TABLE IF NOT EXISTS experiments (
	id TEXT PRIMARY KEY,
	tenant_uid TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	run_ids TEXT NOT NULL DEFAULT '[]',
	version_ids TEXT NOT NULL DEFAULT '[]',
	input_ids TEXT NOT NULL DEFAULT '[]',
	result TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	tenant_uid TEXT NOT NULL,
	author_name TEXT NOT NULL DEFAULT '',
	completion_id TEXT NOT NULL DEFAULT '',
	experiment_id TEXT NOT NULL DEFAULT '',
	key_path TEXT NOT NULL DEFAULT '',
	context_experiment_id TEXT NOT NULL DEFAULT '',
	context_agent_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	metric TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	deleted_at TEXT
);
CREATE TABLE IF NOT EXISTS completions (
	id TEXT PRIMARY KEY,
	tenant_uid TEXT NOT NULL,
	version_id TEXT NOT NULL DEFAULT '',
	input_id TEXT NOT NULL DEFAULT '',
	output_error TEXT NOT NULL DEFAULT '',
	experiment_ids TEXT NOT NULL DEFAULT '[]',
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS completions_cache_idx ON completions (version_id, input_id);
`

// SQLiteStore is the local/dev single-process stand-in for the two-tier
// Postgres+Mongo store, used when no relational/analytics DSN is
// configured (spec §4.6's NO_TENANT_ALLOWED/dev path). It speaks
// modernc.org/sqlite, a pure-Go driver, so the gateway needs no cgo
// toolchain to run locally — replacing the teacher's cgo mattn/go-sqlite3
// dependency in the same role.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite database file at path
// and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer connection avoids SQLITE_BUSY under concurrent writes
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetOrCreateTenantByOwner(ctx context.Context, ownerID string) (Tenant, error) {
	return s.getOrCreateTenant(ctx, "owner_id", ownerID, Tenant{OwnerID: ownerID})
}

func (s *SQLiteStore) GetOrCreateTenantByOrg(ctx context.Context, orgID, orgSlug string) (Tenant, error) {
	return s.getOrCreateTenant(ctx, "org_id", orgID, Tenant{OrgID: orgID, OrgSlug: orgSlug})
}

func (s *SQLiteStore) getOrCreateTenant(ctx context.Context, column, value string, fresh Tenant) (Tenant, error) {
	t, err := s.scanTenant(ctx, column, value)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Tenant{}, err
	}
	fresh.UID = domain.NewAnnotationID() // any UUIDv7 minter in the domain package works; annotation's is as good as any
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO tenants (uid, owner_id, org_id, org_slug) VALUES (?, ?, ?, ?)`,
		fresh.UID, fresh.OwnerID, fresh.OrgID, fresh.OrgSlug)
	if err != nil {
		return Tenant{}, err
	}
	return s.scanTenant(ctx, column, value)
}

func (s *SQLiteStore) SyntheticTenant(ctx context.Context) (Tenant, error) {
	const uid = "synthetic"
	t, err := s.scanTenant(ctx, "uid", uid)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Tenant{}, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO tenants (uid, synthetic) VALUES (?, 1)`, uid); err != nil {
		return Tenant{}, err
	}
	return Tenant{UID: uid, Synthetic: true}, nil
}

func (s *SQLiteStore) scanTenant(ctx context.Context, column, value string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT uid, owner_id, org_id, org_slug, synthetic FROM tenants WHERE %s = ?`, column), value)
	var t Tenant
	var synthetic int
	if err := row.Scan(&t.UID, &t.OwnerID, &t.OrgID, &t.OrgSlug, &synthetic); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	t.Synthetic = synthetic != 0
	return t, nil
}

func (s *SQLiteStore) TenantForAPIKeyHash(ctx context.Context, keyHash string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.uid, t.owner_id, t.org_id, t.org_slug, t.synthetic
		FROM tenants t JOIN api_keys k ON k.tenant_uid = t.uid
		WHERE k.key_hash = ?`, keyHash)
	var t Tenant
	var synthetic int
	if err := row.Scan(&t.UID, &t.OwnerID, &t.OrgID, &t.OrgSlug, &synthetic); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	t.Synthetic = synthetic != 0
	return t, nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, keyHash, tenantUID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys (key_hash, tenant_uid) VALUES (?, ?)`, keyHash, tenantUID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, tenantUID string, exp domain.Experiment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, tenant_uid, agent_id, author_name, title, description, run_ids, version_ids, input_ids, result, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, tenantUID, exp.AgentID, exp.AuthorName, exp.Title, exp.Description,
		jsonText(exp.RunIDs), jsonText(exp.VersionIDs), jsonText(exp.InputIDs), exp.Result, jsonText(exp.Metadata))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, tenantUID, id string) (domain.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, author_name, title, description, run_ids, version_ids, input_ids, result, metadata
		FROM experiments WHERE id = ? AND tenant_uid = ?`, id, tenantUID)
	var exp domain.Experiment
	var runIDs, versionIDs, inputIDs, metadata string
	if err := row.Scan(&exp.ID, &exp.AgentID, &exp.AuthorName, &exp.Title, &exp.Description,
		&runIDs, &versionIDs, &inputIDs, &exp.Result, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Experiment{}, ErrNotFound
		}
		return domain.Experiment{}, err
	}
	_ = json.Unmarshal([]byte(runIDs), &exp.RunIDs)
	_ = json.Unmarshal([]byte(versionIDs), &exp.VersionIDs)
	_ = json.Unmarshal([]byte(inputIDs), &exp.InputIDs)
	_ = json.Unmarshal([]byte(metadata), &exp.Metadata)
	return exp, nil
}

func (s *SQLiteStore) UpdateExperiment(ctx context.Context, tenantUID string, exp domain.Experiment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET run_ids = ?, version_ids = ?, input_ids = ?, result = ?
		WHERE id = ? AND tenant_uid = ?`,
		jsonText(exp.RunIDs), jsonText(exp.VersionIDs), jsonText(exp.InputIDs), exp.Result, exp.ID, tenantUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StoreCompletion, CompletionByID, CompletionsByIDs and CachedCompletion give SQLiteStore the
// same completion-ledger operations AnalyticsStore gives the Mongo tier, so
// dev mode needs only one store instead of two.
func (s *SQLiteStore) StoreCompletion(ctx context.Context, tenantUID string, c domain.AgentCompletion) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO completions (id, tenant_uid, version_id, input_id, output_error, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, tenantUID, c.Version.ID, c.AgentInput.ID, c.AgentOutput.Error, string(payload))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLiteStore) CompletionByID(ctx context.Context, tenantUID, id string, excludeHeavy bool) (domain.AgentCompletion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM completions WHERE id = ? AND tenant_uid = ?`, id, tenantUID)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentCompletion{}, ErrNotFound
		}
		return domain.AgentCompletion{}, err
	}
	var c domain.AgentCompletion
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return domain.AgentCompletion{}, err
	}
	if excludeHeavy {
		c.AgentInput.Messages = nil
		c.AgentOutput.Messages = nil
		c.Traces = nil
	}
	return c, nil
}

func (s *SQLiteStore) CompletionsByIDs(ctx context.Context, tenantUID string, ids []string, excludeHeavy bool) ([]domain.AgentCompletion, error) {
	out := make([]domain.AgentCompletion, 0, len(ids))
	for _, id := range ids {
		c, err := s.CompletionByID(ctx, tenantUID, id, excludeHeavy)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SQLiteStore) CachedCompletion(ctx context.Context, tenantUID, versionID, inputID string, timeout time.Duration, memoryCapBytes int64) (*domain.AgentCompletion, bool, error) {
	if timeout <= 0 {
		timeout = DefaultCacheLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM completions
		WHERE tenant_uid = ? AND version_id = ? AND input_id = ? AND output_error = ''
		ORDER BY id DESC LIMIT 1`, tenantUID, versionID, inputID)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) || ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	if memoryCapBytes > 0 && int64(len(payload)) > memoryCapBytes {
		return nil, false, nil
	}
	var c domain.AgentCompletion
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *SQLiteStore) AddCompletionToExperiment(ctx context.Context, tenantUID, experimentID, runID string) error {
	row := s.db.QueryRowContext(ctx, `SELECT experiment_ids FROM completions WHERE id = ? AND tenant_uid = ?`, runID, tenantUID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	var ids []string
	_ = json.Unmarshal([]byte(raw), &ids)
	for _, id := range ids {
		if id == experimentID {
			return nil
		}
	}
	ids = append(ids, experimentID)
	_, err := s.db.ExecContext(ctx, `UPDATE completions SET experiment_ids = ? WHERE id = ? AND tenant_uid = ?`,
		jsonText(ids), runID, tenantUID)
	return err
}

func (s *SQLiteStore) CompletionsByExperiment(ctx context.Context, tenantUID, experimentID string) ([]domain.AgentCompletion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload, experiment_ids FROM completions WHERE tenant_uid = ?`, tenantUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AgentCompletion
	for rows.Next() {
		var payload, rawIDs string
		if err := rows.Scan(&payload, &rawIDs); err != nil {
			return nil, err
		}
		var ids []string
		_ = json.Unmarshal([]byte(rawIDs), &ids)
		matched := false
		for _, id := range ids {
			if id == experimentID {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		var c domain.AgentCompletion
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StoreAnnotation(ctx context.Context, tenantUID string, a domain.Annotation) error {
	var metric any
	if a.Metric != nil {
		metric = jsonText(a.Metric)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, tenant_uid, author_name, completion_id, experiment_id, key_path,
			context_experiment_id, context_agent_id, text, metric, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, tenantUID, a.AuthorName, a.Target.CompletionID, a.Target.ExperimentID, a.Target.KeyPath,
		a.Context.ExperimentID, a.Context.AgentID, a.Text, metric, jsonText(a.Metadata), a.CreatedAt, a.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLiteStore) AnnotationsByExperiment(ctx context.Context, tenantUID, experimentID string, runIDs []string) ([]domain.Annotation, error) {
	runSet := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		runSet[id] = true
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_name, completion_id, experiment_id, key_path, context_experiment_id,
			context_agent_id, text, metric, metadata, created_at, updated_at, deleted_at
		FROM annotations WHERE tenant_uid = ? AND deleted_at IS NULL`, tenantUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		var metric sql.NullString
		var metadata string
		var deletedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.AuthorName, &a.Target.CompletionID, &a.Target.ExperimentID, &a.Target.KeyPath,
			&a.Context.ExperimentID, &a.Context.AgentID, &a.Text, &metric, &metadata, &a.CreatedAt, &a.UpdatedAt, &deletedAt); err != nil {
			return nil, err
		}
		if a.Target.ExperimentID != experimentID && !runSet[a.Target.CompletionID] {
			continue
		}
		if metric.Valid {
			var m domain.MetricValue
			if json.Unmarshal([]byte(metric.String), &m) == nil {
				a.Metric = &m
			}
		}
		_ = json.Unmarshal([]byte(metadata), &a.Metadata)
		if deletedAt.Valid {
			a.DeletedAt = &deletedAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
