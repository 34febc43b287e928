// Package storage implements the gateway's two-tier completion store
// (spec §4.6): a relational tier (this file) for tenant/api_key/experiment/
// annotation rows, row-level isolated by a tenant_uid session variable set
// per transaction, and an analytics tier (analytics.go) for the append-only
// completions ledger. Grounded on the teacher's internal/storage/cockroach.go
// connection-pooling and sentinel-error idiom, generalized from the
// teacher's agent/channel/user schema to the gateway's domain.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nexushq/gateway/internal/domain"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

// PostgresConfig tunes the relational store's connection pool, grounded on
// the teacher's CockroachConfig.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig mirrors the teacher's DefaultCockroachConfig pool
// sizing.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const relationalSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	uid TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	org_id TEXT NOT NULL DEFAULT '',
	org_slug TEXT NOT NULL DEFAULT '',
	synthetic BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS tenants_org_id_idx ON tenants (org_id) WHERE org_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS tenants_owner_id_idx ON tenants (owner_id) WHERE org_id = '' AND owner_id <> '';

CREATE TABLE IF NOT EXISTS api_keys (
	key_hash TEXT PRIMARY KEY,
	tenant_uid TEXT NOT NULL REFERENCES tenants(uid),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS experiments (
	id TEXT PRIMARY KEY,
	tenant_uid TEXT NOT NULL REFERENCES tenants(uid),
	agent_id TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	run_ids JSONB NOT NULL DEFAULT '[]',
	version_ids JSONB NOT NULL DEFAULT '[]',
	input_ids JSONB NOT NULL DEFAULT '[]',
	result TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE experiments ENABLE ROW LEVEL SECURITY;

CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	tenant_uid TEXT NOT NULL REFERENCES tenants(uid),
	author_name TEXT NOT NULL DEFAULT '',
	completion_id TEXT NOT NULL DEFAULT '',
	experiment_id TEXT NOT NULL DEFAULT '',
	key_path TEXT NOT NULL DEFAULT '',
	context_experiment_id TEXT NOT NULL DEFAULT '',
	context_agent_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	metric JSONB,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);
ALTER TABLE annotations ENABLE ROW LEVEL SECURITY;
CREATE INDEX IF NOT EXISTS annotations_experiment_idx ON annotations (tenant_uid, experiment_id);
`

const rowPolicyTemplate = `
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE tablename = '%[1]s' AND policyname = 'tenant_isolation') THEN
		CREATE POLICY tenant_isolation ON %[1]s USING (tenant_uid = current_setting('app.tenant_uid', true));
	END IF;
END $$;
`

// RelationalStore holds tenant/api_key/experiment/annotation rows.
type RelationalStore struct {
	db *sql.DB
}

// NewRelationalStore opens dsn via lib/pq, applies cfg's pool sizing, pings,
// and migrates the schema (including the tenant_uid row policies) in place.
func NewRelationalStore(dsn string, cfg PostgresConfig) (*RelationalStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("relational store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("relational store: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, relationalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("relational store: migrate: %w", err)
	}
	for _, table := range []string{"experiments", "annotations"} {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(rowPolicyTemplate, table)); err != nil {
			db.Close()
			return nil, fmt.Errorf("relational store: row policy for %s: %w", table, err)
		}
	}

	return &RelationalStore{db: db}, nil
}

func (s *RelationalStore) Close() error { return s.db.Close() }

// withTenant runs fn inside a transaction with app.tenant_uid set as a
// per-transaction session variable, the mechanism the row policies above
// key off (spec §4.6: "row-level-policy isolated by tenant_uid session
// variable set per transaction").
func (s *RelationalStore) withTenant(ctx context.Context, tenantUID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.tenant_uid', $1, true)`, tenantUID); err != nil {
		return fmt.Errorf("relational store: scope transaction to tenant: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Tenant is a relational tenant row (spec §4.9's find_tenant target).
type Tenant struct {
	UID       string
	OwnerID   string
	OrgID     string
	OrgSlug   string
	Synthetic bool
	CreatedAt time.Time
}

// GetOrCreateTenantByOrg looks up a tenant by org_id, creating one with a
// fresh UUIDv7 uid if none exists.
func (s *RelationalStore) GetOrCreateTenantByOrg(ctx context.Context, orgID, orgSlug string) (Tenant, error) {
	return s.getOrCreateTenant(ctx, "org_id", orgID, Tenant{OrgID: orgID, OrgSlug: orgSlug})
}

// GetOrCreateTenantByOwner looks up a tenant by owner_id (no org claim
// present), creating one if none exists.
func (s *RelationalStore) GetOrCreateTenantByOwner(ctx context.Context, ownerID string) (Tenant, error) {
	return s.getOrCreateTenant(ctx, "owner_id", ownerID, Tenant{OwnerID: ownerID})
}

func (s *RelationalStore) getOrCreateTenant(ctx context.Context, column, value string, fresh Tenant) (Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT uid, owner_id, org_id, org_slug, synthetic, created_at FROM tenants WHERE %s = $1`, column),
		value)
	t, err := scanTenant(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, err
	}

	if id, err := uuid.NewV7(); err == nil {
		fresh.UID = id.String()
	} else {
		fresh.UID = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (uid, owner_id, org_id, org_slug) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		fresh.UID, fresh.OwnerID, fresh.OrgID, fresh.OrgSlug)
	if err != nil {
		return Tenant{}, fmt.Errorf("relational store: create tenant: %w", err)
	}
	row = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT uid, owner_id, org_id, org_slug, synthetic, created_at FROM tenants WHERE %s = $1`, column),
		value)
	return scanTenant(row)
}

// SyntheticTenant returns (creating if needed) the single synthetic tenant
// used when NO_TENANT_ALLOWED permits requests with no authorization header.
func (s *RelationalStore) SyntheticTenant(ctx context.Context) (Tenant, error) {
	const uid = "synthetic"
	row := s.db.QueryRowContext(ctx,
		`SELECT uid, owner_id, org_id, org_slug, synthetic, created_at FROM tenants WHERE uid = $1`, uid)
	t, err := scanTenant(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (uid, synthetic) VALUES ($1, TRUE) ON CONFLICT DO NOTHING`, uid); err != nil {
		return Tenant{}, fmt.Errorf("relational store: create synthetic tenant: %w", err)
	}
	return Tenant{UID: uid, Synthetic: true}, nil
}

func scanTenant(row *sql.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.UID, &t.OwnerID, &t.OrgID, &t.OrgSlug, &t.Synthetic, &t.CreatedAt)
	return t, err
}

// CreateAPIKey records a hashed API key under tenantUID.
func (s *RelationalStore) CreateAPIKey(ctx context.Context, keyHash, tenantUID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, tenant_uid) VALUES ($1, $2)`, keyHash, tenantUID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// TenantForAPIKeyHash resolves the tenant owning a hashed API key.
func (s *RelationalStore) TenantForAPIKeyHash(ctx context.Context, keyHash string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.uid, t.owner_id, t.org_id, t.org_slug, t.synthetic, t.created_at
		FROM tenants t JOIN api_keys k ON k.tenant_uid = t.uid
		WHERE k.key_hash = $1`, keyHash)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

// CreateExperiment inserts the experiment's relational bookkeeping row. The
// id must not already exist under tenantUID.
func (s *RelationalStore) CreateExperiment(ctx context.Context, tenantUID string, exp domain.Experiment) error {
	return s.withTenant(ctx, tenantUID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO experiments (id, tenant_uid, agent_id, author_name, title, description, run_ids, version_ids, input_ids, result, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			exp.ID, tenantUID, exp.AgentID, exp.AuthorName, exp.Title, exp.Description,
			jsonText(exp.RunIDs), jsonText(exp.VersionIDs), jsonText(exp.InputIDs), exp.Result, jsonText(exp.Metadata))
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

// GetExperiment fetches the experiment row scoped to tenantUID.
func (s *RelationalStore) GetExperiment(ctx context.Context, tenantUID, id string) (domain.Experiment, error) {
	var exp domain.Experiment
	err := s.withTenant(ctx, tenantUID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, agent_id, author_name, title, description, run_ids, version_ids, input_ids, result, metadata
			FROM experiments WHERE id = $1`, id)
		var runIDs, versionIDs, inputIDs, metadata []byte
		if err := row.Scan(&exp.ID, &exp.AgentID, &exp.AuthorName, &exp.Title, &exp.Description,
			&runIDs, &versionIDs, &inputIDs, &exp.Result, &metadata); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		_ = json.Unmarshal(runIDs, &exp.RunIDs)
		_ = json.Unmarshal(versionIDs, &exp.VersionIDs)
		_ = json.Unmarshal(inputIDs, &exp.InputIDs)
		_ = json.Unmarshal(metadata, &exp.Metadata)
		return nil
	})
	return exp, err
}

// UpdateExperiment replaces exp's mutable columns (run/version/input id
// lists, result) under tenantUID.
func (s *RelationalStore) UpdateExperiment(ctx context.Context, tenantUID string, exp domain.Experiment) error {
	return s.withTenant(ctx, tenantUID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE experiments SET run_ids = $1, version_ids = $2, input_ids = $3, result = $4
			WHERE id = $5`,
			jsonText(exp.RunIDs), jsonText(exp.VersionIDs), jsonText(exp.InputIDs), exp.Result, exp.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// StoreAnnotation inserts an annotation row under tenantUID.
func (s *RelationalStore) StoreAnnotation(ctx context.Context, tenantUID string, a domain.Annotation) error {
	return s.withTenant(ctx, tenantUID, func(tx *sql.Tx) error {
		var metric []byte
		if a.Metric != nil {
			metric = []byte(jsonText(a.Metric))
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO annotations (id, tenant_uid, author_name, completion_id, experiment_id, key_path,
				context_experiment_id, context_agent_id, text, metric, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			a.ID, tenantUID, a.AuthorName, a.Target.CompletionID, a.Target.ExperimentID, a.Target.KeyPath,
			a.Context.ExperimentID, a.Context.AgentID, a.Text, nullableJSON(metric), jsonText(a.Metadata), a.CreatedAt, a.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

// AnnotationsByExperiment returns every non-deleted annotation attached to
// experimentID or to any of runIDs (spec §4.7's get_experiment: "annotations
// whose target is any run_id of the experiment are included").
func (s *RelationalStore) AnnotationsByExperiment(ctx context.Context, tenantUID, experimentID string, runIDs []string) ([]domain.Annotation, error) {
	var out []domain.Annotation
	err := s.withTenant(ctx, tenantUID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, author_name, completion_id, experiment_id, key_path, context_experiment_id,
				context_agent_id, text, metric, metadata, created_at, updated_at, deleted_at
			FROM annotations
			WHERE deleted_at IS NULL AND (experiment_id = $1 OR completion_id = ANY($2))`,
			experimentID, pq.Array(runIDs))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a domain.Annotation
			var metric, metadata []byte
			if err := rows.Scan(&a.ID, &a.AuthorName, &a.Target.CompletionID, &a.Target.ExperimentID, &a.Target.KeyPath,
				&a.Context.ExperimentID, &a.Context.AgentID, &a.Text, &metric, &metadata, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt); err != nil {
				return err
			}
			if len(metric) > 0 {
				var m domain.MetricValue
				if json.Unmarshal(metric, &m) == nil {
					a.Metric = &m
				}
			}
			_ = json.Unmarshal(metadata, &a.Metadata)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func jsonText(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}
