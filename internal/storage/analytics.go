package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nexushq/gateway/internal/domain"
)

// DefaultCacheLookupTimeout and DefaultCacheMemoryCapBytes are the
// cached_completion defaults from spec §4.6.
const (
	DefaultCacheLookupTimeout  = 100 * time.Millisecond
	DefaultCacheMemoryCapBytes = 200 * 1024 * 1024
)

// AnalyticsStore is the append-only completions ledger (spec §4.6's
// analytics tier). No ClickHouse driver exists anywhere in the example
// pack this gateway was grounded on, so the append-only, content-hash-keyed
// completions store is modeled as a Mongo collection instead: one document
// per completion, the full domain.AgentCompletion marshaled verbatim into
// Payload so completions_by_id(s) and the round-trip property (spec
// testable property 8) never have to reconstruct a row from partial
// columns, plus a handful of promoted fields for the compound
// (version_id, input_id) cache index and tenant scoping.
type AnalyticsStore struct {
	client      *mongo.Client
	completions *mongo.Collection
}

type completionDocument struct {
	ID            string   `bson:"_id"`
	TenantUID     string   `bson:"tenant_uid"`
	VersionID     string   `bson:"version_id"`
	InputID       string   `bson:"input_id"`
	OutputError   string   `bson:"output_error"`
	ExperimentIDs []string `bson:"experiment_ids,omitempty"`
	Payload       string   `bson:"payload"`
}

// NewAnalyticsStore connects to dsn and ensures the completions collection's
// indexes exist: a compound (version_id, input_id) index for
// cached_completion lookups, and a tenant_uid index for per-tenant scoping.
func NewAnalyticsStore(ctx context.Context, dsn, database string) (*AnalyticsStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, fmt.Errorf("analytics store: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("analytics store: ping: %w", err)
	}

	coll := client.Database(database).Collection("completions")
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "version_id", Value: 1}, {Key: "input_id", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_uid", Value: 1}}},
		{Keys: bson.D{{Key: "experiment_ids", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("analytics store: create indexes: %w", err)
	}

	return &AnalyticsStore{client: client, completions: coll}, nil
}

func (s *AnalyticsStore) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

// StoreCompletion inserts one append-only completion row (spec §4.6's
// store_completion). Re-inserting the same completion ID is rejected with
// ErrAlreadyExists rather than overwriting it.
func (s *AnalyticsStore) StoreCompletion(ctx context.Context, tenantUID string, c domain.AgentCompletion) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("analytics store: marshal completion: %w", err)
	}
	doc := completionDocument{
		ID:          c.ID,
		TenantUID:   tenantUID,
		VersionID:   c.Version.ID,
		InputID:     c.AgentInput.ID,
		OutputError: c.AgentOutput.Error,
		Payload:     string(payload),
	}
	_, err = s.completions.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	return err
}

// CompletionByID fetches one completion by primary key, scoped to
// tenantUID. excludeHeavy drops input_messages/output_messages/traces from
// the result, the same columns spec §4.6 allows completions_by_id(s) to
// exclude.
func (s *AnalyticsStore) CompletionByID(ctx context.Context, tenantUID, id string, excludeHeavy bool) (domain.AgentCompletion, error) {
	list, err := s.CompletionsByIDs(ctx, tenantUID, []string{id}, excludeHeavy)
	if err != nil {
		return domain.AgentCompletion{}, err
	}
	if len(list) == 0 {
		return domain.AgentCompletion{}, ErrNotFound
	}
	return list[0], nil
}

// CompletionsByIDs fetches many completions by primary key, scoped to
// tenantUID, preserving no particular order.
func (s *AnalyticsStore) CompletionsByIDs(ctx context.Context, tenantUID string, ids []string, excludeHeavy bool) ([]domain.AgentCompletion, error) {
	cur, err := s.completions.Find(ctx, bson.M{"tenant_uid": tenantUID, "_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []domain.AgentCompletion
	for cur.Next(ctx) {
		var doc completionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		c, err := decodeCompletion(doc, excludeHeavy)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

// CompletionsByExperiment returns every completion tagged with
// experimentID via AddCompletionToExperiment, for get_experiment's nested
// completions list (spec §4.7).
func (s *AnalyticsStore) CompletionsByExperiment(ctx context.Context, tenantUID, experimentID string) ([]domain.AgentCompletion, error) {
	cur, err := s.completions.Find(ctx, bson.M{"tenant_uid": tenantUID, "experiment_ids": experimentID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []domain.AgentCompletion
	for cur.Next(ctx) {
		var doc completionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		c, err := decodeCompletion(doc, false)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

// CachedCompletion looks up the most recent successful completion for
// (versionID, inputID), scoped to tenantUID (spec §4.4/§4.6). It never
// returns a completion whose AgentOutput.Error is non-empty (testable
// property 5). A lookup that exceeds timeout, or whose payload exceeds
// memoryCapBytes, reports a cache miss rather than an error so the caller
// falls through to a live provider call.
func (s *AnalyticsStore) CachedCompletion(ctx context.Context, tenantUID, versionID, inputID string, timeout time.Duration, memoryCapBytes int64) (*domain.AgentCompletion, bool, error) {
	if timeout <= 0 {
		timeout = DefaultCacheLookupTimeout
	}
	if memoryCapBytes <= 0 {
		memoryCapBytes = DefaultCacheMemoryCapBytes
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// _id is a UUIDv7, so a descending sort on it is equivalent to a
	// descending sort on created_at without a separate column (spec §3).
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})
	var doc completionDocument
	err := s.completions.FindOne(lookupCtx, bson.M{
		"tenant_uid":   tenantUID,
		"version_id":   versionID,
		"input_id":     inputID,
		"output_error": "",
	}, opts).Decode(&doc)

	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		if lookupCtx.Err() != nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	if int64(len(doc.Payload)) > memoryCapBytes {
		return nil, false, nil
	}

	c, err := decodeCompletion(doc, false)
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// AddCompletionToExperiment tags a completion as belonging to experimentID,
// so CompletionsByExperiment can surface it later (spec §4.6's
// add_completion_to_experiment).
func (s *AnalyticsStore) AddCompletionToExperiment(ctx context.Context, tenantUID, experimentID, runID string) error {
	res, err := s.completions.UpdateOne(ctx,
		bson.M{"_id": runID, "tenant_uid": tenantUID},
		bson.M{"$addToSet": bson.M{"experiment_ids": experimentID}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeCompletion(doc completionDocument, excludeHeavy bool) (domain.AgentCompletion, error) {
	var c domain.AgentCompletion
	if err := json.Unmarshal([]byte(doc.Payload), &c); err != nil {
		return domain.AgentCompletion{}, fmt.Errorf("analytics store: decode completion %s: %w", doc.ID, err)
	}
	if excludeHeavy {
		c.AgentInput.Messages = nil
		c.AgentOutput.Messages = nil
		c.Traces = nil
	}
	return c, nil
}

// TenantCompletionCache adapts an AnalyticsStore, scoped to one tenant, to
// the runner.CompletionCache contract the C4 runner depends on.
type TenantCompletionCache struct {
	Store          *AnalyticsStore
	TenantUID      string
	Timeout        time.Duration
	MemoryCapBytes int64
}

// Lookup satisfies runner.CompletionCache.
func (c TenantCompletionCache) Lookup(ctx context.Context, versionID, inputID string) (*domain.AgentCompletion, bool, error) {
	return c.Store.CachedCompletion(ctx, c.TenantUID, versionID, inputID, c.Timeout, c.MemoryCapBytes)
}
