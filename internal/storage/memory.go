package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexushq/gateway/internal/domain"
)

// RelationalRepo is the tenant/api_key/experiment/annotation surface spec
// §4.6 assigns to the relational tier. RelationalStore (Postgres) and
// SQLiteStore both satisfy it; so does MemoryStore below, an in-process
// double that needs no Postgres/SQLite instance.
type RelationalRepo interface {
	GetOrCreateTenantByOrg(ctx context.Context, orgID, orgSlug string) (Tenant, error)
	GetOrCreateTenantByOwner(ctx context.Context, ownerID string) (Tenant, error)
	SyntheticTenant(ctx context.Context) (Tenant, error)
	TenantForAPIKeyHash(ctx context.Context, keyHash string) (Tenant, error)
	CreateAPIKey(ctx context.Context, keyHash, tenantUID string) error

	CreateExperiment(ctx context.Context, tenantUID string, exp domain.Experiment) error
	GetExperiment(ctx context.Context, tenantUID, id string) (domain.Experiment, error)
	UpdateExperiment(ctx context.Context, tenantUID string, exp domain.Experiment) error

	StoreAnnotation(ctx context.Context, tenantUID string, a domain.Annotation) error
	AnnotationsByExperiment(ctx context.Context, tenantUID, experimentID string, runIDs []string) ([]domain.Annotation, error)
}

// CompletionLedger is the append-only completions surface spec §4.6 assigns
// to the analytics tier. AnalyticsStore (Mongo) and SQLiteStore both satisfy
// it, as does MemoryStore.
type CompletionLedger interface {
	StoreCompletion(ctx context.Context, tenantUID string, c domain.AgentCompletion) error
	CompletionByID(ctx context.Context, tenantUID, id string, excludeHeavy bool) (domain.AgentCompletion, error)
	CompletionsByIDs(ctx context.Context, tenantUID string, ids []string, excludeHeavy bool) ([]domain.AgentCompletion, error)
	CompletionsByExperiment(ctx context.Context, tenantUID, experimentID string) ([]domain.AgentCompletion, error)
	CachedCompletion(ctx context.Context, tenantUID, versionID, inputID string, timeout time.Duration, memoryCapBytes int64) (*domain.AgentCompletion, bool, error)
	AddCompletionToExperiment(ctx context.Context, tenantUID, experimentID, runID string) error
}

// Store is the full two-tier surface, implemented in production by pairing
// a RelationalStore with an AnalyticsStore (or, in dev mode, by a single
// SQLiteStore satisfying both), and in tests by MemoryStore.
type Store interface {
	RelationalRepo
	CompletionLedger
}

// MemoryStore is an in-process, mutex-guarded Store double for code that
// needs a Store without a real database, grounded on the teacher's internal/storage's
// in-memory test double of the same role.
type MemoryStore struct {
	mu sync.Mutex

	tenantsByUID    map[string]Tenant
	tenantsByOrg    map[string]string
	tenantsByOwner  map[string]string
	apiKeyToTenant  map[string]string
	syntheticTenant *Tenant

	experiments map[tenantKey]domain.Experiment
	annotations map[tenantKey]domain.Annotation
	completions map[tenantKey]domain.AgentCompletion
	// completionExperiments mirrors AnalyticsStore's experiment_ids column /
	// SQLiteStore's experiment_ids JSON column: AgentCompletion itself
	// carries no experiment tagging, so the association is tracked
	// alongside it here instead.
	completionExperiments map[tenantKey][]string
}

type tenantKey struct {
	tenantUID string
	id        string
}

// NewMemoryStore returns an empty MemoryStore ready to use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenantsByUID:   make(map[string]Tenant),
		tenantsByOrg:   make(map[string]string),
		tenantsByOwner: make(map[string]string),
		apiKeyToTenant: make(map[string]string),
		experiments:           make(map[tenantKey]domain.Experiment),
		annotations:           make(map[tenantKey]domain.Annotation),
		completions:           make(map[tenantKey]domain.AgentCompletion),
		completionExperiments: make(map[tenantKey][]string),
	}
}

func newMemoryTenantUID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

func (m *MemoryStore) GetOrCreateTenantByOrg(ctx context.Context, orgID, orgSlug string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uid, ok := m.tenantsByOrg[orgID]; ok {
		return m.tenantsByUID[uid], nil
	}
	t := Tenant{UID: newMemoryTenantUID(), OrgID: orgID, OrgSlug: orgSlug, CreatedAt: time.Time{}}
	m.tenantsByUID[t.UID] = t
	m.tenantsByOrg[orgID] = t.UID
	return t, nil
}

func (m *MemoryStore) GetOrCreateTenantByOwner(ctx context.Context, ownerID string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uid, ok := m.tenantsByOwner[ownerID]; ok {
		return m.tenantsByUID[uid], nil
	}
	t := Tenant{UID: newMemoryTenantUID(), OwnerID: ownerID}
	m.tenantsByUID[t.UID] = t
	m.tenantsByOwner[ownerID] = t.UID
	return t, nil
}

func (m *MemoryStore) SyntheticTenant(ctx context.Context) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syntheticTenant != nil {
		return *m.syntheticTenant, nil
	}
	t := Tenant{UID: "synthetic", Synthetic: true}
	m.syntheticTenant = &t
	m.tenantsByUID[t.UID] = t
	return t, nil
}

func (m *MemoryStore) TenantForAPIKeyHash(ctx context.Context, keyHash string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid, ok := m.apiKeyToTenant[keyHash]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return m.tenantsByUID[uid], nil
}

func (m *MemoryStore) CreateAPIKey(ctx context.Context, keyHash, tenantUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.apiKeyToTenant[keyHash]; exists {
		return ErrAlreadyExists
	}
	m.apiKeyToTenant[keyHash] = tenantUID
	return nil
}

func (m *MemoryStore) CreateExperiment(ctx context.Context, tenantUID string, exp domain.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{tenantUID, exp.ID}
	if _, exists := m.experiments[key]; exists {
		return ErrAlreadyExists
	}
	m.experiments[key] = cloneExperiment(exp)
	return nil
}

func (m *MemoryStore) GetExperiment(ctx context.Context, tenantUID, id string) (domain.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[tenantKey{tenantUID, id}]
	if !ok {
		return domain.Experiment{}, ErrNotFound
	}
	return cloneExperiment(exp), nil
}

func (m *MemoryStore) UpdateExperiment(ctx context.Context, tenantUID string, exp domain.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{tenantUID, exp.ID}
	if _, ok := m.experiments[key]; !ok {
		return ErrNotFound
	}
	m.experiments[key] = cloneExperiment(exp)
	return nil
}

func (m *MemoryStore) StoreAnnotation(ctx context.Context, tenantUID string, a domain.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{tenantUID, a.ID}
	if _, exists := m.annotations[key]; exists {
		return ErrAlreadyExists
	}
	m.annotations[key] = a
	return nil
}

func (m *MemoryStore) AnnotationsByExperiment(ctx context.Context, tenantUID, experimentID string, runIDs []string) ([]domain.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runSet := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		runSet[id] = true
	}
	var out []domain.Annotation
	for key, a := range m.annotations {
		if key.tenantUID != tenantUID || a.IsDeleted() {
			continue
		}
		if a.Target.ExperimentID != experimentID && !runSet[a.Target.CompletionID] {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) StoreCompletion(ctx context.Context, tenantUID string, c domain.AgentCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{tenantUID, c.ID}
	if _, exists := m.completions[key]; exists {
		return ErrAlreadyExists
	}
	m.completions[key] = c
	return nil
}

func (m *MemoryStore) CompletionByID(ctx context.Context, tenantUID, id string, excludeHeavy bool) (domain.AgentCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.completions[tenantKey{tenantUID, id}]
	if !ok {
		return domain.AgentCompletion{}, ErrNotFound
	}
	return stripHeavy(c, excludeHeavy), nil
}

func (m *MemoryStore) CompletionsByIDs(ctx context.Context, tenantUID string, ids []string, excludeHeavy bool) ([]domain.AgentCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AgentCompletion, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.completions[tenantKey{tenantUID, id}]; ok {
			out = append(out, stripHeavy(c, excludeHeavy))
		}
	}
	return out, nil
}

func (m *MemoryStore) CompletionsByExperiment(ctx context.Context, tenantUID, experimentID string) ([]domain.AgentCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AgentCompletion
	for key, c := range m.completions {
		if key.tenantUID != tenantUID {
			continue
		}
		for _, id := range m.completionExperiments[key] {
			if id == experimentID {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CachedCompletion(ctx context.Context, tenantUID, versionID, inputID string, timeout time.Duration, memoryCapBytes int64) (*domain.AgentCompletion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.AgentCompletion
	for key, c := range m.completions {
		if key.tenantUID != tenantUID || c.Version.ID != versionID || c.AgentInput.ID != inputID || c.AgentOutput.Error != "" {
			continue
		}
		c := c
		if best == nil || c.ID > best.ID {
			best = &c
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

func (m *MemoryStore) AddCompletionToExperiment(ctx context.Context, tenantUID, experimentID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{tenantUID, runID}
	if _, ok := m.completions[key]; !ok {
		return ErrNotFound
	}
	for _, id := range m.completionExperiments[key] {
		if id == experimentID {
			return nil
		}
	}
	m.completionExperiments[key] = append(m.completionExperiments[key], experimentID)
	return nil
}

func stripHeavy(c domain.AgentCompletion, excludeHeavy bool) domain.AgentCompletion {
	if !excludeHeavy {
		return c
	}
	c.AgentInput.Messages = nil
	c.AgentOutput.Messages = nil
	c.Traces = nil
	return c
}

func cloneExperiment(exp domain.Experiment) domain.Experiment {
	clone := exp
	clone.RunIDs = append([]string(nil), exp.RunIDs...)
	clone.VersionIDs = append([]string(nil), exp.VersionIDs...)
	clone.InputIDs = append([]string(nil), exp.InputIDs...)
	return clone
}
