// Package experiments implements the C7 experiment orchestrator (spec
// §4.7): creating experiments, attaching inputs/versions, fanning out their
// Cartesian product as completions via the event router, and assembling the
// result. Grounded on the teacher's internal/experiments A/B-test manager in
// structure (a Manager holding collaborators, request/response structs per
// operation) though not in domain -- the teacher's bucket-assignment
// semantics have no equivalent here; this orchestrates a cross-product
// completion fan-out instead.
package experiments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/nexushq/gateway/internal/apierr"
	"github.com/nexushq/gateway/internal/domain"
	"github.com/nexushq/gateway/internal/events"
	"github.com/nexushq/gateway/internal/runner"
	"github.com/nexushq/gateway/internal/storage"
)

// DefaultPollInterval is wait_for_experiment's poll cadence (spec §4.7).
const DefaultPollInterval = 5 * time.Second

// Manager implements the C7 operations. The relational schema spec §4.6
// names carries only the experiment row itself (run_ids/version_ids/
// input_ids as id lists) -- no standalone input/version content table -- so
// the actual AgentInput/Version content those ids name is held here, keyed
// by content-hash id, for this process's lifetime until a completion
// fan-out consumes it.
type Manager struct {
	relational storage.RelationalRepo
	ledger     storage.CompletionLedger
	router     *events.Router
	run        *runner.Runner
	blobs      events.BlobStore
	log        *slog.Logger

	mu       sync.Mutex
	inputs   map[string]domain.AgentInput
	versions map[string]domain.Version
}

// NewManager builds a Manager and registers its CompletionRequest handler
// with router, so start_experiment_completions's fan-out has a consumer.
func NewManager(relational storage.RelationalRepo, ledger storage.CompletionLedger, router *events.Router, run *runner.Runner, blobs events.BlobStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		relational: relational,
		ledger:     ledger,
		router:     router,
		run:        run,
		blobs:      blobs,
		log:        log,
		inputs:     make(map[string]domain.AgentInput),
		versions:   make(map[string]domain.Version),
	}
	router.Register(events.TypeCompletionRequest, m.handleCompletionRequest)
	return m
}

// CreateExperimentRequest is create_experiment's input.
type CreateExperimentRequest struct {
	ID          string // optional; a UUIDv7 is generated if empty
	AgentID     string
	AuthorName  string
	Title       string
	Description string
}

// CreateExperiment creates an experiment row with a user-supplied id (must
// be unique) or a generated UUIDv7 (spec §4.7).
func (m *Manager) CreateExperiment(ctx context.Context, tenantUID string, req CreateExperimentRequest) (domain.Experiment, error) {
	exp := domain.Experiment{
		ID:          req.ID,
		AgentID:     req.AgentID,
		AuthorName:  req.AuthorName,
		Title:       req.Title,
		Description: req.Description,
	}
	if exp.ID == "" {
		exp.ID = domain.NewExperimentID()
	}
	if err := m.relational.CreateExperiment(ctx, tenantUID, exp); err != nil {
		return domain.Experiment{}, err
	}
	return exp, nil
}

// AddInputsToExperiment deduplicates inputs by content hash, assigns
// previews, and returns the full ordered input id list (existing plus new)
// alongside which ids were newly inserted -- only the new ones are meant to
// trigger downstream completions (spec §4.7).
func (m *Manager) AddInputsToExperiment(ctx context.Context, tenantUID, expID string, inputs []domain.AgentInput) (all, added []string, err error) {
	exp, err := m.relational.GetExperiment(ctx, tenantUID, expID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	for i := range inputs {
		in := inputs[i]
		in.ComputeID()
		if in.Preview == "" {
			in.ComputePreview(280)
		}
		m.inputs[in.ID] = in
		if exp.AddInputID(in.ID) {
			added = append(added, in.ID)
		}
	}
	m.mu.Unlock()

	if len(added) > 0 {
		if err := m.relational.UpdateExperiment(ctx, tenantUID, exp); err != nil {
			return nil, nil, err
		}
	}
	return append([]string(nil), exp.InputIDs...), added, nil
}

// AddVersionsRequest is add_versions_to_experiment's input: a base Version
// plus zero or more override maps, each materializing one additional
// version by deep-merging onto the base (spec §4.7).
type AddVersionsRequest struct {
	Version   domain.Version
	Overrides []map[string]any
}

// AddVersionsToExperiment materializes one version per override, or just
// Version itself with no overrides; all materialized versions share every
// field except what's overridden. Returns BadRequest if an override key
// doesn't exist on the version schema, or if the resulting version has no
// explicit prompt (spec §4.7).
func (m *Manager) AddVersionsToExperiment(ctx context.Context, tenantUID, expID string, req AddVersionsRequest) (all, added []string, err error) {
	exp, err := m.relational.GetExperiment(ctx, tenantUID, expID)
	if err != nil {
		return nil, nil, err
	}

	materialized, err := materializeVersions(req.Version, req.Overrides)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	for i := range materialized {
		v := materialized[i]
		v.ComputeID()
		m.versions[v.ID] = v
		if exp.AddVersionID(v.ID) {
			added = append(added, v.ID)
		}
	}
	m.mu.Unlock()

	if len(added) > 0 {
		if err := m.relational.UpdateExperiment(ctx, tenantUID, exp); err != nil {
			return nil, nil, err
		}
	}
	return append([]string(nil), exp.VersionIDs...), added, nil
}

func materializeVersions(base domain.Version, overrides []map[string]any) ([]domain.Version, error) {
	if len(base.Prompt) == 0 {
		return nil, apierr.BadRequest("version must set an explicit prompt")
	}
	if len(overrides) == 0 {
		return []domain.Version{base}, nil
	}

	baseMap, err := versionToMap(base)
	if err != nil {
		return nil, apierr.BadRequest("invalid base version: %v", err)
	}

	out := make([]domain.Version, 0, len(overrides))
	for _, override := range overrides {
		for key := range override {
			if _, ok := baseMap[key]; !ok {
				return nil, apierr.BadRequest("override key %q does not exist on the version schema", key)
			}
		}

		merged := cloneMap(baseMap)
		if err := mergo.Merge(&merged, map[string]any(override), mergo.WithOverride()); err != nil {
			return nil, fmt.Errorf("experiments: merge version override: %w", err)
		}

		var v domain.Version
		if err := mapToVersion(merged, &v); err != nil {
			return nil, apierr.BadRequest("invalid merged version: %v", err)
		}
		if len(v.Prompt) == 0 {
			return nil, apierr.BadRequest("version must set an explicit prompt")
		}
		out = append(out, v)
	}
	return out, nil
}

func versionToMap(v domain.Version) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mapToVersion(m map[string]any, v *domain.Version) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CompletionRequestPayload is internal/events.TypeCompletionRequest's
// payload: one version x input tuple to run and attach to an experiment.
type CompletionRequestPayload struct {
	ExperimentID string            `json:"experiment_id"`
	AgentID      string            `json:"agent_id"`
	Version      domain.Version    `json:"version"`
	Input        domain.AgentInput `json:"input"`
}

// StartExperimentCompletions enqueues the Cartesian product of versionIDs x
// inputIDs as CompletionRequest events, one per tuple, and returns how many
// were enqueued (spec §4.7, testable property 10). version/input ids absent
// from this Manager's content cache (never added via AddVersionsToExperiment
// / AddInputsToExperiment in this process) are silently skipped.
func (m *Manager) StartExperimentCompletions(ctx context.Context, tenantUID string, exp domain.Experiment, versionIDs, inputIDs []string) int {
	m.mu.Lock()
	pairs := make([]CompletionRequestPayload, 0, len(versionIDs)*len(inputIDs))
	for _, vid := range versionIDs {
		v, ok := m.versions[vid]
		if !ok {
			continue
		}
		for _, iid := range inputIDs {
			in, ok := m.inputs[iid]
			if !ok {
				continue
			}
			pairs = append(pairs, CompletionRequestPayload{ExperimentID: exp.ID, AgentID: exp.AgentID, Version: v, Input: in})
		}
	}
	m.mu.Unlock()

	tenantRouter := m.router.ForTenant(tenantUID)
	for _, p := range pairs {
		if err := tenantRouter.Route(ctx, events.TypeCompletionRequest, p, 0); err != nil {
			m.log.WarnContext(ctx, "experiments: route completion request failed", "experiment_id", exp.ID, "error", err)
		}
	}
	return len(pairs)
}

func (m *Manager) handleCompletionRequest(ctx context.Context, evt events.Event) error {
	var payload CompletionRequestPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("experiments: decode completion request: %w", err)
	}

	builder, err := m.run.PrepareCompletion(ctx, runner.PrepareRequest{
		AgentID: payload.AgentID,
		Version: payload.Version,
		Input:   payload.Input,
		Source:  domain.SourceAPI,
	})
	if err != nil {
		return fmt.Errorf("experiments: prepare completion: %w", err)
	}

	completion, err := m.run.Run(ctx, builder)
	if err != nil {
		return fmt.Errorf("experiments: run completion: %w", err)
	}

	if err := events.PersistCompletion(ctx, m.ledger, m.blobs, evt.TenantUID, *completion, m.log); err != nil {
		return fmt.Errorf("experiments: persist completion: %w", err)
	}
	if err := m.ledger.AddCompletionToExperiment(ctx, evt.TenantUID, payload.ExperimentID, completion.ID); err != nil {
		return fmt.Errorf("experiments: tag completion to experiment: %w", err)
	}

	exp, err := m.relational.GetExperiment(ctx, evt.TenantUID, payload.ExperimentID)
	if err != nil {
		return fmt.Errorf("experiments: reload experiment for run id bookkeeping: %w", err)
	}
	exp.AddRunID(completion.ID)
	if err := m.relational.UpdateExperiment(ctx, evt.TenantUID, exp); err != nil {
		return fmt.Errorf("experiments: record run id: %w", err)
	}
	return nil
}

// WaitForExperimentRequest narrows wait_for_experiment's target cross-
// product; empty VersionIDs/InputIDs default to the full experiment.
type WaitForExperimentRequest struct {
	VersionIDs []string
	InputIDs   []string
	MaxWait    time.Duration
}

// WaitForExperiment polls every 5s until every completion in the selected
// cross-product has been stored, or MaxWait elapses; returns the partial
// experiment state rather than erroring on timeout (spec §4.7, §5).
func (m *Manager) WaitForExperiment(ctx context.Context, tenantUID, expID string, req WaitForExperimentRequest) (ExperimentView, error) {
	if req.MaxWait <= 0 {
		req.MaxWait = DefaultPollInterval
	}
	deadline := time.Now().Add(req.MaxWait)

	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		view, err := m.snapshot(ctx, tenantUID, expID, req.VersionIDs, req.InputIDs)
		if err != nil {
			return ExperimentView{}, err
		}
		if view.complete || time.Now().After(deadline) {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, nil
		case <-ticker.C:
		}
	}
}

// ExperimentView is get_experiment's assembled result: the experiment plus
// its nested completions and annotations (spec §4.7).
type ExperimentView struct {
	Experiment  domain.Experiment
	Completions []domain.AgentCompletion
	Annotations []domain.Annotation

	complete bool
}

// GetExperiment returns the experiment with nested completions and
// annotations attached. Annotations whose target is any run_id of the
// experiment are included (spec §4.7).
func (m *Manager) GetExperiment(ctx context.Context, tenantUID, expID string) (ExperimentView, error) {
	return m.snapshot(ctx, tenantUID, expID, nil, nil)
}

func (m *Manager) snapshot(ctx context.Context, tenantUID, expID string, versionIDs, inputIDs []string) (ExperimentView, error) {
	exp, err := m.relational.GetExperiment(ctx, tenantUID, expID)
	if err != nil {
		return ExperimentView{}, err
	}
	completions, err := m.ledger.CompletionsByExperiment(ctx, tenantUID, expID)
	if err != nil {
		return ExperimentView{}, err
	}
	annotations, err := m.relational.AnnotationsByExperiment(ctx, tenantUID, expID, exp.RunIDs)
	if err != nil {
		return ExperimentView{}, err
	}
	return ExperimentView{
		Experiment:  exp,
		Completions: completions,
		Annotations: annotations,
		complete:    crossProductComplete(exp, completions, versionIDs, inputIDs),
	}, nil
}

func crossProductComplete(exp domain.Experiment, completions []domain.AgentCompletion, versionIDs, inputIDs []string) bool {
	targetVersions := versionIDs
	if len(targetVersions) == 0 {
		targetVersions = exp.VersionIDs
	}
	targetInputs := inputIDs
	if len(targetInputs) == 0 {
		targetInputs = exp.InputIDs
	}
	done := make(map[[2]string]bool, len(completions))
	for _, c := range completions {
		done[[2]string{c.Version.ID, c.AgentInput.ID}] = true
	}
	for _, v := range targetVersions {
		for _, i := range targetInputs {
			if !done[[2]string{v, i}] {
				return false
			}
		}
	}
	return true
}
