package flow_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/events"
	"github.com/datahq/flowmanager/internal/flow"
	"github.com/datahq/flowmanager/internal/schedule"
	"github.com/datahq/flowmanager/internal/search"
)

// memoryRegistry is an in-memory flow.Registry for tests.
type memoryRegistry struct {
	mu        sync.Mutex
	datasets  map[string]*domain.Dataset
	revisions map[string]*domain.Revision
	pipelines map[string]*domain.Pipeline
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{
		datasets:  map[string]*domain.Dataset{},
		revisions: map[string]*domain.Revision{},
		pipelines: map[string]*domain.Pipeline{},
	}
}

func (m *memoryRegistry) GetDataset(_ context.Context, identifier string) (*domain.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.datasets[identifier]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryRegistry) CreateOrUpdateDataset(_ context.Context, identifier, owner string, spec domain.Spec, updatedAt time.Time) (*domain.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[identifier]
	if !ok {
		d = &domain.Dataset{Identifier: identifier, Owner: owner, CreatedAt: updatedAt}
		m.datasets[identifier] = d
	}
	d.Owner = owner
	d.Spec = spec
	d.UpdatedAt = updatedAt
	copied := *d
	return &copied, nil
}

func (m *memoryRegistry) UpdateDatasetSchedule(_ context.Context, identifier string, periodSeconds *int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[identifier]
	if !ok {
		return fmt.Errorf("dataset %s not found", identifier)
	}
	d.ScheduledFor = schedule.Next(d.ScheduledFor, periodSeconds, now)
	return nil
}

func (m *memoryRegistry) ListExpiredDatasets(_ context.Context, now time.Time) ([]domain.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Dataset
	for _, d := range m.datasets {
		if d.ScheduledFor != nil && !d.ScheduledFor.After(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (m *memoryRegistry) CountDatasetsForOwner(_ context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.datasets {
		if d.Owner == owner {
			n++
		}
	}
	return n, nil
}

func (m *memoryRegistry) CreateRevision(_ context.Context, datasetID string, now time.Time, status domain.Status, errs []string) (*domain.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, r := range m.revisions {
		if r.DatasetID == datasetID && r.Revision >= next {
			next = r.Revision + 1
		}
	}
	rev := &domain.Revision{
		RevisionID: domain.FormatIdentifier(datasetID, next),
		DatasetID:  datasetID,
		Revision:   next,
		Status:     status,
		Errors:     errs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.revisions[rev.RevisionID] = rev
	copied := *rev
	return &copied, nil
}

func (m *memoryRegistry) GetRevision(_ context.Context, datasetID string, ref domain.RevisionRef) (*domain.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Revision
	for _, r := range m.revisions {
		if r.DatasetID != datasetID {
			continue
		}
		if n, ok := ref.Number(); ok {
			if r.Revision == n {
				best = r
				break
			}
			continue
		}
		if ref.IsSuccessful() && r.Status != domain.StatusSuccess {
			continue
		}
		if best == nil || r.Revision > best.Revision {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (m *memoryRegistry) GetRevisionByID(_ context.Context, revisionID string) (*domain.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.revisions[revisionID]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryRegistry) UpdateRevision(_ context.Context, revisionID string, patch flow.RevisionPatch) (*domain.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.revisions[revisionID]
	if !ok {
		return nil, fmt.Errorf("revision %s not found", revisionID)
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.Errors != nil {
		r.Errors = patch.Errors
	}
	if patch.Stats != nil {
		r.Stats = patch.Stats
	}
	if patch.Logs != nil {
		r.Logs = patch.Logs
	}
	if patch.Pipelines != nil {
		r.Pipelines = patch.Pipelines
	}
	r.UpdatedAt = patch.UpdatedAt
	copied := *r
	return &copied, nil
}

func (m *memoryRegistry) SavePipeline(_ context.Context, p *domain.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *p
	m.pipelines[p.PipelineID] = &copied
	return nil
}

func (m *memoryRegistry) GetPipeline(_ context.Context, pipelineID string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pipelines[pipelineID]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryRegistry) ListPipelines(_ context.Context, flowID string) ([]domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Pipeline
	for _, p := range m.pipelines {
		if p.FlowID == flowID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out, nil
}

func (m *memoryRegistry) ListPipelinesByStatus(_ context.Context, flowID string, status domain.Status) ([]domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Pipeline
	for _, p := range m.pipelines {
		if p.FlowID == flowID && p.Status == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out, nil
}

func (m *memoryRegistry) UpdatePipeline(_ context.Context, pipelineID string, patch flow.PipelinePatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[pipelineID]
	if !ok {
		return false, nil
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Errors != nil {
		p.Errors = patch.Errors
	}
	if patch.Stats != nil {
		p.Stats = patch.Stats
	}
	if patch.Logs != nil {
		p.Logs = patch.Logs
	}
	p.UpdatedAt = patch.UpdatedAt
	return true, nil
}

func (m *memoryRegistry) DeletePipelines(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pipelines {
		if p.FlowID == flowID {
			delete(m.pipelines, id)
		}
	}
	return nil
}

func (m *memoryRegistry) CheckFlowStatus(_ context.Context, flowID string) (domain.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[domain.Status]int{}
	for _, p := range m.pipelines {
		if p.FlowID == flowID {
			counts[p.Status]++
		}
	}
	return domain.AggregateFlowStatus(counts), nil
}

// stubPlanner returns a fixed plan, or err.
type stubPlanner struct {
	pipelines []flow.PlannedPipeline
	err       error

	gotRevision int
	gotAllowed  []string
}

func (p *stubPlanner) Plan(_ context.Context, revision int, _ domain.Spec, allowedTypes []string) ([]flow.PlannedPipeline, error) {
	p.gotRevision = revision
	p.gotAllowed = allowedTypes
	if p.err != nil {
		return nil, p.err
	}
	return p.pipelines, nil
}

// stubRunner records the dispatched pipeline documents.
type stubRunner struct {
	mu   sync.Mutex
	docs [][]byte
	err  error
}

func (r *stubRunner) Start(_ context.Context, pipelines []byte, _ flow.StatusFunc, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.docs = append(r.docs, pipelines)
	return nil
}

// stubVerifyer maps tokens to permissions.
type stubVerifyer struct {
	tokens map[string]*flow.Permissions
}

func (v *stubVerifyer) ExtractPermissions(_ context.Context, token string) *flow.Permissions {
	return v.tokens[token]
}

// recordingSinks captures every side effect the service emits.
type recordingSinks struct {
	mu        sync.Mutex
	events    []events.Event
	incidents []string
	indexed   []search.Document
}

func (r *recordingSinks) Send(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSinks) Report(_ context.Context, title, owner string, errs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, fmt.Sprintf("%s owner=%s errors=%s", title, owner, strings.Join(errs, "; ")))
	return nil
}

func (r *recordingSinks) IndexDataset(_ context.Context, doc search.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, doc)
	return nil
}

// stubDescriptors serves canned descriptors per flow id.
type stubDescriptors struct {
	descriptors map[string]map[string]any
}

func (d *stubDescriptors) GetDescriptor(_ context.Context, flowID string) (map[string]any, error) {
	return d.descriptors[flowID], nil
}

// fixture wires a Service against in-memory collaborators with a frozen clock.
type fixture struct {
	service     *flow.Service
	registry    *memoryRegistry
	planner     *stubPlanner
	runner      *stubRunner
	sinks       *recordingSinks
	descriptors *stubDescriptors
	now         time.Time
}

func newFixture() *fixture {
	f := &fixture{
		registry:    newMemoryRegistry(),
		planner:     &stubPlanner{},
		runner:      &stubRunner{},
		sinks:       &recordingSinks{},
		descriptors: &stubDescriptors{descriptors: map[string]map[string]any{}},
		now:         time.Date(2024, 5, 14, 10, 30, 0, 0, time.UTC),
	}
	f.service = &flow.Service{
		Registry: f.registry,
		Planner:  f.planner,
		Runner:   f.runner,
		Verifyer: &stubVerifyer{tokens: map[string]*flow.Permissions{
			"token-me": {UserID: "me", MaxDatasetNum: 10},
		}},
		Events:      f.sinks,
		Incidents:   f.sinks,
		Index:       f.sinks,
		Descriptors: f.descriptors,
		Now:         func() time.Time { return f.now },
	}
	return f
}

func specFor(owner, dataset string, extra map[string]any) domain.Spec {
	meta := map[string]any{
		"ownerid":     owner,
		"owner":       owner,
		"dataset":     dataset,
		"findability": "published",
	}
	spec := domain.Spec{"meta": meta}
	for k, v := range extra {
		spec[k] = v
	}
	return spec
}

func planned(ids ...string) []flow.PlannedPipeline {
	out := make([]flow.PlannedPipeline, len(ids))
	for i, id := range ids {
		out[i] = flow.PlannedPipeline{
			ID:      id,
			Details: domain.PipelineDetails{"title": "Pipeline " + domain.TrimPipelineID(id)},
		}
	}
	return out
}

func dependentPipeline(id, title string, deps ...string) flow.PlannedPipeline {
	list := make([]any, len(deps))
	for i, d := range deps {
		list[i] = map[string]any{"pipeline": d}
	}
	return flow.PlannedPipeline{
		ID:      id,
		Details: domain.PipelineDetails{"title": title, "dependencies": list},
	}
}
