// Package flow implements the flow manager's orchestration core: the
// submission path (auth, quota, plan, persist, dispatch), the status reducer
// with dependency failure cascade, and the read-only info projection.
//
// The package owns the store and collaborator interfaces it consumes;
// production implementations live in internal/postgres, internal/auth,
// internal/runner and the sink packages.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/events"
	"github.com/datahq/flowmanager/internal/search"
)

// ErrInvalidSpec is returned by a Planner when the spec fails validation.
// The submission path translates it to the "Validation failed for contents"
// user-facing error.
var ErrInvalidSpec = errors.New("invalid spec contents")

// ErrNotFound is returned by Info when the dataset or revision does not exist.
var ErrNotFound = errors.New("not found")

// RevisionPatch is a partial update of a revision row. Nil fields are left
// untouched.
type RevisionPatch struct {
	Status    *domain.Status
	Errors    []string
	Stats     map[string]any
	Logs      []string
	Pipelines map[string]domain.PipelineSnapshot
	UpdatedAt time.Time
}

// PipelinePatch is a partial update of a pipeline row. Nil fields are left
// untouched.
type PipelinePatch struct {
	Status    *domain.Status
	Errors    []string
	Stats     map[string]any
	Logs      []string
	UpdatedAt time.Time
}

// Registry is the persistent data model of datasets, revisions and pipelines.
// Implemented by postgres.FlowRegistry (production) and a memory registry
// (tests). Every operation is an independent committed transaction.
type Registry interface {
	GetDataset(ctx context.Context, identifier string) (*domain.Dataset, error)
	CreateOrUpdateDataset(ctx context.Context, identifier, owner string, spec domain.Spec, updatedAt time.Time) (*domain.Dataset, error)
	UpdateDatasetSchedule(ctx context.Context, identifier string, periodSeconds *int, now time.Time) error
	ListExpiredDatasets(ctx context.Context, now time.Time) ([]domain.Dataset, error)
	CountDatasetsForOwner(ctx context.Context, owner string) (int, error)

	CreateRevision(ctx context.Context, datasetID string, now time.Time, status domain.Status, errs []string) (*domain.Revision, error)
	GetRevision(ctx context.Context, datasetID string, ref domain.RevisionRef) (*domain.Revision, error)
	GetRevisionByID(ctx context.Context, revisionID string) (*domain.Revision, error)
	UpdateRevision(ctx context.Context, revisionID string, patch RevisionPatch) (*domain.Revision, error)

	SavePipeline(ctx context.Context, p *domain.Pipeline) error
	GetPipeline(ctx context.Context, pipelineID string) (*domain.Pipeline, error)
	ListPipelines(ctx context.Context, flowID string) ([]domain.Pipeline, error)
	ListPipelinesByStatus(ctx context.Context, flowID string, status domain.Status) ([]domain.Pipeline, error)
	UpdatePipeline(ctx context.Context, pipelineID string, patch PipelinePatch) (bool, error)
	DeletePipelines(ctx context.Context, flowID string) error
	CheckFlowStatus(ctx context.Context, flowID string) (domain.Status, error)
}

// PlannedPipeline is one pipeline descriptor produced by the planner.
// Planner-assigned ids embed the revision number, so rows from concurrent
// revisions of the same dataset never collide.
type PlannedPipeline struct {
	ID      string
	Details domain.PipelineDetails
}

// Planner compiles a revision's spec into a set of pipeline descriptors.
// Treated as a pure function; a spec the planner rejects yields ErrInvalidSpec.
type Planner interface {
	Plan(ctx context.Context, revision int, spec domain.Spec, allowedTypes []string) ([]PlannedPipeline, error)
}

// StatusFunc receives per-pipeline status callbacks from the runner.
// It may be invoked from arbitrary goroutines.
type StatusFunc func(pipelineID, state string, errs []string, stats map[string]any)

// Runner executes pipeline graphs. The pipelines document is YAML mapping
// pipeline_id to pipeline_details. Remote runners report status through the
// update endpoint instead of cb.
type Runner interface {
	Start(ctx context.Context, pipelines []byte, cb StatusFunc, verbosity int) error
}

// Permissions is the identity and quota extracted from a bearer token.
type Permissions struct {
	UserID        string
	MaxDatasetNum int
}

// Verifyer validates a bearer token. A nil result means the token is absent,
// expired or otherwise invalid.
type Verifyer interface {
	ExtractPermissions(ctx context.Context, token string) *Permissions
}

// IncidentReporter posts failure notices to the on-call channel.
type IncidentReporter interface {
	Report(ctx context.Context, title, owner string, errs []string) error
}

// DescriptorStore fetches the datapackage.json a successful flow produced.
// A missing descriptor yields (nil, nil).
type DescriptorStore interface {
	GetDescriptor(ctx context.Context, flowID string) (map[string]any, error)
}

// Executor runs side-effect jobs off the caller's goroutine. The production
// implementation is the single-worker fanout executor, which preserves
// per-dataset ordering of indexer writes.
type Executor interface {
	Submit(name string, fn func(ctx context.Context) error)
}

// Service is the orchestration core. All collaborators are explicit
// dependencies; sinks may be nil, in which case their side effects are
// skipped.
type Service struct {
	Registry    Registry
	Planner     Planner
	Runner      Runner
	Verifyer    Verifyer
	Events      events.Sink
	Incidents   IncidentReporter
	Index       search.Indexer
	Descriptors DescriptorStore
	Background  Executor

	// AllowedTypes is the processing-type whitelist handed to the planner.
	AllowedTypes []string
	// Verbosity is forwarded to the runner.
	Verbosity int

	// Now is the clock; defaults to time.Now. Injectable for tests.
	Now func() time.Time

	locks keyedMutex
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// submitJob hands fn to the background executor, or runs it inline when no
// executor is wired (tests, degraded startup).
func (s *Service) submitJob(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if s.Background != nil {
		s.Background.Submit(name, fn)
		return
	}
	_ = fn(ctx)
}
