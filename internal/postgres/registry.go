package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/flow"
	"github.com/datahq/flowmanager/internal/schedule"
)

// FlowRegistry implements flow.Registry backed by Postgres.
type FlowRegistry struct {
	pool *pgxpool.Pool
}

// NewFlowRegistry creates a FlowRegistry backed by the given pool.
func NewFlowRegistry(pool *pgxpool.Pool) *FlowRegistry {
	return &FlowRegistry{pool: pool}
}

const datasetColumns = `identifier, owner, spec, certified, scheduled_for, created_at, updated_at`

func (s *FlowRegistry) GetDataset(ctx context.Context, identifier string) (*domain.Dataset, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+datasetColumns+` FROM dataset WHERE identifier = $1`, identifier)
	d, err := scanDataset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return d, nil
}

func (s *FlowRegistry) CreateOrUpdateDataset(ctx context.Context, identifier, owner string, spec domain.Spec, updatedAt time.Time) (*domain.Dataset, error) {
	specJSON, err := jsonValue(spec)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO dataset (identifier, owner, spec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (identifier) DO UPDATE
			SET owner = EXCLUDED.owner, spec = EXCLUDED.spec, updated_at = EXCLUDED.updated_at
		RETURNING `+datasetColumns,
		identifier, owner, specJSON, updatedAt)
	d, err := scanDataset(row)
	if err != nil {
		return nil, fmt.Errorf("create or update dataset: %w", err)
	}
	return d, nil
}

// UpdateDatasetSchedule recomputes the dataset's next run from its current
// slot, preserving the cadence when runs fall behind. A nil period clears the
// schedule.
func (s *FlowRegistry) UpdateDatasetSchedule(ctx context.Context, identifier string, periodSeconds *int, now time.Time) error {
	var current *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT scheduled_for FROM dataset WHERE identifier = $1`, identifier).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update dataset schedule: dataset %s not found", identifier)
	}
	if err != nil {
		return fmt.Errorf("update dataset schedule: %w", err)
	}

	next := schedule.Next(current, periodSeconds, now)
	if _, err := s.pool.Exec(ctx,
		`UPDATE dataset SET scheduled_for = $1 WHERE identifier = $2`, next, identifier); err != nil {
		return fmt.Errorf("update dataset schedule: %w", err)
	}
	return nil
}

func (s *FlowRegistry) ListExpiredDatasets(ctx context.Context, now time.Time) ([]domain.Dataset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+datasetColumns+` FROM dataset
		 WHERE scheduled_for IS NOT NULL AND scheduled_for <= $1
		 ORDER BY identifier`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired datasets: %w", err)
	}
	defer rows.Close()

	var result []domain.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired dataset: %w", err)
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (s *FlowRegistry) CountDatasetsForOwner(ctx context.Context, owner string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dataset WHERE owner = $1`, owner).Scan(&count); err != nil {
		return 0, fmt.Errorf("count datasets: %w", err)
	}
	return count, nil
}

const revisionColumns = `revision_id, dataset_id, revision, status, errors, stats, logs, pipelines, created_at, updated_at`

// CreateRevision allocates the next revision number for the dataset. Two
// concurrent submissions can race to the same number; the unique constraint
// on (dataset_id, revision) rejects the loser, which retries.
func (s *FlowRegistry) CreateRevision(ctx context.Context, datasetID string, now time.Time, status domain.Status, errs []string) (*domain.Revision, error) {
	errsJSON, err := jsonValue(errs)
	if err != nil {
		return nil, fmt.Errorf("encode errors: %w", err)
	}

	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		var next int
		if err := s.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(revision), 0) + 1 FROM dataset_revision WHERE dataset_id = $1`,
			datasetID).Scan(&next); err != nil {
			return nil, fmt.Errorf("next revision number: %w", err)
		}

		revisionID := domain.FormatIdentifier(datasetID, next)
		row := s.pool.QueryRow(ctx, `
			INSERT INTO dataset_revision (revision_id, dataset_id, revision, status, errors, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			RETURNING `+revisionColumns,
			revisionID, datasetID, next, status, errsJSON, now)
		rev, err := scanRevision(row)
		if err == nil {
			return rev, nil
		}
		if isUniqueViolation(err) && attempt < maxAttempts {
			continue
		}
		return nil, fmt.Errorf("create revision: %w", err)
	}
}

func (s *FlowRegistry) GetRevision(ctx context.Context, datasetID string, ref domain.RevisionRef) (*domain.Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM dataset_revision WHERE dataset_id = $1`
	args := []any{datasetID}
	switch {
	case ref.IsSuccessful():
		query += ` AND status = $2`
		args = append(args, domain.StatusSuccess)
	default:
		if n, ok := ref.Number(); ok {
			query += ` AND revision = $2`
			args = append(args, n)
		}
	}
	query += ` ORDER BY revision DESC LIMIT 1`

	rev, err := scanRevision(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get revision: %w", err)
	}
	return rev, nil
}

func (s *FlowRegistry) GetRevisionByID(ctx context.Context, revisionID string) (*domain.Revision, error) {
	rev, err := scanRevision(s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM dataset_revision WHERE revision_id = $1`, revisionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get revision by id: %w", err)
	}
	return rev, nil
}

func (s *FlowRegistry) UpdateRevision(ctx context.Context, revisionID string, patch flow.RevisionPatch) (*domain.Revision, error) {
	set := []string{"updated_at = $1"}
	args := []any{patch.UpdatedAt}
	argN := 2

	appendSet := func(column string, value any) {
		set = append(set, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, value)
		argN++
	}

	if patch.Status != nil {
		appendSet("status", *patch.Status)
	}
	if patch.Errors != nil {
		v, err := jsonValue(patch.Errors)
		if err != nil {
			return nil, fmt.Errorf("encode errors: %w", err)
		}
		appendSet("errors", v)
	}
	if patch.Stats != nil {
		v, err := jsonValue(patch.Stats)
		if err != nil {
			return nil, fmt.Errorf("encode stats: %w", err)
		}
		appendSet("stats", v)
	}
	if patch.Logs != nil {
		v, err := jsonValue(patch.Logs)
		if err != nil {
			return nil, fmt.Errorf("encode logs: %w", err)
		}
		appendSet("logs", v)
	}
	if patch.Pipelines != nil {
		v, err := jsonValue(patch.Pipelines)
		if err != nil {
			return nil, fmt.Errorf("encode pipelines: %w", err)
		}
		appendSet("pipelines", v)
	}

	query := `UPDATE dataset_revision SET ` + strings.Join(set, ", ") +
		fmt.Sprintf(` WHERE revision_id = $%d RETURNING `, argN) + revisionColumns
	args = append(args, revisionID)

	rev, err := scanRevision(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update revision: %s not found", revisionID)
	}
	if err != nil {
		return nil, fmt.Errorf("update revision: %w", err)
	}
	return rev, nil
}

const pipelineColumns = `pipeline_id, flow_id, title, pipeline_details, status, errors, stats, logs, created_at, updated_at`

// SavePipeline upserts a pipeline row. A resubmitted flow reuses its ids, so
// the insert must tolerate leftovers from an interrupted earlier dispatch.
func (s *FlowRegistry) SavePipeline(ctx context.Context, p *domain.Pipeline) error {
	detailsJSON, err := jsonValue(p.Details)
	if err != nil {
		return fmt.Errorf("encode pipeline details: %w", err)
	}
	errsJSON, err := jsonValue(p.Errors)
	if err != nil {
		return fmt.Errorf("encode pipeline errors: %w", err)
	}
	statsJSON, err := jsonValue(p.Stats)
	if err != nil {
		return fmt.Errorf("encode pipeline stats: %w", err)
	}
	logsJSON, err := jsonValue(p.Logs)
	if err != nil {
		return fmt.Errorf("encode pipeline logs: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO pipelines (pipeline_id, flow_id, title, pipeline_details, status, errors, stats, logs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pipeline_id) DO UPDATE SET
			flow_id = EXCLUDED.flow_id,
			title = EXCLUDED.title,
			pipeline_details = EXCLUDED.pipeline_details,
			status = EXCLUDED.status,
			errors = EXCLUDED.errors,
			stats = EXCLUDED.stats,
			logs = EXCLUDED.logs,
			updated_at = EXCLUDED.updated_at`,
		p.PipelineID, p.FlowID, p.Title, detailsJSON, p.Status,
		errsJSON, statsJSON, logsJSON, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("save pipeline: %w", err)
	}
	return nil
}

func (s *FlowRegistry) GetPipeline(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	p, err := scanPipeline(s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE pipeline_id = $1`, pipelineID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

func (s *FlowRegistry) ListPipelines(ctx context.Context, flowID string) ([]domain.Pipeline, error) {
	return s.listPipelines(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE flow_id = $1 ORDER BY pipeline_id`, flowID)
}

func (s *FlowRegistry) ListPipelinesByStatus(ctx context.Context, flowID string, status domain.Status) ([]domain.Pipeline, error) {
	return s.listPipelines(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE flow_id = $1 AND status = $2 ORDER BY pipeline_id`,
		flowID, status)
}

func (s *FlowRegistry) listPipelines(ctx context.Context, query string, args ...any) ([]domain.Pipeline, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var result []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *FlowRegistry) UpdatePipeline(ctx context.Context, pipelineID string, patch flow.PipelinePatch) (bool, error) {
	set := []string{"updated_at = $1"}
	args := []any{patch.UpdatedAt}
	argN := 2

	appendSet := func(column string, value any) {
		set = append(set, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, value)
		argN++
	}

	if patch.Status != nil {
		appendSet("status", *patch.Status)
	}
	if patch.Errors != nil {
		v, err := jsonValue(patch.Errors)
		if err != nil {
			return false, fmt.Errorf("encode errors: %w", err)
		}
		appendSet("errors", v)
	}
	if patch.Stats != nil {
		v, err := jsonValue(patch.Stats)
		if err != nil {
			return false, fmt.Errorf("encode stats: %w", err)
		}
		appendSet("stats", v)
	}
	if patch.Logs != nil {
		v, err := jsonValue(patch.Logs)
		if err != nil {
			return false, fmt.Errorf("encode logs: %w", err)
		}
		appendSet("logs", v)
	}

	query := `UPDATE pipelines SET ` + strings.Join(set, ", ") +
		fmt.Sprintf(` WHERE pipeline_id = $%d`, argN)
	args = append(args, pipelineID)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update pipeline: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *FlowRegistry) DeletePipelines(ctx context.Context, flowID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM pipelines WHERE flow_id = $1`, flowID); err != nil {
		return fmt.Errorf("delete pipelines: %w", err)
	}
	return nil
}

// CheckFlowStatus aggregates the flow's pipeline statuses in SQL and reduces
// the counts in Go.
func (s *FlowRegistry) CheckFlowStatus(ctx context.Context, flowID string) (domain.Status, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM pipelines WHERE flow_id = $1 GROUP BY status`, flowID)
	if err != nil {
		return "", fmt.Errorf("check flow status: %w", err)
	}
	defer rows.Close()

	counts := map[domain.Status]int{}
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return "", fmt.Errorf("scan flow status: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return domain.AggregateFlowStatus(counts), nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
