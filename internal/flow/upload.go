package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/schedule"
)

// UploadResult is the submission outcome returned to the uploader.
type UploadResult struct {
	Success   bool     `json:"success"`
	DatasetID *string  `json:"dataset_id"`
	FlowID    *string  `json:"flow_id"`
	Errors    []string `json:"errors"`
}

// Upload authorizes and submits a dataset spec. Validation failures
// short-circuit with a single error message; an authorized submission that
// fails to start emits a failed-to-start incident.
func (s *Service) Upload(ctx context.Context, token string, contents domain.Spec) UploadResult {
	var (
		errs      []string
		datasetID *string
		flowID    *string
	)

	switch {
	case contents == nil:
		errs = append(errs, "Received empty contents (make sure your content-type is correct)")
	case contents.OwnerID() == "":
		errs = append(errs, "Missing owner in spec")
	default:
		owner := contents.OwnerID()
		permissions := s.Verifyer.ExtractPermissions(ctx, token)
		if permissions == nil || permissions.UserID != owner {
			errs = append(errs, "No token or token not authorised for owner")
			break
		}
		exceeded, err := s.quotaExceeded(ctx, owner, contents, permissions.MaxDatasetNum)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Unexpected error: %s", err))
			break
		}
		if exceeded {
			errs = append(errs, fmt.Sprintf("Max datasets for user exceeded plan limit (%d)", permissions.MaxDatasetNum))
			break
		}

		dsID, flID, submitErrs := s.submit(ctx, owner, contents)
		datasetID, flowID = dsID, flID
		errs = append(errs, submitErrs...)
		if len(errs) > 0 {
			s.reportFailedToStart(ctx, owner, errs)
		}
	}

	return UploadResult{
		Success:   len(errs) == 0,
		DatasetID: datasetID,
		FlowID:    flowID,
		Errors:    errorList(errs),
	}
}

// quotaExceeded enforces max_dataset_num for brand-new datasets only;
// updating an existing dataset is always allowed.
func (s *Service) quotaExceeded(ctx context.Context, owner string, contents domain.Spec, maxDatasets int) (bool, error) {
	datasetID := domain.FormatIdentifier(owner, contents.DatasetName())
	existing, err := s.Registry.GetDataset(ctx, datasetID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	current, err := s.Registry.CountDatasetsForOwner(ctx, owner)
	if err != nil {
		return false, err
	}
	return current >= maxDatasets, nil
}

// Resubmit runs the internal submission path for a stored spec, bypassing
// auth and quota. Used by the scheduler; the stored spec is trusted.
func (s *Service) Resubmit(ctx context.Context, owner string, contents domain.Spec) []string {
	_, _, errs := s.submit(ctx, owner, contents)
	if len(errs) > 0 {
		s.reportFailedToStart(ctx, owner, errs)
	}
	return errs
}

// submit is the internal submission path: stamp times, persist the dataset,
// evaluate the schedule, allocate a revision, plan, persist the pipelines and
// dispatch them to the runner.
func (s *Service) submit(ctx context.Context, owner string, contents domain.Spec) (datasetID, flowID *string, errs []string) {
	now := s.now()
	contents.SetUpdateTime(now)

	dsID := domain.FormatIdentifier(owner, contents.DatasetName())
	datasetID = &dsID

	dataset, err := s.Registry.CreateOrUpdateDataset(ctx, dsID, owner, contents, now)
	if err != nil {
		return datasetID, nil, []string{fmt.Sprintf("Unexpected error: %s", err)}
	}
	contents.SetCreateTime(dataset.CreatedAt)

	period, scheduleErrs := schedule.Parse(contents)
	if len(scheduleErrs) > 0 {
		// Malformed schedule aborts the submission; no revision is created.
		return datasetID, nil, scheduleErrs
	}
	if err := s.Registry.UpdateDatasetSchedule(ctx, dsID, period, now); err != nil {
		return datasetID, nil, []string{fmt.Sprintf("Unexpected error: %s", err)}
	}

	revision, err := s.Registry.CreateRevision(ctx, dsID, now, domain.StatusPending, []string{})
	if err != nil {
		return datasetID, nil, []string{fmt.Sprintf("Unexpected error: %s", err)}
	}
	flID := domain.FormatIdentifier(owner, contents.DatasetName(), revision.Revision)
	flowID = &flID

	planned, err := s.Planner.Plan(ctx, revision.Revision, contents, s.AllowedTypes)
	if err != nil {
		if errors.Is(err, ErrInvalidSpec) {
			return datasetID, flowID, []string{"Validation failed for contents"}
		}
		return datasetID, flowID, []string{fmt.Sprintf("Unexpected error: %s", err)}
	}

	pipelineSpec := make(map[string]domain.PipelineDetails, len(planned))
	for _, p := range planned {
		id := domain.TrimPipelineID(p.ID)
		pipelineSpec[id] = p.Details
		pipeline := &domain.Pipeline{
			PipelineID: id,
			FlowID:     flID,
			Title:      p.Details.Title(),
			Details:    p.Details,
			Status:     domain.StatusPending,
			Errors:     []string{},
			Stats:      map[string]any{},
			Logs:       []string{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.Registry.SavePipeline(ctx, pipeline); err != nil {
			return datasetID, flowID, []string{fmt.Sprintf("Unexpected error: %s", err)}
		}
	}

	doc, err := yaml.Marshal(pipelineSpec)
	if err != nil {
		return datasetID, flowID, []string{fmt.Sprintf("Unexpected error: %s", err)}
	}
	cb := func(pipelineID, state string, cbErrs []string, stats map[string]any) {
		s.ApplyStatus(context.Background(), StatusEvent{
			PipelineID: pipelineID,
			State:      state,
			Errors:     cbErrs,
			Stats:      stats,
		})
	}
	if err := s.Runner.Start(ctx, doc, cb, s.Verbosity); err != nil {
		return datasetID, flowID, []string{fmt.Sprintf("Unexpected error: %s", err)}
	}

	slog.Info("flow submitted", "dataset_id", dsID, "flow_id", flID, "pipelines", len(planned))
	return datasetID, flowID, nil
}

// reportFailedToStart emits a failed-to-start incident with the accumulated
// errors. Best-effort; runs on the background executor.
func (s *Service) reportFailedToStart(ctx context.Context, owner string, errs []string) {
	if s.Incidents == nil {
		return
	}
	reported := append([]string(nil), errs...)
	s.submitJob(ctx, "incident:failed-to-start", func(ctx context.Context) error {
		return s.Incidents.Report(ctx, "Failed to start flow", owner, reported)
	})
}

// errorList never returns nil so the JSON encoding is always an array.
func errorList(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}
