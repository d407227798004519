package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/events"
	"github.com/datahq/flowmanager/internal/search"
)

// StatusEvent is one pipeline status callback from the runner (or the update
// endpoint, which translates its body into this shape).
type StatusEvent struct {
	PipelineID string
	State      string // QUEUED | INPROGRESS | SUCCESS | FAILED | other progress value
	Errors     []string
	Stats      map[string]any
	Logs       []string
}

// UpdateResult is the reducer's outcome: the recomputed flow status, the flow
// id, and the event's errors. Status and ID are nil when the pipeline row is
// unknown.
type UpdateResult struct {
	Status *domain.Status `json:"status"`
	ID     *string        `json:"id"`
	Errors []string       `json:"errors"`
}

// ApplyStatus applies one pipeline status event: patch the pipeline row,
// cascade failures to dependants, recompute the flow status, refresh the
// revision snapshot and fire terminal side effects. Events for the same flow
// are serialized by a per-flow lock; cascaded events re-enter the locked
// path directly.
func (s *Service) ApplyStatus(ctx context.Context, ev StatusEvent) UpdateResult {
	id := domain.TrimPipelineID(ev.PipelineID)

	pipeline, err := s.Registry.GetPipeline(ctx, id)
	if err != nil {
		slog.Error("status event: pipeline lookup failed", "pipeline_id", id, "error", err)
		return notFoundResult()
	}
	if pipeline == nil {
		return notFoundResult()
	}

	unlock := s.locks.lock(pipeline.FlowID)
	defer unlock()
	return s.apply(ctx, id, ev)
}

// apply runs the reducer under the flow lock.
func (s *Service) apply(ctx context.Context, id string, ev StatusEvent) UpdateResult {
	now := s.now()
	stats := ev.Stats
	if stats == nil {
		stats = map[string]any{}
	}

	pipelineStatus := domain.StatusFromRunState(ev.State)

	status := pipelineStatus
	existed, err := s.Registry.UpdatePipeline(ctx, id, PipelinePatch{
		Status:    &status,
		Errors:    ev.Errors,
		Stats:     stats,
		Logs:      ev.Logs,
		UpdatedAt: now,
	})
	if err != nil {
		slog.Error("status event: pipeline update failed", "pipeline_id", id, "error", err)
		return notFoundResult()
	}
	if !existed {
		return notFoundResult()
	}

	pipeline, err := s.Registry.GetPipeline(ctx, id)
	if err != nil || pipeline == nil {
		slog.Error("status event: pipeline re-read failed", "pipeline_id", id, "error", err)
		return notFoundResult()
	}
	flowID := pipeline.FlowID

	if pipelineStatus == domain.StatusFailed {
		s.cascadeFailure(ctx, flowID, id)
	}

	revision, err := s.Registry.GetRevisionByID(ctx, flowID)
	if err != nil || revision == nil {
		return errorResult(flowID, ev.Errors, fmt.Sprintf("revision not found for flow %s", flowID))
	}

	snapshot := revision.Pipelines
	if snapshot == nil {
		snapshot = map[string]domain.PipelineSnapshot{}
	}
	snapshot[id] = domain.PipelineSnapshot{
		Title:    pipeline.Title,
		Status:   pipelineStatus.Projected(),
		Stats:    stats,
		ErrorLog: ev.Errors,
	}

	// A cascaded event can finalize the flow before this call resumes: once
	// the revision is terminal only the snapshot entry is merged, so the
	// terminal status survives and the side effects fire exactly once.
	if revision.Status.Terminal() {
		final := revision.Status
		mergePatch := RevisionPatch{Pipelines: snapshot, UpdatedAt: now}
		if len(ev.Errors) > 0 {
			mergePatch.Errors = ev.Errors
		}
		if _, err := s.Registry.UpdateRevision(ctx, flowID, mergePatch); err != nil {
			return errorResult(flowID, ev.Errors, fmt.Sprintf("Unexpected error: %s", err))
		}
		return UpdateResult{Status: &final, ID: &flowID, Errors: errorList(ev.Errors)}
	}

	flowStatus, err := s.Registry.CheckFlowStatus(ctx, flowID)
	if err != nil {
		return errorResult(flowID, ev.Errors, fmt.Sprintf("Unexpected error: %s", err))
	}

	patch := RevisionPatch{
		Status:    &flowStatus,
		Pipelines: snapshot,
		UpdatedAt: now,
	}
	if len(ev.Errors) > 0 {
		patch.Errors = ev.Errors
	}
	if len(stats) > 0 {
		patch.Stats = stats
	}
	if len(ev.Logs) > 0 {
		patch.Logs = ev.Logs
	}
	revision, err = s.Registry.UpdateRevision(ctx, flowID, patch)
	if err != nil {
		return errorResult(flowID, ev.Errors, fmt.Sprintf("Unexpected error: %s", err))
	}

	if flowStatus.Terminal() {
		s.finishFlow(ctx, flowID, id, flowStatus, revision)
		s.maybeIndexDescriptor(ctx, flowID, flowStatus, revision)
	}

	return UpdateResult{Status: &flowStatus, ID: &flowID, Errors: errorList(ev.Errors)}
}

// cascadeFailure fails every still-pending pipeline in the flow that depends
// on the failed pipeline, recursively, by re-entering the reducer with a
// synthesized FAILED event.
func (s *Service) cascadeFailure(ctx context.Context, flowID, failedID string) {
	queued, err := s.Registry.ListPipelinesByStatus(ctx, flowID, domain.StatusPending)
	if err != nil {
		slog.Error("cascade: listing pending pipelines failed", "flow_id", flowID, "error", err)
		return
	}
	for _, qp := range queued {
		for _, dep := range qp.Details.Dependencies() {
			if dep != failedID {
				continue
			}
			s.apply(ctx, domain.TrimPipelineID(qp.PipelineID), StatusEvent{
				PipelineID: qp.PipelineID,
				State:      domain.RunStateFailed,
				Errors: []string{fmt.Sprintf(
					"Dependency unsuccessful. "+
						"Cannot run until dependency %q is successfully"+
						"executed", failedID)},
			})
		}
	}
}

// finishFlow runs the terminal side effects: delete the pipeline rows, emit
// the terminal event, and on failure post an incident. Sink calls run on the
// background executor and never fail the reducer.
func (s *Service) finishFlow(ctx context.Context, flowID, pipelineID string, flowStatus domain.Status, revision *domain.Revision) {
	if err := s.Registry.DeletePipelines(ctx, flowID); err != nil {
		slog.Error("terminal flow: pipeline cleanup failed", "flow_id", flowID, "error", err)
	}

	dataset, err := s.Registry.GetDataset(ctx, revision.DatasetID)
	if err != nil || dataset == nil {
		slog.Error("terminal flow: dataset lookup failed", "dataset_id", revision.DatasetID, "error", err)
		return
	}

	outcome := "FAIL"
	findability := "private"
	if flowStatus == domain.StatusSuccess {
		outcome = "OK"
		if dataset.Spec.Findability() == "published" {
			findability = "published"
		}
	}
	if s.Events != nil {
		record := events.Event{
			Source:      "flow",
			Event:       "finish",
			Outcome:     outcome,
			Findability: findability,
			Actor:       dataset.Owner,
			Dataset:     dataset.Spec.DatasetName(),
			Owner:       dataset.Spec.OwnerName(),
			OwnerID:     dataset.Spec.OwnerID(),
			FlowID:      flowID,
			PipelineID:  pipelineID,
			Payload: map[string]any{
				"flow-id": flowID,
				"errors":  errorList(revision.Errors),
			},
			Timestamp: s.now(),
		}
		s.submitJob(ctx, "event:flow-finished", func(ctx context.Context) error {
			return s.Events.Send(ctx, record)
		})
	}

	if flowStatus == domain.StatusFailed && s.Incidents != nil {
		owner := dataset.Owner
		errs := errorList(revision.Errors)
		s.submitJob(ctx, "incident:flow-failed", func(ctx context.Context) error {
			return s.Incidents.Report(ctx, fmt.Sprintf("Flow failed: %s", flowID), owner, errs)
		})
	}
}

// maybeIndexDescriptor pushes the flow's produced descriptor to the search
// index when the flow succeeded, or when the dataset has never had a
// successful revision (the first-ever revision is indexed once even if it
// failed, downgraded from published to unlisted).
func (s *Service) maybeIndexDescriptor(ctx context.Context, flowID string, flowStatus domain.Status, revision *domain.Revision) {
	if s.Descriptors == nil || s.Index == nil {
		return
	}

	successful, err := s.Registry.GetRevision(ctx, revision.DatasetID, domain.SuccessfulRevision())
	if err != nil {
		slog.Error("descriptor index: successful-revision lookup failed", "dataset_id", revision.DatasetID, "error", err)
		return
	}
	noSuccessfulRevision := successful == nil
	if flowStatus != domain.StatusSuccess && !noSuccessfulRevision {
		return
	}

	dataset, err := s.Registry.GetDataset(ctx, revision.DatasetID)
	if err != nil || dataset == nil {
		slog.Error("descriptor index: dataset lookup failed", "dataset_id", revision.DatasetID, "error", err)
		return
	}
	certified := dataset.Certified

	s.submitJob(ctx, "index:dataset", func(ctx context.Context) error {
		descriptor, err := s.Descriptors.GetDescriptor(ctx, flowID)
		if err != nil {
			return fmt.Errorf("fetch descriptor for %s: %w", flowID, err)
		}
		if descriptor == nil {
			return nil
		}
		datahub, _ := descriptor["datahub"].(map[string]any)
		if noSuccessfulRevision && datahub != nil && datahub["findability"] == "published" {
			datahub["findability"] = "unlisted"
		}
		doc := search.Document{
			ID:          stringField(descriptor, "id"),
			Name:        stringField(descriptor, "name"),
			Title:       stringField(descriptor, "title"),
			Description: stringField(descriptor, "description"),
			Certified:   certified,
			Datahub:     datahub,
			Datapackage: descriptor,
		}
		return s.Index.IndexDataset(ctx, doc)
	})
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func notFoundResult() UpdateResult {
	return UpdateResult{Errors: []string{"pipeline not found"}}
}

func errorResult(flowID string, evErrors []string, msg string) UpdateResult {
	id := flowID
	errs := append(errorList(evErrors), msg)
	return UpdateResult{ID: &id, Errors: errs}
}
