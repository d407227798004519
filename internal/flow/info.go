package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/datahq/flowmanager/internal/domain"
)

// InfoResponse is the read-only projection of one revision, served by the
// info endpoint.
type InfoResponse struct {
	ID           string                             `json:"id"`
	SpecContents domain.Spec                        `json:"spec_contents"`
	Modified     string                             `json:"modified"`
	State        string                             `json:"state"`
	ErrorLog     []string                           `json:"error_log"`
	Logs         []string                           `json:"logs"`
	Stats        map[string]any                     `json:"stats"`
	Pipelines    map[string]domain.PipelineSnapshot `json:"pipelines"`
	Certified    bool                               `json:"certified"`
}

// Info resolves a revision reference for a dataset and projects it for
// display. Returns ErrNotFound when the dataset or the referenced revision
// does not exist.
func (s *Service) Info(ctx context.Context, owner, name string, ref domain.RevisionRef) (*InfoResponse, error) {
	datasetID := domain.FormatIdentifier(owner, name)

	dataset, err := s.Registry.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("get dataset %s: %w", datasetID, err)
	}
	if dataset == nil {
		return nil, ErrNotFound
	}

	revision, err := s.Registry.GetRevision(ctx, datasetID, ref)
	if err != nil {
		return nil, fmt.Errorf("get revision %s of %s: %w", ref, datasetID, err)
	}
	if revision == nil {
		return nil, ErrNotFound
	}

	pipelines := revision.Pipelines
	if pipelines == nil {
		pipelines = map[string]domain.PipelineSnapshot{}
	}
	return &InfoResponse{
		ID:           revision.RevisionID,
		SpecContents: dataset.Spec,
		Modified:     dataset.UpdatedAt.Format(time.RFC3339Nano),
		State:        revision.Status.Projected(),
		ErrorLog:     errorList(revision.Errors),
		Logs:         errorList(revision.Logs),
		Stats:        revision.Stats,
		Pipelines:    pipelines,
		Certified:    dataset.Certified,
	}, nil
}
