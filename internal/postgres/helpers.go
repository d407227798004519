package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/datahq/flowmanager/internal/domain"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// jsonValue encodes a value for a JSONB column.
func jsonValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

func scanDataset(row rowScanner) (*domain.Dataset, error) {
	var (
		d        domain.Dataset
		specJSON []byte
	)
	if err := row.Scan(&d.Identifier, &d.Owner, &specJSON, &d.Certified,
		&d.ScheduledFor, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(specJSON, &d.Spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	return &d, nil
}

func scanRevision(row rowScanner) (*domain.Revision, error) {
	var (
		r             domain.Revision
		errsJSON      []byte
		statsJSON     []byte
		logsJSON      []byte
		pipelinesJSON []byte
		createdAt     time.Time
		updatedAt     time.Time
	)
	if err := row.Scan(&r.RevisionID, &r.DatasetID, &r.Revision, &r.Status,
		&errsJSON, &statsJSON, &logsJSON, &pipelinesJSON,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = createdAt
	r.UpdatedAt = updatedAt
	if err := json.Unmarshal(errsJSON, &r.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &r.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	if err := json.Unmarshal(logsJSON, &r.Logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	if len(pipelinesJSON) > 0 {
		if err := json.Unmarshal(pipelinesJSON, &r.Pipelines); err != nil {
			return nil, fmt.Errorf("decode pipelines: %w", err)
		}
	}
	return &r, nil
}

func scanPipeline(row rowScanner) (*domain.Pipeline, error) {
	var (
		p           domain.Pipeline
		detailsJSON []byte
		errsJSON    []byte
		statsJSON   []byte
		logsJSON    []byte
	)
	if err := row.Scan(&p.PipelineID, &p.FlowID, &p.Title, &detailsJSON,
		&p.Status, &errsJSON, &statsJSON, &logsJSON,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(detailsJSON, &p.Details); err != nil {
		return nil, fmt.Errorf("decode pipeline details: %w", err)
	}
	if err := json.Unmarshal(errsJSON, &p.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &p.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	if err := json.Unmarshal(logsJSON, &p.Logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	return &p, nil
}
