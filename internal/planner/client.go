// Package planner provides the HTTP client for the external planner service,
// which compiles a revision's spec into a pipeline graph. Plan computation
// itself lives outside this codebase.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/flow"
)

const planPath = "/api/plan"

// planRequest is the document posted to the planner.
type planRequest struct {
	Revision     int         `json:"revision"`
	Spec         domain.Spec `json:"spec"`
	AllowedTypes []string    `json:"allowed_types"`
}

// planResponsePipeline is one planned pipeline in the planner's response.
// The response array order is the dispatch order.
type planResponsePipeline struct {
	PipelineID      string                 `json:"pipeline_id"`
	PipelineDetails domain.PipelineDetails `json:"pipeline_details"`
}

// HTTPClient plans against a remote planner service. Implements flow.Planner.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// New creates a planner client for the given address. A bare host:port gets
// an http:// scheme.
func New(addr string) *HTTPClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(addr, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Plan posts the spec and returns the planned pipelines. A 400 from the
// planner means the spec failed validation and maps to flow.ErrInvalidSpec.
func (c *HTTPClient) Plan(ctx context.Context, revision int, spec domain.Spec, allowedTypes []string) ([]flow.PlannedPipeline, error) {
	body, err := json.Marshal(planRequest{
		Revision:     revision,
		Spec:         spec,
		AllowedTypes: allowedTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+planPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create plan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planner request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s", flow.ErrInvalidSpec, strings.TrimSpace(string(detail)))
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("planner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var planned []planResponsePipeline
	if err := json.NewDecoder(resp.Body).Decode(&planned); err != nil {
		return nil, fmt.Errorf("failed to decode plan response: %w", err)
	}

	pipelines := make([]flow.PlannedPipeline, 0, len(planned))
	for _, p := range planned {
		if p.PipelineID == "" {
			return nil, fmt.Errorf("planner returned a pipeline with no id")
		}
		pipelines = append(pipelines, flow.PlannedPipeline{ID: p.PipelineID, Details: p.PipelineDetails})
	}
	return pipelines, nil
}
