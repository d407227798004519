// Package runner dispatches planned pipeline documents to the pipeline
// runner service. The runner executes the graph and reports per-pipeline
// progress back through the flow manager's update endpoint, so the dispatch
// callback is only invoked for failures local to the hand-off.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/datahq/flowmanager/internal/flow"
)

// runPath is the runner service endpoint accepting a pipelines document.
const runPath = "/api/run"

// HTTPRunner implements flow.Runner against a remote runner service.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRunner creates a runner client for the given address.
// addr is a host[:port]; the scheme defaults to http.
func NewHTTPRunner(addr string) *HTTPRunner {
	baseURL := addr
	if !strings.Contains(addr, "://") {
		baseURL = "http://" + addr
	}
	return &HTTPRunner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Start hands the pipelines document to the runner service. The runner
// reports pipeline status through the update endpoint, not cb; cb is invoked
// only when the hand-off itself fails, so the flow does not hang in pending.
func (r *HTTPRunner) Start(ctx context.Context, pipelines []byte, cb flow.StatusFunc, verbosity int) error {
	url := r.baseURL + runPath + "?verbosity=" + strconv.Itoa(verbosity)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(pipelines))
	if err != nil {
		return fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-yaml")

	res, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch pipelines: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return fmt.Errorf("dispatch pipelines: %s: %s", res.Status, detail)
	}

	slog.Info("pipelines dispatched", "bytes", len(pipelines), "verbosity", verbosity)
	return nil
}
