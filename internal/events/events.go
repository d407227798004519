// Package events records audit events for finished flows. Events are
// append-only documents in an Elasticsearch index; consumers (the activity
// feed, usage reports) read them independently.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Event is one audit record. Field names follow the index mapping.
type Event struct {
	Source      string         `json:"source"`
	Event       string         `json:"event"`
	Outcome     string         `json:"outcome"` // OK | FAIL
	Findability string         `json:"findability"`
	Actor       string         `json:"user"`
	Dataset     string         `json:"dataset"`
	Owner       string         `json:"owner"`
	OwnerID     string         `json:"ownerid"`
	FlowID      string         `json:"flow_id"`
	PipelineID  string         `json:"pipeline_id"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Sink receives audit events.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// ESSink writes events to an Elasticsearch index.
type ESSink struct {
	client *elasticsearch.Client
	index  string
}

// NewESSink connects to the given Elasticsearch address. index defaults to
// "events" when empty.
func NewESSink(address, index string) (*ESSink, error) {
	if index == "" {
		index = "events"
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{address},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ESSink{client: client, index: index}, nil
}

// Send indexes one event document.
func (s *ESSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req := esapi.IndexRequest{
		Index: s.index,
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return fmt.Errorf("index event: %s: %s", res.Status(), detail)
	}
	slog.Debug("event recorded", "event", ev.Event, "flow_id", ev.FlowID, "outcome", ev.Outcome)
	return nil
}

// HealthCheck pings the cluster.
func (s *ESSink) HealthCheck(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}
