// Package search maintains the dataset discovery index. Every successful flow
// (and the first revision of a dataset that has never succeeded) pushes its
// produced descriptor here so the frontend can find it.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Document is one dataset entry in the discovery index.
type Document struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Certified   bool           `json:"certified"`
	Datahub     map[string]any `json:"datahub"`
	Datapackage map[string]any `json:"datapackage"`
}

// Indexer pushes dataset documents into the discovery index.
type Indexer interface {
	IndexDataset(ctx context.Context, doc Document) error
}

// ESIndexer writes dataset documents to Elasticsearch, keyed by dataset id so
// re-indexing overwrites the previous entry.
type ESIndexer struct {
	client *elasticsearch.Client
	index  string
}

// NewESIndexer connects to the given Elasticsearch address. index defaults to
// "datahub" when empty.
func NewESIndexer(address, index string) (*ESIndexer, error) {
	if index == "" {
		index = "datahub"
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{address},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ESIndexer{client: client, index: index}, nil
}

// indexMapping keeps ids exact-match and free text english-analyzed. The
// descriptor itself is stored but not dynamically mapped, so arbitrary user
// fields cannot poison the mapping.
const indexMapping = `{
  "mappings": {
    "dynamic": false,
    "properties": {
      "id": {"type": "keyword"},
      "name": {"type": "keyword"},
      "title": {"type": "text", "analyzer": "english"},
      "description": {"type": "text", "analyzer": "english"},
      "certified": {"type": "boolean"},
      "datahub": {
        "properties": {
          "owner": {"type": "keyword"},
          "ownerid": {"type": "keyword"},
          "findability": {"type": "keyword"},
          "stats": {
            "properties": {
              "rowcount": {"type": "long"},
              "bytes": {"type": "long"}
            }
          }
        }
      },
      "datapackage": {"type": "object", "enabled": false}
    }
  }
}`

// EnsureIndex creates the index with its mapping if it does not already
// exist. Safe to call on every startup.
func (s *ESIndexer) EnsureIndex(ctx context.Context) error {
	exists, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", s.index, err)
	}
	defer exists.Body.Close()
	if exists.StatusCode == 200 {
		return nil
	}

	res, err := s.client.Indices.Create(s.index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return fmt.Errorf("create index %s: %s: %s", s.index, res.Status(), detail)
	}
	slog.Info("search index created", "index", s.index)
	return nil
}

// IndexDataset writes doc under its dataset id. The document is normalized
// first so json.Number values decoded from the descriptor store as plain
// numbers.
func (s *ESIndexer) IndexDataset(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("index dataset: empty document id")
	}
	doc.Datahub, _ = Normalize(doc.Datahub).(map[string]any)
	doc.Datapackage, _ = Normalize(doc.Datapackage).(map[string]any)

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode dataset document: %w", err)
	}
	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: doc.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("index dataset %s: %w", doc.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return fmt.Errorf("index dataset %s: %s: %s", doc.ID, res.Status(), detail)
	}
	slog.Debug("dataset indexed", "id", doc.ID, "index", s.index)
	return nil
}

// Normalize walks a decoded JSON value and converts json.Number to float64,
// recursing through maps and slices. Descriptors are decoded with UseNumber
// to avoid precision loss in transit; the index wants real numbers.
func Normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}
