// Package domain defines the core business types shared across flowmanagerd.
// These types represent the flow manager's data model — not HTTP or storage
// specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type, define a
// response struct in the api or flow package instead (e.g. InfoResponse).
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status represents the state of a pipeline or a flow.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ValidStatus checks if a string is a valid pipeline/flow status.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Terminal returns true for final statuses that will never change again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Projected returns the upper-case external projection of a status, used in
// revision snapshots and the info endpoint.
func (s Status) Projected() string {
	switch s {
	case StatusPending:
		return "QUEUED"
	case StatusRunning:
		return "INPROGRESS"
	case StatusSuccess:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	}
	return ""
}

// Runner callback states. The runner reports raw states; anything that is not
// a terminal or queue state counts as progress.
const (
	RunStateQueued  = "QUEUED"
	RunStateSuccess = "SUCCESS"
	RunStateFailed  = "FAILED"
)

// StatusFromRunState maps a runner callback state to a pipeline status.
func StatusFromRunState(state string) Status {
	switch state {
	case RunStateQueued:
		return StatusPending
	case RunStateSuccess:
		return StatusSuccess
	case RunStateFailed:
		return StatusFailed
	}
	return StatusRunning
}

// FormatIdentifier slash-joins the stringified parts. Deterministic, no
// escaping: FormatIdentifier("me", "id", 3) == "me/id/3".
func FormatIdentifier(parts ...any) string {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = fmt.Sprint(p)
	}
	return strings.Join(strs, "/")
}

// TrimPipelineID strips the optional leading "./" the planner and runner
// prefix onto pipeline ids.
func TrimPipelineID(id string) string {
	return strings.TrimPrefix(id, "./")
}

// Spec is the user-supplied declarative dataset description. It is opaque
// except for the meta fields the flow manager reads; everything else
// round-trips untouched.
type Spec map[string]any

func (s Spec) meta() map[string]any {
	m, _ := s["meta"].(map[string]any)
	return m
}

func (s Spec) metaString(key string) string {
	v, _ := s.meta()[key].(string)
	return v
}

// OwnerID returns meta.ownerid, or "" when absent.
func (s Spec) OwnerID() string { return s.metaString("ownerid") }

// OwnerName returns meta.owner (the display owner), or "" when absent.
func (s Spec) OwnerName() string { return s.metaString("owner") }

// DatasetName returns meta.dataset, or "" when absent.
func (s Spec) DatasetName() string { return s.metaString("dataset") }

// Findability returns meta.findability, or "" when absent.
func (s Spec) Findability() string { return s.metaString("findability") }

// ScheduleField returns the raw schedule field and whether it is present.
func (s Spec) ScheduleField() (any, bool) {
	v, ok := s["schedule"]
	return v, ok
}

func (s Spec) setMeta(key string, value any) {
	m := s.meta()
	if m == nil {
		m = map[string]any{}
		s["meta"] = m
	}
	m[key] = value
}

// SetUpdateTime stamps meta.update_time as an ISO-8601 string.
func (s Spec) SetUpdateTime(t time.Time) {
	s.setMeta("update_time", t.Format(time.RFC3339Nano))
}

// SetCreateTime stamps meta.create_time as an ISO-8601 string.
func (s Spec) SetCreateTime(t time.Time) {
	s.setMeta("create_time", t.Format(time.RFC3339Nano))
}

// Dataset is a logical job owned by a user. Created on first upload for
// (owner, dataset name), updated on each subsequent upload, never deleted.
type Dataset struct {
	Identifier   string     `json:"identifier"` // "<owner>/<dataset_name>"
	Owner        string     `json:"owner"`
	Spec         Spec       `json:"spec"`
	Certified    bool       `json:"certified"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PipelineSnapshot is the per-pipeline projection stored on a revision.
// It outlives the pipeline rows, which are deleted once the flow terminates.
type PipelineSnapshot struct {
	Title    string         `json:"title"`
	Status   string         `json:"status"` // QUEUED | INPROGRESS | SUCCEEDED | FAILED
	Stats    map[string]any `json:"stats"`
	ErrorLog []string       `json:"error_log"`
}

// Revision is one submission of a dataset. revision_id and flow_id are the
// same value: "<dataset_identifier>/<revision>".
type Revision struct {
	RevisionID string                      `json:"revision_id"`
	DatasetID  string                      `json:"dataset_id"`
	Revision   int                         `json:"revision"`
	Status     Status                      `json:"status"`
	Errors     []string                    `json:"errors"`
	Stats      map[string]any              `json:"stats"`
	Logs       []string                    `json:"logs"`
	Pipelines  map[string]PipelineSnapshot `json:"pipelines,omitempty"`
	CreatedAt  time.Time                   `json:"created_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// PipelineDetails is the planner-supplied opaque details blob. Only the
// title and dependency list are interpreted.
type PipelineDetails map[string]any

// Title returns details.title, or "" when absent.
func (d PipelineDetails) Title() string {
	v, _ := d["title"].(string)
	return v
}

// Dependencies returns the pipeline ids this pipeline depends on, with any
// leading "./" stripped. Entries without a pipeline field are skipped.
func (d PipelineDetails) Dependencies() []string {
	raw, ok := d["dependencies"].([]any)
	if !ok {
		return nil
	}
	var deps []string
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if p, _ := m["pipeline"].(string); p != "" {
			deps = append(deps, TrimPipelineID(p))
		}
	}
	return deps
}

// Pipeline is one node in a flow's execution graph, for one revision.
// All rows for a flow are deleted as soon as the flow reaches a terminal
// status; the snapshot inside the revision persists.
type Pipeline struct {
	PipelineID string          `json:"pipeline_id"`
	FlowID     string          `json:"flow_id"`
	Title      string          `json:"title"`
	Details    PipelineDetails `json:"pipeline_details"`
	Status     Status          `json:"status"`
	Errors     []string        `json:"errors"`
	Stats      map[string]any  `json:"stats"`
	Logs       []string        `json:"logs"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// AggregateFlowStatus reduces per-status pipeline counts to a flow status.
// A partially-completed flow (some done, some still queued) counts as running
// so that terminal side effects fire only once every pipeline is terminal.
// An empty flow counts as success.
func AggregateFlowStatus(counts map[Status]int) Status {
	if counts[StatusRunning] > 0 {
		return StatusRunning
	}
	pending := counts[StatusPending] > 0
	terminal := counts[StatusSuccess] > 0 || counts[StatusFailed] > 0
	switch {
	case pending && terminal:
		return StatusRunning
	case pending:
		return StatusPending
	case counts[StatusFailed] > 0:
		return StatusFailed
	default:
		return StatusSuccess
	}
}

// RevisionRef selects a revision of a dataset: an exact number, the highest
// revision, or the highest successful revision.
type RevisionRef struct {
	kind   refKind
	number int
}

type refKind int

const (
	refLatest refKind = iota
	refSuccessful
	refNumber
)

// LatestRevision selects the highest revision.
func LatestRevision() RevisionRef { return RevisionRef{kind: refLatest} }

// SuccessfulRevision selects the highest revision with status success.
func SuccessfulRevision() RevisionRef { return RevisionRef{kind: refSuccessful} }

// RevisionNumber selects an exact revision number.
func RevisionNumber(n int) RevisionRef { return RevisionRef{kind: refNumber, number: n} }

// ParseRevisionRef parses "latest", "successful", or a base-10 integer.
func ParseRevisionRef(s string) (RevisionRef, error) {
	switch s {
	case "latest":
		return LatestRevision(), nil
	case "successful":
		return SuccessfulRevision(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return RevisionRef{}, fmt.Errorf("revision must be an integer, %q or %q", "latest", "successful")
	}
	return RevisionNumber(n), nil
}

// IsLatest reports whether the ref selects the highest revision.
func (r RevisionRef) IsLatest() bool { return r.kind == refLatest }

// IsSuccessful reports whether the ref selects the highest successful revision.
func (r RevisionRef) IsSuccessful() bool { return r.kind == refSuccessful }

// Number returns the exact revision number and true when the ref is numeric.
func (r RevisionRef) Number() (int, bool) {
	return r.number, r.kind == refNumber
}

func (r RevisionRef) String() string {
	switch r.kind {
	case refLatest:
		return "latest"
	case refSuccessful:
		return "successful"
	}
	return strconv.Itoa(r.number)
}
