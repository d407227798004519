package flow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/flow"
)

func uploadFlow(t *testing.T, f *fixture, pipelines []flow.PlannedPipeline) string {
	t.Helper()
	f.planner.pipelines = pipelines
	res := f.service.Upload(context.Background(), "token-me", specFor("me", "id", nil))
	require.Equal(t, []string{}, res.Errors)
	require.NotNil(t, res.FlowID)
	return *res.FlowID
}

func TestApplyStatusProgress(t *testing.T) {
	f := newFixture()
	flowID := uploadFlow(t, f, planned("./1/a", "./1/b"))

	res := f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/a",
		State:      "INPROGRESS",
	})

	require.NotNil(t, res.Status)
	assert.Equal(t, domain.StatusRunning, *res.Status)
	require.NotNil(t, res.ID)
	assert.Equal(t, flowID, *res.ID)
	assert.Equal(t, []string{}, res.Errors)

	rev, err := f.registry.GetRevisionByID(context.Background(), flowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, rev.Status)
	assert.Equal(t, "INPROGRESS", rev.Pipelines["1/a"].Status)

	// Nothing terminal happened yet.
	rows, _ := f.registry.ListPipelines(context.Background(), flowID)
	assert.Len(t, rows, 2)
	assert.Empty(t, f.sinks.events)
}

func TestApplyStatusTerminalSuccess(t *testing.T) {
	f := newFixture()
	flowID := uploadFlow(t, f, planned("./1/a", "./1/b"))
	f.descriptors.descriptors[flowID] = map[string]any{
		"id":      "me/id",
		"name":    "id",
		"title":   "My Dataset",
		"datahub": map[string]any{"findability": "published"},
	}

	f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/a",
		State:      domain.RunStateSuccess,
		Stats:      map[string]any{"count_of_rows": 42},
	})
	res := f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/b",
		State:      domain.RunStateSuccess,
	})

	require.NotNil(t, res.Status)
	assert.Equal(t, domain.StatusSuccess, *res.Status)

	rev, err := f.registry.GetRevisionByID(context.Background(), flowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, rev.Status)
	assert.Equal(t, "SUCCEEDED", rev.Pipelines["1/a"].Status)
	assert.Equal(t, "SUCCEEDED", rev.Pipelines["1/b"].Status)
	assert.Equal(t, map[string]any{"count_of_rows": 42}, rev.Pipelines["1/a"].Stats)

	// Terminal flows release their pipeline rows; the snapshot remains.
	rows, _ := f.registry.ListPipelines(context.Background(), flowID)
	assert.Empty(t, rows)

	require.Len(t, f.sinks.events, 1)
	ev := f.sinks.events[0]
	assert.Equal(t, "flow", ev.Source)
	assert.Equal(t, "finish", ev.Event)
	assert.Equal(t, "OK", ev.Outcome)
	assert.Equal(t, "published", ev.Findability)
	assert.Equal(t, flowID, ev.FlowID)

	assert.Empty(t, f.sinks.incidents)

	require.Len(t, f.sinks.indexed, 1)
	doc := f.sinks.indexed[0]
	assert.Equal(t, "me/id", doc.ID)
	assert.Equal(t, "published", doc.Datahub["findability"])
}

func TestApplyStatusDependencyCascade(t *testing.T) {
	f := newFixture()
	flowID := uploadFlow(t, f, []flow.PlannedPipeline{
		planned("./1/csv")[0],
		planned("./1/json")[0],
		dependentPipeline("./1/zip", "Zip", "./1/csv"),
		dependentPipeline("./1/preview", "Preview", "./1/json"),
		dependentPipeline("./1/me/id", "Final", "./1/csv", "./1/json", "./1/zip", "./1/preview"),
	})
	f.descriptors.descriptors[flowID] = map[string]any{
		"id":      "me/id",
		"name":    "id",
		"datahub": map[string]any{"findability": "published"},
	}

	f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/json",
		State:      domain.RunStateSuccess,
	})
	failed := f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/csv",
		State:      domain.RunStateFailed,
		Errors:     []string{"csv step exploded"},
	})

	// The failure cascades to the dependants but preview can still run.
	require.NotNil(t, failed.Status)
	assert.Equal(t, domain.StatusRunning, *failed.Status)

	wantMsg := `Dependency unsuccessful. Cannot run until dependency "1/csv" is successfullyexecuted`
	rev, err := f.registry.GetRevisionByID(context.Background(), flowID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", rev.Pipelines["1/zip"].Status)
	assert.Equal(t, []string{wantMsg}, rev.Pipelines["1/zip"].ErrorLog)
	assert.Equal(t, "FAILED", rev.Pipelines["1/me/id"].Status)
	assert.Equal(t, []string{wantMsg}, rev.Pipelines["1/me/id"].ErrorLog)
	// Pipelines enter the snapshot only when they report; preview has not yet.
	_, seen := rev.Pipelines["1/preview"]
	assert.False(t, seen)

	res := f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/preview",
		State:      domain.RunStateSuccess,
	})

	require.NotNil(t, res.Status)
	assert.Equal(t, domain.StatusFailed, *res.Status)

	rev, err = f.registry.GetRevisionByID(context.Background(), flowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rev.Status)

	rows, _ := f.registry.ListPipelines(context.Background(), flowID)
	assert.Empty(t, rows)

	require.Len(t, f.sinks.events, 1)
	ev := f.sinks.events[0]
	assert.Equal(t, "FAIL", ev.Outcome)
	assert.Equal(t, "private", ev.Findability)

	require.Len(t, f.sinks.incidents, 1)
	assert.Contains(t, f.sinks.incidents[0], "Flow failed: "+flowID)

	// First-ever revision is still indexed, downgraded to unlisted.
	require.Len(t, f.sinks.indexed, 1)
	assert.Equal(t, "unlisted", f.sinks.indexed[0].Datahub["findability"])
}

func TestApplyStatusCascadeFinalizingLastPipeline(t *testing.T) {
	f := newFixture()
	flowID := uploadFlow(t, f, []flow.PlannedPipeline{
		planned("./1/a")[0],
		dependentPipeline("./1/b", "B", "./1/a"),
	})
	f.descriptors.descriptors[flowID] = map[string]any{
		"id":      "me/id",
		"name":    "id",
		"datahub": map[string]any{"findability": "published"},
	}

	// The cascade fails the only remaining pipeline, so the flow turns
	// terminal inside the cascaded call, before this one resumes.
	res := f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/a",
		State:      domain.RunStateFailed,
		Errors:     []string{"a exploded"},
	})

	require.NotNil(t, res.Status)
	assert.Equal(t, domain.StatusFailed, *res.Status)

	rev, err := f.registry.GetRevisionByID(context.Background(), flowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rev.Status)
	assert.Equal(t, "FAILED", rev.Pipelines["1/a"].Status)
	assert.Equal(t, "FAILED", rev.Pipelines["1/b"].Status)

	rows, _ := f.registry.ListPipelines(context.Background(), flowID)
	assert.Empty(t, rows)

	// Exactly one terminal event, with the failure outcome.
	require.Len(t, f.sinks.events, 1)
	assert.Equal(t, "FAIL", f.sinks.events[0].Outcome)
	assert.Equal(t, "private", f.sinks.events[0].Findability)
	require.Len(t, f.sinks.incidents, 1)

	// The first-ever revision is indexed once, downgraded to unlisted.
	require.Len(t, f.sinks.indexed, 1)
	assert.Equal(t, "unlisted", f.sinks.indexed[0].Datahub["findability"])
}

func TestApplyStatusFailureWithPriorSuccessSkipsIndex(t *testing.T) {
	f := newFixture()

	first := uploadFlow(t, f, planned("./1/a"))
	f.descriptors.descriptors[first] = map[string]any{"id": "me/id"}
	f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/a",
		State:      domain.RunStateSuccess,
	})
	require.Len(t, f.sinks.indexed, 1)

	f.planner.pipelines = planned("./2/a")
	res := f.service.Upload(context.Background(), "token-me", specFor("me", "id", nil))
	require.True(t, res.Success)
	f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./2/a",
		State:      domain.RunStateFailed,
		Errors:     []string{"boom"},
	})

	// The earlier successful revision keeps the index entry as is.
	assert.Len(t, f.sinks.indexed, 1)
	require.Len(t, f.sinks.incidents, 1)
}

func TestApplyStatusUnknownPipeline(t *testing.T) {
	f := newFixture()

	res := f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/ghost",
		State:      domain.RunStateSuccess,
	})

	assert.Nil(t, res.Status)
	assert.Nil(t, res.ID)
	assert.Equal(t, []string{"pipeline not found"}, res.Errors)
}

func TestApplyStatusQueued(t *testing.T) {
	f := newFixture()
	flowID := uploadFlow(t, f, planned("./1/a"))

	res := f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "1/a",
		State:      domain.RunStateQueued,
	})

	require.NotNil(t, res.Status)
	assert.Equal(t, domain.StatusPending, *res.Status)

	rev, err := f.registry.GetRevisionByID(context.Background(), flowID)
	require.NoError(t, err)
	assert.Equal(t, "QUEUED", rev.Pipelines["1/a"].Status)
}
