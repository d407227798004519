package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahq/flowmanager/internal/domain"
	"github.com/datahq/flowmanager/internal/flow"
)

func TestInfoLatestRevision(t *testing.T) {
	f := newFixture()
	uploadFlow(t, f, planned("./1/a"))
	f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/a",
		State:      domain.RunStateSuccess,
	})

	info, err := f.service.Info(context.Background(), "me", "id", domain.LatestRevision())
	require.NoError(t, err)

	assert.Equal(t, "me/id/1", info.ID)
	assert.Equal(t, "SUCCEEDED", info.State)
	assert.Equal(t, f.now.Format(time.RFC3339Nano), info.Modified)
	assert.Equal(t, []string{}, info.ErrorLog)
	assert.Equal(t, "me", info.SpecContents.OwnerID())
	require.Contains(t, info.Pipelines, "1/a")
	assert.Equal(t, "SUCCEEDED", info.Pipelines["1/a"].Status)
	assert.False(t, info.Certified)
}

func TestInfoSuccessfulRevision(t *testing.T) {
	f := newFixture()
	uploadFlow(t, f, planned("./1/a"))
	f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./1/a",
		State:      domain.RunStateSuccess,
	})

	// A later failed revision does not hide the successful one.
	f.planner.pipelines = planned("./2/a")
	res := f.service.Upload(context.Background(), "token-me", specFor("me", "id", nil))
	require.True(t, res.Success)
	f.service.ApplyStatus(context.Background(), flow.StatusEvent{
		PipelineID: "./2/a",
		State:      domain.RunStateFailed,
		Errors:     []string{"boom"},
	})

	latest, err := f.service.Info(context.Background(), "me", "id", domain.LatestRevision())
	require.NoError(t, err)
	assert.Equal(t, "me/id/2", latest.ID)
	assert.Equal(t, "FAILED", latest.State)
	assert.Equal(t, []string{"boom"}, latest.ErrorLog)

	successful, err := f.service.Info(context.Background(), "me", "id", domain.SuccessfulRevision())
	require.NoError(t, err)
	assert.Equal(t, "me/id/1", successful.ID)
	assert.Equal(t, "SUCCEEDED", successful.State)

	numbered, err := f.service.Info(context.Background(), "me", "id", domain.RevisionNumber(1))
	require.NoError(t, err)
	assert.Equal(t, "me/id/1", numbered.ID)
}

func TestInfoNotFound(t *testing.T) {
	f := newFixture()

	_, err := f.service.Info(context.Background(), "me", "missing", domain.LatestRevision())
	assert.ErrorIs(t, err, flow.ErrNotFound)

	uploadFlow(t, f, planned("./1/a"))
	_, err = f.service.Info(context.Background(), "me", "id", domain.RevisionNumber(9))
	assert.ErrorIs(t, err, flow.ErrNotFound)

	// No successful revision yet.
	_, err = f.service.Info(context.Background(), "me", "id", domain.SuccessfulRevision())
	assert.ErrorIs(t, err, flow.ErrNotFound)
}
