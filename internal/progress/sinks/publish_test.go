package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/progress"
	"github.com/JakeFAU/recipe-importer/internal/publisher/memory"
)

func TestPublishSinkOnlyForwardsTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "recipe-jobs", nil)
	now := time.Now()

	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{JobID: "job-1", TS: now, Stage: progress.StageJobProgress, Percent: 50},
		{JobID: "job-1", TS: now, Stage: progress.StageJobDone, RecipeID: "r-1", Status: importer.StatusCompleted},
	})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "recipe-jobs", msgs[0].Topic)
	evt, ok := msgs[0].Payload.(progress.Event)
	require.True(t, ok)
	require.Equal(t, "r-1", evt.RecipeID)
}

func TestPublishSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublishSink(failingPublisher{}, "topic", nil)
	now := time.Now()
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: now, Stage: progress.StageJobError, ErrorCode: importer.CodeTimeout},
		{JobID: "b", TS: now, Stage: progress.StageJobCancelled, ErrorCode: importer.CodeCancelled},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "publish job a")
	require.Contains(t, err.Error(), "publish job b")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("bus down")
}
