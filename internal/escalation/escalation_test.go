package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/origin-engine/internal/dispatch"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

func TestRequiresReview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		res    model.OriginCalculationResult
		review bool
	}{
		{"non-conform", model.OriginCalculationResult{IsConform: false, Confidence: 0.99}, true},
		{"low score", model.OriginCalculationResult{IsConform: true, ConsensusScore: model.Float(0.7)}, true},
		{"at threshold", model.OriginCalculationResult{IsConform: true, ConsensusScore: model.Float(0.75)}, false},
		{"confidence stands in for score", model.OriginCalculationResult{IsConform: true, Confidence: 0.85}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.review, RequiresReview(tt.res, 0.75))
		})
	}
	assert.True(t, RequiresReview(model.OriginCalculationResult{IsConform: true, Confidence: 0.7}, 0), "zero threshold uses the default")
}

func TestReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.ReviewReasonNonConforming, Reason(model.OriginCalculationResult{}))
	assert.Equal(t, model.ReviewReasonLowConfidence, Reason(model.OriginCalculationResult{IsConform: true}))
}

type recordingSubmitter struct {
	tasks []dispatch.Task
	err   error
}

func (s *recordingSubmitter) Submit(t dispatch.Task) error {
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, t)
	return nil
}

func TestAdapter_EnqueueReview(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue()
	sub := &recordingSubmitter{}
	a := NewAdapter(queue, sub)
	a.now = func() time.Time { return time.UnixMilli(1767225600000) }

	req := model.OriginCalculationRequest{ProductSKU: "SKU-1", HSCode: "390110", TradeAgreement: "CETA"}
	res := model.OriginCalculationResult{IsConform: false, Explanation: "RVC below threshold"}
	job := a.NewJob(req, res)
	assert.Equal(t, "origin-1767225600000", job.RequestID)
	assert.Equal(t, model.ReviewReasonNonConforming, job.Reason)
	assert.Equal(t, "RVC below threshold", job.AISummary)
	assert.NotNil(t, job.DissentingOpinions)

	id, err := a.EnqueueReview(job)
	require.NoError(t, err)
	assert.Contains(t, id, "review-")
	assert.Empty(t, queue.Jobs(), "enqueue happens on the dispatcher, not inline")

	require.Len(t, sub.tasks, 1)
	assert.Equal(t, TaskKind, sub.tasks[0].Kind)
	require.NoError(t, sub.tasks[0].Run(context.Background()))

	jobs := queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "SKU-1", jobs[0].ProductSKU)
}

func TestAdapter_SubmitRejected(t *testing.T) {
	t.Parallel()

	a := NewAdapter(NewMemoryQueue(), &recordingSubmitter{err: dispatch.ErrQueueFull})
	id, err := a.EnqueueReview(model.HumanReviewJob{})
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrQueueFull)
	assert.Empty(t, id)
}

func TestAdapter_WithDispatcher(t *testing.T) {
	t.Parallel()

	d := dispatch.New(dispatch.Config{Workers: 1, QueueSize: 4})
	d.Start(context.Background())
	queue := NewMemoryQueue()

	_, err := NewAdapter(queue, d).EnqueueReview(model.HumanReviewJob{Reason: model.ReviewReasonLowConfidence})
	require.NoError(t, err)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Len(t, queue.Jobs(), 1)
}

func TestRedisQueue_UnreachableIsTransient(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close() //nolint:errcheck

	err := NewRedisQueue(client, "").Enqueue(context.Background(), model.HumanReviewJob{ID: "r1"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "escalation: redis lpush")
}

func TestTemporalQueue_Enqueue(t *testing.T) {
	t.Parallel()

	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("review-1")
	run.On("GetRunID").Return("run-1")
	c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "review-1" && o.TaskQueue == DefaultTaskQueue
	}), WorkflowName, mock.AnythingOfType("model.HumanReviewJob")).Return(run, nil)

	require.NoError(t, NewTemporalQueue(c, "").Enqueue(context.Background(), model.HumanReviewJob{ID: "review-1"}))
	c.AssertExpectations(t)
}

func TestTemporalQueue_EnqueueError(t *testing.T) {
	t.Parallel()

	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, WorkflowName, mock.Anything).
		Return(nil, errors.New("namespace not found"))

	err := NewTemporalQueue(c, "reviews").Enqueue(context.Background(), model.HumanReviewJob{ID: "x"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestHumanReviewWorkflow(t *testing.T) {
	t.Parallel()

	t.Run("decision signal", func(t *testing.T) {
		t.Parallel()
		var suite testsuite.WorkflowTestSuite
		env := suite.NewTestWorkflowEnvironment()
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(DecisionSignal, ReviewDecision{Outcome: OutcomeApproved, Reviewer: "officer-7"})
		}, time.Hour)

		env.ExecuteWorkflow(HumanReviewWorkflow, model.HumanReviewJob{ID: "review-1"})
		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var got ReviewDecision
		require.NoError(t, env.GetWorkflowResult(&got))
		assert.Equal(t, OutcomeApproved, got.Outcome)
		assert.Equal(t, "officer-7", got.Reviewer)
	})

	t.Run("expires", func(t *testing.T) {
		t.Parallel()
		var suite testsuite.WorkflowTestSuite
		env := suite.NewTestWorkflowEnvironment()
		env.ExecuteWorkflow(HumanReviewWorkflow, model.HumanReviewJob{ID: "review-2"})
		require.True(t, env.IsWorkflowCompleted())

		var got ReviewDecision
		require.NoError(t, env.GetWorkflowResult(&got))
		assert.Equal(t, OutcomeExpired, got.Outcome)
	})
}
