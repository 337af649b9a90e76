package escalation

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

// Temporal names.
const (
	DefaultTaskQueue     = "origin-human-review"
	WorkflowName         = "HumanReviewWorkflow"
	DecisionSignal       = "review-decision"
	DefaultReviewTimeout = 72 * time.Hour
)

// Review outcomes recorded by the workflow.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
)

// ReviewDecision is what a reviewer signals back.
type ReviewDecision struct {
	Outcome  string `json:"outcome"`
	Reviewer string `json:"reviewer"`
	Comment  string `json:"comment,omitempty"`
}

// TemporalQueue starts one review workflow per job.
type TemporalQueue struct {
	client    client.Client
	taskQueue string
}

// NewTemporalQueue creates a queue on taskQueue; empty uses DefaultTaskQueue.
func NewTemporalQueue(c client.Client, taskQueue string) *TemporalQueue {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &TemporalQueue{client: c, taskQueue: taskQueue}
}

func (q *TemporalQueue) Name() string { return "temporal" }

// Enqueue starts the workflow with the job id as workflow id, so a retried
// enqueue does not start a second review.
func (q *TemporalQueue) Enqueue(ctx context.Context, job model.HumanReviewJob) error {
	run, err := q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        job.ID,
		TaskQueue: q.taskQueue,
	}, WorkflowName, job)
	if err != nil {
		if resilience.Unreachable(err) {
			return resilience.Transient(eris.Wrap(err, "escalation: start review workflow"), 0)
		}
		return eris.Wrap(err, "escalation: start review workflow")
	}
	zap.L().Debug("escalation: review workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// HumanReviewWorkflow waits for a reviewer decision or expires.
func HumanReviewWorkflow(ctx workflow.Context, job model.HumanReviewJob) (ReviewDecision, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("awaiting human review", "job_id", job.ID, "reason", job.Reason)

	var decision ReviewDecision
	ch := workflow.GetSignalChannel(ctx, DecisionSignal)

	timerCtx, cancel := workflow.WithCancel(ctx)
	timer := workflow.NewTimer(timerCtx, DefaultReviewTimeout)

	expired := false
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, &decision)
		cancel()
	})
	sel.AddFuture(timer, func(workflow.Future) {
		expired = true
	})
	sel.Select(ctx)

	if expired {
		return ReviewDecision{Outcome: OutcomeExpired}, nil
	}
	if decision.Outcome != OutcomeApproved && decision.Outcome != OutcomeRejected {
		return decision, eris.Errorf("escalation: unknown review outcome %q", decision.Outcome)
	}
	logger.Info("human review decided", "job_id", job.ID, "outcome", decision.Outcome)
	return decision, nil
}

// RegisterWorkflows registers the review workflow on w.
func RegisterWorkflows(w worker.Registry) {
	w.RegisterWorkflowWithOptions(HumanReviewWorkflow, workflow.RegisterOptions{Name: WorkflowName})
}
