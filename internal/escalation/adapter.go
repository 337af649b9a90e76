package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/origin-engine/internal/dispatch"
	"github.com/sells-group/origin-engine/internal/model"
)

// TaskKind labels escalation tasks on the dispatcher and in failure telemetry.
const TaskKind = "human_review_queue"

// Submitter accepts background tasks.
type Submitter interface {
	Submit(t dispatch.Task) error
}

// Adapter hands review jobs to a queue without blocking the caller.
type Adapter struct {
	queue     Queue
	submitter Submitter
	now       func() time.Time
}

// NewAdapter creates an adapter that enqueues onto queue through submitter.
func NewAdapter(queue Queue, submitter Submitter) *Adapter {
	return &Adapter{queue: queue, submitter: submitter, now: time.Now}
}

// Backend names the queue in use.
func (a *Adapter) Backend() string { return a.queue.Name() }

// NewJob builds the review job for a determination.
func (a *Adapter) NewJob(req model.OriginCalculationRequest, res model.OriginCalculationResult) model.HumanReviewJob {
	summary := res.ConsensusSummary
	if summary == "" {
		summary = res.Explanation
	}
	dissent := res.DissentingOpinions
	if dissent == nil {
		dissent = []string{}
	}
	return model.HumanReviewJob{
		RequestID:          fmt.Sprintf("origin-%d", a.now().UnixMilli()),
		ProductSKU:         req.ProductSKU,
		HSCode:             req.HSCode,
		TradeAgreement:     req.TradeAgreement,
		Reason:             Reason(res),
		AISummary:          summary,
		DissentingOpinions: dissent,
	}
}

// EnqueueReview assigns a job id and submits the enqueue. It returns as soon
// as the task is accepted; queue failures surface on the dispatcher.
func (a *Adapter) EnqueueReview(job model.HumanReviewJob) (string, error) {
	if job.ID == "" {
		job.ID = "review-" + uuid.NewString()
	}
	err := a.submitter.Submit(dispatch.Task{
		ID:      job.ID,
		Kind:    TaskKind,
		Payload: job,
		Run: func(ctx context.Context) error {
			return a.queue.Enqueue(ctx, job)
		},
	})
	if err != nil {
		return "", eris.Wrapf(err, "escalation: submit review %s", job.ID)
	}
	return job.ID, nil
}
