// Package escalation queues determinations for human review.
package escalation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/model"
)

// Queue is a review backend.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, job model.HumanReviewJob) error
}

// MemoryQueue keeps jobs in process. Jobs are lost on restart.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs []model.HumanReviewJob
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Name() string { return "memory" }

func (q *MemoryQueue) Enqueue(_ context.Context, job model.HumanReviewJob) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	zap.L().Info("human review required",
		zap.String("job_id", job.ID),
		zap.String("request_id", job.RequestID),
		zap.String("reason", job.Reason),
		zap.String("ai_summary", job.AISummary),
	)
	return nil
}

// Jobs returns a copy of the queued jobs.
func (q *MemoryQueue) Jobs() []model.HumanReviewJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.HumanReviewJob(nil), q.jobs...)
}
