// Package audit records what the engine decided and why.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/dispatch"
)

// TaskKind labels audit tasks on the dispatcher.
const TaskKind = "audit_log"

// Actions.
const (
	ActionOriginCalculation = "origin_calculation"
	ActionAIConsensus       = "ai_consensus"
	ActionPartnerCheck      = "partner_origin_check"
	ActionWebhookRegistered = "webhook_registered"
	ActionWebhookDeleted    = "webhook_deleted"
)

// Event is one audit record.
type Event struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resourceId"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher writes audit events somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Submitter accepts background tasks.
type Submitter interface {
	Submit(t dispatch.Task) error
}

// Recorder publishes audit events in the background.
type Recorder struct {
	pub       Publisher
	submitter Submitter
	now       func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(pub Publisher, submitter Submitter) *Recorder {
	return &Recorder{pub: pub, submitter: submitter, now: time.Now}
}

// Record stamps ev and submits it. It never blocks and never fails the caller;
// a rejected submit is logged. A nil recorder discards events.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = r.now().UTC()
	}
	err := r.submitter.Submit(dispatch.Task{
		ID:      ev.ID,
		Kind:    TaskKind,
		Payload: ev,
		Run: func(ctx context.Context) error {
			return r.pub.Publish(ctx, ev)
		},
	})
	if err != nil {
		zap.L().Warn("audit: event dropped",
			zap.String("action", ev.Action),
			zap.String("resource_id", ev.ResourceID),
			zap.Error(err),
		)
	}
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	log *zap.Logger
}

// NewLogPublisher publishes through log; nil uses the global logger.
func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.L()
	}
	return &LogPublisher{log: log.Named("audit")}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info(ev.Action,
		zap.String("event_id", ev.ID),
		zap.String("resource", ev.Resource),
		zap.String("resource_id", ev.ResourceID),
		zap.Bool("success", ev.Success),
		zap.String("error", ev.Error),
		zap.Any("details", ev.Details),
		zap.Time("at", ev.At),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	// Sync fails on stdout/stderr on some platforms; nothing to recover.
	_ = p.log.Sync()
	return nil
}

// ErrClosed is returned by a publisher after Close.
var ErrClosed = eris.New("audit: publisher closed")
