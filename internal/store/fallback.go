package store

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

// FallbackStore serves from a durable store and switches to an in-memory
// mirror while the durable store is unreachable. Degraded mode is reported
// through Degraded and the onChange hook; it clears on the next durable
// success. Records written during an outage live only in the mirror.
type FallbackStore struct {
	durable  Store
	memory   *MemoryStore
	degraded atomic.Bool
	onChange func(degraded bool)
}

// NewFallback wraps durable. onChange may be nil.
func NewFallback(durable Store, memory *MemoryStore, onChange func(degraded bool)) *FallbackStore {
	if memory == nil {
		memory = NewMemory()
	}
	return &FallbackStore{durable: durable, memory: memory, onChange: onChange}
}

// Degraded reports whether the last durable operation was unreachable.
func (f *FallbackStore) Degraded() bool {
	return f.degraded.Load()
}

func (f *FallbackStore) setDegraded(v bool, op string, cause error) {
	if f.degraded.Swap(v) == v {
		return
	}
	if v {
		zap.L().Error("store: durable store unreachable, serving from memory",
			zap.String("op", op), zap.Error(cause))
	} else {
		zap.L().Info("store: durable store recovered", zap.String("op", op))
	}
	if f.onChange != nil {
		f.onChange(v)
	}
}

// run calls the durable store and falls back to the mirror on unreachable
// errors. Other errors are returned as-is.
func run[T any](f *FallbackStore, op string, fn func(Store) (T, error)) (T, error) {
	v, err := fn(f.durable)
	if err == nil {
		f.setDegraded(false, op, nil)
		return v, nil
	}
	if !resilience.Unreachable(err) {
		return v, err
	}
	f.setDegraded(true, op, err)
	return fn(f.memory)
}

func (f *FallbackStore) FindByIdentity(ctx context.Context, id model.CertificateIdentity) (*model.Certificate, error) {
	c, err := run(f, "find", func(s Store) (*model.Certificate, error) { return s.FindByIdentity(ctx, id) })
	if err != nil || c != nil {
		return c, err
	}
	return f.memory.FindByIdentity(ctx, id)
}

func (f *FallbackStore) Create(ctx context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error) {
	return run(f, "create", func(s Store) (*model.Certificate, error) { return s.Create(ctx, id, upd) })
}

func (f *FallbackStore) Update(ctx context.Context, certID string, upd CertificateUpdate) (*model.Certificate, error) {
	c, err := run(f, "update", func(s Store) (*model.Certificate, error) { return s.Update(ctx, certID, upd) })
	if errors.Is(err, ErrNotFound) {
		return f.memory.Update(ctx, certID, upd)
	}
	return c, err
}

func (f *FallbackStore) Upsert(ctx context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error) {
	return run(f, "upsert", func(s Store) (*model.Certificate, error) { return s.Upsert(ctx, id, upd) })
}

func (f *FallbackStore) Get(ctx context.Context, certID string) (*model.Certificate, error) {
	c, err := run(f, "get", func(s Store) (*model.Certificate, error) { return s.Get(ctx, certID) })
	if errors.Is(err, ErrNotFound) {
		return f.memory.Get(ctx, certID)
	}
	return c, err
}

func (f *FallbackStore) List(ctx context.Context, filter CertificateFilter) ([]model.Certificate, error) {
	return run(f, "list", func(s Store) ([]model.Certificate, error) { return s.List(ctx, filter) })
}

func (f *FallbackStore) CreateWebhook(ctx context.Context, wh *model.Webhook) error {
	_, err := run(f, "create_webhook", func(s Store) (struct{}, error) { return struct{}{}, s.CreateWebhook(ctx, wh) })
	return err
}

func (f *FallbackStore) ListWebhooks(ctx context.Context, partnerID string) ([]model.Webhook, error) {
	return run(f, "list_webhooks", func(s Store) ([]model.Webhook, error) { return s.ListWebhooks(ctx, partnerID) })
}

func (f *FallbackStore) DeleteWebhook(ctx context.Context, partnerID, webhookID string) (bool, error) {
	ok, err := run(f, "delete_webhook", func(s Store) (bool, error) { return s.DeleteWebhook(ctx, partnerID, webhookID) })
	if err == nil && !ok && !f.Degraded() {
		return f.memory.DeleteWebhook(ctx, partnerID, webhookID)
	}
	return ok, err
}

func (f *FallbackStore) SaveDeadLetter(ctx context.Context, d resilience.DeadLetter) error {
	_, err := run(f, "save_dead_letter", func(s Store) (struct{}, error) { return struct{}{}, s.SaveDeadLetter(ctx, d) })
	return err
}

func (f *FallbackStore) ListDeadLetters(ctx context.Context, limit int) ([]resilience.DeadLetter, error) {
	return run(f, "list_dead_letters", func(s Store) ([]resilience.DeadLetter, error) { return s.ListDeadLetters(ctx, limit) })
}

// Ping checks the durable store only.
func (f *FallbackStore) Ping(ctx context.Context) error {
	err := f.durable.Ping(ctx)
	switch {
	case err == nil:
		f.setDegraded(false, "ping", nil)
	case resilience.Unreachable(err):
		f.setDegraded(true, "ping", err)
	}
	return err
}

func (f *FallbackStore) Migrate(ctx context.Context) error {
	return f.durable.Migrate(ctx)
}

func (f *FallbackStore) Close() error {
	return errors.Join(f.durable.Close(), f.memory.Close())
}
