package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

// MemoryStore keeps everything in process. It serves as the degraded-mode
// mirror behind FallbackStore and as the store for local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	certs      map[string]model.Certificate
	byIdentity map[string]string
	webhooks   map[string]model.Webhook
	dead       *resilience.DeadLetters
	now        func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		certs:      make(map[string]model.Certificate),
		byIdentity: make(map[string]string),
		webhooks:   make(map[string]model.Webhook),
		dead:       resilience.NewDeadLetters(0),
		now:        time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) FindByIdentity(_ context.Context, id model.CertificateIdentity) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	certID, ok := s.byIdentity[id.Key()]
	if !ok {
		return nil, nil
	}
	c := s.certs[certID]
	return &c, nil
}

func (s *MemoryStore) Create(_ context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byIdentity[id.Key()]; exists {
		return nil, eris.Errorf("memory: certificate already exists for %s/%s/%s", id.ProductSKU, id.HS6, id.Agreement)
	}
	c := s.insertLocked(id, status, upd.Result)
	return &c, nil
}

func (s *MemoryStore) Update(_ context.Context, certID string, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[certID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "certificate %s", certID)
	}
	c = s.updateLocked(c, status, upd.Result)
	return &c, nil
}

// Upsert finds and writes under one store lock, so concurrent callers for an
// identity never both insert.
func (s *MemoryStore) Upsert(_ context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error) {
	status, err := statusOrDefault(upd.Status)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if certID, ok := s.byIdentity[id.Key()]; ok {
		c := s.updateLocked(s.certs[certID], status, upd.Result)
		return &c, nil
	}
	c := s.insertLocked(id, status, upd.Result)
	return &c, nil
}

func (s *MemoryStore) insertLocked(id model.CertificateIdentity, status model.CertificateStatus, result []byte) model.Certificate {
	now := s.now().UTC()
	c := model.Certificate{
		ID:         uuid.New().String(),
		ProductSKU: id.ProductSKU,
		HS6:        id.HS6,
		Agreement:  id.Agreement,
		Status:     status,
		Result:     cloneBytes(result),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.certs[c.ID] = c
	s.byIdentity[id.Key()] = c.ID
	return c
}

func (s *MemoryStore) updateLocked(c model.Certificate, status model.CertificateStatus, result []byte) model.Certificate {
	c.Status = status
	c.Result = cloneBytes(result)
	c.UpdatedAt = s.now().UTC()
	s.certs[c.ID] = c
	return c
}

func (s *MemoryStore) Get(_ context.Context, certID string) (*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[certID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "certificate %s", certID)
	}
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context, filter CertificateFilter) ([]model.Certificate, error) {
	s.mu.RLock()
	var certs []model.Certificate
	for _, c := range s.certs {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Agreement != "" && c.Agreement != filter.Agreement {
			continue
		}
		if !filter.Since.IsZero() && c.UpdatedAt.Before(filter.Since) {
			continue
		}
		certs = append(certs, c)
	}
	s.mu.RUnlock()

	sort.Slice(certs, func(i, j int) bool {
		if certs[i].UpdatedAt.Equal(certs[j].UpdatedAt) {
			return certs[i].ID < certs[j].ID
		}
		return certs[i].UpdatedAt.After(certs[j].UpdatedAt)
	})
	if filter.Offset >= len(certs) {
		return nil, nil
	}
	certs = certs[filter.Offset:]
	if limit := limitOrDefault(filter.Limit); len(certs) > limit {
		certs = certs[:limit]
	}
	return certs, nil
}

func (s *MemoryStore) CreateWebhook(_ context.Context, wh *model.Webhook) error {
	prepareWebhook(wh, s.now().UTC())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.webhooks[wh.ID]; exists {
		return eris.Errorf("memory: webhook %s already exists", wh.ID)
	}
	s.webhooks[wh.ID] = *wh
	return nil
}

func (s *MemoryStore) ListWebhooks(_ context.Context, partnerID string) ([]model.Webhook, error) {
	s.mu.RLock()
	hooks := []model.Webhook{}
	for _, wh := range s.webhooks {
		if wh.PartnerID == partnerID {
			hooks = append(hooks, wh)
		}
	}
	s.mu.RUnlock()
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].CreatedAt.After(hooks[j].CreatedAt) })
	return hooks, nil
}

func (s *MemoryStore) DeleteWebhook(_ context.Context, partnerID, webhookID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wh, ok := s.webhooks[webhookID]
	if !ok || wh.PartnerID != partnerID {
		return false, nil
	}
	delete(s.webhooks, webhookID)
	return true, nil
}

func (s *MemoryStore) SaveDeadLetter(_ context.Context, d resilience.DeadLetter) error {
	s.dead.Add(d)
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]resilience.DeadLetter, error) {
	all := s.dead.List("")
	// Newest first, like the SQL stores.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit := limitOrDefault(limit); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
