package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = eris.New("store: not found")

// CertificateFilter specifies criteria for listing certificates.
type CertificateFilter struct {
	Status    model.CertificateStatus `json:"status,omitempty"`
	Agreement string                  `json:"agreement,omitempty"`
	Since     time.Time               `json:"since,omitempty"`
	Limit     int                     `json:"limit,omitempty"`
	Offset    int                     `json:"offset,omitempty"`
}

// CertificateUpdate carries the mutable fields of a certificate.
type CertificateUpdate struct {
	Status model.CertificateStatus
	Result json.RawMessage
}

// Store persists certificates keyed by (productSku, hs6, agreement), partner
// webhook registrations and dead-lettered background work.
type Store interface {
	// Certificates
	FindByIdentity(ctx context.Context, id model.CertificateIdentity) (*model.Certificate, error)
	Create(ctx context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error)
	Update(ctx context.Context, certID string, upd CertificateUpdate) (*model.Certificate, error)
	Upsert(ctx context.Context, id model.CertificateIdentity, upd CertificateUpdate) (*model.Certificate, error)
	Get(ctx context.Context, certID string) (*model.Certificate, error)
	List(ctx context.Context, filter CertificateFilter) ([]model.Certificate, error)

	// Webhooks
	CreateWebhook(ctx context.Context, wh *model.Webhook) error
	ListWebhooks(ctx context.Context, partnerID string) ([]model.Webhook, error)
	DeleteWebhook(ctx context.Context, partnerID, webhookID string) (bool, error)

	// Dead letters
	SaveDeadLetter(ctx context.Context, d resilience.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]resilience.DeadLetter, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// NewWebhookID returns an id of the form wh_<unix ms>_<random>.
func NewWebhookID(now time.Time) string {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("wh_%d_%s", now.UnixMilli(), hex.EncodeToString(b[:]))
}

func prepareWebhook(wh *model.Webhook, now time.Time) {
	if wh.ID == "" {
		wh.ID = NewWebhookID(now)
	}
	if wh.CreatedAt.IsZero() {
		wh.CreatedAt = now
	}
	if wh.Events == nil {
		wh.Events = []string{}
	}
}

// decodeResult keeps a stored result usable even when it is not valid JSON:
// the raw text is logged and passed through as a JSON string.
func decodeResult(raw []byte, certID string) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	zap.L().Warn("store: certificate result is not valid JSON",
		zap.String("certificate_id", certID),
		zap.Int("bytes", len(raw)),
	)
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func statusOrDefault(s model.CertificateStatus) (model.CertificateStatus, error) {
	if s == "" {
		return model.CertificateStatusPending, nil
	}
	if !s.Valid() {
		return "", eris.Errorf("store: invalid certificate status %q", s)
	}
	return s, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
