package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/audit"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/store"
	"github.com/sells-group/origin-engine/internal/validate"
)

// APIKeyHeader carries the partner API key.
const APIKeyHeader = "X-API-Key"

const (
	partnerAPIVersion = "1.0.0"
	partnerDocs       = "/docs/partner-api-v1.md"
	minCertificateID  = 5
)

type partnerKey struct{}

// PartnerID returns the authenticated partner on ctx.
func PartnerID(ctx context.Context) string {
	id, _ := ctx.Value(partnerKey{}).(string)
	return id
}

func (s *Server) registerPartner(r chi.Router) {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", APIKeyHeader},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(s.partnerAuth)

	r.Post("/origin-check", s.handleOriginCheck)
	r.Get("/origin-check", s.handleOriginCheckInfo)
	r.Get("/certificate/{id}", s.handlePartnerCertificate)
	r.Post("/webhook", s.handleRegisterWebhook)
	r.Get("/webhook", s.handleListWebhooks)
	r.Delete("/webhook", s.handleDeleteWebhook)
}

// partnerAuth checks the API key and applies the per-partner rate limit.
// The partner id is the first 8 characters of the key.
func (s *Server) partnerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		switch {
		case key == "":
			writeCodedError(w, http.StatusUnauthorized, "Missing API key. Include X-API-Key header.", CodeUnauthorized)
			return
		case len(key) != 64 || !govalidator.IsHexadecimal(key):
			writeCodedError(w, http.StatusUnauthorized, "Invalid API key format", CodeUnauthorized)
			return
		case len(s.apiKeys) > 0 && !s.apiKeys[key]:
			writeCodedError(w, http.StatusUnauthorized, "Invalid API key", CodeUnauthorized)
			return
		}
		partnerID := key[:8]

		remaining, retryAfter, ok := s.limiter.allow(partnerID)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			s.deps.Metrics.IncrementRateLimited(partnerID)
			secs := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(s.now().Add(retryAfter).Unix(), 10))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      "Rate limit exceeded",
				"code":       CodeRateLimited,
				"retryAfter": secs,
			})
			return
		}

		ctx := context.WithValue(r.Context(), partnerKey{}, partnerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleOriginCheck(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	partnerID := PartnerID(r.Context())

	raw, err := readBody(w, r)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, validate.MsgInvalidBody, CodeValidation)
		return
	}
	req, err := validate.PartnerCheck(raw)
	if err != nil {
		writePartnerValidationError(w, err, validate.MsgInvalidBody)
		return
	}
	if req.RequestID == "" {
		req.RequestID = newRequestID(start)
	}

	zap.L().Info("partner: origin check",
		zap.String("partner_id", partnerID),
		zap.String("request_id", req.RequestID),
		zap.String("product_sku", req.ProductSKU),
		zap.String("agreement", req.TradeAgreement),
	)

	verdict, calcs := s.deps.Catalog.PartnerCheck(req)
	now := s.now()
	resp := model.PartnerCheckResult{
		RequestID:      req.RequestID,
		Result:         verdict,
		Calculations:   calcs,
		Timestamp:      now.UTC(),
		ProcessingTime: now.Sub(start).Milliseconds(),
	}

	s.deps.Audit.Record(audit.Event{
		Action:     audit.ActionPartnerCheck,
		Resource:   "partner_origin_check",
		ResourceID: req.RequestID,
		Success:    true,
		Details: map[string]any{
			"partnerId":  partnerID,
			"productSku": req.ProductSKU,
			"agreement":  req.TradeAgreement,
			"verdict":    verdict.Verdict,
		},
	})

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOriginCheckInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"version":       partnerAPIVersion,
		"endpoint":      "origin-check",
		"documentation": partnerDocs,
	})
}

type partnerCertificateResult struct {
	IsConform  bool    `json:"isConform"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

type partnerCertificate struct {
	ID         string                    `json:"id"`
	ProductSKU string                    `json:"productSku"`
	HSCode     string                    `json:"hsCode"`
	Agreement  string                    `json:"agreement"`
	Status     model.CertificateStatus   `json:"status"`
	CreatedAt  time.Time                 `json:"createdAt"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
	Result     *partnerCertificateResult `json:"result,omitempty"`
}

func newPartnerCertificate(c *model.Certificate) partnerCertificate {
	pc := partnerCertificate{
		ID:         c.ID,
		ProductSKU: c.ProductSKU,
		HSCode:     c.HS6,
		Agreement:  c.Agreement,
		Status:     c.Status,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
	if p, err := c.Payload(); err == nil && p != nil {
		verdict := model.VerdictNonPreferential
		if p.IsConform {
			verdict = model.VerdictPreferential
		}
		pc.Result = &partnerCertificateResult{IsConform: p.IsConform, Verdict: verdict, Confidence: p.Confidence}
	}
	return pc
}

func (s *Server) handlePartnerCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if len(id) < minCertificateID {
		writeCodedError(w, http.StatusBadRequest, "Invalid certificate ID", CodeInvalidID)
		return
	}

	cert, err := s.deps.Store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeCodedError(w, http.StatusNotFound, MsgCertificateNotFound, CodeNotFound)
		return
	}
	if err != nil {
		zap.L().Error("partner: certificate retrieval", zap.String("certificate_id", id), zap.Error(err))
		writeCodedError(w, http.StatusInternalServerError, "Internal server error", CodeInternal)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"certificate": newPartnerCertificate(cert),
		"retrievedAt": s.now().UTC(),
	})
}

type webhookSummary struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Events      []string  `json:"events"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	partnerID := PartnerID(r.Context())

	raw, err := readBody(w, r)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, validate.MsgInvalidWebhook, CodeValidation)
		return
	}
	reg, err := validate.WebhookRegistration(raw)
	if err != nil {
		writePartnerValidationError(w, err, validate.MsgInvalidWebhook)
		return
	}

	wh := &model.Webhook{
		PartnerID:   partnerID,
		URL:         reg.URL,
		Events:      reg.Events,
		Secret:      reg.Secret,
		Description: reg.Description,
		Active:      true,
	}
	if err := s.deps.Store.CreateWebhook(r.Context(), wh); err != nil {
		zap.L().Error("partner: webhook registration", zap.String("partner_id", partnerID), zap.Error(err))
		writeCodedError(w, http.StatusInternalServerError, "Failed to register webhook", CodeInternal)
		return
	}

	s.deps.Audit.Record(audit.Event{
		Action:     audit.ActionWebhookRegistered,
		Resource:   "partner_webhook",
		ResourceID: wh.ID,
		Success:    true,
		Details:    map[string]any{"partnerId": partnerID, "url": wh.URL, "events": wh.Events},
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"webhook": webhookSummary{
			ID:          wh.ID,
			URL:         wh.URL,
			Events:      wh.Events,
			Description: wh.Description,
			Active:      wh.Active,
			CreatedAt:   wh.CreatedAt,
		},
		"message": "Webhook registered successfully",
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	partnerID := PartnerID(r.Context())
	hooks, err := s.deps.Store.ListWebhooks(r.Context(), partnerID)
	if err != nil {
		zap.L().Error("partner: webhook listing", zap.String("partner_id", partnerID), zap.Error(err))
		writeCodedError(w, http.StatusInternalServerError, "Failed to fetch webhooks", CodeInternal)
		return
	}
	if hooks == nil {
		hooks = []model.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"webhooks": hooks,
		"total":    len(hooks),
	})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	partnerID := PartnerID(r.Context())
	id := r.URL.Query().Get("id")
	if id == "" {
		writeCodedError(w, http.StatusBadRequest, "Missing webhook ID", CodeMissingID)
		return
	}

	deleted, err := s.deps.Store.DeleteWebhook(r.Context(), partnerID, id)
	if err != nil {
		zap.L().Error("partner: webhook deletion", zap.String("webhook_id", id), zap.Error(err))
		writeCodedError(w, http.StatusInternalServerError, "Failed to delete webhook", CodeInternal)
		return
	}
	// Another partner's webhook looks the same as a missing one.
	if !deleted {
		writeCodedError(w, http.StatusNotFound, "Webhook not found or access denied", CodeNotFound)
		return
	}

	s.deps.Audit.Record(audit.Event{
		Action:     audit.ActionWebhookDeleted,
		Resource:   "partner_webhook",
		ResourceID: id,
		Success:    true,
		Details:    map[string]any{"partnerId": partnerID},
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Webhook deleted successfully",
		"id":      id,
	})
}

func writePartnerValidationError(w http.ResponseWriter, err error, summary string) {
	resp := errorResponse{Error: summary, Code: CodeValidation}
	if verr, ok := validate.As(err); ok {
		resp.Details = verr.Issues
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

// newRequestID returns an id of the form req_<unix ms>_<random>.
func newRequestID(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b[:]))
}
