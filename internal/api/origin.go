package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/determination"
	"github.com/sells-group/origin-engine/internal/metrics"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/store"
	"github.com/sells-group/origin-engine/internal/validate"
)

// Internal endpoint error messages.
const (
	MsgPersistFailed        = "Failed to persist certificate"
	MsgCalculationFailed    = "Failed to process origin calculation"
	MsgCertificateNotFound  = "Certificate not found"
	msgCertificateLookupErr = "Failed to load certificate"
)

type calculationView struct {
	IsConform      bool                          `json:"isConform"`
	Confidence     float64                       `json:"confidence"`
	Explanation    string                        `json:"explanation"`
	Calculations   model.Calculations            `json:"calculations"`
	Alternatives   []model.AlternativeEvaluation `json:"alternatives"`
	AppliedRules   []model.RuleRef               `json:"appliedRules"`
	TradeAgreement string                        `json:"tradeAgreement"`
	HSCode         string                        `json:"hsCode"`
	AIInsights     model.AIInsights              `json:"aiInsights"`
	Evidence       *model.Evidence               `json:"evidence,omitempty"`
}

type responseMeta struct {
	Degraded bool   `json:"degraded"`
	State    string `json:"state"`
	Path     string `json:"path"`
}

type calculateResponse struct {
	Certificate   *model.Certificate `json:"certificate"`
	CertificateID string             `json:"certificateId"`
	Result        calculationView    `json:"result"`
	HumanReview   *model.ReviewRef   `json:"humanReview"`
	Meta          responseMeta       `json:"meta"`
}

func newCalculateResponse(out *determination.Outcome) calculateResponse {
	p := out.Result.Payload()
	return calculateResponse{
		Certificate:   out.Certificate,
		CertificateID: out.Certificate.ID,
		Result: calculationView{
			IsConform:      p.IsConform,
			Confidence:     p.Confidence,
			Explanation:    p.Explanation,
			Calculations:   p.Calculations,
			Alternatives:   p.Alternatives,
			AppliedRules:   p.AppliedRules,
			TradeAgreement: out.Request.TradeAgreement,
			HSCode:         out.Request.HSCode,
			AIInsights:     p.AIInsights,
			Evidence:       p.Evidence,
		},
		HumanReview: out.HumanReview,
		Meta: responseMeta{
			Degraded: out.Degraded,
			State:    string(out.State),
			Path:     out.Path,
		},
	}
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		s.deps.Metrics.IncrementFailure(metrics.ReasonMalformedBody)
		writeError(w, http.StatusBadRequest, validate.MsgInvalidBody)
		return
	}

	out, err := s.deps.Determiner.Determine(r.Context(), raw)
	if err != nil {
		if verr, ok := validate.As(err); ok {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		if errors.Is(err, determination.ErrPersistFailed) {
			writeError(w, http.StatusInternalServerError, MsgPersistFailed)
			return
		}
		zap.L().Error("api: origin calculation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, MsgCalculationFailed)
		return
	}

	writeJSON(w, http.StatusOK, newCalculateResponse(out))
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cert, err := s.deps.Store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, MsgCertificateNotFound)
		return
	}
	if err != nil {
		zap.L().Error("api: get certificate", zap.String("certificate_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgCertificateLookupErr)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleKPI(w http.ResponseWriter, r *http.Request) {
	lookback := s.opts.LookbackHours
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lookback_hours must be a positive integer")
			return
		}
		lookback = n
	}

	snap, err := s.deps.KPI.Collect(r.Context(), lookback)
	if err != nil {
		zap.L().Error("api: collect kpi", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to collect KPIs")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
