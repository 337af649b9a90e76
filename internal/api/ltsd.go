package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/validate"
	"github.com/sells-group/origin-engine/pkg/ltsd"
)

const msgEvaluatorNotConfigured = "Evaluation service is not configured"

type evaluationEnvelope struct {
	Verdict ltsd.EvaluationVerdict `json:"verdict"`
}

type evaluateResponse struct {
	Evaluation      evaluationEnvelope `json:"evaluation"`
	LedgerReference string             `json:"ledgerReference"`
}

type upstreamErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, validate.MsgInvalidBody)
		return
	}
	req, err := validate.EvaluationRequest(raw)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if s.deps.Evaluator == nil {
		writeError(w, http.StatusServiceUnavailable, msgEvaluatorNotConfigured)
		return
	}

	resp, err := s.deps.Evaluator.Evaluate(r.Context(), req)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	if err := validate.VerdictResponse(*resp); err != nil {
		zap.L().Warn("api: evaluation service returned invalid verdict", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ledger := resp.LedgerReference
	if ledger == "" {
		ledger = resp.Verdict.LedgerReference
	}
	writeJSON(w, http.StatusOK, evaluateResponse{
		Evaluation:      evaluationEnvelope{Verdict: resp.Verdict},
		LedgerReference: ledger,
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, validate.MsgInvalidBody)
		return
	}
	req, err := validate.CertificateRequest(raw)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if s.deps.Evaluator == nil {
		writeError(w, http.StatusServiceUnavailable, msgEvaluatorNotConfigured)
		return
	}

	doc, err := s.deps.Evaluator.Generate(r.Context(), req)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	defer doc.Body.Close() //nolint:errcheck

	for _, h := range ltsd.ForwardedHeaders {
		if v := doc.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(doc.StatusCode)
	if _, err := io.Copy(w, doc.Body); err != nil {
		zap.L().Warn("api: stream certificate document",
			zap.String("evaluation_id", req.EvaluationID),
			zap.Error(err),
		)
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	verr, ok := validate.As(err)
	if !ok {
		writeError(w, http.StatusBadRequest, validate.MsgInvalidBody)
		return
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Details: verr.Issues})
}

// writeUpstreamError surfaces the evaluation service's status and message.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var ue *ltsd.UpstreamError
	if !errors.As(err, &ue) {
		zap.L().Error("api: evaluation service call failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "Evaluation service request failed")
		return
	}
	resp := upstreamErrorResponse{Error: ue.Message}
	if len(ue.Details) > 0 {
		resp.Details = ue.Details
	}
	writeJSON(w, ue.Status, resp)
}
