package handler

import (
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/pseudonym"
	"gridsec-analytics/internal/service"
)

// AnalyticsHandler exposes the analytics service over HTTP.
type AnalyticsHandler struct {
	svc    *service.AnalyticsService
	logger *zap.Logger
}

func NewAnalyticsHandler(svc *service.AnalyticsService, logger *zap.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalyticsHandler{svc: svc, logger: logger}
}

func (h *AnalyticsHandler) RegisterRoutes(router chi.Router) {
	router.Route("/events", func(r chi.Router) {
		r.Get("/summary", h.Summary)
		r.Get("/filter", h.Filter)
	})
	router.Post("/privacy/anonymize", h.Anonymize)
	router.Route("/model", func(r chi.Router) {
		r.Post("/train", h.Train)
		r.Post("/predict", h.Predict)
		r.Get("/metrics", h.ModelMetrics)
		r.Get("/roc", h.ROC)
		r.Get("/info", h.ModelInfo)
	})
	router.Route("/detect", func(r chi.Router) {
		r.Get("/nosy-admin", h.NosyAdmins)
		r.Get("/dormant-accounts", h.DormantAccounts)
		r.Get("/apt", h.APT)
	})
	router.Route("/pseudonym", func(r chi.Router) {
		r.Post("/create", h.CreatePseudonym)
		r.Post("/revert", h.RevertPseudonym)
		r.Get("/stats", h.PseudonymStats)
		r.Get("/{pseudonym}/audit", h.AuditTrail)
	})
}

func (h *AnalyticsHandler) ok(w http.ResponseWriter, data interface{}, message string) {
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(data, message))
}

func (h *AnalyticsHandler) fail(w http.ResponseWriter, err error, message string) {
	respondWithError(h.logger, w, getStatusCode(err), err, message)
}

func (h *AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	recent := 0
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(w, apperr.Wrap(apperr.ErrInvalidInput, "recent must be a non-negative integer"), "Invalid query")
			return
		}
		recent = n
	}
	sum, err := h.svc.Summary(r.Context(), recent)
	if err != nil {
		h.fail(w, err, "Failed to load events")
		return
	}
	h.ok(w, sum, "")
}

func (h *AnalyticsHandler) Filter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.svc.Filter(r.Context(), q.Get("attack_type"), q.Get("threat_level"))
	if err != nil {
		h.fail(w, err, "Failed to filter events")
		return
	}
	h.ok(w, res, "")
}

func (h *AnalyticsHandler) Anonymize(w http.ResponseWriter, r *http.Request) {
	var req service.AnonymizeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.fail(w, err, "Invalid request body")
			return
		}
	}
	res, err := h.svc.Anonymize(r.Context(), req)
	if err != nil {
		h.fail(w, err, "Anonymization failed")
		return
	}
	h.ok(w, res, "Events anonymized")
}

func (h *AnalyticsHandler) Train(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Train(r.Context())
	if err != nil {
		h.fail(w, err, "Training failed")
		return
	}
	h.ok(w, report, "Model trained")
}

func (h *AnalyticsHandler) Predict(w http.ResponseWriter, r *http.Request) {
	var e models.Event
	if err := decodeJSON(w, r, &e); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	res, err := h.svc.Predict(r.Context(), &e)
	if err != nil {
		h.fail(w, err, "Prediction failed")
		return
	}
	h.ok(w, res, "")
}

func (h *AnalyticsHandler) ModelMetrics(w http.ResponseWriter, r *http.Request) {
	eval, err := h.svc.ModelMetrics(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to evaluate model")
		return
	}
	h.ok(w, eval, "")
}

func (h *AnalyticsHandler) ROC(w http.ResponseWriter, r *http.Request) {
	roc, err := h.svc.ROC(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to compute ROC curve")
		return
	}
	h.ok(w, roc, "")
}

func (h *AnalyticsHandler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	h.ok(w, h.svc.ModelInfo(), "")
}

func (h *AnalyticsHandler) NosyAdmins(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.DetectNosyAdmins(r.Context())
	if err != nil {
		h.fail(w, err, "Nosy admin detection failed")
		return
	}
	h.ok(w, report, "")
}

func (h *AnalyticsHandler) DormantAccounts(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.DetectDormantAccounts(r.Context())
	if err != nil {
		h.fail(w, err, "Dormant account detection failed")
		return
	}
	h.ok(w, report, "")
}

func (h *AnalyticsHandler) APT(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.DetectAPT(r.Context())
	if err != nil {
		h.fail(w, err, "APT detection failed")
		return
	}
	h.ok(w, report, "")
}

type createPseudonymRequest struct {
	RealID string `json:"real_id"`
}

func (h *AnalyticsHandler) CreatePseudonym(w http.ResponseWriter, r *http.Request) {
	var req createPseudonymRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	m, err := h.svc.CreatePseudonym(r.Context(), req.RealID)
	if err != nil {
		h.fail(w, err, "Failed to create pseudonym")
		return
	}
	data := map[string]interface{}{"pseudonym": m.Pseudonym, "created_at": m.CreatedAt}
	respondWithJSON(h.logger, w, http.StatusCreated, successResponse(data, "Pseudonym created"))
}

func (h *AnalyticsHandler) RevertPseudonym(w http.ResponseWriter, r *http.Request) {
	var req pseudonym.RevertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	res, err := h.svc.RevertPseudonym(r.Context(), clientIP(r), req)
	if err != nil {
		h.fail(w, err, "Failed to revert pseudonym")
		return
	}
	h.ok(w, res, "Pseudonym reverted")
}

func (h *AnalyticsHandler) PseudonymStats(w http.ResponseWriter, r *http.Request) {
	h.ok(w, h.svc.PseudonymStats(), "")
}

func (h *AnalyticsHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pseudonym")
	h.ok(w, map[string]interface{}{"pseudonym": id, "audit_log": h.svc.AuditTrail(id)}, "")
}

// clientIP expects middleware.RealIP to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
