package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"platform-core/internal/config"
	"platform-core/internal/models"
	"platform-core/internal/queue"
	"platform-core/internal/quota"
	"platform-core/internal/ratelimit"
	"platform-core/internal/store"
	"platform-core/internal/telemetry"
	"platform-core/internal/webhook"
)

// Deps collects the services the HTTP layer wires together.
type Deps struct {
	Store    *store.Store
	Queue    *queue.Queue
	Window   *ratelimit.Window
	Resolver *ratelimit.Resolver
	Quotas   *quota.Enforcer
	Metrics  *telemetry.Collector
	Ingestor *webhook.Ingestor
	Notifier quota.Notifier
	Log      *logrus.Logger
}

// Server wires HTTP handlers for the admission and producer API.
type Server struct {
	cfg      config.Config
	deps     Deps
	validate *validator.Validate
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	return &Server{cfg: cfg, deps: deps, validate: validator.New()}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.With(s.admit("job_enqueue")).Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/stats", s.handleJobStats)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Handle("/webhooks/inbound", http.HandlerFunc(s.handleInboundWebhook))
	r.Get("/webhooks/events/{id}", s.handleGetWebhookEvent)

	r.Get("/admin/stats", s.handleStatistics)
	r.Put("/admin/quotas", s.handleSetQuota)
	r.Get("/admin/quotas/{tenant}/{resource}/{period}", s.handleCheckQuota)
	r.Get("/admin/tenants/{tenant}/rate-limits", s.handleRateLimitStatus)
	r.Delete("/admin/tenants/{tenant}/rate-limits/{resource}", s.handleClearRateLimit)
	r.Post("/admin/metrics/clean", s.handleCleanMetrics)

	return r
}

// admit gates a request on the tenant's rate limit, then its hard quotas.
// Rate limit first: that rejection carries a retry-after, while a quota
// breach blocks until the period rolls over.
func (s *Server) admit(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenant := tenantFromRequest(r)

			policy, err := s.deps.Resolver.EffectiveLimit(ctx, tenant, resource)
			if err != nil {
				s.deps.Log.WithError(err).Error("resolve rate limit")
				writeError(w, http.StatusInternalServerError, "internal_error")
				return
			}
			if err := s.deps.Window.Enforce(ctx, tenant, resource, policy.Limit, policy.WindowSeconds); err != nil {
				var limited ratelimit.LimitExceededError
				if errors.As(err, &limited) {
					w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds()+0.5)))
					writeJSON(w, http.StatusTooManyRequests, map[string]any{
						"error":       "rate_limit_exceeded",
						"retry_after": int(limited.RetryAfter.Seconds() + 0.5),
						"limit":       limited.Limit,
						"current":     limited.Current,
					})
					return
				}
				s.deps.Log.WithError(err).Error("rate limit check")
				writeError(w, http.StatusInternalServerError, "internal_error")
				return
			}
			if err := s.deps.Quotas.Enforce(ctx, tenant, resource); err != nil {
				var exceeded quota.ExceededError
				if errors.As(err, &exceeded) {
					writeJSON(w, http.StatusTooManyRequests, map[string]any{
						"error":   "quota_exceeded",
						"period":  exceeded.Period,
						"limit":   exceeded.Limit,
						"current": exceeded.Current,
					})
					return
				}
				s.deps.Log.WithError(err).Error("quota check")
				writeError(w, http.StatusInternalServerError, "internal_error")
				return
			}
			if err := s.deps.Window.Record(ctx, tenant, resource, policy.WindowSeconds); err != nil {
				s.deps.Log.WithError(err).Warn("record request")
			}
			s.notifyThresholds(r, tenant, resource)

			next.ServeHTTP(w, r)
		})
	}
}

// notifyThresholds fires at-most-once-per-period quota warnings.
func (s *Server) notifyThresholds(r *http.Request, tenant, resource string) {
	if s.deps.Notifier == nil {
		return
	}
	ctx := r.Context()
	for _, period := range []string{models.PeriodHourly, models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly} {
		fire, err := s.deps.Quotas.ShouldNotify(ctx, tenant, resource, period)
		if err != nil {
			s.deps.Log.WithError(err).Warn("quota notify check")
			continue
		}
		if !fire {
			continue
		}
		d, err := s.deps.Quotas.Check(ctx, tenant, resource, period)
		if err != nil {
			continue
		}
		if err := s.deps.Notifier.Send(ctx, tenant, resource, period, d.Percentage); err != nil {
			s.deps.Log.WithError(err).Warn("quota notification")
		}
	}
}

type enqueueRequest struct {
	Type         string          `json:"type" validate:"required"`
	Payload      json.RawMessage `json:"payload"`
	MaxAttempts  int             `json:"max_attempts" validate:"gte=0"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	job, err := s.deps.Queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:        req.Type,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		var invalid queue.ValidationError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		s.deps.Log.WithError(err).Error("enqueue")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.deps.Log.WithError(err).Error("get job")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.deps.Log.WithError(err).Error("job stats")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Metrics.Statistics(r.Context())
	if err != nil {
		s.deps.Log.WithError(err).Error("statistics")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type setQuotaRequest struct {
	TenantID              string `json:"tenant_id" validate:"required"`
	ResourceType          string `json:"resource_type" validate:"required"`
	Period                string `json:"period" validate:"required,oneof=hourly daily weekly monthly"`
	LimitValue            int64  `json:"limit_value" validate:"required,gte=1"`
	IsHardLimit           bool   `json:"is_hard_limit"`
	NotificationThreshold int    `json:"notification_threshold" validate:"gte=0,lte=100"`
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	q, err := s.deps.Quotas.SetQuota(r.Context(), models.Quota{
		TenantID:              req.TenantID,
		ResourceType:          req.ResourceType,
		Period:                req.Period,
		LimitValue:            req.LimitValue,
		IsHardLimit:           req.IsHardLimit,
		NotificationThreshold: req.NotificationThreshold,
	})
	if err != nil {
		if errors.Is(err, quota.ErrInvalidQuota) {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		s.deps.Log.WithError(err).Error("set quota")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleCheckQuota(w http.ResponseWriter, r *http.Request) {
	decision, err := s.deps.Quotas.Check(r.Context(),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "resource"), chi.URLParam(r, "period"))
	if err != nil {
		s.deps.Log.WithError(err).Error("check quota")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.deps.Resolver.TenantStatus(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.deps.Log.WithError(err).Error("rate limit status")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": statuses})
}

func (s *Server) handleClearRateLimit(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	resource := chi.URLParam(r, "resource")
	policy, err := s.deps.Resolver.EffectiveLimit(r.Context(), tenant, resource)
	if err != nil {
		s.deps.Log.WithError(err).Error("resolve rate limit")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := s.deps.Window.Clear(r.Context(), tenant, resource, policy.WindowSeconds); err != nil {
		s.deps.Log.WithError(err).Error("clear rate limit")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanMetrics(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.MetricsRetentionDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		days = n
	}
	deleted, err := s.deps.Metrics.CleanOld(r.Context(), days)
	if err != nil {
		s.deps.Log.WithError(err).Error("clean metrics")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]string{"error": reason})
}

