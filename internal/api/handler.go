package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/model-router/internal/auth"
	"github.com/felipepmaragno/model-router/internal/crypto"
	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/failover"
	"github.com/felipepmaragno/model-router/internal/gateway"
	"github.com/felipepmaragno/model-router/internal/metrics"
	"github.com/felipepmaragno/model-router/internal/protocol"
	"github.com/felipepmaragno/model-router/internal/ratelimit"
	"github.com/felipepmaragno/model-router/internal/repository"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 32 << 20

type HandlerConfig struct {
	Gateway  *gateway.Gateway
	Failover *failover.Manager
	// RateLimiter is optional; RateLimitRPM <= 0 also disables limiting.
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	Journal      repository.EventJournal
	AdminGuard   *auth.Guard
	Checkers     []HealthChecker
	CheckTimeout time.Duration
	Version      string
}

type Handler struct {
	gateway      *gateway.Gateway
	failover     *failover.Manager
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
	version      string
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		gateway:      cfg.Gateway,
		failover:     cfg.Failover,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		version:      cfg.Version,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleCompletion(protocol.For(domain.DialectOpenAI)))
	h.mux.HandleFunc("POST /v1/messages", h.handleCompletion(protocol.For(domain.DialectAnthropic)))
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	checkers := append([]HealthChecker{NewFailoverStoreChecker(cfg.Failover)}, cfg.Checkers...)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(checkers, checkTimeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	admin := NewAdminHandler(cfg.Failover, cfg.Gateway.Router(), cfg.Journal)
	guard := cfg.AdminGuard
	if guard == nil {
		guard, _ = auth.NewGuard("")
	}
	h.mux.Handle("/admin/", guard.Require(admin))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleCompletion(adapter protocol.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeError(w, adapter, domain.InvalidRequestf("read request body: %v", err), requestID)
			return
		}

		rc, err := adapter.Parse(body, r.Header)
		if err != nil {
			writeError(w, adapter, err, requestID)
			return
		}
		rc.RequestID = requestID

		if !h.allow(w, r, adapter, rc) {
			return
		}

		if rc.Stream {
			h.handleStream(w, r, adapter, rc)
			return
		}

		res, err := h.gateway.Complete(ctx, rc)
		if err != nil {
			writeError(w, adapter, err, requestID)
			return
		}

		data, err := adapter.Render(rc.Alias, res.Completion)
		if err != nil {
			writeError(w, adapter, fmt.Errorf("render response: %w", err), requestID)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// allow applies the per-client rate limit. Clients are identified by a
// fingerprint of their key.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, adapter protocol.Adapter, rc *domain.RequestContext) bool {
	if h.rateLimiter == nil || h.rateLimitRPM <= 0 {
		return true
	}

	client := crypto.Fingerprint(rc.ClientKey)
	allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), client, h.rateLimitRPM)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "request_id", rc.RequestID)
		writeError(w, adapter, err, rc.RequestID)
		return false
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimitHit(adapter.Dialect().String())
		slog.Warn("rate limit exceeded", "client", client, "alias", rc.Alias, "request_id", rc.RequestID)
		retryAfter := int(time.Until(resetAt).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
		writeError(w, adapter, domain.ErrRateLimitExceeded, rc.RequestID)
		return false
	}

	return true
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, adapter protocol.Adapter, rc *domain.RequestContext) {
	ctx := r.Context()

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, adapter, errors.New("streaming not supported"), rc.RequestID)
		return
	}

	call, err := h.gateway.Stream(ctx, rc)
	if err != nil {
		writeError(w, adapter, err, rc.RequestID)
		return
	}
	defer call.Close()

	// Headers wait for the first frame so an upstream that fails before
	// producing anything still gets a proper status code.
	first, ok := <-call.Frames
	if !ok {
		if err := call.Wait(); err != nil {
			writeError(w, adapter, err, rc.RequestID)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sw := adapter.NewStreamWriter(w, rc.Alias)

	if ok {
		if h.writeFrame(sw, call, first, rc) {
			for f := range call.Frames {
				if !h.writeFrame(sw, call, f, rc) {
					break
				}
			}
		}
	}

	if err := call.Wait(); err != nil {
		if ctx.Err() == nil {
			sw.WriteError(err)
		}
		return
	}

	if err := sw.Finish(call.Usage()); err != nil {
		slog.Warn("finish stream", "error", err, "request_id", rc.RequestID)
	}
}

// writeFrame forwards one frame. On a write failure the stream is
// abandoned, which cancels the upstream call.
func (h *Handler) writeFrame(sw protocol.StreamWriter, call *gateway.StreamCall, f domain.StreamFrame, rc *domain.RequestContext) bool {
	if err := sw.WriteFrame(f); err != nil {
		slog.Warn("client write failed, abandoning stream", "error", err, "request_id", rc.RequestID, "alias", rc.Alias)
		call.Close()
		return false
	}
	return true
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	aliases := h.gateway.Router().Aliases()

	data := make([]modelEntry, 0, len(aliases))
	for _, alias := range aliases {
		data = append(data, modelEntry{
			ID:      alias,
			Object:  "model",
			OwnedBy: "model-router",
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	states, err := h.failover.States(r.Context())
	if err != nil {
		slog.Error("list failover states", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "failover state unavailable",
		})
		return
	}

	status := "healthy"
	aliases := make(map[string]string, len(states))
	for _, st := range states {
		aliases[st.Alias] = st.Status.String()
		if st.FailedOver() {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"aliases": aliases,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError renders err in the dialect's envelope and logs it.
func writeError(w http.ResponseWriter, adapter protocol.Adapter, err error, requestID string) {
	status, body := adapter.RenderError(err)

	switch {
	case status >= http.StatusInternalServerError:
		slog.Error("request failed", "error", err, "status", status, "request_id", requestID)
	case status != protocol.StatusClientClosedRequest:
		slog.Warn("request rejected", "error", err, "status", status, "request_id", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
