package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felipepmaragno/model-router/internal/auth"
	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/failover"
	"github.com/felipepmaragno/model-router/internal/repository"
	"github.com/felipepmaragno/model-router/internal/router"
)

// AdminHandler exposes failover state to operators. It is mounted behind
// auth.Guard.
type AdminHandler struct {
	failover *failover.Manager
	router   *router.Router
	journal  repository.EventJournal
	mux      *http.ServeMux
}

func NewAdminHandler(fm *failover.Manager, r *router.Router, journal repository.EventJournal) *AdminHandler {
	h := &AdminHandler{
		failover: fm,
		router:   r,
		journal:  journal,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/failover", h.listStates)
	h.mux.HandleFunc("GET /admin/failover/{alias}", h.getState)
	h.mux.HandleFunc("POST /admin/failover/{alias}/probe", h.probe)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type aliasView struct {
	failover.State
	Primary  string `json:"primary"`
	Failover string `json:"failover,omitempty"`
	// CanFailOver is false when failover is disabled globally or the alias
	// has no failover binding.
	CanFailOver bool `json:"can_fail_over"`
}

type policyView struct {
	Enabled              bool    `json:"enabled"`
	ThresholdUSD         float64 `json:"threshold_usd"`
	CooldownSeconds      float64 `json:"cooldown_seconds"`
	ProbeIntervalSeconds float64 `json:"probe_interval_seconds"`
}

func (h *AdminHandler) view(st failover.State) aliasView {
	v := aliasView{
		State:       st,
		CanFailOver: h.failover.Config().Enabled && h.failover.HasFailover(st.Alias),
	}
	primary, fb, err := h.router.Bindings(st.Alias)
	if err != nil {
		return v
	}
	v.Primary = primary.Name
	if fb != nil {
		v.Failover = fb.Name
	}
	return v
}

func (h *AdminHandler) listStates(w http.ResponseWriter, r *http.Request) {
	states, err := h.failover.States(r.Context())
	if err != nil {
		slog.Error("list failover states", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list failover states")
		return
	}

	views := make([]aliasView, 0, len(states))
	for _, st := range states {
		views = append(views, h.view(st))
	}

	cfg := h.failover.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"aliases": views,
		"count":   len(views),
		"policy": policyView{
			Enabled:              cfg.Enabled,
			ThresholdUSD:         cfg.Threshold,
			CooldownSeconds:      cfg.Cooldown.Seconds(),
			ProbeIntervalSeconds: cfg.ProbeInterval.Seconds(),
		},
	})
}

func (h *AdminHandler) getState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alias := r.PathValue("alias")

	st, err := h.failover.Snapshot(ctx, alias)
	if errors.Is(err, domain.ErrUnknownAlias) {
		writeAdminError(w, http.StatusNotFound, "alias not found")
		return
	}
	if err != nil {
		slog.Error("get failover state", "alias", alias, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to get failover state")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp := map[string]any{"alias": h.view(st)}

	if h.journal != nil {
		events, err := h.journal.Recent(ctx, repository.EventQuery{Alias: alias, Limit: limit})
		if err != nil {
			slog.Error("list failover events", "alias", alias, "error", err)
			writeAdminError(w, http.StatusInternalServerError, "failed to list failover events")
			return
		}
		if events == nil {
			events = []failover.Event{}
		}
		resp["events"] = events
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) probe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alias := r.PathValue("alias")
	operator, _ := auth.OperatorFromContext(ctx)

	recovered, err := h.failover.Probe(ctx, alias, func(ctx context.Context) error {
		return h.router.ProbePrimary(ctx, alias)
	})
	if errors.Is(err, domain.ErrUnknownAlias) {
		writeAdminError(w, http.StatusNotFound, "alias not found")
		return
	}

	slog.Info("manual health probe", "alias", alias, "operator", operator, "recovered", recovered, "error", err)

	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"alias":     alias,
			"recovered": false,
			"error":     err.Error(),
		})
		return
	}

	st, err := h.failover.Snapshot(ctx, alias)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to get failover state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alias":     alias,
		"recovered": recovered,
		"state":     h.view(st),
	})
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
