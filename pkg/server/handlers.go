package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mercator-hq/throttle/pkg/config"
	"mercator-hq/throttle/pkg/limits"
	"mercator-hq/throttle/pkg/limits/policy"
	"mercator-hq/throttle/pkg/server/middleware"
)

type api struct {
	tracker *limits.Tracker
	logger  *slog.Logger
}

// trackRequest is the body of POST /v1/track.
type trackRequest struct {
	IP         string `json:"ip"`
	UserID     string `json:"user_id"`
	ToolName   string `json:"tool_name"`
	TenantTier string `json:"tenant_tier"`

	// Timestamp defaults to the server clock. The tracker replaces values
	// too far ahead of it.
	Timestamp time.Time `json:"timestamp"`
}

// ruleRequest is the body of PUT /v1/admin/overrides/{target}/{dimension}.
type ruleRequest struct {
	RequestsPerMinute      int     `json:"requests_per_minute"`
	RequestsPerHour        int     `json:"requests_per_hour"`
	RequestsPerDay         int     `json:"requests_per_day"`
	BurstAllowance         int     `json:"burst_allowance"`
	PenaltyDurationSeconds int     `json:"penalty_duration_seconds"`
	Weight                 float64 `json:"weight"`
}

type tierRequest struct {
	Tier string `json:"tier"`
}

// track answers one decision. Denied decisions are returned with 429 and a
// Retry-After header; the body is the decision in both cases.
func (a *api) track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !decode(w, r, &req) {
		return
	}

	dec := a.tracker.TrackRequest(r.Context(), limits.RequestDescriptor{
		Timestamp:  req.Timestamp,
		IP:         req.IP,
		UserID:     req.UserID,
		ToolName:   req.ToolName,
		TenantTier: req.TenantTier,
	})

	middleware.SetDecisionHeaders(w, dec)
	status := http.StatusOK
	if !dec.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, dec)
}

// resolve returns the rule a request would be evaluated against.
func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dim := limits.Dimension(q.Get("dimension"))

	res, err := a.tracker.Resolve(dim, limits.RequestDescriptor{
		IP:         q.Get("ip"),
		UserID:     q.Get("user_id"),
		ToolName:   q.Get("tool_name"),
		TenantTier: q.Get("tenant_tier"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) listBlocks(w http.ResponseWriter, r *http.Request) {
	keys := a.tracker.BlockedKeys()
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

func (a *api) block(w http.ResponseWriter, r *http.Request) {
	if err := a.tracker.BlockKey(r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) unblock(w http.ResponseWriter, r *http.Request) {
	removed, err := a.tracker.UnblockKey(r.PathValue("key"))
	writeRemoved(w, removed, err)
}

func (a *api) resetKey(w http.ResponseWriter, r *http.Request) {
	removed, err := a.tracker.ResetKey(r.PathValue("key"))
	writeRemoved(w, removed, err)
}

func (a *api) setOverride(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decode(w, r, &req) {
		return
	}

	rule := policy.RuleFromConfig(config.ApplyRuleDefaults(config.LimitRuleConfig{
		RequestsPerMinute:      req.RequestsPerMinute,
		RequestsPerHour:        req.RequestsPerHour,
		RequestsPerDay:         req.RequestsPerDay,
		BurstAllowance:         req.BurstAllowance,
		PenaltyDurationSeconds: req.PenaltyDurationSeconds,
		Weight:                 req.Weight,
	}))

	dim := limits.Dimension(r.PathValue("dimension"))
	if err := a.tracker.SetOverride(r.PathValue("target"), dim, rule); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) removeOverride(w http.ResponseWriter, r *http.Request) {
	dim := limits.Dimension(r.PathValue("dimension"))
	removed, err := a.tracker.RemoveOverride(r.PathValue("target"), dim)
	writeRemoved(w, removed, err)
}

func (a *api) assignTier(w http.ResponseWriter, r *http.Request) {
	var req tierRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Tier == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "tier is required")
		return
	}
	if err := a.tracker.AssignTier(r.PathValue("user"), req.Tier); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) unassignTier(w http.ResponseWriter, r *http.Request) {
	if err := a.tracker.AssignTier(r.PathValue("user"), ""); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// snapshot saves the counters now instead of waiting for the schedule.
func (a *api) snapshot(w http.ResponseWriter, r *http.Request) {
	n, err := a.tracker.SaveCounters(r.Context())
	if err != nil {
		a.logger.Error("counter snapshot failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": n})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeRemoved(w http.ResponseWriter, removed bool, err error) {
	switch {
	case err != nil:
		writeError(w, err)
	case !removed:
		middleware.WriteError(w, http.StatusNotFound, "not_found", "nothing to remove")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeError maps tracker errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, limits.ErrInvalidKey),
		errors.Is(err, limits.ErrUnknownDimension),
		errors.Is(err, policy.ErrUnknownLimitType),
		errors.Is(err, policy.ErrInvalidRule),
		errors.Is(err, policy.ErrUnknownTier):
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
