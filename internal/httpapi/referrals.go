package httpapi

import (
	"net/http"
	"strings"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/referral"
)

func (a *API) Leaderboard(w http.ResponseWriter, r *http.Request) {
	items, err := a.referrals.Leaderboard(r.Context(), queryLimit(r, 50, 200))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if items == nil {
		items = []referral.Standing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type adjustRequest struct {
	Points *int   `json:"points" validate:"required,min=0"`
	Reason string `json:"reason" validate:"required,notblank,max=500"`
}

// AdjustPoints overrides the points of the referral link {id}.
func (a *API) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !readRequest(w, r, &req) {
		return
	}
	l, err := a.referrals.AdjustPoints(r.Context(), r.PathValue("id"), *req.Points, callerID(r), req.Reason)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) ListPointsConfig(w http.ResponseWriter, r *http.Request) {
	items, err := a.referrals.PointsConfigs(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if items == nil {
		items = []referral.PointsConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type pointsConfigRequest struct {
	Points *int  `json:"points" validate:"required,min=0"`
	Active *bool `json:"active"`
}

// UpdatePointsConfig sets the value of {action}. Active defaults to true.
func (a *API) UpdatePointsConfig(w http.ResponseWriter, r *http.Request) {
	var req pointsConfigRequest
	if !readRequest(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	c, err := a.referrals.UpdatePointsConfig(r.Context(), r.PathValue("action"), *req.Points, active, callerID(r))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListAudit returns audit entries newest first, filterable by entity and actor.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := a.audit.List(r.Context(), audit.Filter{
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		ActorID:    strings.TrimSpace(q.Get("actor_id")),
		Limit:      queryLimit(r, 100, 1000),
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
