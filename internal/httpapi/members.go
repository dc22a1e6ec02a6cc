package httpapi

import (
	"net/http"
	"time"

	"adhesion.org/internal/auth"
	"adhesion.org/internal/dues"
	"adhesion.org/internal/member"
)

type registerRequest struct {
	FirstName   string `json:"first_name" validate:"required,notblank,max=100"`
	LastName    string `json:"last_name" validate:"required,notblank,max=100"`
	Phone       string `json:"phone" validate:"required,min=4,max=32"`
	SponsorCode string `json:"sponsor_code" validate:"omitempty,max=32,alphanum"`
}

type registerResponse struct {
	Member    member.Member `json:"member"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// RegisterMember enrols a member and returns a member token for them.
func (a *API) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !readRequest(w, r, &req) {
		return
	}
	m, err := a.members.Register(r.Context(), member.Registration{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Phone:       req.Phone,
		SponsorCode: req.SponsorCode,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	token, expires, err := a.signer.GenerateToken(m.ID, []string{auth.RoleMember}, a.tokenTTL)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Member: m, Token: token, ExpiresAt: expires})
}

func (a *API) GetMember(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !allowFor(w, r, id) {
		return
	}
	m, err := a.members.Get(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type contributionsResponse struct {
	Summary  dues.Summary   `json:"summary"`
	Payments []dues.Payment `json:"payments"`
}

// MemberContributions returns the current period standing and the payment history.
func (a *API) MemberContributions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !allowFor(w, r, id) {
		return
	}
	sum, err := a.dues.Summary(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	items, err := a.dues.List(r.Context(), dues.Filter{MemberID: id, Limit: queryLimit(r, 100, 500)})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if items == nil {
		items = []dues.Payment{}
	}
	writeJSON(w, http.StatusOK, contributionsResponse{Summary: sum, Payments: items})
}

func (a *API) MemberReferees(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !allowFor(w, r, id) {
		return
	}
	sum, err := a.referrals.ListReferees(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) MemberPoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !allowFor(w, r, id) {
		return
	}
	pts, err := a.referrals.MemberPoints(r.Context(), id)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pts)
}
