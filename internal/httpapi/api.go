// Package httpapi exposes members, dues and referrals over JSON/HTTP.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/auth"
	"adhesion.org/internal/dues"
	"adhesion.org/internal/events"
	"adhesion.org/internal/member"
	"adhesion.org/internal/obs"
	"adhesion.org/internal/referral"
)

const defaultTokenTTL = 24 * time.Hour

// ReadyProbe reports whether dependencies (the database) can serve traffic.
type ReadyProbe struct {
	Check func(ctx context.Context) error
}

func (rp ReadyProbe) check(ctx context.Context) error {
	if rp.Check == nil {
		return nil
	}
	return rp.Check(ctx)
}

// Deps are the collaborators of the HTTP layer. Hub may be nil to disable /v1/events.
type Deps struct {
	Members        *member.Service
	Dues           *dues.Service
	Referrals      *referral.Service
	Audit          audit.Store
	Hub            *events.Hub
	Signer         *auth.Signer
	WebhookSecret  string
	Ready          ReadyProbe
	Version        string
	TokenTTL       time.Duration
	RateBurst      int
	RatePerSec     float64
	CORSOrigins    []string
	// TrustedProxies may set the client address through X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

type API struct {
	mux           *http.ServeMux
	members       *member.Service
	dues          *dues.Service
	referrals     *referral.Service
	audit         audit.Store
	hub           *events.Hub
	signer        *auth.Signer
	webhookSecret []byte
	ready         ReadyProbe
	version       string
	tokenTTL      time.Duration
	rateBurst     int
	ratePerSec    float64
	corsOrigins   []string
	proxies       []netip.Prefix
}

func New(d Deps) *API {
	a := &API{
		mux:           http.NewServeMux(),
		members:       d.Members,
		dues:          d.Dues,
		referrals:     d.Referrals,
		audit:         d.Audit,
		hub:           d.Hub,
		signer:        d.Signer,
		webhookSecret: []byte(d.WebhookSecret),
		ready:         d.Ready,
		version:       d.Version,
		tokenTTL:      d.TokenTTL,
		rateBurst:     d.RateBurst,
		ratePerSec:    d.RatePerSec,
		corsOrigins:   d.CORSOrigins,
		proxies:       d.TrustedProxies,
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = defaultTokenTTL
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	a.routes()
	return a
}

func (a *API) routes() {
	m := a.mux

	m.HandleFunc("GET /healthz", a.Healthz)
	m.HandleFunc("GET /readyz", a.Ready)
	m.HandleFunc("GET /v1/info", a.Info)
	m.Handle("GET /metrics", obs.Handler())

	m.HandleFunc("POST /v1/members", a.RegisterMember)
	m.Handle("GET /v1/members/{id}", a.user(a.GetMember))
	m.Handle("GET /v1/members/{id}/contributions", a.user(a.MemberContributions))
	m.Handle("GET /v1/members/{id}/referees", a.user(a.MemberReferees))
	m.Handle("GET /v1/members/{id}/points", a.user(a.MemberPoints))

	m.HandleFunc("POST /v1/payments/webhook", a.GatewayWebhook)
	m.Handle("POST /v1/payments", a.user(a.CreatePayment))
	m.Handle("GET /v1/payments", a.admin(a.ListPayments))
	m.Handle("GET /v1/payments/{id}", a.user(a.GetPayment))
	m.Handle("POST /v1/payments/{id}/validate", a.admin(a.ValidatePayment))
	m.Handle("POST /v1/payments/{id}/reject", a.admin(a.RejectPayment))

	m.Handle("GET /v1/referrals/leaderboard", a.user(a.Leaderboard))
	m.Handle("POST /v1/referrals/{id}/adjust", a.admin(a.AdjustPoints))
	m.Handle("GET /v1/points-config", a.admin(a.ListPointsConfig))
	m.Handle("PUT /v1/points-config/{action}", a.admin(a.UpdatePointsConfig))

	m.Handle("GET /v1/audit", a.admin(a.ListAudit))
	m.Handle("GET /v1/events", a.admin(a.Stream))
}

// Handler returns the mux wrapped in the middleware chain. ctx bounds background
// goroutines started by the chain.
func (a *API) Handler(ctx context.Context) http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = RateLimit(ctx, h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return RealIP(h, a.proxies)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "adhesion-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "adhesion-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"policy": map[string]string{
			"transaction_ceiling":     dues.TransactionCeiling.StringFixed(2),
			"annual_cap":              dues.AnnualCap.StringFixed(2),
			"first_installment_floor": dues.FirstInstallmentFloor.StringFixed(2),
		},
	})
}
