package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"adhesion.org/internal/obs"
)

// Actions recorded by the dues and referral services.
const (
	ActionPaymentCreate     = "payment.create"
	ActionPaymentValidate   = "payment.validate"
	ActionPaymentReject     = "payment.reject"
	ActionPaymentGateway    = "payment.gateway_callback"
	ActionReferralCreate    = "referral.create"
	ActionReferralBonus     = "referral.bonus"
	ActionReferralBonusFail = "referral.bonus_failed"
	ActionReferralAdjust    = "referral.adjust"
	ActionPointsConfig      = "points_config.update"
	ActionMemberRegister    = "member.register"
)

// Entry is an immutable, append-only record of a state-changing action.
type Entry struct {
	ID          string          `json:"id"`
	ActorID     string          `json:"actor_id,omitempty"` // empty for system-triggered actions
	Action      string          `json:"action"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Description string          `json:"description"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Meta        Meta            `json:"meta"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Meta is the request context captured alongside an entry.
type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Limit      int
}

// Store appends entries and reads them back for the admin console.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

type ctxKey string

const metaKey ctxKey = "audit_meta"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	m := MetaFromContext(ctx)
	m.RequestID = requestID
	return context.WithValue(ctx, metaKey, m)
}

// WithClient attaches the caller's address and user agent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	m := MetaFromContext(ctx)
	m.IP = strings.TrimSpace(ip)
	m.UserAgent = clipUTF8(strings.ToValidUTF8(userAgent, ""), maxUserAgent)
	return context.WithValue(ctx, metaKey, m)
}

const maxUserAgent = 255

// clipUTF8 cuts s to at most n bytes without splitting a rune.
func clipUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// MetaFromContext returns the request metadata; "system" placeholders are not invented.
func MetaFromContext(ctx context.Context) Meta {
	if ctx == nil {
		return Meta{}
	}
	if m, ok := ctx.Value(metaKey).(Meta); ok {
		return m
	}
	return Meta{}
}

// Snapshot marshals v for the before/after columns. nil stays nil.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// NewEntry builds an entry stamped with now and the request metadata from ctx.
func NewEntry(ctx context.Context, now time.Time, actorID, action, entityType, entityID, description string, before, after any) *Entry {
	return &Entry{
		ActorID:     strings.TrimSpace(actorID),
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Description: description,
		Before:      Snapshot(before),
		After:       Snapshot(after),
		Meta:        MetaFromContext(ctx),
		CreatedAt:   now.UTC(),
	}
}

// LogEvent writes an audit log line enriched with request context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	meta := MetaFromContext(ctx)
	ev := obs.Logger().Info().
		Str("type", "audit").
		Str("event", event)
	if meta.RequestID != "" {
		ev = ev.Str("request_id", meta.RequestID)
	}
	if len(fields) > 0 {
		ev = ev.Interface("fields", fields)
	} else {
		ev = ev.Interface("fields", map[string]any{})
	}
	ev.Msg("audit")
	return nil
}

// Record logs e as an audit line. Stores call it after a successful append.
func Record(ctx context.Context, e *Entry) {
	fields := map[string]any{
		"action":      e.Action,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"description": e.Description,
	}
	if e.ActorID != "" {
		fields["actor_id"] = e.ActorID
	}
	_ = LogEvent(ctx, e.Action, fields)
}
