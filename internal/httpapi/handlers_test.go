package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"adhesion.org/internal/auth"
	"adhesion.org/internal/dues"
	"adhesion.org/internal/events"
	"adhesion.org/internal/member"
	"adhesion.org/internal/referral"
	"adhesion.org/internal/store/memory"
)

const testWebhookSecret = "hook-secret"

type apiClient struct {
	baseURL string
	client  *http.Client
	admin   string
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := memory.New()
	refs := referral.NewService(store.Referrals())
	members := member.NewService(store.Members(), member.WithLinker(func(ctx context.Context, code, id string) error {
		_, err := refs.CreateLink(ctx, code, id)
		return err
	}))
	ledger := dues.NewService(store.Dues(), dues.WithBonusHook(func(ctx context.Context, id string) error {
		_, err := refs.GrantPaymentBonus(ctx, id)
		return err
	}))
	signer, err := auth.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	adminToken, _, err := signer.GenerateToken("admin-1", []string{auth.RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	api := New(Deps{
		Members:       members,
		Dues:          ledger,
		Referrals:     refs,
		Audit:         store.Audit(),
		Hub:           events.NewHub(),
		Signer:        signer,
		WebhookSecret: testWebhookSecret,
		Version:       "test",
		RateBurst:     1000,
		RatePerSec:    1000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(api.Handler(ctx))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return &apiClient{baseURL: srv.URL, client: srv.Client(), admin: adminToken, t: t}
}

func (c *apiClient) do(method, path, token string, body any, headers map[string]string) (int, map[string]any) {
	c.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		if payload, err = json.Marshal(b); err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(authHeader, bearer+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			c.t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func (c *apiClient) register(first, last, phone, sponsor string) (id, code, token string) {
	c.t.Helper()
	status, body := c.do(http.MethodPost, "/v1/members", "", map[string]any{
		"first_name":   first,
		"last_name":    last,
		"phone":        phone,
		"sponsor_code": sponsor,
	}, nil)
	if status != http.StatusCreated {
		c.t.Fatalf("register %s: status %d body %v", first, status, body)
	}
	m := body["member"].(map[string]any)
	return m["id"].(string), m["code"].(string), body["token"].(string)
}

func amountOf(t *testing.T, v any) decimal.Decimal {
	t.Helper()
	s, ok := v.(string)
	if !ok {
		t.Fatalf("amount %v is not a string", v)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("amount %q: %v", s, err)
	}
	return d
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)
	if status, body := c.do(http.MethodGet, "/healthz", "", nil, nil); status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", status, body)
	}
	if status, body := c.do(http.MethodGet, "/readyz", "", nil, nil); status != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz: %d %v", status, body)
	}
	status, body := c.do(http.MethodGet, "/v1/info", "", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("info: %d", status)
	}
	policy := body["policy"].(map[string]any)
	if policy["annual_cap"] != "1500.00" || policy["first_installment_floor"] != "150.00" {
		t.Fatalf("unexpected policy %v", policy)
	}
}

func TestDuesAndReferralFlow(t *testing.T) {
	c := newTestAPI(t)

	sponsorID, sponsorCode, sponsorToken := c.register("Awa", "Diop", "+221 77 123 4567", "")
	if sponsorCode != "AAD4567" {
		t.Fatalf("unexpected sponsor code %q", sponsorCode)
	}
	refereeID, _, refereeToken := c.register("Moussa", "Fall", "77 000 1111", sponsorCode)

	status, body := c.do(http.MethodGet, "/v1/members/"+sponsorID+"/referees", sponsorToken, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("referees: %d %v", status, body)
	}
	if body["total_points"] != float64(10) || len(body["referees"].([]any)) != 1 {
		t.Fatalf("expected one referee worth 10 points, got %v", body)
	}

	// Below the first-installment floor.
	status, body = c.do(http.MethodPost, "/v1/payments", refereeToken, map[string]any{"amount": "100.00", "method": "cash"}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create payment: %d %v", status, body)
	}
	lowID := body["id"].(string)
	if status, body = c.do(http.MethodPost, "/v1/payments/"+lowID+"/validate", c.admin, map[string]any{"amount": "100.00"}, nil); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 below floor, got %d %v", status, body)
	}

	status, body = c.do(http.MethodPost, "/v1/payments", refereeToken, map[string]any{"amount": 150, "method": "cash"}, nil)
	if status != http.StatusCreated || body["status"] != "pending" {
		t.Fatalf("create payment: %d %v", status, body)
	}
	paymentID := body["id"].(string)

	if status, _ = c.do(http.MethodPost, "/v1/payments/"+paymentID+"/validate", refereeToken, map[string]any{"amount": "150"}, nil); status != http.StatusForbidden {
		t.Fatalf("members must not validate, got %d", status)
	}

	status, body = c.do(http.MethodPost, "/v1/payments/"+paymentID+"/validate", c.admin, map[string]any{"amount": "150.00", "comment": "cash at desk"}, nil)
	if status != http.StatusOK || body["status"] != "validated" || body["verified_by"] != "admin-1" {
		t.Fatalf("validate: %d %v", status, body)
	}
	if !amountOf(t, body["amount"]).Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected amount %v", body["amount"])
	}

	if status, body = c.do(http.MethodPost, "/v1/payments/"+paymentID+"/validate", c.admin, map[string]any{"amount": "150.00"}, nil); status != http.StatusConflict || body["kind"] != "conflict" {
		t.Fatalf("expected 409 on second validation, got %d %v", status, body)
	}

	status, body = c.do(http.MethodGet, "/v1/members/"+sponsorID+"/points", sponsorToken, nil, nil)
	if status != http.StatusOK || body["points"] != float64(15) || body["bonuses_granted"] != float64(1) {
		t.Fatalf("expected 15 points after the referee's first payment, got %d %v", status, body)
	}

	status, body = c.do(http.MethodGet, "/v1/members/"+refereeID+"/contributions", refereeToken, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("contributions: %d %v", status, body)
	}
	summary := body["summary"].(map[string]any)
	if !amountOf(t, summary["validated"]).Equal(decimal.NewFromInt(150)) || !amountOf(t, summary["remaining"]).Equal(decimal.NewFromInt(1350)) {
		t.Fatalf("unexpected summary %v", summary)
	}
	if len(body["payments"].([]any)) != 2 {
		t.Fatalf("expected two payments, got %v", body["payments"])
	}

	if status, _ = c.do(http.MethodGet, "/v1/members/"+sponsorID, refereeToken, nil, nil); status != http.StatusForbidden {
		t.Fatalf("members must not read each other, got %d", status)
	}
	if status, _ = c.do(http.MethodGet, "/v1/payments/"+paymentID, sponsorToken, nil, nil); status != http.StatusNotFound {
		t.Fatalf("foreign payment should look missing, got %d", status)
	}
	if status, _ = c.do(http.MethodGet, "/v1/payments/"+paymentID, refereeToken, nil, nil); status != http.StatusOK {
		t.Fatalf("own payment: %d", status)
	}

	status, body = c.do(http.MethodPost, "/v1/payments/"+lowID+"/reject", c.admin, map[string]any{"comment": "below minimum"}, nil)
	if status != http.StatusOK || body["status"] != "rejected" {
		t.Fatalf("reject: %d %v", status, body)
	}

	status, body = c.do(http.MethodGet, "/v1/payments?status=pending", c.admin, nil, nil)
	if status != http.StatusOK || len(body["items"].([]any)) != 0 {
		t.Fatalf("expected empty pending queue, got %d %v", status, body)
	}
	if status, _ = c.do(http.MethodGet, "/v1/payments?status=bogus", c.admin, nil, nil); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown status, got %d", status)
	}

	status, body = c.do(http.MethodGet, "/v1/referrals/leaderboard", refereeToken, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("leaderboard: %d", status)
	}
	first := body["items"].([]any)[0].(map[string]any)
	if first["member_id"] != sponsorID || first["points"] != float64(15) || first["rank"] != float64(1) {
		t.Fatalf("unexpected leaderboard head %v", first)
	}

	status, body = c.do(http.MethodGet, "/v1/audit?entity_type=payment&entity_id="+paymentID, c.admin, nil, nil)
	if status != http.StatusOK || len(body["items"].([]any)) < 2 {
		t.Fatalf("expected create and validate audit entries, got %d %v", status, body)
	}
}

func TestAuthErrors(t *testing.T) {
	c := newTestAPI(t)
	id, _, _ := c.register("Awa", "Diop", "771234567", "")

	if status, _ := c.do(http.MethodGet, "/v1/members/"+id, "", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if status, _ := c.do(http.MethodGet, "/v1/members/"+id, "garbage", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", status)
	}
	if status, _ := c.do(http.MethodGet, "/v1/members/"+id, c.admin, nil, nil); status != http.StatusOK {
		t.Fatalf("admin may read any member, got %d", status)
	}
	if status, _ := c.do(http.MethodGet, "/v1/members/nope", c.admin, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestRequestValidation(t *testing.T) {
	c := newTestAPI(t)
	_, _, token := c.register("Awa", "Diop", "771234567", "")

	status, body := c.do(http.MethodPost, "/v1/payments", token, map[string]any{"method": "cheque"}, nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %v", status, body)
	}
	fields := body["fields"].(map[string]any)
	if fields["method"] != "oneof" {
		t.Fatalf("unexpected field errors %v", fields)
	}
	if status, body = c.do(http.MethodPost, "/v1/payments", token, map[string]any{"method": "cash"}, nil); status != http.StatusUnprocessableEntity || body["kind"] != "validation" {
		t.Fatalf("cash without amount: expected 422, got %d %v", status, body)
	}

	if status, _ = c.do(http.MethodPost, "/v1/payments", token, []byte(`{"amount":"10","method":"cash","extra":1}`), nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", status)
	}
	if status, _ = c.do(http.MethodPost, "/v1/payments", token, map[string]any{"amount": "1500.01", "method": "cash"}, nil); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 above ceiling, got %d", status)
	}
	if status, body = c.do(http.MethodPost, "/v1/members", "", map[string]any{"first_name": "A", "last_name": "B", "phone": "1234", "sponsor_code": "AXX0000"}, nil); status != http.StatusNotFound || body["entity"] != "sponsor" {
		t.Fatalf("expected unknown sponsor 404, got %d %v", status, body)
	}
}

func TestCapReportsRemaining(t *testing.T) {
	c := newTestAPI(t)
	_, _, token := c.register("Awa", "Diop", "771234567", "")

	pay := func(amount string) string {
		status, body := c.do(http.MethodPost, "/v1/payments", token, map[string]any{"amount": amount, "method": "cash"}, nil)
		if status != http.StatusCreated {
			t.Fatalf("create %s: %d %v", amount, status, body)
		}
		return body["id"].(string)
	}
	first := pay("1400")
	if status, _ := c.do(http.MethodPost, "/v1/payments/"+first+"/validate", c.admin, map[string]any{"amount": "1400"}, nil); status != http.StatusOK {
		t.Fatalf("validate first: %d", status)
	}
	second := pay("200")
	status, body := c.do(http.MethodPost, "/v1/payments/"+second+"/validate", c.admin, map[string]any{"amount": "200"}, nil)
	if status != http.StatusUnprocessableEntity || body["remaining"] != "100.00" {
		t.Fatalf("expected cap violation with 100.00 remaining, got %d %v", status, body)
	}
}

func TestGatewayWebhook(t *testing.T) {
	c := newTestAPI(t)
	_, _, token := c.register("Awa", "Diop", "771234567", "")

	status, body := c.do(http.MethodPost, "/v1/payments", token, map[string]any{"amount": "300.00", "method": "electronic"}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create: %d %v", status, body)
	}
	id := body["id"].(string)

	callback, _ := json.Marshal(map[string]any{
		"transaction_id": "tx-1",
		"payment_id":     id,
		"amount":         "300.00",
		"status":         "success",
	})

	if status, _ = c.do(http.MethodPost, "/v1/payments/webhook", "", callback, map[string]string{signatureHeader: "deadbeef"}); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", status)
	}
	if status, _ = c.do(http.MethodPost, "/v1/payments/webhook", "", callback, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", status)
	}

	sig := "sha256=" + Sign([]byte(testWebhookSecret), callback)
	status, body = c.do(http.MethodPost, "/v1/payments/webhook", "", callback, map[string]string{signatureHeader: sig})
	if status != http.StatusOK || body["status"] != "validated" {
		t.Fatalf("webhook: %d %v", status, body)
	}
	if _, ok := body["verified_by"]; ok {
		t.Fatalf("gateway validation must have no actor, got %v", body["verified_by"])
	}

	status, _ = c.do(http.MethodPost, "/v1/payments/webhook", "", callback, map[string]string{signatureHeader: sig})
	if status != http.StatusConflict {
		t.Fatalf("replayed callback should conflict, got %d", status)
	}
}

func TestPointsConfigAndAdjust(t *testing.T) {
	c := newTestAPI(t)
	sponsorID, code, sponsorToken := c.register("Awa", "Diop", "771234567", "")

	status, body := c.do(http.MethodPut, "/v1/points-config/"+referral.ActionBase, c.admin, map[string]any{"points": 20}, nil)
	if status != http.StatusOK || body["points"] != float64(20) || body["active"] != true {
		t.Fatalf("update config: %d %v", status, body)
	}
	if status, _ = c.do(http.MethodPut, "/v1/points-config/"+referral.ActionBase, sponsorToken, map[string]any{"points": 99}, nil); status != http.StatusForbidden {
		t.Fatalf("members must not change config, got %d", status)
	}
	status, body = c.do(http.MethodGet, "/v1/points-config", c.admin, nil, nil)
	if status != http.StatusOK || len(body["items"].([]any)) != 1 {
		t.Fatalf("list config: %d %v", status, body)
	}

	c.register("Moussa", "Fall", "770001111", code)
	status, body = c.do(http.MethodGet, "/v1/members/"+sponsorID+"/referees", sponsorToken, nil, nil)
	if status != http.StatusOK || body["total_points"] != float64(20) {
		t.Fatalf("expected configured base points, got %d %v", status, body)
	}
	linkID := body["referees"].([]any)[0].(map[string]any)["link_id"].(string)

	if status, _ = c.do(http.MethodPost, "/v1/referrals/"+linkID+"/adjust", c.admin, map[string]any{"points": 7}, nil); status != http.StatusUnprocessableEntity {
		t.Fatalf("adjust without reason: expected 422, got %d", status)
	}
	status, body = c.do(http.MethodPost, "/v1/referrals/"+linkID+"/adjust", c.admin, map[string]any{"points": 7, "reason": "duplicate account"}, nil)
	if status != http.StatusOK || body["points"] != float64(7) {
		t.Fatalf("adjust: %d %v", status, body)
	}
}

func TestReceiptUploadWithoutAmount(t *testing.T) {
	c := newTestAPI(t)
	_, _, token := c.register("Awa", "Diop", "771234567", "")

	status, body := c.do(http.MethodPost, "/v1/payments", token, map[string]any{"method": "receipt_upload", "receipt_ref": "r-1"}, nil)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", status, body)
	}
	if body["status"] != "pending" || body["receipt_ref"] != "r-1" || !amountOf(t, body["amount"]).IsZero() {
		t.Fatalf("unexpected payment %v", body)
	}
}
