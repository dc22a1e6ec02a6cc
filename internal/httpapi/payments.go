package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"adhesion.org/internal/auth"
	"adhesion.org/internal/dues"
)

const signatureHeader = "X-Signature"

type createPaymentRequest struct {
	MemberID   string           `json:"member_id" validate:"omitempty,max=64"`
	Amount     *decimal.Decimal `json:"amount"`
	Method     string           `json:"method" validate:"required,oneof=electronic cash receipt_upload"`
	ReceiptRef string           `json:"receipt_ref" validate:"max=255"`
}

// CreatePayment records a pending submission. Members submit for themselves;
// admins may submit on behalf of a member.
func (a *API) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !readRequest(w, r, &req) {
		return
	}
	caller := callerID(r)
	memberID := strings.TrimSpace(req.MemberID)
	if memberID == "" {
		memberID = caller
	}
	if !allowFor(w, r, memberID) {
		return
	}
	// Receipt uploads may omit the amount; the ledger requires it for other methods.
	amount := decimal.Zero
	if req.Amount != nil {
		amount = *req.Amount
	}
	p, err := a.dues.CreatePayment(r.Context(), dues.NewPayment{
		MemberID:   memberID,
		Amount:     amount,
		Method:     dues.Method(req.Method),
		ReceiptRef: strings.TrimSpace(req.ReceiptRef),
		ActorID:    caller,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := a.dues.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	// Answer 404 rather than 403 so other members' payment ids are not disclosed.
	if !auth.CanActFor(r.Context(), p.MemberID) {
		writeError(w, r, http.StatusNotFound, "payment not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListPayments is the admin queue, filterable by member_id and status.
func (a *API) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := a.dues.List(r.Context(), dues.Filter{
		MemberID: strings.TrimSpace(q.Get("member_id")),
		Status:   dues.Status(strings.TrimSpace(q.Get("status"))),
		Limit:    queryLimit(r, 100, 500),
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if items == nil {
		items = []dues.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type validateRequest struct {
	Amount  *decimal.Decimal `json:"amount" validate:"required"`
	Comment string           `json:"comment" validate:"max=500"`
}

func (a *API) ValidatePayment(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !readRequest(w, r, &req) {
		return
	}
	p, err := a.dues.ValidatePayment(r.Context(), r.PathValue("id"), callerID(r), *req.Amount, req.Comment)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type rejectRequest struct {
	Comment string `json:"comment" validate:"required,notblank,max=500"`
}

func (a *API) RejectPayment(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !readRequest(w, r, &req) {
		return
	}
	p, err := a.dues.RejectPayment(r.Context(), r.PathValue("id"), callerID(r), req.Comment)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type gatewayRequest struct {
	TransactionID string           `json:"transaction_id" validate:"required,notblank,max=128"`
	PaymentID     string           `json:"payment_id" validate:"required,notblank"`
	Amount        *decimal.Decimal `json:"amount" validate:"required"`
	Status        string           `json:"status" validate:"required,notblank,max=32"`
}

// GatewayWebhook receives the payment provider's callback. The body must carry a
// hex HMAC-SHA256 signature in X-Signature, optionally prefixed with "sha256=".
func (a *API) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if len(a.webhookSecret) == 0 {
		writeError(w, r, http.StatusServiceUnavailable, "payment gateway is not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unable to read body")
		return
	}
	if !validSignature(a.webhookSecret, body, r.Header.Get(signatureHeader)) {
		writeError(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}
	var req gatewayRequest
	if err := decodeStrict(bytes.NewReader(body), &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	p, err := a.dues.ConfirmGatewayPayment(r.Context(), dues.GatewayCallback{
		TransactionID: strings.TrimSpace(req.TransactionID),
		PaymentID:     strings.TrimSpace(req.PaymentID),
		Amount:        *req.Amount,
		Status:        req.Status,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Sign returns the X-Signature value for body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
