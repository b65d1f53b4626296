// Package api exposes the escrow core over HTTP. Handlers stay thin: decode,
// call the service, map domain errors to status codes. Amounts cross this
// boundary as decimal TON strings and are converted to nanotons immediately.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"channel-escrow-go/internal/audit"
	"channel-escrow-go/internal/common"
	"channel-escrow-go/internal/escrow"
	"channel-escrow-go/internal/ledger"
	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"
	"channel-escrow-go/internal/withdrawal"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Handler struct {
	escrow      *escrow.Service
	withdrawals *withdrawal.Service
	ledger      *ledger.Ledger
	audit       *audit.Logger
}

func NewHandler(es *escrow.Service, ws *withdrawal.Service, lg *ledger.Ledger, al *audit.Logger) *Handler {
	return &Handler{escrow: es, withdrawals: ws, ledger: lg, audit: al}
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/purchases"))
	defer timer.ObserveDuration()

	var req models.CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON", "POST", "/purchases")
		return
	}
	if req.BuyerId == "" || req.ChannelId == "" {
		h.respondError(w, http.StatusBadRequest, "buyer_id and channel_id are required", "POST", "/purchases")
		return
	}

	p, err := h.escrow.CreatePurchase(r.Context(), req.BuyerId, req.ChannelId)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/purchases")
		return
	}

	// The token is disclosed exactly once, here.
	h.respondJSON(w, http.StatusCreated, purchaseResponse(p, true), "POST", "/purchases")
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.escrow.GetPurchase(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/purchases/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, purchaseResponse(p, false), "GET", "/purchases/{id}")
}

func (h *Handler) ConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON", "POST", "/purchases/{id}/confirm")
		return
	}

	p, err := h.escrow.ConfirmTransfer(r.Context(), mux.Vars(r)["id"], req.ActorId)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/purchases/{id}/confirm")
		return
	}
	h.respondJSON(w, http.StatusOK, purchaseResponse(p, false), "POST", "/purchases/{id}/confirm")
}

func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/purchases/{id}/verify"))
	defer timer.ObserveDuration()

	var req models.VerifyPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON", "POST", "/purchases/{id}/verify")
		return
	}

	result, err := h.escrow.VerifyPurchase(r.Context(), escrow.VerifyParams{
		PurchaseId: mux.Vars(r)["id"],
		Token:      req.Token,
		Override:   req.Override,
	})

	var grace *escrow.GracePeriodError
	switch {
	case errors.As(err, &grace):
		h.respondJSON(w, http.StatusOK, models.VerifyResponse{
			Status:      string(models.PurchaseSellerConfirmed),
			RetryLater:  true,
			Reason:      "grace_period",
			MinutesLeft: grace.MinutesLeft,
		}, "POST", "/purchases/{id}/verify")
	case errors.Is(err, escrow.ErrFraudDetected):
		fraudDetectedTotal.Inc()
		h.respondJSON(w, http.StatusConflict, models.VerifyResponse{
			Status:        string(result.Purchase.Status),
			FraudDetected: true,
			Reason:        result.Reason,
		}, "POST", "/purchases/{id}/verify")
	case err != nil:
		h.respondDomainError(w, err, "POST", "/purchases/{id}/verify")
	case result.Completed:
		purchasesCompletedTotal.Inc()
		h.respondJSON(w, http.StatusOK, models.VerifyResponse{
			Status:    string(result.Purchase.Status),
			Completed: true,
			Fee:       common.FormatNano(result.FeeNano),
		}, "POST", "/purchases/{id}/verify")
	default:
		h.respondJSON(w, http.StatusOK, models.VerifyResponse{
			Status:     string(result.Purchase.Status),
			RetryLater: result.RetryLater,
			Reason:     result.Reason,
		}, "POST", "/purchases/{id}/verify")
	}
}

func (h *Handler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	var req models.RefundPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON", "POST", "/purchases/{id}/refund")
		return
	}

	p, err := h.escrow.RefundPurchase(r.Context(), mux.Vars(r)["id"], req.ActorId, req.Reason, req.AsOperator)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/purchases/{id}/refund")
		return
	}
	h.respondJSON(w, http.StatusOK, purchaseResponse(p, false), "POST", "/purchases/{id}/refund")
}

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/withdrawals"))
	defer timer.ObserveDuration()

	var req models.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON", "POST", "/withdrawals")
		return
	}
	if req.UserId == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required", "POST", "/withdrawals")
		return
	}
	amount, err := common.ParseTON(req.Amount)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "POST", "/withdrawals")
		return
	}

	wd, err := h.withdrawals.Request(r.Context(), req.UserId, req.DestinationAddress, amount, clientIP(r), req.Message)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/withdrawals")
		return
	}
	withdrawalsRequestedTotal.Inc()
	h.respondJSON(w, http.StatusCreated, withdrawalResponse(wd), "POST", "/withdrawals")
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.withdrawals.GetWithdrawal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/withdrawals/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, withdrawalResponse(wd), "GET", "/withdrawals/{id}")
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON", "POST", "/withdrawals/{id}/approve")
		return
	}

	wd, err := h.withdrawals.Approve(r.Context(), mux.Vars(r)["id"], req.AdminId)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/withdrawals/{id}/approve")
		return
	}
	h.respondJSON(w, http.StatusOK, withdrawalResponse(wd), "POST", "/withdrawals/{id}/approve")
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON", "POST", "/withdrawals/{id}/reject")
		return
	}

	wd, err := h.withdrawals.Reject(r.Context(), mux.Vars(r)["id"], req.AdminId, req.Reason)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/withdrawals/{id}/reject")
		return
	}
	h.respondJSON(w, http.StatusOK, withdrawalResponse(wd), "POST", "/withdrawals/{id}/reject")
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userId := mux.Vars(r)["userId"]
	balance, err := h.ledger.Balance(r.Context(), userId)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/balances/{userId}")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      userId,
		"balance":      common.FormatNano(balance),
		"balance_nano": balance,
	}, "GET", "/balances/{userId}")
}

// VerifyAuditChain replays the chain over the requested range; from defaults
// to 1 and to defaults to the chain head.
func (h *Handler) VerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	from, ok := rangeParam(r, "from", 1)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid from parameter", "GET", "/audit/verify")
		return
	}
	to, ok := rangeParam(r, "to", 0)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "invalid to parameter", "GET", "/audit/verify")
		return
	}

	result, err := h.audit.VerifyChain(r.Context(), from, to)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/audit/verify")
		return
	}
	status := http.StatusOK
	if !result.Ok {
		status = http.StatusConflict
	}
	h.respondJSON(w, status, models.ChainVerifyResponse{
		Ok:      result.Ok,
		Entries: result.Entries,
		BadSeq:  result.FirstBadSeq,
		Reason:  result.Reason,
		FromSeq: result.FromSeq,
		ToSeq:   result.ToSeq,
	}, "GET", "/audit/verify")
}

func rangeParam(r *http.Request, name string, defaultValue int64) (int64, bool) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue, true
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/healthz")
}

// respondDomainError translates service-layer errors into HTTP statuses.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	var status int
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, escrow.ErrBuyerBanned):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrStateConflict), errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrDeadlineExpired):
		status = http.StatusGone
	case errors.Is(err, escrow.ErrValidation),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, withdrawal.ErrInvalidAddress),
		errors.Is(err, withdrawal.ErrBelowMinimum):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, withdrawal.ErrOverPerTxLimit),
		errors.Is(err, withdrawal.ErrNotReviewable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, withdrawal.ErrOverDailyLimit),
		errors.Is(err, withdrawal.ErrTooManyPending),
		errors.Is(err, withdrawal.ErrCooldownActive):
		status = http.StatusTooManyRequests
	case errors.Is(err, escrow.ErrExternalUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, audit.ErrWriteFailed), errors.Is(err, store.ErrConcurrentModification):
		status = http.StatusServiceUnavailable
	default:
		zap.L().Error("Unhandled error in API handler",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		status = http.StatusInternalServerError
	}
	h.respondError(w, status, err.Error(), method, endpoint)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, httpStatusLabel(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			zap.L().Warn("Failed to encode response", zap.Error(err))
		}
	}
}

func purchaseResponse(p *models.Purchase, includeToken bool) models.PurchaseResponse {
	resp := models.PurchaseResponse{
		Id:                   p.Id,
		ChannelId:            p.ChannelId,
		BuyerId:              p.BuyerId,
		SellerId:             p.SellerId,
		Price:                common.FormatNano(p.PriceNano),
		PriceNano:            p.PriceNano,
		Status:               string(p.Status),
		VerificationDeadline: p.VerificationDeadline.Format("2006-01-02T15:04:05Z07:00"),
		OriginalAssetIds:     p.OriginalAssetIds,
	}
	if includeToken {
		resp.VerificationToken = p.VerificationToken
	}
	return resp
}

func withdrawalResponse(wd *models.Withdrawal) models.WithdrawalResponse {
	return models.WithdrawalResponse{
		Id:                 wd.Id,
		UserId:             wd.UserId,
		DestinationAddress: wd.DestinationAddress,
		Amount:             common.FormatNano(wd.AmountNano),
		AmountNano:         wd.AmountNano,
		Status:             string(wd.Status),
		TxHash:             wd.TxHash,
		NeedsApproval:      wd.NeedsApproval,
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
