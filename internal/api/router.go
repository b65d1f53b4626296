package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires all routes under /api/v1, with health and metrics at the
// root. The approve/reject/audit endpoints carry no authentication here;
// operators are expected to protect them at the proxy layer.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/purchases", h.CreatePurchase).Methods("POST")
	api.HandleFunc("/purchases/{id}", h.GetPurchase).Methods("GET")
	api.HandleFunc("/purchases/{id}/confirm", h.ConfirmTransfer).Methods("POST")
	api.HandleFunc("/purchases/{id}/verify", h.VerifyPurchase).Methods("POST")
	api.HandleFunc("/purchases/{id}/refund", h.RefundPurchase).Methods("POST")

	api.HandleFunc("/withdrawals", h.CreateWithdrawal).Methods("POST")
	api.HandleFunc("/withdrawals/{id}", h.GetWithdrawal).Methods("GET")
	api.HandleFunc("/withdrawals/{id}/approve", h.ApproveWithdrawal).Methods("POST")
	api.HandleFunc("/withdrawals/{id}/reject", h.RejectWithdrawal).Methods("POST")

	api.HandleFunc("/balances/{userId}", h.GetBalance).Methods("GET")

	api.HandleFunc("/audit/verify", h.VerifyAuditChain).Methods("GET")

	return r
}
