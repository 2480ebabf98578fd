package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"khqr-gateway/internal/adapters/bakong"
	"khqr-gateway/internal/domain"
	"khqr-gateway/internal/infra/metrics"
	"khqr-gateway/internal/khqr"
	"khqr-gateway/internal/usecase/payments"
)

type Server struct {
	service    *payments.Service
	log        zerolog.Logger
	authToken  string
	renewer    *bakong.Client
	tokenEmail string
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func WithAuthToken(token string) Option {
	return func(s *Server) {
		s.authToken = token
	}
}

func WithTokenRenewal(client *bakong.Client, email string) Option {
	return func(s *Server) {
		s.renewer = client
		s.tokenEmail = email
	}
}

func NewServer(service *payments.Service, opts ...Option) *Server {
	srv := &Server{service: service, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type createQRRequest struct {
	Amount       float64            `json:"amount"`
	Currency     string             `json:"currency"`
	OrderID      string             `json:"orderId"`
	Provider     string             `json:"provider"`
	Remark       string             `json:"remark"`
	WantDeepLink bool               `json:"deepLink"`
	SourceInfo   *bakong.SourceInfo `json:"sourceInfo"`
}

type webhookRequest struct {
	ExternalTransactionID string         `json:"externalTransactionId"`
	OrderID               string         `json:"orderId"`
	Amount                float64        `json:"amount"`
	Currency              string         `json:"currency"`
	PayerName             string         `json:"payerName"`
	PayerPhone            string         `json:"payerPhone"`
	Metadata              map[string]any `json:"metadata"`
}

type checkRequest struct {
	MD5 string `json:"md5"`
}

type checkBatchRequest struct {
	MD5List []string `json:"md5List"`
}

type renewTokenRequest struct {
	Email string `json:"email"`
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.requireAuth)
		}
		r.Post("/api/v1/qr", s.handleCreateQR)
		r.Post("/api/v1/payments/webhook", s.handleWebhook)
		r.Post("/api/v1/payments/check", s.handleCheck)
		r.Post("/api/v1/payments/check-batch", s.handleCheckBatch)
		r.Post("/api/v1/token/renew", s.handleRenewToken)
		r.Get("/api/v1/transactions", s.handleListTransactions)
		r.Get("/api/v1/transactions/{id}", s.handleGetTransaction)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateQR(w http.ResponseWriter, r *http.Request) {
	var req createQRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	result, err := s.service.CreateCharge(r.Context(), payments.ChargeParams{
		Amount:       req.Amount,
		Currency:     req.Currency,
		OrderID:      req.OrderID,
		Provider:     khqr.Provider(req.Provider),
		Remark:       req.Remark,
		WantDeepLink: req.WantDeepLink,
		SourceInfo:   req.SourceInfo,
	})
	if err != nil {
		switch {
		case errors.Is(err, khqr.ErrInvalidAmount), errors.Is(err, khqr.ErrUnknownProvider):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, khqr.ErrInvalidMerchantID):
			writeError(w, http.StatusInternalServerError, "misconfigured", "merchant profile is not configured")
		default:
			s.log.Error().Err(err).Msg("httpapi: create qr")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to create charge")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	outcome, err := s.service.Reconcile(r.Context(), domain.Confirmation{
		ExternalID: req.ExternalTransactionID,
		OrderID:    req.OrderID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		PayerName:  req.PayerName,
		PayerPhone: req.PayerPhone,
		Metadata:   req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidConfirmation):
			metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
			writeError(w, http.StatusBadRequest, "invalid_request", "externalTransactionId is required")
		case errors.Is(err, domain.ErrTransactionNotFound):
			metrics.WebhooksReceived.WithLabelValues("unmatched").Inc()
			writeError(w, http.StatusNotFound, "transaction_not_found", "no pending transaction for this order")
		case errors.Is(err, domain.ErrAmountMismatch):
			// Acknowledged and parked in error state; the sender must not retry.
			metrics.WebhooksReceived.WithLabelValues("mismatch").Inc()
			writeError(w, http.StatusUnprocessableEntity, "amount_mismatch", err.Error())
		default:
			metrics.WebhooksReceived.WithLabelValues("error").Inc()
			s.log.Error().Err(err).Msg("httpapi: webhook")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to process confirmation")
		}
		return
	}
	metrics.WebhooksReceived.WithLabelValues(string(outcome.Kind)).Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      string(outcome.Kind),
		"transaction": outcome.Transaction,
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MD5 == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "md5 is required")
		return
	}
	if !s.service.KnownDigest(r.Context(), req.MD5) {
		writeError(w, http.StatusNotFound, "unknown_digest", "digest does not belong to a tracked charge")
		return
	}
	result, outcome, err := s.service.CheckStatus(r.Context(), req.MD5, "")
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrGatewayUnavailable):
			writeError(w, http.StatusBadGateway, "gateway_unavailable", result.Message)
		case errors.Is(err, domain.ErrTransactionNotFound):
			writeError(w, http.StatusNotFound, "transaction_not_found", "no transaction for this digest")
		case errors.Is(err, domain.ErrAmountMismatch):
			writeError(w, http.StatusUnprocessableEntity, "amount_mismatch", err.Error())
		default:
			s.log.Error().Err(err).Msg("httpapi: check")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to check transaction")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"responseCode":    result.Code,
		"responseMessage": result.Message,
		"data":            result.Data,
		"status":          string(outcome.Kind),
		"transaction":     outcome.Transaction,
	})
}

func (s *Server) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req checkBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.MD5List) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "md5List is required")
		return
	}
	result := s.service.CheckStatusBatch(r.Context(), req.MD5List)
	if result.TransportError() {
		writeError(w, http.StatusBadGateway, "gateway_unavailable", result.Message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"responseCode":    result.Code,
		"responseMessage": result.Message,
		"data":            result.Data,
	})
}

func (s *Server) handleRenewToken(w http.ResponseWriter, r *http.Request) {
	if s.renewer == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "token renewal is not available")
		return
	}
	var req renewTokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	email := req.Email
	if email == "" {
		email = s.tokenEmail
	}
	if email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}
	result := s.renewer.RenewToken(r.Context(), email)
	if result.TransportError() {
		writeError(w, http.StatusBadGateway, "gateway_unavailable", result.Message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"responseCode":    result.Code,
		"responseMessage": result.Message,
		"data":            result.Data,
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := s.service.Transactions(r.Context(), domain.TransactionFilter{
		Status: domain.Status(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: list transactions")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid transaction id")
		return
	}
	tx, err := s.service.Transaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			writeError(w, http.StatusNotFound, "transaction_not_found", "transaction not found")
			return
		}
		s.log.Error().Err(err).Msg("httpapi: get transaction")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load transaction")
		return
	}
	// Expiry is passive: the row stays pending, the QR is simply no longer
	// payable, so the flag is computed at read time.
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"expired":     tx.IsExpired(time.Now()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
