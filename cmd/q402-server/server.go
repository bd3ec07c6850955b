package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/vitwit/q402"
	"github.com/vitwit/q402/logger"
	"github.com/vitwit/q402/metrics"
	"github.com/vitwit/q402/stream"
	"github.com/vitwit/q402/types"
)

const (
	premiumPath  = "/api/premium-data"
	transferPath = "/api/execute-transfer"
	chatPath     = "/api/chat"

	// 0.01 BNB
	premiumPrice = "10000000000000000"

	requestIDHeader = "X-Request-Id"
)

func premiumEndpoint() types.EndpointConfig {
	return types.EndpointConfig{Path: premiumPath, Token: types.NativeToken, Amount: premiumPrice}
}

func transferEndpoint() types.EndpointConfig {
	return types.EndpointConfig{Path: transferPath, Token: types.NativeSentinel, Amount: types.Any}
}

type server struct {
	// premium serves the fixed price route and the protocol routes;
	// transfer lets the payer choose amount and recipient.
	premium  *q402.Q402
	transfer *q402.Q402

	chat    stream.Source
	metrics *metrics.PrometheusRecorder
	logger  logger.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.premium.HealthHandler())
	r.Post("/api/q402/verify", s.premium.VerifyHandler())
	r.Post("/api/q402/settle", s.premium.SettleHandler())

	r.Method(http.MethodPost, premiumPath, s.premium.Wrap(premiumData))
	r.Method(http.MethodPost, transferPath, s.transfer.Wrap(executeTransfer))

	if s.chat != nil {
		r.Post(chatPath, stream.Handler(s.chat, s.logger))
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

func premiumData(w http.ResponseWriter, _ *http.Request, payment types.PaymentInfo) {
	if !payment.Verified {
		respond(w, http.StatusPaymentRequired, map[string]any{"error": "Payment required"})
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"secret": "This data costs 0.01 BNB",
			"paidBy": payment.Payer,
			"amount": payment.Amount,
		},
	})
}

func executeTransfer(w http.ResponseWriter, r *http.Request, payment types.PaymentInfo) {
	if !payment.Verified {
		respond(w, http.StatusPaymentRequired, map[string]any{"error": "Payment required"})
		return
	}

	var body struct {
		TxPayload map[string]any `json:"txPayload"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	data := map[string]any{
		"paidBy":       payment.Payer,
		"amount":       payment.Amount,
		"paymentId":    payment.PaymentID,
		"resourceHash": payment.ResourceHash,
		"txPayload":    body.TxPayload,
		"message":      "Execution accepted",
	}
	if payment.Settlement != nil && payment.Settlement.Success {
		data["txHash"] = payment.Settlement.TxHash
	}
	respond(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

// requestLogger tags every request with an id and logs its outcome.
func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("request served", map[string]any{
				"requestId": id,
				"method":    r.Method,
				"path":      r.URL.Path,
				"status":    ww.Status(),
				"bytes":     ww.BytesWritten(),
				"duration":  time.Since(start).String(),
			})
		})
	}
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
