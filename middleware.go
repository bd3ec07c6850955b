package q402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
	"github.com/vitwit/q402/verification"
)

const (
	// maxBodyPeek bounds how much of a request body is read to find txPayload.
	maxBodyPeek = 1 << 20

	// maxDeadlineSkew tolerates client clocks running ahead when bounding
	// witness deadlines.
	maxDeadlineSkew = 30 * time.Second
)

// HandlerFunc serves a payment gated request. payment.Verified is false on
// paths that are not configured for payment.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, payment types.PaymentInfo)

type paymentContextKey struct{}

// WithPayment stores payment info in ctx.
func WithPayment(ctx context.Context, info types.PaymentInfo) context.Context {
	return context.WithValue(ctx, paymentContextKey{}, info)
}

// PaymentFromContext returns the payment info stored by the middleware.
func PaymentFromContext(ctx context.Context) (types.PaymentInfo, bool) {
	info, ok := ctx.Value(paymentContextKey{}).(types.PaymentInfo)
	return info, ok
}

// Middleware adapts Wrap to the func(http.Handler) http.Handler shape used
// by routers. The handler reads the payment with PaymentFromContext.
func (q *Q402) Middleware(next http.Handler) http.Handler {
	return q.Wrap(func(w http.ResponseWriter, r *http.Request, _ types.PaymentInfo) {
		next.ServeHTTP(w, r)
	})
}

// Wrap gates h behind the payment protocol. A panic becomes a 500 unless
// the response was already started.
func (q *Q402) Wrap(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			q.logger.Error("payment middleware panicked", map[string]any{
				"path":    r.URL.Path,
				"panic":   fmt.Sprint(rec),
				"started": ww.Status() != 0,
			})
			if ww.Status() == 0 {
				sendError(ww, http.StatusInternalServerError, types.ErrUnexpected, "Internal server error")
			}
		}()
		q.serve(ww, r, h)
	})
}

func (q *Q402) serve(w http.ResponseWriter, r *http.Request, h HandlerFunc) {
	ctx := r.Context()
	start := q.now()
	labels := map[string]string{"network": q.cfg.Network.String()}

	endpoint, ok := q.matchEndpoint(r.URL.Path)
	if !ok {
		info := types.PaymentInfo{Verified: false}
		h(w, r.WithContext(WithPayment(ctx, info)), info)
		return
	}

	txPayload := peekTxPayload(r)

	header := r.Header.Get(types.HeaderPayment)
	if header == "" {
		q.sendChallenge(w, r, endpoint, txPayload)
		return
	}

	payload, err := utils.DecodePayment(header)
	if err != nil {
		q.reject(w, http.StatusBadRequest, types.ErrInvalidPayload, "Invalid payment header format", nil)
		return
	}
	if reason := utils.ShapeReason(payload); reason != "" {
		q.reject(w, http.StatusBadRequest, reason, "Payment payload is incomplete", nil)
		return
	}
	details := payload.PaymentDetails
	message := details.Witness.Message

	if msg := q.mismatch(endpoint, payload); msg != "" {
		q.logger.Info("payment details mismatch", map[string]any{"path": endpoint.Path, "detail": msg})
		q.reject(w, http.StatusPaymentRequired, types.ErrPaymentDetailsMismatch,
			"Payment details do not match endpoint configuration: "+msg, details)
		return
	}

	if verification.Expired(message.Deadline, q.now()) {
		q.reject(w, http.StatusPaymentRequired, types.ErrPaymentExpired, "Payment expired", details)
		return
	}

	result := q.Verify(ctx, payload)
	if !result.IsValid {
		q.reject(w, http.StatusPaymentRequired, result.InvalidReason,
			"Payment verification failed: "+result.InvalidReason, details)
		return
	}

	ttl := q.claimTTL(message.Deadline)
	claimed, err := q.replay.Claim(ctx, message.PaymentID, ttl)
	if err != nil {
		q.logger.Error("replay guard failed", map[string]any{"error": err.Error()})
		sendError(w, http.StatusInternalServerError, types.ErrUnexpected, "Internal server error")
		return
	}
	if !claimed {
		q.reject(w, http.StatusPaymentRequired, types.ErrPaymentAlreadyUsed, "Payment already used", details)
		return
	}

	pr, err := q.authorizeOnce(ctx, payload, ttl)
	if err != nil {
		q.release(ctx, message.PaymentID)
		q.logger.Error("replay guard failed", map[string]any{"error": err.Error()})
		sendError(w, http.StatusInternalServerError, types.ErrUnexpected, "Internal server error")
		return
	}
	if !pr.Allowed {
		q.release(ctx, message.PaymentID)
		q.reject(w, http.StatusForbidden, types.ErrPolicyViolation, "Sponsor policy violation: "+pr.Reason, nil)
		return
	}

	info := types.PaymentInfo{
		Verified:  true,
		Payer:     result.Payer,
		Amount:    details.Amount.String(),
		Token:     details.Token,
		PaymentID: message.PaymentID,
	}
	if txPayload != nil {
		if hash, err := utils.ResourceHash(txPayload); err == nil {
			info.ResourceHash = hash.Hex()
		}
	}

	if q.cfg.AutoSettle {
		res, err := q.settleOnce(ctx, payload, ttl)
		if err != nil {
			q.logger.Warn("payment not settled", map[string]any{"paymentId": message.PaymentID, "error": err.Error()})
			res = &types.SettlementResult{Success: false, Error: err.Error()}
		}
		info.Settlement = res
		if res.Success {
			value, err := utils.EncodeHeader(types.PaymentResponse{
				TxHash:      res.TxHash,
				BlockNumber: res.BlockNumber,
				Status:      "confirmed",
			})
			if err == nil {
				w.Header().Set(types.HeaderPaymentResponse, value)
			}
		}
	}

	q.metrics.ObserveLatency("payment", q.now().Sub(start), labels)
	q.metrics.IncCounter("payment_accepted", labels)
	q.logger.Info("payment accepted", map[string]any{
		"path":      endpoint.Path,
		"payer":     info.Payer,
		"amount":    info.Amount,
		"paymentId": info.PaymentID,
		"bypassed":  result.AuthorizationBypassed,
	})

	h(w, r.WithContext(WithPayment(ctx, info)), info)
}

func (q *Q402) matchEndpoint(path string) (types.EndpointConfig, bool) {
	for _, ep := range q.cfg.Endpoints {
		if ep.Path == path {
			return ep, true
		}
	}
	return types.EndpointConfig{}, false
}

func (q *Q402) sendChallenge(w http.ResponseWriter, r *http.Request, endpoint types.EndpointConfig, txPayload map[string]any) {
	override := ""
	if txPayload != nil {
		override = amountOf(txPayload["amount"])
	}

	challenge, err := q.BuildChallenge(endpoint, override)
	if err != nil {
		q.logger.Error("failed to build challenge", map[string]any{"error": err.Error()})
		sendError(w, http.StatusInternalServerError, types.ErrUnexpected, "Internal server error")
		return
	}

	if q.store != nil {
		if err := q.store.Issued(r.Context(), endpoint, challenge.Accepts[0]); err != nil {
			q.logger.Warn("challenge store rejected challenge", map[string]any{"error": err.Error()})
		}
	}

	q.metrics.IncCounter("challenge_issued", map[string]string{"network": q.cfg.Network.String()})
	writeJSON(w, http.StatusPaymentRequired, challenge)
}

// mismatch compares a payload with the endpoint and server configuration
// and describes the first difference.
func (q *Q402) mismatch(endpoint types.EndpointConfig, p *types.SignedPaymentPayload) string {
	details := p.PaymentDetails
	msg := details.Witness.Message
	domain := details.Witness.Domain

	if endpoint.Token != types.Any && !sameToken(details.Token, endpoint.Token) {
		return "token"
	}
	if endpoint.Amount != types.Any && !sameAmount(details.Amount, types.Numeric(endpoint.Amount)) {
		return "amount"
	}
	if !q.cfg.AllowAnyRecipient && !utils.EqualAddress(details.To, q.cfg.RecipientAddress) {
		return "recipient"
	}

	if details.NetworkID != q.cfg.Network {
		return "network"
	}
	if domain.ChainID != q.chainID || p.Authorization.ChainID != q.chainID {
		return "chain id"
	}
	if !utils.EqualAddress(domain.VerifyingContract, q.cfg.VerifyingContract) {
		return "verifying contract"
	}
	if q.deadlineTooFar(msg.Deadline) {
		return "deadline"
	}
	return q.witnessMismatch(details)
}

// witnessMismatch checks that what gets settled is what the owner signed.
// Batch legs are not covered by the witness signature, so they must add up
// to the signed amount in the signed token.
func (q *Q402) witnessMismatch(details *types.PaymentDetails) string {
	msg := details.Witness.Message
	if !sameAmount(msg.Amount, details.Amount) {
		return "witness amount"
	}
	if !utils.EqualAddress(msg.To, details.To) {
		return "witness recipient"
	}
	if types.TokenAddress(msg.Token) != types.TokenAddress(details.Token) {
		return "witness token"
	}
	if details.Scheme != types.SchemeBatch {
		return ""
	}

	if len(details.Batch) == 0 {
		return "batch"
	}
	total := new(big.Int)
	for _, leg := range details.Batch {
		v, ok := leg.Amount.Big()
		if !ok {
			return "batch amount"
		}
		total.Add(total, v)
		if !sameToken(leg.Token, details.Token) {
			return "batch token"
		}
		if !q.cfg.AllowAnyRecipient && !utils.EqualAddress(leg.To, details.To) {
			return "batch recipient"
		}
	}
	if want, ok := details.Amount.Big(); !ok || total.Cmp(want) != 0 {
		return "batch total"
	}
	return ""
}

// deadlineTooFar reports a witness deadline beyond any challenge this server
// could have issued. Unparseable deadlines are left to the expiry check.
func (q *Q402) deadlineTooFar(deadline types.Numeric) bool {
	d, ok := deadline.Big()
	if !ok {
		return false
	}
	limit := q.now().Add(q.cfg.ChallengeTTL + maxDeadlineSkew).Unix()
	return !d.IsInt64() || d.Int64() > limit
}

// claimTTL keeps a payment id claimed until its deadline has passed.
func (q *Q402) claimTTL(deadline types.Numeric) time.Duration {
	d, ok := deadline.Big()
	if !ok || !d.IsInt64() {
		return q.cfg.ChallengeTTL
	}
	ttl := time.Unix(d.Int64(), 0).Sub(q.now()) + time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// reject answers with a reason code. When details is set the body repeats
// the challenge so the client can retry.
func (q *Q402) reject(w http.ResponseWriter, status int, code, message string, details *types.PaymentDetails) {
	q.metrics.IncCounter("payment_rejected", map[string]string{
		"network": q.cfg.Network.String(),
		"reason":  code,
	})

	if details == nil || status != http.StatusPaymentRequired {
		sendError(w, status, code, message)
		return
	}
	writeJSON(w, status, types.PaymentRequiredResponse{
		X402Version: ProtocolVersion,
		Accepts:     []types.PaymentDetails{*details},
		Error:       fmt.Sprintf("%s: %s", code, message),
	})
}

func sameToken(a, b string) bool {
	if types.IsNativeToken(a) || types.IsNativeToken(b) {
		return types.IsNativeToken(a) && types.IsNativeToken(b)
	}
	return strings.EqualFold(a, b)
}

func sameAmount(a, b types.Numeric) bool {
	x, ok := a.Big()
	if !ok {
		return false
	}
	y, ok := b.Big()
	if !ok {
		return false
	}
	return x.Cmp(y) == 0
}

// peekTxPayload reads the optional txPayload object of a JSON body and
// leaves the body readable for the handler.
func peekTxPayload(r *http.Request) map[string]any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	if err != nil {
		return nil
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), r.Body))

	var body struct {
		TxPayload map[string]any `json:"txPayload"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil
	}
	return body.TxPayload
}

func amountOf(v any) string {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		return ""
	}
	if _, ok := types.Numeric(s).Big(); !ok {
		return ""
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.X402Error{Code: code, Message: message})
}

// statusOf maps an error to its HTTP status and reason code.
func statusOf(err error) (int, string) {
	var xe *types.X402Error
	if errors.As(err, &xe) {
		return types.StatusForReason(xe.Code), xe.Code
	}
	return http.StatusInternalServerError, types.ErrUnexpected
}
