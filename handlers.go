package q402

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
)

// maxPayloadBytes bounds the JSON body of the verify and settle routes.
const maxPayloadBytes = 64 << 10

// VerifyHandler serves POST /api/q402/verify. It answers with the
// verification result, 400 when the payload is invalid.
func (q *Q402) VerifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(w, r)
		if err != nil {
			status, code := statusOf(err)
			sendError(w, status, code, err.Error())
			return
		}

		res := q.Verify(r.Context(), payload)
		if !res.IsValid {
			writeJSON(w, http.StatusBadRequest, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// SettleHandler serves POST /api/q402/settle: verify, apply the spend
// policy and submit.
func (q *Q402) SettleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(w, r)
		if err != nil {
			status, code := statusOf(err)
			sendError(w, status, code, err.Error())
			return
		}

		res, err := q.Settle(r.Context(), payload)
		if err != nil {
			status, _ := statusOf(err)
			if status == http.StatusPaymentRequired {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, types.SettlementResult{Success: false, Error: err.Error()})
			return
		}
		if !res.Success {
			writeJSON(w, http.StatusInternalServerError, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HealthHandler serves GET /api/health with the protocol versions and
// the sponsor spend so far today.
func (q *Q402) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"version":    Version,
			"network":    q.cfg.Network.String(),
			"chainId":    q.chainID,
			"autoSettle": q.cfg.AutoSettle,
			"dailySpend": q.policy.DailySpend().String(),
			"protocol":   GetVersion(),
			"timestamp":  q.now().UTC().Format(time.RFC3339),
		})
	}
}

func readPayload(w http.ResponseWriter, r *http.Request) (*types.SignedPaymentPayload, error) {
	if r.Method != http.MethodPost {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("method %s not allowed", r.Method),
		}
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("failed to read body: %v", err),
		}
	}
	return utils.ParsePayment(data)
}
