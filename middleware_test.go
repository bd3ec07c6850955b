package q402

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/q402/policy"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
	"github.com/vitwit/q402/utils/eip712"
	"github.com/vitwit/q402/verification"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	recipient      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	implementation = "0x1111111111111111111111111111111111111111"
	verifying      = "0x3333333333333333333333333333333333333333"
	premiumPath    = "/api/premium-data"
	transferPath   = "/api/execute-transfer"
	premiumAmount  = "10000000000000000"
)

var testNow = time.Unix(1_700_000_000, 0)

func clock() time.Time { return testNow }

type fakeSettler struct {
	mu     sync.Mutex
	calls  int
	result *types.SettlementResult
}

func (f *fakeSettler) Settle(context.Context, *types.SignedPaymentPayload) *types.SettlementResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

func (f *fakeSettler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingVerifier struct {
	inner verification.Verifier
	calls atomic.Int32
}

func (c *countingVerifier) Verify(ctx context.Context, p *types.SignedPaymentPayload, opts verification.VerifyOptions) *types.VerificationResult {
	c.calls.Add(1)
	return c.inner.Verify(ctx, p, opts)
}

type recordingStore struct {
	issued []types.PaymentDetails
}

func (s *recordingStore) Issued(_ context.Context, _ types.EndpointConfig, d types.PaymentDetails) error {
	s.issued = append(s.issued, d)
	return nil
}

func testConfig() Config {
	return Config{
		Network:                types.NetworkBSCTestnet,
		RecipientAddress:       recipient,
		ImplementationContract: implementation,
		VerifyingContract:      verifying,
		Endpoints: []types.EndpointConfig{
			{Path: premiumPath, Token: types.NativeToken, Amount: premiumAmount},
			{Path: transferPath, Token: types.Any, Amount: types.Any},
		},
		AutoSettle: true,
	}
}

type harness struct {
	q        *Q402
	settler  *fakeSettler
	verifier *countingVerifier
	store    *recordingStore
}

func newHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		settler: &fakeSettler{result: &types.SettlementResult{
			Success:     true,
			TxHash:      "0xabc0000000000000000000000000000000000000000000000000000000000def",
			BlockNumber: 42,
		}},
		verifier: &countingVerifier{inner: verification.NewVerificationService(implementation, verification.WithClock(clock))},
		store:    &recordingStore{},
	}

	base := []Option{
		WithClock(clock),
		WithSettler(h.settler),
		WithVerifier(h.verifier),
		WithChallengeStore(h.store),
	}
	q, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	h.q = q
	return h
}

func payerKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)
	return key
}

// challengeFor issues a challenge the way a client would receive it.
func (h *harness) challengeFor(t *testing.T, path string) types.PaymentDetails {
	t.Helper()
	ep, ok := h.q.matchEndpoint(path)
	require.True(t, ok)
	c, err := h.q.BuildChallenge(ep, "")
	require.NoError(t, err)
	return c.Accepts[0]
}

// sign fills in the owner and signs both the witness and the delegation,
// with authKey signing the delegation.
func sign(t *testing.T, d types.PaymentDetails, witnessKey, authKey *ecdsa.PrivateKey) *types.SignedPaymentPayload {
	t.Helper()
	d.Witness.Message.Owner = crypto.PubkeyToAddress(witnessKey.PublicKey).Hex()

	sig, err := eip712.SignWitness(d.Witness, witnessKey)
	require.NoError(t, err)
	auth, err := eip712.SignAuthorization(*d.Authorization, authKey)
	require.NoError(t, err)

	return &types.SignedPaymentPayload{
		WitnessSignature: sig,
		Authorization:    auth,
		PaymentDetails:   &d,
	}
}

func encode(t *testing.T, p *types.SignedPaymentPayload) string {
	t.Helper()
	s, err := utils.EncodeHeader(p)
	require.NoError(t, err)
	return s
}

type served struct {
	called bool
	info   types.PaymentInfo
	body   string
}

func (h *harness) do(t *testing.T, path, header, body string) (*httptest.ResponseRecorder, *served) {
	t.Helper()
	s := &served{}
	handler := h.q.Wrap(func(w http.ResponseWriter, r *http.Request, info types.PaymentInfo) {
		s.called = true
		s.info = info
		b, _ := io.ReadAll(r.Body)
		s.body = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":"premium"}`))
	})

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(http.MethodPost, path, nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	}
	if header != "" {
		req.Header.Set(types.HeaderPayment, header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, s
}

func decodeRequired(t *testing.T, rec *httptest.ResponseRecorder) types.PaymentRequiredResponse {
	t.Helper()
	var body types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.X402Error {
	t.Helper()
	var body types.X402Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestMiddleware_NoHeaderIssuesChallenge(t *testing.T) {
	h := newHarness(t, nil)
	rec, s := h.do(t, premiumPath, "", "")

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.False(t, s.called)

	body := decodeRequired(t, rec)
	assert.Equal(t, types.X402Version1, body.X402Version)
	require.Len(t, body.Accepts, 1)

	d := body.Accepts[0]
	assert.Equal(t, types.SchemeSingle, d.Scheme)
	assert.Equal(t, types.NetworkBSCTestnet, d.NetworkID)
	assert.Equal(t, types.NativeToken, d.Token)
	assert.Equal(t, types.Numeric(premiumAmount), d.Amount)
	assert.Equal(t, recipient, d.To)
	assert.Equal(t, implementation, d.ImplementationContract)

	w := d.Witness
	assert.Equal(t, "q402", w.Domain.Name)
	assert.Equal(t, "1", w.Domain.Version)
	assert.Equal(t, uint64(97), w.Domain.ChainID)
	assert.Equal(t, verifying, w.Domain.VerifyingContract)
	assert.Equal(t, eip712.WitnessFields(), w.Types["Witness"])
	assert.Equal(t, "Witness", w.PrimaryType)
	assert.Equal(t, types.ZeroAddress, w.Message.Owner)
	assert.Equal(t, types.ZeroAddress, w.Message.Token)
	assert.Equal(t, types.Numeric("1700000900"), w.Message.Deadline)
	assert.Equal(t, types.Numeric("0"), w.Message.Nonce)
	assert.Len(t, w.Message.PaymentID, 66)

	require.NotNil(t, d.Authorization)
	assert.Equal(t, types.AuthorizationTuple{ChainID: 97, Address: implementation, Nonce: 0}, *d.Authorization)

	require.Len(t, h.store.issued, 1)
	assert.Equal(t, w.Message.PaymentID, h.store.issued[0].Witness.Message.PaymentID)
}

func TestMiddleware_ChallengesHaveFreshPaymentIDs(t *testing.T) {
	h := newHarness(t, nil)
	a := h.challengeFor(t, premiumPath)
	b := h.challengeFor(t, premiumPath)
	assert.NotEqual(t, a.Witness.Message.PaymentID, b.Witness.Message.PaymentID)
}

func TestMiddleware_ChallengeQuotesTxPayloadAmount(t *testing.T) {
	h := newHarness(t, nil)

	rec, _ := h.do(t, transferPath, "", `{"txPayload":{"amount":"12345","to":"0xabc"}}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	d := decodeRequired(t, rec).Accepts[0]
	assert.Equal(t, types.Numeric("12345"), d.Amount)
	assert.Equal(t, types.Numeric("12345"), d.Witness.Message.Amount)

	// fixed price endpoints ignore it
	rec, _ = h.do(t, premiumPath, "", `{"txPayload":{"amount":"12345"}}`)
	assert.Equal(t, types.Numeric(premiumAmount), decodeRequired(t, rec).Accepts[0].Amount)
}

func TestMiddleware_UnconfiguredPathPassesThrough(t *testing.T) {
	h := newHarness(t, nil)
	rec, s := h.do(t, "/api/free", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, s.called)
	assert.False(t, s.info.Verified)
	assert.Empty(t, s.info.Payer)
}

// Scenario A
func TestMiddleware_ValidPaymentServedAndSettled(t *testing.T) {
	h := newHarness(t, nil)
	key := payerKey(t)
	p := sign(t, h.challengeFor(t, premiumPath), key, key)

	rec, s := h.do(t, premiumPath, encode(t, p), "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, s.called)
	assert.True(t, s.info.Verified)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), s.info.Payer)
	assert.Equal(t, premiumAmount, s.info.Amount)
	assert.Equal(t, types.NativeToken, s.info.Token)
	assert.Equal(t, p.PaymentDetails.Witness.Message.PaymentID, s.info.PaymentID)
	require.NotNil(t, s.info.Settlement)
	assert.True(t, s.info.Settlement.Success)
	assert.Equal(t, 1, h.settler.Calls())

	var resp types.PaymentResponse
	require.NoError(t, utils.DecodeHeader(rec.Header().Get(types.HeaderPaymentResponse), &resp))
	assert.Equal(t, h.settler.result.TxHash, resp.TxHash)
	assert.Equal(t, uint64(42), resp.BlockNumber)
	assert.Equal(t, "confirmed", resp.Status)

	assert.True(t, h.q.PolicyEngine().DailySpend().Equal(decimal.RequireFromString("0.01")))
}

// Scenario B
func TestMiddleware_AmountMismatchBeforeVerification(t *testing.T) {
	h := newHarness(t, nil)
	key := payerKey(t)
	p := sign(t, h.challengeFor(t, premiumPath), key, key)
	p.PaymentDetails.Amount = "20000000000000000"

	rec, s := h.do(t, premiumPath, encode(t, p), "")

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, decodeRequired(t, rec).Error, types.ErrPaymentDetailsMismatch)
	assert.False(t, s.called)
	assert.Equal(t, int32(0), h.verifier.calls.Load())
	assert.Equal(t, 0, h.settler.Calls())
}

// Scenario C
func TestMiddleware_ExpiredPayment(t *testing.T) {
	h := newHarness(t, nil)
	key := payerKey(t)
	d := h.challengeFor(t, premiumPath)
	d.Witness.Message.Deadline = "1699999999"
	p := sign(t, d, key, key)

	rec, s := h.do(t, premiumPath, encode(t, p), "")

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeRequired(t, rec)
	assert.Contains(t, body.Error, types.ErrPaymentExpired)
	require.Len(t, body.Accepts, 1)
	assert.False(t, s.called)
	assert.Equal(t, 0, h.settler.Calls())
}

// Scenario D
func TestMiddleware_AuthorizationFromOtherSigner(t *testing.T) {
	h := newHarness(t, nil)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	key := payerKey(t)
	p := sign(t, h.challengeFor(t, premiumPath), key, other)

	rec, s := h.do(t, premiumPath, encode(t, p), "")

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, decodeRequired(t, rec).Error, types.ErrInvalidAuthorization)
	assert.False(t, s.called)
	assert.Equal(t, 0, h.settler.Calls())
}

func TestMiddleware_MismatchCases(t *testing.T) {
	key := payerKey(t)
	cases := []struct {
		name   string
		mutate func(p *types.SignedPaymentPayload)
	}{
		{"token", func(p *types.SignedPaymentPayload) {
			p.PaymentDetails.Token = "0x337610d27c682E347C9cD60BD4b3b107C9d34dDd"
		}},
		{"recipient", func(p *types.SignedPaymentPayload) {
			p.PaymentDetails.To = implementation
		}},
		{"network", func(p *types.SignedPaymentPayload) {
			p.PaymentDetails.NetworkID = types.NetworkBSCMainnet
		}},
		{"domain chain", func(p *types.SignedPaymentPayload) {
			p.PaymentDetails.Witness.Domain.ChainID = 56
		}},
		{"verifying contract", func(p *types.SignedPaymentPayload) {
			p.PaymentDetails.Witness.Domain.VerifyingContract = implementation
		}},
		{"witness amount", func(p *types.SignedPaymentPayload) {
			p.PaymentDetails.Witness.Message.Amount = "1"
		}},
		{"deadline", func(p *types.SignedPaymentPayload) {
			p.PaymentDetails.Witness.Message.Deadline = "1700086400"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			p := sign(t, h.challengeFor(t, premiumPath), key, key)
			tc.mutate(p)

			rec, _ := h.do(t, premiumPath, encode(t, p), "")
			require.Equal(t, http.StatusPaymentRequired, rec.Code)
			assert.Contains(t, decodeRequired(t, rec).Error, types.ErrPaymentDetailsMismatch)
			assert.Equal(t, int32(0), h.verifier.calls.Load())
		})
	}
}

func TestMiddleware_DeadlineBoundedByChallengeTTL(t *testing.T) {
	key := payerKey(t)
	deadline := func(d time.Duration) types.Numeric {
		return types.Numeric(strconv.FormatInt(testNow.Add(d).Unix(), 10))
	}

	h := newHarness(t, nil)
	d := h.challengeFor(t, premiumPath)
	d.Witness.Message.Deadline = deadline(24 * time.Hour)
	header := encode(t, sign(t, d, key, key))

	for i := 0; i < 2; i++ {
		rec, s := h.do(t, premiumPath, header, "")
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Contains(t, decodeRequired(t, rec).Error, "deadline")
		assert.False(t, s.called)
	}
	assert.Equal(t, 0, h.settler.Calls())

	// a client clock slightly ahead is tolerated
	d = h.challengeFor(t, premiumPath)
	d.Witness.Message.Deadline = deadline(DefaultChallengeTTL + 10*time.Second)
	rec, s := h.do(t, premiumPath, encode(t, sign(t, d, key, key)), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, s.called)
}

func TestMiddleware_BatchBoundToWitness(t *testing.T) {
	key := payerKey(t)
	leg := func(amount, to string) types.BatchLeg {
		return types.BatchLeg{Token: types.NativeToken, Amount: types.Numeric(amount), To: to}
	}

	cases := []struct {
		name   string
		mutate func(d *types.PaymentDetails)
		detail string
	}{
		{"witness signed for less", func(d *types.PaymentDetails) {
			d.Witness.Message.Amount = "1"
			d.Batch = []types.BatchLeg{leg("1", recipient)}
		}, "witness amount"},
		{"legs short of the signed amount", func(d *types.PaymentDetails) {
			d.Batch = []types.BatchLeg{leg("1", recipient)}
		}, "batch total"},
		{"legs over the signed amount", func(d *types.PaymentDetails) {
			d.Batch = []types.BatchLeg{leg(premiumAmount, recipient), leg("1", recipient)}
		}, "batch total"},
		{"no legs", func(d *types.PaymentDetails) {
			d.Batch = nil
		}, "batch"},
		{"leg to another recipient", func(d *types.PaymentDetails) {
			d.Batch = []types.BatchLeg{leg(premiumAmount, implementation)}
		}, "batch recipient"},
		{"leg in another token", func(d *types.PaymentDetails) {
			d.Batch = []types.BatchLeg{{Token: "0x337610d27c682E347C9cD60BD4b3b107C9d34dDd", Amount: premiumAmount, To: recipient}}
		}, "batch token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			d := h.challengeFor(t, premiumPath)
			d.Scheme = types.SchemeBatch
			tc.mutate(&d)

			rec, s := h.do(t, premiumPath, encode(t, sign(t, d, key, key)), "")
			require.Equal(t, http.StatusPaymentRequired, rec.Code)
			body := decodeRequired(t, rec)
			assert.Contains(t, body.Error, types.ErrPaymentDetailsMismatch)
			assert.Contains(t, body.Error, tc.detail)
			assert.False(t, s.called)
			assert.Equal(t, 0, h.settler.Calls())
		})
	}

	h := newHarness(t, nil)
	d := h.challengeFor(t, premiumPath)
	d.Scheme = types.SchemeBatch
	d.Batch = []types.BatchLeg{leg("4000000000000000", recipient), leg("6000000000000000", recipient)}

	rec, s := h.do(t, premiumPath, encode(t, sign(t, d, key, key)), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, premiumAmount, s.info.Amount)
	assert.True(t, h.q.PolicyEngine().DailySpend().Equal(decimal.RequireFromString("0.01")))
}

func TestMiddleware_NativeAliasesMatch(t *testing.T) {
	h := newHarness(t, nil)
	key := payerKey(t)
	d := h.challengeFor(t, premiumPath)
	d.Token = types.NativeSentinel
	p := sign(t, d, key, key)

	rec, s := h.do(t, premiumPath, encode(t, p), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, s.info.Verified)
}

func TestMiddleware_InvalidHeader(t *testing.T) {
	h := newHarness(t, nil)

	rec, s := h.do(t, premiumPath, "not base64 !!!", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ErrInvalidPayload, decodeError(t, rec).Code)
	assert.False(t, s.called)

	key := payerKey(t)
	p := sign(t, h.challengeFor(t, premiumPath), key, key)
	p.PaymentDetails.Witness.Message = nil
	rec, _ = h.do(t, premiumPath, encode(t, p), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ErrInvalidWitness, decodeError(t, rec).Code)
}

func TestMiddleware_TamperedWitness(t *testing.T) {
	h := newHarness(t, nil)
	key := payerKey(t)
	d := h.challengeFor(t, premiumPath)
	p := sign(t, d, key, key)
	// re-point the witness at a different payment id after signing
	p.PaymentDetails.Witness.Message.PaymentID = "0x" + strings.Repeat("11", 32)

	rec, _ := h.do(t, premiumPath, encode(t, p), "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, decodeRequired(t, rec).Error, types.ErrInvalidSignature)
}

func TestMiddleware_ReplayRejected(t *testing.T) {
	h := newHarness(t, nil)
	key := payerKey(t)
	header := encode(t, sign(t, h.challengeFor(t, premiumPath), key, key))

	rec, _ := h.do(t, premiumPath, header, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, s := h.do(t, premiumPath, header, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, decodeRequired(t, rec).Error, types.ErrPaymentAlreadyUsed)
	assert.False(t, s.called)
	assert.Equal(t, 1, h.settler.Calls())
}

func TestMiddleware_PolicyViolation(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.MaxTxAmount = decimal.RequireFromString("0.001")
	engine := policy.New(cfg, policy.WithClock(clock))

	h := newHarness(t, nil, WithPolicy(engine))
	key := payerKey(t)
	p := sign(t, h.challengeFor(t, premiumPath), key, key)

	rec, s := h.do(t, premiumPath, encode(t, p), "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, types.ErrPolicyViolation, body.Code)
	assert.Contains(t, body.Message, "exceeds limit")
	assert.False(t, s.called)
	assert.Equal(t, 0, h.settler.Calls())

	// the claim is released so the payer can retry once policy allows it
	ok, err := h.q.replay.Claim(context.Background(), p.PaymentDetails.Witness.Message.PaymentID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMiddleware_SettlementFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.settler.result = &types.SettlementResult{Success: false, Error: "Insufficient gas funds in facilitator wallet"}
	key := payerKey(t)

	rec, s := h.do(t, premiumPath, encode(t, sign(t, h.challengeFor(t, premiumPath), key, key)), "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, s.called)
	assert.True(t, s.info.Verified)
	require.NotNil(t, s.info.Settlement)
	assert.False(t, s.info.Settlement.Success)
	assert.Empty(t, rec.Header().Get(types.HeaderPaymentResponse))
}

func TestMiddleware_NoAutoSettle(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoSettle = false })
	key := payerKey(t)

	rec, s := h.do(t, premiumPath, encode(t, sign(t, h.challengeFor(t, premiumPath), key, key)), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.info.Verified)
	assert.Nil(t, s.info.Settlement)
	assert.Equal(t, 0, h.settler.Calls())
	assert.Empty(t, rec.Header().Get(types.HeaderPaymentResponse))
}

func TestMiddleware_DevModeBypass(t *testing.T) {
	key := payerKey(t)
	build := func(h *harness) string {
		p := sign(t, h.challengeFor(t, premiumPath), key, key)
		p.Authorization.YParity = nil
		p.Authorization.R = ""
		return encode(t, p)
	}

	strict := newHarness(t, nil)
	rec, _ := strict.do(t, premiumPath, build(strict), "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, decodeRequired(t, rec).Error, types.ErrInvalidAuthorizationFormat)

	dev := newHarness(t, func(c *Config) { c.DevMode = true })
	rec, s := dev.do(t, premiumPath, build(dev), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, s.info.Verified)

	// a well formed delegation from the wrong signer is still rejected
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	rec, _ = dev.do(t, premiumPath, encode(t, sign(t, dev.challengeFor(t, premiumPath), key, other)), "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, decodeRequired(t, rec).Error, types.ErrInvalidAuthorization)
}

func TestMiddleware_AnyEndpointWithAnyRecipient(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AllowAnyRecipient = true })
	key := payerKey(t)

	ep, _ := h.q.matchEndpoint(transferPath)
	c, err := h.q.BuildChallenge(ep, "5000")
	require.NoError(t, err)
	d := c.Accepts[0]
	d.Token = types.NativeToken
	d.To = implementation
	d.Witness.Message.To = implementation
	p := sign(t, d, key, key)

	body := `{"txPayload":{"amount":"5000","to":"` + implementation + `"}}`
	rec, s := h.do(t, transferPath, encode(t, p), body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, s.info.Verified)
	assert.Equal(t, "5000", s.info.Amount)
	assert.Equal(t, body, s.body, "handler still reads the request body")
	assert.NotEmpty(t, s.info.ResourceHash)

	hash, err := utils.ResourceHash(map[string]any{"amount": "5000", "to": implementation})
	require.NoError(t, err)
	assert.Equal(t, hash.Hex(), s.info.ResourceHash)
}

func TestMiddleware_PanicBecomes500(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.q.Wrap(func(http.ResponseWriter, *http.Request, types.PaymentInfo) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/free", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, types.ErrUnexpected, decodeError(t, rec).Code)
}

func TestMiddleware_PanicAfterWriteKeepsResponse(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.q.Wrap(func(w http.ResponseWriter, _ *http.Request, _ types.PaymentInfo) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":"partial"}`))
		panic("boom")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/free", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"data":"partial"}`, rec.Body.String())
}

func TestMiddleware_PaymentInContext(t *testing.T) {
	h := newHarness(t, nil)
	key := payerKey(t)

	var got types.PaymentInfo
	var ok bool
	handler := h.q.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = PaymentFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, premiumPath, nil)
	req.Header.Set(types.HeaderPayment, encode(t, sign(t, h.challengeFor(t, premiumPath), key, key)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.True(t, ok)
	assert.True(t, got.Verified)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), got.Payer)
}

func TestNew_ValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RecipientAddress = "nope"
	_, err := New(cfg, WithSettler(&fakeSettler{}))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Network = "solana"
	_, err = New(cfg, WithSettler(&fakeSettler{}))
	assert.Error(t, err)

	_, err = New(testConfig())
	var xe *types.X402Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, types.ErrConfigError, xe.Code)
}
