package canvassd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"canvassing/config"
	"canvassing/core/authorization"
	"canvassing/crypto"
	"canvassing/ledger"
	"canvassing/ledger/models"
	"canvassing/services/signer"
)

const (
	testJWTSecret  = "participant-secret"
	testAdminToken = "admin-token"
	testWebhookKey = "tally-secret"
	testContract   = "0x5000000000000000000000000000000000000005"
	testWallet     = "0x52908400098527886E0F7030069857D2E4169EE7"
	otherWallet    = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

type testEnv struct {
	t         *testing.T
	store     *ledger.Store
	authority *signer.Authority
	server    *Server
	handler   http.Handler
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store := ledger.New(db)
	require.NoError(t, store.Migrate())

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	authority, err := signer.New(key)
	require.NoError(t, err)

	tokens, err := NewTokenVerifier(AuthConfig{JWTSecret: testJWTSecret}, nil)
	require.NoError(t, err)
	admin, err := NewAdminAuthenticator(testAdminToken)
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	server, err := NewServer(ServerConfig{
		Store:         store,
		Authority:     authority,
		Networks:      config.Defaults(),
		Tokens:        tokens,
		Admin:         admin,
		Limiter:       NewRateLimiter(RateLimitConfig{RequestsPerMinute: 6000, Burst: 100}),
		WebhookSecret: testWebhookKey,
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)
	return &testEnv{t: t, store: store, authority: authority, server: server, handler: server.Handler(), now: now}
}

func (e *testEnv) token(subject string) string {
	e.t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(e.t, err)
	return signed
}

func (e *testEnv) do(method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) participant(authID, wallet string) *models.Participant {
	e.t.Helper()
	p := &models.Participant{WalletAddress: wallet, AuthID: authID, Country: "Kenya", Gender: "Female"}
	require.NoError(e.t, e.store.CreateParticipant(context.Background(), p))
	return p
}

func (e *testEnv) survey(mutate func(*models.Survey)) *models.Survey {
	e.t.Helper()
	s := &models.Survey{
		ContractAddress:    testContract,
		ChainID:            31337,
		ResearcherID:       "researcher-1",
		Topic:              "Commuting habits",
		RewardAmountIncUSD: 0.5,
		IsAvailable:        true,
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(e.t, e.store.CreateSurvey(context.Background(), s))
	return s
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestParticipantRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/v1/participants", "", map[string]string{"walletAddress": testWallet})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/participants", "not-a-jwt", map[string]string{"walletAddress": testWallet})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "auth-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	rec = env.do(http.MethodPost, "/v1/participants", expired, map[string]string{"walletAddress": testWallet})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndFetchParticipant(t *testing.T) {
	env := newTestEnv(t)
	token := env.token("auth-1")

	rec := env.do(http.MethodPost, "/v1/participants", token, map[string]string{
		"walletAddress": testWallet,
		"country":       "Kenya",
		"gender":        "Female",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created participantView
	decodeBody(t, rec, &created)
	require.Equal(t, strings.ToLower(testWallet), created.WalletAddress)

	rec = env.do(http.MethodPost, "/v1/participants", env.token("auth-2"), map[string]string{"walletAddress": testWallet})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/v1/participants", env.token("auth-3"), map[string]string{"walletAddress": "0x123"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/v1/participants/"+created.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/participants/"+created.ID.String(), env.token("auth-2"), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUsernameCooldown(t *testing.T) {
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	token := env.token("auth-1")
	path := "/v1/participants/" + p.ID.String() + "/username"

	rec := env.do(http.MethodPatch, path, token, map[string]string{"username": "short"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPatch, path, token, map[string]string{"username": "commuter42"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPatch, path, token, map[string]string{"username": "commuter43"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestEligibleSurveysAndPublicList(t *testing.T) {
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	open := env.survey(nil)
	env.survey(func(s *models.Survey) { s.TargetCountry = "Ghana" })
	env.survey(func(s *models.Survey) { s.IsAvailable = false })

	rec := env.do(http.MethodGet, "/v1/participants/"+p.ID.String()+"/surveys/eligible", env.token("auth-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var eligible []surveyView
	decodeBody(t, rec, &eligible)
	require.Len(t, eligible, 1)
	require.Equal(t, open.ID, eligible[0].ID)

	rec = env.do(http.MethodGet, "/v1/surveys", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var public []surveyView
	decodeBody(t, rec, &public)
	require.Len(t, public, 2)
}

func TestAdminSurveyRoutes(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]interface{}{
		"contractAddress":    testContract,
		"network":            "celo-alfajores",
		"topic":              "Market prices",
		"rewardAmountIncUSD": 1.25,
		"isAvailable":        true,
	}
	rec := env.do(http.MethodPost, "/v1/surveys", "", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/surveys", "wrong", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/surveys", testAdminToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created surveyView
	decodeBody(t, rec, &created)
	require.Equal(t, uint64(44787), created.ChainID)
	require.Equal(t, models.TargetAll, created.TargetCountry)

	body["network"] = "mainnet-unknown"
	rec = env.do(http.MethodPost, "/v1/surveys", testAdminToken, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	path := "/v1/surveys/" + created.ID.String() + "/availability"
	rec = env.do(http.MethodPost, path, testAdminToken, map[string]bool{"available": false})
	require.Equal(t, http.StatusNoContent, rec.Code)
	stored, err := env.store.GetSurvey(context.Background(), created.ID)
	require.NoError(t, err)
	require.False(t, stored.IsAvailable)

	rec = env.do(http.MethodPost, "/v1/surveys/"+uuid.NewString()+"/availability", testAdminToken, map[string]bool{"available": true})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminStatusAndReconcileWithoutReconciler(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/admin/status", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	decodeBody(t, rec, &status)
	require.Equal(t, env.authority.Address().Hex(), status.Signer)
	require.Equal(t, "celo", status.Default)
	require.False(t, status.Reconcile)
	require.Nil(t, status.LastReconcile)

	rec = env.do(http.MethodPost, "/admin/reconcile", testAdminToken, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestScreeningSignatureCallable(t *testing.T) {
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	survey := env.survey(nil)
	token := env.token("auth-1")

	req := signer.CallableRequest{
		SurveyContractAddress:    testContract,
		ChainID:                  31337,
		ParticipantWalletAddress: testWallet,
		SurveyID:                 survey.ID.String(),
		Network:                  "local",
	}
	rec := env.do(http.MethodPost, signer.ScreeningCallablePath, token, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res signer.Result
	decodeBody(t, rec, &res)
	require.True(t, res.Success)

	sig, err := authorization.DecodeSignature(res.Signature)
	require.NoError(t, err)
	nonce, err := authorization.ParseNonce(res.Nonce)
	require.NoError(t, err)
	auth := authorization.Authorization{
		Kind:        authorization.KindScreen,
		Contract:    mustAddress(t, testContract),
		ChainID:     31337,
		Participant: mustAddress(t, p.WalletAddress),
		SubjectID:   survey.ID.String(),
		Nonce:       nonce,
	}
	require.NoError(t, auth.Verify(sig, env.authority.Address()))

	mismatch := req
	mismatch.Network = "celo"
	rec = env.do(http.MethodPost, signer.ScreeningCallablePath, token, mismatch)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	wrongWallet := req
	wrongWallet.ParticipantWalletAddress = otherWallet
	rec = env.do(http.MethodPost, signer.ScreeningCallablePath, token, wrongWallet)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, signer.ScreeningCallablePath, env.token("auth-unknown"), req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, env.store.SetSurveyAvailability(context.Background(), survey.ID, false))
	rec = env.do(http.MethodPost, signer.ScreeningCallablePath, token, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestScreeningSignatureRespectsTargeting(t *testing.T) {
	env := newTestEnv(t)
	env.participant("auth-1", testWallet)
	token := env.token("auth-1")
	request := func(survey *models.Survey) signer.CallableRequest {
		return signer.CallableRequest{
			SurveyContractAddress:    testContract,
			ChainID:                  31337,
			ParticipantWalletAddress: testWallet,
			SurveyID:                 survey.ID.String(),
			Network:                  "local",
		}
	}

	cases := map[string]func(*models.Survey){
		"country": func(s *models.Survey) { s.TargetCountry = "Nigeria" },
		"gender":  func(s *models.Survey) { s.TargetGender = "Male" },
		"test":    func(s *models.Survey) { s.IsTest = true },
	}
	for name, mutate := range cases {
		survey := env.survey(mutate)
		rec := env.do(http.MethodPost, signer.ScreeningCallablePath, token, request(survey))
		require.Equal(t, http.StatusForbidden, rec.Code, name)
		require.NotContains(t, rec.Body.String(), "signature", name)
	}

	matching := env.survey(func(s *models.Survey) {
		s.TargetCountry = "kenya"
		s.TargetGender = "female"
	})
	rec := env.do(http.MethodPost, signer.ScreeningCallablePath, token, request(matching))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestClaimSignatureCallableStoresSignature(t *testing.T) {
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	survey := env.survey(nil)
	reward, _, err := env.store.CreateReward(context.Background(), &models.Reward{
		SurveyID:                 survey.ID,
		ParticipantID:            p.ID,
		ParticipantWalletAddress: p.WalletAddress,
		ContractAddress:          survey.ContractAddress,
	})
	require.NoError(t, err)

	req := signer.CallableRequest{
		SurveyContractAddress:    testContract,
		ChainID:                  31337,
		ParticipantWalletAddress: testWallet,
		RewardID:                 reward.ID.String(),
		Network:                  "local",
	}
	rec := env.do(http.MethodPost, signer.ClaimCallablePath, env.token("auth-1"), req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res signer.Result
	decodeBody(t, rec, &res)
	require.True(t, res.Success)

	stored, err := env.store.GetReward(context.Background(), reward.ID)
	require.NoError(t, err)
	require.Equal(t, res.Signature, stored.Signature)
	require.Equal(t, res.Nonce, stored.Nonce)

	other := env.participant("auth-2", otherWallet)
	req.ParticipantWalletAddress = other.WalletAddress
	rec = env.do(http.MethodPost, signer.ClaimCallablePath, env.token("auth-2"), req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	_, err = env.store.MarkClaimed(context.Background(), p.ID, survey.ID, "0x"+strings.Repeat("ab", 32))
	require.NoError(t, err)
	req.ParticipantWalletAddress = testWallet
	rec = env.do(http.MethodPost, signer.ClaimCallablePath, env.token("auth-1"), req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCallableRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.server.limiter = NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	env.handler = env.server.buildRouter()
	token := env.token("auth-1")

	rec := env.do(http.MethodPost, signer.ScreeningCallablePath, token, map[string]string{})
	require.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	rec = env.do(http.MethodPost, signer.ScreeningCallablePath, token, map[string]string{})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func mustAddress(t *testing.T, raw string) common.Address {
	t.Helper()
	addr, err := crypto.ParseAddress(raw)
	require.NoError(t, err)
	return addr
}
