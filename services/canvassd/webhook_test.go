package canvassd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"canvassing/ledger"
	"canvassing/ledger/models"
)

func formBody(t *testing.T, values map[string]string) []byte {
	t.Helper()
	fields := make([]map[string]string, 0, len(values))
	for label, value := range values {
		fields = append(fields, map[string]string{"key": "question_" + label, "label": label, "type": "HIDDEN_FIELDS", "value": value})
	}
	raw, err := json.Marshal(map[string]interface{}{
		"eventId":   "evt-1",
		"eventType": "FORM_RESPONSE",
		"data": map[string]interface{}{
			"responseId":   "resp-1",
			"submissionId": "sub-1",
			"respondentId": "respondent-1",
			"formId":       "form-1",
			"fields":       fields,
		},
	})
	require.NoError(t, err)
	return raw
}

func (e *testEnv) webhook(body []byte, signature string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/forms", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submission(p *models.Participant, s *models.Survey) map[string]string {
	return map[string]string{
		"walletAddress":   testWallet,
		"surveyId":        s.ID.String(),
		"participantId":   p.ID.String(),
		"gender":          "Female",
		"country":         "Kenya",
		"researcherId":    "researcher-1",
		"contractAddress": testContract,
		"authId":          p.AuthID,
	}
}

func TestFormWebhookCreatesRewardOnce(t *testing.T) {
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	survey := env.survey(nil)

	body := formBody(t, env.submission(p, survey))
	rec := env.webhook(body, SignBody([]byte(testWebhookKey), body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first map[string]string
	decodeBody(t, rec, &first)
	require.Equal(t, models.DeliveryCreated, first["status"])

	reward, err := env.store.FindReward(context.Background(), p.ID, survey.ID)
	require.NoError(t, err)
	require.Equal(t, first["rewardId"], reward.ID.String())
	require.Equal(t, "sub-1", reward.SubmissionID)
	require.Equal(t, 0.5, reward.AmountIncUSD)
	require.False(t, reward.IsClaimed)

	// Redelivery of the same body.
	rec = env.webhook(body, SignBody([]byte(testWebhookKey), body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), models.DeliveryDuplicate)

	// A different body for the same pair keeps the existing reward.
	values := env.submission(p, survey)
	values["gender"] = "female"
	other := formBody(t, values)
	rec = env.webhook(other, SignBody([]byte(testWebhookKey), other))
	require.Equal(t, http.StatusOK, rec.Code)
	var second map[string]string
	decodeBody(t, rec, &second)
	require.Equal(t, models.DeliveryDuplicate, second["status"])
	require.Equal(t, first["rewardId"], second["rewardId"])

	rewards, err := env.store.RewardsForParticipant(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, rewards, 1)

	delivery, err := env.store.GetDelivery(context.Background(), Fingerprint(body))
	require.NoError(t, err)
	require.Equal(t, models.DeliveryCreated, delivery.Status)
}

func TestFormWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	survey := env.survey(nil)
	body := formBody(t, env.submission(p, survey))

	rec := env.webhook(body, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.webhook(body, SignBody([]byte("other-secret"), body))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err := env.store.FindReward(context.Background(), p.ID, survey.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestFormWebhookRejectsInvalidSubmissions(t *testing.T) {
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	env.participant("auth-2", otherWallet)
	survey := env.survey(nil)

	cases := map[string]func(map[string]string){
		"missing field":     func(v map[string]string) { delete(v, "country") },
		"wallet mismatch":   func(v map[string]string) { v["walletAddress"] = otherWallet },
		"auth mismatch":     func(v map[string]string) { v["authId"] = "auth-2" },
		"invalid uuid":      func(v map[string]string) { v["participantId"] = "nope" },
		"contract mismatch": func(v map[string]string) { v["contractAddress"] = otherWallet },
		"researcher":        func(v map[string]string) { v["researcherId"] = "researcher-2" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			values := env.submission(p, survey)
			mutate(values)
			body := formBody(t, values)
			rec := env.webhook(body, SignBody([]byte(testWebhookKey), body))
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			delivery, err := env.store.GetDelivery(context.Background(), Fingerprint(body))
			require.NoError(t, err)
			require.Equal(t, models.DeliveryRejected, delivery.Status)

			// Redelivery stays rejected.
			rec = env.webhook(body, SignBody([]byte(testWebhookKey), body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	_, err := env.store.FindReward(context.Background(), p.ID, survey.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestFormWebhookRevalidatesUnknownSurvey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	pending := &models.Survey{ID: uuid.MustParse("6a0f5d5e-4c4b-4d1e-9d7d-0f6f9c1e2a3b")}

	body := formBody(t, env.submission(p, pending))
	rec := env.webhook(body, SignBody([]byte(testWebhookKey), body))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "survey not found")
	_, err := env.store.GetDelivery(ctx, Fingerprint(body))
	require.ErrorIs(t, err, ledger.ErrNotFound)

	env.survey(func(s *models.Survey) { s.ID = pending.ID })
	rec = env.webhook(body, SignBody([]byte(testWebhookKey), body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), models.DeliveryCreated)
}

func TestFormWebhookInternalErrorIsRetryable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	survey := env.survey(nil)
	body := formBody(t, env.submission(p, survey))

	require.NoError(t, env.store.DB().Migrator().DropTable(&models.Reward{}))
	rec := env.webhook(body, SignBody([]byte(testWebhookKey), body))
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	_, err := env.store.GetDelivery(ctx, Fingerprint(body))
	require.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, env.store.Migrate())
	rec = env.webhook(body, SignBody([]byte(testWebhookKey), body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), models.DeliveryCreated)
}

func TestFormWebhookStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	p := env.participant("auth-1", testWallet)
	survey := env.survey(nil)
	body := formBody(t, env.submission(p, survey))

	sqlDB, err := env.store.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	rec := env.webhook(body, SignBody([]byte(testWebhookKey), body))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFormWebhookMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	body := []byte("{not json")
	rec := env.webhook(body, SignBody([]byte(testWebhookKey), body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmissionValuesKeepsNonStringFields(t *testing.T) {
	var sub formSubmission
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"fields":[
		{"label":"walletAddress","value":" 0xabc "},
		{"label":"age","value":31},
		{"label":"skipped","value":null},
		{"label":"","value":"x"}
	]}}`), &sub))
	values := sub.values()
	require.Equal(t, "0xabc", values["walletAddress"])
	require.Equal(t, "31", values["age"])
	require.NotContains(t, values, "skipped")
	require.Len(t, values, 2)
}
