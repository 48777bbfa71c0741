package canvassd

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"canvassing/crypto"
	"canvassing/ledger"
	"canvassing/ledger/models"
	"canvassing/observability/logging"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "Tally-Signature"

var requiredLabels = []string{
	"walletAddress",
	"surveyId",
	"participantId",
	"gender",
	"country",
	"researcherId",
	"contractAddress",
	"authId",
}

// errRejected marks submissions the ledger refuses.
var errRejected = errors.New("submission rejected")

// unresolvedError is a rejection caused by a participant or survey the ledger
// does not hold yet. It is not recorded against the body fingerprint so a
// redelivery is validated again.
type unresolvedError struct{ error }

func (e unresolvedError) Unwrap() error { return e.error }

type formField struct {
	Label string          `json:"label"`
	Value json.RawMessage `json:"value"`
}

type formSubmission struct {
	EventID string `json:"eventId"`
	Data    struct {
		Fields       []formField `json:"fields"`
		RespondentID string      `json:"respondentId"`
		SubmissionID string      `json:"submissionId"`
		FormID       string      `json:"formId"`
		ResponseID   string      `json:"responseId"`
	} `json:"data"`
}

// values flattens the field list by label. Non-string values keep their JSON
// text.
func (f formSubmission) values() map[string]string {
	out := make(map[string]string, len(f.Data.Fields))
	for _, field := range f.Data.Fields {
		label := strings.TrimSpace(field.Label)
		if label == "" || len(field.Value) == 0 {
			continue
		}
		var text string
		if err := json.Unmarshal(field.Value, &text); err != nil {
			text = string(field.Value)
			if text == "null" {
				continue
			}
		}
		out[label] = strings.TrimSpace(text)
	}
	return out
}

// Fingerprint is the blake3 digest of a raw webhook body.
func Fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignBody returns the header value expected for body under secret.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Server) verifyWebhook(r *http.Request, body []byte) bool {
	if len(s.webhookSecret) == 0 {
		return true
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Header.Get(SignatureHeader)))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (s *Server) handleFormWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.webhookMax))
	if err != nil {
		s.metrics.RecordWebhook(models.DeliveryRejected)
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !s.verifyWebhook(r, body) {
		s.metrics.RecordWebhook("unauthorized")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	fingerprint := Fingerprint(body)

	prior, err := s.store.GetDelivery(ctx, fingerprint)
	switch {
	case err == nil:
		s.metrics.RecordWebhook(models.DeliveryDuplicate)
		if prior.Status == models.DeliveryRejected {
			writeError(w, http.StatusBadRequest, "submission rejected")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": models.DeliveryDuplicate})
		return
	case !errors.Is(err, ledger.ErrNotFound):
		s.failWebhook(w, fingerprint, err)
		return
	}

	var submission formSubmission
	if err := json.Unmarshal(body, &submission); err != nil {
		s.rejectWebhook(w, r, fingerprint, "", fmt.Errorf("%w: malformed body", errRejected), true)
		return
	}
	reward, created, err := s.intakeReward(r, submission)
	if err != nil {
		if errors.Is(err, errRejected) {
			var unresolved unresolvedError
			record := !errors.As(err, &unresolved)
			s.rejectWebhook(w, r, fingerprint, submission.Data.SubmissionID, err, record)
			return
		}
		s.failWebhook(w, fingerprint, err)
		return
	}

	status := models.DeliveryCreated
	if !created {
		status = models.DeliveryDuplicate
	}
	rewardID := reward.ID
	if _, err := s.store.RecordDelivery(ctx, &models.WebhookDelivery{
		Fingerprint:  fingerprint,
		SubmissionID: submission.Data.SubmissionID,
		RewardID:     &rewardID,
		Status:       status,
		ReceivedAt:   s.now().UTC(),
	}); err != nil {
		s.logger.Warn("webhook delivery not recorded",
			slog.String("component", "webhook"),
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()))
	}
	s.metrics.RecordWebhook(status)
	s.logger.Info("form submission accepted",
		slog.String("component", "webhook"),
		slog.String("reason", status),
		slog.String("reward_id", reward.ID.String()),
		slog.String("survey_id", reward.SurveyID.String()),
		logging.Fingerprint("wallet", reward.ParticipantWalletAddress))
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "rewardId": reward.ID.String()})
}

func (s *Server) rejectWebhook(w http.ResponseWriter, r *http.Request, fingerprint, submissionID string, cause error, record bool) {
	if record {
		if _, err := s.store.RecordDelivery(r.Context(), &models.WebhookDelivery{
			Fingerprint:  fingerprint,
			SubmissionID: submissionID,
			Status:       models.DeliveryRejected,
			ReceivedAt:   s.now().UTC(),
		}); err != nil {
			s.logger.Warn("webhook delivery not recorded",
				slog.String("component", "webhook"),
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()))
		}
	}
	s.metrics.RecordWebhook(models.DeliveryRejected)
	s.logger.Warn("form submission rejected",
		slog.String("component", "webhook"),
		slog.String("fingerprint", fingerprint),
		slog.String("error", cause.Error()))
	writeError(w, http.StatusBadRequest, strings.TrimPrefix(cause.Error(), errRejected.Error()+": "))
}

func (s *Server) failWebhook(w http.ResponseWriter, fingerprint string, cause error) {
	s.metrics.RecordWebhook(models.DeliveryFailed)
	s.logger.Error("form submission failed",
		slog.String("component", "webhook"),
		slog.String("fingerprint", fingerprint),
		slog.String("error", cause.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func rejectf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errRejected, fmt.Sprintf(format, args...))
}

func unresolvedf(format string, args ...interface{}) error {
	return unresolvedError{rejectf(format, args...)}
}

// intakeReward validates a submission against the ledger and creates the
// reward entry for (participant, survey).
func (s *Server) intakeReward(r *http.Request, submission formSubmission) (*models.Reward, bool, error) {
	ctx := r.Context()
	values := submission.values()
	for _, label := range requiredLabels {
		if values[label] == "" {
			return nil, false, rejectf("missing field %s", label)
		}
	}
	participantID, err := uuid.Parse(values["participantId"])
	if err != nil {
		return nil, false, rejectf("invalid participantId")
	}
	surveyID, err := uuid.Parse(values["surveyId"])
	if err != nil {
		return nil, false, rejectf("invalid surveyId")
	}
	wallet, err := crypto.NormalizeAddress(values["walletAddress"])
	if err != nil {
		return nil, false, rejectf("invalid walletAddress")
	}
	contract, err := crypto.NormalizeAddress(values["contractAddress"])
	if err != nil {
		return nil, false, rejectf("invalid contractAddress")
	}

	participant, err := s.store.GetParticipant(ctx, participantID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, false, unresolvedf("participant not found")
	} else if err != nil {
		return nil, false, err
	}
	if participant.WalletAddress != wallet {
		return nil, false, rejectf("wallet does not belong to participant")
	}
	if participant.AuthID != values["authId"] {
		return nil, false, rejectf("auth id does not belong to participant")
	}
	survey, err := s.store.GetSurvey(ctx, surveyID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, false, unresolvedf("survey not found")
	} else if err != nil {
		return nil, false, err
	}
	if survey.ContractAddress != contract {
		return nil, false, rejectf("contract does not belong to survey")
	}
	if survey.ResearcherID != "" && survey.ResearcherID != values["researcherId"] {
		return nil, false, rejectf("researcher does not own survey")
	}

	return s.store.CreateReward(ctx, &models.Reward{
		SurveyID:                 survey.ID,
		ParticipantID:            participant.ID,
		ParticipantWalletAddress: participant.WalletAddress,
		ContractAddress:          survey.ContractAddress,
		RespondentID:             submission.Data.RespondentID,
		FormID:                   submission.Data.FormID,
		SubmissionID:             submission.Data.SubmissionID,
		ResponseID:               submission.Data.ResponseID,
		AmountIncUSD:             survey.RewardAmountIncUSD,
	})
}
