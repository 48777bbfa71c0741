package canvassd

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"canvassing/crypto"
	"canvassing/ledger"
	"canvassing/ledger/models"
	"canvassing/observability/logging"
	"canvassing/services/signer"
)

// callableRequest resolves the shared part of both callables: the network,
// the caller's participant record and the survey contract.
func (s *Server) callableRequest(w http.ResponseWriter, r *http.Request) (signer.CallableRequest, *models.Participant, bool) {
	var req signer.CallableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return req, nil, false
	}
	if _, err := s.networks.Resolve(req.Network, req.ChainID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, nil, false
	}
	participant, err := s.store.ParticipantByAuthID(r.Context(), AuthIDFrom(r.Context()))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusForbidden, "participant not registered")
		return req, nil, false
	} else if err != nil {
		s.internalError(w, "load participant", err)
		return req, nil, false
	}
	wallet, err := crypto.NormalizeAddress(req.ParticipantWalletAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid participantWalletAddress")
		return req, nil, false
	}
	if wallet != participant.WalletAddress {
		writeError(w, http.StatusForbidden, "wallet does not belong to caller")
		return req, nil, false
	}
	return req, participant, true
}

// checkSurveyContract confirms the callable targets the survey's contract on
// the survey's chain.
func checkSurveyContract(w http.ResponseWriter, req signer.CallableRequest, survey *models.Survey) bool {
	contract, err := crypto.NormalizeAddress(req.SurveyContractAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid surveyContractAddress")
		return false
	}
	if contract != survey.ContractAddress {
		writeError(w, http.StatusBadRequest, "contract does not belong to survey")
		return false
	}
	if survey.ChainID != 0 && survey.ChainID != req.ChainID {
		writeError(w, http.StatusBadRequest, "survey is deployed on another chain")
		return false
	}
	return true
}

func (s *Server) handleScreeningSignature(w http.ResponseWriter, r *http.Request) {
	req, participant, ok := s.callableRequest(w, r)
	if !ok {
		return
	}
	surveyID, err := uuid.Parse(req.SurveyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid surveyId")
		return
	}
	survey, err := s.store.GetSurvey(r.Context(), surveyID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "survey not found")
		return
	} else if err != nil {
		s.internalError(w, "load survey", err)
		return
	}
	if !checkSurveyContract(w, req, survey) {
		return
	}
	if !survey.IsAvailable {
		writeError(w, http.StatusConflict, "survey is not available")
		return
	}
	if !survey.Targets(*participant) {
		writeError(w, http.StatusForbidden, "participant is not targeted by this survey")
		return
	}
	res, err := s.authority.ScreeningSignature(r.Context(), survey.ContractAddress, req.ChainID, participant.WalletAddress, survey.ID.String())
	if err != nil {
		s.signingFailed(w, "screen", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClaimSignature(w http.ResponseWriter, r *http.Request) {
	req, participant, ok := s.callableRequest(w, r)
	if !ok {
		return
	}
	rewardID, err := uuid.Parse(req.RewardID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rewardId")
		return
	}
	reward, err := s.store.GetReward(r.Context(), rewardID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reward not found")
		return
	} else if err != nil {
		s.internalError(w, "load reward", err)
		return
	}
	if reward.ParticipantID != participant.ID {
		writeError(w, http.StatusForbidden, "reward does not belong to caller")
		return
	}
	if reward.IsClaimed {
		writeError(w, http.StatusConflict, "reward already claimed")
		return
	}
	survey, err := s.store.GetSurvey(r.Context(), reward.SurveyID)
	if err != nil {
		s.internalError(w, "load survey", err)
		return
	}
	if !checkSurveyContract(w, req, survey) {
		return
	}
	res, err := s.authority.ClaimSignature(r.Context(), survey.ContractAddress, req.ChainID, participant.WalletAddress, reward.ID.String())
	if err != nil {
		s.signingFailed(w, "claim", err)
		return
	}
	if err := s.store.AttachSignature(r.Context(), reward.ID, res.Signature, res.Nonce); err != nil {
		if errors.Is(err, ledger.ErrAlreadyClaimed) {
			writeError(w, http.StatusConflict, "reward already claimed")
			return
		}
		s.internalError(w, "store signature", err)
		return
	}
	s.logger.Info("claim signature stored",
		slog.String("component", "callable"),
		slog.String("reward_id", reward.ID.String()),
		logging.MaskField("signature", res.Signature))
	writeJSON(w, http.StatusOK, res)
}

// signingFailed answers with success=false; the caller may request again.
func (s *Server) signingFailed(w http.ResponseWriter, kind string, err error) {
	s.logger.Error("signature not issued",
		slog.String("component", "callable"),
		slog.String("reason", kind),
		slog.String("error", err.Error()))
	writeJSON(w, http.StatusOK, signer.Result{Success: false})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed",
		slog.String("component", "api"),
		slog.String("reason", op),
		slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}
