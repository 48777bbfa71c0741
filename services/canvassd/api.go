package canvassd

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"canvassing/crypto"
	"canvassing/ledger"
	"canvassing/ledger/models"
	native "canvassing/native/eligibility"
)

type participantView struct {
	ID                uuid.UUID  `json:"id"`
	WalletAddress     string     `json:"walletAddress"`
	Username          string     `json:"username,omitempty"`
	Country           string     `json:"country"`
	Gender            string     `json:"gender"`
	UsernameUpdatedAt *time.Time `json:"usernameUpdatedAt,omitempty"`
	TimeCreated       time.Time  `json:"timeCreated"`
}

func viewParticipant(p *models.Participant) participantView {
	return participantView{
		ID:                p.ID,
		WalletAddress:     p.WalletAddress,
		Username:          p.Username,
		Country:           p.Country,
		Gender:            p.Gender,
		UsernameUpdatedAt: p.UsernameUpdatedAt,
		TimeCreated:       p.CreatedAt,
	}
}

type surveyView struct {
	ID                 uuid.UUID `json:"id"`
	ContractAddress    string    `json:"contractAddress"`
	ContractVersion    uint8     `json:"contractVersion"`
	ChainID            uint64    `json:"chainId"`
	ResearcherID       string    `json:"researcherId,omitempty"`
	Topic              string    `json:"topic"`
	Brief              string    `json:"brief"`
	Instructions       string    `json:"instructions"`
	DurationInMinutes  int       `json:"durationInMinutes"`
	FormLink           string    `json:"formLink"`
	RewardAmountIncUSD float64   `json:"rewardAmountIncUSD"`
	IsAvailable        bool      `json:"isAvailable"`
	TargetCountry      string    `json:"targetCountry"`
	TargetGender       string    `json:"targetGender"`
	IsTest             bool      `json:"isTest,omitempty"`
	TimeCreated        time.Time `json:"timeCreated"`
}

func viewSurvey(s models.Survey) surveyView {
	return surveyView{
		ID:                 s.ID,
		ContractAddress:    s.ContractAddress,
		ContractVersion:    s.ContractVersion,
		ChainID:            s.ChainID,
		ResearcherID:       s.ResearcherID,
		Topic:              s.Topic,
		Brief:              s.Brief,
		Instructions:       s.Instructions,
		DurationInMinutes:  s.DurationInMinutes,
		FormLink:           s.FormLink,
		RewardAmountIncUSD: s.RewardAmountIncUSD,
		IsAvailable:        s.IsAvailable,
		TargetCountry:      s.TargetCountry,
		TargetGender:       s.TargetGender,
		IsTest:             s.IsTest,
		TimeCreated:        s.CreatedAt,
	}
}

func viewSurveys(in []models.Survey) []surveyView {
	out := make([]surveyView, 0, len(in))
	for _, s := range in {
		out = append(out, viewSurvey(s))
	}
	return out
}

type rewardView struct {
	ID              uuid.UUID `json:"id"`
	SurveyID        uuid.UUID `json:"surveyId"`
	WalletAddress   string    `json:"participantWalletAddress"`
	ContractAddress string    `json:"contractAddress"`
	IsClaimed       bool      `json:"isClaimed"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	AmountIncUSD    float64   `json:"amountIncUSD"`
	TimeCreated     time.Time `json:"timeCreated"`
	TimeUpdated     time.Time `json:"timeUpdated"`
}

func viewReward(r models.Reward) rewardView {
	return rewardView{
		ID:              r.ID,
		SurveyID:        r.SurveyID,
		WalletAddress:   r.ParticipantWalletAddress,
		ContractAddress: r.ContractAddress,
		IsClaimed:       r.IsClaimed,
		TransactionHash: r.TransactionHash,
		AmountIncUSD:    r.AmountIncUSD,
		TimeCreated:     r.CreatedAt,
		TimeUpdated:     r.UpdatedAt,
	}
}

type createParticipantRequest struct {
	WalletAddress string `json:"walletAddress"`
	Country       string `json:"country"`
	Gender        string `json:"gender"`
	Username      string `json:"username"`
}

func (s *Server) handleCreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req createParticipantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	p := &models.Participant{
		WalletAddress: req.WalletAddress,
		AuthID:        AuthIDFrom(r.Context()),
		Country:       strings.TrimSpace(req.Country),
		Gender:        strings.TrimSpace(req.Gender),
		Username:      strings.TrimSpace(req.Username),
	}
	err := s.store.CreateParticipant(r.Context(), p)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, viewParticipant(p))
	case errors.Is(err, ledger.ErrWalletTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInvalidWallet), errors.Is(err, ledger.ErrInvalidUsername), errors.Is(err, ledger.ErrMissingAuthID):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, "create participant", err)
	}
}

// ownParticipant loads {id} and checks it belongs to the token subject.
func (s *Server) ownParticipant(w http.ResponseWriter, r *http.Request) (*models.Participant, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid participant id")
		return nil, false
	}
	p, err := s.store.GetParticipant(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "participant not found")
		return nil, false
	} else if err != nil {
		s.internalError(w, "load participant", err)
		return nil, false
	}
	if p.AuthID != AuthIDFrom(r.Context()) {
		writeError(w, http.StatusForbidden, "participant does not belong to caller")
		return nil, false
	}
	return p, true
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownParticipant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewParticipant(p))
}

func (s *Server) handleUpdateUsername(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownParticipant(w, r)
	if !ok {
		return
	}
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	updated, err := s.store.UpdateUsername(r.Context(), p.ID, req.Username)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, viewParticipant(updated))
	case errors.Is(err, ledger.ErrInvalidUsername):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrUsernameCooldown):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.internalError(w, "update username", err)
	}
}

func (s *Server) handleEligibleSurveys(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownParticipant(w, r)
	if !ok {
		return
	}
	surveys, err := s.store.EligibleSurveys(r.Context(), p.ID)
	if err != nil {
		s.internalError(w, "eligible surveys", err)
		return
	}
	writeJSON(w, http.StatusOK, viewSurveys(surveys))
}

func (s *Server) handleParticipantRewards(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ownParticipant(w, r)
	if !ok {
		return
	}
	rewards, err := s.store.RewardsForParticipant(r.Context(), p.ID)
	if err != nil {
		s.internalError(w, "list rewards", err)
		return
	}
	out := make([]rewardView, 0, len(rewards))
	for _, reward := range rewards {
		out = append(out, viewReward(reward))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSurveys(w http.ResponseWriter, r *http.Request) {
	surveys, err := s.store.ListSurveys(r.Context(), true)
	if err != nil {
		s.internalError(w, "list surveys", err)
		return
	}
	writeJSON(w, http.StatusOK, viewSurveys(surveys))
}

type createSurveyRequest struct {
	ContractAddress    string  `json:"contractAddress"`
	ContractVersion    string  `json:"contractVersion"`
	Network            string  `json:"network"`
	ResearcherID       string  `json:"researcherId"`
	Topic              string  `json:"topic"`
	Brief              string  `json:"brief"`
	Instructions       string  `json:"instructions"`
	DurationInMinutes  int     `json:"durationInMinutes"`
	FormLink           string  `json:"formLink"`
	RewardAmountIncUSD float64 `json:"rewardAmountIncUSD"`
	IsAvailable        bool    `json:"isAvailable"`
	TargetCountry      string  `json:"targetCountry"`
	TargetGender       string  `json:"targetGender"`
	IsTest             bool    `json:"isTest"`
}

func (s *Server) handleCreateSurvey(w http.ResponseWriter, r *http.Request) {
	var req createSurveyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if _, err := crypto.ParseAddress(req.ContractAddress); err != nil {
		writeError(w, http.StatusBadRequest, "invalid contractAddress")
		return
	}
	network, err := s.networks.ByName(req.Network)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	version := native.LatestVersion
	if strings.TrimSpace(req.ContractVersion) != "" {
		if version, err = native.ParseVersion(req.ContractVersion); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	survey := &models.Survey{
		ContractAddress:    req.ContractAddress,
		ContractVersion:    uint8(version),
		ChainID:            network.ChainID,
		ResearcherID:       strings.TrimSpace(req.ResearcherID),
		Topic:              strings.TrimSpace(req.Topic),
		Brief:              req.Brief,
		Instructions:       req.Instructions,
		DurationInMinutes:  req.DurationInMinutes,
		FormLink:           strings.TrimSpace(req.FormLink),
		RewardAmountIncUSD: req.RewardAmountIncUSD,
		IsAvailable:        req.IsAvailable,
		TargetCountry:      req.TargetCountry,
		TargetGender:       req.TargetGender,
		IsTest:             req.IsTest,
	}
	if err := s.store.CreateSurvey(r.Context(), survey); err != nil {
		s.internalError(w, "create survey", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSurvey(*survey))
}

func (s *Server) handleSurveyAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid survey id")
		return
	}
	var req struct {
		Available bool `json:"available"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	err = s.store.SetSurveyAvailability(r.Context(), id, req.Available)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "survey not found")
	default:
		s.internalError(w, "survey availability", err)
	}
}
