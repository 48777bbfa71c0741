package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	TypeParticipantScreened       = "eligibility.screened"
	TypeParticipantRewarded       = "eligibility.rewarded"
	TypeSurveyPaused              = "eligibility.paused"
	TypeSurveyUnpaused            = "eligibility.unpaused"
	TypeRewardAmountUpdated       = "eligibility.reward_amount_updated"
	TypeTargetParticipantsUpdated = "eligibility.target_updated"
	TypeRewardTokenWithdrawn      = "eligibility.withdrawn"
)

type ParticipantScreened struct {
	Contract    common.Address
	Participant common.Address
	SurveyID    string
	Nonce       string
}

func (ParticipantScreened) EventType() string { return TypeParticipantScreened }

func (e ParticipantScreened) Record() Record {
	return Record{
		Type: TypeParticipantScreened,
		Attributes: map[string]string{
			"contract":    lowerHex(e.Contract),
			"participant": lowerHex(e.Participant),
			"surveyId":    e.SurveyID,
			"nonce":       e.Nonce,
		},
	}
}

type ParticipantRewarded struct {
	Contract    common.Address
	Participant common.Address
	RewardID    string
	Nonce       string
	Amount      *big.Int
}

func (ParticipantRewarded) EventType() string { return TypeParticipantRewarded }

func (e ParticipantRewarded) Record() Record {
	return Record{
		Type: TypeParticipantRewarded,
		Attributes: map[string]string{
			"contract":    lowerHex(e.Contract),
			"participant": lowerHex(e.Participant),
			"rewardId":    e.RewardID,
			"nonce":       e.Nonce,
			"amount":      formatAmount(e.Amount),
		},
	}
}

// PauseToggled covers both pause and unpause.
type PauseToggled struct {
	Contract common.Address
	Paused   bool
}

func (e PauseToggled) EventType() string {
	if e.Paused {
		return TypeSurveyPaused
	}
	return TypeSurveyUnpaused
}

func (e PauseToggled) Record() Record {
	return Record{
		Type: e.EventType(),
		Attributes: map[string]string{
			"contract": lowerHex(e.Contract),
			"paused":   strconv.FormatBool(e.Paused),
		},
	}
}

type RewardAmountUpdated struct {
	Contract common.Address
	Previous *big.Int
	Amount   *big.Int
}

func (RewardAmountUpdated) EventType() string { return TypeRewardAmountUpdated }

func (e RewardAmountUpdated) Record() Record {
	return Record{
		Type: TypeRewardAmountUpdated,
		Attributes: map[string]string{
			"contract": lowerHex(e.Contract),
			"previous": formatAmount(e.Previous),
			"amount":   formatAmount(e.Amount),
		},
	}
}

type TargetParticipantsUpdated struct {
	Contract common.Address
	Previous uint64
	Target   uint64
}

func (TargetParticipantsUpdated) EventType() string { return TypeTargetParticipantsUpdated }

func (e TargetParticipantsUpdated) Record() Record {
	return Record{
		Type: TypeTargetParticipantsUpdated,
		Attributes: map[string]string{
			"contract": lowerHex(e.Contract),
			"previous": strconv.FormatUint(e.Previous, 10),
			"target":   strconv.FormatUint(e.Target, 10),
		},
	}
}

type RewardTokenWithdrawn struct {
	Contract   common.Address
	Researcher common.Address
	Amount     *big.Int
}

func (RewardTokenWithdrawn) EventType() string { return TypeRewardTokenWithdrawn }

func (e RewardTokenWithdrawn) Record() Record {
	return Record{
		Type: TypeRewardTokenWithdrawn,
		Attributes: map[string]string{
			"contract":   lowerHex(e.Contract),
			"researcher": lowerHex(e.Researcher),
			"amount":     formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
