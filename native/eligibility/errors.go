package eligibility

import "errors"

// Revert conditions. The EVM backend maps custom error names back onto these
// values so callers match them with errors.Is regardless of transport.
var (
	ErrContractPaused              = errors.New("eligibility: contract paused")
	ErrCallerNotParticipant        = errors.New("eligibility: caller is not the participant")
	ErrInvalidSigner               = errors.New("eligibility: invalid signer")
	ErrSignatureAlreadyUsed        = errors.New("eligibility: signature already used")
	ErrAlreadyScreened             = errors.New("eligibility: participant already screened")
	ErrTargetReached               = errors.New("eligibility: target number of participants reached")
	ErrParticipantNotScreened      = errors.New("eligibility: participant not screened")
	ErrParticipantAlreadyRewarded  = errors.New("eligibility: participant already rewarded")
	ErrInsufficientContractBalance = errors.New("eligibility: insufficient contract balance")
	ErrReentrantCall               = errors.New("eligibility: reentrant call")
	ErrNotOwner                    = errors.New("eligibility: caller is not the owner")
	ErrTargetDecrease              = errors.New("eligibility: target number of participants cannot decrease")
	ErrInvalidAmount               = errors.New("eligibility: amount must be positive")
	ErrUnsupportedByVersion        = errors.New("eligibility: operation not supported by contract version")
	ErrNotDeployed                 = errors.New("eligibility: contract not deployed")
	ErrAlreadyDeployed             = errors.New("eligibility: contract already deployed")
)

// revertNames lists the Solidity custom error name of each revert condition.
var revertNames = map[error]string{
	ErrContractPaused:              "ContractPaused",
	ErrCallerNotParticipant:        "CallerNotParticipant",
	ErrInvalidSigner:               "InvalidSigner",
	ErrSignatureAlreadyUsed:        "SignatureAlreadyUsed",
	ErrAlreadyScreened:             "AlreadyScreened",
	ErrTargetReached:               "TargetReached",
	ErrParticipantNotScreened:      "ParticipantNotScreened",
	ErrParticipantAlreadyRewarded:  "ParticipantAlreadyRewarded",
	ErrInsufficientContractBalance: "InsufficientContractBalance",
	ErrReentrantCall:               "ReentrancyGuardReentrantCall",
	ErrNotOwner:                    "OwnableUnauthorizedAccount",
	ErrTargetDecrease:              "TargetDecrease",
	ErrInvalidAmount:               "InvalidAmount",
}

// RevertName returns the custom error name for err, or "" if err is not a
// revert condition.
func RevertName(err error) string {
	for sentinel, name := range revertNames {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return ""
}

// ErrorForRevert maps a custom error name back to its sentinel.
func ErrorForRevert(name string) (error, bool) {
	for sentinel, candidate := range revertNames {
		if candidate == name {
			return sentinel, true
		}
	}
	return nil, false
}

// IsRevert reports whether err is one of the contract's revert conditions.
func IsRevert(err error) bool {
	return RevertName(err) != ""
}
