package eligibility

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// surveyABIJSON is the interface of the version 6 survey contract.
const surveyABIJSON = `[
 {"type":"function","name":"screenParticipant","stateMutability":"nonpayable","inputs":[{"name":"participant","type":"address"},{"name":"surveyId","type":"string"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"processRewardClaimByParticipant","stateMutability":"nonpayable","inputs":[{"name":"participant","type":"address"},{"name":"rewardId","type":"string"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"updateRewardAmountPerParticipant","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"updateTargetNumberOfParticipants","stateMutability":"nonpayable","inputs":[{"name":"target","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"pauseSurvey","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"unpauseSurvey","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"withdrawAllRewardTokenToResearcher","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"getNumberOfScreenedParticipants","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getNumberOfRewardedParticipants","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getNumberOfUsedScreeningSignatures","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getNumberOfUsedClaimingSignatures","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"checkIfParticipantIsScreened","stateMutability":"view","inputs":[{"name":"participant","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"checkIfParticipantHasBeenRewarded","stateMutability":"view","inputs":[{"name":"participant","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getRewardTokenContractBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"rewardAmountPerParticipant","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"targetNumberOfParticipants","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"event","name":"ParticipantScreened","anonymous":false,"inputs":[{"name":"participant","type":"address","indexed":true},{"name":"surveyId","type":"string","indexed":false}]},
 {"type":"event","name":"ParticipantRewarded","anonymous":false,"inputs":[{"name":"participant","type":"address","indexed":true},{"name":"rewardId","type":"string","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
 {"type":"error","name":"ContractPaused","inputs":[]},
 {"type":"error","name":"CallerNotParticipant","inputs":[]},
 {"type":"error","name":"InvalidSigner","inputs":[]},
 {"type":"error","name":"SignatureAlreadyUsed","inputs":[]},
 {"type":"error","name":"AlreadyScreened","inputs":[]},
 {"type":"error","name":"TargetReached","inputs":[]},
 {"type":"error","name":"ParticipantNotScreened","inputs":[]},
 {"type":"error","name":"ParticipantAlreadyRewarded","inputs":[]},
 {"type":"error","name":"InsufficientContractBalance","inputs":[]},
 {"type":"error","name":"ReentrancyGuardReentrantCall","inputs":[]},
 {"type":"error","name":"OwnableUnauthorizedAccount","inputs":[{"name":"account","type":"address"}]},
 {"type":"error","name":"TargetDecrease","inputs":[]},
 {"type":"error","name":"InvalidAmount","inputs":[]}
]`

// SurveyABI parses the survey contract interface.
func SurveyABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(surveyABIJSON))
}
