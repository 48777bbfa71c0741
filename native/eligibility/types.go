package eligibility

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the per-participant state. Transitions only move forward:
// Unscreened -> Screened -> Rewarded.
type Status uint8

const (
	StatusUnscreened Status = iota
	StatusScreened
	StatusRewarded
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnscreened, StatusScreened, StatusRewarded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusUnscreened:
		return "unscreened"
	case StatusScreened:
		return "screened"
	case StatusRewarded:
		return "rewarded"
	default:
		return "unknown"
	}
}

// DeployParams configures a new survey contract instance.
type DeployParams struct {
	Address      common.Address
	ChainID      uint64
	Owner        common.Address
	RewardToken  common.Address
	RewardAmount *big.Int
	Target       uint64
}

// Snapshot is a read-only view of the global contract state.
type Snapshot struct {
	Address                 common.Address
	ChainID                 uint64
	Owner                   common.Address
	RewardToken             common.Address
	RewardAmount            *big.Int
	Target                  uint64
	Paused                  bool
	Balance                 *big.Int
	ScreenedCount           uint64
	RewardedCount           uint64
	UsedScreeningSignatures uint64
	UsedClaimingSignatures  uint64
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
