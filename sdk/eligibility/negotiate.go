package eligibility

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	native "canvassing/native/eligibility"
)

// Negotiate returns the capability set for a survey's version tag.
func Negotiate(version native.Version) (native.Capabilities, error) {
	if version == 0 {
		version = native.LatestVersion
	}
	return native.CapabilitiesOf(version)
}

// Shim narrows a Contract to the capabilities of an older generation.
// Unsupported operations fail with native.ErrUnsupportedByVersion before any
// call reaches the backend.
type Shim struct {
	Contract
	caps native.Capabilities
}

// WithVersion wraps c according to version. The latest version is returned
// unwrapped.
func WithVersion(c Contract, version native.Version) (Contract, error) {
	caps, err := Negotiate(version)
	if err != nil {
		return nil, err
	}
	if caps.Version == native.LatestVersion {
		return c, nil
	}
	return &Shim{Contract: c, caps: caps}, nil
}

func (s *Shim) Capabilities() native.Capabilities { return s.caps }

func (s *Shim) IsScreened(ctx context.Context, participant common.Address) (bool, error) {
	if err := s.caps.Require(native.OpReadMembership); err != nil {
		return false, err
	}
	return s.Contract.IsScreened(ctx, participant)
}

func (s *Shim) SimulateScreen(ctx context.Context, call ScreenCall) error {
	if err := s.caps.Require(native.OpScreen); err != nil {
		return err
	}
	return s.Contract.SimulateScreen(ctx, call)
}

func (s *Shim) SimulateClaim(ctx context.Context, call ClaimCall) error {
	if err := s.caps.Require(native.OpClaim); err != nil {
		return err
	}
	return s.Contract.SimulateClaim(ctx, call)
}

func (s *Shim) Screen(ctx context.Context, call ScreenCall) (common.Hash, error) {
	if err := s.caps.Require(native.OpScreen); err != nil {
		return common.Hash{}, err
	}
	return s.Contract.Screen(ctx, call)
}

func (s *Shim) Claim(ctx context.Context, call ClaimCall) (common.Hash, error) {
	if err := s.caps.Require(native.OpClaim); err != nil {
		return common.Hash{}, err
	}
	return s.Contract.Claim(ctx, call)
}

func (s *Shim) PauseSurvey(ctx context.Context) (common.Hash, error) {
	if err := s.caps.Require(native.OpPause); err != nil {
		return common.Hash{}, err
	}
	return s.Contract.PauseSurvey(ctx)
}

func (s *Shim) UnpauseSurvey(ctx context.Context) (common.Hash, error) {
	if err := s.caps.Require(native.OpUnpause); err != nil {
		return common.Hash{}, err
	}
	return s.Contract.UnpauseSurvey(ctx)
}

func (s *Shim) UpdateRewardAmount(ctx context.Context, amount *big.Int) (common.Hash, error) {
	if err := s.caps.Require(native.OpUpdateReward); err != nil {
		return common.Hash{}, err
	}
	return s.Contract.UpdateRewardAmount(ctx, amount)
}

func (s *Shim) UpdateTarget(ctx context.Context, target uint64) (common.Hash, error) {
	if err := s.caps.Require(native.OpUpdateTarget); err != nil {
		return common.Hash{}, err
	}
	return s.Contract.UpdateTarget(ctx, target)
}

func (s *Shim) WithdrawAll(ctx context.Context) (common.Hash, error) {
	if err := s.caps.Require(native.OpWithdraw); err != nil {
		return common.Hash{}, err
	}
	return s.Contract.WithdrawAll(ctx)
}
