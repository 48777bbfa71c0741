// Package eligibility is the client side of a deployed survey contract. It
// offers one Contract interface backed either by the in-process LocalChain or
// by a JSON-RPC node through EVMContract.
package eligibility

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"canvassing/core/events"
	native "canvassing/native/eligibility"
)

// ErrReceiptPending is returned by Receipt while the transaction is not yet mined.
var ErrReceiptPending = errors.New("eligibility: receipt pending")

// ScreenCall carries the arguments of screenParticipant.
type ScreenCall struct {
	Participant common.Address
	SurveyID    string
	Nonce       *uint256.Int
	Signature   []byte
}

// ClaimCall carries the arguments of processRewardClaimByParticipant.
type ClaimCall struct {
	Participant common.Address
	RewardID    string
	Nonce       *uint256.Int
	Signature   []byte
}

// Receipt reports the outcome of a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
	// Revert holds the decoded revert condition when the backend can supply it.
	Revert error
	Events []events.Record
}

// Counts aggregates the read-only counters of the contract.
type Counts struct {
	Screened                uint64
	Rewarded                uint64
	UsedScreeningSignatures uint64
	UsedClaimingSignatures  uint64
}

// Reader is the side-effect-free surface.
type Reader interface {
	Address() common.Address
	ChainID() uint64
	IsScreened(ctx context.Context, participant common.Address) (bool, error)
	IsRewarded(ctx context.Context, participant common.Address) (bool, error)
	RewardTokenBalance(ctx context.Context) (*big.Int, error)
	RewardAmount(ctx context.Context) (*big.Int, error)
	Target(ctx context.Context) (uint64, error)
	Paused(ctx context.Context) (bool, error)
	Owner(ctx context.Context) (common.Address, error)
	Counts(ctx context.Context) (Counts, error)
}

// Contract is a survey contract bound to a sending account.
type Contract interface {
	Reader
	Sender() common.Address
	Capabilities() native.Capabilities

	// Simulate* execute the call without persisting anything and return the
	// revert condition the write would hit.
	SimulateScreen(ctx context.Context, call ScreenCall) error
	SimulateClaim(ctx context.Context, call ClaimCall) error
	Screen(ctx context.Context, call ScreenCall) (common.Hash, error)
	Claim(ctx context.Context, call ClaimCall) (common.Hash, error)

	PauseSurvey(ctx context.Context) (common.Hash, error)
	UnpauseSurvey(ctx context.Context) (common.Hash, error)
	UpdateRewardAmount(ctx context.Context, amount *big.Int) (common.Hash, error)
	UpdateTarget(ctx context.Context, target uint64) (common.Hash, error)
	WithdrawAll(ctx context.Context) (common.Hash, error)

	// Receipt returns ErrReceiptPending until the transaction is mined.
	Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
	// RewardTransaction finds the transaction that rewarded participant by
	// scanning contract events.
	RewardTransaction(ctx context.Context, participant common.Address) (common.Hash, bool, error)
}
