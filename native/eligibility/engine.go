package eligibility

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"canvassing/core/authorization"
	"canvassing/core/events"
	"canvassing/storage"
)

var errNilStore = errors.New("eligibility engine: state store not configured")

// TransferHook observes reward token payouts while the claim is still in
// progress. Returning an error reverts the claim.
type TransferHook func(token, to common.Address, amount *big.Int) error

// Engine executes the survey contract state machine for a single deployed
// instance. Every mutating call stages its writes in an overlay and commits
// them as one batch; a failed call leaves the store untouched and emits
// nothing.
//
// Engine is not safe for concurrent use. The chain backend serialises
// transactions before they reach it.
type Engine struct {
	db      storage.Database
	address common.Address
	emitter events.Emitter
	hook    TransferHook
	entered bool
}

// Deploy initialises contract state at params.Address.
func Deploy(db storage.Database, params DeployParams) (*Engine, error) {
	if db == nil {
		return nil, errNilStore
	}
	if params.Address == (common.Address{}) || params.Owner == (common.Address{}) || params.RewardToken == (common.Address{}) {
		return nil, errors.New("eligibility: contract, owner and reward token addresses required")
	}
	if params.ChainID == 0 {
		return nil, errors.New("eligibility: chain id required")
	}
	if params.RewardAmount == nil || params.RewardAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	st := newContractState(db, params.Address)
	ok, err := st.deployed()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, ErrAlreadyDeployed
	}
	st.putAddress(keyOwner, params.Owner)
	st.putAddress(keyRewardToken, params.RewardToken)
	st.putBigInt(keyRewardAmount, params.RewardAmount)
	st.putUint(keyTarget, params.Target)
	st.putUint(keyChainID, params.ChainID)
	st.putFlag(keyPaused, false)
	if err := st.kv.Commit(); err != nil {
		return nil, err
	}
	return &Engine{db: db, address: params.Address, emitter: events.NoopEmitter{}}, nil
}

// Open attaches to an already deployed instance.
func Open(db storage.Database, address common.Address) (*Engine, error) {
	if db == nil {
		return nil, errNilStore
	}
	ok, err := newContractState(db, address).deployed()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotDeployed
	}
	return &Engine{db: db, address: address, emitter: events.NoopEmitter{}}, nil
}

// Address returns the contract address the engine operates on.
func (e *Engine) Address() common.Address { return e.address }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetTransferHook installs a callback run after the reward transfer is staged.
func (e *Engine) SetTransferHook(hook TransferHook) { e.hook = hook }

// mutate runs fn against a fresh overlay under the reentrancy guard and
// commits only when fn succeeds. Events are released after the commit.
func (e *Engine) mutate(fn func(st *contractState, emit func(events.Event)) error) error {
	if e == nil || e.db == nil {
		return errNilStore
	}
	if e.entered {
		return ErrReentrantCall
	}
	e.entered = true
	defer func() { e.entered = false }()

	st := newContractState(e.db, e.address)
	var pending []events.Event
	emit := func(evt events.Event) { pending = append(pending, evt) }
	if err := fn(st, emit); err != nil {
		st.kv.Discard()
		return err
	}
	if err := st.kv.Commit(); err != nil {
		return fmt.Errorf("eligibility: commit state: %w", err)
	}
	for _, evt := range pending {
		e.emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) view() (*contractState, error) {
	if e == nil || e.db == nil {
		return nil, errNilStore
	}
	return newContractState(e.db, e.address), nil
}

type signedCall struct {
	kind        authorization.Kind
	caller      common.Address
	participant common.Address
	subjectID   string
	nonce       *uint256.Int
	signature   []byte
}

// checkSignedCall applies the precondition order shared by both participant
// entry points: pause gate, caller identity, signer, then single use.
func (e *Engine) checkSignedCall(st *contractState, snap Snapshot, call signedCall) (common.Hash, error) {
	if snap.Paused {
		return common.Hash{}, ErrContractPaused
	}
	if call.caller != call.participant {
		return common.Hash{}, ErrCallerNotParticipant
	}
	auth := authorization.Authorization{
		Kind:        call.kind,
		Contract:    e.address,
		ChainID:     snap.ChainID,
		Participant: call.participant,
		SubjectID:   call.subjectID,
		Nonce:       call.nonce,
	}
	if err := auth.Verify(call.signature, snap.Owner); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidSigner, err)
	}
	sigID, err := authorization.SignatureID(call.signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidSigner, err)
	}
	set := setUsedScreeningSig
	if call.kind == authorization.KindClaim {
		set = setUsedClaimingSig
	}
	used, err := st.member(set, sigID.Bytes())
	if err != nil {
		return common.Hash{}, err
	}
	if used {
		return common.Hash{}, ErrSignatureAlreadyUsed
	}
	return sigID, nil
}

// ScreenParticipant admits participant into the screened set.
func (e *Engine) ScreenParticipant(caller, participant common.Address, surveyID string, nonce *uint256.Int, signature []byte) error {
	return e.mutate(func(st *contractState, emit func(events.Event)) error {
		snap, err := st.snapshot()
		if err != nil {
			return err
		}
		sigID, err := e.checkSignedCall(st, snap, signedCall{
			kind:        authorization.KindScreen,
			caller:      caller,
			participant: participant,
			subjectID:   surveyID,
			nonce:       nonce,
			signature:   signature,
		})
		if err != nil {
			return err
		}
		screened, err := st.member(setScreened, participant.Bytes())
		if err != nil {
			return err
		}
		if screened {
			return ErrAlreadyScreened
		}
		if snap.ScreenedCount >= snap.Target {
			return ErrTargetReached
		}
		st.addMember(setScreened, participant.Bytes())
		st.addMember(setUsedScreeningSig, sigID.Bytes())
		if err := st.increment(countScreened); err != nil {
			return err
		}
		if err := st.increment(countUsedScreening); err != nil {
			return err
		}
		emit(events.ParticipantScreened{
			Contract:    e.address,
			Participant: participant,
			SurveyID:    strings.TrimSpace(surveyID),
			Nonce:       nonce.Dec(),
		})
		return nil
	})
}

// ProcessRewardClaimByParticipant pays the configured reward to a screened
// participant exactly once.
func (e *Engine) ProcessRewardClaimByParticipant(caller, participant common.Address, rewardID string, nonce *uint256.Int, signature []byte) error {
	return e.mutate(func(st *contractState, emit func(events.Event)) error {
		snap, err := st.snapshot()
		if err != nil {
			return err
		}
		sigID, err := e.checkSignedCall(st, snap, signedCall{
			kind:        authorization.KindClaim,
			caller:      caller,
			participant: participant,
			subjectID:   rewardID,
			nonce:       nonce,
			signature:   signature,
		})
		if err != nil {
			return err
		}
		screened, err := st.member(setScreened, participant.Bytes())
		if err != nil {
			return err
		}
		if !screened {
			return ErrParticipantNotScreened
		}
		rewarded, err := st.member(setRewarded, participant.Bytes())
		if err != nil {
			return err
		}
		if rewarded {
			return ErrParticipantAlreadyRewarded
		}
		if snap.Balance.Cmp(snap.RewardAmount) < 0 {
			return ErrInsufficientContractBalance
		}

		st.addMember(setRewarded, participant.Bytes())
		st.addMember(setUsedClaimingSig, sigID.Bytes())
		if err := st.increment(countRewarded); err != nil {
			return err
		}
		if err := st.increment(countUsedClaiming); err != nil {
			return err
		}
		if err := st.transfer(snap.RewardToken, e.address, participant, snap.RewardAmount); err != nil {
			return err
		}
		if e.hook != nil {
			if err := e.hook(snap.RewardToken, participant, cloneBigInt(snap.RewardAmount)); err != nil {
				return err
			}
		}
		emit(events.ParticipantRewarded{
			Contract:    e.address,
			Participant: participant,
			RewardID:    strings.TrimSpace(rewardID),
			Nonce:       nonce.Dec(),
			Amount:      cloneBigInt(snap.RewardAmount),
		})
		return nil
	})
}

func (e *Engine) ownerCall(caller common.Address, fn func(st *contractState, snap Snapshot, emit func(events.Event)) error) error {
	return e.mutate(func(st *contractState, emit func(events.Event)) error {
		snap, err := st.snapshot()
		if err != nil {
			return err
		}
		if caller != snap.Owner {
			return ErrNotOwner
		}
		return fn(st, snap, emit)
	})
}

// UpdateRewardAmountPerParticipant changes the payout for future claims.
func (e *Engine) UpdateRewardAmountPerParticipant(caller common.Address, amount *big.Int) error {
	return e.ownerCall(caller, func(st *contractState, snap Snapshot, emit func(events.Event)) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		st.putBigInt(keyRewardAmount, amount)
		emit(events.RewardAmountUpdated{Contract: e.address, Previous: snap.RewardAmount, Amount: cloneBigInt(amount)})
		return nil
	})
}

// UpdateTargetNumberOfParticipants raises the participant cap. Lowering it
// reverts.
func (e *Engine) UpdateTargetNumberOfParticipants(caller common.Address, target uint64) error {
	return e.ownerCall(caller, func(st *contractState, snap Snapshot, emit func(events.Event)) error {
		if target < snap.Target {
			return ErrTargetDecrease
		}
		st.putUint(keyTarget, target)
		emit(events.TargetParticipantsUpdated{Contract: e.address, Previous: snap.Target, Target: target})
		return nil
	})
}

func (e *Engine) PauseSurvey(caller common.Address) error {
	return e.setPaused(caller, true)
}

func (e *Engine) UnpauseSurvey(caller common.Address) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller common.Address, paused bool) error {
	return e.ownerCall(caller, func(st *contractState, _ Snapshot, emit func(events.Event)) error {
		st.putFlag(keyPaused, paused)
		emit(events.PauseToggled{Contract: e.address, Paused: paused})
		return nil
	})
}

// WithdrawAllRewardTokenToResearcher sweeps the whole token balance to the owner.
func (e *Engine) WithdrawAllRewardTokenToResearcher(caller common.Address) error {
	return e.ownerCall(caller, func(st *contractState, snap Snapshot, emit func(events.Event)) error {
		if err := st.transfer(snap.RewardToken, e.address, snap.Owner, snap.Balance); err != nil {
			return err
		}
		emit(events.RewardTokenWithdrawn{Contract: e.address, Researcher: snap.Owner, Amount: cloneBigInt(snap.Balance)})
		return nil
	})
}

// Snapshot returns the committed global state.
func (e *Engine) Snapshot() (Snapshot, error) {
	st, err := e.view()
	if err != nil {
		return Snapshot{}, err
	}
	return st.snapshot()
}

func (e *Engine) IsScreened(participant common.Address) (bool, error) {
	st, err := e.view()
	if err != nil {
		return false, err
	}
	return st.member(setScreened, participant.Bytes())
}

func (e *Engine) IsRewarded(participant common.Address) (bool, error) {
	st, err := e.view()
	if err != nil {
		return false, err
	}
	return st.member(setRewarded, participant.Bytes())
}

func (e *Engine) IsScreeningSignatureUsed(signature []byte) (bool, error) {
	return e.signatureUsed(setUsedScreeningSig, signature)
}

func (e *Engine) IsClaimingSignatureUsed(signature []byte) (bool, error) {
	return e.signatureUsed(setUsedClaimingSig, signature)
}

func (e *Engine) signatureUsed(set string, signature []byte) (bool, error) {
	st, err := e.view()
	if err != nil {
		return false, err
	}
	sigID, err := authorization.SignatureID(signature)
	if err != nil {
		return false, err
	}
	return st.member(set, sigID.Bytes())
}

// Status folds the two membership sets into the participant's state.
func (e *Engine) Status(participant common.Address) (Status, error) {
	rewarded, err := e.IsRewarded(participant)
	if err != nil {
		return StatusUnscreened, err
	}
	if rewarded {
		return StatusRewarded, nil
	}
	screened, err := e.IsScreened(participant)
	if err != nil {
		return StatusUnscreened, err
	}
	if screened {
		return StatusScreened, nil
	}
	return StatusUnscreened, nil
}

func (e *Engine) NumberOfScreenedParticipants() (uint64, error) {
	snap, err := e.Snapshot()
	return snap.ScreenedCount, err
}

func (e *Engine) NumberOfRewardedParticipants() (uint64, error) {
	snap, err := e.Snapshot()
	return snap.RewardedCount, err
}

func (e *Engine) NumberOfUsedScreeningSignatures() (uint64, error) {
	snap, err := e.Snapshot()
	return snap.UsedScreeningSignatures, err
}

func (e *Engine) NumberOfUsedClaimingSignatures() (uint64, error) {
	snap, err := e.Snapshot()
	return snap.UsedClaimingSignatures, err
}

func (e *Engine) RewardTokenBalance() (*big.Int, error) {
	snap, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Balance, nil
}
