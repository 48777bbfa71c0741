package claimflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"canvassing/core/authorization"
	"canvassing/ledger"
	native "canvassing/native/eligibility"
	"canvassing/sdk/eligibility"
)

var (
	ErrClaimInFlight        = errors.New("claimflow: flow already in flight")
	ErrAlreadyClaimed       = errors.New("claimflow: reward already claimed")
	ErrMissingContract      = errors.New("claimflow: survey has no contract address")
	ErrWalletMismatch       = errors.New("claimflow: sender does not match participant wallet")
	ErrSignatureUnavailable = errors.New("claimflow: signature unavailable")
	ErrTransactionFailed    = errors.New("claimflow: transaction failed")
	ErrConfirmationPending  = errors.New("claimflow: confirmation pending")
	ErrNotRewardTransaction = errors.New("claimflow: transaction did not pay this reward")
)

// PendingError is returned when the receipt wait ends before the transaction
// is mined. The transaction may still succeed; pass TxHash to Resume.
type PendingError struct {
	TxHash common.Hash
	Cause  error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("claimflow: confirmation pending for %s", e.TxHash.Hex())
}

func (e *PendingError) Is(target error) bool { return target == ErrConfirmationPending }

func (e *PendingError) Unwrap() error { return e.Cause }

// Kind groups errors by what the participant can do about them.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindPrecondition  Kind = "precondition"
	KindResource      Kind = "resource"
	KindTransient     Kind = "transient"
	KindInternal      Kind = "internal"
)

var (
	authorizationErrors = []error{
		native.ErrInvalidSigner,
		native.ErrSignatureAlreadyUsed,
		native.ErrCallerNotParticipant,
		native.ErrNotOwner,
		authorization.ErrInvalidSigner,
		authorization.ErrMalformedSignature,
		ErrSignatureUnavailable,
		ErrWalletMismatch,
	}
	preconditionErrors = []error{
		native.ErrContractPaused,
		native.ErrAlreadyScreened,
		native.ErrParticipantNotScreened,
		native.ErrParticipantAlreadyRewarded,
		native.ErrTargetReached,
		native.ErrUnsupportedByVersion,
		native.ErrNotDeployed,
		ErrAlreadyClaimed,
		ErrMissingContract,
		ErrClaimInFlight,
		ErrNotRewardTransaction,
		ledger.ErrAlreadyClaimed,
		ledger.ErrNotFound,
	}
	resourceErrors = []error{
		native.ErrInsufficientContractBalance,
	}
	transientErrors = []error{
		ErrConfirmationPending,
		eligibility.ErrReceiptPending,
		context.DeadlineExceeded,
	}
)

func matchAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Classify maps err onto a Kind. Unknown errors are internal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case matchAny(err, authorizationErrors):
		return KindAuthorization
	case matchAny(err, preconditionErrors):
		return KindPrecondition
	case matchAny(err, resourceErrors):
		return KindResource
	case matchAny(err, transientErrors):
		return KindTransient
	default:
		return KindInternal
	}
}

// Notification is the single user-facing message produced for a failed flow.
type Notification struct {
	Kind      Kind   `json:"kind"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	TxHash    string `json:"txHash,omitempty"`
}

var messages = []struct {
	err     error
	title   string
	message string
}{
	{native.ErrContractPaused, "Survey paused", "This survey is paused at the moment. Please try again later."},
	{native.ErrParticipantAlreadyRewarded, "Already rewarded", "You have already received the reward for this survey."},
	{ErrAlreadyClaimed, "Already claimed", "This reward has already been claimed."},
	{ledger.ErrAlreadyClaimed, "Already claimed", "This reward has already been claimed."},
	{native.ErrAlreadyScreened, "Already screened", "You have already been screened for this survey."},
	{native.ErrParticipantNotScreened, "Screening required", "Complete the screening for this survey before claiming."},
	{native.ErrTargetReached, "Survey full", "This survey has reached its target number of participants."},
	{native.ErrInsufficientContractBalance, "Rewards depleted", "The survey does not hold enough tokens to pay this reward. The researcher has been notified."},
	{native.ErrSignatureAlreadyUsed, "Authorization used", "This authorization was already used. Request a new one and try again."},
	{native.ErrInvalidSigner, "Authorization rejected", "The survey rejected the authorization for this request."},
	{native.ErrCallerNotParticipant, "Wrong wallet", "Connect the wallet registered to your account."},
	{ErrWalletMismatch, "Wrong wallet", "Connect the wallet registered to your account."},
	{ErrSignatureUnavailable, "Authorization unavailable", "We could not authorise this request. Please try again."},
	{native.ErrUnsupportedByVersion, "Not supported", "This survey does not support this action."},
	{ErrMissingContract, "Survey unavailable", "This survey is not connected to a contract yet."},
	{ErrNotRewardTransaction, "Transaction mismatch", "That transaction did not pay this reward. Check the transaction hash and try again."},
	{ErrClaimInFlight, "Already in progress", "Your request is already being processed."},
	{ledger.ErrNotFound, "Not found", "We could not find this reward or survey."},
	{ErrConfirmationPending, "Waiting for confirmation", "Your transaction was sent but is not confirmed yet. Check back shortly."},
}

// Notify converts err into one user-facing notification.
func Notify(err error) Notification {
	if err == nil {
		return Notification{}
	}
	kind := Classify(err)
	n := Notification{
		Kind:      kind,
		Title:     "Something went wrong",
		Message:   "An unexpected error occurred. Please try again.",
		Retryable: kind == KindTransient || kind == KindInternal,
	}
	for _, m := range messages {
		if errors.Is(err, m.err) {
			n.Title = m.title
			n.Message = m.message
			break
		}
	}
	var pending *PendingError
	if errors.As(err, &pending) {
		n.TxHash = pending.TxHash.Hex()
	}
	return n
}
