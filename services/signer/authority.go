// Package signer issues single-use screening and claim authorizations on
// behalf of a survey owner key. It keeps no state: callers persist the
// signature and nonce they receive.
package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"canvassing/core/authorization"
	"canvassing/crypto"
	"canvassing/observability"
	"canvassing/observability/logging"
)

// ErrNoKey is returned when an Authority is built without a signing key.
var ErrNoKey = errors.New("signer: signing key required")

// Request describes the action being authorised. SubjectID is the survey id
// for screening and the reward id for claiming.
type Request struct {
	Kind        authorization.Kind
	Contract    string
	ChainID     uint64
	Participant string
	SubjectID   string
}

// Result mirrors the callable response. Signature and Nonce are empty when
// Success is false.
type Result struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// NonceSource yields fresh 256-bit nonces.
type NonceSource func() (*uint256.Int, error)

// Option customises an Authority.
type Option func(*Authority)

func WithNonceSource(src NonceSource) Option {
	return func(a *Authority) {
		if src != nil {
			a.nonces = src
		}
	}
}

func WithMetrics(m *observability.CanvassMetrics) Option {
	return func(a *Authority) { a.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		if l != nil {
			a.logger = l
		}
	}
}

// Authority signs authorizations with the survey owner key.
type Authority struct {
	key     *crypto.PrivateKey
	nonces  NonceSource
	metrics *observability.CanvassMetrics
	logger  *slog.Logger
}

func New(key *crypto.PrivateKey, opts ...Option) (*Authority, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, ErrNoKey
	}
	a := &Authority{
		key:    key,
		nonces: authorization.NewNonce,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Address is the signer account contracts must be owned by.
func (a *Authority) Address() common.Address { return a.key.Address() }

// Authorize builds the canonical authorization for req with a fresh nonce.
func (a *Authority) Authorize(req Request) (authorization.Authorization, error) {
	contract, err := crypto.ParseAddress(req.Contract)
	if err != nil {
		return authorization.Authorization{}, fmt.Errorf("signer: contract: %w", err)
	}
	participant, err := crypto.ParseAddress(req.Participant)
	if err != nil {
		return authorization.Authorization{}, fmt.Errorf("signer: participant: %w", err)
	}
	nonce, err := a.nonces()
	if err != nil {
		return authorization.Authorization{}, fmt.Errorf("signer: nonce: %w", err)
	}
	auth := authorization.Authorization{
		Kind:        req.Kind,
		Contract:    contract,
		ChainID:     req.ChainID,
		Participant: participant,
		SubjectID:   strings.TrimSpace(req.SubjectID),
		Nonce:       nonce,
	}
	if err := auth.Validate(); err != nil {
		return authorization.Authorization{}, err
	}
	return auth, nil
}

// Sign returns a signed authorization. On any failure the result carries
// Success=false and no signature.
func (a *Authority) Sign(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	auth, err := a.Authorize(req)
	if err != nil {
		a.fail(req, err)
		return Result{}, err
	}
	sig, err := auth.Sign(a.key.PrivateKey)
	if err != nil {
		a.fail(req, err)
		return Result{}, fmt.Errorf("signer: sign: %w", err)
	}
	a.metrics.RecordSignature(req.Kind.String(), true)
	a.logger.Info("authorization issued",
		slog.String("component", "signer"),
		slog.String("reason", req.Kind.String()),
		slog.String("contract", auth.Contract.Hex()),
		logging.Fingerprint("participant", auth.Participant.Hex()))
	return Result{
		Success:   true,
		Signature: authorization.EncodeSignature(sig),
		Nonce:     auth.Nonce.Dec(),
	}, nil
}

// ScreeningSignature authorises screenParticipant for surveyID.
func (a *Authority) ScreeningSignature(ctx context.Context, contract string, chainID uint64, participant, surveyID string) (Result, error) {
	return a.Sign(ctx, Request{Kind: authorization.KindScreen, Contract: contract, ChainID: chainID, Participant: participant, SubjectID: surveyID})
}

// ClaimSignature authorises processRewardClaimByParticipant for rewardID.
func (a *Authority) ClaimSignature(ctx context.Context, contract string, chainID uint64, participant, rewardID string) (Result, error) {
	return a.Sign(ctx, Request{Kind: authorization.KindClaim, Contract: contract, ChainID: chainID, Participant: participant, SubjectID: rewardID})
}

func (a *Authority) fail(req Request, err error) {
	a.metrics.RecordSignature(req.Kind.String(), false)
	a.logger.Warn("authorization rejected",
		slog.String("component", "signer"),
		slog.String("reason", req.Kind.String()),
		slog.Any("error", err))
}

// Callable routes served by canvassd.
const (
	ScreeningCallablePath = "/v1/callable/generateScreeningSignature"
	ClaimCallablePath     = "/v1/callable/generateClaimSignature"
)

// CallableRequest is the JSON body of the signature callables. SurveyID is
// set for screening and RewardID for claiming.
type CallableRequest struct {
	SurveyContractAddress    string `json:"surveyContractAddress"`
	ChainID                  uint64 `json:"chainId"`
	ParticipantWalletAddress string `json:"participantWalletAddress"`
	SurveyID                 string `json:"surveyId,omitempty"`
	RewardID                 string `json:"rewardId,omitempty"`
	Network                  string `json:"network"`
}
