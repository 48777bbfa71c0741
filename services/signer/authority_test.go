package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"canvassing/core/authorization"
	"canvassing/crypto"
)

const (
	contractHex    = "0x5000000000000000000000000000000000000005"
	participantHex = "0x7000000000000000000000000000000000000007"
)

func newAuthority(t *testing.T, opts ...Option) (*Authority, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	a, err := New(key, opts...)
	require.NoError(t, err)
	return a, key
}

func TestClaimSignatureRecoversToOwner(t *testing.T) {
	a, key := newAuthority(t, WithNonceSource(func() (*uint256.Int, error) { return uint256.NewInt(77), nil }))
	res, err := a.ClaimSignature(context.Background(), contractHex, 31337, participantHex, "reward-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "77", res.Nonce)

	sig, err := authorization.DecodeSignature(res.Signature)
	require.NoError(t, err)
	nonce, err := authorization.ParseNonce(res.Nonce)
	require.NoError(t, err)
	auth := authorization.Authorization{
		Kind:        authorization.KindClaim,
		Contract:    common.HexToAddress(contractHex),
		ChainID:     31337,
		Participant: common.HexToAddress(participantHex),
		SubjectID:   "reward-1",
		Nonce:       nonce,
	}
	require.NoError(t, auth.Verify(sig, key.Address()))
	require.Equal(t, key.Address(), a.Address())

	auth.Kind = authorization.KindScreen
	require.ErrorIs(t, auth.Verify(sig, key.Address()), authorization.ErrInvalidSigner)
}

func TestScreeningSignaturesUseFreshNonces(t *testing.T) {
	a, _ := newAuthority(t)
	first, err := a.ScreeningSignature(context.Background(), contractHex, 31337, participantHex, "survey-1")
	require.NoError(t, err)
	second, err := a.ScreeningSignature(context.Background(), contractHex, 31337, participantHex, "survey-1")
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)
	require.NotEqual(t, first.Signature, second.Signature)
}

func TestSignFailuresCarryNoSignature(t *testing.T) {
	a, _ := newAuthority(t)
	ctx := context.Background()

	res, err := a.Sign(ctx, Request{Kind: authorization.KindClaim, Contract: "not-an-address", ChainID: 1, Participant: participantHex, SubjectID: "r"})
	require.Error(t, err)
	require.False(t, res.Success)
	require.Empty(t, res.Signature)

	_, err = a.Sign(ctx, Request{Kind: authorization.KindClaim, Contract: contractHex, Participant: participantHex, SubjectID: "r"})
	require.ErrorIs(t, err, authorization.ErrMissingChainID)

	_, err = a.Sign(ctx, Request{Kind: authorization.Kind(9), Contract: contractHex, ChainID: 1, Participant: participantHex, SubjectID: "r"})
	require.ErrorIs(t, err, authorization.ErrInvalidKind)

	boom := errors.New("entropy exhausted")
	broken, _ := newAuthority(t, WithNonceSource(func() (*uint256.Int, error) { return nil, boom }))
	res, err = broken.ClaimSignature(ctx, contractHex, 1, participantHex, "r")
	require.ErrorIs(t, err, boom)
	require.False(t, res.Success)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.ClaimSignature(cancelled, contractHex, 1, participantHex, "r")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNoKey)
}
