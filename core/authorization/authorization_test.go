package authorization

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func sampleAuthorization(kind Kind) Authorization {
	return Authorization{
		Kind:        kind,
		Contract:    common.HexToAddress("0x1000000000000000000000000000000000000001"),
		ChainID:     44787,
		Participant: common.HexToAddress("0x2000000000000000000000000000000000000002"),
		SubjectID:   "survey-123",
		Nonce:       uint256.NewInt(42),
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := ethcrypto.PubkeyToAddress(key.PublicKey)

	auth := sampleAuthorization(KindScreen)
	sig, err := auth.Sign(key)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := auth.Recover(sig)
	require.NoError(t, err)
	require.Equal(t, signer, recovered)
	require.NoError(t, auth.Verify(sig, signer))
}

func TestKindIsBoundIntoSignature(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := ethcrypto.PubkeyToAddress(key.PublicKey)

	screen := sampleAuthorization(KindScreen)
	sig, err := screen.Sign(key)
	require.NoError(t, err)

	claim := screen
	claim.Kind = KindClaim
	require.ErrorIs(t, claim.Verify(sig, signer), ErrInvalidSigner)
}

func TestEveryFieldAffectsDigest(t *testing.T) {
	base := sampleAuthorization(KindClaim)
	baseDigest, err := base.Digest()
	require.NoError(t, err)

	mutations := map[string]func(a *Authorization){
		"contract":    func(a *Authorization) { a.Contract = common.HexToAddress("0x3000000000000000000000000000000000000003") },
		"chain":       func(a *Authorization) { a.ChainID = 42220 },
		"participant": func(a *Authorization) { a.Participant = common.HexToAddress("0x4000000000000000000000000000000000000004") },
		"subject":     func(a *Authorization) { a.SubjectID = "survey-124" },
		"nonce":       func(a *Authorization) { a.Nonce = uint256.NewInt(43) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			changed := base
			mutate(&changed)
			digest, err := changed.Digest()
			require.NoError(t, err)
			require.NotEqual(t, baseDigest, digest)
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	auth := sampleAuthorization(KindClaim)
	encoded, err := auth.Encode()
	require.NoError(t, err)
	require.Len(t, encoded, len(DomainTag)+1+20+32+20+32+32)
	require.Equal(t, DomainTag, string(encoded[:len(DomainTag)]))
	require.Equal(t, byte(KindClaim), encoded[len(DomainTag)])
	require.Equal(t, byte(42), encoded[len(encoded)-1])
}

func TestValidateRejectsIncompleteInput(t *testing.T) {
	auth := sampleAuthorization(KindScreen)
	auth.Nonce = nil
	_, err := auth.Encode()
	require.ErrorIs(t, err, ErrMissingNonce)

	auth = sampleAuthorization(Kind(9))
	require.ErrorIs(t, auth.Validate(), ErrInvalidKind)

	auth = sampleAuthorization(KindScreen)
	auth.SubjectID = "  "
	require.ErrorIs(t, auth.Validate(), ErrMissingSubject)
}

func TestNormalizeSignatureRejectsHighS(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	auth := sampleAuthorization(KindScreen)
	sig, err := auth.Sign(key)
	require.NoError(t, err)

	// Flip S to N - S which is the malleable twin of the same signature.
	s := new(big.Int).SetBytes(sig[32:64])
	flipped := new(big.Int).Sub(ethcrypto.S256().Params().N, s)
	malleable := append([]byte(nil), sig...)
	flipped.FillBytes(malleable[32:64])

	_, err = NormalizeSignature(malleable)
	require.ErrorIs(t, err, ErrMalformedSignature)

	_, err = NormalizeSignature(sig[:64])
	require.ErrorIs(t, err, ErrMalformedSignature)
}

func TestSignatureIDIgnoresVOffset(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	sig, err := sampleAuthorization(KindClaim).Sign(key)
	require.NoError(t, err)

	raw := append([]byte(nil), sig...)
	raw[64] -= 27

	a, err := SignatureID(sig)
	require.NoError(t, err)
	b, err := SignatureID(raw)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNonceHelpers(t *testing.T) {
	first, err := NewNonce()
	require.NoError(t, err)
	second, err := NewNonce()
	require.NoError(t, err)
	require.False(t, first.Eq(second))

	parsed, err := ParseNonce(first.Dec())
	require.NoError(t, err)
	require.True(t, parsed.Eq(first))

	parsed, err = ParseNonce("0x2a")
	require.NoError(t, err)
	require.Equal(t, uint64(42), parsed.Uint64())

	_, err = ParseNonce("")
	require.ErrorIs(t, err, ErrMissingNonce)
}

func TestSignatureHexRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	sig, err := sampleAuthorization(KindClaim).Sign(key)
	require.NoError(t, err)

	decoded, err := DecodeSignature(EncodeSignature(sig))
	require.NoError(t, err)
	require.Equal(t, sig, decoded)

	_, err = DecodeSignature("0x1234")
	require.ErrorIs(t, err, ErrMalformedSignature)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("Claim")
	require.NoError(t, err)
	require.Equal(t, KindClaim, kind)
	require.Equal(t, "screen", KindScreen.String())
	_, err = ParseKind("refund")
	require.ErrorIs(t, err, ErrInvalidKind)
}
