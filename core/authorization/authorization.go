package authorization

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// DomainTag prefixes every encoded authorization.
const DomainTag = "canvassing.eligibility.v6"

// SignatureLength is the size of an [R || S || V] signature.
const SignatureLength = 65

var (
	ErrInvalidKind        = errors.New("authorization: invalid action kind")
	ErrMissingContract    = errors.New("authorization: contract address required")
	ErrMissingParticipant = errors.New("authorization: participant address required")
	ErrMissingSubject     = errors.New("authorization: subject id required")
	ErrMissingChainID     = errors.New("authorization: chain id required")
	ErrMissingNonce       = errors.New("authorization: nonce required")
	ErrMalformedSignature = errors.New("authorization: malformed signature")
	ErrInvalidSigner      = errors.New("authorization: invalid signer")
)

// Authorization is the tuple the signer attests to. SubjectID is the survey id
// for screening and the reward id for claiming.
type Authorization struct {
	Kind        Kind
	Contract    common.Address
	ChainID     uint64
	Participant common.Address
	SubjectID   string
	Nonce       *uint256.Int
}

// Validate checks every field required by Encode.
func (a Authorization) Validate() error {
	if !a.Kind.Valid() {
		return ErrInvalidKind
	}
	if a.Contract == (common.Address{}) {
		return ErrMissingContract
	}
	if a.ChainID == 0 {
		return ErrMissingChainID
	}
	if a.Participant == (common.Address{}) {
		return ErrMissingParticipant
	}
	if strings.TrimSpace(a.SubjectID) == "" {
		return ErrMissingSubject
	}
	if a.Nonce == nil {
		return ErrMissingNonce
	}
	return nil
}

// Encode returns the packed canonical form:
// tag || kind || contract || chainId(32) || participant || keccak(subject) || nonce(32).
func (a Authorization) Encode() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(DomainTag)+1+common.AddressLength*2+32*3)
	out = append(out, DomainTag...)
	out = append(out, byte(a.Kind))
	out = append(out, a.Contract.Bytes()...)
	chainID := uint256.NewInt(a.ChainID).Bytes32()
	out = append(out, chainID[:]...)
	out = append(out, a.Participant.Bytes()...)
	out = append(out, ethcrypto.Keccak256([]byte(strings.TrimSpace(a.SubjectID)))...)
	nonce := a.Nonce.Bytes32()
	out = append(out, nonce[:]...)
	return out, nil
}

// Digest is keccak256 over the canonical encoding.
func (a Authorization) Digest() (common.Hash, error) {
	encoded, err := a.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// SigningHash is the EIP-191 personal message hash of the digest, matching
// what a wallet's personal_sign over the digest would produce.
func (a Authorization) SigningHash() ([]byte, error) {
	digest, err := a.Digest()
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(digest.Bytes()), nil
}

// Sign produces a 65-byte signature with V in {27, 28}.
func (a Authorization) Sign(key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("authorization: nil signing key")
	}
	hash, err := a.SigningHash()
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced sig over the authorization.
func (a Authorization) Recover(sig []byte) (common.Address, error) {
	normalized, err := NormalizeSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	hash, err := a.SigningHash()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify succeeds only when sig was produced by expected.
func (a Authorization) Verify(sig []byte, expected common.Address) error {
	recovered, err := a.Recover(sig)
	if err != nil {
		return err
	}
	if recovered != expected {
		return ErrInvalidSigner
	}
	return nil
}

// NormalizeSignature returns a copy of sig with V in {0, 1}. High-S values are
// rejected so each authorization has exactly one acceptable encoding.
func NormalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}
	out := append([]byte(nil), sig...)
	if out[64] >= 27 {
		out[64] -= 27
	}
	r := new(big.Int).SetBytes(out[:32])
	s := new(big.Int).SetBytes(out[32:64])
	if !ethcrypto.ValidateSignatureValues(out[64], r, s, true) {
		return nil, ErrMalformedSignature
	}
	return out, nil
}

// SignatureID is the key a consumed signature is recorded under.
func SignatureID(sig []byte) (common.Hash, error) {
	normalized, err := NormalizeSignature(sig)
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(normalized), nil
}

// NewNonce draws a uniformly random 256-bit nonce.
func NewNonce() (*uint256.Int, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("authorization: read nonce entropy: %w", err)
	}
	return new(uint256.Int).SetBytes32(buf[:]), nil
}

// ParseNonce accepts decimal or 0x-prefixed hex.
func ParseNonce(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrMissingNonce
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		v, err := uint256.FromHex(trimmed)
		if err != nil {
			return nil, fmt.Errorf("authorization: invalid nonce: %w", err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("authorization: invalid nonce: %w", err)
	}
	return v, nil
}

// EncodeSignature renders sig as 0x-prefixed hex.
func EncodeSignature(sig []byte) string { return hexutil.Encode(sig) }

// DecodeSignature parses 0x-prefixed hex into raw bytes.
func DecodeSignature(raw string) ([]byte, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}
	return sig, nil
}
