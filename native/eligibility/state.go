package eligibility

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"canvassing/storage"
)

const (
	keyOwner        = "owner"
	keyRewardToken  = "token"
	keyRewardAmount = "reward"
	keyTarget       = "target"
	keyPaused       = "paused"
	keyChainID      = "chain"

	countScreened       = "count/screened"
	countRewarded       = "count/rewarded"
	countUsedScreening  = "count/sig/screen"
	countUsedClaiming   = "count/sig/claim"
	setScreened         = "screened/"
	setRewarded         = "rewarded/"
	setUsedScreeningSig = "sig/screen/"
	setUsedClaimingSig  = "sig/claim/"
)

// contractState reads and stages writes for one contract instance.
type contractState struct {
	kv      *storage.Overlay
	address common.Address
}

func newContractState(db storage.Database, address common.Address) *contractState {
	return &contractState{kv: storage.NewOverlay(db), address: address}
}

func (s *contractState) key(suffix string) []byte {
	return []byte("eligibility/" + strings.ToLower(s.address.Hex()) + "/" + suffix)
}

func tokenBalanceKey(token, holder common.Address) []byte {
	return []byte("token/" + strings.ToLower(token.Hex()) + "/balance/" + strings.ToLower(holder.Hex()))
}

func (s *contractState) getBytes(suffix string) ([]byte, bool, error) {
	value, err := s.kv.Get(s.key(suffix))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *contractState) deployed() (bool, error) {
	return s.kv.Has(s.key(keyOwner))
}

func (s *contractState) address20(suffix string) (common.Address, error) {
	value, _, err := s.getBytes(suffix)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(value), nil
}

func (s *contractState) putAddress(suffix string, addr common.Address) {
	s.kv.Put(s.key(suffix), addr.Bytes())
}

func (s *contractState) counter(suffix string) (uint64, error) {
	value, ok, err := s.getBytes(suffix)
	if err != nil || !ok {
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("eligibility: corrupt counter %s", suffix)
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *contractState) putUint(suffix string, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	s.kv.Put(s.key(suffix), buf[:])
}

func (s *contractState) increment(suffix string) error {
	current, err := s.counter(suffix)
	if err != nil {
		return err
	}
	s.putUint(suffix, current+1)
	return nil
}

func (s *contractState) bigInt(suffix string) (*big.Int, error) {
	value, _, err := s.getBytes(suffix)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(value), nil
}

func (s *contractState) putBigInt(suffix string, v *big.Int) {
	s.kv.Put(s.key(suffix), cloneBigInt(v).Bytes())
}

func (s *contractState) flag(suffix string) (bool, error) {
	value, _, err := s.getBytes(suffix)
	if err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == 1, nil
}

func (s *contractState) putFlag(suffix string, v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	s.kv.Put(s.key(suffix), []byte{b})
}

func (s *contractState) member(set string, id []byte) (bool, error) {
	return s.kv.Has(s.key(set + common.Bytes2Hex(id)))
}

func (s *contractState) addMember(set string, id []byte) {
	s.kv.Put(s.key(set+common.Bytes2Hex(id)), []byte{1})
}

func (s *contractState) balanceOf(token, holder common.Address) (*big.Int, error) {
	value, err := s.kv.Get(tokenBalanceKey(token, holder))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(value), nil
}

func (s *contractState) transfer(token, from, to common.Address, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amt.Sign() == 0 || from == to {
		return nil
	}
	fromBal, err := s.balanceOf(token, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amt) < 0 {
		return ErrInsufficientContractBalance
	}
	toBal, err := s.balanceOf(token, to)
	if err != nil {
		return err
	}
	s.kv.Put(tokenBalanceKey(token, from), new(big.Int).Sub(fromBal, amt).Bytes())
	s.kv.Put(tokenBalanceKey(token, to), new(big.Int).Add(toBal, amt).Bytes())
	return nil
}

func (s *contractState) snapshot() (Snapshot, error) {
	ok, err := s.deployed()
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, ErrNotDeployed
	}
	snap := Snapshot{Address: s.address}
	if snap.ChainID, err = s.counter(keyChainID); err != nil {
		return Snapshot{}, err
	}
	if snap.Owner, err = s.address20(keyOwner); err != nil {
		return Snapshot{}, err
	}
	if snap.RewardToken, err = s.address20(keyRewardToken); err != nil {
		return Snapshot{}, err
	}
	if snap.RewardAmount, err = s.bigInt(keyRewardAmount); err != nil {
		return Snapshot{}, err
	}
	if snap.Target, err = s.counter(keyTarget); err != nil {
		return Snapshot{}, err
	}
	if snap.Paused, err = s.flag(keyPaused); err != nil {
		return Snapshot{}, err
	}
	if snap.Balance, err = s.balanceOf(snap.RewardToken, s.address); err != nil {
		return Snapshot{}, err
	}
	if snap.ScreenedCount, err = s.counter(countScreened); err != nil {
		return Snapshot{}, err
	}
	if snap.RewardedCount, err = s.counter(countRewarded); err != nil {
		return Snapshot{}, err
	}
	if snap.UsedScreeningSignatures, err = s.counter(countUsedScreening); err != nil {
		return Snapshot{}, err
	}
	if snap.UsedClaimingSignatures, err = s.counter(countUsedClaiming); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// TokenLedger is the fungible reward token book shared by every contract in
// the same store. It stands in for the ERC-20 contract on local chains.
type TokenLedger struct {
	db storage.Database
}

func NewTokenLedger(db storage.Database) *TokenLedger { return &TokenLedger{db: db} }

func (l *TokenLedger) BalanceOf(token, holder common.Address) (*big.Int, error) {
	st := &contractState{kv: storage.NewOverlay(l.db)}
	return st.balanceOf(token, holder)
}

// Mint credits amount to holder.
func (l *TokenLedger) Mint(token, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	st := &contractState{kv: storage.NewOverlay(l.db)}
	current, err := st.balanceOf(token, holder)
	if err != nil {
		return err
	}
	st.kv.Put(tokenBalanceKey(token, holder), new(big.Int).Add(current, amount).Bytes())
	return st.kv.Commit()
}

// Transfer moves amount between holders in one batch.
func (l *TokenLedger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	st := &contractState{kv: storage.NewOverlay(l.db)}
	if err := st.transfer(token, from, to, amount); err != nil {
		if errors.Is(err, ErrInsufficientContractBalance) {
			return fmt.Errorf("eligibility: insufficient token balance for %s", from.Hex())
		}
		return err
	}
	return st.kv.Commit()
}
