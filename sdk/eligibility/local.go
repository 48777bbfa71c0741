package eligibility

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"canvassing/core/events"
	native "canvassing/native/eligibility"
	"canvassing/storage"
)

// LocalChain executes survey contracts in process. Transactions are applied
// one at a time under a single lock, each mined into its own block, which
// gives the same global ordering a real chain provides.
type LocalChain struct {
	mu       sync.Mutex
	db       storage.Database
	chainID  uint64
	tokens   *native.TokenLedger
	engines  map[common.Address]*native.Engine
	receipts map[common.Hash]*Receipt
	held     map[common.Hash]*Receipt
	logs     []events.Record
	height   uint64
	seq      uint64
	hold     bool
}

// NewLocalChain builds a chain over db.
func NewLocalChain(db storage.Database, chainID uint64) *LocalChain {
	return &LocalChain{
		db:       db,
		chainID:  chainID,
		tokens:   native.NewTokenLedger(db),
		engines:  make(map[common.Address]*native.Engine),
		receipts: make(map[common.Hash]*Receipt),
		held:     make(map[common.Hash]*Receipt),
	}
}

func (c *LocalChain) ChainID() uint64 { return c.chainID }

// Tokens exposes the reward token ledger, e.g. to fund a contract.
func (c *LocalChain) Tokens() *native.TokenLedger { return c.tokens }

// Deploy creates a contract instance. A zero ChainID defaults to the chain's.
func (c *LocalChain) Deploy(params native.DeployParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if params.ChainID == 0 {
		params.ChainID = c.chainID
	}
	if params.ChainID != c.chainID {
		return fmt.Errorf("eligibility: chain id %d does not match local chain %d", params.ChainID, c.chainID)
	}
	engine, err := native.Deploy(c.db, params)
	if err != nil {
		return err
	}
	c.engines[params.Address] = engine
	return nil
}

// Fund mints reward tokens straight to a contract's balance.
func (c *LocalChain) Fund(contract common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	engine, err := c.engineLocked(contract)
	if err != nil {
		return err
	}
	snap, err := engine.Snapshot()
	if err != nil {
		return err
	}
	return c.tokens.Mint(snap.RewardToken, contract, amount)
}

// HoldReceipts withholds receipts of subsequent transactions until
// ReleaseReceipts is called. Transactions still execute immediately.
func (c *LocalChain) HoldReceipts() {
	c.mu.Lock()
	c.hold = true
	c.mu.Unlock()
}

func (c *LocalChain) ReleaseReceipts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = false
	for hash, receipt := range c.held {
		c.receipts[hash] = receipt
		delete(c.held, hash)
	}
}

// Bind returns a Contract sending from the given account.
func (c *LocalChain) Bind(address, from common.Address) (*LocalContract, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.engineLocked(address); err != nil {
		return nil, err
	}
	return &LocalContract{chain: c, address: address, from: from}, nil
}

func (c *LocalChain) engineLocked(address common.Address) (*native.Engine, error) {
	if engine, ok := c.engines[address]; ok {
		return engine, nil
	}
	engine, err := native.Open(c.db, address)
	if err != nil {
		return nil, err
	}
	c.engines[address] = engine
	return engine, nil
}

func (c *LocalChain) txHash(from common.Address, label string) common.Hash {
	c.seq++
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], c.chainID)
	binary.BigEndian.PutUint64(buf[8:], c.seq)
	return ethcrypto.Keccak256Hash(buf[:], from.Bytes(), []byte(label))
}

// execute applies fn as one transaction. Revert conditions are recorded in a
// failed receipt; any other error aborts without mining a block.
func (c *LocalChain) execute(address, from common.Address, label string, fn func(*native.Engine) error) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	engine, err := c.engineLocked(address)
	if err != nil {
		return common.Hash{}, err
	}
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)
	callErr := fn(engine)
	engine.SetEmitter(nil)
	if callErr != nil && !native.IsRevert(callErr) {
		return common.Hash{}, callErr
	}

	hash := c.txHash(from, label)
	c.height++
	receipt := &Receipt{TxHash: hash, BlockNumber: c.height, Success: callErr == nil, Revert: callErr}
	for _, evt := range recorder.Events() {
		recordable, ok := evt.(events.Recordable)
		if !ok {
			continue
		}
		record := recordable.Record()
		record.TxHash = hash.Hex()
		receipt.Events = append(receipt.Events, record)
		c.logs = append(c.logs, record)
	}
	if c.hold {
		c.held[hash] = receipt
	} else {
		c.receipts[hash] = receipt
	}
	return hash, nil
}

// simulate runs fn against a scratch copy of state.
func (c *LocalChain) simulate(address common.Address, fn func(*native.Engine) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	engine, err := native.Open(storage.NewScratch(c.db), address)
	if err != nil {
		return err
	}
	return fn(engine)
}

func (c *LocalChain) read(address common.Address, fn func(*native.Engine) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	engine, err := c.engineLocked(address)
	if err != nil {
		return err
	}
	return fn(engine)
}

func (c *LocalChain) receipt(hash common.Hash) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ErrReceiptPending
	}
	out := *receipt
	out.Events = append([]events.Record(nil), receipt.Events...)
	return &out, nil
}

func (c *LocalChain) findLog(eventType string, address common.Address, match func(events.Record) bool) (events.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contract := strings.ToLower(address.Hex())
	for i := len(c.logs) - 1; i >= 0; i-- {
		record := c.logs[i]
		if record.Type != eventType || record.Attributes["contract"] != contract {
			continue
		}
		if match(record) {
			return record, true
		}
	}
	return events.Record{}, false
}

// LocalContract is a Contract bound to a LocalChain and a sender.
type LocalContract struct {
	chain   *LocalChain
	address common.Address
	from    common.Address
}

var _ Contract = (*LocalContract)(nil)

func (l *LocalContract) Address() common.Address { return l.address }
func (l *LocalContract) ChainID() uint64         { return l.chain.chainID }
func (l *LocalContract) Sender() common.Address  { return l.from }

func (l *LocalContract) Capabilities() native.Capabilities {
	caps, _ := native.CapabilitiesOf(native.LatestVersion)
	return caps
}

func (l *LocalContract) snapshot(ctx context.Context) (native.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return native.Snapshot{}, err
	}
	var snap native.Snapshot
	err := l.chain.read(l.address, func(e *native.Engine) error {
		var err error
		snap, err = e.Snapshot()
		return err
	})
	return snap, err
}

func (l *LocalContract) IsScreened(ctx context.Context, participant common.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := l.chain.read(l.address, func(e *native.Engine) error {
		var err error
		ok, err = e.IsScreened(participant)
		return err
	})
	return ok, err
}

func (l *LocalContract) IsRewarded(ctx context.Context, participant common.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := l.chain.read(l.address, func(e *native.Engine) error {
		var err error
		ok, err = e.IsRewarded(participant)
		return err
	})
	return ok, err
}

func (l *LocalContract) RewardTokenBalance(ctx context.Context) (*big.Int, error) {
	snap, err := l.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Balance, nil
}

func (l *LocalContract) RewardAmount(ctx context.Context) (*big.Int, error) {
	snap, err := l.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.RewardAmount, nil
}

func (l *LocalContract) Target(ctx context.Context) (uint64, error) {
	snap, err := l.snapshot(ctx)
	return snap.Target, err
}

func (l *LocalContract) Paused(ctx context.Context) (bool, error) {
	snap, err := l.snapshot(ctx)
	return snap.Paused, err
}

func (l *LocalContract) Owner(ctx context.Context) (common.Address, error) {
	snap, err := l.snapshot(ctx)
	return snap.Owner, err
}

func (l *LocalContract) Counts(ctx context.Context) (Counts, error) {
	snap, err := l.snapshot(ctx)
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Screened:                snap.ScreenedCount,
		Rewarded:                snap.RewardedCount,
		UsedScreeningSignatures: snap.UsedScreeningSignatures,
		UsedClaimingSignatures:  snap.UsedClaimingSignatures,
	}, nil
}

func (l *LocalContract) SimulateScreen(ctx context.Context, call ScreenCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.chain.simulate(l.address, func(e *native.Engine) error {
		return e.ScreenParticipant(l.from, call.Participant, call.SurveyID, call.Nonce, call.Signature)
	})
}

func (l *LocalContract) SimulateClaim(ctx context.Context, call ClaimCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.chain.simulate(l.address, func(e *native.Engine) error {
		return e.ProcessRewardClaimByParticipant(l.from, call.Participant, call.RewardID, call.Nonce, call.Signature)
	})
}

func (l *LocalContract) Screen(ctx context.Context, call ScreenCall) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return l.chain.execute(l.address, l.from, string(native.OpScreen), func(e *native.Engine) error {
		return e.ScreenParticipant(l.from, call.Participant, call.SurveyID, call.Nonce, call.Signature)
	})
}

func (l *LocalContract) Claim(ctx context.Context, call ClaimCall) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return l.chain.execute(l.address, l.from, string(native.OpClaim), func(e *native.Engine) error {
		return e.ProcessRewardClaimByParticipant(l.from, call.Participant, call.RewardID, call.Nonce, call.Signature)
	})
}

func (l *LocalContract) PauseSurvey(ctx context.Context) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return l.chain.execute(l.address, l.from, string(native.OpPause), func(e *native.Engine) error {
		return e.PauseSurvey(l.from)
	})
}

func (l *LocalContract) UnpauseSurvey(ctx context.Context) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return l.chain.execute(l.address, l.from, string(native.OpUnpause), func(e *native.Engine) error {
		return e.UnpauseSurvey(l.from)
	})
}

func (l *LocalContract) UpdateRewardAmount(ctx context.Context, amount *big.Int) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return l.chain.execute(l.address, l.from, string(native.OpUpdateReward), func(e *native.Engine) error {
		return e.UpdateRewardAmountPerParticipant(l.from, amount)
	})
}

func (l *LocalContract) UpdateTarget(ctx context.Context, target uint64) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return l.chain.execute(l.address, l.from, string(native.OpUpdateTarget), func(e *native.Engine) error {
		return e.UpdateTargetNumberOfParticipants(l.from, target)
	})
}

func (l *LocalContract) WithdrawAll(ctx context.Context) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return l.chain.execute(l.address, l.from, string(native.OpWithdraw), func(e *native.Engine) error {
		return e.WithdrawAllRewardTokenToResearcher(l.from)
	})
}

func (l *LocalContract) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.chain.receipt(txHash)
}

func (l *LocalContract) RewardTransaction(ctx context.Context, participant common.Address) (common.Hash, bool, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, false, err
	}
	want := strings.ToLower(participant.Hex())
	record, ok := l.chain.findLog(events.TypeParticipantRewarded, l.address, func(r events.Record) bool {
		return r.Attributes["participant"] == want
	})
	if !ok {
		return common.Hash{}, false, nil
	}
	return common.HexToHash(record.TxHash), true, nil
}
