package eligibility

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"canvassing/core/events"
	native "canvassing/native/eligibility"
)

// Backend is the subset of the Ethereum RPC used by EVMContract.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// EVMContract talks to a deployed survey contract over JSON-RPC.
type EVMContract struct {
	backend   Backend
	address   common.Address
	chainID   uint64
	key       *ecdsa.PrivateKey
	sender    common.Address
	abi       abi.ABI
	bound     *bind.BoundContract
	fromBlock *big.Int
}

var _ Contract = (*EVMContract)(nil)

// EVMOption customises an EVMContract.
type EVMOption func(*EVMContract)

// WithDeploymentBlock limits event scans to blocks at or after n.
func WithDeploymentBlock(n uint64) EVMOption {
	return func(c *EVMContract) { c.fromBlock = new(big.Int).SetUint64(n) }
}

// NewEVMContract binds address on backend. key signs transactions and may be
// nil for a read-only binding.
func NewEVMContract(backend Backend, address common.Address, chainID uint64, key *ecdsa.PrivateKey, opts ...EVMOption) (*EVMContract, error) {
	if backend == nil {
		return nil, errors.New("eligibility: evm backend required")
	}
	if address == (common.Address{}) {
		return nil, errors.New("eligibility: contract address required")
	}
	parsed, err := SurveyABI()
	if err != nil {
		return nil, fmt.Errorf("eligibility: parse abi: %w", err)
	}
	c := &EVMContract{
		backend: backend,
		address: address,
		chainID: chainID,
		key:     key,
		abi:     parsed,
		bound:   bind.NewBoundContract(address, parsed, backend, backend, backend),
	}
	if key != nil {
		c.sender = ethcrypto.PubkeyToAddress(key.PublicKey)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DialEVM connects to rpcURL and checks the node serves chainID.
func DialEVM(ctx context.Context, rpcURL string, address common.Address, chainID uint64, key *ecdsa.PrivateKey, opts ...EVMOption) (*EVMContract, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("eligibility: rpc url required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("eligibility: dial rpc: %w", err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("eligibility: fetch chain id: %w", err)
	}
	if remote.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("eligibility: rpc serves chain %s, expected %d", remote, chainID)
	}
	return NewEVMContract(client, address, chainID, key, opts...)
}

func (c *EVMContract) Address() common.Address { return c.address }
func (c *EVMContract) ChainID() uint64         { return c.chainID }
func (c *EVMContract) Sender() common.Address  { return c.sender }

func (c *EVMContract) Capabilities() native.Capabilities {
	caps, _ := native.CapabilitiesOf(native.LatestVersion)
	return caps
}

func (c *EVMContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, From: c.sender}
	if err := c.bound.Call(opts, &out, method, args...); err != nil {
		return nil, decodeRevert(c.abi, err)
	}
	return out, nil
}

func (c *EVMContract) callUint(ctx context.Context, method string) (*big.Int, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("eligibility: %s returned %d values", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("eligibility: %s returned %T", method, out[0])
	}
	return v, nil
}

func (c *EVMContract) callUint64(ctx context.Context, method string) (uint64, error) {
	v, err := c.callUint(ctx, method)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("eligibility: %s overflows uint64", method)
	}
	return v.Uint64(), nil
}

func (c *EVMContract) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("eligibility: %s returned %d values", method, len(out))
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("eligibility: %s returned %T", method, out[0])
	}
	return v, nil
}

func (c *EVMContract) IsScreened(ctx context.Context, participant common.Address) (bool, error) {
	return c.callBool(ctx, "checkIfParticipantIsScreened", participant)
}

func (c *EVMContract) IsRewarded(ctx context.Context, participant common.Address) (bool, error) {
	return c.callBool(ctx, "checkIfParticipantHasBeenRewarded", participant)
}

func (c *EVMContract) RewardTokenBalance(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "getRewardTokenContractBalance")
}

func (c *EVMContract) RewardAmount(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "rewardAmountPerParticipant")
}

func (c *EVMContract) Target(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "targetNumberOfParticipants")
}

func (c *EVMContract) Paused(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "paused")
}

func (c *EVMContract) Owner(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("eligibility: owner returned %d values", len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("eligibility: owner returned %T", out[0])
	}
	return addr, nil
}

func (c *EVMContract) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	var err error
	if counts.Screened, err = c.callUint64(ctx, "getNumberOfScreenedParticipants"); err != nil {
		return Counts{}, err
	}
	if counts.Rewarded, err = c.callUint64(ctx, "getNumberOfRewardedParticipants"); err != nil {
		return Counts{}, err
	}
	if counts.UsedScreeningSignatures, err = c.callUint64(ctx, "getNumberOfUsedScreeningSignatures"); err != nil {
		return Counts{}, err
	}
	if counts.UsedClaimingSignatures, err = c.callUint64(ctx, "getNumberOfUsedClaimingSignatures"); err != nil {
		return Counts{}, err
	}
	return counts, nil
}

func screenArgs(call ScreenCall) []interface{} {
	return []interface{}{call.Participant, call.SurveyID, call.Nonce.ToBig(), call.Signature}
}

func claimArgs(call ClaimCall) []interface{} {
	return []interface{}{call.Participant, call.RewardID, call.Nonce.ToBig(), call.Signature}
}

func (c *EVMContract) SimulateScreen(ctx context.Context, call ScreenCall) error {
	if call.Nonce == nil {
		return fmt.Errorf("eligibility: nonce required")
	}
	_, err := c.call(ctx, "screenParticipant", screenArgs(call)...)
	return err
}

func (c *EVMContract) SimulateClaim(ctx context.Context, call ClaimCall) error {
	if call.Nonce == nil {
		return fmt.Errorf("eligibility: nonce required")
	}
	_, err := c.call(ctx, "processRewardClaimByParticipant", claimArgs(call)...)
	return err
}

func (c *EVMContract) transact(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, errors.New("eligibility: read-only binding cannot send transactions")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, new(big.Int).SetUint64(c.chainID))
	if err != nil {
		return common.Hash{}, err
	}
	opts.Context = ctx
	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, decodeRevert(c.abi, err)
	}
	return tx.Hash(), nil
}

func (c *EVMContract) Screen(ctx context.Context, call ScreenCall) (common.Hash, error) {
	if call.Nonce == nil {
		return common.Hash{}, fmt.Errorf("eligibility: nonce required")
	}
	return c.transact(ctx, "screenParticipant", screenArgs(call)...)
}

func (c *EVMContract) Claim(ctx context.Context, call ClaimCall) (common.Hash, error) {
	if call.Nonce == nil {
		return common.Hash{}, fmt.Errorf("eligibility: nonce required")
	}
	return c.transact(ctx, "processRewardClaimByParticipant", claimArgs(call)...)
}

func (c *EVMContract) PauseSurvey(ctx context.Context) (common.Hash, error) {
	return c.transact(ctx, "pauseSurvey")
}

func (c *EVMContract) UnpauseSurvey(ctx context.Context) (common.Hash, error) {
	return c.transact(ctx, "unpauseSurvey")
}

func (c *EVMContract) UpdateRewardAmount(ctx context.Context, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, native.ErrInvalidAmount
	}
	return c.transact(ctx, "updateRewardAmountPerParticipant", amount)
}

func (c *EVMContract) UpdateTarget(ctx context.Context, target uint64) (common.Hash, error) {
	return c.transact(ctx, "updateTargetNumberOfParticipants", new(big.Int).SetUint64(target))
}

func (c *EVMContract) WithdrawAll(ctx context.Context) (common.Hash, error) {
	return c.transact(ctx, "withdrawAllRewardTokenToResearcher")
}

func (c *EVMContract) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptPending
		}
		return nil, fmt.Errorf("eligibility: fetch receipt: %w", err)
	}
	if receipt == nil {
		return nil, ErrReceiptPending
	}
	out := &Receipt{
		TxHash:  txHash,
		Success: receipt.Status == gethtypes.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	for _, log := range receipt.Logs {
		if record, ok := c.decodeLog(log); ok {
			out.Events = append(out.Events, record)
		}
	}
	return out, nil
}

func (c *EVMContract) RewardTransaction(ctx context.Context, participant common.Address) (common.Hash, bool, error) {
	rewarded := c.abi.Events["ParticipantRewarded"]
	query := ethereum.FilterQuery{
		FromBlock: c.fromBlock,
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{rewarded.ID}, {common.BytesToHash(participant.Bytes())}},
	}
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("eligibility: filter logs: %w", err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Removed {
			continue
		}
		return logs[i].TxHash, true, nil
	}
	return common.Hash{}, false, nil
}

// decodeLog converts a contract log into the event record shape LocalChain
// produces, so consumers handle both backends alike.
func (c *EVMContract) decodeLog(log *gethtypes.Log) (events.Record, bool) {
	if log == nil || log.Address != c.address || len(log.Topics) < 2 {
		return events.Record{}, false
	}
	contract := strings.ToLower(c.address.Hex())
	participant := strings.ToLower(common.BytesToAddress(log.Topics[1].Bytes()).Hex())
	for name, evt := range c.abi.Events {
		if evt.ID != log.Topics[0] {
			continue
		}
		values := map[string]interface{}{}
		if err := c.abi.UnpackIntoMap(values, name, log.Data); err != nil {
			return events.Record{}, false
		}
		record := events.Record{
			TxHash:     log.TxHash.Hex(),
			Attributes: map[string]string{"contract": contract, "participant": participant},
		}
		switch name {
		case "ParticipantScreened":
			record.Type = events.TypeParticipantScreened
			record.Attributes["surveyId"], _ = values["surveyId"].(string)
		case "ParticipantRewarded":
			record.Type = events.TypeParticipantRewarded
			record.Attributes["rewardId"], _ = values["rewardId"].(string)
			if amount, ok := values["amount"].(*big.Int); ok {
				record.Attributes["amount"] = amount.String()
			}
		default:
			return events.Record{}, false
		}
		return record, true
	}
	return events.Record{}, false
}

// decodeRevert maps custom error data returned by the node onto the
// eligibility sentinels. Errors without revert data pass through unchanged.
func decodeRevert(contractABI abi.ABI, err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return err
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return err
	}
	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil || len(data) < 4 {
		return err
	}
	for name, abiErr := range contractABI.Errors {
		if !bytes.Equal(abiErr.ID[:4], data[:4]) {
			continue
		}
		if sentinel, ok := native.ErrorForRevert(name); ok {
			return fmt.Errorf("%w (%s)", sentinel, name)
		}
	}
	if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
		return fmt.Errorf("eligibility: execution reverted: %s", reason)
	}
	return err
}
