package main

import (
	"flag"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"canvassing/crypto"
	native "canvassing/native/eligibility"
	"canvassing/sdk/eligibility"
	"canvassing/storage"
)

// localState is a LevelDB-backed development chain. Contract state persists
// across invocations; receipts and logs live only for the current process.
type localState struct {
	db     *storage.LevelDB
	chains map[uint64]*eligibility.LocalChain
}

func openLocalState(dir string) (*localState, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("--local-state is required")
	}
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	return &localState{db: db, chains: make(map[uint64]*eligibility.LocalChain)}, nil
}

func (l *localState) chain(chainID uint64) *eligibility.LocalChain {
	if c, ok := l.chains[chainID]; ok {
		return c
	}
	c := eligibility.NewLocalChain(l.db, chainID)
	l.chains[chainID] = c
	return c
}

func (l *localState) Close() { l.db.Close() }

func parseWei(flagName, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer amount in wei", flagName)
	}
	return v, nil
}

func runLocalDeploy(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("local-deploy", flag.ContinueOnError)
	var dir, contract, owner, token, reward, fund string
	var chainID, target uint64
	fs.StringVar(&dir, "local-state", "", "directory of the local chain state")
	fs.Uint64Var(&chainID, "chain-id", 31337, "local chain id")
	fs.StringVar(&contract, "contract", "", "contract address to deploy at")
	fs.StringVar(&owner, "owner", "", "survey owner (signer) address")
	fs.StringVar(&token, "token", "", "reward token address")
	fs.StringVar(&reward, "reward", "0", "reward amount per participant in wei")
	fs.Uint64Var(&target, "target", 0, "target number of participants")
	fs.StringVar(&fund, "fund", "0", "reward tokens minted to the contract in wei")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addrs := make(map[string]common.Address, 3)
	for name, raw := range map[string]string{"--contract": contract, "--owner": owner, "--token": token} {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return fail(stderr, fmt.Errorf("%s: %w", name, err))
		}
		addrs[name] = addr
	}
	amount, err := parseWei("--reward", reward)
	if err != nil {
		return fail(stderr, err)
	}
	funding, err := parseWei("--fund", fund)
	if err != nil {
		return fail(stderr, err)
	}

	state, err := openLocalState(dir)
	if err != nil {
		return fail(stderr, err)
	}
	defer state.Close()
	chain := state.chain(chainID)
	if err := chain.Deploy(native.DeployParams{
		Address:      addrs["--contract"],
		Owner:        addrs["--owner"],
		RewardToken:  addrs["--token"],
		RewardAmount: amount,
		Target:       target,
	}); err != nil {
		return fail(stderr, err)
	}
	if funding.Sign() > 0 {
		if err := chain.Fund(addrs["--contract"], funding); err != nil {
			return fail(stderr, err)
		}
	}
	engine, err := native.Open(state.db, addrs["--contract"])
	if err != nil {
		return fail(stderr, err)
	}
	snap, err := engine.Snapshot()
	if err != nil {
		return fail(stderr, err)
	}
	writeResult(stdout, map[string]interface{}{
		"contract": snap.Address.Hex(),
		"chainId":  snap.ChainID,
		"owner":    snap.Owner.Hex(),
		"token":    snap.RewardToken.Hex(),
		"reward":   snap.RewardAmount.String(),
		"target":   snap.Target,
		"balance":  snap.Balance.String(),
	})
	return 0
}
