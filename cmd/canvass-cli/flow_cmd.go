package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"canvassing/cmd/internal/passphrase"
	"canvassing/config"
	"canvassing/crypto"
	"canvassing/ledger"
	"canvassing/ledger/models"
	"canvassing/observability"
	"canvassing/observability/logging"
	"canvassing/sdk/claimflow"
	"canvassing/sdk/eligibility"
	"canvassing/services/signer"
)

type ledgerFlags struct {
	driver   string
	dsn      string
	networks string
}

func (l *ledgerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&l.driver, "db-driver", "sqlite", "ledger driver: sqlite or postgres")
	fs.StringVar(&l.dsn, "dsn", "", "ledger data source name")
	fs.StringVar(&l.networks, "networks", "networks.toml", "network registry file")
}

func (l ledgerFlags) open() (*ledger.Store, *config.Registry, error) {
	networks, err := config.Load(l.networks)
	if err != nil {
		return nil, nil, err
	}
	db, err := ledger.Open(l.driver, l.dsn)
	if err != nil {
		return nil, nil, err
	}
	store := ledger.New(db)
	if err := store.Migrate(); err != nil {
		return nil, nil, err
	}
	return store, networks, nil
}

// flowFlags configures a participant-side flow. Signatures come from the
// canvassd callables unless a local signer key is given.
type flowFlags struct {
	ledger         ledgerFlags
	participant    keyFlags
	callableURL    string
	token          string
	network        string
	signerKeyFile  string
	signerKeystore string
	localState     string
	timeout        time.Duration
	poll           time.Duration
}

func (f *flowFlags) register(fs *flag.FlagSet) {
	f.ledger.register(fs)
	f.participant.register(fs)
	fs.StringVar(&f.callableURL, "callable-url", "", "canvassd base URL for signature callables")
	fs.StringVar(&f.token, "token", "", "participant bearer token for the callables")
	fs.StringVar(&f.network, "network", "", "network name sent to the callables")
	fs.StringVar(&f.signerKeyFile, "signer-key-file", "", "sign locally with this hex key file instead of calling canvassd")
	fs.StringVar(&f.signerKeystore, "signer-keystore", "", "sign locally with this keystore instead of calling canvassd")
	fs.StringVar(&f.localState, "local-state", "", "run against the local chain in this directory instead of the network RPC")
	fs.DurationVar(&f.timeout, "receipt-timeout", claimflow.DefaultReceiptTimeout, "how long to wait for the transaction receipt")
	fs.DurationVar(&f.poll, "poll-interval", claimflow.DefaultPollInterval, "receipt polling interval")
}

func (f flowFlags) signatures() (claimflow.SignatureClient, error) {
	if strings.TrimSpace(f.signerKeyFile) != "" || strings.TrimSpace(f.signerKeystore) != "" {
		key, err := crypto.KeySource{
			File:       f.signerKeyFile,
			Keystore:   f.signerKeystore,
			Passphrase: passphrase.NewSource("CANVASS_SIGNER_PASSPHRASE", "signer keystore passphrase").Get,
		}.Load()
		if err != nil {
			return nil, fmt.Errorf("load signer key: %w", err)
		}
		return signer.New(key)
	}
	return claimflow.NewCallableClient(claimflow.CallableConfig{
		BaseURL: f.callableURL,
		Token:   f.token,
		Network: f.network,
	})
}

func (f flowFlags) orchestrator() (*claimflow.Orchestrator, func(), error) {
	store, networks, err := f.ledger.open()
	if err != nil {
		return nil, nil, err
	}
	key, err := f.participant.load()
	if err != nil {
		return nil, nil, fmt.Errorf("load participant key: %w", err)
	}
	signatures, err := f.signatures()
	if err != nil {
		return nil, nil, err
	}
	closer := func() {}
	resolve := func(ctx context.Context, survey models.Survey) (eligibility.Contract, error) {
		network, err := networks.ByChainID(survey.ChainID)
		if err != nil {
			return nil, err
		}
		return eligibility.DialEVM(ctx, network.RPCURL, common.HexToAddress(survey.ContractAddress), survey.ChainID, key.PrivateKey)
	}
	if strings.TrimSpace(f.localState) != "" {
		state, err := openLocalState(f.localState)
		if err != nil {
			return nil, nil, err
		}
		closer = state.Close
		resolve = func(_ context.Context, survey models.Survey) (eligibility.Contract, error) {
			return state.chain(survey.ChainID).Bind(common.HexToAddress(survey.ContractAddress), key.Address())
		}
	}
	orch, err := claimflow.New(claimflow.Config{
		Rewards:        store,
		Signer:         signatures,
		Contracts:      resolve,
		ReceiptTimeout: f.timeout,
		PollInterval:   f.poll,
		Metrics:        observability.Canvass(),
		Logger:         slog.New(logging.NewHandler(os.Stderr)),
	})
	if err != nil {
		closer()
		return nil, nil, err
	}
	return orch, closer, nil
}

func reportFlow(stdout, stderr io.Writer, out *claimflow.Outcome, err error) int {
	if err != nil {
		notice := claimflow.Notify(err)
		writeResult(stdout, notice)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		var pending *claimflow.PendingError
		if errors.As(err, &pending) {
			return 3
		}
		return 1
	}
	result := map[string]interface{}{
		"txHash":    out.TxHash.Hex(),
		"recovered": out.Recovered,
	}
	if out.Reward != nil {
		result["rewardId"] = out.Reward.ID.String()
		result["isClaimed"] = out.Reward.IsClaimed
	}
	writeResult(stdout, result)
	return 0
}

func runScreen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("screen", flag.ContinueOnError)
	var flow flowFlags
	var participantID, surveyID string
	flow.register(fs)
	fs.StringVar(&participantID, "participant-id", "", "ledger participant id")
	fs.StringVar(&surveyID, "survey-id", "", "ledger survey id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	pid, err := uuid.Parse(participantID)
	if err != nil {
		fmt.Fprintln(stderr, "Error: --participant-id must be a uuid")
		return 1
	}
	sid, err := uuid.Parse(surveyID)
	if err != nil {
		fmt.Fprintln(stderr, "Error: --survey-id must be a uuid")
		return 1
	}
	ctx := context.Background()
	orch, closer, err := flow.orchestrator()
	if err != nil {
		return fail(stderr, err)
	}
	defer closer()
	out, err := orch.Screen(ctx, pid, sid)
	return reportFlow(stdout, stderr, out, err)
}

func runClaim(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	var flow flowFlags
	var rewardID string
	flow.register(fs)
	fs.StringVar(&rewardID, "reward-id", "", "ledger reward id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	id, err := uuid.Parse(rewardID)
	if err != nil {
		fmt.Fprintln(stderr, "Error: --reward-id must be a uuid")
		return 1
	}
	ctx := context.Background()
	orch, closer, err := flow.orchestrator()
	if err != nil {
		return fail(stderr, err)
	}
	defer closer()
	out, err := orch.Claim(ctx, id)
	return reportFlow(stdout, stderr, out, err)
}

func runResume(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	var flow flowFlags
	var rewardID, txHash string
	flow.register(fs)
	fs.StringVar(&rewardID, "reward-id", "", "ledger reward id")
	fs.StringVar(&txHash, "tx", "", "pending claim transaction hash")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	id, err := uuid.Parse(rewardID)
	if err != nil {
		fmt.Fprintln(stderr, "Error: --reward-id must be a uuid")
		return 1
	}
	hash, err := parseTxHash(txHash)
	if err != nil {
		fmt.Fprintf(stderr, "Error: --tx: %v\n", err)
		return 1
	}
	ctx := context.Background()
	orch, closer, err := flow.orchestrator()
	if err != nil {
		return fail(stderr, err)
	}
	defer closer()
	out, err := orch.Resume(ctx, id, hash)
	return reportFlow(stdout, stderr, out, err)
}

func parseTxHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("want %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
