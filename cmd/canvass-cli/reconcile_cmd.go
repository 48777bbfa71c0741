package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"canvassing/ledger/models"
	"canvassing/ledger/recon"
	"canvassing/observability/logging"
	"canvassing/services/canvassd"
)

func runReconcile(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	var lf ledgerFlags
	var out, surveyID, local string
	var dryRun bool
	lf.register(fs)
	fs.StringVar(&out, "out", "reports", "directory for CSV and Parquet reports")
	fs.BoolVar(&dryRun, "dry-run", false, "report anomalies without repairing the ledger")
	fs.StringVar(&surveyID, "survey-id", "", "only reconcile this survey")
	fs.StringVar(&local, "local-state", "", "read contract state from the local chain in this directory")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	var opts recon.RunOptions
	opts.DryRun = dryRun
	if id := strings.TrimSpace(surveyID); id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			fmt.Fprintln(stderr, "Error: --survey-id must be a uuid")
			return 1
		}
		opts.SurveyID = parsed
	}

	store, networks, err := lf.open()
	if err != nil {
		return fail(stderr, err)
	}
	chains := canvassd.NewChainResolver(networks)
	defer chains.Close()
	resolve := chains.Resolve
	if strings.TrimSpace(local) != "" {
		state, err := openLocalState(local)
		if err != nil {
			return fail(stderr, err)
		}
		defer state.Close()
		resolve = func(_ context.Context, survey models.Survey) (recon.ContractReader, error) {
			contract := common.HexToAddress(survey.ContractAddress)
			return state.chain(survey.ChainID).Bind(contract, contract)
		}
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		Store:     store,
		Resolve:   resolve,
		OutputDir: out,
		Logger:    slog.New(logging.NewHandler(os.Stderr)),
	})
	if err != nil {
		return fail(stderr, err)
	}
	result, err := reconciler.Run(context.Background(), opts)
	if err != nil {
		return fail(stderr, err)
	}

	reports := make([]string, 0, 2*len(result.Files))
	for _, file := range result.Files {
		reports = append(reports, file.CSVPath, file.ParquetPath)
	}
	anomalies := make([]map[string]interface{}, 0, len(result.Anomalies))
	for _, a := range result.Anomalies {
		anomalies = append(anomalies, map[string]interface{}{
			"type":     a.Type,
			"surveyId": a.SurveyID.String(),
			"rewardId": a.RewardID.String(),
			"wallet":   a.Wallet,
			"txHash":   a.TxHash,
			"repaired": a.Repaired,
		})
	}
	writeResult(stdout, map[string]interface{}{
		"dryRun":    result.DryRun,
		"rewards":   len(result.Rows),
		"counts":    result.Counts(),
		"repaired":  result.Repaired,
		"reports":   reports,
		"anomalies": anomalies,
	})
	return 0
}
