package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var csvHeader = []string{
	"reward_id", "survey_id", "participant_id", "wallet", "contract",
	"ledger_claimed", "ledger_tx_hash", "mirror_present",
	"onchain_screened", "onchain_rewarded", "onchain_tx_hash",
	"anomaly", "repaired", "checked_at",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.RewardID.String(),
			row.SurveyID.String(),
			row.ParticipantID.String(),
			row.Wallet,
			row.Contract,
			strconv.FormatBool(row.LedgerClaimed),
			row.LedgerTxHash,
			strconv.FormatBool(row.MirrorPresent),
			strconv.FormatBool(row.OnChainScreened),
			strconv.FormatBool(row.OnChainRewarded),
			row.OnChainTxHash,
			row.Anomaly,
			strconv.FormatBool(row.Repaired),
			row.CheckedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	RewardID        string `parquet:"name=reward_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SurveyID        string `parquet:"name=survey_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ParticipantID   string `parquet:"name=participant_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Wallet          string `parquet:"name=wallet, type=BYTE_ARRAY, convertedtype=UTF8"`
	Contract        string `parquet:"name=contract, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerClaimed   bool   `parquet:"name=ledger_claimed, type=BOOLEAN"`
	LedgerTxHash    string `parquet:"name=ledger_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	MirrorPresent   bool   `parquet:"name=mirror_present, type=BOOLEAN"`
	OnChainScreened bool   `parquet:"name=onchain_screened, type=BOOLEAN"`
	OnChainRewarded bool   `parquet:"name=onchain_rewarded, type=BOOLEAN"`
	OnChainTxHash   string `parquet:"name=onchain_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Anomaly         string `parquet:"name=anomaly, type=BYTE_ARRAY, convertedtype=UTF8"`
	Repaired        bool   `parquet:"name=repaired, type=BOOLEAN"`
	CheckedAt       int64  `parquet:"name=checked_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			RewardID:        row.RewardID.String(),
			SurveyID:        row.SurveyID.String(),
			ParticipantID:   row.ParticipantID.String(),
			Wallet:          row.Wallet,
			Contract:        row.Contract,
			LedgerClaimed:   row.LedgerClaimed,
			LedgerTxHash:    row.LedgerTxHash,
			MirrorPresent:   row.MirrorPresent,
			OnChainScreened: row.OnChainScreened,
			OnChainRewarded: row.OnChainRewarded,
			OnChainTxHash:   row.OnChainTxHash,
			Anomaly:         row.Anomaly,
			Repaired:        row.Repaired,
			CheckedAt:       row.CheckedAt.UnixMilli(),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
