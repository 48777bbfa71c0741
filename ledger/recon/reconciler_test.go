package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"canvassing/ledger"
	"canvassing/ledger/models"
)

const surveyContract = "0x5000000000000000000000000000000000000005"

type stubReader struct {
	screened map[common.Address]bool
	rewarded map[common.Address]common.Hash
}

func (s *stubReader) IsScreened(_ context.Context, p common.Address) (bool, error) {
	return s.screened[p], nil
}

func (s *stubReader) IsRewarded(_ context.Context, p common.Address) (bool, error) {
	_, ok := s.rewarded[p]
	return ok, nil
}

func (s *stubReader) RewardTransaction(_ context.Context, p common.Address) (common.Hash, bool, error) {
	hash, ok := s.rewarded[p]
	if !ok || hash == (common.Hash{}) {
		return common.Hash{}, false, nil
	}
	return hash, true, nil
}

type fixture struct {
	store   *ledger.Store
	survey  *models.Survey
	reader  *stubReader
	rewards map[string]*models.Reward
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	store := ledger.New(db)
	require.NoError(t, store.Migrate())

	survey := &models.Survey{ContractAddress: surveyContract, ChainID: 31337, IsAvailable: true}
	require.NoError(t, store.CreateSurvey(ctx, survey))

	f := &fixture{
		store:   store,
		survey:  survey,
		reader:  &stubReader{screened: map[common.Address]bool{}, rewarded: map[common.Address]common.Hash{}},
		rewards: map[string]*models.Reward{},
	}
	for i, name := range []string{"claimedOnly", "chainOnly", "consistent", "unscreened"} {
		wallet := fmt.Sprintf("0x%040x", i+0x100)
		p := &models.Participant{WalletAddress: wallet, AuthID: name}
		require.NoError(t, store.CreateParticipant(ctx, p))
		r, _, err := store.CreateReward(ctx, &models.Reward{SurveyID: survey.ID, ParticipantID: p.ID, ParticipantWalletAddress: wallet})
		require.NoError(t, err)
		f.rewards[name] = r
	}

	addr := func(name string) common.Address { return common.HexToAddress(f.rewards[name].ParticipantWalletAddress) }

	_, err = store.MarkClaimed(ctx, f.rewards["claimedOnly"].ParticipantID, survey.ID, "0xdead")
	require.NoError(t, err)
	f.reader.screened[addr("claimedOnly")] = true
	_, err = store.RecordScreening(ctx, &models.Screening{SurveyContractAddress: surveyContract, ParticipantWalletAddress: f.rewards["claimedOnly"].ParticipantWalletAddress})
	require.NoError(t, err)

	f.reader.screened[addr("chainOnly")] = true
	f.reader.rewarded[addr("chainOnly")] = common.HexToHash("0xbeef")

	f.reader.screened[addr("consistent")] = true
	f.reader.rewarded[addr("consistent")] = common.HexToHash("0xcafe")
	_, err = store.MarkClaimed(ctx, f.rewards["consistent"].ParticipantID, survey.ID, common.HexToHash("0xcafe").Hex())
	require.NoError(t, err)
	_, err = store.RecordScreening(ctx, &models.Screening{SurveyContractAddress: surveyContract, ParticipantWalletAddress: f.rewards["consistent"].ParticipantWalletAddress})
	require.NoError(t, err)
	return f
}

func (f *fixture) reconciler(t *testing.T, dir string, dryRun bool) *Reconciler {
	t.Helper()
	r, err := NewReconciler(Config{
		Store:     f.store,
		Resolve:   func(context.Context, models.Survey) (ContractReader, error) { return f.reader, nil },
		OutputDir: dir,
		DryRun:    dryRun,
		Now:       func() time.Time { return time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return r
}

func TestReconcilerDryRunReportsWithoutRepair(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	dir := t.TempDir()

	res, err := f.reconciler(t, dir, true).Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)
	require.Equal(t, map[string]int{
		AnomalyClaimedNotRewarded:    1,
		AnomalyRewardedNotClaimed:    1,
		AnomalyScreenedMissingMirror: 1,
	}, res.Counts())
	require.Zero(t, res.Repaired)
	require.Empty(t, res.Files)

	reward, err := f.store.GetReward(ctx, f.rewards["chainOnly"].ID)
	require.NoError(t, err)
	require.False(t, reward.IsClaimed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReconcilerRepairsFromContractEvents(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	var alerted []string
	r := f.reconciler(t, t.TempDir(), false)
	r.alert = func(_ context.Context, a Anomaly) error {
		alerted = append(alerted, a.Type)
		return nil
	}

	res, err := r.Run(ctx, RunOptions{SurveyID: f.survey.ID})
	require.NoError(t, err)
	require.Equal(t, 2, res.Repaired)
	require.ElementsMatch(t, []string{AnomalyClaimedNotRewarded, AnomalyRewardedNotClaimed, AnomalyScreenedMissingMirror}, alerted)

	reward, err := f.store.GetReward(ctx, f.rewards["chainOnly"].ID)
	require.NoError(t, err)
	require.True(t, reward.IsClaimed)
	require.Equal(t, common.HexToHash("0xbeef").Hex(), reward.TransactionHash)

	mirror, err := f.store.HasScreening(ctx, surveyContract, f.rewards["chainOnly"].ParticipantWalletAddress)
	require.NoError(t, err)
	require.True(t, mirror)

	require.Len(t, res.Files, 1)
	file, err := os.Open(res.Files[0].CSVPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, csvHeader, records[0])
	_, err = os.Stat(res.Files[0].ParquetPath)
	require.NoError(t, err)

	again, err := r.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]int{
		AnomalyClaimedNotRewarded:    1,
		AnomalyRewardedNotClaimed:    0,
		AnomalyScreenedMissingMirror: 0,
	}, again.Counts())
}

func TestNewReconcilerRequiresDependencies(t *testing.T) {
	_, err := NewReconciler(Config{})
	require.Error(t, err)
	f := setupFixture(t)
	_, err = NewReconciler(Config{Store: f.store})
	require.Error(t, err)
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 30, RunMinute: -5})
	require.Equal(t, 23, s.runHour)
	require.Equal(t, 0, s.runMinute)

	s = NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})
	before := time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 6, 1, 2, 30, 0, 0, time.UTC), s.nextRun(before))
	after := time.Date(2024, 6, 1, 2, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 6, 2, 2, 30, 0, 0, time.UTC), s.nextRun(after))
}
