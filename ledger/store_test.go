package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"canvassing/ledger/models"
)

const (
	walletA  = "0x52908400098527886E0F7030069857D2E4169EE7"
	walletB  = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
	contract = "0x5000000000000000000000000000000000000005"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := New(db, WithClock(clock.Now))
	require.NoError(t, store.Migrate())
	return store, clock
}

func seedParticipant(t *testing.T, store *Store, wallet, country, gender string) *models.Participant {
	t.Helper()
	p := &models.Participant{WalletAddress: wallet, AuthID: "auth-" + uuid.NewString(), Country: country, Gender: gender}
	require.NoError(t, store.CreateParticipant(context.Background(), p))
	return p
}

func seedSurvey(t *testing.T, store *Store, mutate func(*models.Survey)) *models.Survey {
	t.Helper()
	s := &models.Survey{ContractAddress: contract, ChainID: 31337, Topic: "Commuting habits", IsAvailable: true}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, store.CreateSurvey(context.Background(), s))
	return s
}

func TestCreateParticipantNormalisesWallet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	p := seedParticipant(t, store, walletA, "Kenya", "Female")
	require.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", p.WalletAddress)

	found, err := store.ParticipantByWallet(ctx, "0x52908400098527886e0f7030069857d2e4169ee7")
	require.NoError(t, err)
	require.Equal(t, p.ID, found.ID)

	dup := &models.Participant{WalletAddress: walletA, AuthID: "someone-else"}
	require.ErrorIs(t, store.CreateParticipant(ctx, dup), ErrWalletTaken)
	require.ErrorIs(t, store.CreateParticipant(ctx, &models.Participant{WalletAddress: "nope", AuthID: "x"}), ErrInvalidWallet)
	require.ErrorIs(t, store.CreateParticipant(ctx, &models.Participant{WalletAddress: walletB}), ErrMissingAuthID)

	_, err = store.ParticipantByAuthID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUsernameWindow(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	p := seedParticipant(t, store, walletA, "Kenya", "Female")

	_, err := store.UpdateUsername(ctx, p.ID, "short")
	require.ErrorIs(t, err, ErrInvalidUsername)
	_, err = store.UpdateUsername(ctx, p.ID, "averyveryverylongname")
	require.ErrorIs(t, err, ErrInvalidUsername)

	updated, err := store.UpdateUsername(ctx, p.ID, "first-name")
	require.NoError(t, err)
	require.Equal(t, "first-name", updated.Username)

	clock.now = clock.now.Add(10 * time.Minute)
	_, err = store.UpdateUsername(ctx, p.ID, "second-name")
	require.ErrorIs(t, err, ErrUsernameCooldown)

	clock.now = clock.now.Add(21 * time.Minute)
	updated, err = store.UpdateUsername(ctx, p.ID, "second-name")
	require.NoError(t, err)
	require.Equal(t, "second-name", updated.Username)

	_, err = store.UpdateUsername(ctx, uuid.New(), "third-name")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRewardIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	p := seedParticipant(t, store, walletA, "Kenya", "Female")
	s := seedSurvey(t, store, nil)

	first, created, err := store.CreateReward(ctx, &models.Reward{
		SurveyID: s.ID, ParticipantID: p.ID, ParticipantWalletAddress: walletA, SubmissionID: "sub-1",
	})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.CreateReward(ctx, &models.Reward{
		SurveyID: s.ID, ParticipantID: p.ID, ParticipantWalletAddress: walletA, SubmissionID: "sub-2",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "sub-1", second.SubmissionID)

	rewards, err := store.RewardsForParticipant(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
}

func TestMarkClaimedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	p := seedParticipant(t, store, walletA, "Kenya", "Female")
	s := seedSurvey(t, store, nil)
	reward, _, err := store.CreateReward(ctx, &models.Reward{SurveyID: s.ID, ParticipantID: p.ID, ParticipantWalletAddress: walletA})
	require.NoError(t, err)

	require.NoError(t, store.AttachSignature(ctx, reward.ID, "0xsig", "42"))

	_, err = store.MarkClaimed(ctx, p.ID, s.ID, " ")
	require.ErrorIs(t, err, ErrMissingTxHash)

	claimed, err := store.MarkClaimed(ctx, p.ID, s.ID, "0xaaa")
	require.NoError(t, err)
	require.True(t, claimed.IsClaimed)
	require.Equal(t, "0xaaa", claimed.TransactionHash)
	require.Equal(t, "0xsig", claimed.Signature)
	require.Equal(t, "42", claimed.Nonce)

	_, err = store.MarkClaimed(ctx, p.ID, s.ID, "0xaaa")
	require.NoError(t, err)

	again, err := store.MarkClaimed(ctx, p.ID, s.ID, "0xbbb")
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Equal(t, "0xaaa", again.TransactionHash)

	require.ErrorIs(t, store.AttachSignature(ctx, reward.ID, "0xother", "43"), ErrAlreadyClaimed)
	require.ErrorIs(t, store.AttachSignature(ctx, uuid.New(), "0xother", "43"), ErrNotFound)

	_, err = store.MarkClaimed(ctx, uuid.New(), s.ID, "0xccc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEligibleSurveys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	p := seedParticipant(t, store, walletA, "Kenya", "Female")

	open := seedSurvey(t, store, nil)
	targeted := seedSurvey(t, store, func(s *models.Survey) { s.TargetCountry = "kenya"; s.TargetGender = "FEMALE" })
	seedSurvey(t, store, func(s *models.Survey) { s.TargetCountry = "Ghana" })
	seedSurvey(t, store, func(s *models.Survey) { s.TargetGender = "Male" })
	seedSurvey(t, store, func(s *models.Survey) { s.IsTest = true })
	closed := seedSurvey(t, store, nil)
	require.NoError(t, store.SetSurveyAvailability(ctx, closed.ID, false))
	done := seedSurvey(t, store, nil)
	_, _, err := store.CreateReward(ctx, &models.Reward{SurveyID: done.ID, ParticipantID: p.ID, ParticipantWalletAddress: walletA})
	require.NoError(t, err)

	surveys, err := store.EligibleSurveys(ctx, p.ID)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(surveys))
	for _, s := range surveys {
		ids = append(ids, s.ID)
	}
	require.ElementsMatch(t, []uuid.UUID{open.ID, targeted.ID}, ids)

	tester := seedParticipant(t, store, walletB, "Kenya", "Female")
	require.NoError(t, store.DB().Model(&models.Participant{}).Where("id = ?", tester.ID).Update("is_tester", true).Error)
	surveys, err = store.EligibleSurveys(ctx, tester.ID)
	require.NoError(t, err)
	require.Len(t, surveys, 4)

	require.ErrorIs(t, store.SetSurveyAvailability(ctx, uuid.New(), true), ErrNotFound)
}

func TestSurveyTargetsAgreesWithEligibleSurveys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	p := seedParticipant(t, store, walletA, "Kenya", "Female")
	mutations := []func(*models.Survey){
		nil,
		func(s *models.Survey) { s.TargetCountry = "KENYA" },
		func(s *models.Survey) { s.TargetCountry = "Nigeria" },
		func(s *models.Survey) { s.TargetGender = "Male" },
		func(s *models.Survey) { s.IsTest = true },
	}
	var seeded []*models.Survey
	for _, mutate := range mutations {
		seeded = append(seeded, seedSurvey(t, store, mutate))
	}
	eligible, err := store.EligibleSurveys(ctx, p.ID)
	require.NoError(t, err)
	listed := map[uuid.UUID]bool{}
	for _, s := range eligible {
		listed[s.ID] = true
	}
	stored, err := store.GetParticipant(ctx, p.ID)
	require.NoError(t, err)
	for _, s := range seeded {
		survey, err := store.GetSurvey(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, listed[s.ID], survey.Targets(*stored), survey.TargetCountry+"/"+survey.TargetGender)
	}

	stored.IsTester = true
	require.True(t, seeded[4].Targets(*stored))
}

func TestRecordScreeningAppendOnly(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	created, err := store.RecordScreening(ctx, &models.Screening{SurveyContractAddress: contract, ParticipantWalletAddress: walletA, TransactionHash: "0x1"})
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.RecordScreening(ctx, &models.Screening{SurveyContractAddress: contract, ParticipantWalletAddress: "0x52908400098527886e0f7030069857d2e4169ee7", TransactionHash: "0x2"})
	require.NoError(t, err)
	require.False(t, created)

	ok, err := store.HasScreening(ctx, contract, walletA)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.HasScreening(ctx, contract, walletB)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordDeliveryDetectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	fresh, err := store.RecordDelivery(ctx, &models.WebhookDelivery{Fingerprint: "abc", SubmissionID: "sub-1", Status: models.DeliveryCreated})
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = store.RecordDelivery(ctx, &models.WebhookDelivery{Fingerprint: "abc", SubmissionID: "sub-1", Status: models.DeliveryCreated})
	require.NoError(t, err)
	require.False(t, fresh)

	d, err := store.GetDelivery(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "sub-1", d.SubmissionID)
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	err := store.Transaction(ctx, func(tx *Store) error {
		seedParticipant(t, tx, walletA, "Kenya", "Female")
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.ParticipantByWallet(ctx, walletA)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "")
	require.Error(t, err)
	db, err := Open(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, New(db).Migrate())
}
