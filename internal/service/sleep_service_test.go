package service

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/sleepset/internal/db"
	"github.com/sleepset/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenServer(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(gdb) })
	return gdb
}

func newServices(t *testing.T) (*SleepService, *PetService) {
	gdb := setupServiceTestDB(t)
	pets := NewPetService(gdb).WithRand(rand.New(rand.NewSource(42)))
	return NewSleepService(gdb, pets), pets
}

func TestSleepServiceSaveRecordTieBreaksOnDevice(t *testing.T) {
	svc, _ := newServices(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)

	_, err := svc.SaveRecord(model.Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 2, UpdatedAt: at, UpdatedBy: "device-b"})
	require.NoError(t, err)
	data, err := svc.SaveRecord(model.Record{Date: "2024-03-01", Bedtime: "22:00", WakeTime: "07:00", SleepQuality: 5, UpdatedAt: at, UpdatedBy: "device-a"})
	require.NoError(t, err)
	assert.Equal(t, 2, data.Records[0].SleepQuality, "greater device id wins on equal timestamps")

	data, err = svc.SaveRecord(model.Record{Date: "2024-03-01", Bedtime: "22:00", WakeTime: "07:00", SleepQuality: 5, UpdatedAt: at, UpdatedBy: "device-c"})
	require.NoError(t, err)
	assert.Equal(t, 5, data.Records[0].SleepQuality)
	assert.Equal(t, 9.0, data.Records[0].SleepHours)
}

func TestSleepServiceSyncUnstampedRecordDoesNotOverwrite(t *testing.T) {
	svc, _ := newServices(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	_, err := svc.SaveRecord(model.Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 4, UpdatedAt: at})
	require.NoError(t, err)

	merged, err := svc.Sync(model.SyncPayload{SleepData: []model.Record{
		{Date: "2024-03-01", Bedtime: "01:00", WakeTime: "07:00", SleepQuality: 1},
		{Date: "2024-03-02", Bedtime: "23:30", WakeTime: "07:00", SleepQuality: 3},
	}})
	require.NoError(t, err)
	require.Len(t, merged.SleepData, 2)
	assert.Equal(t, 4, merged.SleepData[0].SleepQuality)
	assert.Equal(t, 7.5, merged.SleepData[1].SleepHours)
	assert.Equal(t, 1, merged.CurrentDay)
}

func TestSleepServiceSyncSettingsLastWriterWins(t *testing.T) {
	svc, _ := newServices(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)

	settings := model.DefaultSettings()
	settings.IdealSleepTime = 7
	settings.UpdatedAt = at
	_, err := svc.Sync(model.SyncPayload{Settings: &settings, CurrentDay: 4})
	require.NoError(t, err)

	stale := model.DefaultSettings()
	stale.IdealSleepTime = 9
	stale.UpdatedAt = at.Add(-time.Minute)
	merged, err := svc.Sync(model.SyncPayload{Settings: &stale, CurrentDay: 2})
	require.NoError(t, err)
	require.NotNil(t, merged.Settings)
	assert.Equal(t, 7.0, merged.Settings.IdealSleepTime)
	assert.Equal(t, 4, merged.CurrentDay, "current day only moves forward")
}

func TestSleepServiceSyncRejectsInvalidRecord(t *testing.T) {
	svc, _ := newServices(t)
	_, err := svc.Sync(model.SyncPayload{SleepData: []model.Record{
		{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 3, UpdatedAt: time.Now()},
		{Date: "03/02/2024", Bedtime: "23:00", WakeTime: "07:00", UpdatedAt: time.Now()},
	}})
	require.ErrorIs(t, err, model.ErrInvalid)

	data, err := svc.Data()
	require.NoError(t, err)
	assert.Empty(t, data.Records, "the whole merge is rolled back")
}

func TestSleepServiceDeleteThenRecreateFeedsAgain(t *testing.T) {
	svc, pets := newServices(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	rec := model.Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 3, UpdatedAt: at}

	_, err := svc.SaveRecord(rec)
	require.NoError(t, err)
	_, err = svc.DeleteRecord("2024-03-01", model.Stamp{UpdatedAt: at.Add(time.Minute)})
	require.NoError(t, err)
	_, err = svc.Record("2024-03-01")
	require.ErrorIs(t, err, ErrRecordNotFound)

	rec.UpdatedAt = at.Add(2 * time.Minute)
	_, err = svc.SaveRecord(rec)
	require.NoError(t, err)

	pet, err := pets.Get()
	require.NoError(t, err)
	assert.Equal(t, 12, pet.Exp)
}

func TestSleepServiceDeleteRejectsBadDate(t *testing.T) {
	svc, _ := newServices(t)
	_, err := svc.DeleteRecord("yesterday", model.Stamp{})
	require.ErrorIs(t, err, model.ErrInvalid)
}

func TestSleepServiceUpdateSettingsStampsMissingTime(t *testing.T) {
	svc, _ := newServices(t)
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	settings := model.DefaultSettings()
	settings.BedtimeReminder = "21:30"
	data, err := svc.UpdateSettings(settings)
	require.NoError(t, err)
	assert.Equal(t, "21:30", data.Settings.BedtimeReminder)
	assert.True(t, data.Settings.UpdatedAt.Equal(fixed))

	goals, err := svc.Goals()
	require.NoError(t, err)
	assert.Equal(t, 8.0, goals.Duration)
}

func TestPetServiceActivityRefusedLeavesStateUntouched(t *testing.T) {
	_, pets := newServices(t)
	energy := 10
	_, err := pets.Update(model.PetUpdate{PetPatch: model.PetPatch{Energy: &energy}})
	require.NoError(t, err)
	before, err := pets.Get()
	require.NoError(t, err)

	pet, result, err := pets.Activity(model.ActivityRequest{Activity: "adventure", Stamp: model.Stamp{UpdatedAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, before, pet)
}

func TestPetServiceAdventureUsesInjectedRand(t *testing.T) {
	gdb := setupServiceTestDB(t)
	a := NewPetService(gdb).WithRand(rand.New(rand.NewSource(7)))
	var rewards int
	for i := 0; i < 10; i++ {
		_, result, err := a.Activity(model.ActivityRequest{Activity: "rest"})
		require.NoError(t, err)
		require.True(t, result.Success)
		_, result, err = a.Activity(model.ActivityRequest{Activity: "adventure"})
		require.NoError(t, err)
		rewards += len(result.Rewards)
	}
	pet, err := a.Get()
	require.NoError(t, err)
	assert.Equal(t, rewards, len(pet.Items)+len(pet.DiscoveredPlaces))
	assert.Greater(t, pet.Level, 1)
}

func TestPetServiceUseItem(t *testing.T) {
	gdb := setupServiceTestDB(t)
	pets := NewPetService(gdb)
	seeded := model.NewPetState()
	seeded.Energy = 40
	seeded.Items = []model.Item{{ID: "sleep_crystal", Name: "睡眠クリスタル", Effect: "energy+10", Rarity: model.RarityCommon}}
	require.NoError(t, pets.save(gdb, seeded))

	pet, result, err := pets.UseItem("sleep_crystal", model.Stamp{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 50, pet.Energy)
	assert.Empty(t, pet.Items)
	assert.False(t, pet.UpdatedAt.IsZero())

	_, _, err = pets.UseItem("sleep_crystal", model.Stamp{})
	require.ErrorIs(t, err, model.ErrItemNotFound)
}

func TestSleepServiceSyncKeepsNewerTombstone(t *testing.T) {
	svc, pets := newServices(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	rec := model.Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 3, UpdatedAt: at, UpdatedBy: "device-a"}

	_, err := svc.SaveRecord(rec)
	require.NoError(t, err)
	_, err = svc.DeleteRecord("2024-03-01", model.Stamp{UpdatedAt: at.Add(time.Minute), UpdatedBy: "device-b"})
	require.NoError(t, err)

	// 删除前的旧副本不能让记录复活
	merged, err := svc.Sync(model.SyncPayload{SleepData: []model.Record{rec}})
	require.NoError(t, err)
	assert.Empty(t, merged.SleepData)

	pet, err := pets.Get()
	require.NoError(t, err)
	assert.Equal(t, 6, pet.Exp)
}

func TestSleepServiceSyncAppliesIncomingTombstone(t *testing.T) {
	svc, _ := newServices(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	rec := model.Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 3, UpdatedAt: at}
	_, err := svc.SaveRecord(rec)
	require.NoError(t, err)

	tomb := rec
	tomb.Deleted = true
	tomb.UpdatedAt = at.Add(time.Minute)
	merged, err := svc.Sync(model.SyncPayload{SleepData: []model.Record{tomb}})
	require.NoError(t, err)
	assert.Empty(t, merged.SleepData)
	_, err = svc.Record("2024-03-01")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSleepServiceSyncThenReplayFeedsOnce(t *testing.T) {
	svc, pets := newServices(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	rec := model.Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 3, UpdatedAt: at, UpdatedBy: "device-a"}

	_, err := svc.Sync(model.SyncPayload{SleepData: []model.Record{rec}})
	require.NoError(t, err)
	_, err = svc.Sync(model.SyncPayload{SleepData: []model.Record{rec}})
	require.NoError(t, err)
	data, err := svc.SaveRecord(rec)
	require.NoError(t, err)
	require.Len(t, data.Records, 1)

	pet, err := pets.Get()
	require.NoError(t, err)
	assert.Equal(t, 6, pet.Exp, "same stamped record feeds the pet only once")
}

func TestSleepServiceAdvanceDayRestsPet(t *testing.T) {
	svc, pets := newServices(t)
	energy := 40
	_, err := pets.Update(model.PetUpdate{PetPatch: model.PetPatch{Energy: &energy}})
	require.NoError(t, err)

	data, err := svc.AdvanceDay(model.Stamp{UpdatedAt: time.Now().Add(time.Hour), UpdatedBy: "device-a"})
	require.NoError(t, err)
	assert.Equal(t, 2, data.CurrentDay)

	data, err = svc.AdvanceDay(model.Stamp{})
	require.NoError(t, err)
	assert.Equal(t, 3, data.CurrentDay)

	pet, err := pets.Get()
	require.NoError(t, err)
	assert.Equal(t, 100, pet.Energy)
}

func TestPetServiceUpdateIgnoresStalePatch(t *testing.T) {
	_, pets := newServices(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	mood := 30
	_, err := pets.Update(model.PetUpdate{PetPatch: model.PetPatch{Mood: &mood}, Stamp: model.Stamp{UpdatedAt: at, UpdatedBy: "device-b"}})
	require.NoError(t, err)

	stale := 90
	pet, err := pets.Update(model.PetUpdate{PetPatch: model.PetPatch{Mood: &stale}, Stamp: model.Stamp{UpdatedAt: at.Add(-time.Minute), UpdatedBy: "device-a"}})
	require.NoError(t, err)
	assert.Equal(t, 30, pet.Mood)
	assert.Equal(t, "device-b", pet.UpdatedBy)

	pet, err = pets.Update(model.PetUpdate{PetPatch: model.PetPatch{Mood: &stale}, Stamp: model.Stamp{UpdatedAt: at, UpdatedBy: "device-c"}})
	require.NoError(t, err)
	assert.Equal(t, 90, pet.Mood, "equal time falls back to device id")
}

func TestPetServiceInterpretDream(t *testing.T) {
	gdb := setupServiceTestDB(t)
	pets := NewPetService(gdb)

	before, err := pets.Get()
	require.NoError(t, err)
	pet, result, err := pets.InterpretDream(model.DreamRequest{Dream: "暗い森で迷う夢"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, before, pet)

	seeded := model.NewPetState()
	seeded.AddExp(60)
	require.NoError(t, pets.save(gdb, seeded))
	pet, result, err = pets.InterpretDream(model.DreamRequest{Dream: "暗い森で迷う夢"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Interpretation, "不安")
	assert.Equal(t, seeded.Friendship+1, pet.Friendship)

	_, _, err = pets.InterpretDream(model.DreamRequest{Dream: "  "})
	require.ErrorIs(t, err, model.ErrInvalid)
}
