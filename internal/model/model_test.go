package model

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoursBetween(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		want  float64
	}{
		{name: "overnight", start: "23:00", end: "07:00", want: 8},
		{name: "after midnight", start: "00:30", end: "07:00", want: 6.5},
		{name: "same day nap", start: "13:00", end: "14:30", want: 1.5},
		{name: "early evening to morning", start: "22:00", end: "06:00", want: 8},
		{name: "quarter hour before midnight", start: "23:30", end: "23:45", want: 0.25},
		{name: "same time is a full day", start: "07:00", end: "07:00", want: 24},
		{name: "rounded to two places", start: "23:00", end: "06:50", want: 7.83},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HoursBetween(tt.start, tt.end)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}

	_, err := HoursBetween("25:00", "07:00")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestRecordComputeEfficiency(t *testing.T) {
	rec := Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00"}
	require.NoError(t, rec.Compute())
	assert.Equal(t, 8.0, rec.SleepHours)
	assert.Nil(t, rec.SleepEfficiency, "efficiency is undefined without time in bed")

	rec.BedInTime = "22:30"
	rec.BedOutTime = "07:30"
	require.NoError(t, rec.Compute())
	assert.Equal(t, 9.0, rec.TimeInBed)
	require.NotNil(t, rec.SleepEfficiency)
	assert.InDelta(t, 88.89, *rec.SleepEfficiency, 0.001)
}

func TestRecordValidate(t *testing.T) {
	ok := Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 4}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.SleepQuality = 6
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "sleepQuality")

	bad = ok
	bad.Date = "03/01/2024"
	assert.Error(t, bad.Validate())
}

func TestSleepDataUpsertKeepsOneRecordPerDate(t *testing.T) {
	data := NewSleepData()
	data.Upsert(Record{Date: "2024-03-02", SleepHours: 7, SleepQuality: 3})
	data.Upsert(Record{Date: "2024-03-01", SleepHours: 8, SleepQuality: 5})
	data.Upsert(Record{Date: "2024-03-02", SleepHours: 6, SleepQuality: 2})

	require.Len(t, data.Records, 2)
	assert.Equal(t, "2024-03-01", data.Records[0].Date)
	assert.Equal(t, 6.0, data.Records[1].SleepHours)
	assert.Equal(t, 7.0, data.Statistics.AverageSleepDuration)
	assert.Equal(t, 1.0, data.Statistics.SleepDebt)
	assert.Equal(t, 50.0, data.Statistics.GoalAchievement)

	assert.True(t, data.Remove("2024-03-01"))
	assert.False(t, data.Remove("2024-03-01"))
	assert.Equal(t, 1, data.Statistics.RecordCount)
}

func TestMergeSleepLastWriterWins(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	server := NewSleepData()
	server.Records = []Record{
		{Date: "2024-03-01", SleepQuality: 2, UpdatedAt: base, UpdatedBy: "phone"},
		{Date: "2024-03-02", SleepQuality: 3, UpdatedAt: base.Add(time.Hour), UpdatedBy: "phone"},
	}
	server.CurrentDay = 4

	incoming := NewSleepData()
	incoming.Records = []Record{
		{Date: "2024-03-01", SleepQuality: 5, UpdatedAt: base.Add(time.Minute), UpdatedBy: "tablet"},
		{Date: "2024-03-02", SleepQuality: 1, UpdatedAt: base, UpdatedBy: "tablet"},
		{Date: "2024-03-03", SleepQuality: 4, UpdatedAt: base, UpdatedBy: "tablet"},
	}
	incoming.CurrentDay = 2
	incoming.Settings.IdealSleepTime = 7
	incoming.Settings.UpdatedAt = base

	merged := MergeSleep(server, incoming)
	require.Len(t, merged.Records, 3)
	assert.Equal(t, 5, merged.Records[0].SleepQuality, "newer incoming edit wins")
	assert.Equal(t, 3, merged.Records[1].SleepQuality, "newer server edit wins")
	assert.Equal(t, 4, merged.Records[2].SleepQuality)
	assert.Equal(t, 4, merged.CurrentDay)
	assert.Equal(t, 7.0, merged.Settings.IdealSleepTime)

	reversed := MergeSleep(incoming, server)
	assert.Equal(t, merged.Records, reversed.Records, "merge is order independent")
}

func TestMergeSleepTieBreakAndTombstone(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	server := NewSleepData()
	server.Records = []Record{{Date: "2024-03-01", SleepQuality: 2, UpdatedAt: at, UpdatedBy: "a"}}

	incoming := NewSleepData()
	incoming.Records = []Record{{Date: "2024-03-01", SleepQuality: 4, UpdatedAt: at, UpdatedBy: "b"}}
	merged := MergeSleep(server, incoming)
	assert.Equal(t, 4, merged.Records[0].SleepQuality, "equal timestamps resolved by device id")

	tomb := NewSleepData()
	tomb.Records = []Record{{Date: "2024-03-01", Deleted: true, UpdatedAt: at.Add(time.Second), UpdatedBy: "a"}}
	merged = MergeSleep(merged, tomb)
	assert.True(t, merged.Records[0].Deleted)
	assert.Empty(t, merged.Live().Records)

	stale := NewSleepData()
	stale.Records = []Record{{Date: "2024-03-01", SleepQuality: 1, UpdatedAt: at, UpdatedBy: "z"}}
	merged = MergeSleep(merged, stale)
	assert.True(t, merged.Records[0].Deleted, "older write does not resurrect a deleted record")
}

func TestMergePetWholeStateLWW(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	server := NewPetState()
	server.Mood, server.UpdatedAt, server.UpdatedBy = 60, at, "phone"
	incoming := NewPetState()
	incoming.Mood, incoming.UpdatedAt, incoming.UpdatedBy = 90, at.Add(-time.Second), "tablet"

	assert.Equal(t, 60, MergePet(server, incoming).Mood)
	incoming.UpdatedAt = at
	assert.Equal(t, 90, MergePet(server, incoming).Mood, "tablet sorts after phone")
}

func TestAdoptSleepKeepsPendingKeys(t *testing.T) {
	local := NewSleepData()
	local.Records = []Record{
		{Date: "2024-03-01", SleepQuality: 5},
		{Date: "2024-03-05", SleepQuality: 1},
	}
	local.Settings.IdealSleepTime = 9

	canonical := NewSleepData()
	canonical.Records = []Record{
		{Date: "2024-03-01", SleepQuality: 3},
		{Date: "2024-03-02", SleepQuality: 2},
	}

	adopted := AdoptSleep(local, canonical, map[string]bool{"2024-03-05": true})
	require.Len(t, adopted.Records, 3)
	assert.Equal(t, 3, adopted.Records[0].SleepQuality, "server wins on conflict")
	assert.Equal(t, "2024-03-05", adopted.Records[2].Date)
	assert.Equal(t, 8.0, adopted.Settings.IdealSleepTime)

	adopted = AdoptSleep(local, canonical, map[string]bool{KeySettings: true})
	assert.Equal(t, 9.0, adopted.Settings.IdealSleepTime)

	local.CurrentDay, canonical.CurrentDay = 4, 3
	assert.Equal(t, 3, AdoptSleep(local, canonical, nil).CurrentDay)
	assert.Equal(t, 4, AdoptSleep(local, canonical, map[string]bool{KeyDay: true}).CurrentDay)
}

func TestPetLevelUpAndEvolution(t *testing.T) {
	pet := NewPetState()
	assert.True(t, pet.AddExp(20))
	assert.Equal(t, 2, pet.Level)
	assert.Equal(t, 0, pet.Exp)

	pet.AddExp(40 + 60 + 80)
	assert.Equal(t, 5, pet.Level)
	assert.Equal(t, 2, pet.EvolutionStage)

	ids := map[string]bool{}
	for _, s := range pet.Skills {
		assert.False(t, ids[s.ID], "skills are unique")
		ids[s.ID] = true
	}
	assert.True(t, ids["dream_decode"])
	assert.True(t, ids["healing_light"])
}

func TestPetActivities(t *testing.T) {
	pet := NewPetState()
	res, err := pet.PerformActivity(ActivityPlay, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 95, pet.Mood)
	assert.Equal(t, 90, pet.Energy)

	pet.Energy = 10
	res, err = pet.PerformActivity(ActivityAdventure, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 10, pet.Energy)

	_, err = pet.PerformActivity("dance", nil)
	assert.True(t, errors.Is(err, ErrUnknownActivity))

	pet.Energy = 100
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 4; i++ {
		pet.Energy = 100
		_, err := pet.PerformActivity(ActivityAdventure, rng)
		require.NoError(t, err)
	}
	for _, item := range pet.Items {
		assert.NotEmpty(t, item.Rarity)
	}
}

func TestPetUseItem(t *testing.T) {
	pet := NewPetState()
	pet.Mood = 50
	pet.Items = []Item{{ID: "moon_fragment", Name: "月の欠片", Effect: "energy+20,mood+10", Rarity: RarityRare}}
	pet.Energy = 50

	res, err := pet.UseItem("moon_fragment")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 70, pet.Energy)
	assert.Equal(t, 60, pet.Mood)
	assert.Empty(t, pet.Items)

	_, err = pet.UseItem("moon_fragment")
	assert.True(t, errors.Is(err, ErrItemNotFound))
}

func TestDomainTags(t *testing.T) {
	assert.Equal(t, "sync-sleep-data", DomainSleep.Tag())
	assert.Equal(t, "sync-sleepen-data", DomainPet.Tag())

	d, ok := DomainFromTag("sync-sleepen-data")
	assert.True(t, ok)
	assert.Equal(t, DomainPet, d)

	assert.Equal(t, DomainPet, DomainForPath("/api/sleepen/activity"))
	assert.Equal(t, DomainSleep, DomainForPath("/api/sleep/record"))

	_, err := ParseDomain("weather")
	assert.Error(t, err)
}

func TestPetRestHealingLightBonus(t *testing.T) {
	pet := NewPetState()
	pet.Energy = 20
	pet.Rest()
	assert.Equal(t, 50, pet.Energy)

	pet.AddExp(200)
	require.True(t, pet.HasSkill(skillHealingLight))
	pet.Energy = 20
	pet.Rest()
	assert.Equal(t, 60, pet.Energy)
}

func TestPetInterpretDream(t *testing.T) {
	pet := NewPetState()
	before := pet.Clone()
	result, err := pet.InterpretDream("空を飛ぶ夢")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, before, pet)

	pet.AddExp(60)
	require.True(t, pet.HasSkill(skillDreamDecode))
	friendship := pet.Friendship

	_, err = pet.InterpretDream(" ")
	require.True(t, errors.Is(err, ErrInvalid))

	tests := []struct {
		dream string
		want  string
	}{
		{dream: "空を飛ぶ夢", want: "希望"},
		{dream: "暗い道で追いかけられる", want: "不安"},
		{dream: "知らない町", want: "複雑"},
	}
	for _, tt := range tests {
		result, err := pet.InterpretDream(tt.dream)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Contains(t, result.Interpretation, tt.want, tt.dream)
	}
	assert.Equal(t, friendship+3, pet.Friendship)
}
