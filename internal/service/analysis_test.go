package service

import (
	"testing"
	"time"

	"github.com/sleepset/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrend(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   string
	}{
		{name: "too short", values: []float64{1, 5}, want: TrendStable},
		{name: "improving", values: []float64{2, 2, 3, 4}, want: TrendImproving},
		{name: "worsening", values: []float64{8, 8, 6, 6}, want: TrendWorsening},
		{name: "within five percent", values: []float64{8, 8, 8.2, 8.1}, want: TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trend(tt.values))
		})
	}
}

func TestClockVarianceWrapsMidnight(t *testing.T) {
	assert.InDelta(t, 0, clockVariance([]string{"23:00", "23:00", "23:00"}), 0.001)
	assert.InDelta(t, 1200, clockVariance([]string{"23:30", "00:30", "23:30", "00:30"}), 0.001)
	assert.Zero(t, clockVariance([]string{"23:00"}))
}

func TestAnalyzeFactorsAndRecommendations(t *testing.T) {
	data := model.NewSleepData()
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		rec := model.Record{Date: start.AddDate(0, 0, i).Format(model.DateLayout), WakeTime: "07:00"}
		if i%2 == 0 {
			rec.Bedtime, rec.SleepQuality = "02:00", 2
		} else {
			rec.Bedtime, rec.SleepQuality = "22:30", 5
		}
		require.NoError(t, rec.Compute())
		data.Records = append(data.Records, rec)
	}
	data.Recompute()

	analysis, err := Analyze(data)
	require.NoError(t, err)

	factors := map[string]bool{}
	for _, f := range analysis.Factors {
		factors[f.Factor] = true
	}
	assert.True(t, factors["late_bedtime"])
	assert.True(t, factors["short_duration"])

	types := map[string]bool{}
	for _, r := range analysis.Recommendations {
		types[r.Type] = true
	}
	assert.True(t, types["consistency"])
	assert.True(t, types["sleep_debt"])
}

func TestAnalyzeNotEnoughData(t *testing.T) {
	data := model.NewSleepData()
	data.Records = append(data.Records, model.Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00"})
	_, err := Analyze(data)
	require.ErrorIs(t, err, ErrNotEnoughData)
}

func TestRenderNotes(t *testing.T) {
	html, err := RenderNotes("- 早く寝た\n- <b onclick=\"x()\">ok</b>")
	require.NoError(t, err)
	assert.Contains(t, html, "<li>早く寝た</li>")
	assert.NotContains(t, html, "onclick")

	assert.Equal(t, "a & b", SanitizeNotes(" a & b <img src=x onerror=alert(1)> "))
	assert.Equal(t, SanitizeNotes("a & b"), SanitizeNotes(SanitizeNotes("a & b")))
}
