package service

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sleepset/internal/model"
)

// ErrNotEnoughData 记录不足以做趋势分析
var ErrNotEnoughData = errors.New("not enough data for analysis")

// MinAnalysisRecords 分析所需的最少记录数
const MinAnalysisRecords = 7

// 趋势方向
const (
	TrendImproving = "improving"
	TrendWorsening = "worsening"
	TrendStable    = "stable"
)

// Analysis 睡眠模式分析结果
type Analysis struct {
	Trends          Trends           `json:"trends"`
	Comparison      Comparison       `json:"comparison"`
	Factors         []Factor         `json:"factors"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Trends 最近 7 条记录的质量与时长趋势
type Trends struct {
	Quality  string `json:"quality"`
	Duration string `json:"duration"`
}

// PeriodAverage 一组记录的平均时长与质量
type PeriodAverage struct {
	AvgDuration float64 `json:"avgDuration"`
	AvgQuality  float64 `json:"avgQuality"`
}

// Comparison 工作日与周末对比（最近 30 条记录）
type Comparison struct {
	Weekday PeriodAverage `json:"weekday"`
	Weekend PeriodAverage `json:"weekend"`
}

// Factor 影响睡眠质量的因素
type Factor struct {
	Factor      string `json:"factor"`
	Impact      string `json:"impact"`
	Description string `json:"description"`
}

// Recommendation 个性化建议
type Recommendation struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
}

// Analyze 对有效记录做趋势、对比、因素与建议分析
func Analyze(data model.SleepData) (Analysis, error) {
	records := data.Live().Records
	if len(records) < MinAnalysisRecords {
		return Analysis{}, fmt.Errorf("%w: %d of %d records", ErrNotEnoughData, len(records), MinAnalysisRecords)
	}

	recent := records[len(records)-MinAnalysisRecords:]
	month := records
	if len(month) > 30 {
		month = month[len(month)-30:]
	}

	qualities := make([]float64, 0, len(recent))
	durations := make([]float64, 0, len(recent))
	for _, r := range recent {
		qualities = append(qualities, float64(r.SleepQuality))
		durations = append(durations, r.SleepHours)
	}

	var weekday, weekend []model.Record
	for _, r := range month {
		day, err := r.Day()
		if err != nil {
			continue
		}
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			weekend = append(weekend, r)
		} else {
			weekday = append(weekday, r)
		}
	}

	stats := model.ComputeStatistics(records, data.Settings.SleepGoals)
	return Analysis{
		Trends: Trends{
			Quality:  trend(qualities),
			Duration: trend(durations),
		},
		Comparison: Comparison{
			Weekday: average(weekday),
			Weekend: average(weekend),
		},
		Factors:         sleepFactors(records),
		Recommendations: recommendations(stats, recent),
	}, nil
}

// trend 比较前后两半的均值，变化超过 5% 视为改善或恶化
func trend(values []float64) string {
	if len(values) < 3 {
		return TrendStable
	}
	half := len(values) / 2
	first := mean(values[:half])
	second := mean(values[half:])
	switch {
	case second > first*1.05:
		return TrendImproving
	case second < first*0.95:
		return TrendWorsening
	default:
		return TrendStable
	}
}

func average(records []model.Record) PeriodAverage {
	if len(records) == 0 {
		return PeriodAverage{}
	}
	var hours, quality float64
	for _, r := range records {
		hours += r.SleepHours
		quality += float64(r.SleepQuality)
	}
	n := float64(len(records))
	return PeriodAverage{
		AvgDuration: math.Round(hours/n*100) / 100,
		AvgQuality:  math.Round(quality/n*100) / 100,
	}
}

func sleepFactors(records []model.Record) []Factor {
	factors := []Factor{}

	var late, early, short, long []float64
	for _, r := range records {
		q := float64(r.SleepQuality)
		if isLateBedtime(r.Bedtime) {
			late = append(late, q)
		} else {
			early = append(early, q)
		}
		if r.SleepHours < 7 {
			short = append(short, q)
		} else {
			long = append(long, q)
		}
	}

	if len(late) > 0 && len(early) > 0 && mean(late) < mean(early)*0.9 {
		factors = append(factors, Factor{
			Factor:      "late_bedtime",
			Impact:      "negative",
			Description: "遅い就寝時間は睡眠の質を下げる傾向があります。",
		})
	}
	if len(short) > 0 && len(long) > 0 && mean(short) < mean(long)*0.9 {
		factors = append(factors, Factor{
			Factor:      "short_duration",
			Impact:      "negative",
			Description: "短い睡眠時間は睡眠の質を下げる傾向があります。",
		})
	}
	return factors
}

func recommendations(stats model.Statistics, recent []model.Record) []Recommendation {
	out := []Recommendation{}
	if stats.SleepDebt > 1 {
		out = append(out, Recommendation{
			Type:        "sleep_debt",
			Priority:    "high",
			Description: fmt.Sprintf("睡眠負債が%.1f時間あります。毎日の睡眠時間を30分増やすことを目指しましょう。", stats.SleepDebt),
		})
	}
	if stats.SleepEfficiency > 0 && stats.SleepEfficiency < 85 {
		out = append(out, Recommendation{
			Type:        "sleep_efficiency",
			Priority:    "medium",
			Description: "睡眠効率が低いです。ベッドに入る前にリラックスする時間を設け、ベッドではすぐに眠るようにしましょう。",
		})
	}

	bedtimes := make([]string, 0, len(recent))
	wakeTimes := make([]string, 0, len(recent))
	for _, r := range recent {
		bedtimes = append(bedtimes, r.Bedtime)
		wakeTimes = append(wakeTimes, r.WakeTime)
	}
	if clockVariance(bedtimes) > 60 || clockVariance(wakeTimes) > 60 {
		out = append(out, Recommendation{
			Type:        "consistency",
			Priority:    "high",
			Description: "就寝時間と起床時間が一定ではありません。毎日同じ時間に寝て起きることで、睡眠の質が向上します。",
		})
	}
	return out
}

// isLateBedtime 00:00–05:59 的就寝视为过晚
func isLateBedtime(clock string) bool {
	t, err := time.Parse(model.ClockLayout, clock)
	if err != nil {
		return false
	}
	return t.Hour() < 6
}

// clockVariance 计算时刻（分钟）的样本方差，相邻两项跨越午夜时按 24 小时修正
func clockVariance(clocks []string) float64 {
	minutes := make([]float64, 0, len(clocks))
	for _, c := range clocks {
		t, err := time.Parse(model.ClockLayout, c)
		if err != nil {
			continue
		}
		minutes = append(minutes, float64(t.Hour()*60+t.Minute()))
	}
	for i := 1; i < len(minutes); i++ {
		if math.Abs(minutes[i]-minutes[i-1]) > 12*60 {
			if minutes[i] < minutes[i-1] {
				minutes[i] += 24 * 60
			} else {
				minutes[i-1] += 24 * 60
			}
		}
	}
	if len(minutes) < 2 {
		return 0
	}
	m := mean(minutes)
	var sum float64
	for _, v := range minutes {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(minutes)-1)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
