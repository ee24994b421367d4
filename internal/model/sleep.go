package model

import (
	"sort"
	"time"
)

// SleepGoals 睡眠目标三元组。
type SleepGoals struct {
	Duration float64 `json:"duration" validate:"gt=0,lte=24"`
	Bedtime  string  `json:"bedtime" validate:"required,datetime=15:04"`
	WakeTime string  `json:"wakeTime" validate:"required,datetime=15:04"`
}

// Settings 用户设置，单例，保存时整体覆盖。
type Settings struct {
	IdealSleepTime  float64    `json:"idealSleepTime" validate:"gt=0,lte=24"`
	BedtimeReminder string     `json:"bedtimeReminder" validate:"omitempty,datetime=15:04"`
	StartDate       string     `json:"startDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	SleepGoals      SleepGoals `json:"sleepGoals"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	UpdatedBy       string     `json:"updatedBy,omitempty"`
}

// DefaultSettings 返回初始设置。
func DefaultSettings() Settings {
	return Settings{
		IdealSleepTime:  8,
		BedtimeReminder: "22:00",
		SleepGoals: SleepGoals{
			Duration: 8,
			Bedtime:  "23:00",
			WakeTime: "07:00",
		},
	}
}

// Statistics 由记录归约得到的统计值。
type Statistics struct {
	RecordCount          int     `json:"recordCount"`
	AverageSleepDuration float64 `json:"averageSleepDuration"`
	SleepDebt            float64 `json:"sleepDebt"`
	AverageQuality       float64 `json:"averageQuality"`
	SleepEfficiency      float64 `json:"sleepEfficiency"`
	GoalAchievement      float64 `json:"goalAchievement"`
}

// SleepData 睡眠域的完整状态。
type SleepData struct {
	Records    []Record   `json:"records"`
	CurrentDay int        `json:"currentDay"`
	Settings   Settings   `json:"settings"`
	Statistics Statistics `json:"statistics"`
}

// NewSleepData 返回空白的睡眠域状态。
func NewSleepData() SleepData {
	return SleepData{Records: []Record{}, CurrentDay: 1, Settings: DefaultSettings()}
}

// Clone 深拷贝。
func (d SleepData) Clone() SleepData {
	out := d
	out.Records = make([]Record, len(d.Records))
	for i, r := range d.Records {
		out.Records[i] = r.Clone()
	}
	return out
}

// Find 按日期查找未删除的记录。
func (d SleepData) Find(date string) (Record, bool) {
	for _, r := range d.Records {
		if r.Date == date && !r.Deleted {
			return r.Clone(), true
		}
	}
	return Record{}, false
}

// Upsert 以日期为键写入记录，同一日期只保留一条。
func (d *SleepData) Upsert(rec Record) {
	for i := range d.Records {
		if d.Records[i].Date == rec.Date {
			d.Records[i] = rec.Clone()
			d.Recompute()
			return
		}
	}
	d.Records = append(d.Records, rec.Clone())
	d.Recompute()
}

// Remove 删除指定日期的记录，返回是否存在。
func (d *SleepData) Remove(date string) bool {
	for i := range d.Records {
		if d.Records[i].Date == date {
			d.Records = append(d.Records[:i], d.Records[i+1:]...)
			d.Recompute()
			return true
		}
	}
	return false
}

// Recompute 按日期排序并刷新统计值。
func (d *SleepData) Recompute() {
	sort.SliceStable(d.Records, func(i, j int) bool {
		return d.Records[i].Date < d.Records[j].Date
	})
	if d.CurrentDay < 1 {
		d.CurrentDay = 1
	}
	d.Statistics = ComputeStatistics(d.Records, d.Settings.SleepGoals)
}

// ComputeStatistics 汇总平均时长、睡眠负债、平均质量、平均效率和目标达成率。
func ComputeStatistics(records []Record, goals SleepGoals) Statistics {
	var (
		stats          Statistics
		totalHours     float64
		totalQuality   float64
		totalEff       float64
		effCount       int
		achievedTarget int
	)
	for _, r := range records {
		if r.Deleted {
			continue
		}
		stats.RecordCount++
		totalHours += r.SleepHours
		totalQuality += float64(r.SleepQuality)
		if r.SleepEfficiency != nil {
			totalEff += *r.SleepEfficiency
			effCount++
		}
		if goals.Duration > 0 && r.SleepHours >= goals.Duration {
			achievedTarget++
		}
	}
	if stats.RecordCount == 0 {
		return stats
	}

	n := float64(stats.RecordCount)
	stats.AverageSleepDuration = round2(totalHours / n)
	stats.SleepDebt = round2(goals.Duration - stats.AverageSleepDuration)
	stats.AverageQuality = round2(totalQuality / n)
	if effCount > 0 {
		stats.SleepEfficiency = round2(totalEff / float64(effCount))
	}
	stats.GoalAchievement = round2(float64(achievedTarget) / n * 100)
	return stats
}

// SyncPayload 是 /api/sync 的请求与响应数据形状。
type SyncPayload struct {
	SleepData  []Record  `json:"sleepData"`
	CurrentDay int       `json:"currentDay"`
	Settings   *Settings `json:"settings,omitempty"`
}

// SyncPayloadFrom 从睡眠域状态构造同步载荷。
func SyncPayloadFrom(d SleepData) SyncPayload {
	settings := d.Settings
	clone := d.Clone()
	return SyncPayload{SleepData: clone.Records, CurrentDay: d.CurrentDay, Settings: &settings}
}

// ToSleepData 将同步载荷还原为睡眠域状态。
func (p SyncPayload) ToSleepData() SleepData {
	out := NewSleepData()
	out.Records = make([]Record, 0, len(p.SleepData))
	for _, r := range p.SleepData {
		out.Records = append(out.Records, r.Clone())
	}
	if p.CurrentDay > 0 {
		out.CurrentDay = p.CurrentDay
	}
	if p.Settings != nil {
		out.Settings = *p.Settings
	}
	out.Recompute()
	return out
}
