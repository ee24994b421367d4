package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// DateLayout 记录主键使用的日期格式。
	DateLayout = "2006-01-02"
	// ClockLayout 时刻字段使用的格式。
	ClockLayout = "15:04"
)

// Reflection 晨间回顾。
type Reflection struct {
	MorningFeeling int    `json:"morningFeeling" validate:"min=0,max=5"`
	WorkedWell     string `json:"workedWell,omitempty" validate:"max=1000"`
	Improve        string `json:"improve,omitempty" validate:"max=1000"`
	NextGoal       string `json:"nextGoal,omitempty" validate:"max=1000"`
}

// Record 单日睡眠记录，以 Date 为唯一键。
// UpdatedAt/UpdatedBy 是合并用的元数据；Deleted 为服务端保留的墓碑标记。
type Record struct {
	Date               string      `json:"date" validate:"required,datetime=2006-01-02"`
	BedInTime          string      `json:"bedInTime,omitempty" validate:"omitempty,datetime=15:04"`
	BedOutTime         string      `json:"bedOutTime,omitempty" validate:"omitempty,datetime=15:04"`
	Bedtime            string      `json:"bedtime" validate:"required,datetime=15:04"`
	WakeTime           string      `json:"wakeTime" validate:"required,datetime=15:04"`
	SleepHours         float64     `json:"sleepHours"`
	TimeInBed          float64     `json:"timeInBed"`
	SleepEfficiency    *float64    `json:"sleepEfficiency,omitempty"`
	SleepQuality       int         `json:"sleepQuality" validate:"min=0,max=5"`
	Notes              string      `json:"notes,omitempty" validate:"max=4000"`
	ChallengeCompleted bool        `json:"challengeCompleted"`
	Reflection         *Reflection `json:"reflection,omitempty"`
	UpdatedAt          time.Time   `json:"updatedAt"`
	UpdatedBy          string      `json:"updatedBy,omitempty"`
	Deleted            bool        `json:"deleted,omitempty"`
}

// Compute 依据时刻字段重新计算睡眠时长、在床时长和睡眠效率。
// 在床时长为 0 时睡眠效率保持为空。
func (r *Record) Compute() error {
	hours, err := HoursBetween(r.Bedtime, r.WakeTime)
	if err != nil {
		return err
	}
	r.SleepHours = hours

	r.TimeInBed = 0
	if r.BedInTime != "" && r.BedOutTime != "" {
		inBed, err := HoursBetween(r.BedInTime, r.BedOutTime)
		if err != nil {
			return err
		}
		r.TimeInBed = inBed
	}

	r.SleepEfficiency = nil
	if r.TimeInBed > 0 {
		eff := round2(r.SleepHours / r.TimeInBed * 100)
		r.SleepEfficiency = &eff
	}
	return nil
}

// Clone 深拷贝记录。
func (r Record) Clone() Record {
	out := r
	if r.SleepEfficiency != nil {
		eff := *r.SleepEfficiency
		out.SleepEfficiency = &eff
	}
	if r.Reflection != nil {
		ref := *r.Reflection
		out.Reflection = &ref
	}
	return out
}

// Day 将 Date 解析为 time.Time。
func (r Record) Day() (time.Time, error) {
	return time.Parse(DateLayout, r.Date)
}

// HoursBetween 计算两个 HH:MM 时刻之间的小时数；结束早于或等于开始时视为跨越午夜。
func HoursBetween(start, end string) (float64, error) {
	s, err := clockMinutes(start)
	if err != nil {
		return 0, err
	}
	e, err := clockMinutes(end)
	if err != nil {
		return 0, err
	}
	diff := e - s
	if diff <= 0 {
		diff += 24 * 60
	}
	return round2(float64(diff) / 60), nil
}

func clockMinutes(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: invalid clock time %q", ErrInvalid, value)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalid, value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalid, value)
	}
	return h*60 + m, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
