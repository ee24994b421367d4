package db

import (
	"time"

	"github.com/sleepset/internal/model"
)

// SleepRecord 服务端的单日睡眠记录。
// Date 采用唯一索引，保证按日期 upsert 幂等；删除只打墓碑（Deleted），
// 以便多设备合并时删除也能按 last-writer-wins 传播。
// ChangedAt/ChangedBy 是客户端写入时的时间戳与设备 ID。
type SleepRecord struct {
	ID                 uint              `gorm:"primaryKey"`
	Date               string            `gorm:"size:10;uniqueIndex;not null"`
	BedInTime          string            `gorm:"size:5"`
	BedOutTime         string            `gorm:"size:5"`
	Bedtime            string            `gorm:"size:5"`
	WakeTime           string            `gorm:"size:5"`
	SleepHours         float64
	TimeInBed          float64
	SleepEfficiency    *float64
	SleepQuality       int
	Notes              string            `gorm:"type:text"`
	ChallengeCompleted bool
	Reflection         *model.Reflection `gorm:"serializer:json"`
	Deleted            bool              `gorm:"index"`
	ChangedAt          time.Time
	ChangedBy          string `gorm:"size:64"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName 固定表名
func (SleepRecord) TableName() string {
	return "sleep_records"
}

// ToModel 转换为领域记录
func (r SleepRecord) ToModel() model.Record {
	rec := model.Record{
		Date:               r.Date,
		BedInTime:          r.BedInTime,
		BedOutTime:         r.BedOutTime,
		Bedtime:            r.Bedtime,
		WakeTime:           r.WakeTime,
		SleepHours:         r.SleepHours,
		TimeInBed:          r.TimeInBed,
		SleepEfficiency:    r.SleepEfficiency,
		SleepQuality:       r.SleepQuality,
		Notes:              r.Notes,
		ChallengeCompleted: r.ChallengeCompleted,
		Reflection:         r.Reflection,
		UpdatedAt:          r.ChangedAt,
		UpdatedBy:          r.ChangedBy,
		Deleted:            r.Deleted,
	}
	return rec.Clone()
}

// SleepRecordFromModel 由领域记录构造行，不带主键。
func SleepRecordFromModel(rec model.Record) SleepRecord {
	rec = rec.Clone()
	return SleepRecord{
		Date:               rec.Date,
		BedInTime:          rec.BedInTime,
		BedOutTime:         rec.BedOutTime,
		Bedtime:            rec.Bedtime,
		WakeTime:           rec.WakeTime,
		SleepHours:         rec.SleepHours,
		TimeInBed:          rec.TimeInBed,
		SleepEfficiency:    rec.SleepEfficiency,
		SleepQuality:       rec.SleepQuality,
		Notes:              rec.Notes,
		ChallengeCompleted: rec.ChallengeCompleted,
		Reflection:         rec.Reflection,
		Deleted:            rec.Deleted,
		ChangedAt:          rec.UpdatedAt,
		ChangedBy:          rec.UpdatedBy,
	}
}

// ProgramStateID 程序状态为单例行
const ProgramStateID = 1

// ProgramState 保存当前天数与用户设置（单例）。
type ProgramState struct {
	ID         uint           `gorm:"primaryKey"`
	CurrentDay int            `gorm:"default:1"`
	Settings   model.Settings `gorm:"serializer:json;type:text"`
	UpdatedAt  time.Time
}

// TableName 固定表名
func (ProgramState) TableName() string {
	return "program_state"
}
