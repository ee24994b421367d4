package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sleepset/internal/db"
	"github.com/sleepset/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRecordNotFound 指定日期没有有效记录
var ErrRecordNotFound = errors.New("sleep record not found")

// SleepService 负责睡眠域的持久化与合并。
// 记录按日期 upsert，同一日期以 last-writer-wins 决定是否覆盖；
// 删除与重置只写墓碑，让其他设备的旧写入无法复活被删除的记录。
type SleepService struct {
	db   *gorm.DB
	pets *PetService
	now  func() time.Time
}

// NewSleepService 构造 SleepService。pets 用于新记录喂养宠物，并与其共用写锁。
func NewSleepService(gdb *gorm.DB, pets *PetService) *SleepService {
	if pets == nil {
		pets = NewPetService(gdb)
	}
	return &SleepService{db: gdb, pets: pets, now: time.Now}
}

// Data 返回对外可见的睡眠域状态（不含墓碑）
func (s *SleepService) Data() (model.SleepData, error) {
	data, err := s.load(s.db)
	if err != nil {
		return model.SleepData{}, err
	}
	return data.Live(), nil
}

// Record 按日期返回记录
func (s *SleepService) Record(date string) (model.Record, error) {
	var row db.SleepRecord
	err := s.db.Where("date = ? AND deleted = ?", date, false).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, date)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get record %s: %w", date, err)
	}
	return row.ToModel(), nil
}

// SaveRecord 新增或覆盖一条记录。同日期已有更新的写入时本次写入被忽略，
// 但仍返回当前状态，保证重放同一请求的结果一致。
func (s *SleepService) SaveRecord(rec model.Record) (model.SleepData, error) {
	rec.UpdatedAt = s.fill(model.Stamp{UpdatedAt: rec.UpdatedAt}).UpdatedAt
	return s.write(func(tx *gorm.DB) error {
		_, err := s.applyRecord(tx, rec, true)
		return err
	})
}

// UpdateRecord 更新已存在的记录
func (s *SleepService) UpdateRecord(date string, rec model.Record) (model.SleepData, error) {
	rec.Date = date
	rec.UpdatedAt = s.fill(model.Stamp{UpdatedAt: rec.UpdatedAt}).UpdatedAt
	return s.write(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&db.SleepRecord{}).Where("date = ? AND deleted = ?", date, false).Count(&count).Error; err != nil {
			return fmt.Errorf("find record %s: %w", date, err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, date)
		}
		_, err := s.applyRecord(tx, rec, false)
		return err
	})
}

// DeleteRecord 为指定日期写入墓碑。日期未知时同样写入墓碑，重复删除视为成功。
func (s *SleepService) DeleteRecord(date string, stamp model.Stamp) (model.SleepData, error) {
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return model.SleepData{}, fmt.Errorf("%w: invalid date %q", model.ErrInvalid, date)
	}
	stamp = s.fill(stamp)
	return s.write(func(tx *gorm.DB) error {
		var row db.SleepRecord
		err := tx.Where("date = ?", date).First(&row).Error
		tomb := model.Record{Date: date}
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return fmt.Errorf("find record %s: %w", date, err)
		default:
			tomb = row.ToModel()
		}
		tomb.Deleted = true
		tomb.UpdatedAt = stamp.UpdatedAt
		tomb.UpdatedBy = stamp.UpdatedBy
		if err == nil && !tomb.Supersedes(row.ToModel()) {
			return nil
		}
		return saveRecord(tx, tomb)
	})
}

// Goals 返回睡眠目标
func (s *SleepService) Goals() (model.SleepGoals, error) {
	program, err := s.program(s.db)
	if err != nil {
		return model.SleepGoals{}, err
	}
	return program.Settings.SleepGoals, nil
}

// UpdateGoals 修改目标，按设置的时间戳做 LWW
func (s *SleepService) UpdateGoals(req model.GoalsUpdate) (model.SleepData, error) {
	if err := req.SleepGoals.Validate(); err != nil {
		return model.SleepData{}, err
	}
	stamp := s.fill(req.Stamp)
	return s.write(func(tx *gorm.DB) error {
		program, err := s.program(tx)
		if err != nil {
			return err
		}
		next := program.Settings
		next.SleepGoals = req.SleepGoals
		next.UpdatedAt = stamp.UpdatedAt
		next.UpdatedBy = stamp.UpdatedBy
		if !next.Supersedes(program.Settings) {
			return nil
		}
		program.Settings = next
		return saveProgram(tx, program)
	})
}

// UpdateSettings 整体覆盖设置
func (s *SleepService) UpdateSettings(settings model.Settings) (model.SleepData, error) {
	if err := settings.Validate(); err != nil {
		return model.SleepData{}, err
	}
	stamp := s.fill(model.Stamp{UpdatedAt: settings.UpdatedAt, UpdatedBy: settings.UpdatedBy})
	settings.UpdatedAt = stamp.UpdatedAt
	return s.write(func(tx *gorm.DB) error {
		program, err := s.program(tx)
		if err != nil {
			return err
		}
		if !settings.Supersedes(program.Settings) {
			return nil
		}
		program.Settings = settings
		return saveProgram(tx, program)
	})
}

// Statistics 返回统计值
func (s *SleepService) Statistics() (model.Statistics, error) {
	data, err := s.Data()
	if err != nil {
		return model.Statistics{}, err
	}
	return data.Statistics, nil
}

// Analysis 返回趋势与工作日/周末对比，至少需要 7 条记录
func (s *SleepService) Analysis() (Analysis, error) {
	data, err := s.Data()
	if err != nil {
		return Analysis{}, err
	}
	return Analyze(data)
}

// Sync 把客户端上送的完整状态与服务端状态（含墓碑）做 MergeSleep，
// 只写回被覆盖的行，返回合并后的状态。
// 同一载荷重复提交结果不变；没有时间戳的记录不会覆盖已有记录。
func (s *SleepService) Sync(payload model.SyncPayload) (model.SyncPayload, error) {
	incoming := payload.ToSleepData()
	for i := range incoming.Records {
		if incoming.Records[i].Deleted {
			continue
		}
		if err := prepare(&incoming.Records[i]); err != nil {
			return model.SyncPayload{}, err
		}
	}
	// 未上送设置时不参与合并
	if payload.Settings == nil {
		incoming.Settings = model.Settings{}
	}

	data, err := s.write(func(tx *gorm.DB) error {
		current, err := s.load(tx)
		if err != nil {
			return err
		}
		merged := model.MergeSleep(current, incoming)

		before := make(map[string]model.Record, len(current.Records))
		for _, r := range current.Records {
			before[r.Date] = r
		}
		for _, rec := range merged.Records {
			prev, existed := before[rec.Date]
			if existed && !rec.Supersedes(prev) {
				continue
			}
			if err := saveRecord(tx, rec); err != nil {
				return err
			}
			if !rec.Deleted && (!existed || prev.Deleted) {
				stamp := model.Stamp{UpdatedAt: rec.UpdatedAt, UpdatedBy: rec.UpdatedBy}
				if err := s.pets.feedSleep(tx, rec.SleepQuality, rec.SleepHours, stamp); err != nil {
					return err
				}
			}
		}

		if !merged.Settings.Supersedes(current.Settings) && merged.CurrentDay == current.CurrentDay {
			return nil
		}
		if merged.Settings.Supersedes(current.Settings) {
			if err := merged.Settings.Validate(); err != nil {
				return err
			}
		}
		program, err := s.program(tx)
		if err != nil {
			return err
		}
		program.Settings = merged.Settings
		program.CurrentDay = merged.CurrentDay
		return saveProgram(tx, program)
	})
	if err != nil {
		return model.SyncPayload{}, err
	}
	return model.SyncPayloadFrom(data), nil
}

// AdvanceDay 进入下一天（没有上限），宠物随之休息一次。
// 重放依赖 Idempotency-Key 去重。
func (s *SleepService) AdvanceDay(stamp model.Stamp) (model.SleepData, error) {
	stamp = s.fill(stamp)
	return s.write(func(tx *gorm.DB) error {
		program, err := s.program(tx)
		if err != nil {
			return err
		}
		program.CurrentDay++
		if err := saveProgram(tx, program); err != nil {
			return err
		}
		return s.pets.restForNewDay(tx, stamp)
	})
}

// Reset 把全部记录标记为删除并回到第 1 天，设置保留
func (s *SleepService) Reset(stamp model.Stamp) (model.SleepData, error) {
	stamp = s.fill(stamp)
	return s.write(func(tx *gorm.DB) error {
		var rows []db.SleepRecord
		if err := tx.Where("deleted = ?", false).Find(&rows).Error; err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		for _, row := range rows {
			tomb := row.ToModel()
			tomb.Deleted = true
			tomb.UpdatedAt = stamp.UpdatedAt
			tomb.UpdatedBy = stamp.UpdatedBy
			if !tomb.Supersedes(row.ToModel()) {
				continue
			}
			if err := saveRecord(tx, tomb); err != nil {
				return err
			}
		}
		program, err := s.program(tx)
		if err != nil {
			return err
		}
		program.CurrentDay = 1
		return saveProgram(tx, program)
	})
}

// applyRecord 以 LWW 写入一条记录；feed 为真且该日期此前没有有效记录时喂养宠物。
// 返回本次写入是否生效。
func (s *SleepService) applyRecord(tx *gorm.DB, rec model.Record, feed bool) (bool, error) {
	if !rec.Deleted {
		if err := prepare(&rec); err != nil {
			return false, err
		}
	}
	existed := false
	var row db.SleepRecord
	err := tx.Where("date = ?", rec.Date).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return false, fmt.Errorf("find record %s: %w", rec.Date, err)
	default:
		current := row.ToModel()
		existed = !current.Deleted
		if !rec.Supersedes(current) {
			return false, nil
		}
	}
	if err := saveRecord(tx, rec); err != nil {
		return false, err
	}
	if feed && !existed && !rec.Deleted {
		if err := s.pets.feedSleep(tx, rec.SleepQuality, rec.SleepHours, model.Stamp{UpdatedAt: rec.UpdatedAt, UpdatedBy: rec.UpdatedBy}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// write 在写锁与事务中执行 fn，成功后返回最新的对外状态
func (s *SleepService) write(fn func(tx *gorm.DB) error) (model.SleepData, error) {
	s.pets.mu.Lock()
	defer s.pets.mu.Unlock()
	var data model.SleepData
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		loaded, err := s.load(tx)
		if err != nil {
			return err
		}
		data = loaded.Live()
		return nil
	})
	if err != nil {
		return model.SleepData{}, err
	}
	return data, nil
}

func (s *SleepService) fill(stamp model.Stamp) model.Stamp {
	if stamp.UpdatedAt.IsZero() {
		stamp.UpdatedAt = s.now().UTC()
	}
	return stamp
}

func (s *SleepService) load(tx *gorm.DB) (model.SleepData, error) {
	var rows []db.SleepRecord
	if err := tx.Order("date ASC").Find(&rows).Error; err != nil {
		return model.SleepData{}, fmt.Errorf("list records: %w", err)
	}
	program, err := s.program(tx)
	if err != nil {
		return model.SleepData{}, err
	}
	data := model.NewSleepData()
	data.CurrentDay = program.CurrentDay
	data.Settings = program.Settings
	for _, row := range rows {
		data.Records = append(data.Records, row.ToModel())
	}
	data.Recompute()
	return data, nil
}

func (s *SleepService) program(tx *gorm.DB) (db.ProgramState, error) {
	var program db.ProgramState
	err := tx.First(&program, db.ProgramStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		program = db.ProgramState{ID: db.ProgramStateID, CurrentDay: 1, Settings: model.DefaultSettings()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&program).Error; err != nil {
			return db.ProgramState{}, fmt.Errorf("init program state: %w", err)
		}
		return program, nil
	}
	if err != nil {
		return db.ProgramState{}, fmt.Errorf("load program state: %w", err)
	}
	if program.CurrentDay < 1 {
		program.CurrentDay = 1
	}
	return program, nil
}

// prepare 校验记录、清洗备注并重新计算派生字段
func prepare(rec *model.Record) error {
	rec.Date = strings.TrimSpace(rec.Date)
	rec.Notes = SanitizeNotes(rec.Notes)
	if err := rec.Validate(); err != nil {
		return err
	}
	return rec.Compute()
}

func saveRecord(tx *gorm.DB, rec model.Record) error {
	row := db.SleepRecordFromModel(rec)
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"bed_in_time", "bed_out_time", "bedtime", "wake_time",
			"sleep_hours", "time_in_bed", "sleep_efficiency", "sleep_quality",
			"notes", "challenge_completed", "reflection", "deleted",
			"changed_at", "changed_by", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.Date, err)
	}
	return nil
}

func saveProgram(tx *gorm.DB, program db.ProgramState) error {
	program.ID = db.ProgramStateID
	if err := tx.Save(&program).Error; err != nil {
		return fmt.Errorf("save program state: %w", err)
	}
	return nil
}
