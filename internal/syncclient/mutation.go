package syncclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sleepset/internal/model"
)

// applyFunc 把变更应用到状态副本上，返回要发送给服务端的请求体与可选的活动结果。
type applyFunc func(sleep *model.SleepData, pet *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error)

// Mutation 一次用户发起的状态变更：本地如何应用，以及对应的服务端请求。
type Mutation struct {
	Name   string
	Domain model.Domain
	Key    string
	Method string
	Path   string
	apply  applyFunc
	// also 本地应用时一并修改、需要写穿的其他域
	also []model.Domain
}

func (m Mutation) domains() []model.Domain {
	return append([]model.Domain{m.Domain}, m.also...)
}

// AddRecord 新增（或按日期覆盖）一条睡眠记录
func AddRecord(rec model.Record) Mutation {
	return Mutation{
		Name:   "add-record",
		Domain: model.DomainSleep,
		Key:    rec.Date,
		Method: http.MethodPost,
		Path:   "/api/sleep/record",
		apply:  upsertRecord(rec, false),
	}
}

// UpdateRecord 更新指定日期的记录；本地不存在该日期时返回错误
func UpdateRecord(date string, rec model.Record) Mutation {
	rec.Date = date
	return Mutation{
		Name:   "update-record",
		Domain: model.DomainSleep,
		Key:    date,
		Method: http.MethodPut,
		Path:   "/api/sleep/record/" + url.PathEscape(date),
		apply:  upsertRecord(rec, true),
	}
}

func upsertRecord(rec model.Record, mustExist bool) applyFunc {
	return func(sleep *model.SleepData, _ *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
		rec := rec.Clone()
		rec.Deleted = false
		if err := rec.Validate(); err != nil {
			return nil, nil, err
		}
		if err := rec.Compute(); err != nil {
			return nil, nil, err
		}
		if mustExist {
			if _, ok := sleep.Find(rec.Date); !ok {
				return nil, nil, fmt.Errorf("%w: no record for %s", ErrRecordNotFound, rec.Date)
			}
		}
		rec.UpdatedAt = stamp.UpdatedAt
		rec.UpdatedBy = stamp.UpdatedBy
		sleep.Upsert(rec)
		return rec, nil, nil
	}
}

// DeleteRecord 删除指定日期的记录
func DeleteRecord(date string) Mutation {
	return Mutation{
		Name:   "delete-record",
		Domain: model.DomainSleep,
		Key:    date,
		Method: http.MethodDelete,
		Path:   "/api/sleep/record/" + url.PathEscape(date),
		apply: func(sleep *model.SleepData, _ *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			if !sleep.Remove(date) {
				return nil, nil, fmt.Errorf("%w: no record for %s", ErrRecordNotFound, date)
			}
			return model.RecordDeletion{Stamp: stamp}, nil, nil
		},
	}
}

// UpdateGoals 修改睡眠目标
func UpdateGoals(goals model.SleepGoals) Mutation {
	return Mutation{
		Name:   "update-goals",
		Domain: model.DomainSleep,
		Key:    model.KeySettings,
		Method: http.MethodPut,
		Path:   "/api/sleep/goals",
		apply: func(sleep *model.SleepData, _ *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			if err := goals.Validate(); err != nil {
				return nil, nil, err
			}
			sleep.Settings.SleepGoals = goals
			sleep.Settings.UpdatedAt = stamp.UpdatedAt
			sleep.Settings.UpdatedBy = stamp.UpdatedBy
			sleep.Recompute()
			return model.GoalsUpdate{SleepGoals: goals, Stamp: stamp}, nil, nil
		},
	}
}

// UpdateSettings 整体覆盖设置
func UpdateSettings(settings model.Settings) Mutation {
	return Mutation{
		Name:   "update-settings",
		Domain: model.DomainSleep,
		Key:    model.KeySettings,
		Method: http.MethodPut,
		Path:   "/api/sleep/settings",
		apply: func(sleep *model.SleepData, _ *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			if err := settings.Validate(); err != nil {
				return nil, nil, err
			}
			next := settings
			next.UpdatedAt = stamp.UpdatedAt
			next.UpdatedBy = stamp.UpdatedBy
			sleep.Settings = next
			sleep.Recompute()
			return next, nil, nil
		},
	}
}

// ResetProgram 清空记录并回到第 1 天，保留设置
func ResetProgram() Mutation {
	return Mutation{
		Name:   "reset-program",
		Domain: model.DomainSleep,
		Key:    model.KeyAll,
		Method: http.MethodPost,
		Path:   "/api/reset",
		apply: func(sleep *model.SleepData, _ *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			sleep.Records = []model.Record{}
			sleep.CurrentDay = 1
			sleep.Recompute()
			return model.ResetRequest{Stamp: stamp}, nil, nil
		},
	}
}

// AdvanceDay 进入下一天，宠物同时休息。
// 宠物的变化不打时间戳，以服务端重放后的结果为准。
func AdvanceDay() Mutation {
	return Mutation{
		Name:   "advance-day",
		Domain: model.DomainSleep,
		Key:    model.KeyDay,
		Method: http.MethodPost,
		Path:   "/api/sleep/advance",
		also:   []model.Domain{model.DomainPet},
		apply: func(sleep *model.SleepData, pet *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			sleep.CurrentDay++
			pet.Rest()
			return model.AdvanceRequest{Stamp: stamp}, nil, nil
		},
	}
}

// UpdatePet 部分更新宠物属性
func UpdatePet(patch model.PetPatch) Mutation {
	return Mutation{
		Name:   "update-pet",
		Domain: model.DomainPet,
		Key:    model.KeyPet,
		Method: http.MethodPut,
		Path:   "/api/sleepen/update",
		apply: func(_ *model.SleepData, pet *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			if err := patch.Validate(); err != nil {
				return nil, nil, err
			}
			pet.ApplyPatch(patch)
			pet.UpdatedAt = stamp.UpdatedAt
			pet.UpdatedBy = stamp.UpdatedBy
			return model.PetUpdate{PetPatch: patch, Stamp: stamp}, nil, nil
		},
	}
}

// PetActivity 执行宠物活动。本地只做确定性部分，随机奖励以服务端为准。
func PetActivity(activity string) Mutation {
	activity = strings.ToLower(strings.TrimSpace(activity))
	return Mutation{
		Name:   "pet-activity",
		Domain: model.DomainPet,
		Key:    model.KeyPet,
		Method: http.MethodPost,
		Path:   "/api/sleepen/activity",
		apply: func(_ *model.SleepData, pet *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			req := model.ActivityRequest{Activity: activity, Stamp: stamp}
			if err := req.Validate(); err != nil {
				return nil, nil, err
			}
			result, err := pet.PerformActivity(activity, nil)
			if err != nil {
				return nil, nil, err
			}
			if !result.Success {
				return nil, &result, errActivityRefused
			}
			pet.UpdatedAt = stamp.UpdatedAt
			pet.UpdatedBy = stamp.UpdatedBy
			return req, &result, nil
		},
	}
}

// UseItem 使用背包中的物品
func UseItem(itemID string) Mutation {
	return Mutation{
		Name:   "use-item",
		Domain: model.DomainPet,
		Key:    model.KeyPet,
		Method: http.MethodPost,
		Path:   "/api/sleepen/items/" + url.PathEscape(itemID) + "/use",
		apply: func(_ *model.SleepData, pet *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			result, err := pet.UseItem(itemID)
			if err != nil {
				return nil, nil, err
			}
			pet.UpdatedAt = stamp.UpdatedAt
			pet.UpdatedBy = stamp.UpdatedBy
			return model.ItemUse{Stamp: stamp}, &result, nil
		},
	}
}

// InterpretDream 解梦。解读只依赖关键词，离线时本地结果与服务端一致。
func InterpretDream(dream string) Mutation {
	return Mutation{
		Name:   "interpret-dream",
		Domain: model.DomainPet,
		Key:    model.KeyPet,
		Method: http.MethodPost,
		Path:   "/api/sleepen/interpret-dream",
		apply: func(_ *model.SleepData, pet *model.PetState, stamp model.Stamp) (any, *model.ActivityResult, error) {
			result, err := pet.InterpretDream(dream)
			if err != nil {
				return nil, nil, err
			}
			if !result.Success {
				return nil, &result, errActivityRefused
			}
			pet.UpdatedAt = stamp.UpdatedAt
			pet.UpdatedBy = stamp.UpdatedBy
			return model.DreamRequest{Dream: dream, Stamp: stamp}, &result, nil
		},
	}
}
