package service

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sleepset/internal/db"
	"github.com/sleepset/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errActivityRefused = errors.New("activity refused")

// PetService 管理服务端的宠物单例状态。
// 宠物操作按到达顺序应用，UpdatedAt 取现有值与请求时间戳中较新的一个。
type PetService struct {
	db  *gorm.DB
	now func() time.Time

	// mu 串行化所有写事务（睡眠服务写入时也持有它），并保护 rng
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPetService 构造 PetService
func NewPetService(gdb *gorm.DB) *PetService {
	return &PetService{
		db:  gdb,
		now: time.Now,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand 替换随机源，测试时使用固定种子
func (s *PetService) WithRand(rng *rand.Rand) *PetService {
	s.mu.Lock()
	s.rng = rng
	s.mu.Unlock()
	return s
}

// Get 返回当前宠物状态，不存在时创建初始宠物
func (s *PetService) Get() (model.PetState, error) {
	return s.load(s.db)
}

// Update 应用部分更新。补丁是整体赋值，按 MergePet 做 LWW：
// 时间戳早于当前状态的补丁被忽略。
func (s *PetService) Update(req model.PetUpdate) (model.PetState, error) {
	if err := req.PetPatch.Validate(); err != nil {
		return model.PetState{}, err
	}
	stamp := req.Stamp
	if stamp.UpdatedAt.IsZero() {
		stamp.UpdatedAt = s.now().UTC()
	}
	return s.mutate(stamp, func(pet *model.PetState) error {
		candidate := pet.Clone()
		candidate.ApplyPatch(req.PetPatch)
		candidate.UpdatedAt = stamp.UpdatedAt
		candidate.UpdatedBy = stamp.UpdatedBy
		*pet = model.MergePet(*pet, candidate)
		return nil
	})
}

// Activity 执行一次活动。活动因体力不足未执行时状态不变，结果中 Success 为 false。
func (s *PetService) Activity(req model.ActivityRequest) (model.PetState, model.ActivityResult, error) {
	if err := req.Validate(); err != nil {
		return model.PetState{}, model.ActivityResult{}, err
	}
	var result model.ActivityResult
	out, err := s.mutate(req.Stamp, func(pet *model.PetState) error {
		var err error
		if result, err = pet.PerformActivity(req.Activity, s.rng); err != nil {
			return err
		}
		if !result.Success {
			return errActivityRefused
		}
		return nil
	})
	if errors.Is(err, errActivityRefused) {
		out, err = s.Get()
	}
	if err != nil {
		return model.PetState{}, model.ActivityResult{}, err
	}
	return out, result, nil
}

// InterpretDream 解梦，未习得夢の解読时状态不变且 Success 为 false
func (s *PetService) InterpretDream(req model.DreamRequest) (model.PetState, model.ActivityResult, error) {
	var result model.ActivityResult
	out, err := s.mutate(req.Stamp, func(pet *model.PetState) error {
		var err error
		if result, err = pet.InterpretDream(req.Dream); err != nil {
			return err
		}
		if !result.Success {
			return errActivityRefused
		}
		return nil
	})
	if errors.Is(err, errActivityRefused) {
		out, err = s.Get()
	}
	if err != nil {
		return model.PetState{}, model.ActivityResult{}, err
	}
	return out, result, nil
}

// Items 返回背包物品
func (s *PetService) Items() ([]model.Item, error) {
	pet, err := s.Get()
	if err != nil {
		return nil, err
	}
	return pet.Items, nil
}

// UseItem 消耗一个物品
func (s *PetService) UseItem(itemID string, stamp model.Stamp) (model.PetState, model.ActivityResult, error) {
	var result model.ActivityResult
	out, err := s.mutate(stamp, func(pet *model.PetState) error {
		var err error
		result, err = pet.UseItem(itemID)
		return err
	})
	return out, result, err
}

// feedSleep 在给定事务中按睡眠质量与时长更新宠物，调用方需持有 s.mu
func (s *PetService) feedSleep(tx *gorm.DB, quality int, hours float64, stamp model.Stamp) error {
	pet, err := s.load(tx)
	if err != nil {
		return err
	}
	pet.ApplySleep(quality, hours)
	s.stamp(&pet, stamp)
	return s.save(tx, pet)
}

// restForNewDay 进入新的一天时让宠物休息，调用方需持有 s.mu
func (s *PetService) restForNewDay(tx *gorm.DB, stamp model.Stamp) error {
	pet, err := s.load(tx)
	if err != nil {
		return err
	}
	pet.Rest()
	s.stamp(&pet, stamp)
	return s.save(tx, pet)
}

func (s *PetService) mutate(stamp model.Stamp, fn func(pet *model.PetState) error) (model.PetState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.PetState
	err := s.db.Transaction(func(tx *gorm.DB) error {
		pet, err := s.load(tx)
		if err != nil {
			return err
		}
		if err := fn(&pet); err != nil {
			return err
		}
		s.stamp(&pet, stamp)
		out = pet
		return s.save(tx, pet)
	})
	if err != nil {
		return model.PetState{}, err
	}
	return out, nil
}

func (s *PetService) stamp(pet *model.PetState, stamp model.Stamp) {
	at := stamp.UpdatedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	if at.After(pet.UpdatedAt) || (at.Equal(pet.UpdatedAt) && stamp.UpdatedBy > pet.UpdatedBy) {
		pet.UpdatedAt = at
		pet.UpdatedBy = stamp.UpdatedBy
	}
}

func (s *PetService) load(tx *gorm.DB) (model.PetState, error) {
	var row db.PetRecord
	err := tx.First(&row, db.PetRecordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pet := model.NewPetState()
		if err := s.save(tx, pet); err != nil {
			return model.PetState{}, err
		}
		return pet, nil
	}
	if err != nil {
		return model.PetState{}, fmt.Errorf("load pet: %w", err)
	}
	return row.ToModel(), nil
}

func (s *PetService) save(tx *gorm.DB, pet model.PetState) error {
	row := db.PetRecordFromModel(pet)
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save pet: %w", err)
	}
	return nil
}
