package syncclient

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sleepset/internal/model"
)

// AppState 客户端内存中的应用状态，由宿主显式持有并传递。
// 所有读取返回副本。
type AppState struct {
	mu    sync.RWMutex
	sleep model.SleepData
	pet   model.PetState
}

// NewAppState 返回初始状态
func NewAppState() *AppState {
	return &AppState{sleep: model.NewSleepData(), pet: model.NewPetState()}
}

// Sleep 返回睡眠域副本（不含墓碑）
func (s *AppState) Sleep() model.SleepData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sleep.Live()
}

// Pet 返回宠物域副本
func (s *AppState) Pet() model.PetState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pet.Clone()
}

// SetSleep 整体替换睡眠域
func (s *AppState) SetSleep(d model.SleepData) {
	d = d.Live()
	s.mu.Lock()
	s.sleep = d
	s.mu.Unlock()
}

// SetPet 整体替换宠物域
func (s *AppState) SetPet(p model.PetState) {
	p = p.Clone()
	s.mu.Lock()
	s.pet = p
	s.mu.Unlock()
}

// Encode 序列化某个域，作为快照写入存储
func (s *AppState) Encode(domain model.Domain) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch domain {
	case model.DomainSleep:
		return json.Marshal(s.sleep)
	case model.DomainPet:
		return json.Marshal(s.pet)
	default:
		return nil, fmt.Errorf("encode: unknown domain %q", domain)
	}
}

// Decode 用快照覆盖某个域
func (s *AppState) Decode(domain model.Domain, raw []byte) error {
	switch domain {
	case model.DomainSleep:
		d, err := DecodeSleep(raw)
		if err != nil {
			return err
		}
		s.SetSleep(d)
	case model.DomainPet:
		p, err := DecodePet(raw)
		if err != nil {
			return err
		}
		s.SetPet(p)
	default:
		return fmt.Errorf("decode: unknown domain %q", domain)
	}
	return nil
}

// DecodeSleep 解析睡眠域快照
func DecodeSleep(raw []byte) (model.SleepData, error) {
	d := model.NewSleepData()
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.SleepData{}, fmt.Errorf("decode sleep snapshot: %w", err)
	}
	if d.Records == nil {
		d.Records = []model.Record{}
	}
	d.Recompute()
	return d, nil
}

// DecodePet 解析宠物域快照
func DecodePet(raw []byte) (model.PetState, error) {
	p := model.NewPetState()
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.PetState{}, fmt.Errorf("decode pet snapshot: %w", err)
	}
	return p.Clone(), nil
}

// mutate 在写锁下修改状态
func (s *AppState) mutate(fn func(sleep *model.SleepData, pet *model.PetState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sleep := s.sleep.Clone()
	pet := s.pet.Clone()
	if err := fn(&sleep, &pet); err != nil {
		return err
	}
	s.sleep = sleep
	s.pet = pet
	return nil
}
