package db

import (
	"time"

	"github.com/sleepset/internal/model"
)

// PetRecordID 宠物状态为单例行
const PetRecordID = 1

// PetRecord 服务端保存的宠物状态，集合字段以 JSON 序列化存储。
type PetRecord struct {
	ID               uint `gorm:"primaryKey"`
	Name             string
	Level            int
	Exp              int
	Mood             int
	Energy           int
	Friendship       int
	EvolutionStage   int
	Skills           []model.Skill `gorm:"serializer:json;type:text"`
	Items            []model.Item  `gorm:"serializer:json;type:text"`
	DiscoveredPlaces []model.Place `gorm:"serializer:json;type:text"`
	ChangedAt        time.Time
	ChangedBy        string `gorm:"size:64"`
	UpdatedAt        time.Time
}

// TableName 固定表名
func (PetRecord) TableName() string {
	return "pet_state"
}

// ToModel 转换为领域状态
func (p PetRecord) ToModel() model.PetState {
	state := model.PetState{
		Name:             p.Name,
		Level:            p.Level,
		Exp:              p.Exp,
		Mood:             p.Mood,
		Energy:           p.Energy,
		Friendship:       p.Friendship,
		EvolutionStage:   p.EvolutionStage,
		Skills:           p.Skills,
		Items:            p.Items,
		DiscoveredPlaces: p.DiscoveredPlaces,
		UpdatedAt:        p.ChangedAt,
		UpdatedBy:        p.ChangedBy,
	}
	return state.Clone()
}

// PetRecordFromModel 由领域状态构造单例行
func PetRecordFromModel(state model.PetState) PetRecord {
	state = state.Clone()
	return PetRecord{
		ID:               PetRecordID,
		Name:             state.Name,
		Level:            state.Level,
		Exp:              state.Exp,
		Mood:             state.Mood,
		Energy:           state.Energy,
		Friendship:       state.Friendship,
		EvolutionStage:   state.EvolutionStage,
		Skills:           state.Skills,
		Items:            state.Items,
		DiscoveredPlaces: state.DiscoveredPlaces,
		ChangedAt:        state.UpdatedAt,
		ChangedBy:        state.UpdatedBy,
	}
}
