package model

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// 宠物活动类型。
const (
	ActivityPlay      = "play"
	ActivityRest      = "rest"
	ActivityAdventure = "adventure"
	ActivityTrain     = "train"
)

// 物品稀有度。
const (
	RarityCommon    = "common"
	RarityRare      = "rare"
	RarityLegendary = "legendary"
)

const (
	defaultPetName = "スリープン"
	expPerLevel    = 20
)

var (
	// ErrUnknownActivity 活动名称不受支持。
	ErrUnknownActivity = errors.New("unknown activity")
	// ErrItemNotFound 背包中不存在该物品。
	ErrItemNotFound = errors.New("item not found")
)

// Skill 宠物技能，按 ID 去重。
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Item 背包物品，同一 ID 可以重复持有。
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Effect      string `json:"effect"`
	Rarity      string `json:"rarity"`
}

// Place 已发现的地点，按 ID 去重。
type Place struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PetState 宠物域的完整状态。
type PetState struct {
	Name             string    `json:"name" validate:"required,max=40"`
	Level            int       `json:"level" validate:"min=1"`
	Exp              int       `json:"exp" validate:"min=0"`
	Mood             int       `json:"mood" validate:"min=0,max=100"`
	Energy           int       `json:"energy" validate:"min=0,max=100"`
	Friendship       int       `json:"friendship" validate:"min=0,max=100"`
	EvolutionStage   int       `json:"evolutionStage"`
	Skills           []Skill   `json:"skills"`
	Items            []Item    `json:"items"`
	DiscoveredPlaces []Place   `json:"discoveredPlaces"`
	UpdatedAt        time.Time `json:"updatedAt"`
	UpdatedBy        string    `json:"updatedBy,omitempty"`
}

// PetPatch 是 /api/sleepen/update 接受的部分更新。
type PetPatch struct {
	Name       *string `json:"name,omitempty" validate:"omitempty,min=1,max=40"`
	Mood       *int    `json:"mood,omitempty"`
	Energy     *int    `json:"energy,omitempty"`
	Friendship *int    `json:"friendship,omitempty"`
}

// ActivityResult 一次活动或物品使用的结果。
type ActivityResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Rewards []Reward `json:"rewards,omitempty"`
	LevelUp bool     `json:"levelUp,omitempty"`
	// Interpretation 仅解梦时返回
	Interpretation string `json:"interpretation,omitempty"`
}

// Reward 活动获得的奖励。
type Reward struct {
	Type  string `json:"type"`
	Item  *Item  `json:"item,omitempty"`
	Place *Place `json:"place,omitempty"`
}

// NewPetState 返回初始宠物。
func NewPetState() PetState {
	return PetState{
		Name:             defaultPetName,
		Level:            1,
		Mood:             80,
		Energy:           100,
		Friendship:       50,
		EvolutionStage:   1,
		Skills:           []Skill{},
		Items:            []Item{},
		DiscoveredPlaces: []Place{},
	}
}

// Clone 深拷贝。
func (p PetState) Clone() PetState {
	out := p
	out.Skills = append([]Skill{}, p.Skills...)
	out.Items = append([]Item{}, p.Items...)
	out.DiscoveredPlaces = append([]Place{}, p.DiscoveredPlaces...)
	return out
}

// EvolutionStageFor 由等级决定进化阶段。
func EvolutionStageFor(level int) int {
	switch {
	case level >= 15:
		return 4
	case level >= 10:
		return 3
	case level >= 5:
		return 2
	default:
		return 1
	}
}

var skillsByLevel = map[int]Skill{
	3:  {ID: skillDreamDecode, Name: "夢の解読"},
	5:  {ID: skillHealingLight, Name: "癒しの光"},
	7:  {ID: "memory_storage", Name: "記憶の保管"},
	10: {ID: "dream_manipulation", Name: "夢の操作"},
	12: {ID: "time_sense", Name: "時間感覚"},
	15: {ID: "dimension_door", Name: "次元の扉"},
}

const (
	skillDreamDecode  = "dream_decode"
	skillHealingLight = "healing_light"
)

var (
	positiveDreamWords = []string{"飛ぶ", "空", "光", "友達", "成功", "幸せ"}
	negativeDreamWords = []string{"落ちる", "暗い", "怖い", "迷う", "失敗", "追いかけられる"}
)

var itemPools = map[string][]Item{
	RarityCommon: {
		{ID: "dream_feather", Name: "夢の羽", Effect: "mood+5"},
		{ID: "sleep_crystal", Name: "睡眠クリスタル", Effect: "energy+10"},
		{ID: "star_dust", Name: "星のほこり", Effect: "exp+5"},
	},
	RarityRare: {
		{ID: "moon_fragment", Name: "月の欠片", Effect: "energy+20,mood+10"},
		{ID: "memory_bottle", Name: "記憶の小瓶", Effect: "friendship+15"},
	},
	RarityLegendary: {
		{ID: "eternal_star", Name: "永遠の星", Effect: "all_stats+10"},
	},
}

var places = []Place{
	{ID: "crystal_forest", Name: "クリスタルの森"},
	{ID: "floating_islands", Name: "浮遊島"},
	{ID: "dream_lake", Name: "夢見の湖"},
	{ID: "star_cave", Name: "星の洞窟"},
	{ID: "moonlight_beach", Name: "月光の浜辺"},
}

// AddExp 增加经验值，可能连续升级；返回是否升级。
func (p *PetState) AddExp(amount int) bool {
	if amount <= 0 {
		return false
	}
	if p.Level < 1 {
		p.Level = 1
	}
	p.Exp += amount
	leveled := false
	for p.Exp >= p.Level*expPerLevel {
		p.Exp -= p.Level * expPerLevel
		p.Level++
		leveled = true
		if skill, ok := skillsByLevel[p.Level]; ok {
			p.learn(skill)
		}
	}
	p.EvolutionStage = EvolutionStageFor(p.Level)
	return leveled
}

func (p *PetState) learn(skill Skill) {
	for _, s := range p.Skills {
		if s.ID == skill.ID {
			return
		}
	}
	p.Skills = append(p.Skills, skill)
}

// HasSkill 判断是否已习得指定技能
func (p PetState) HasSkill(id string) bool {
	for _, s := range p.Skills {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Rest 回复体力，习得癒しの光后回复量增加。进入新的一天时也会调用。
func (p *PetState) Rest() {
	recovery := 30
	if p.HasSkill(skillHealingLight) {
		recovery += 10
	}
	p.Energy = clampPercent(p.Energy + recovery)
}

// InterpretDream 按关键词解读梦境，需要已习得夢の解読。
// 未习得时状态不变，结果中 Success 为 false。
func (p *PetState) InterpretDream(dream string) (ActivityResult, error) {
	dream = strings.TrimSpace(dream)
	if dream == "" {
		return ActivityResult{}, fmt.Errorf("%w: 夢の内容を入力してください。", ErrInvalid)
	}
	if !p.HasSkill(skillDreamDecode) {
		return ActivityResult{Success: false, Message: p.Name + "はまだ夢を解読するスキルを習得していません。"}, nil
	}

	positive, negative := 0, 0
	for _, w := range positiveDreamWords {
		if strings.Contains(dream, w) {
			positive++
		}
	}
	for _, w := range negativeDreamWords {
		if strings.Contains(dream, w) {
			negative++
		}
	}
	var interpretation string
	switch {
	case positive > negative:
		interpretation = p.Name + "は、この夢はあなたの希望や前向きな気持ちを表していると感じています。"
	case negative > positive:
		interpretation = p.Name + "は、この夢はあなたの不安や心配事を表していると感じています。"
	default:
		interpretation = p.Name + "は、この夢はあなたの複雑な感情を表していると感じています。"
	}

	p.Friendship = clampPercent(p.Friendship + 1)
	return ActivityResult{
		Success:        true,
		Message:        "スリープンが夢を解読しました。",
		LevelUp:        p.AddExp(5),
		Interpretation: interpretation,
	}, nil
}

func (p *PetState) discover(place Place) bool {
	for _, existing := range p.DiscoveredPlaces {
		if existing.ID == place.ID {
			return false
		}
	}
	p.DiscoveredPlaces = append(p.DiscoveredPlaces, place)
	return true
}

// PerformActivity 执行一次活动。rng 为 nil 时不掷随机奖励，
// 客户端离线时用它做乐观更新，随机部分以服务端结果为准。
func (p *PetState) PerformActivity(activity string, rng *rand.Rand) (ActivityResult, error) {
	result := ActivityResult{Success: true}

	switch strings.ToLower(strings.TrimSpace(activity)) {
	case ActivityPlay:
		p.Mood = clampPercent(p.Mood + 15)
		p.Energy = clampPercent(p.Energy - 10)
		p.Friendship = clampPercent(p.Friendship + 5)
		result.LevelUp = p.AddExp(5)
		result.Message = "スリープンと楽しく遊びました！"
	case ActivityRest:
		p.Rest()
		result.Message = "スリープンはエネルギーを回復しました。"
	case ActivityAdventure:
		if p.Energy < 20 {
			return ActivityResult{Success: false, Message: "スリープンは疲れすぎていて冒険に行けません。"}, nil
		}
		p.Energy = clampPercent(p.Energy - 20)
		result.LevelUp = p.AddExp(10)
		result.Message = "スリープンは冒険に出かけましたが、特に何も見つかりませんでした。"
		if rng != nil {
			result.Rewards = p.rollAdventure(rng)
			for _, reward := range result.Rewards {
				switch {
				case reward.Place != nil:
					result.Message = "スリープンは新しい場所「" + reward.Place.Name + "」を発見しました！"
				case reward.Item != nil:
					result.Message = "スリープンは「" + reward.Item.Name + "」を見つけました！"
				}
			}
		}
	case ActivityTrain:
		if p.Energy < 15 {
			return ActivityResult{Success: false, Message: "スリープンは疲れすぎていてトレーニングできません。"}, nil
		}
		p.Energy = clampPercent(p.Energy - 15)
		result.LevelUp = p.AddExp(8)
		result.Message = "スリープンはトレーニングを行いました。"
	default:
		return ActivityResult{}, fmt.Errorf("%w: %s", ErrUnknownActivity, activity)
	}
	return result, nil
}

func (p *PetState) rollAdventure(rng *rand.Rand) []Reward {
	if rng.Float64() >= 0.7 {
		return nil
	}
	if rng.Float64() < 0.3 {
		place := places[rng.Intn(len(places))]
		if p.discover(place) {
			return []Reward{{Type: "place", Place: &place}}
		}
		return nil
	}

	rarity := RarityCommon
	switch roll := rng.Float64(); {
	case roll < 0.05:
		rarity = RarityLegendary
	case roll < 0.30:
		rarity = RarityRare
	}
	pool := itemPools[rarity]
	item := pool[rng.Intn(len(pool))]
	item.Rarity = rarity
	p.Items = append(p.Items, item)
	return []Reward{{Type: "item", Item: &item}}
}

// ApplySleep 根据睡眠质量与时长调整心情、体力与经验。
func (p *PetState) ApplySleep(quality int, hours float64) {
	p.Mood = clampPercent(p.Mood + (quality-3)*10)
	energy := (quality - 1) * 5
	if hours >= 7 {
		energy += 5
	}
	p.Energy = clampPercent(p.Energy + energy)
	p.AddExp(quality * 2)
}

// UseItem 消耗一个指定物品并应用效果。
func (p *PetState) UseItem(itemID string) (ActivityResult, error) {
	index := -1
	for i, item := range p.Items {
		if item.ID == itemID {
			index = i
			break
		}
	}
	if index < 0 {
		return ActivityResult{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	item := p.Items[index]
	p.Items = append(p.Items[:index], p.Items[index+1:]...)

	result := ActivityResult{Success: true, Message: "「" + item.Name + "」を使いました。"}
	for _, effect := range strings.Split(item.Effect, ",") {
		stat, raw, ok := strings.Cut(strings.TrimSpace(effect), "+")
		if !ok {
			continue
		}
		value, err := strconv.Atoi(strings.TrimSuffix(raw, "%"))
		if err != nil {
			continue
		}
		switch stat {
		case "mood":
			p.Mood = clampPercent(p.Mood + value)
		case "energy":
			p.Energy = clampPercent(p.Energy + value)
		case "friendship":
			p.Friendship = clampPercent(p.Friendship + value)
		case "exp":
			result.LevelUp = p.AddExp(value) || result.LevelUp
		case "all_stats":
			p.Mood = clampPercent(p.Mood + value)
			p.Energy = clampPercent(p.Energy + value)
			p.Friendship = clampPercent(p.Friendship + value)
		}
	}
	return result, nil
}

// ApplyPatch 应用部分更新，百分比字段会被截断到 0–100。
func (p *PetState) ApplyPatch(patch PetPatch) {
	if patch.Name != nil {
		if name := strings.TrimSpace(*patch.Name); name != "" {
			p.Name = name
		}
	}
	if patch.Mood != nil {
		p.Mood = clampPercent(*patch.Mood)
	}
	if patch.Energy != nil {
		p.Energy = clampPercent(*patch.Energy)
	}
	if patch.Friendship != nil {
		p.Friendship = clampPercent(*patch.Friendship)
	}
}

// Patch 返回可以通过 /api/sleepen/update 上送的字段
func (p PetState) Patch() PetPatch {
	name, mood, energy, friendship := p.Name, p.Mood, p.Energy, p.Friendship
	return PetPatch{Name: &name, Mood: &mood, Energy: &energy, Friendship: &friendship}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
