package model

import "time"

// Stamp 写入方附带的合并元数据。
type Stamp struct {
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// GoalsUpdate PUT /api/sleep/goals 的请求体
type GoalsUpdate struct {
	SleepGoals
	Stamp
}

// RecordDeletion DELETE /api/sleep/record/:date 的请求体，时间戳写入墓碑
type RecordDeletion struct {
	Stamp
}

// ResetRequest POST /api/reset 的请求体
type ResetRequest struct {
	Stamp
}

// AdvanceRequest POST /api/sleep/advance 的请求体
type AdvanceRequest struct {
	Stamp
}

// PetUpdate PUT /api/sleepen/update 的请求体
type PetUpdate struct {
	PetPatch
	Stamp
}

// ActivityRequest POST /api/sleepen/activity 的请求体
type ActivityRequest struct {
	Activity string `json:"activity" validate:"required,oneof=play rest adventure train"`
	Stamp
}

// DreamRequest POST /api/sleepen/interpret-dream 的请求体
type DreamRequest struct {
	Dream string `json:"dream"`
	Stamp
}

// ItemUse POST /api/sleepen/items/:id/use 的请求体
type ItemUse struct {
	Stamp
}

// Validate 校验活动请求
func (r ActivityRequest) Validate() error {
	return check(r)
}
