package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/service"
)

// recordView 单条记录响应，附带渲染后的备注
type recordView struct {
	model.Record
	NotesHTML string `json:"notesHtml,omitempty"`
}

// GetSleepData 返回完整睡眠域状态
func (a *API) GetSleepData(c *gin.Context) {
	data, err := a.sleep.Data()
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, data)
}

// CreateSleepRecord 新增（按日期覆盖）记录
func (a *API) CreateSleepRecord(c *gin.Context) {
	var rec model.Record
	if !bindJSON(c, &rec, "invalid record payload") {
		return
	}
	data, err := a.sleep.SaveRecord(rec)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, data)
}

// GetSleepRecord 返回指定日期的记录
func (a *API) GetSleepRecord(c *gin.Context) {
	rec, err := a.sleep.Record(c.Param("date"))
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	html, err := service.RenderNotes(rec.Notes)
	if err != nil {
		a.logger.Warnw("notes not rendered", "date", rec.Date, "error", err)
	}
	respondData(c, recordView{Record: rec, NotesHTML: html})
}

// UpdateSleepRecord 更新指定日期的记录
func (a *API) UpdateSleepRecord(c *gin.Context) {
	var rec model.Record
	if !bindJSON(c, &rec, "invalid record payload") {
		return
	}
	data, err := a.sleep.UpdateRecord(c.Param("date"), rec)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, data)
}

// DeleteSleepRecord 删除指定日期的记录
func (a *API) DeleteSleepRecord(c *gin.Context) {
	var req model.RecordDeletion
	if !bindOptionalJSON(c, &req, "invalid deletion payload") {
		return
	}
	data, err := a.sleep.DeleteRecord(c.Param("date"), req.Stamp)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, data)
}

// GetSleepGoals 返回睡眠目标
func (a *API) GetSleepGoals(c *gin.Context) {
	goals, err := a.sleep.Goals()
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, goals)
}

// UpdateSleepGoals 修改睡眠目标
func (a *API) UpdateSleepGoals(c *gin.Context) {
	var req model.GoalsUpdate
	if !bindJSON(c, &req, "invalid goals payload") {
		return
	}
	data, err := a.sleep.UpdateGoals(req)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, data)
}

// UpdateSleepSettings 整体覆盖设置
func (a *API) UpdateSleepSettings(c *gin.Context) {
	var settings model.Settings
	if !bindJSON(c, &settings, "invalid settings payload") {
		return
	}
	data, err := a.sleep.UpdateSettings(settings)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, data)
}

// GetSleepStatistics 返回统计值
func (a *API) GetSleepStatistics(c *gin.Context) {
	stats, err := a.sleep.Statistics()
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, stats)
}

// GetSleepAnalysis 返回趋势分析，记录不足 7 条时返回 400
func (a *API) GetSleepAnalysis(c *gin.Context) {
	analysis, err := a.sleep.Analysis()
	if errors.Is(err, service.ErrNotEnoughData) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Not enough data for analysis",
			"message": "分析には少なくとも7日分の睡眠データを記録してください。",
		})
		return
	}
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, analysis)
}

// SyncSleepData 合并客户端上送的完整睡眠状态
func (a *API) SyncSleepData(c *gin.Context) {
	var payload model.SyncPayload
	if !bindJSON(c, &payload, "invalid sync payload") {
		return
	}
	merged, err := a.sleep.Sync(payload)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": merged, "message": "データが同期されました。"})
}

// ResetProgram 清空记录回到第 1 天
func (a *API) ResetProgram(c *gin.Context) {
	var req model.ResetRequest
	if !bindOptionalJSON(c, &req, "invalid reset payload") {
		return
	}
	data, err := a.sleep.Reset(req.Stamp)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "message": "プログラムがリセットされました。Day 1から再開します。"})
}

// AdvanceDay 进入下一天
func (a *API) AdvanceDay(c *gin.Context) {
	var req model.AdvanceRequest
	if !bindOptionalJSON(c, &req, "invalid advance payload") {
		return
	}
	data, err := a.sleep.AdvanceDay(req.Stamp)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "message": fmt.Sprintf("Day %dに進みました。", data.CurrentDay)})
}
