package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sleepset/internal/model"
)

// GetPet 返回宠物状态
func (a *API) GetPet(c *gin.Context) {
	pet, err := a.pets.Get()
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, pet)
}

// UpdatePet 部分更新宠物
func (a *API) UpdatePet(c *gin.Context) {
	var req model.PetUpdate
	if !bindJSON(c, &req, "invalid pet payload") {
		return
	}
	pet, err := a.pets.Update(req)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, pet)
}

// PetActivity 执行活动，结果放在 result 字段
func (a *API) PetActivity(c *gin.Context) {
	var req model.ActivityRequest
	if !bindJSON(c, &req, "invalid activity payload") {
		return
	}
	pet, result, err := a.pets.Activity(req)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pet, "result": result})
}

// InterpretDream 解梦，解读结果放在 result.interpretation
func (a *API) InterpretDream(c *gin.Context) {
	var req model.DreamRequest
	if !bindJSON(c, &req, "invalid dream payload") {
		return
	}
	pet, result, err := a.pets.InterpretDream(req)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pet, "result": result})
}

// ListPetItems 返回背包
func (a *API) ListPetItems(c *gin.Context) {
	items, err := a.pets.Items()
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, items)
}

// ListPetSkills 返回已习得技能
func (a *API) ListPetSkills(c *gin.Context) {
	pet, err := a.pets.Get()
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, pet.Skills)
}

// ListPetPlaces 返回已发现地点
func (a *API) ListPetPlaces(c *gin.Context) {
	pet, err := a.pets.Get()
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	respondData(c, pet.DiscoveredPlaces)
}

// UsePetItem 使用物品
func (a *API) UsePetItem(c *gin.Context) {
	var req model.ItemUse
	if !bindOptionalJSON(c, &req, "invalid item payload") {
		return
	}
	pet, result, err := a.pets.UseItem(c.Param("id"), req.Stamp)
	if err != nil {
		a.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pet, "result": result})
}
