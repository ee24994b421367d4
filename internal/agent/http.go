package agent

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sleepset/internal/connectivity"
	"github.com/sleepset/internal/handler"
	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/remote"
	"github.com/sleepset/internal/scheduler"
	"github.com/sleepset/internal/store"
	"github.com/sleepset/internal/syncclient"
)

// QueueStatus 单个域的队列情况
type QueueStatus struct {
	Pending     int64              `json:"pending"`
	DeadLetters []store.DeadLetter `json:"deadLetters"`
	LastSynced  *time.Time         `json:"lastSynced,omitempty"`
}

// Status GET /_sync/status 的响应
type Status struct {
	DeviceID     string                       `json:"deviceId"`
	Online       bool                         `json:"online"`
	Degraded     bool                         `json:"degraded"`
	Connectivity connectivity.Snapshot        `json:"connectivity"`
	Queues       map[model.Domain]QueueStatus `json:"queues"`
	Tasks        []scheduler.TaskStatus       `json:"tasks"`
	Notices      []syncclient.Notice          `json:"notices"`
}

type activityBody struct {
	Activity string `json:"activity" binding:"required"`
}

func (a *Agent) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handler.RequestLogger(a.logger.Named("http")))

	local := r.Group("/_sync")
	{
		local.GET("/state", a.getState)
		local.GET("/status", a.getStatus)
		local.POST("/trigger", a.triggerSync)
		local.POST("/cache/clear", a.clearCache)

		m := local.Group("/mutations")
		m.POST("/sleep/record", a.addRecord)
		m.PUT("/sleep/record/:date", a.updateRecord)
		m.DELETE("/sleep/record/:date", a.deleteRecord)
		m.PUT("/sleep/goals", a.updateGoals)
		m.PUT("/sleep/settings", a.updateSettings)
		m.POST("/sleep/reset", a.resetProgram)
		m.POST("/sleep/advance", a.advanceDay)
		m.PUT("/sleepen", a.updatePet)
		m.POST("/sleepen/activity", a.petActivity)
		m.POST("/sleepen/interpret-dream", a.interpretDream)
		m.POST("/sleepen/items/:id/use", a.useItem)
	}

	r.NoRoute(gin.WrapH(a.reverseProxy()))
	return r
}

// reverseProxy 其余请求转发到服务端，出站经过缓存代理。
func (a *Agent) reverseProxy() http.Handler {
	target := a.remote.BaseURL()
	rp := httputil.NewSingleHostReverseProxy(target)
	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
		if a.cfg.Token != "" && req.Header.Get("Authorization") == "" {
			req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
		}
		if req.Header.Get(remote.HeaderDeviceID) == "" {
			req.Header.Set(remote.HeaderDeviceID, a.cfg.DeviceID)
		}
	}
	rp.Transport = a.proxy
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		a.logger.Warnw("proxy request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return rp
}

func (a *Agent) getState(c *gin.Context) {
	state := a.client.State()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"sleepData": state.Sleep(),
		"sleepen":   state.Pet(),
	}})
}

func (a *Agent) getStatus(c *gin.Context) {
	ctx := c.Request.Context()
	snap := a.monitor.Snapshot()
	status := Status{
		DeviceID:     a.cfg.DeviceID,
		Online:       snap.Online,
		Degraded:     a.Degraded(),
		Connectivity: snap,
		Queues:       map[model.Domain]QueueStatus{},
		Tasks:        a.scheduler.Status(),
		Notices:      a.recent.Recent(),
	}

	a.mu.Lock()
	synced := make(map[model.Domain]time.Time, len(a.lastSynced))
	for d, at := range a.lastSynced {
		synced[d] = at
	}
	a.mu.Unlock()

	for _, domain := range model.Domains() {
		qs := QueueStatus{DeadLetters: []store.DeadLetter{}}
		if at, ok := synced[domain]; ok {
			qs.LastSynced = &at
		}
		if a.durable != nil {
			n, err := a.durable.Count(ctx, domain)
			if err != nil {
				a.logger.Errorw("queue count failed", "domain", domain, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "キューの状態を取得できませんでした。"})
				return
			}
			qs.Pending = n
			dead, err := a.durable.DeadLetters(ctx, domain)
			if err != nil {
				a.logger.Errorw("dead letter listing failed", "domain", domain, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "キューの状態を取得できませんでした。"})
				return
			}
			if dead != nil {
				qs.DeadLetters = dead
			}
		}
		status.Queues[domain] = qs
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (a *Agent) triggerSync(c *gin.Context) {
	a.scheduler.TriggerAll()
	c.JSON(http.StatusAccepted, gin.H{"message": "同期を開始しました。"})
}

func (a *Agent) clearCache(c *gin.Context) {
	if err := a.proxy.Clear(c.Request.Context()); err != nil {
		a.logger.Errorw("cache clear failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "キャッシュを削除できませんでした。"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "キャッシュを削除しました。"})
}

func (a *Agent) addRecord(c *gin.Context) {
	var rec model.Record
	if !bind(c, &rec) {
		return
	}
	a.submit(c, syncclient.AddRecord(rec))
}

func (a *Agent) updateRecord(c *gin.Context) {
	var rec model.Record
	if !bind(c, &rec) {
		return
	}
	a.submit(c, syncclient.UpdateRecord(c.Param("date"), rec))
}

func (a *Agent) deleteRecord(c *gin.Context) {
	a.submit(c, syncclient.DeleteRecord(c.Param("date")))
}

func (a *Agent) updateGoals(c *gin.Context) {
	var goals model.SleepGoals
	if !bind(c, &goals) {
		return
	}
	a.submit(c, syncclient.UpdateGoals(goals))
}

func (a *Agent) updateSettings(c *gin.Context) {
	var settings model.Settings
	if !bind(c, &settings) {
		return
	}
	a.submit(c, syncclient.UpdateSettings(settings))
}

func (a *Agent) resetProgram(c *gin.Context) {
	a.submit(c, syncclient.ResetProgram())
}

func (a *Agent) advanceDay(c *gin.Context) {
	a.submit(c, syncclient.AdvanceDay())
}

func (a *Agent) updatePet(c *gin.Context) {
	var patch model.PetPatch
	if !bind(c, &patch) {
		return
	}
	a.submit(c, syncclient.UpdatePet(patch))
}

func (a *Agent) petActivity(c *gin.Context) {
	var body activityBody
	if !bind(c, &body) {
		return
	}
	a.submit(c, syncclient.PetActivity(body.Activity))
}

func (a *Agent) interpretDream(c *gin.Context) {
	var body struct {
		Dream string `json:"dream"`
	}
	if !bind(c, &body) {
		return
	}
	a.submit(c, syncclient.InterpretDream(body.Dream))
}

func (a *Agent) useItem(c *gin.Context) {
	a.submit(c, syncclient.UseItem(c.Param("id")))
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が正しくありません。"})
		return false
	}
	return true
}

// submit 提交变更并返回该域的最新本地状态
func (a *Agent) submit(c *gin.Context, m syncclient.Mutation) {
	result, err := a.client.SubmitMutation(c.Request.Context(), m)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalid), errors.Is(err, model.ErrUnknownActivity):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, syncclient.ErrRecordNotFound), errors.Is(err, model.ErrItemNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			a.logger.Errorw("mutation failed", "mutation", m.Name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "変更を保存できませんでした。"})
		}
		return
	}

	state := a.client.State()
	var data any = state.Sleep()
	if m.Domain == model.DomainPet {
		data = state.Pet()
	}
	c.JSON(http.StatusOK, gin.H{
		"data":    data,
		"result":  result,
		"message": outcomeMessage(result),
	})
}

func outcomeMessage(result syncclient.Result) string {
	switch result.Outcome {
	case syncclient.SavedOnline:
		return syncclient.MessageSavedOnline
	case syncclient.SavedOffline:
		return syncclient.MessageSavedOffline
	case syncclient.SavedLocalOnly:
		return syncclient.MessageDegraded
	}
	if result.Activity != nil {
		return result.Activity.Message
	}
	return ""
}
