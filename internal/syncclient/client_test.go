package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sleepset/internal/connectivity"
	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/remote"
	"github.com/sleepset/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentRequest struct {
	Method         string
	Path           string
	Body           []byte
	IdempotencyKey string
}

type fakeRemote struct {
	mu      sync.Mutex
	err     error
	sleep   model.SleepData
	pet     model.PetState
	result  *model.ActivityResult
	sent    []sentRequest
	fetches int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{sleep: model.NewSleepData(), pet: model.NewPetState()}
}

func (f *fakeRemote) Do(_ context.Context, method, path string, body []byte, key string, dest any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRequest{Method: method, Path: path, Body: body, IdempotencyKey: key})
	if f.err != nil {
		return f.err
	}
	if method == http.MethodPut && path == "/api/sleepen/update" {
		var req model.PetUpdate
		if err := json.Unmarshal(body, &req); err != nil {
			return err
		}
		candidate := f.pet.Clone()
		candidate.ApplyPatch(req.PetPatch)
		candidate.UpdatedAt, candidate.UpdatedBy = req.UpdatedAt, req.UpdatedBy
		f.pet = model.MergePet(f.pet, candidate)
	}
	if dest == nil {
		return nil
	}
	var data any = f.sleep
	if model.DomainForPath(path) == model.DomainPet {
		data = f.pet
	}
	raw, _ := json.Marshal(map[string]any{"data": data, "result": f.result})
	return json.Unmarshal(raw, dest)
}

func (f *fakeRemote) FetchSleep(context.Context) (model.SleepData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return model.SleepData{}, f.err
	}
	return f.sleep.Clone(), nil
}

func (f *fakeRemote) FetchPet(context.Context) (model.PetState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return model.PetState{}, f.err
	}
	return f.pet.Clone(), nil
}

func (f *fakeRemote) Sync(_ context.Context, payload model.SyncPayload, key string) (model.SleepData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRequest{Method: http.MethodPost, Path: "/api/sync", IdempotencyKey: key})
	if f.err != nil {
		return model.SleepData{}, f.err
	}
	f.sleep = model.MergeSleep(f.sleep, payload.ToSleepData())
	return f.sleep.Live(), nil
}

func (f *fakeRemote) Ping(context.Context) error { return f.err }

func (f *fakeRemote) requests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

type fakeRegistrar struct {
	mu   sync.Mutex
	tags []string
}

func (r *fakeRegistrar) Trigger(tag string) error {
	r.mu.Lock()
	r.tags = append(r.tags, tag)
	r.mu.Unlock()
	return nil
}

type harness struct {
	client    *Client
	durable   *store.Durable
	fallback  *store.FallbackStore
	remote    *fakeRemote
	online    *connectivity.Static
	registrar *fakeRegistrar
	notices   *ChannelNotifier
}

func newHarness(t *testing.T, online bool, degraded bool) *harness {
	t.Helper()
	dir := t.TempDir()
	fallback, err := store.OpenFallback(filepath.Join(dir, "fallback.json"))
	require.NoError(t, err)

	h := &harness{
		fallback:  fallback,
		remote:    newFakeRemote(),
		online:    connectivity.NewStatic(online),
		registrar: &fakeRegistrar{},
		notices:   NewChannelNotifier(32),
	}
	if !degraded {
		h.durable, err = store.OpenDurable(filepath.Join(dir, "agent.db"))
		require.NoError(t, err)
		t.Cleanup(func() { h.durable.Close() })
	}
	snaps := store.NewSnapshots(h.durable, fallback, nil)
	clock := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	h.client = New(Deps{
		Snapshots: snaps,
		Remote:    h.remote,
		Online:    h.online,
		Registrar: h.registrar,
		Notifier:  h.notices,
		DeviceID:  "device-a",
		Now:       func() time.Time { return clock },
	})
	return h
}

func scenarioRecord() model.Record {
	return model.Record{Date: "2024-03-01", Bedtime: "23:00", WakeTime: "07:00", SleepQuality: 4}
}

func TestSubmitOfflinePersistsBeforeNetworkAndEnqueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, false)

	res, err := h.client.SubmitMutation(ctx, AddRecord(scenarioRecord()))
	require.NoError(t, err)
	assert.Equal(t, SavedOffline, res.Outcome)
	assert.Empty(t, h.remote.requests(), "offline writes never touch the network")

	raw, err := h.durable.Get(ctx, model.DomainSleep)
	require.NoError(t, err)
	snap, err := DecodeSleep(raw)
	require.NoError(t, err)
	rec, ok := snap.Find("2024-03-01")
	require.True(t, ok)
	assert.Equal(t, 8.0, rec.SleepHours)
	assert.Equal(t, "device-a", rec.UpdatedBy)

	pending, err := h.durable.Pending(ctx, model.DomainSleep)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "POST", pending[0].Method)
	assert.Equal(t, "/api/sleep/record", pending[0].Path)
	assert.Equal(t, "2024-03-01", pending[0].Key)
	assert.NotEmpty(t, pending[0].IdempotencyKey)

	var body model.Record
	require.NoError(t, json.Unmarshal(pending[0].Body, &body))
	assert.Equal(t, 8.0, body.SleepHours)

	assert.Equal(t, []string{"sync-sleep-data"}, h.registrar.tags)
	notice := <-h.notices.C
	assert.Equal(t, NoticeSavedOffline, notice.Kind)
	assert.Equal(t, MessageSavedOffline, notice.Message)
}

func TestSubmitOnlineAdoptsCanonicalState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, false)

	canonical := model.NewSleepData()
	canonical.Upsert(model.Record{Date: "2024-02-29", Bedtime: "22:00", WakeTime: "06:00", SleepHours: 8, SleepQuality: 3})
	rec := scenarioRecord()
	require.NoError(t, rec.Compute())
	canonical.Upsert(rec)
	canonical.CurrentDay = 2
	h.remote.sleep = canonical

	res, err := h.client.SubmitMutation(ctx, AddRecord(scenarioRecord()))
	require.NoError(t, err)
	assert.Equal(t, SavedOnline, res.Outcome)

	sent := h.remote.requests()
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].IdempotencyKey)

	state := h.client.State().Sleep()
	assert.Len(t, state.Records, 2, "server-only records are adopted")
	assert.Equal(t, 2, state.CurrentDay)

	pending, err := h.durable.Pending(ctx, model.DomainSleep)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, NoticeSavedOnline, (<-h.notices.C).Kind)
}

func TestSubmitOnlineFailureFallsBackToQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, false)
	h.remote.err = &remote.RejectedError{Method: "POST", Path: "/api/sleep/record", Status: 503}

	res, err := h.client.SubmitMutation(ctx, AddRecord(scenarioRecord()))
	require.NoError(t, err)
	assert.Equal(t, SavedOffline, res.Outcome)
	assert.Contains(t, res.Error, "503")

	pending, err := h.durable.Pending(ctx, model.DomainSleep)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, h.remote.requests()[0].IdempotencyKey, pending[0].IdempotencyKey, "replay reuses the same key")
}

func TestSubmitQueuesBehindBacklog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, false)

	_, err := h.client.SubmitMutation(ctx, AddRecord(scenarioRecord()))
	require.NoError(t, err)

	h.online.Set(true)
	res, err := h.client.SubmitMutation(ctx, UpdateGoals(model.SleepGoals{Duration: 7.5, Bedtime: "23:30", WakeTime: "07:00"}))
	require.NoError(t, err)
	assert.Equal(t, SavedOffline, res.Outcome)
	assert.Empty(t, h.remote.requests())

	pending, err := h.durable.Pending(ctx, model.DomainSleep)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, model.KeySettings, pending[1].Key)
}

func TestSubmitDegradedKeepsLocalOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, true)
	assert.True(t, h.client.Degraded())

	res, err := h.client.SubmitMutation(ctx, AddRecord(scenarioRecord()))
	require.NoError(t, err)
	assert.Equal(t, SavedLocalOnly, res.Outcome)
	assert.Empty(t, h.registrar.tags)

	raw, err := h.fallback.Get("snapshot:sleep")
	require.NoError(t, err)
	snap, err := DecodeSleep(raw)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 1)
	assert.Equal(t, NoticeDegraded, (<-h.notices.C).Kind)

	h.online.Set(true)
	res, err = h.client.SubmitMutation(ctx, DeleteRecord("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, SavedOnline, res.Outcome)
}

func TestSubmitRejectsInvalidWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, false)

	rec := scenarioRecord()
	rec.SleepQuality = 9
	_, err := h.client.SubmitMutation(ctx, AddRecord(rec))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalid))

	_, err = h.durable.Get(ctx, model.DomainSleep)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = h.client.SubmitMutation(ctx, UpdateRecord("2024-01-01", scenarioRecord()))
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestPetActivityOfflineAndRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, false)

	res, err := h.client.SubmitMutation(ctx, PetActivity("play"))
	require.NoError(t, err)
	assert.Equal(t, SavedOffline, res.Outcome)
	require.NotNil(t, res.Activity)
	assert.True(t, res.Activity.Success)
	assert.Equal(t, 90, h.client.State().Pet().Energy)

	pet := h.client.State().Pet()
	pet.Energy = 5
	h.client.State().SetPet(pet)
	res, err = h.client.SubmitMutation(ctx, PetActivity("adventure"))
	require.NoError(t, err)
	assert.Equal(t, NotApplied, res.Outcome)
	assert.Equal(t, 5, h.client.State().Pet().Energy)

	pending, err := h.durable.Pending(ctx, model.DomainPet)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, "/api/sleepen/activity", pending[0].Path)
}

func TestRefreshKeepsPendingKeysAndLoadRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, false)

	_, err := h.client.SubmitMutation(ctx, AddRecord(scenarioRecord()))
	require.NoError(t, err)

	server := model.NewSleepData()
	server.Upsert(model.Record{Date: "2024-02-28", Bedtime: "23:00", WakeTime: "06:00", SleepHours: 7, SleepQuality: 2})
	h.remote.sleep = server

	require.NoError(t, h.client.Refresh(ctx, model.DomainSleep))
	state := h.client.State().Sleep()
	require.Len(t, state.Records, 2)
	_, ok := state.Find("2024-03-01")
	assert.True(t, ok, "pending local record survives a refresh")

	fresh := New(Deps{Snapshots: store.NewSnapshots(h.durable, h.fallback, nil), Remote: h.remote})
	require.NoError(t, fresh.Load(ctx))
	assert.Len(t, fresh.State().Sleep().Records, 2)
}

func TestRefreshPushesSnapshotThatNeverReachedTheQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, false)

	// 写入快照后、入队前进程退出
	local := model.NewSleepData()
	rec := scenarioRecord()
	require.NoError(t, rec.Compute())
	rec.UpdatedAt = time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	rec.UpdatedBy = "device-a"
	local.Upsert(rec)
	raw, err := json.Marshal(local)
	require.NoError(t, err)
	require.NoError(t, h.durable.Put(ctx, model.DomainSleep, raw))

	restarted := New(Deps{
		Snapshots: store.NewSnapshots(h.durable, h.fallback, nil),
		Remote:    h.remote,
		Online:    h.online,
		DeviceID:  "device-a",
	})
	require.NoError(t, restarted.Load(ctx))
	require.NoError(t, restarted.Refresh(ctx, model.DomainSleep))

	_, ok := restarted.State().Sleep().Find("2024-03-01")
	assert.True(t, ok, "unqueued local record survives the refresh")

	raw, err = h.durable.Get(ctx, model.DomainSleep)
	require.NoError(t, err)
	snap, err := DecodeSleep(raw)
	require.NoError(t, err)
	_, ok = snap.Find("2024-03-01")
	assert.True(t, ok, "durable snapshot keeps the record")

	_, ok = h.remote.sleep.Find("2024-03-01")
	assert.True(t, ok, "record reached the server through /api/sync")
	assert.Equal(t, "/api/sync", h.remote.requests()[0].Path)
}

func TestRefreshDegradedPushesLocalOnlyChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, true)

	res, err := h.client.SubmitMutation(ctx, AddRecord(scenarioRecord()))
	require.NoError(t, err)
	require.Equal(t, SavedLocalOnly, res.Outcome)

	h.online.Set(true)
	require.NoError(t, h.client.Refresh(ctx, model.DomainSleep))
	assert.Len(t, h.client.State().Sleep().Records, 1)

	raw, err := h.fallback.Get("snapshot:sleep")
	require.NoError(t, err)
	snap, err := DecodeSleep(raw)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 1, "fallback snapshot keeps the change")
	assert.Len(t, h.remote.sleep.Live().Records, 1)
}

func TestRefreshDropsRecordDeletedOnServer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, false)

	rec := scenarioRecord()
	require.NoError(t, rec.Compute())
	rec.UpdatedAt = time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	rec.UpdatedBy = "device-a"
	local := model.NewSleepData()
	local.Upsert(rec)
	h.client.State().SetSleep(local)

	tomb := rec.Clone()
	tomb.Deleted = true
	tomb.UpdatedAt = rec.UpdatedAt.Add(time.Hour)
	tomb.UpdatedBy = "device-b"
	h.remote.sleep.Upsert(tomb)

	require.NoError(t, h.client.Refresh(ctx, model.DomainSleep))
	assert.Empty(t, h.client.State().Sleep().Records, "older local copy does not revive a newer delete")
}

func TestRefreshPushesNewerPetState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, false)

	pet := model.NewPetState()
	pet.Mood = 42
	pet.UpdatedAt = time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	pet.UpdatedBy = "device-a"
	h.client.State().SetPet(pet)

	require.NoError(t, h.client.Refresh(ctx, model.DomainPet))
	assert.Equal(t, 42, h.remote.pet.Mood)
	assert.Equal(t, 42, h.client.State().Pet().Mood)

	server := h.remote.pet.Clone()
	server.Mood = 70
	server.UpdatedAt = pet.UpdatedAt.Add(time.Hour)
	h.remote.pet = server
	require.NoError(t, h.client.Refresh(ctx, model.DomainPet))
	assert.Equal(t, 70, h.client.State().Pet().Mood, "newer server pet wins")
}

func TestAdvanceDayOfflineKeepsLocalDay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, false)
	pet := model.NewPetState()
	pet.Energy = 40
	h.client.State().SetPet(pet)

	res, err := h.client.SubmitMutation(ctx, AdvanceDay())
	require.NoError(t, err)
	assert.Equal(t, SavedOffline, res.Outcome)
	assert.Equal(t, 2, h.client.State().Sleep().CurrentDay)
	assert.Equal(t, 70, h.client.State().Pet().Energy)

	raw, err := h.durable.Get(ctx, model.DomainPet)
	require.NoError(t, err)
	snap, err := DecodePet(raw)
	require.NoError(t, err)
	assert.Equal(t, 70, snap.Energy, "pet change is written through too")

	pending, err := h.durable.Pending(ctx, model.DomainSleep)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.KeyDay, pending[0].Key)
	assert.Equal(t, "/api/sleep/advance", pending[0].Path)

	h.online.Set(true)
	h.remote.mu.Lock()
	h.remote.err = &remote.RejectedError{Method: "POST", Path: "/api/sync", Status: 503}
	h.remote.mu.Unlock()
	require.Error(t, h.client.Refresh(ctx, model.DomainSleep))

	h.remote.mu.Lock()
	h.remote.err = nil
	h.remote.sleep.CurrentDay = 1
	h.remote.mu.Unlock()
	require.NoError(t, h.client.Refresh(ctx, model.DomainSleep))
	assert.Equal(t, 2, h.client.State().Sleep().CurrentDay)
}

func TestInterpretDreamNeedsSkill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, false)

	res, err := h.client.SubmitMutation(ctx, InterpretDream("空を飛ぶ夢"))
	require.NoError(t, err)
	assert.Equal(t, NotApplied, res.Outcome)

	pet := model.NewPetState()
	pet.AddExp(60)
	require.GreaterOrEqual(t, pet.Level, 3)
	h.client.State().SetPet(pet)

	res, err = h.client.SubmitMutation(ctx, InterpretDream("空を飛ぶ夢"))
	require.NoError(t, err)
	assert.Equal(t, SavedOffline, res.Outcome)
	require.NotNil(t, res.Activity)
	assert.Contains(t, res.Activity.Interpretation, "希望")
}
