package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/remote"
)

// Reconcile 与服务端做一次完整对账，返回应写回本地的快照。
//
// 睡眠域把本地快照整体经 /api/sync 上送，由服务端按 LWW 合并后返回；
// 宠物域在本地时间戳较新且没有待写条目时经 /api/sleepen/update 上送。
// 两个域最后都按 pending 采纳服务端结果，因此只存在于本地、没有入队的变更
// 也会先到达服务端，不会被随后的采纳抹掉。
func Reconcile(ctx context.Context, api remote.API, domain model.Domain, local []byte, pending map[string]bool) ([]byte, error) {
	switch domain {
	case model.DomainSleep:
		localState := model.NewSleepData()
		if len(local) > 0 {
			var err error
			if localState, err = DecodeSleep(local); err != nil {
				return nil, err
			}
		}
		canonical, err := api.Sync(ctx, model.SyncPayloadFrom(localState), uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("sync sleep: %w", err)
		}
		return json.Marshal(model.AdoptSleep(localState, canonical, pending))

	case model.DomainPet:
		localState := model.NewPetState()
		if len(local) > 0 {
			var err error
			if localState, err = DecodePet(local); err != nil {
				return nil, err
			}
		}
		canonical, err := api.FetchPet(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch pet: %w", err)
		}
		if len(pending) == 0 && localState.Supersedes(canonical) {
			body, err := json.Marshal(model.PetUpdate{
				PetPatch: localState.Patch(),
				Stamp:    model.Stamp{UpdatedAt: localState.UpdatedAt, UpdatedBy: localState.UpdatedBy},
			})
			if err != nil {
				return nil, err
			}
			var resp remote.Envelope[model.PetState]
			if err := api.Do(ctx, http.MethodPut, "/api/sleepen/update", body, uuid.NewString(), &resp); err != nil {
				return nil, fmt.Errorf("push pet: %w", err)
			}
			canonical = resp.Data.Clone()
		}
		return json.Marshal(model.AdoptPet(localState, canonical, len(pending) > 0))

	default:
		return nil, fmt.Errorf("reconcile: unknown domain %q", domain)
	}
}
