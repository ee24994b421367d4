package model

import "time"

// supersedes 判断 (aAt, aBy) 是否覆盖 (bAt, bBy)：时间戳较新者胜，
// 时间戳相同时设备 ID 较大者胜，使两端得到相同结果。
func supersedes(aAt time.Time, aBy string, bAt time.Time, bBy string) bool {
	if aAt.After(bAt) {
		return true
	}
	if aAt.Equal(bAt) {
		return aBy > bBy
	}
	return false
}

// Supersedes 判断 r 是否应覆盖 other
func (r Record) Supersedes(other Record) bool {
	return supersedes(r.UpdatedAt, r.UpdatedBy, other.UpdatedAt, other.UpdatedBy)
}

// Supersedes 判断 s 是否应覆盖 other
func (s Settings) Supersedes(other Settings) bool {
	return supersedes(s.UpdatedAt, s.UpdatedBy, other.UpdatedAt, other.UpdatedBy)
}

// Supersedes 判断 p 是否应覆盖 other
func (p PetState) Supersedes(other PetState) bool {
	return supersedes(p.UpdatedAt, p.UpdatedBy, other.UpdatedAt, other.UpdatedBy)
}

// MergeSleep 合并服务端现有状态与客户端上送状态。
// 记录按日期逐条 last-writer-wins（墓碑同样参与比较），设置整体 LWW，
// currentDay 取两者最大值。合并结果与参数顺序无关。
func MergeSleep(server, incoming SleepData) SleepData {
	out := server.Clone()

	index := make(map[string]int, len(out.Records))
	for i, r := range out.Records {
		index[r.Date] = i
	}
	for _, r := range incoming.Records {
		i, ok := index[r.Date]
		if !ok {
			index[r.Date] = len(out.Records)
			out.Records = append(out.Records, r.Clone())
			continue
		}
		if supersedes(r.UpdatedAt, r.UpdatedBy, out.Records[i].UpdatedAt, out.Records[i].UpdatedBy) {
			out.Records[i] = r.Clone()
		}
	}

	if supersedes(incoming.Settings.UpdatedAt, incoming.Settings.UpdatedBy, out.Settings.UpdatedAt, out.Settings.UpdatedBy) {
		out.Settings = incoming.Settings
	}
	if incoming.CurrentDay > out.CurrentDay {
		out.CurrentDay = incoming.CurrentDay
	}
	out.Recompute()
	return out
}

// MergePet 宠物状态整体 LWW。
func MergePet(server, incoming PetState) PetState {
	if incoming.Supersedes(server) {
		return incoming.Clone()
	}
	return server.Clone()
}

// AdoptSleep 是客户端采纳服务端权威状态的合并：以 canonical 为准，
// 但 pending 中仍有待同步写入的键保留本地版本。
func AdoptSleep(local, canonical SleepData, pending map[string]bool) SleepData {
	if pending[KeyAll] {
		return local.Clone()
	}
	out := canonical.Clone()
	out.Records = out.Records[:0]
	for _, r := range canonical.Records {
		if r.Deleted || pending[r.Date] {
			continue
		}
		out.Records = append(out.Records, r.Clone())
	}
	for _, r := range local.Records {
		if pending[r.Date] {
			out.Records = append(out.Records, r.Clone())
		}
	}
	if pending[KeySettings] {
		out.Settings = local.Settings
	}
	if pending[KeyDay] && local.CurrentDay > out.CurrentDay {
		out.CurrentDay = local.CurrentDay
	}
	out.Recompute()
	return out
}

// AdoptPet 宠物域的服务端优先合并。
func AdoptPet(local, canonical PetState, pending bool) PetState {
	if pending {
		return local.Clone()
	}
	return canonical.Clone()
}

// Live 返回去掉墓碑后的副本，用于对外响应。
func (d SleepData) Live() SleepData {
	out := d.Clone()
	out.Records = out.Records[:0]
	for _, r := range d.Records {
		if !r.Deleted {
			out.Records = append(out.Records, r.Clone())
		}
	}
	out.Recompute()
	return out
}
