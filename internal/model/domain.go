package model

import (
	"fmt"
	"strings"
)

// Domain 表示一块独立同步的应用状态。
type Domain string

const (
	// DomainSleep 睡眠记录、设置与程序进度。
	DomainSleep Domain = "sleep"
	// DomainPet 虚拟宠物（スリープン）状态。
	DomainPet Domain = "sleepen"
)

// 待写队列条目的冲突键。
const (
	KeySettings = "settings"
	KeyPet      = "pet"
	KeyDay      = "currentDay"
	KeyAll      = "*"
)

// Domains 返回全部同步域，顺序固定。
func Domains() []Domain {
	return []Domain{DomainSleep, DomainPet}
}

// Tag 返回该域在后台调度器中的任务名，例如 sync-sleep-data。
func (d Domain) Tag() string {
	return "sync-" + string(d) + "-data"
}

// Valid 判断是否为已知域。
func (d Domain) Valid() bool {
	return d == DomainSleep || d == DomainPet
}

// ParseDomain 将字符串解析为 Domain。
func ParseDomain(raw string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(raw)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown domain %q", raw)
	}
	return d, nil
}

// DomainFromTag 是 Tag 的逆操作。
func DomainFromTag(tag string) (Domain, bool) {
	for _, d := range Domains() {
		if d.Tag() == tag {
			return d, true
		}
	}
	return "", false
}

// DomainForPath 按 API 路径推断所属域：/api/sleepen 开头归宠物域，其余归睡眠域。
func DomainForPath(path string) Domain {
	if strings.HasPrefix(path, "/api/sleepen") {
		return DomainPet
	}
	return DomainSleep
}
