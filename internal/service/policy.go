package service

import (
	"fmt"

	"tokenmarket/internal/model"
)

// CreatePolicy 发币权限策略，与存储解耦，可以整体替换
type CreatePolicy interface {
	CanCreateToken(profile model.UserProfile) bool
}

// CreatePolicyFunc 函数形式的策略
type CreatePolicyFunc func(profile model.UserProfile) bool

func (f CreatePolicyFunc) CanCreateToken(profile model.UserProfile) bool {
	return f(profile)
}

const (
	PolicyOpen  = "open"
	PolicyGated = "gated"
)

// OpenPlatform 开放平台：任何已认证账户都可以发币
func OpenPlatform() CreatePolicy {
	return CreatePolicyFunc(func(model.UserProfile) bool { return true })
}

// GatedPlatform 受控平台：只有 ADMIN / CREATOR 可以发币
func GatedPlatform() CreatePolicy {
	return CreatePolicyFunc(func(p model.UserProfile) bool {
		return p.Role == model.RoleAdmin || p.Role == model.RoleCreator
	})
}

// PolicyByName 按配置名称选择策略
func PolicyByName(name string) (CreatePolicy, error) {
	switch name {
	case PolicyOpen, "":
		return OpenPlatform(), nil
	case PolicyGated:
		return GatedPlatform(), nil
	default:
		return nil, fmt.Errorf("未知的发币策略: %s", name)
	}
}

// RoleResolver 决定新建画像的初始角色
type RoleResolver func(account model.Account) model.Role

// AdminAllowList 静态管理员名单：名单内为 ADMIN，其余为 USER
func AdminAllowList(accounts []string) RoleResolver {
	admins := make(map[model.Account]struct{}, len(accounts))
	for _, a := range accounts {
		admins[model.Account(a)] = struct{}{}
	}
	return func(account model.Account) model.Role {
		if _, ok := admins[account]; ok {
			return model.RoleAdmin
		}
		return model.RoleUser
	}
}
