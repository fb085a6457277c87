package service

import (
	"context"
	"errors"
	"log"

	"tokenmarket/internal/model"
	"tokenmarket/internal/store"
)

var errUnauthorized = errors.New("unauthorized")

type ProfileService struct {
	store  *store.Store
	roles  RoleResolver
	policy CreatePolicy
}

func NewProfileService(st *store.Store, roles RoleResolver, policy CreatePolicy) *ProfileService {
	if roles == nil {
		roles = AdminAllowList(nil)
	}
	if policy == nil {
		policy = OpenPlatform()
	}
	return &ProfileService{
		store:  st,
		roles:  roles,
		policy: policy,
	}
}

// touch 在当前事务内取得（必要时创建）画像并刷新活跃时间
func (s *ProfileService) touch(tx *store.Tx, account model.Account) model.UserProfile {
	profile, ok := tx.Profile(account)
	if !ok {
		profile = model.UserProfile{
			Account:   account,
			Role:      s.roles(account),
			CreatedAt: tx.Now(),
		}
	}
	profile.LastActive = tx.Now()
	tx.PutProfile(profile)
	return profile
}

// resolve 只读地得到账户画像，不存在时按名单推导默认角色
func (s *ProfileService) resolve(tx *store.Tx, account model.Account) model.UserProfile {
	if profile, ok := tx.Profile(account); ok {
		return profile
	}
	return model.UserProfile{Account: account, Role: s.roles(account)}
}

// canCreate 在事务内判断发币权限
func (s *ProfileService) canCreate(profile model.UserProfile) bool {
	return s.policy.CanCreateToken(profile)
}

// GetOrCreateProfile 幂等地返回画像，首次调用时创建
func (s *ProfileService) GetOrCreateProfile(ctx context.Context, account model.Account) (*model.UserProfile, error) {
	if account.IsAnonymous() {
		return nil, ErrAnonymousNotAllowed
	}

	var profile model.UserProfile
	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		profile = s.touch(tx, account)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetProfile 查询画像，不产生副作用
func (s *ProfileService) GetProfile(ctx context.Context, account model.Account) (*model.UserProfile, bool) {
	var (
		profile model.UserProfile
		ok      bool
	)
	s.store.View(func(tx *store.Tx) {
		profile, ok = tx.Profile(account)
	})
	if !ok {
		return nil, false
	}
	return &profile, true
}

// SetRole 只有 ADMIN 可以修改角色，其他情况返回 false 且不修改任何状态
func (s *ProfileService) SetRole(ctx context.Context, caller, target model.Account, role model.Role) bool {
	if caller.IsAnonymous() || target.IsAnonymous() || !role.Valid() {
		return false
	}

	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		callerProfile := s.touch(tx, caller)
		if callerProfile.Role != model.RoleAdmin {
			return errUnauthorized
		}

		targetProfile := callerProfile
		if target != caller {
			targetProfile = s.touch(tx, target)
		}
		previous := targetProfile.Role
		targetProfile.Role = role
		tx.PutProfile(targetProfile)

		tx.Emit(model.EventRoleChanged, map[string]interface{}{
			"caller":   caller,
			"target":   target,
			"previous": previous,
			"role":     role,
		})
		return nil
	})
	if err != nil {
		if !errors.Is(err, errUnauthorized) {
			log.Printf("[ProfileService] 修改角色失败: caller=%s, target=%s, err=%v", caller, target, err)
		}
		return false
	}

	log.Printf("[ProfileService] 角色已修改: caller=%s, target=%s, role=%s", caller, target, role)
	return true
}

// Verify 由 ADMIN 标记账户为已认证
func (s *ProfileService) Verify(ctx context.Context, caller, target model.Account) bool {
	if caller.IsAnonymous() || target.IsAnonymous() {
		return false
	}

	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		callerProfile := s.touch(tx, caller)
		if callerProfile.Role != model.RoleAdmin {
			return errUnauthorized
		}
		targetProfile := callerProfile
		if target != caller {
			targetProfile = s.touch(tx, target)
		}
		targetProfile.Verified = true
		tx.PutProfile(targetProfile)
		return nil
	})
	return err == nil
}

// HasCreatePermission 按当前注入的策略判断账户能否发币
func (s *ProfileService) HasCreatePermission(ctx context.Context, account model.Account) bool {
	if account.IsAnonymous() {
		return false
	}
	var allowed bool
	s.store.View(func(tx *store.Tx) {
		allowed = s.canCreate(s.resolve(tx, account))
	})
	return allowed
}
