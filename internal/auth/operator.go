package auth

import (
	"slices"
	"strings"

	xerrors "TreasuryGuard/internal/errors"
)

// Operator 是通过认证的调用方。Username 同时是审批签名里的审批人 ID。
// 构造后不再修改，可以在请求之间共享。
type Operator struct {
	ID       int64
	Username string
	Roles    []string

	disabled bool
	grants   map[string]struct{}
}

// NewOperator 展开角色并建立权限集合。
func NewOperator(id int64, username string, roles, extra []string, disabled bool) *Operator {
	op := &Operator{
		ID:       id,
		Username: username,
		Roles:    dedupeStrings(roles),
		disabled: disabled,
		grants:   make(map[string]struct{}),
	}
	for _, perm := range ExpandRoles(roles, extra) {
		op.grants[perm] = struct{}{}
	}
	return op
}

// Disabled 报告账号是否已停用。
func (o *Operator) Disabled() bool {
	return o != nil && o.disabled
}

// Can 判断操作员是否拥有权限。
func (o *Operator) Can(permission string) bool {
	if o == nil {
		return false
	}
	_, ok := o.grants[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Permissions 返回排序后的权限列表。
func (o *Operator) Permissions() []string {
	if o == nil {
		return nil
	}
	out := make([]string, 0, len(o.grants))
	for perm := range o.grants {
		out = append(out, perm)
	}
	slices.Sort(out)
	return out
}

// Authorize 要求操作员拥有全部权限，缺失时返回第一个缺少的权限。
func (o *Operator) Authorize(perms ...string) error {
	switch {
	case o == nil:
		return ErrInvalidToken
	case o.disabled:
		return ErrOperatorDisabled
	}
	for _, perm := range perms {
		if perm != "" && !o.Can(perm) {
			return xerrors.New(xerrors.CodeForbidden, "权限不足",
				xerrors.WithDetail("permission", perm),
				xerrors.WithDetail("user", o.Username))
		}
	}
	return nil
}
