package auth

// 资金控制器的权限。
const (
	PermTransactionsSubmit  = "transactions:submit"
	PermTransactionsRead    = "transactions:read"
	PermAccountsRead        = "accounts:read"
	PermAccountsManage      = "accounts:manage"
	PermApprovalsSign       = "approvals:sign"
	PermReconciliationsRun  = "reconciliations:run"
	PermReconciliationsRead = "reconciliations:read"
	PermEmergencyRead       = "emergency:read"
	PermEmergencyManage     = "emergency:manage"
)

// 内置角色。
const (
	RoleOperator  = "operator"
	RoleApprover  = "approver"
	RoleSubmitter = "submitter"
	RoleViewer    = "viewer"
)

var readPermissions = []string{
	PermTransactionsRead,
	PermAccountsRead,
	PermReconciliationsRead,
	PermEmergencyRead,
}

var rolePermissions = map[string][]string{
	RoleViewer:    readPermissions,
	RoleSubmitter: append([]string{PermTransactionsSubmit}, readPermissions...),
	RoleApprover:  append([]string{PermApprovalsSign}, readPermissions...),
	RoleOperator: append([]string{
		PermTransactionsSubmit,
		PermAccountsManage,
		PermReconciliationsRun,
		PermEmergencyManage,
	}, readPermissions...),
}

// ExpandRoles 返回角色对应的权限与额外权限的并集。未知角色不授予权限。
func ExpandRoles(roles []string, extra []string) []string {
	perms := append([]string(nil), extra...)
	for _, role := range dedupeStrings(roles) {
		perms = append(perms, rolePermissions[role]...)
	}
	return dedupeStrings(perms)
}
