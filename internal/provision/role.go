package provision

import "strings"

// Default quotas per role, in bytes. Overridable through configuration;
// the fallback for unknown roles is the student policy.
const (
	defaultQuotaStudent    = 1 << 30  // 1 GiB
	defaultQuotaTeacher    = 5 << 30  // 5 GiB
	defaultQuotaStaff      = 10 << 30 // 10 GiB
	defaultQuotaLeadership = 20 << 30 // 20 GiB
)

// ResolveRole maps an organizational unit to a Role. It is total:
// unrecognized units fall back to RoleStudent. Callers must treat the
// fallback as operator-alertable (see Reconciler), since it indicates
// directory schema drift and silent misclassification is a
// security-relevant error.
func ResolveRole(ou string) Role {
	unit := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ou), "ou="))
	switch {
	case strings.Contains(unit, "uczniowie"):
		return RoleStudent
	case strings.Contains(unit, "nauczyciele"):
		return RoleTeacher
	case strings.Contains(unit, "administracja"):
		return RoleStaff
	case strings.Contains(unit, "dyrekcja"):
		return RoleLeadership
	}
	return RoleStudent
}

// RoleKnown reports whether the unit maps to a role without the student
// fallback. Used by the reconciler to emit the schema drift warning.
func RoleKnown(ou string) bool {
	unit := strings.ToLower(ou)
	for _, marker := range []string{"uczniowie", "nauczyciele", "administracja", "dyrekcja"} {
		if strings.Contains(unit, marker) {
			return true
		}
	}
	return false
}

// QuotaTable maps roles to mailbox quotas. It must cover every role;
// For falls back to the student policy for anything it does not know.
type QuotaTable map[Role]int64

// DefaultQuotas returns the standing quota configuration.
func DefaultQuotas() QuotaTable {
	return QuotaTable{
		RoleStudent:    defaultQuotaStudent,
		RoleTeacher:    defaultQuotaTeacher,
		RoleStaff:      defaultQuotaStaff,
		RoleLeadership: defaultQuotaLeadership,
	}
}

// For returns the quota for a role, falling back to the student quota
// for roles missing from the table.
func (t QuotaTable) For(role Role) int64 {
	if q, ok := t[role]; ok && q > 0 {
		return q
	}
	if q, ok := t[RoleStudent]; ok && q > 0 {
		return q
	}
	return defaultQuotaStudent
}
