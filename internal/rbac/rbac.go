package rbac

import "strings"

type Action string

const (
	ActionRead      Action = "read"
	ActionReadWrite Action = "read_write"
)

// Grant is one PermissionMapping row: a role allowed to perform an action on a tag.
type Grant struct {
	RoleID string `json:"roleId"`
	Action Action `json:"action"`
}

// HasPermission reports whether any of roleIDs is granted required by grants.
// An empty grant set denies everything.
func HasPermission(grants []Grant, roleIDs []string, required Action) bool {
	if len(grants) == 0 || len(roleIDs) == 0 {
		return false
	}
	held := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		held[id] = struct{}{}
	}
	for _, grant := range grants {
		if _, ok := held[grant.RoleID]; !ok {
			continue
		}
		if Satisfies(grant.Action, required) {
			return true
		}
	}
	return false
}

// Satisfies reports whether a granted action covers the required one.
func Satisfies(granted, required Action) bool {
	switch required {
	case ActionReadWrite:
		return granted == ActionReadWrite
	case ActionRead:
		return granted == ActionRead || granted == ActionReadWrite
	default:
		return false
	}
}

func ParseAction(value string) (Action, bool) {
	switch Action(strings.TrimSpace(strings.ToLower(value))) {
	case ActionRead:
		return ActionRead, true
	case ActionReadWrite:
		return ActionReadWrite, true
	default:
		return "", false
	}
}
