package rbac

import "strings"

type Role string
type Action string

const (
	RoleRequester Role = "Requester"
	RoleBATeam    Role = "BA Team"
	RoleDevTeam   Role = "Dev Team"
	RoleQATeam    Role = "QA Team"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionExport Action = "export"
)

var Roles = []Role{RoleRequester, RoleBATeam, RoleDevTeam, RoleQATeam}

func Valid(role string) bool {
	for _, candidate := range Roles {
		if Role(role) == candidate {
			return true
		}
	}
	return false
}

// Normalize trims role and maps an empty value to Requester. Unknown roles are
// returned unchanged so validation can reject them.
func Normalize(role string) Role {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return RoleRequester
	}
	return Role(trimmed)
}

// RequiresDocument reports whether CRs filed by role must carry a document.
func RequiresDocument(role string) bool {
	return Role(role) == RoleBATeam
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleRequester, RoleBATeam, RoleDevTeam, RoleQATeam:
		return action == ActionRead || action == ActionWrite || action == ActionExport
	default:
		return action == ActionRead
	}
}
