package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionPost     Action = "post"
	ActionClaim    Action = "claim"
	ActionReview   Action = "review"
	ActionOverride Action = "override"
)

// Can reports whether role may perform action. Override is the
// administrative bypass of the requester-only rules on complete and delete.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionPost || action == ActionClaim || action == ActionReview
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
