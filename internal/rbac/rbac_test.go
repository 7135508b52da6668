package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "user read", role: RoleUser, action: ActionRead, allow: true},
		{name: "user post", role: RoleUser, action: ActionPost, allow: true},
		{name: "user claim", role: RoleUser, action: ActionClaim, allow: true},
		{name: "user review", role: RoleUser, action: ActionReview, allow: true},
		{name: "user override", role: RoleUser, action: ActionOverride, allow: false},
		{name: "admin override", role: RoleAdmin, action: ActionOverride, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("admin"); got != RoleAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	for _, raw := range []string{"", "editor", "ADMIN"} {
		if got := Normalize(raw); got != RoleUser {
			t.Fatalf("Normalize(%q) = %q, want user", raw, got)
		}
	}
}
