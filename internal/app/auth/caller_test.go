package auth

import (
	"testing"

	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
)

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"admin":       RoleAdmin,
		" ADMIN ":     RoleAdmin,
		"super_admin": RoleAdmin,
		"system":      RoleSystem,
		"":            RoleUser,
		"owner":       RoleUser,
	}
	for raw, want := range cases {
		if got := ParseRole(raw); got != want {
			t.Fatalf("ParseRole(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCapabilities(t *testing.T) {
	alice := User("u-alice", "SITC0000001")
	admin := Admin("root")

	if err := alice.RequireAdmin("decide"); !apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("user must not pass admin check, got %v", err)
	}
	if err := admin.RequireAdmin("decide"); err != nil {
		t.Fatalf("admin check: %v", err)
	}
	if err := alice.RequireOwnerOrAdmin("balance", "SITC0000001"); err != nil {
		t.Fatalf("owner check: %v", err)
	}
	if err := alice.RequireOwnerOrAdmin("balance", "SITC0000002"); err == nil {
		t.Fatalf("foreign account must be rejected")
	}
	if err := System().RequireOwnerOrAdmin("open", "SITC0000002"); err != nil {
		t.Fatalf("system caller: %v", err)
	}
	if (Caller{Role: RoleAdmin}).IsAdmin() {
		t.Fatalf("admin without id must not be trusted")
	}
	if alice.Owns("") {
		t.Fatalf("empty account id must never be owned")
	}
}
