// Package auth describes the already-authenticated caller handed to the
// ledger engine by the identity collaborator. The engine never verifies
// credentials; it only checks the capabilities a Caller claims.
package auth

import (
	"strings"

	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
)

// Role is the capability class of a caller.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// ParseRole normalises a role claim. Unknown roles degrade to RoleUser.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin, "super_admin":
		return RoleAdmin
	case RoleSystem:
		return RoleSystem
	default:
		return RoleUser
	}
}

// Caller is the verified identity of whoever invokes an engine operation.
// AccountID is the ledger account the caller owns; admins may have none.
type Caller struct {
	UserID    string
	Role      Role
	AccountID string
}

// User builds a caller owning accountID.
func User(userID, accountID string) Caller {
	return Caller{UserID: userID, Role: RoleUser, AccountID: accountID}
}

// Admin builds an administrative caller.
func Admin(adminID string) Caller {
	return Caller{UserID: adminID, Role: RoleAdmin}
}

// System is the caller used by in-process collaborators such as account
// opening and the reconciler.
func System() Caller {
	return Caller{UserID: "system", Role: RoleSystem}
}

// IsAdmin reports whether the caller may take administrative decisions.
func (c Caller) IsAdmin() bool {
	return c.UserID != "" && c.Role == RoleAdmin
}

// IsSystem reports whether the caller is an in-process collaborator.
func (c Caller) IsSystem() bool {
	return c.Role == RoleSystem
}

// Owns reports whether the caller holds accountID.
func (c Caller) Owns(accountID string) bool {
	return accountID != "" && c.AccountID == accountID
}

// RequireAdmin fails with Unauthorized unless the caller is an admin.
func (c Caller) RequireAdmin(operation string) error {
	if !c.IsAdmin() {
		return apperrors.Unauthorized(operation + " requires an admin caller")
	}
	return nil
}

// RequireOwnerOrAdmin fails with Unauthorized unless the caller owns
// accountID, is an admin, or is the system.
func (c Caller) RequireOwnerOrAdmin(operation, accountID string) error {
	if c.Owns(accountID) || c.IsAdmin() || c.IsSystem() {
		return nil
	}
	return apperrors.Unauthorized(operation + " is not permitted on account " + accountID)
}
