package auth

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/models"
)

// RoleSnapshot is the role material carried into access-token claims.
type RoleSnapshot struct {
	PrimaryRole string
	Roles       []RoleClaim
	Permissions []string
}

// RoleResolver flattens a user's active role grants into the shape
// token issuance needs. The authorization model itself lives outside
// the auth core; this only snapshots grants into claims.
type RoleResolver struct {
	db *gorm.DB
}

// NewRoleResolver constructs a resolver.
func NewRoleResolver(db *gorm.DB) *RoleResolver {
	return &RoleResolver{db: db}
}

// Resolve loads the user's active roles and returns the primary role
// name, the full assignment list and the deduplicated permission set.
func (r *RoleResolver) Resolve(ctx context.Context, userID string) (RoleSnapshot, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Preload("Roles.Permissions").
		First(&user, "id = ?", userID).Error
	if err != nil {
		return RoleSnapshot{}, fmt.Errorf("role resolver: load roles: %w", err)
	}
	return Snapshot(user.Roles), nil
}

// Snapshot flattens an already loaded role list.
func Snapshot(roles []models.Role) RoleSnapshot {
	var snapshot RoleSnapshot
	seen := make(map[string]struct{})

	for _, role := range roles {
		if !role.IsActive {
			continue
		}

		claim := RoleClaim{Section: role.Section, Role: role.Name}
		if role.SectionID != nil {
			claim.SectionID = *role.SectionID
		}
		snapshot.Roles = append(snapshot.Roles, claim)

		if role.IsPrimary && snapshot.PrimaryRole == "" {
			snapshot.PrimaryRole = role.Name
		}

		for _, permission := range role.Permissions {
			if _, ok := seen[permission.Name]; ok {
				continue
			}
			seen[permission.Name] = struct{}{}
			snapshot.Permissions = append(snapshot.Permissions, permission.Name)
		}
	}

	if snapshot.PrimaryRole == "" && len(snapshot.Roles) > 0 {
		snapshot.PrimaryRole = snapshot.Roles[0].Role
	}
	sort.Strings(snapshot.Permissions)
	return snapshot
}
