package auth

import (
	"context"
	"fmt"

	"guildhall/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC checks over the role store.
type Service struct {
	Repo repo.Repo
}

func (s Service) MemberHasPermission(ctx context.Context, memberID, perm string) (bool, error) {
	return s.Repo.MemberHasPermission(ctx, memberID, perm)
}

// Require returns ForbiddenError unless the member holds the permission.
func (s Service) Require(ctx context.Context, memberID, perm string) error {
	ok, err := s.MemberHasPermission(ctx, memberID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) MemberRoles(ctx context.Context, memberID string) ([]string, error) {
	return s.Repo.MemberRoles(ctx, memberID)
}

func (s Service) MemberPermissions(ctx context.Context, memberID string) ([]string, error) {
	return s.Repo.MemberPermissions(ctx, memberID)
}
