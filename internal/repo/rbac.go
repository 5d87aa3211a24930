package repo

import (
	"context"
	"database/sql"

	"guildhall/internal/config"
)

// SeedRoles replaces role_permissions with the roles defined in config.
// Member role assignments are preserved across reseeds.
func (r Repo) SeedRoles(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	exec := execFn(ctx, r.DB, tx)
	if _, err := exec(`DELETE FROM role_permissions`); err != nil {
		return err
	}
	for roleID, role := range cfg.RBAC.Roles {
		for _, perm := range role.Permissions {
			if _, err := exec(`INSERT OR IGNORE INTO role_permissions(role_id,permission_id) VALUES (?,?)`, roleID, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, memberID, roleID string) error {
	exec := execFn(ctx, r.DB, tx)
	_, err := exec(`INSERT OR IGNORE INTO member_roles(member_id,role_id) VALUES (?,?)`, memberID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, memberID, roleID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM member_roles WHERE member_id=? AND role_id=?`, memberID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MemberRoles(ctx context.Context, memberID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM member_roles WHERE member_id=? ORDER BY role_id`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) MemberPermissions(ctx context.Context, memberID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT rp.permission_id FROM member_roles mr
JOIN role_permissions rp ON rp.role_id = mr.role_id
WHERE mr.member_id=? ORDER BY rp.permission_id`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func (r Repo) MemberHasPermission(ctx context.Context, memberID, permissionID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM member_roles mr
JOIN role_permissions rp ON rp.role_id = mr.role_id
WHERE mr.member_id=? AND rp.permission_id=?`, memberID, permissionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
