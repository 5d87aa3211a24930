package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"guildhall/internal/domain"
)

// ErrConflict reports a uniqueness violation, e.g. a second registration
// for the same (subject, member) pair.
var ErrConflict = errors.New("conflict")

const registrationColumns = `id,subject_id,member_id,status,name,email,phone,persons,organization,special_requirements,registered_at,updated_at`

// InsertRegistration relies on the UNIQUE(subject_id, member_id) index to
// reject duplicates; two concurrent submits cannot both land.
func (r Repo) InsertRegistration(ctx context.Context, tx *sql.Tx, reg domain.Registration) error {
	exec := execFn(ctx, r.DB, tx)
	_, err := exec(`INSERT INTO registrations(`+registrationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		reg.ID, reg.SubjectID, reg.MemberID, reg.Status, reg.Name, reg.Email, reg.Phone,
		nullableIntPtr(reg.Persons), nullable(reg.Organization), nullable(reg.SpecialRequirements),
		reg.RegisteredAt, reg.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanRegistration(scan func(dest ...any) error) (domain.Registration, error) {
	var reg domain.Registration
	var persons sql.NullInt64
	var organization, special sql.NullString
	err := scan(&reg.ID, &reg.SubjectID, &reg.MemberID, &reg.Status, &reg.Name, &reg.Email, &reg.Phone,
		&persons, &organization, &special, &reg.RegisteredAt, &reg.UpdatedAt)
	if err == sql.ErrNoRows {
		return reg, ErrNotFound
	}
	if err != nil {
		return reg, err
	}
	if persons.Valid {
		n := int(persons.Int64)
		reg.Persons = &n
	}
	if organization.Valid {
		reg.Organization = organization.String
	}
	if special.Valid {
		reg.SpecialRequirements = special.String
	}
	return reg, nil
}

func (r Repo) GetRegistration(ctx context.Context, id string) (domain.Registration, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE id=?`, id)
	return scanRegistration(row.Scan)
}

// GetRegistrationBySubjectMember returns the member's registration for a
// subject, if any. This backs the status check that opens every flow.
func (r Repo) GetRegistrationBySubjectMember(ctx context.Context, subjectID, memberID string) (domain.Registration, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE subject_id=? AND member_id=?`, subjectID, memberID)
	return scanRegistration(row.Scan)
}

func (r Repo) ListRegistrationsBySubject(ctx context.Context, subjectID string, limit int, cursorRegisteredAt, cursorID string) ([]domain.Registration, error) {
	var clauses []string
	args := []any{subjectID}
	clauses = append(clauses, "subject_id=?")
	if cursorRegisteredAt != "" && cursorID != "" {
		clauses = append(clauses, "(registered_at < ? OR (registered_at = ? AND id < ?))")
		args = append(args, cursorRegisteredAt, cursorRegisteredAt, cursorID)
	}
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY registered_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, reg)
	}
	return res, rows.Err()
}

func (r Repo) ListRegistrationsByMember(ctx context.Context, memberID string, limit int) ([]domain.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE member_id=? ORDER BY registered_at DESC, id DESC`
	args := []any{memberID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, reg)
	}
	return res, rows.Err()
}

// CountRegistrations counts confirmed and pending rows for capacity checks.
func (r Repo) CountRegistrations(ctx context.Context, tx *sql.Tx, subjectID string) (int, error) {
	var n int
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations WHERE subject_id=?`, subjectID).Scan(&n)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations WHERE subject_id=?`, subjectID).Scan(&n)
	}
	return n, err
}

func (r Repo) UpdateRegistrationStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE registrations SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRegistrationBySubjectMember removes the member's registration for a
// subject. Returns the number of rows removed so callers can treat a second
// cancel as a no-op rather than an error.
func (r Repo) DeleteRegistrationBySubjectMember(ctx context.Context, tx *sql.Tx, subjectID, memberID string) (int64, error) {
	exec := execFn(ctx, r.DB, tx)
	res, err := exec(`DELETE FROM registrations WHERE subject_id=? AND member_id=?`, subjectID, memberID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
