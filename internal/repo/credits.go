package repo

import (
	"context"
	"database/sql"

	"guildhall/internal/domain"
)

const creditColumns = `id,film_id,member_id,role,status,certified_by,created_at,updated_at`

func (r Repo) InsertCredit(ctx context.Context, tx *sql.Tx, c domain.Credit) error {
	exec := execFn(ctx, r.DB, tx)
	_, err := exec(`INSERT INTO credits(`+creditColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.FilmID, c.MemberID, c.Role, c.Status, nullableStringPtr(c.CertifiedBy), c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanCredit(scan func(dest ...any) error) (domain.Credit, error) {
	var c domain.Credit
	var certifiedBy sql.NullString
	err := scan(&c.ID, &c.FilmID, &c.MemberID, &c.Role, &c.Status, &certifiedBy, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if certifiedBy.Valid {
		c.CertifiedBy = &certifiedBy.String
	}
	return c, nil
}

func (r Repo) GetCredit(ctx context.Context, id string) (domain.Credit, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+creditColumns+` FROM credits WHERE id=?`, id)
	return scanCredit(row.Scan)
}

func (r Repo) ListCreditsByMember(ctx context.Context, memberID string) ([]domain.Credit, error) {
	return r.listCredits(ctx, `member_id=?`, memberID)
}

func (r Repo) ListCreditsByFilm(ctx context.Context, filmID string) ([]domain.Credit, error) {
	return r.listCredits(ctx, `film_id=?`, filmID)
}

func (r Repo) listCredits(ctx context.Context, where string, arg any) ([]domain.Credit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+creditColumns+` FROM credits WHERE `+where+` ORDER BY created_at DESC, id DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Credit
	for rows.Next() {
		c, err := scanCredit(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCreditStatus(ctx context.Context, tx *sql.Tx, id, status string, certifiedBy *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE credits SET status=?, certified_by=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(certifiedBy), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountCertifiedCredits reports how many certified credits a member holds.
// Verification requires at least one.
func (r Repo) CountCertifiedCredits(ctx context.Context, memberID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM credits WHERE member_id=? AND status='certified'`, memberID).Scan(&n)
	return n, err
}
