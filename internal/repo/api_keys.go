package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"guildhall/internal/domain"
)

// HashAPIKey hashes a raw API key for storage and lookup. Raw keys are
// returned to the caller once at creation and never stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, k domain.APIKey) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,member_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.MemberID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := scan(&k.ID, &k.MemberID, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if name.Valid {
		k.Name = name.String
	}
	return k, nil
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, keyHash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,member_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, keyHash)
	return scanAPIKey(row.Scan)
}

func (r Repo) ListAPIKeys(ctx context.Context, memberID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,member_id,name,key_hash,created_at FROM api_keys WHERE member_id=? ORDER BY created_at DESC, id DESC`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
