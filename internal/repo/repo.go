package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"guildhall/internal/config"
	"guildhall/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- members ---

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	exec := execFn(ctx, r.DB, tx)
	_, err := exec(`INSERT INTO members(id,name,email,phone,bio,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, m.Email, nullable(m.Phone), nullable(m.Bio), m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

func scanMember(scan func(dest ...any) error) (domain.Member, error) {
	var m domain.Member
	var phone, bio sql.NullString
	err := scan(&m.ID, &m.Name, &m.Email, &phone, &bio, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if phone.Valid {
		m.Phone = phone.String
	}
	if bio.Valid {
		m.Bio = bio.String
	}
	return m, nil
}

const memberColumns = `id,name,email,phone,bio,status,created_at,updated_at`

func (r Repo) GetMember(ctx context.Context, id string) (domain.Member, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id=?`, id)
	return scanMember(row.Scan)
}

func (r Repo) GetMemberByEmail(ctx context.Context, email string) (domain.Member, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE email=?`, email)
	return scanMember(row.Scan)
}

func (r Repo) ListMembers(ctx context.Context, status string, limit int, cursorCreatedAt, cursorID string) ([]domain.Member, error) {
	var clauses []string
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + memberColumns + ` FROM members`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		m, err := scanMember(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	exec := execFn(ctx, r.DB, tx)
	res, err := exec(`UPDATE members SET name=?, email=?, phone=?, bio=?, status=?, updated_at=? WHERE id=?`,
		m.Name, m.Email, nullable(m.Phone), nullable(m.Bio), m.Status, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateMemberStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE members SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- films ---

func (r Repo) InsertFilm(ctx context.Context, tx *sql.Tx, f domain.Film) error {
	exec := execFn(ctx, r.DB, tx)
	_, err := exec(`INSERT INTO films(id,title,year,synopsis,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		f.ID, f.Title, f.Year, nullable(f.Synopsis), f.CreatedAt, f.UpdatedAt)
	return err
}

func scanFilm(scan func(dest ...any) error) (domain.Film, error) {
	var f domain.Film
	var synopsis sql.NullString
	err := scan(&f.ID, &f.Title, &f.Year, &synopsis, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if synopsis.Valid {
		f.Synopsis = synopsis.String
	}
	return f, nil
}

func (r Repo) GetFilm(ctx context.Context, id string) (domain.Film, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,title,year,synopsis,created_at,updated_at FROM films WHERE id=?`, id)
	return scanFilm(row.Scan)
}

// ListFilms returns films newest-first by year, then by creation time.
func (r Repo) ListFilms(ctx context.Context, limit int) ([]domain.Film, error) {
	query := `SELECT id,title,year,synopsis,created_at,updated_at FROM films ORDER BY year DESC, created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Film
	for rows.Next() {
		f, err := scanFilm(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) UpdateFilm(ctx context.Context, tx *sql.Tx, f domain.Film) error {
	exec := execFn(ctx, r.DB, tx)
	res, err := exec(`UPDATE films SET title=?, year=?, synopsis=?, updated_at=? WHERE id=?`,
		f.Title, f.Year, nullable(f.Synopsis), f.UpdatedAt, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- subjects ---

const subjectColumns = `id,kind,title,description,starts_at,capacity,channel,external_url,status,created_at,updated_at`

func (r Repo) InsertSubject(ctx context.Context, tx *sql.Tx, s domain.Subject) error {
	exec := execFn(ctx, r.DB, tx)
	_, err := exec(`INSERT INTO subjects(`+subjectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Kind, s.Title, nullable(s.Description), nullableStringPtr(s.StartsAt), s.Capacity,
		s.Channel, nullable(s.ExternalURL), s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func scanSubject(scan func(dest ...any) error) (domain.Subject, error) {
	var s domain.Subject
	var description, startsAt, externalURL sql.NullString
	err := scan(&s.ID, &s.Kind, &s.Title, &description, &startsAt, &s.Capacity, &s.Channel, &externalURL, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if description.Valid {
		s.Description = description.String
	}
	if startsAt.Valid {
		s.StartsAt = &startsAt.String
	}
	if externalURL.Valid {
		s.ExternalURL = externalURL.String
	}
	return s, nil
}

func (r Repo) GetSubject(ctx context.Context, id string) (domain.Subject, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id=?`, id)
	return scanSubject(row.Scan)
}

func (r Repo) ListSubjects(ctx context.Context, kind, status string, limit int, cursorCreatedAt, cursorID string) ([]domain.Subject, error) {
	var clauses []string
	var args []any
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + subjectColumns + ` FROM subjects`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subject
	for rows.Next() {
		s, err := scanSubject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSubject(ctx context.Context, tx *sql.Tx, s domain.Subject) error {
	exec := execFn(ctx, r.DB, tx)
	res, err := exec(`UPDATE subjects SET title=?, description=?, starts_at=?, capacity=?, channel=?, external_url=?, status=?, updated_at=? WHERE id=?`,
		s.Title, nullable(s.Description), nullableStringPtr(s.StartsAt), s.Capacity, s.Channel,
		nullable(s.ExternalURL), s.Status, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- association config ---

func (r Repo) UpsertAssociationConfig(ctx context.Context, tx *sql.Tx, associationID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Association.ID = associationID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := execFn(ctx, r.DB, tx)
	_, err = exec(`INSERT INTO association_configs(association_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(association_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, associationID, string(payload), now, now)
	return err
}

func (r Repo) GetAssociationConfig(ctx context.Context, associationID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM association_configs WHERE association_id=?`, associationID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Association.ID == "" {
		cfg.Association.ID = associationID
	}
	return &cfg, cfg.Validate()
}

// --- event log ---

const eventColumns = `id,ts,type,entity_kind,entity_id,actor_id,payload_json`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var entityID, payload sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload)
	if err != nil {
		return e, err
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// ListEvents returns the newest events first.
func (r Repo) ListEvents(ctx context.Context, limit int, beforeID int64) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if beforeID > 0 {
		query += ` WHERE id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events in ascending ID order after the given cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// --- helpers ---

func execFn(ctx context.Context, db *sql.DB, tx *sql.Tx) func(query string, args ...any) (sql.Result, error) {
	return func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
