package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"

	"guildhall/internal/config"
	"guildhall/internal/domain"
	"guildhall/internal/engine/auth"
	"guildhall/internal/events"
	"guildhall/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitAssociation seeds the association config and roles. Run once after
// migrations; reruns refresh roles from config without touching data.
func (e Engine) InitAssociation(ctx context.Context, cfg *config.Config, actorID string) error {
	if cfg == nil {
		cfg = config.Default("default")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertAssociationConfig(ctx, tx, cfg.Association.ID, cfg); err != nil {
		return fmt.Errorf("store association config: %w", err)
	}
	if err := e.Repo.SeedRoles(ctx, tx, cfg); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "association.init", "association", cfg.Association.ID, actorID, events.EventPayload{"name": cfg.Association.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- members ---

// MemberRegisterOptions are parameters for registering a member.
type MemberRegisterOptions struct {
	Name    string
	Email   string
	Phone   string
	Bio     string
	ActorID string
}

func (e Engine) RegisterMember(ctx context.Context, opts MemberRegisterOptions) (domain.Member, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Member{}, errors.New("name is required")
	}
	if !govalidator.IsEmail(opts.Email) {
		return domain.Member{}, fmt.Errorf("invalid email %q", opts.Email)
	}
	if _, err := e.Repo.GetMemberByEmail(ctx, opts.Email); err == nil {
		return domain.Member{}, fmt.Errorf("email %s already registered", opts.Email)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Member{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	m := domain.Member{
		ID:        uuid.NewString(),
		Name:      opts.Name,
		Email:     opts.Email,
		Phone:     opts.Phone,
		Bio:       opts.Bio,
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, fmt.Errorf("insert member: %w", err)
	}
	defaultRole := "member"
	if e.Config != nil && e.Config.RBAC.DefaultRole != "" {
		defaultRole = e.Config.RBAC.DefaultRole
	}
	if err := e.Repo.AssignRole(ctx, tx, m.ID, defaultRole); err != nil {
		return domain.Member{}, fmt.Errorf("assign default role: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "member.registered", "member", m.ID, opts.ActorID, events.EventPayload{"email": m.Email}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}

func ensureMemberTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "verified" || newStatus == "suspended" {
			return nil
		}
	case "verified":
		if newStatus == "suspended" {
			return nil
		}
	case "suspended":
		if newStatus == "verified" {
			return nil
		}
	}
	return fmt.Errorf("invalid member status transition %s -> %s", oldStatus, newStatus)
}

// SetMemberStatus moves a member between pending, verified and suspended.
// Verification requires at least one certified credit.
func (e Engine) SetMemberStatus(ctx context.Context, memberID, status, actorID string) (domain.Member, error) {
	m, err := e.Repo.GetMember(ctx, memberID)
	if err != nil {
		return domain.Member{}, err
	}
	if m.Status == status {
		return m, nil
	}
	if err := ensureMemberTransition(m.Status, status); err != nil {
		return domain.Member{}, err
	}
	if status == "verified" {
		n, err := e.Repo.CountCertifiedCredits(ctx, memberID)
		if err != nil {
			return domain.Member{}, err
		}
		if n == 0 {
			return domain.Member{}, fmt.Errorf("member %s has no certified credit", memberID)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.UpdateMemberStatus(ctx, tx, memberID, status, now); err != nil {
		return domain.Member{}, err
	}
	if err := e.Events.Append(ctx, tx, "member."+status, "member", memberID, actorID, events.EventPayload{"from": m.Status}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	m.Status = status
	m.UpdatedAt = now
	return m, nil
}

// MemberUpdateOptions encapsulates allowed profile updates.
type MemberUpdateOptions struct {
	MemberID string
	Name     *string
	Email    *string
	Phone    *string
	Bio      *string
	ActorID  string
}

func (e Engine) UpdateMember(ctx context.Context, opts MemberUpdateOptions) (domain.Member, error) {
	m, err := e.Repo.GetMember(ctx, opts.MemberID)
	if err != nil {
		return domain.Member{}, err
	}
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.Member{}, errors.New("name cannot be empty")
		}
		m.Name = *opts.Name
	}
	if opts.Email != nil {
		if !govalidator.IsEmail(*opts.Email) {
			return domain.Member{}, fmt.Errorf("invalid email %q", *opts.Email)
		}
		m.Email = *opts.Email
	}
	if opts.Phone != nil {
		m.Phone = *opts.Phone
	}
	if opts.Bio != nil {
		m.Bio = *opts.Bio
	}
	m.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMember(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	if err := e.Events.Append(ctx, tx, "member.updated", "member", m.ID, opts.ActorID, nil); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}

// --- films ---

type FilmCreateOptions struct {
	Title    string
	Year     int
	Synopsis string
	ActorID  string
}

func (e Engine) CreateFilm(ctx context.Context, opts FilmCreateOptions) (domain.Film, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Film{}, errors.New("title is required")
	}
	if opts.Year < 1888 || opts.Year > e.now().Year()+1 {
		return domain.Film{}, fmt.Errorf("implausible year %d", opts.Year)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Film{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	f := domain.Film{
		ID:        uuid.NewString(),
		Title:     opts.Title,
		Year:      opts.Year,
		Synopsis:  opts.Synopsis,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertFilm(ctx, tx, f); err != nil {
		return domain.Film{}, fmt.Errorf("insert film: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "film.created", "film", f.ID, opts.ActorID, events.EventPayload{"title": f.Title, "year": f.Year}); err != nil {
		return domain.Film{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Film{}, err
	}
	return f, nil
}

type FilmUpdateOptions struct {
	FilmID   string
	Title    *string
	Year     *int
	Synopsis *string
	ActorID  string
}

func (e Engine) UpdateFilm(ctx context.Context, opts FilmUpdateOptions) (domain.Film, error) {
	f, err := e.Repo.GetFilm(ctx, opts.FilmID)
	if err != nil {
		return domain.Film{}, err
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return domain.Film{}, errors.New("title cannot be empty")
		}
		f.Title = *opts.Title
	}
	if opts.Year != nil {
		f.Year = *opts.Year
	}
	if opts.Synopsis != nil {
		f.Synopsis = *opts.Synopsis
	}
	f.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Film{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateFilm(ctx, tx, f); err != nil {
		return domain.Film{}, err
	}
	if err := e.Events.Append(ctx, tx, "film.updated", "film", f.ID, opts.ActorID, nil); err != nil {
		return domain.Film{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Film{}, err
	}
	return f, nil
}

// --- credits ---

type CreditClaimOptions struct {
	FilmID   string
	MemberID string
	Role     string
	ActorID  string
}

func (e Engine) ClaimCredit(ctx context.Context, opts CreditClaimOptions) (domain.Credit, error) {
	if opts.Role == "" {
		return domain.Credit{}, errors.New("role is required")
	}
	if _, err := e.Repo.GetFilm(ctx, opts.FilmID); err != nil {
		return domain.Credit{}, err
	}
	if _, err := e.Repo.GetMember(ctx, opts.MemberID); err != nil {
		return domain.Credit{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credit{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	c := domain.Credit{
		ID:        uuid.NewString(),
		FilmID:    opts.FilmID,
		MemberID:  opts.MemberID,
		Role:      opts.Role,
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertCredit(ctx, tx, c); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Credit{}, fmt.Errorf("credit already claimed for this film and role")
		}
		return domain.Credit{}, fmt.Errorf("insert credit: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "credit.claimed", "credit", c.ID, opts.ActorID, events.EventPayload{"film_id": c.FilmID, "member_id": c.MemberID, "role": c.Role}); err != nil {
		return domain.Credit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Credit{}, err
	}
	return c, nil
}

func ensureCreditTransition(oldStatus, newStatus string) error {
	if oldStatus == "pending" && (newStatus == "certified" || newStatus == "rejected") {
		return nil
	}
	return fmt.Errorf("invalid credit status transition %s -> %s", oldStatus, newStatus)
}

// ResolveCredit certifies or rejects a pending credit claim.
func (e Engine) ResolveCredit(ctx context.Context, creditID, status, actorID string) (domain.Credit, error) {
	c, err := e.Repo.GetCredit(ctx, creditID)
	if err != nil {
		return domain.Credit{}, err
	}
	if err := ensureCreditTransition(c.Status, status); err != nil {
		return domain.Credit{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credit{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	var certifiedBy *string
	if status == "certified" {
		certifiedBy = &actorID
	}
	if err := e.Repo.UpdateCreditStatus(ctx, tx, creditID, status, certifiedBy, now); err != nil {
		return domain.Credit{}, err
	}
	if err := e.Events.Append(ctx, tx, "credit."+status, "credit", creditID, actorID, events.EventPayload{"member_id": c.MemberID}); err != nil {
		return domain.Credit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Credit{}, err
	}
	c.Status = status
	c.CertifiedBy = certifiedBy
	c.UpdatedAt = now
	return c, nil
}

// --- subjects ---

// SubjectCreateOptions are parameters for creating an event or project call.
type SubjectCreateOptions struct {
	Kind        string
	Title       string
	Description string
	StartsAt    string
	Capacity    int
	Channel     string
	ExternalURL string
	ActorID     string
}

func (e Engine) CreateSubject(ctx context.Context, opts SubjectCreateOptions) (domain.Subject, error) {
	if opts.Kind != "event" && opts.Kind != "project" {
		return domain.Subject{}, fmt.Errorf("invalid kind %q", opts.Kind)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Subject{}, errors.New("title is required")
	}
	if opts.Channel == "" {
		opts.Channel = "internal"
	}
	if opts.Channel != "internal" && opts.Channel != "external" {
		return domain.Subject{}, fmt.Errorf("invalid registration channel %q", opts.Channel)
	}
	if opts.Channel == "external" {
		if !govalidator.IsURL(opts.ExternalURL) {
			return domain.Subject{}, fmt.Errorf("external channel requires a valid url, got %q", opts.ExternalURL)
		}
	}
	if opts.Capacity < 0 {
		return domain.Subject{}, errors.New("capacity cannot be negative")
	}
	var startsAt *string
	if opts.StartsAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.StartsAt); err != nil {
			return domain.Subject{}, fmt.Errorf("invalid starts_at: %w", err)
		}
		startsAt = &opts.StartsAt
	}
	if opts.Kind == "event" && startsAt == nil {
		return domain.Subject{}, errors.New("events require starts_at")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subject{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	s := domain.Subject{
		ID:          uuid.NewString(),
		Kind:        opts.Kind,
		Title:       opts.Title,
		Description: opts.Description,
		StartsAt:    startsAt,
		Capacity:    opts.Capacity,
		Channel:     opts.Channel,
		ExternalURL: opts.ExternalURL,
		Status:      "draft",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertSubject(ctx, tx, s); err != nil {
		return domain.Subject{}, fmt.Errorf("insert subject: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "subject.created", "subject", s.ID, opts.ActorID, events.EventPayload{"kind": s.Kind, "title": s.Title}); err != nil {
		return domain.Subject{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subject{}, err
	}
	return s, nil
}

func ensureSubjectTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "draft":
		if newStatus == "open" || newStatus == "archived" {
			return nil
		}
	case "open":
		if newStatus == "closed" {
			return nil
		}
	case "closed":
		if newStatus == "open" || newStatus == "archived" {
			return nil
		}
	}
	return fmt.Errorf("invalid subject status transition %s -> %s", oldStatus, newStatus)
}

// SetSubjectStatus moves a subject through draft -> open -> closed -> archived.
// Closed subjects may reopen; archived is terminal.
func (e Engine) SetSubjectStatus(ctx context.Context, subjectID, status, actorID string) (domain.Subject, error) {
	s, err := e.Repo.GetSubject(ctx, subjectID)
	if err != nil {
		return domain.Subject{}, err
	}
	if s.Status == status {
		return s, nil
	}
	if err := ensureSubjectTransition(s.Status, status); err != nil {
		return domain.Subject{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subject{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	s.Status = status
	s.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `UPDATE subjects SET status=?, updated_at=? WHERE id=?`, status, now, subjectID); err != nil {
		return domain.Subject{}, err
	}
	if err := e.Events.Append(ctx, tx, "subject."+status, "subject", subjectID, actorID, nil); err != nil {
		return domain.Subject{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subject{}, err
	}
	return s, nil
}

// SubjectUpdateOptions encapsulates allowed subject updates. Kind is fixed
// at creation.
type SubjectUpdateOptions struct {
	SubjectID   string
	Title       *string
	Description *string
	StartsAt    *string
	Capacity    *int
	Channel     *string
	ExternalURL *string
	ActorID     string
}

func (e Engine) UpdateSubject(ctx context.Context, opts SubjectUpdateOptions) (domain.Subject, error) {
	s, err := e.Repo.GetSubject(ctx, opts.SubjectID)
	if err != nil {
		return domain.Subject{}, err
	}
	if s.Status == "archived" {
		return domain.Subject{}, errors.New("archived subjects cannot be updated")
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return domain.Subject{}, errors.New("title cannot be empty")
		}
		s.Title = *opts.Title
	}
	if opts.Description != nil {
		s.Description = *opts.Description
	}
	if opts.StartsAt != nil {
		if *opts.StartsAt == "" {
			s.StartsAt = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *opts.StartsAt); err != nil {
				return domain.Subject{}, fmt.Errorf("invalid starts_at: %w", err)
			}
			s.StartsAt = opts.StartsAt
		}
	}
	if opts.Capacity != nil {
		if *opts.Capacity < 0 {
			return domain.Subject{}, errors.New("capacity cannot be negative")
		}
		s.Capacity = *opts.Capacity
	}
	if opts.Channel != nil {
		if *opts.Channel != "internal" && *opts.Channel != "external" {
			return domain.Subject{}, fmt.Errorf("invalid registration channel %q", *opts.Channel)
		}
		s.Channel = *opts.Channel
	}
	if opts.ExternalURL != nil {
		s.ExternalURL = *opts.ExternalURL
	}
	if s.Channel == "external" && !govalidator.IsURL(s.ExternalURL) {
		return domain.Subject{}, fmt.Errorf("external channel requires a valid url, got %q", s.ExternalURL)
	}
	if s.Kind == "event" && s.StartsAt == nil {
		return domain.Subject{}, errors.New("events require starts_at")
	}
	s.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subject{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSubject(ctx, tx, s); err != nil {
		return domain.Subject{}, err
	}
	if err := e.Events.Append(ctx, tx, "subject.updated", "subject", s.ID, opts.ActorID, nil); err != nil {
		return domain.Subject{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subject{}, err
	}
	return s, nil
}
