package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"

	"guildhall/internal/domain"
	"guildhall/internal/events"
	"guildhall/internal/repo"
)

var (
	ErrUnauthenticated    = errors.New("authentication required to register")
	ErrAlreadyRegistered  = errors.New("already registered")
	ErrRegistrationClosed = errors.New("registration is closed")
	ErrSubjectFull        = errors.New("subject is at capacity")
)

// ExternalRegistrationError reports that a subject takes registrations on
// an external site instead of here.
type ExternalRegistrationError struct {
	URL string
}

func (e ExternalRegistrationError) Error() string {
	return fmt.Sprintf("registration handled externally at %s", e.URL)
}

// RegistrationCheck is the result of a status check: either the member's
// existing registration, or whether a new one can be made and why not.
type RegistrationCheck struct {
	SubjectID   string               `json:"subject_id"`
	Registered  bool                 `json:"registered"`
	CanRegister bool                 `json:"can_register"`
	Reason      string               `json:"reason,omitempty"`
	ExternalURL string               `json:"external_url,omitempty"`
	Existing    *domain.Registration `json:"registration,omitempty"`
}

// CheckRegistration answers "is this member registered for this subject,
// and if not, can they be". The answer is advisory: the database decides
// again at submit time, so a stale answer can never produce a duplicate.
func (e Engine) CheckRegistration(ctx context.Context, subjectID, memberID string) (RegistrationCheck, error) {
	s, err := e.Repo.GetSubject(ctx, subjectID)
	if err != nil {
		return RegistrationCheck{}, err
	}
	check := RegistrationCheck{SubjectID: subjectID}
	if memberID != "" {
		reg, err := e.Repo.GetRegistrationBySubjectMember(ctx, subjectID, memberID)
		if err == nil {
			check.Registered = true
			check.Existing = &reg
			return check, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return RegistrationCheck{}, err
		}
	}
	if s.Channel == "external" {
		check.Reason = "external"
		check.ExternalURL = s.ExternalURL
		return check, nil
	}
	if s.Status != "open" {
		check.Reason = "closed"
		return check, nil
	}
	if s.Capacity > 0 {
		n, err := e.Repo.CountRegistrations(ctx, nil, subjectID)
		if err != nil {
			return RegistrationCheck{}, err
		}
		if n >= s.Capacity {
			check.Reason = "full"
			return check, nil
		}
	}
	if memberID == "" {
		check.Reason = "unauthenticated"
		return check, nil
	}
	check.CanRegister = true
	return check, nil
}

// RegistrationForm carries the submitted form fields. Persons applies to
// events, Organization and SpecialRequirements to project calls.
type RegistrationForm struct {
	Name                string
	Email               string
	Phone               string
	Persons             *int
	Organization        string
	SpecialRequirements string
}

func (e Engine) validateForm(kind string, form RegistrationForm) error {
	if strings.TrimSpace(form.Name) == "" {
		return errors.New("name is required")
	}
	if !govalidator.IsEmail(form.Email) {
		return fmt.Errorf("invalid email %q", form.Email)
	}
	minPhone := 10
	maxPersons := 2
	if e.Config != nil {
		if e.Config.Registration.PhoneMinLength > 0 {
			minPhone = e.Config.Registration.PhoneMinLength
		}
		if e.Config.Registration.EventMaxPersons > 0 {
			maxPersons = e.Config.Registration.EventMaxPersons
		}
	}
	if len(strings.TrimSpace(form.Phone)) < minPhone {
		return fmt.Errorf("phone must be at least %d digits", minPhone)
	}
	if kind == "event" {
		if form.Persons == nil {
			return errors.New("persons is required for events")
		}
		if *form.Persons < 1 || *form.Persons > maxPersons {
			return fmt.Errorf("persons must be between 1 and %d", maxPersons)
		}
	}
	return nil
}

// Register submits a registration form. The UNIQUE(subject_id, member_id)
// index is the final arbiter against duplicates: a check that said "free"
// moments ago does not help a second submit.
func (e Engine) Register(ctx context.Context, subjectID, memberID string, form RegistrationForm) (domain.Registration, error) {
	if memberID == "" {
		return domain.Registration{}, ErrUnauthenticated
	}
	s, err := e.Repo.GetSubject(ctx, subjectID)
	if err != nil {
		return domain.Registration{}, err
	}
	if s.Channel == "external" {
		return domain.Registration{}, ExternalRegistrationError{URL: s.ExternalURL}
	}
	if s.Status != "open" {
		return domain.Registration{}, ErrRegistrationClosed
	}
	if _, err := e.Repo.GetMember(ctx, memberID); err != nil {
		return domain.Registration{}, err
	}
	if err := e.validateForm(s.Kind, form); err != nil {
		return domain.Registration{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Registration{}, err
	}
	defer tx.Rollback()

	if s.Capacity > 0 {
		n, err := e.Repo.CountRegistrations(ctx, tx, subjectID)
		if err != nil {
			return domain.Registration{}, err
		}
		if n >= s.Capacity {
			return domain.Registration{}, ErrSubjectFull
		}
	}

	now := e.nowRFC3339()
	reg := domain.Registration{
		ID:           uuid.NewString(),
		SubjectID:    subjectID,
		MemberID:     memberID,
		Status:       "pending",
		Name:         form.Name,
		Email:        form.Email,
		Phone:        form.Phone,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if s.Kind == "event" {
		reg.Persons = form.Persons
	} else {
		reg.Organization = form.Organization
		reg.SpecialRequirements = form.SpecialRequirements
	}
	if err := e.Repo.InsertRegistration(ctx, tx, reg); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Registration{}, ErrAlreadyRegistered
		}
		return domain.Registration{}, fmt.Errorf("insert registration: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "registration.created", "registration", reg.ID, memberID, events.EventPayload{"subject_id": subjectID}); err != nil {
		return domain.Registration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Registration{}, err
	}
	return reg, nil
}

// CancelRegistration removes the member's registration for a subject. It is
// idempotent: cancelling twice, or cancelling what never existed, succeeds
// and reports canceled=false.
func (e Engine) CancelRegistration(ctx context.Context, subjectID, memberID string) (bool, error) {
	if memberID == "" {
		return false, ErrUnauthenticated
	}
	if _, err := e.Repo.GetSubject(ctx, subjectID); err != nil {
		return false, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	n, err := e.Repo.DeleteRegistrationBySubjectMember(ctx, tx, subjectID, memberID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}
	if err := e.Events.Append(ctx, tx, "registration.canceled", "registration", "", memberID, events.EventPayload{"subject_id": subjectID}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ConfirmRegistration moves a registration from pending to confirmed.
func (e Engine) ConfirmRegistration(ctx context.Context, registrationID, actorID string) (domain.Registration, error) {
	reg, err := e.Repo.GetRegistration(ctx, registrationID)
	if err != nil {
		return domain.Registration{}, err
	}
	if reg.Status == "confirmed" {
		return reg, nil
	}
	if reg.Status != "pending" {
		return domain.Registration{}, fmt.Errorf("invalid registration status transition %s -> confirmed", reg.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Registration{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.UpdateRegistrationStatus(ctx, tx, registrationID, "confirmed", now); err != nil {
		return domain.Registration{}, err
	}
	if err := e.Events.Append(ctx, tx, "registration.confirmed", "registration", registrationID, actorID, events.EventPayload{"subject_id": reg.SubjectID}); err != nil {
		return domain.Registration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Registration{}, err
	}
	reg.Status = "confirmed"
	reg.UpdatedAt = now
	return reg, nil
}
