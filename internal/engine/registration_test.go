package engine_test

import (
	"errors"
	"testing"

	"guildhall/internal/engine"
)

func validForm(env testEnv, name, email string) engine.RegistrationForm {
	return engine.RegistrationForm{
		Name:    name,
		Email:   email,
		Phone:   "0812345678",
		Persons: intPtr(1),
	}
}

func TestCheckThenRegisterThenCheck(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)

	check, err := env.Engine.CheckRegistration(env.Ctx, s.ID, m.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Registered || !check.CanRegister {
		t.Fatalf("expected unregistered and open, got %+v", check)
	}

	reg, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Status != "pending" {
		t.Fatalf("expected pending registration, got %s", reg.Status)
	}

	check, err = env.Engine.CheckRegistration(env.Ctx, s.ID, m.ID)
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if !check.Registered || check.Existing == nil || check.Existing.ID != reg.ID {
		t.Fatalf("expected existing registration after submit, got %+v", check)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email))
	if !errors.Is(err, engine.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email)); err != nil {
		t.Fatal(err)
	}
	canceled, err := env.Engine.CancelRegistration(env.Ctx, s.ID, m.ID)
	if err != nil || !canceled {
		t.Fatalf("first cancel: canceled=%v err=%v", canceled, err)
	}
	canceled, err = env.Engine.CancelRegistration(env.Ctx, s.ID, m.ID)
	if err != nil {
		t.Fatalf("second cancel should not error: %v", err)
	}
	if canceled {
		t.Fatalf("second cancel should be a no-op")
	}
	// cancelling after cancel leaves the member free to register again
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email)); err != nil {
		t.Fatalf("re-register after cancel: %v", err)
	}
}

func TestEventPersonsLimit(t *testing.T) {
	env := newTestEnv(t)
	s := openEvent(t, env, "Gala", 0)
	members := []string{"a@example.com", "b@example.com"}
	ids := make([]string, 0, len(members))
	for _, email := range members {
		m := registerMember(t, env, "Member", email)
		ids = append(ids, m.ID)
	}

	// default event_max_persons is 2
	form := validForm(env, "Member", "a@example.com")
	form.Persons = intPtr(3)
	if _, err := env.Engine.Register(env.Ctx, s.ID, ids[0], form); err == nil {
		t.Fatalf("expected persons=3 to be rejected")
	}
	form.Persons = intPtr(0)
	if _, err := env.Engine.Register(env.Ctx, s.ID, ids[0], form); err == nil {
		t.Fatalf("expected persons=0 to be rejected")
	}
	form.Persons = nil
	if _, err := env.Engine.Register(env.Ctx, s.ID, ids[0], form); err == nil {
		t.Fatalf("expected missing persons to be rejected for events")
	}
	form.Persons = intPtr(1)
	if _, err := env.Engine.Register(env.Ctx, s.ID, ids[0], form); err != nil {
		t.Fatalf("persons=1: %v", err)
	}
	form2 := validForm(env, "Member", "b@example.com")
	form2.Persons = intPtr(2)
	if _, err := env.Engine.Register(env.Ctx, s.ID, ids[1], form2); err != nil {
		t.Fatalf("persons=2: %v", err)
	}
}

func TestFormValidation(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)

	form := validForm(env, "", m.Email)
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, form); err == nil {
		t.Fatalf("expected empty name rejection")
	}
	form = validForm(env, m.Name, "not-an-email")
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, form); err == nil {
		t.Fatalf("expected bad email rejection")
	}
	form = validForm(env, m.Name, m.Email)
	form.Phone = "12345"
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, form); err == nil {
		t.Fatalf("expected short phone rejection")
	}
}

func TestRegistrationClosedAndExternal(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)
	if _, err := env.Engine.SetSubjectStatus(env.Ctx, s.ID, "closed", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email))
	if !errors.Is(err, engine.ErrRegistrationClosed) {
		t.Fatalf("expected ErrRegistrationClosed, got %v", err)
	}

	ext, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind: "project", Title: "Partner call", Channel: "external",
		ExternalURL: "https://partner.example.com/apply", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetSubjectStatus(env.Ctx, ext.ID, "open", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Register(env.Ctx, ext.ID, m.ID, engine.RegistrationForm{
		Name: m.Name, Email: m.Email, Phone: "0812345678",
	})
	var extErr engine.ExternalRegistrationError
	if !errors.As(err, &extErr) || extErr.URL != "https://partner.example.com/apply" {
		t.Fatalf("expected ExternalRegistrationError with url, got %v", err)
	}
}

func TestCapacityEnforced(t *testing.T) {
	env := newTestEnv(t)
	s := openEvent(t, env, "Small room", 2)
	m1 := registerMember(t, env, "One", "one@example.com")
	m2 := registerMember(t, env, "Two", "two@example.com")
	m3 := registerMember(t, env, "Three", "three@example.com")
	if _, err := env.Engine.Register(env.Ctx, s.ID, m1.ID, validForm(env, m1.Name, m1.Email)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Register(env.Ctx, s.ID, m2.ID, validForm(env, m2.Name, m2.Email)); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Register(env.Ctx, s.ID, m3.ID, validForm(env, m3.Name, m3.Email))
	if !errors.Is(err, engine.ErrSubjectFull) {
		t.Fatalf("expected ErrSubjectFull, got %v", err)
	}
	// a cancel frees the slot
	if _, err := env.Engine.CancelRegistration(env.Ctx, s.ID, m1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Register(env.Ctx, s.ID, m3.ID, validForm(env, m3.Name, m3.Email)); err != nil {
		t.Fatalf("register after cancel: %v", err)
	}
}

func TestProjectFormFields(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind: "project", Title: "Co-production call", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetSubjectStatus(env.Ctx, s.ID, "open", "tester"); err != nil {
		t.Fatal(err)
	}
	reg, err := env.Engine.Register(env.Ctx, s.ID, m.ID, engine.RegistrationForm{
		Name:                m.Name,
		Email:               m.Email,
		Phone:               "0812345678",
		Organization:        "Srisai Films",
		SpecialRequirements: "needs subtitling support",
	})
	if err != nil {
		t.Fatalf("register for project: %v", err)
	}
	if reg.Persons != nil {
		t.Fatalf("persons should not apply to project calls")
	}
	if reg.Organization != "Srisai Films" || reg.SpecialRequirements != "needs subtitling support" {
		t.Fatalf("project fields lost: %+v", reg)
	}
}

func TestConfirmRegistration(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)
	reg, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email))
	if err != nil {
		t.Fatal(err)
	}
	reg, err = env.Engine.ConfirmRegistration(env.Ctx, reg.ID, "tester")
	if err != nil || reg.Status != "confirmed" {
		t.Fatalf("confirm: %v (status %s)", err, reg.Status)
	}
	// confirming twice is a no-op
	reg, err = env.Engine.ConfirmRegistration(env.Ctx, reg.ID, "tester")
	if err != nil || reg.Status != "confirmed" {
		t.Fatalf("reconfirm: %v", err)
	}
}

func TestUnauthenticatedRegistration(t *testing.T) {
	env := newTestEnv(t)
	s := openEvent(t, env, "Workshop", 0)
	_, err := env.Engine.Register(env.Ctx, s.ID, "", validForm(env, "Nobody", "nobody@example.com"))
	if !errors.Is(err, engine.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	check, err := env.Engine.CheckRegistration(env.Ctx, s.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if check.CanRegister || check.Reason != "unauthenticated" {
		t.Fatalf("expected unauthenticated reason, got %+v", check)
	}
}
