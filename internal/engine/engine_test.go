package engine_test

import (
	"context"
	"testing"
	"time"

	"guildhall/internal/config"
	"guildhall/internal/db"
	"guildhall/internal/domain"
	"guildhall/internal/engine"
	"guildhall/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("assoc-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.InitAssociation(ctx, cfg, "tester"); err != nil {
		t.Fatalf("init association: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func registerMember(t *testing.T, env testEnv, name, email string) domain.Member {
	t.Helper()
	m, err := env.Engine.RegisterMember(env.Ctx, engine.MemberRegisterOptions{
		Name:    name,
		Email:   email,
		Phone:   "0812345678",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("register member: %v", err)
	}
	return m
}

func openEvent(t *testing.T, env testEnv, title string, capacity int) domain.Subject {
	t.Helper()
	s, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind:     "event",
		Title:    title,
		StartsAt: "2025-07-01T18:00:00Z",
		Capacity: capacity,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create subject: %v", err)
	}
	s, err = env.Engine.SetSubjectStatus(env.Ctx, s.ID, "open", "tester")
	if err != nil {
		t.Fatalf("open subject: %v", err)
	}
	return s
}

func TestMemberRegistrationAndVerification(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai Srisai", "somchai@example.com")
	if m.Status != "pending" {
		t.Fatalf("expected pending, got %s", m.Status)
	}
	// duplicate email rejected
	if _, err := env.Engine.RegisterMember(env.Ctx, engine.MemberRegisterOptions{
		Name: "Other", Email: "somchai@example.com", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected duplicate email error")
	}
	// verification requires a certified credit
	if _, err := env.Engine.SetMemberStatus(env.Ctx, m.ID, "verified", "tester"); err == nil {
		t.Fatalf("expected verification to fail without certified credit")
	}
	f, err := env.Engine.CreateFilm(env.Ctx, engine.FilmCreateOptions{Title: "Low Tide", Year: 2021, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create film: %v", err)
	}
	c, err := env.Engine.ClaimCredit(env.Ctx, engine.CreditClaimOptions{FilmID: f.ID, MemberID: m.ID, Role: "director", ActorID: m.ID})
	if err != nil {
		t.Fatalf("claim credit: %v", err)
	}
	c, err = env.Engine.ResolveCredit(env.Ctx, c.ID, "certified", "tester")
	if err != nil || c.Status != "certified" {
		t.Fatalf("certify credit: %v", err)
	}
	m, err = env.Engine.SetMemberStatus(env.Ctx, m.ID, "verified", "tester")
	if err != nil || m.Status != "verified" {
		t.Fatalf("verify member: %v", err)
	}
	// suspended members can be reinstated, but not back to pending
	m, err = env.Engine.SetMemberStatus(env.Ctx, m.ID, "suspended", "tester")
	if err != nil || m.Status != "suspended" {
		t.Fatalf("suspend member: %v", err)
	}
	if _, err := env.Engine.SetMemberStatus(env.Ctx, m.ID, "pending", "tester"); err == nil {
		t.Fatalf("expected transition error to pending")
	}
}

func TestCreditDoubleClaimRejected(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Anong", "anong@example.com")
	f, err := env.Engine.CreateFilm(env.Ctx, engine.FilmCreateOptions{Title: "Night Market", Year: 2023, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimCredit(env.Ctx, engine.CreditClaimOptions{FilmID: f.ID, MemberID: m.ID, Role: "director", ActorID: m.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimCredit(env.Ctx, engine.CreditClaimOptions{FilmID: f.ID, MemberID: m.ID, Role: "director", ActorID: m.ID}); err == nil {
		t.Fatalf("expected duplicate claim error")
	}
	// same member, different role is a separate credit
	if _, err := env.Engine.ClaimCredit(env.Ctx, engine.CreditClaimOptions{FilmID: f.ID, MemberID: m.ID, Role: "producer", ActorID: m.ID}); err != nil {
		t.Fatalf("claim second role: %v", err)
	}
}

func TestCreditResolveIsFinal(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Anong", "anong@example.com")
	f, _ := env.Engine.CreateFilm(env.Ctx, engine.FilmCreateOptions{Title: "Harbor", Year: 2020, ActorID: "tester"})
	c, err := env.Engine.ClaimCredit(env.Ctx, engine.CreditClaimOptions{FilmID: f.ID, MemberID: m.ID, Role: "director", ActorID: m.ID})
	if err != nil {
		t.Fatal(err)
	}
	c, err = env.Engine.ResolveCredit(env.Ctx, c.ID, "rejected", "tester")
	if err != nil || c.Status != "rejected" {
		t.Fatalf("reject credit: %v", err)
	}
	if _, err := env.Engine.ResolveCredit(env.Ctx, c.ID, "certified", "tester"); err == nil {
		t.Fatalf("expected error certifying a rejected credit")
	}
}

func TestSubjectStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind:     "project",
		Title:    "Documentary grant 2025",
		ActorID:  "tester",
		Capacity: 0,
	})
	if err != nil {
		t.Fatalf("create subject: %v", err)
	}
	if s.Status != "draft" {
		t.Fatalf("expected draft, got %s", s.Status)
	}
	// draft cannot close directly
	if _, err := env.Engine.SetSubjectStatus(env.Ctx, s.ID, "closed", "tester"); err == nil {
		t.Fatalf("expected transition error draft -> closed")
	}
	s, err = env.Engine.SetSubjectStatus(env.Ctx, s.ID, "open", "tester")
	if err != nil || s.Status != "open" {
		t.Fatalf("open: %v", err)
	}
	s, err = env.Engine.SetSubjectStatus(env.Ctx, s.ID, "closed", "tester")
	if err != nil || s.Status != "closed" {
		t.Fatalf("close: %v", err)
	}
	// closed subjects may reopen
	s, err = env.Engine.SetSubjectStatus(env.Ctx, s.ID, "open", "tester")
	if err != nil || s.Status != "open" {
		t.Fatalf("reopen: %v", err)
	}
	s, _ = env.Engine.SetSubjectStatus(env.Ctx, s.ID, "closed", "tester")
	s, err = env.Engine.SetSubjectStatus(env.Ctx, s.ID, "archived", "tester")
	if err != nil || s.Status != "archived" {
		t.Fatalf("archive: %v", err)
	}
	if _, err := env.Engine.SetSubjectStatus(env.Ctx, s.ID, "open", "tester"); err == nil {
		t.Fatalf("expected archived to be terminal")
	}
}

func TestSubjectValidation(t *testing.T) {
	env := newTestEnv(t)
	// events need a start time
	if _, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind: "event", Title: "Screening", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected starts_at requirement")
	}
	// external channel needs a url
	if _, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind: "project", Title: "External call", Channel: "external", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected external url requirement")
	}
	s, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind: "project", Title: "External call", Channel: "external",
		ExternalURL: "https://example.com/apply", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create external subject: %v", err)
	}
	if s.Channel != "external" {
		t.Fatalf("expected external channel, got %s", s.Channel)
	}
}

func TestUpdatesCommitAtomicallyWithEvent(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	f, err := env.Engine.CreateFilm(env.Ctx, engine.FilmCreateOptions{Title: "Low Tide", Year: 2021, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind: "project", Title: "Grant call", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	// with the event log gone, the append fails and must drag the row
	// update down with it
	if _, err := env.Engine.DB.Exec(`DROP TABLE events`); err != nil {
		t.Fatal(err)
	}

	name := "Somying"
	if _, err := env.Engine.UpdateMember(env.Ctx, engine.MemberUpdateOptions{
		MemberID: m.ID, Name: &name, ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected member update to fail without event log")
	}
	got, err := env.Engine.Repo.GetMember(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Somchai" {
		t.Fatalf("member update should roll back with its event, got name %s", got.Name)
	}

	title := "High Tide"
	if _, err := env.Engine.UpdateFilm(env.Ctx, engine.FilmUpdateOptions{
		FilmID: f.ID, Title: &title, ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected film update to fail without event log")
	}
	gotFilm, err := env.Engine.Repo.GetFilm(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotFilm.Title != "Low Tide" {
		t.Fatalf("film update should roll back with its event, got title %s", gotFilm.Title)
	}

	if _, err := env.Engine.UpdateSubject(env.Ctx, engine.SubjectUpdateOptions{
		SubjectID: s.ID, Title: &title, ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected subject update to fail without event log")
	}
	gotSubject, err := env.Engine.Repo.GetSubject(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotSubject.Title != "Grant call" {
		t.Fatalf("subject update should roll back with its event, got title %s", gotSubject.Title)
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Annual gala", 0)
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, engine.RegistrationForm{
		Name: m.Name, Email: m.Email, Phone: "0812345678", Persons: intPtr(1),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, 50, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"association.init", "member.registered", "subject.created", "subject.open", "registration.created"} {
		if !types[want] {
			t.Fatalf("missing event %s in log (have %v)", want, types)
		}
	}
}

func intPtr(v int) *int { return &v }
