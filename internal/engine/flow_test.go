package engine_test

import (
	"testing"

	"guildhall/internal/engine"
)

func TestFlowHappyPath(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)

	flow := engine.NewFlow(env.Engine, s.ID, m.ID)
	state, err := flow.Open(env.Ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if state.State != engine.StateForm {
		t.Fatalf("expected form state, got %s", state.State)
	}
	// the form is seeded from the member profile
	if state.Prefill.Name != "Somchai" || state.Prefill.Email != "somchai@example.com" {
		t.Fatalf("unexpected prefill %+v", state.Prefill)
	}

	form := validForm(env, state.Prefill.Name, state.Prefill.Email)
	form.Phone = state.Prefill.Phone
	state, err = flow.Submit(env.Ctx, form)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if state.State != engine.StateSuccess || state.Registration == nil {
		t.Fatalf("expected success with registration, got %+v", state)
	}
}

func TestFlowPrefillIsEditable(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)

	flow := engine.NewFlow(env.Engine, s.ID, m.ID)
	state, err := flow.Open(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	form := validForm(env, state.Prefill.Name, state.Prefill.Email)
	form.Name = "Somying" // overwrite the prefilled name
	state, err = flow.Submit(env.Ctx, form)
	if err != nil {
		t.Fatal(err)
	}
	if state.Registration.Name != "Somying" {
		t.Fatalf("expected submitted name to win, got %s", state.Registration.Name)
	}
	// the member profile itself is untouched
	got, err := env.Engine.Repo.GetMember(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Somchai" {
		t.Fatalf("member profile should be unchanged, got %s", got.Name)
	}
}

func TestFlowOpenResolvesExisting(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email)); err != nil {
		t.Fatal(err)
	}
	flow := engine.NewFlow(env.Engine, s.ID, m.ID)
	state, err := flow.Open(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != engine.StateExisting || state.Registration == nil {
		t.Fatalf("expected existing state, got %+v", state)
	}
}

func TestFlowReopenResets(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)

	flow := engine.NewFlow(env.Engine, s.ID, m.ID)
	if _, err := flow.Open(env.Ctx); err != nil {
		t.Fatal(err)
	}
	state, err := flow.Submit(env.Ctx, validForm(env, m.Name, m.Email))
	if err != nil || state.State != engine.StateSuccess {
		t.Fatalf("submit: %v (%s)", err, state.State)
	}
	// reopening after success discards progress and re-checks
	state, err = flow.Open(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != engine.StateExisting {
		t.Fatalf("expected existing after reopen, got %s", state.State)
	}
}

func TestFlowValidationErrorStaysOnForm(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)

	flow := engine.NewFlow(env.Engine, s.ID, m.ID)
	if _, err := flow.Open(env.Ctx); err != nil {
		t.Fatal(err)
	}
	bad := validForm(env, m.Name, "not-an-email")
	state, err := flow.Submit(env.Ctx, bad)
	if err != nil {
		t.Fatalf("validation failures surface in state, not as errors: %v", err)
	}
	if state.State != engine.StateForm || state.Error == "" {
		t.Fatalf("expected form state with inline error, got %+v", state)
	}
	// fixing the form succeeds without reopening
	state, err = flow.Submit(env.Ctx, validForm(env, m.Name, m.Email))
	if err != nil || state.State != engine.StateSuccess {
		t.Fatalf("resubmit: %v (%s)", err, state.State)
	}
}

func TestFlowDuplicateSlipResolvesToExisting(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)

	flow := engine.NewFlow(env.Engine, s.ID, m.ID)
	if _, err := flow.Open(env.Ctx); err != nil {
		t.Fatal(err)
	}
	// someone else submits for this member between check and submit
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email)); err != nil {
		t.Fatal(err)
	}
	state, err := flow.Submit(env.Ctx, validForm(env, m.Name, m.Email))
	if err != nil {
		t.Fatal(err)
	}
	if state.State != engine.StateExisting || state.Registration == nil {
		t.Fatalf("expected existing after duplicate slip, got %+v", state)
	}
}

func TestFlowCancelRechecks(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")
	s := openEvent(t, env, "Workshop", 0)
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email)); err != nil {
		t.Fatal(err)
	}

	flow := engine.NewFlow(env.Engine, s.ID, m.ID)
	if _, err := flow.Open(env.Ctx); err != nil {
		t.Fatal(err)
	}
	state, err := flow.Cancel(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	// after cancel the subject is still open, so the form comes back
	if state.State != engine.StateForm {
		t.Fatalf("expected form after cancel, got %s", state.State)
	}

	// if the subject closed while the flow was held open, cancel lands on closed
	if _, err := env.Engine.Register(env.Ctx, s.ID, m.ID, validForm(env, m.Name, m.Email)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetSubjectStatus(env.Ctx, s.ID, "closed", "tester"); err != nil {
		t.Fatal(err)
	}
	flow2 := engine.NewFlow(env.Engine, s.ID, m.ID)
	if _, err := flow2.Open(env.Ctx); err != nil {
		t.Fatal(err)
	}
	state, err = flow2.Cancel(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != engine.StateClosed {
		t.Fatalf("expected closed after cancel on closed subject, got %s", state.State)
	}
}

func TestFlowClosedAndExternalStates(t *testing.T) {
	env := newTestEnv(t)
	m := registerMember(t, env, "Somchai", "somchai@example.com")

	s := openEvent(t, env, "Workshop", 0)
	if _, err := env.Engine.SetSubjectStatus(env.Ctx, s.ID, "closed", "tester"); err != nil {
		t.Fatal(err)
	}
	flow := engine.NewFlow(env.Engine, s.ID, m.ID)
	state, err := flow.Open(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != engine.StateClosed {
		t.Fatalf("expected closed, got %s", state.State)
	}

	ext, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{
		Kind: "project", Title: "Partner call", Channel: "external",
		ExternalURL: "https://partner.example.com/apply", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	flow = engine.NewFlow(env.Engine, ext.ID, m.ID)
	state, err = flow.Open(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != engine.StateExternal || state.ExternalURL != "https://partner.example.com/apply" {
		t.Fatalf("expected external with url, got %+v", state)
	}
}

func TestFlowFullState(t *testing.T) {
	env := newTestEnv(t)
	s := openEvent(t, env, "Tiny venue", 1)
	m1 := registerMember(t, env, "One", "one@example.com")
	m2 := registerMember(t, env, "Two", "two@example.com")
	if _, err := env.Engine.Register(env.Ctx, s.ID, m1.ID, validForm(env, m1.Name, m1.Email)); err != nil {
		t.Fatal(err)
	}
	flow := engine.NewFlow(env.Engine, s.ID, m2.ID)
	state, err := flow.Open(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != engine.StateFull {
		t.Fatalf("expected full, got %s", state.State)
	}
	// the member who got in still sees their registration, not "full"
	flow = engine.NewFlow(env.Engine, s.ID, m1.ID)
	state, err = flow.Open(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != engine.StateExisting {
		t.Fatalf("expected existing for registered member, got %s", state.State)
	}
}
