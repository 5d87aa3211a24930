package engine

import (
	"context"
	"errors"

	"guildhall/internal/domain"
)

// Flow states. A flow always opens in StateChecking, then settles on what
// the status check found. Validation failures keep the flow in StateForm
// with the error held alongside; only a successful submit reaches
// StateSuccess.
const (
	StateChecking = "status-check"
	StateForm     = "form"
	StateExisting = "existing"
	StateExternal = "external"
	StateClosed   = "closed"
	StateFull     = "full"
	StateSuccess  = "success"
)

// FlowState is one snapshot of a registration flow as presented to a
// client: where the member is, what to prefill, and the last error if any.
type FlowState struct {
	SubjectID    string               `json:"subject_id"`
	State        string               `json:"state" enum:"status-check,form,existing,external,closed,full,success"`
	Prefill      RegistrationPrefill  `json:"prefill"`
	Registration *domain.Registration `json:"registration,omitempty"`
	ExternalURL  string               `json:"external_url,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// RegistrationPrefill seeds the form from the member profile. The member
// may overwrite any field before submitting.
type RegistrationPrefill struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Flow coordinates one member's registration flow for one subject. It is a
// thin state machine over the engine: every transition re-derives the truth
// from the store, so a flow held open across someone else's cancel or a
// subject closing lands in the right state instead of acting on stale data.
type Flow struct {
	Engine    Engine
	SubjectID string
	MemberID  string
	state     FlowState
}

func NewFlow(e Engine, subjectID, memberID string) *Flow {
	return &Flow{
		Engine:    e,
		SubjectID: subjectID,
		MemberID:  memberID,
		state:     FlowState{SubjectID: subjectID, State: StateChecking},
	}
}

func (f *Flow) State() FlowState {
	return f.state
}

// Open runs the status check and resolves the opening state. Calling Open
// on a flow that already progressed resets it; any in-progress form input
// is discarded in favor of what the store says now.
func (f *Flow) Open(ctx context.Context) (FlowState, error) {
	check, err := f.Engine.CheckRegistration(ctx, f.SubjectID, f.MemberID)
	if err != nil {
		return FlowState{}, err
	}
	f.state = FlowState{SubjectID: f.SubjectID}
	switch {
	case check.Registered:
		f.state.State = StateExisting
		f.state.Registration = check.Existing
	case check.Reason == "external":
		f.state.State = StateExternal
		f.state.ExternalURL = check.ExternalURL
	case check.Reason == "closed":
		f.state.State = StateClosed
	case check.Reason == "full":
		f.state.State = StateFull
	case check.CanRegister:
		f.state.State = StateForm
		f.state.Prefill = f.prefill(ctx)
	default:
		// unauthenticated: show the form shell, submit will refuse
		f.state.State = StateForm
	}
	return f.state, nil
}

func (f *Flow) prefill(ctx context.Context) RegistrationPrefill {
	if f.MemberID == "" {
		return RegistrationPrefill{}
	}
	m, err := f.Engine.Repo.GetMember(ctx, f.MemberID)
	if err != nil {
		return RegistrationPrefill{}
	}
	return RegistrationPrefill{Name: m.Name, Email: m.Email, Phone: m.Phone}
}

// Submit attempts the registration. On success the flow reaches
// StateSuccess. A duplicate slip (someone submitted between our check and
// now) resolves to StateExisting with the winning registration. Validation
// and capacity errors keep the current state and surface inline.
func (f *Flow) Submit(ctx context.Context, form RegistrationForm) (FlowState, error) {
	if f.state.State != StateForm {
		f.state.Error = "flow is not at the form step"
		return f.state, nil
	}
	reg, err := f.Engine.Register(ctx, f.SubjectID, f.MemberID, form)
	if err == nil {
		f.state = FlowState{SubjectID: f.SubjectID, State: StateSuccess, Registration: &reg}
		return f.state, nil
	}
	if errors.Is(err, ErrAlreadyRegistered) {
		return f.Open(ctx)
	}
	var extErr ExternalRegistrationError
	if errors.As(err, &extErr) {
		f.state = FlowState{SubjectID: f.SubjectID, State: StateExternal, ExternalURL: extErr.URL}
		return f.state, nil
	}
	if errors.Is(err, ErrRegistrationClosed) {
		f.state = FlowState{SubjectID: f.SubjectID, State: StateClosed}
		return f.state, nil
	}
	if errors.Is(err, ErrSubjectFull) {
		f.state = FlowState{SubjectID: f.SubjectID, State: StateFull}
		return f.state, nil
	}
	f.state.Error = err.Error()
	return f.state, nil
}

// Cancel removes the registration, then re-checks rather than assuming the
// outcome: the subject may have closed or filled while we held the slot.
func (f *Flow) Cancel(ctx context.Context) (FlowState, error) {
	if _, err := f.Engine.CancelRegistration(ctx, f.SubjectID, f.MemberID); err != nil {
		return FlowState{}, err
	}
	return f.Open(ctx)
}
