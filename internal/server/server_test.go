package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"guildhall/internal/config"
	"guildhall/internal/db"
	"guildhall/internal/domain"
	"guildhall/internal/engine"
	"guildhall/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Admin  string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("guildhall-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.InitAssociation(ctx, cfg, "tester"); err != nil {
		t.Fatalf("init association: %v", err)
	}
	admin, err := e.RegisterMember(ctx, engine.MemberRegisterOptions{
		Name: "Admin", Email: "admin@example.com", Phone: "0800000000", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	if err := e.Repo.AssignRole(ctx, nil, admin.ID, "admin"); err != nil {
		t.Fatalf("assign admin role: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyMemberHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Admin:  admin.ID,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asAdmin(srv *testServer) map[string]string {
	return map[string]string{"X-Member-Id": srv.Admin}
}

func asMember(id string) map[string]string {
	return map[string]string{"X-Member-Id": id}
}

func createOpenEvent(t *testing.T, srv *testServer) domain.Subject {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/subjects", map[string]any{
		"kind":      "event",
		"title":     "Screening night",
		"starts_at": "2025-07-01T19:00:00Z",
	}, asAdmin(srv))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create subject: %d %s", res.StatusCode, string(data))
	}
	var s domain.Subject
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal subject: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/subjects/"+s.ID+"/status", map[string]any{
		"status": "open",
	}, asAdmin(srv))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open subject: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &s)
	return s
}

func registerTestMember(t *testing.T, srv *testServer, email string) domain.Member {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/members", map[string]any{
		"name":  "Somchai",
		"email": email,
		"phone": "0812345678",
	}, asAdmin(srv))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register member: %d %s", res.StatusCode, string(data))
	}
	var m domain.Member
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal member: %v", err)
	}
	return m
}

func TestRegistrationWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := createOpenEvent(t, srv)
	m := registerTestMember(t, srv, "somchai@example.com")

	// status check: not registered, can register
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/subjects/"+s.ID+"/registration", nil, asMember(m.ID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	var check struct {
		Registered  bool `json:"registered"`
		CanRegister bool `json:"can_register"`
	}
	_ = json.Unmarshal(data, &check)
	if check.Registered || !check.CanRegister {
		t.Fatalf("expected unregistered/can_register, got %s", string(data))
	}

	// submit
	form := map[string]any{
		"name":    "Somchai",
		"email":   "somchai@example.com",
		"phone":   "0812345678",
		"persons": 1,
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/subjects/"+s.ID+"/registration", form, asMember(m.ID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var reg domain.Registration
	_ = json.Unmarshal(data, &reg)
	if reg.Status != "pending" {
		t.Fatalf("expected pending registration, got %s", string(data))
	}

	// duplicate submit conflicts
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/subjects/"+s.ID+"/registration", form, asMember(m.ID))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d %s", res.StatusCode, string(data))
	}

	// re-check reflects the registration
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/subjects/"+s.ID+"/registration", nil, asMember(m.ID))
	_ = json.Unmarshal(data, &check)
	if res.StatusCode != http.StatusOK || !check.Registered {
		t.Fatalf("expected registered on recheck, got %d %s", res.StatusCode, string(data))
	}

	// admin confirms
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/registrations/"+reg.ID+"/confirm", nil, asAdmin(srv))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &reg)
	if reg.Status != "confirmed" {
		t.Fatalf("expected confirmed, got %s", string(data))
	}

	// cancel is idempotent
	var cancel CancelResponse
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/subjects/"+s.ID+"/registration", nil, asMember(m.ID))
	_ = json.Unmarshal(data, &cancel)
	if res.StatusCode != http.StatusOK || !cancel.Canceled {
		t.Fatalf("first cancel: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/subjects/"+s.ID+"/registration", nil, asMember(m.ID))
	_ = json.Unmarshal(data, &cancel)
	if res.StatusCode != http.StatusOK || cancel.Canceled {
		t.Fatalf("second cancel should be no-op: %d %s", res.StatusCode, string(data))
	}
}

func TestFlowEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := createOpenEvent(t, srv)
	m := registerTestMember(t, srv, "somchai@example.com")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/subjects/"+s.ID+"/flow", nil, asMember(m.ID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open flow: %d %s", res.StatusCode, string(data))
	}
	var state struct {
		State   string `json:"state"`
		Error   string `json:"error"`
		Prefill struct {
			Name string `json:"name"`
		} `json:"prefill"`
	}
	_ = json.Unmarshal(data, &state)
	if state.State != "form" || state.Prefill.Name != "Somchai" {
		t.Fatalf("expected prefilled form, got %s", string(data))
	}

	// bad form keeps the flow on the form with an inline error
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/subjects/"+s.ID+"/flow", map[string]any{
		"name":    "Somchai",
		"email":   "somchai@example.com",
		"phone":   "123",
		"persons": 1,
	}, asMember(m.ID))
	_ = json.Unmarshal(data, &state)
	if res.StatusCode != http.StatusOK || state.State != "form" || state.Error == "" {
		t.Fatalf("expected inline validation error, got %d %s", res.StatusCode, string(data))
	}

	// good form reaches success
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/subjects/"+s.ID+"/flow", map[string]any{
		"name":    "Somying",
		"email":   "somchai@example.com",
		"phone":   "0812345678",
		"persons": 2,
	}, asMember(m.ID))
	_ = json.Unmarshal(data, &state)
	if res.StatusCode != http.StatusOK || state.State != "success" {
		t.Fatalf("expected success, got %d %s", res.StatusCode, string(data))
	}

	// cancel through the flow lands back on the form
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/subjects/"+s.ID+"/flow/cancel", nil, asMember(m.ID))
	_ = json.Unmarshal(data, &state)
	if res.StatusCode != http.StatusOK || state.State != "form" {
		t.Fatalf("expected form after cancel, got %d %s", res.StatusCode, string(data))
	}
}

func TestEmptyPatchBodyRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	m := registerTestMember(t, srv, "somchai@example.com")

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/members/"+m.ID, nil, asAdmin(srv))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty patch body, got %d %s", res.StatusCode, string(data))
	}
	// an explicit empty object is fine: nothing to change, member returned as is
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/members/"+m.ID, map[string]any{}, asAdmin(srv))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for empty object patch, got %d %s", res.StatusCode, string(data))
	}
	var got domain.Member
	_ = json.Unmarshal(data, &got)
	if got.Name != "Somchai" {
		t.Fatalf("no-op patch should leave member unchanged, got %s", string(data))
	}
}

func TestPermissionEnforcement(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	m := registerTestMember(t, srv, "plain@example.com")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/subjects", map[string]any{
		"kind":  "project",
		"title": "Sneaky call",
	}, asMember(m.ID))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for plain member, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/members", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"member_id": srv.Admin,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.MemberID != srv.Admin {
		t.Fatalf("expected admin principal, got %s", string(data))
	}
	if len(who.Permissions) == 0 {
		t.Fatalf("expected admin permissions resolved from roles, got %s", string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"name": "ci",
	}, asAdmin(srv))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("expected raw key, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.MemberID != srv.Admin {
		t.Fatalf("expected admin via api key, got %s", string(data))
	}
}
