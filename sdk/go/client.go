package guildhallsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Guildhall HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Subject represents an event or project call (partial).
type Subject struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Channel     string `json:"registration_channel"`
	ExternalURL string `json:"external_url,omitempty"`
	Capacity    int    `json:"capacity,omitempty"`
	StartsAt    string `json:"starts_at,omitempty"`
}

// Registration represents one member's registration.
type Registration struct {
	ID                  string `json:"id"`
	SubjectID           string `json:"subject_id"`
	MemberID            string `json:"member_id"`
	Status              string `json:"status"`
	Name                string `json:"name"`
	Email               string `json:"email"`
	Phone               string `json:"phone"`
	Persons             *int   `json:"persons,omitempty"`
	Organization        string `json:"organization,omitempty"`
	SpecialRequirements string `json:"special_requirements,omitempty"`
	RegisteredAt        string `json:"registered_at"`
}

// RegistrationCheck is the result of a registration status check.
type RegistrationCheck struct {
	SubjectID   string        `json:"subject_id"`
	Registered  bool          `json:"registered"`
	CanRegister bool          `json:"can_register"`
	Reason      string        `json:"reason,omitempty"`
	ExternalURL string        `json:"external_url,omitempty"`
	Existing    *Registration `json:"registration,omitempty"`
}

// FlowState is one snapshot of a registration flow.
type FlowState struct {
	SubjectID    string        `json:"subject_id"`
	State        string        `json:"state"`
	Registration *Registration `json:"registration,omitempty"`
	ExternalURL  string        `json:"external_url,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// RegistrationForm carries the form fields for a submit.
type RegistrationForm struct {
	Name                string `json:"name"`
	Email               string `json:"email"`
	Phone               string `json:"phone"`
	Persons             *int   `json:"persons,omitempty"`
	Organization        string `json:"organization,omitempty"`
	SpecialRequirements string `json:"special_requirements,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListSubjects returns subjects, optionally filtered by kind and status.
func (c *Client) ListSubjects(ctx context.Context, kind, status string) ([]Subject, error) {
	endpoint := "subjects"
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if status != "" {
		q.Set("status", status)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Subject `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CheckRegistration reports whether the caller is registered for a subject.
func (c *Client) CheckRegistration(ctx context.Context, subjectID string) (RegistrationCheck, error) {
	var resp RegistrationCheck
	endpoint := fmt.Sprintf("subjects/%s/registration", url.PathEscape(subjectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Register submits a registration form for a subject.
func (c *Client) Register(ctx context.Context, subjectID string, form RegistrationForm) (Registration, error) {
	var resp Registration
	endpoint := fmt.Sprintf("subjects/%s/registration", url.PathEscape(subjectID))
	err := c.do(ctx, http.MethodPut, endpoint, form, &resp)
	return resp, err
}

// CancelRegistration removes the caller's registration. Cancelling a
// registration that does not exist succeeds with canceled=false.
func (c *Client) CancelRegistration(ctx context.Context, subjectID string) (bool, error) {
	var resp struct {
		Canceled bool `json:"canceled"`
	}
	endpoint := fmt.Sprintf("subjects/%s/registration", url.PathEscape(subjectID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp.Canceled, err
}

// OpenFlow opens the registration flow for a subject.
func (c *Client) OpenFlow(ctx context.Context, subjectID string) (FlowState, error) {
	var resp FlowState
	endpoint := fmt.Sprintf("subjects/%s/flow", url.PathEscape(subjectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitFlow submits the registration form through the flow.
func (c *Client) SubmitFlow(ctx context.Context, subjectID string, form RegistrationForm) (FlowState, error) {
	var resp FlowState
	endpoint := fmt.Sprintf("subjects/%s/flow", url.PathEscape(subjectID))
	err := c.do(ctx, http.MethodPost, endpoint, form, &resp)
	return resp, err
}

// CancelFlow cancels through the flow and returns the resulting state.
func (c *Client) CancelFlow(ctx context.Context, subjectID string) (FlowState, error) {
	var resp FlowState
	endpoint := fmt.Sprintf("subjects/%s/flow/cancel", url.PathEscape(subjectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent event log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
