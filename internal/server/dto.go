package server

// Request payloads

type RegisterMemberRequest struct {
	Name  string  `json:"name"`
	Email string  `json:"email" format:"email"`
	Phone *string `json:"phone,omitempty"`
	Bio   *string `json:"bio,omitempty"`
}

type UpdateMemberRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty" format:"email"`
	Phone *string `json:"phone,omitempty"`
	Bio   *string `json:"bio,omitempty"`
}

type CreateFilmRequest struct {
	Title    string  `json:"title"`
	Year     int     `json:"year"`
	Synopsis *string `json:"synopsis,omitempty"`
}

type UpdateFilmRequest struct {
	Title    *string `json:"title,omitempty"`
	Year     *int    `json:"year,omitempty"`
	Synopsis *string `json:"synopsis,omitempty"`
}

type ClaimCreditRequest struct {
	FilmID   string  `json:"film_id"`
	MemberID *string `json:"member_id,omitempty"`
	Role     string  `json:"role"`
}

type CreateSubjectRequest struct {
	Kind        string  `json:"kind" enum:"event,project"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	StartsAt    *string `json:"starts_at,omitempty" format:"date-time"`
	Capacity    *int    `json:"capacity,omitempty"`
	Channel     *string `json:"registration_channel,omitempty" enum:"internal,external"`
	ExternalURL *string `json:"external_url,omitempty"`
}

type UpdateSubjectRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	StartsAt    *string `json:"starts_at,omitempty" format:"date-time"`
	Capacity    *int    `json:"capacity,omitempty"`
	Channel     *string `json:"registration_channel,omitempty" enum:"internal,external"`
	ExternalURL *string `json:"external_url,omitempty"`
}

type SubjectStatusRequest struct {
	Status string `json:"status" enum:"draft,open,closed,archived"`
}

type RegistrationFormRequest struct {
	Name                string  `json:"name"`
	Email               string  `json:"email" format:"email"`
	Phone               string  `json:"phone"`
	Persons             *int    `json:"persons,omitempty"`
	Organization        *string `json:"organization,omitempty"`
	SpecialRequirements *string `json:"special_requirements,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	MemberID string   `json:"member_id"`
	Roles    []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	MemberID    string   `json:"member_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

type APIKeyCreatedResponse struct {
	ID       string `json:"id"`
	MemberID string `json:"member_id"`
	Name     string `json:"name,omitempty"`
	// Key is returned once; only its hash is stored.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func intOrZero(ptr *int) int {
	if ptr == nil {
		return 0
	}
	return *ptr
}
